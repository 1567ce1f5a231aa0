package main

import (
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/elytra/backend/internal/collab"
	"github.com/MarcoPoloResearchLab/elytra/backend/internal/presence"
)

func TestRenderPresenceListsActiveUsers(t *testing.T) {
	now := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	records := []presence.LivenessRecord{
		{UserID: "user-1", DisplayName: "Ada", LastActiveAtMillis: now.Add(-5 * time.Second).UnixMilli()},
		{UserID: "user-2", DisplayName: "Bob", LastActiveAtMillis: now.UnixMilli(), Cursor: &presence.CursorState{X: 12, Y: 40}},
	}

	rendered := renderPresence(records, now)
	for _, expected := range []string{"USER", "Ada", "5s ago", "Bob", "12,40", collab.CursorColor("user-2").String()} {
		if !strings.Contains(rendered, expected) {
			t.Fatalf("expected %q in table:\n%s", expected, rendered)
		}
	}
}

func TestFormatCursor(t *testing.T) {
	if formatCursor(nil) != "-" {
		t.Fatalf("expected placeholder for missing cursor")
	}
	cursor := &presence.CursorState{X: 1.4, Y: 2.6, Selection: &presence.Selection{Start: 3, End: 7}}
	if got := formatCursor(cursor); got != "1,3 [3:7]" {
		t.Fatalf("unexpected cursor rendering %q", got)
	}
}

func TestParsePoint(t *testing.T) {
	point, ok := parsePoint([]string{"10", "20.5"})
	if !ok || point != (collab.Point{X: 10, Y: 20.5}) {
		t.Fatalf("unexpected point %#v (ok=%v)", point, ok)
	}
	if _, ok := parsePoint([]string{"10"}); ok {
		t.Fatalf("expected missing coordinate to fail")
	}
	if _, ok := parsePoint([]string{"x", "1"}); ok {
		t.Fatalf("expected non-numeric coordinate to fail")
	}
}

func TestPresenceLine(t *testing.T) {
	if got := presenceLine(nil); got != "no one else here" {
		t.Fatalf("unexpected empty line %q", got)
	}
	users := []presence.LivenessRecord{
		{UserID: "u1", DisplayName: "Ada"},
		{UserID: "u2", DisplayName: "Bob"},
		{UserID: "u3", DisplayName: "Cy"},
		{UserID: "u4", DisplayName: "Di"},
	}
	if got := presenceLine(users); got != "4 users active: Ada, Bob, Cy +1" {
		t.Fatalf("unexpected line %q", got)
	}
}
