package collab

import (
	"context"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/elytra/backend/internal/presence"
	"go.uber.org/zap"
)

// Point is a pointer position in viewport coordinates.
type Point struct {
	X float64
	Y float64
}

// Bounds is the editor rectangle in viewport coordinates.
type Bounds struct {
	Left   float64
	Top    float64
	Width  float64
	Height float64
}

func (b Bounds) contains(point Point) bool {
	return point.X >= b.Left && point.X <= b.Left+b.Width &&
		point.Y >= b.Top && point.Y <= b.Top+b.Height
}

// CursorBroadcaster renders local pointer moves immediately and sends the newest one to the
// store at most once per flush interval.
type CursorBroadcaster struct {
	store      DocumentStore
	documentID string
	userID     string
	interval   time.Duration
	loop       *eventLoop
	logger     *zap.Logger
	render     func(presence.CursorState)

	staged   *presence.CursorState
	flush    *loopTimer
	inFlight bool
	closed   bool
}

func newCursorBroadcaster(store DocumentStore, documentID, userID string, interval time.Duration, loop *eventLoop, render func(presence.CursorState), logger *zap.Logger) *CursorBroadcaster {
	return &CursorBroadcaster{
		store:      store,
		documentID: documentID,
		userID:     strings.TrimSpace(userID),
		interval:   interval,
		loop:       loop,
		logger:     logger,
		render:     render,
	}
}

// RelativeCursor converts a viewport point into editor-relative coordinates. Points outside
// the editor are rejected.
func RelativeCursor(point Point, bounds Bounds, selection *presence.Selection) (presence.CursorState, bool) {
	if !bounds.contains(point) {
		return presence.CursorState{}, false
	}
	return presence.CursorState{
		X:         point.X - bounds.Left,
		Y:         point.Y - bounds.Top,
		Selection: selection,
	}, true
}

// move stages a new position. Loop only.
func (b *CursorBroadcaster) move(ctx context.Context, point Point, bounds Bounds, selection *presence.Selection) {
	if b.closed {
		return
	}
	cursor, ok := RelativeCursor(point, bounds, selection)
	if !ok {
		return
	}
	if b.render != nil {
		b.render(cursor)
	}
	if b.userID == "" {
		return
	}
	b.staged = &cursor
	if !b.flush.active() {
		b.flush = b.loop.after(b.interval, func() { b.send(ctx) })
	}
}

func (b *CursorBroadcaster) send(ctx context.Context) {
	if b.closed || b.staged == nil {
		return
	}
	if b.inFlight {
		b.flush = b.loop.after(b.interval, func() { b.send(ctx) })
		return
	}
	cursor := *b.staged
	b.staged = nil
	b.inFlight = true
	b.loop.spawn(func() func() {
		_, err := b.store.UpdateCursor(ctx, b.documentID, b.userID, cursor)
		return func() {
			b.inFlight = false
			if err != nil && ctx.Err() == nil {
				b.logger.Debug("cursor update failed",
					zap.String("document_id", b.documentID),
					zap.Error(err))
			}
		}
	})
}

// stop drops staged positions. Loop only.
func (b *CursorBroadcaster) stop() {
	b.closed = true
	b.staged = nil
	b.flush.stop()
}
