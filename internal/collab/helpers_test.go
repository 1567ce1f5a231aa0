package collab

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/elytra/backend/internal/blocks"
	"github.com/MarcoPoloResearchLab/elytra/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/elytra/backend/internal/presence"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
)

const testDocumentID = "doc-1"

var (
	testEpoch       = time.UnixMilli(1700000000000).UTC()
	errStoreOffline = errors.New("store offline")
)

type fakeStore struct {
	mu sync.Mutex

	clock    *clocktesting.FakeClock
	document documents.Snapshot
	writes   []string
	writeErr error
	gate     chan struct{}

	records       map[string]presence.LivenessRecord
	upserts       int
	deletes       int
	lists         int
	cursorUpdates []presence.CursorState
	nextRecordID  int
}

func newFakeStore(clock *clocktesting.FakeClock, content string, version int64) *fakeStore {
	snapshot := documents.Snapshot{DocumentID: testDocumentID, Version: version}
	if content != "" {
		snapshot.Content = &content
	}
	return &fakeStore{clock: clock, document: snapshot, records: map[string]presence.LivenessRecord{}}
}

func (f *fakeStore) GetDocument(_ context.Context, documentID string) (documents.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if documentID != f.document.DocumentID {
		return documents.Snapshot{}, documents.ErrDocumentNotFound
	}
	return f.document, nil
}

func (f *fakeStore) UpdateDocument(ctx context.Context, _ string, content string) (documents.Snapshot, error) {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return documents.Snapshot{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, content)
	if f.writeErr != nil {
		return documents.Snapshot{}, f.writeErr
	}
	stored := content
	f.document.Content = &stored
	f.document.Version++
	return f.document, nil
}

func (f *fakeStore) UpsertLiveness(_ context.Context, documentID string, profile Profile, cursor *presence.CursorState) (presence.LivenessRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts++
	now := f.clock.Now().UnixMilli()
	record, ok := f.records[profile.UserID]
	if !ok {
		f.nextRecordID++
		record = presence.LivenessRecord{
			RecordID:        "rec-" + profile.UserID,
			DocumentID:      documentID,
			UserID:          profile.UserID,
			CreatedAtMillis: now + int64(f.nextRecordID),
		}
	}
	record.DisplayName = profile.DisplayName
	record.AvatarURL = profile.AvatarURL
	record.LastActiveAtMillis = now
	if cursor != nil {
		record.Cursor = cursor
	}
	f.records[profile.UserID] = record
	return record, nil
}

func (f *fakeStore) DeleteLiveness(_ context.Context, _ string, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	delete(f.records, userID)
	return nil
}

func (f *fakeStore) ListLiveness(_ context.Context, _ string) ([]presence.LivenessRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	records := make([]presence.LivenessRecord, 0, len(f.records))
	for _, record := range f.records {
		records = append(records, record)
	}
	presence.SortByInsertion(records)
	return records, nil
}

func (f *fakeStore) UpdateCursor(_ context.Context, _ string, userID string, cursor presence.CursorState) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.records[userID]
	if !ok {
		return false, nil
	}
	f.cursorUpdates = append(f.cursorUpdates, cursor)
	record.Cursor = &cursor
	f.records[userID] = record
	return true, nil
}

func (f *fakeStore) writeLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.writes...)
}

func (f *fakeStore) counts() (upserts, deletes, lists int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.upserts, f.deletes, f.lists
}

func (f *fakeStore) cursorLog() []presence.CursorState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]presence.CursorState(nil), f.cursorUpdates...)
}

func (f *fakeStore) setWriteErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeErr = err
}

func (f *fakeStore) setGate(gate chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = gate
}

// countingEditor wraps the block editor and counts replacements.
type countingEditor struct {
	*blocks.Editor
	mu           sync.Mutex
	replacements int
}

func (e *countingEditor) ReplaceContent(content string) error {
	e.mu.Lock()
	e.replacements++
	e.mu.Unlock()
	return e.Editor.ReplaceContent(content)
}

func (e *countingEditor) replaceCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.replacements
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *recordingNotifier) Notify(message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, message)
}

func (n *recordingNotifier) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.messages...)
}

type harness struct {
	t        *testing.T
	clock    *clocktesting.FakeClock
	store    *fakeStore
	editor   *countingEditor
	notifier *recordingNotifier
	session  *Session
	cursors  []presence.CursorState
}

type harnessOption func(*Config)

func withProfile(profile Profile) harnessOption {
	return func(cfg *Config) { cfg.Profile = profile }
}

func withTransport(transport Transport) harnessOption {
	return func(cfg *Config) { cfg.Transport = transport }
}

func newHarness(t *testing.T, content string, version int64, options ...harnessOption) *harness {
	t.Helper()
	clock := clocktesting.NewFakeClock(testEpoch)
	store := newFakeStore(clock, content, version)
	editor, err := blocks.NewEditor("")
	require.NoError(t, err)

	h := &harness{
		t:        t,
		clock:    clock,
		store:    store,
		editor:   &countingEditor{Editor: editor},
		notifier: &recordingNotifier{},
	}
	cfg := Config{
		DocumentID: testDocumentID,
		Profile:    Profile{UserID: "user-x", DisplayName: "Xavier"},
		Store:      store,
		Editor:     h.editor,
		Notifier:   h.notifier,
		Timing:     DefaultTiming(),
		Clock:      clock,
		Hooks: Hooks{
			OnLocalCursor: func(cursor presence.CursorState) { h.cursors = append(h.cursors, cursor) },
		},
	}
	for _, option := range options {
		option(&cfg)
	}

	session, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	h.session = session
	editor.OnChange(session.NotifyChange)
	t.Cleanup(func() { _ = session.Close(context.Background()) })
	h.settle()
	return h
}

// settle waits until the loop is drained and no store call is outstanding.
func (h *harness) settle() {
	h.t.Helper()
	loop := h.session.loop
	for attempt := 0; attempt < 500; attempt++ {
		if !loop.call(func() {}) {
			return
		}
		if loop.inflight.Load() == 0 && loop.queued() == 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	h.t.Fatalf("session did not settle")
}

func (h *harness) step(delay time.Duration) {
	h.t.Helper()
	h.clock.Step(delay)
	h.settle()
}

func (h *harness) deliver(notification Notification) {
	h.t.Helper()
	h.session.loop.call(func() { h.session.dispatch(notification) })
	h.settle()
}

func (h *harness) edit(text string) {
	h.t.Helper()
	h.editor.Append(blocks.NewParagraph(text))
	h.settle()
}

func (h *harness) content() string {
	h.t.Helper()
	content, err := h.editor.Serialize()
	require.NoError(h.t, err)
	return content
}

func (l *eventLoop) queued() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

func snapshotWith(content string, version int64) documents.Snapshot {
	return documents.Snapshot{DocumentID: testDocumentID, Content: &content, Version: version}
}

func serializedParagraphs(t *testing.T, texts ...string) string {
	t.Helper()
	var tree []blocks.Block
	for _, text := range texts {
		tree = append(tree, blocks.NewParagraph(text))
	}
	content, err := blocks.Serialize(tree)
	require.NoError(t, err)
	return content
}
