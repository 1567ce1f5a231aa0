package collab

import (
	"context"

	"github.com/MarcoPoloResearchLab/elytra/backend/internal/documents"
	"go.uber.org/zap"
)

// Phase is the state of the content synchronizer.
type Phase int

const (
	PhaseIdle Phase = iota
	// PhaseLocalPending means a local edit waits for the debounce timer.
	PhaseLocalPending
	// PhaseLocalInFlight means a content write is outstanding.
	PhaseLocalInFlight
	// PhaseLocalCooldown ignores remote echoes of the write that just completed.
	PhaseLocalCooldown
	// PhaseApplyingRemote means a remote snapshot is being applied to the editor.
	PhaseApplyingRemote
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseLocalPending:
		return "local-pending"
	case PhaseLocalInFlight:
		return "local-in-flight"
	case PhaseLocalCooldown:
		return "local-cooldown"
	case PhaseApplyingRemote:
		return "applying-remote"
	default:
		return "unknown"
	}
}

// Synchronizer reconciles the editor with the stored document. Every method runs on the
// session loop.
type Synchronizer struct {
	store      DocumentStore
	editor     Editor
	notifier   Notifier
	documentID string
	timing     Timing
	loop       *eventLoop
	logger     *zap.Logger
	hooks      Hooks
	ctx        context.Context
	onPhase    func(Phase)

	phase            Phase
	lastKnownContent string
	lastKnownVersion int64
	// editorContent is how the editor serializes lastKnownContent. The two differ when a
	// remote writer used another encoding of the same tree.
	editorContent string
	// dirty marks an edit not yet serialized.
	dirty bool
	// flushDue marks a debounce that expired while a write was in flight.
	flushDue bool
	deferred *documents.Snapshot

	debounce *loopTimer
	cooldown *loopTimer
	settle   *loopTimer
	closed   bool
}

func newSynchronizer(ctx context.Context, store DocumentStore, editor Editor, notifier Notifier, documentID string, timing Timing, loop *eventLoop, hooks Hooks, onPhase func(Phase), logger *zap.Logger) *Synchronizer {
	return &Synchronizer{
		store:      store,
		editor:     editor,
		notifier:   notifier,
		documentID: documentID,
		timing:     timing,
		loop:       loop,
		logger:     logger,
		hooks:      hooks,
		ctx:        ctx,
		onPhase:    onPhase,
	}
}

func (s *Synchronizer) setPhase(next Phase) {
	if s.phase == next {
		return
	}
	previous := s.phase
	s.phase = next
	if s.onPhase != nil {
		s.onPhase(next)
	}
	if s.hooks.OnSaving != nil && isSaving(previous) != isSaving(next) {
		s.hooks.OnSaving(isSaving(next))
	}
}

func isSaving(phase Phase) bool {
	return phase == PhaseLocalPending || phase == PhaseLocalInFlight
}

// localChange handles an editor change notification.
func (s *Synchronizer) localChange() {
	if s.closed {
		return
	}
	if s.phase == PhaseApplyingRemote {
		// Echo of the replacement; a real edit inside the window is caught when it settles.
		return
	}
	s.dirty = true
	s.debounce.stop()
	s.debounce = s.loop.after(s.timing.DebounceInterval, s.debounceFired)
	switch s.phase {
	case PhaseIdle:
		s.setPhase(PhaseLocalPending)
	case PhaseLocalCooldown:
		s.cooldown.stop()
		s.setPhase(PhaseLocalPending)
	}
}

func (s *Synchronizer) debounceFired() {
	if s.closed {
		return
	}
	if s.phase == PhaseLocalInFlight {
		s.flushDue = true
		return
	}
	s.flush()
}

func (s *Synchronizer) flush() {
	s.dirty = false
	s.flushDue = false
	content, err := s.editor.Serialize()
	if err != nil {
		s.logger.Error("editor serialization failed", zap.String("document_id", s.documentID), zap.Error(err))
		s.enterIdle()
		return
	}
	if s.unchanged(content) {
		s.enterIdle()
		return
	}

	previous, previousEditor := s.lastKnownContent, s.editorContent
	s.lastKnownContent = content
	s.editorContent = content
	s.setPhase(PhaseLocalInFlight)
	ctx := s.ctx
	s.loop.spawn(func() func() {
		snapshot, err := s.store.UpdateDocument(ctx, s.documentID, content)
		return func() { s.writeCompleted(previous, previousEditor, snapshot, err) }
	})
}

// unchanged reports whether the serialized editor content matches the last known document.
func (s *Synchronizer) unchanged(content string) bool {
	return content == s.lastKnownContent || content == s.editorContent
}

func (s *Synchronizer) writeCompleted(previous, previousEditor string, snapshot documents.Snapshot, err error) {
	if s.closed {
		return
	}
	if err != nil {
		s.lastKnownContent = previous
		s.editorContent = previousEditor
		s.logger.Warn("document write failed", zap.String("document_id", s.documentID), zap.Error(err))
		if s.notifier != nil {
			s.notifier.Notify(SaveFailedMessage)
		}
	} else if snapshot.Version > s.lastKnownVersion {
		s.lastKnownVersion = snapshot.Version
	}

	switch {
	case s.flushDue:
		s.flush()
	case s.dirty:
		s.setPhase(PhaseLocalPending)
	default:
		s.setPhase(PhaseLocalCooldown)
		s.cooldown = s.loop.after(s.timing.EchoCooldown, s.enterIdle)
	}
}

// remote handles a snapshot pushed by the transport or fetched on open.
func (s *Synchronizer) remote(snapshot documents.Snapshot) {
	if s.closed {
		return
	}
	if s.phase != PhaseIdle {
		if s.deferred == nil || snapshot.Version > s.deferred.Version {
			kept := snapshot
			s.deferred = &kept
		}
		return
	}
	if snapshot.Version <= s.lastKnownVersion {
		return
	}
	content := contentOf(snapshot)
	if content == s.lastKnownContent {
		s.lastKnownVersion = snapshot.Version
		return
	}

	s.setPhase(PhaseApplyingRemote)
	if err := s.editor.ReplaceContent(content); err != nil {
		s.logger.Warn("remote content rejected",
			zap.String("document_id", s.documentID),
			zap.Int64("version", snapshot.Version),
			zap.Error(err))
		s.setPhase(PhaseIdle)
		return
	}
	s.lastKnownContent = content
	s.lastKnownVersion = snapshot.Version
	s.editorContent = content
	if applied, err := s.editor.Serialize(); err == nil {
		s.editorContent = applied
	}
	if s.hooks.OnContent != nil {
		s.hooks.OnContent(snapshot)
	}
	s.settle = s.loop.after(s.timing.RemoteSettleDelay, s.settled)
}

func (s *Synchronizer) settled() {
	if s.closed {
		return
	}
	s.setPhase(PhaseIdle)
	current, err := s.editor.Serialize()
	if err == nil && !s.unchanged(current) {
		s.localChange()
		return
	}
	s.evaluateDeferred()
}

func (s *Synchronizer) enterIdle() {
	if s.closed {
		return
	}
	s.setPhase(PhaseIdle)
	s.evaluateDeferred()
}

func (s *Synchronizer) evaluateDeferred() {
	if s.deferred == nil {
		return
	}
	snapshot := *s.deferred
	s.deferred = nil
	s.remote(snapshot)
}

// pendingContent stops the synchronizer and returns an unsaved local edit, if any.
func (s *Synchronizer) pendingContent() (string, bool) {
	s.closed = true
	s.debounce.stop()
	s.cooldown.stop()
	s.settle.stop()
	if !s.dirty && !s.flushDue {
		return "", false
	}
	content, err := s.editor.Serialize()
	if err != nil || s.unchanged(content) {
		return "", false
	}
	return content, true
}

func contentOf(snapshot documents.Snapshot) string {
	if snapshot.Content == nil {
		return ""
	}
	return *snapshot.Content
}
