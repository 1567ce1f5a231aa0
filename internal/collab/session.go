package collab

import (
	"context"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/elytra/backend/internal/presence"
	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

// Config wires a Session.
type Config struct {
	DocumentID string
	Profile    Profile
	Store      DocumentStore
	Transport  Transport
	Editor     Editor
	Notifier   Notifier
	Timing     Timing
	Clock      clock.WithDelayedExecution
	Logger     *zap.Logger
	Hooks      Hooks
}

// Session is one open document: it owns the registrar, the cursor broadcaster, the
// presence reader and the synchronizer, all driven from a single goroutine.
type Session struct {
	documentID string
	loop       *eventLoop
	logger     *zap.Logger
	timing     Timing
	ctx        context.Context
	cancel     context.CancelFunc
	store      DocumentStore

	registrar    *Registrar
	cursor       *CursorBroadcaster
	reader       *PresenceReader
	synchronizer *Synchronizer
	transportWG  sync.WaitGroup

	viewMu sync.RWMutex
	users  []presence.LivenessRecord
	phase  Phase

	closeOnce sync.Once
	closeErr  error
}

// Open fetches the document, applies it to the editor and starts presence and sync.
func Open(ctx context.Context, cfg Config) (*Session, error) {
	documentID := strings.TrimSpace(cfg.DocumentID)
	if documentID == "" {
		return nil, errMissingDocumentID
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Editor == nil {
		return nil, errMissingEditor
	}
	timing := cfg.Timing
	if timing == (Timing{}) {
		timing = DefaultTiming()
	}
	timing = timing.withDefaults()
	clk := cfg.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("document_id", documentID))

	initial, err := cfg.Store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}

	sessionCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	loop := newEventLoop(clk)
	session := &Session{
		documentID: documentID,
		loop:       loop,
		logger:     logger,
		timing:     timing,
		ctx:        sessionCtx,
		cancel:     cancel,
		store:      cfg.Store,
	}

	hooks := cfg.Hooks
	userHook := hooks.OnPresence
	hooks.OnPresence = nil
	session.registrar = newRegistrar(cfg.Store, documentID, cfg.Profile, loop, timing.HeartbeatInterval, logger)
	session.cursor = newCursorBroadcaster(cfg.Store, documentID, cfg.Profile.UserID, timing.CursorFlushInterval, loop, hooks.OnLocalCursor, logger)
	session.reader = newPresenceReader(cfg.Store, documentID, timing, clk, loop, func(users []presence.LivenessRecord) {
		session.viewMu.Lock()
		session.users = users
		session.viewMu.Unlock()
		if userHook != nil {
			userHook(users)
		}
	}, logger)
	session.synchronizer = newSynchronizer(context.WithoutCancel(ctx), cfg.Store, cfg.Editor, cfg.Notifier, documentID, timing, loop, hooks, func(phase Phase) {
		session.viewMu.Lock()
		session.phase = phase
		session.viewMu.Unlock()
	}, logger)

	go loop.run()

	var notifications <-chan Notification
	if cfg.Transport != nil {
		notifications, err = cfg.Transport.Subscribe(sessionCtx, documentID)
		if err != nil {
			logger.Warn("change subscription unavailable, polling presence", zap.Error(err))
			notifications = nil
		}
	}

	loop.post(func() {
		session.synchronizer.remote(initial)
		session.registrar.start(sessionCtx)
		session.reader.connected = notifications != nil
		session.reader.start(sessionCtx)
	})

	if notifications != nil {
		session.transportWG.Add(1)
		go session.consume(notifications)
	}
	return session, nil
}

func (s *Session) consume(notifications <-chan Notification) {
	defer s.transportWG.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case notification, ok := <-notifications:
			if !ok {
				s.loop.post(func() { s.reader.setConnected(s.ctx, false) })
				return
			}
			s.loop.post(func() { s.dispatch(notification) })
		}
	}
}

func (s *Session) dispatch(notification Notification) {
	switch notification.Kind {
	case NotificationDocument:
		s.synchronizer.remote(notification.Snapshot)
	case NotificationPresence:
		s.reader.replace(notification.Users)
	case NotificationConnection:
		s.reader.setConnected(s.ctx, notification.Connected)
	}
}

// DocumentID returns the id of the open document.
func (s *Session) DocumentID() string {
	return s.documentID
}

// NotifyChange tells the session that the editor content changed.
func (s *Session) NotifyChange() {
	s.loop.post(s.synchronizer.localChange)
}

// MoveCursor stages a pointer move inside the editor bounds.
func (s *Session) MoveCursor(point Point, bounds Bounds, selection *presence.Selection) {
	s.loop.post(func() { s.cursor.move(s.ctx, point, bounds, selection) })
}

// ActiveUsers returns the latest list of active collaborators.
func (s *Session) ActiveUsers() []presence.LivenessRecord {
	s.viewMu.RLock()
	defer s.viewMu.RUnlock()
	return append([]presence.LivenessRecord(nil), s.users...)
}

// Phase returns the synchronizer phase.
func (s *Session) Phase() Phase {
	s.viewMu.RLock()
	defer s.viewMu.RUnlock()
	return s.phase
}

// Saving reports whether a local edit has not been written yet.
func (s *Session) Saving() bool {
	return isSaving(s.Phase())
}

// Summary describes the active collaborators for display.
func (s *Session) Summary() Summary {
	return Summarize(s.ActiveUsers(), s.Saving())
}

// Close stops every timer, flushes a pending edit and removes the liveness record once any
// heartbeat already sent has been answered. The final writes use a context detached from ctx
// and bounded by the close timeout.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		var pending string
		var hasPending bool
		s.loop.call(func() {
			pending, hasPending = s.synchronizer.pendingContent()
			s.registrar.stop()
			s.cursor.stop()
			s.reader.stop()
		})
		s.loop.close()
		s.cancel()
		s.transportWG.Wait()
		<-s.loop.stopped

		finalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timing.CloseTimeout)
		defer cancel()
		if hasPending {
			if _, err := s.store.UpdateDocument(finalCtx, s.documentID, pending); err != nil {
				s.logger.Warn("final flush failed", zap.Error(err))
				s.closeErr = err
			}
		}
		s.registrar.awaitBeats(finalCtx)
		if err := s.registrar.Unregister(finalCtx); err != nil {
			s.logger.Warn("presence unregister failed", zap.Error(err))
			if s.closeErr == nil {
				s.closeErr = err
			}
		}
	})
	return s.closeErr
}
