package collab

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/elytra/backend/internal/presence"
	"go.uber.org/zap"
)

// Registrar keeps the local user's liveness record fresh with periodic heartbeats.
type Registrar struct {
	store      DocumentStore
	documentID string
	profile    Profile
	logger     *zap.Logger

	loop      *eventLoop
	interval  time.Duration
	heartbeat *loopTimer
	running   bool
	// beats counts heartbeats sent but not yet answered.
	beats sync.WaitGroup
}

func newRegistrar(store DocumentStore, documentID string, profile Profile, loop *eventLoop, interval time.Duration, logger *zap.Logger) *Registrar {
	return &Registrar{
		store:      store,
		documentID: documentID,
		profile:    profile,
		logger:     logger,
		loop:       loop,
		interval:   interval,
	}
}

// HasIdentity reports whether heartbeats will be sent at all.
func (r *Registrar) HasIdentity() bool {
	return strings.TrimSpace(r.profile.UserID) != ""
}

// Register upserts the liveness record and returns its id. Without an identity it does
// nothing and returns an empty id.
func (r *Registrar) Register(ctx context.Context, cursor *presence.CursorState) (string, error) {
	if !r.HasIdentity() {
		return "", nil
	}
	record, err := r.store.UpsertLiveness(ctx, r.documentID, r.profile, cursor)
	if err != nil {
		return "", err
	}
	return record.RecordID, nil
}

// Unregister deletes the liveness record. Missing records are not an error.
func (r *Registrar) Unregister(ctx context.Context) error {
	if !r.HasIdentity() {
		return nil
	}
	return r.store.DeleteLiveness(ctx, r.documentID, r.profile.UserID)
}

// start sends the first heartbeat and schedules the following ones. Loop only.
func (r *Registrar) start(ctx context.Context) {
	if !r.HasIdentity() || r.running {
		return
	}
	r.running = true
	r.beat(ctx)
}

func (r *Registrar) beat(ctx context.Context) {
	r.beats.Add(1)
	r.loop.spawn(func() func() {
		defer r.beats.Done()
		if _, err := r.Register(ctx, nil); err != nil && ctx.Err() == nil {
			r.logger.Warn("presence heartbeat failed",
				zap.String("document_id", r.documentID),
				zap.Error(err))
		}
		return nil
	})
	r.heartbeat = r.loop.after(r.interval, func() {
		if r.running {
			r.beat(ctx)
		}
	})
}

// stop cancels the heartbeat schedule. Loop only.
func (r *Registrar) stop() {
	r.running = false
	r.heartbeat.stop()
}

// awaitBeats blocks until outstanding heartbeats are answered or ctx ends, so that a late
// upsert cannot recreate the record after Unregister. Call after stop.
func (r *Registrar) awaitBeats(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		r.beats.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		r.logger.Warn("presence heartbeat still outstanding at close", zap.String("document_id", r.documentID))
	}
}
