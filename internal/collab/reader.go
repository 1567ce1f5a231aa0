package collab

import (
	"context"
	"time"

	"github.com/MarcoPoloResearchLab/elytra/backend/internal/presence"
	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

// PresenceReader maintains the list of active collaborators. Pushed rosters replace the
// list; while the push channel is down the reader polls the store instead.
type PresenceReader struct {
	store      DocumentStore
	documentID string
	staleness  time.Duration
	interval   time.Duration
	clock      clock.PassiveClock
	loop       *eventLoop
	logger     *zap.Logger
	publish    func([]presence.LivenessRecord)

	records   []presence.LivenessRecord
	active    []presence.LivenessRecord
	connected bool
	polling   bool
	tick      *loopTimer
	closed    bool
}

func newPresenceReader(store DocumentStore, documentID string, timing Timing, clk clock.PassiveClock, loop *eventLoop, publish func([]presence.LivenessRecord), logger *zap.Logger) *PresenceReader {
	return &PresenceReader{
		store:      store,
		documentID: documentID,
		staleness:  timing.StalenessThreshold,
		interval:   timing.PollInterval,
		clock:      clk,
		loop:       loop,
		logger:     logger,
		publish:    publish,
	}
}

// ActiveUsers lists the records of documentID that are active now, in insertion order.
func ActiveUsers(ctx context.Context, store DocumentStore, documentID string, now time.Time, staleness time.Duration) ([]presence.LivenessRecord, error) {
	records, err := store.ListLiveness(ctx, documentID)
	if err != nil {
		return nil, err
	}
	return presence.FilterActive(records, now, staleness), nil
}

// start fetches the initial list and schedules the periodic tick. Loop only.
func (r *PresenceReader) start(ctx context.Context) {
	r.poll(ctx)
	r.schedule(ctx)
}

func (r *PresenceReader) schedule(ctx context.Context) {
	r.tick = r.loop.after(r.interval, func() {
		if r.closed {
			return
		}
		if r.connected {
			r.refilter()
		} else {
			r.poll(ctx)
		}
		r.schedule(ctx)
	})
}

func (r *PresenceReader) poll(ctx context.Context) {
	if r.polling {
		return
	}
	r.polling = true
	r.loop.spawn(func() func() {
		records, err := r.store.ListLiveness(ctx, r.documentID)
		return func() {
			r.polling = false
			if err != nil {
				if ctx.Err() == nil {
					r.logger.Debug("presence poll failed",
						zap.String("document_id", r.documentID),
						zap.Error(err))
				}
				return
			}
			r.replace(records)
		}
	})
}

// setConnected records the state of the push channel. Loop only.
func (r *PresenceReader) setConnected(ctx context.Context, connected bool) {
	r.connected = connected
	if !connected {
		r.poll(ctx)
	}
}

// replace swaps in a new roster. Loop only.
func (r *PresenceReader) replace(records []presence.LivenessRecord) {
	if r.closed {
		return
	}
	r.records = append([]presence.LivenessRecord(nil), records...)
	r.refilter()
}

// refilter drops records that went stale since the last update.
func (r *PresenceReader) refilter() {
	active := presence.FilterActive(r.records, r.clock.Now(), r.staleness)
	if sameRoster(active, r.active) {
		return
	}
	r.active = active
	if r.publish != nil {
		r.publish(append([]presence.LivenessRecord(nil), active...))
	}
}

func (r *PresenceReader) stop() {
	r.closed = true
	r.tick.stop()
}

func sameRoster(left, right []presence.LivenessRecord) bool {
	if len(left) != len(right) {
		return false
	}
	for index := range left {
		a, b := left[index], right[index]
		if a.RecordID != b.RecordID || a.UserID != b.UserID || a.DisplayName != b.DisplayName ||
			a.AvatarURL != b.AvatarURL || a.LastActiveAtMillis != b.LastActiveAtMillis || !sameCursor(a.Cursor, b.Cursor) {
			return false
		}
	}
	return true
}

func sameCursor(left, right *presence.CursorState) bool {
	if left == nil || right == nil {
		return left == right
	}
	if left.X != right.X || left.Y != right.Y {
		return false
	}
	if left.Selection == nil || right.Selection == nil {
		return left.Selection == right.Selection
	}
	return *left.Selection == *right.Selection
}
