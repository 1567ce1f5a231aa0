package collab

import "time"

// Timing holds every interval the session uses.
type Timing struct {
	HeartbeatInterval   time.Duration
	StalenessThreshold  time.Duration
	CursorFlushInterval time.Duration
	PollInterval        time.Duration
	DebounceInterval    time.Duration
	EchoCooldown        time.Duration
	RemoteSettleDelay   time.Duration
	CloseTimeout        time.Duration
}

// DefaultTiming returns the production intervals.
func DefaultTiming() Timing {
	return Timing{
		HeartbeatInterval:   30 * time.Second,
		StalenessThreshold:  2 * time.Minute,
		CursorFlushInterval: 50 * time.Millisecond,
		PollInterval:        5 * time.Second,
		DebounceInterval:    500 * time.Millisecond,
		EchoCooldown:        500 * time.Millisecond,
		RemoteSettleDelay:   100 * time.Millisecond,
		CloseTimeout:        5 * time.Second,
	}
}

// withDefaults fills unset intervals from DefaultTiming.
func (t Timing) withDefaults() Timing {
	defaults := DefaultTiming()
	fill := func(value *time.Duration, fallback time.Duration) {
		if *value <= 0 {
			*value = fallback
		}
	}
	fill(&t.HeartbeatInterval, defaults.HeartbeatInterval)
	fill(&t.StalenessThreshold, defaults.StalenessThreshold)
	fill(&t.CursorFlushInterval, defaults.CursorFlushInterval)
	fill(&t.PollInterval, defaults.PollInterval)
	fill(&t.DebounceInterval, defaults.DebounceInterval)
	fill(&t.CloseTimeout, defaults.CloseTimeout)
	if t.EchoCooldown < 0 {
		t.EchoCooldown = 0
	}
	if t.RemoteSettleDelay < 0 {
		t.RemoteSettleDelay = 0
	}
	return t
}
