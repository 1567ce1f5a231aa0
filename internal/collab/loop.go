package collab

import (
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"
)

// eventLoop runs every piece of session state on one goroutine. Work arrives through an
// unbounded mailbox so that timer callbacks never block the clock that fires them.
type eventLoop struct {
	clock clock.WithDelayedExecution

	mu     sync.Mutex
	queue  []func()
	closed bool
	signal chan struct{}

	stopped  chan struct{}
	inflight atomic.Int64
}

func newEventLoop(clk clock.WithDelayedExecution) *eventLoop {
	return &eventLoop{
		clock:   clk,
		signal:  make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
}

func (l *eventLoop) run() {
	defer close(l.stopped)
	for range l.signal {
		for {
			task, ok := l.next()
			if !ok {
				break
			}
			task()
		}
		if l.isClosed() {
			return
		}
	}
}

func (l *eventLoop) next() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return nil, false
	}
	task := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return task, true
}

func (l *eventLoop) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed && len(l.queue) == 0
}

// post enqueues task. It reports false once the loop is closed.
func (l *eventLoop) post(task func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, task)
	l.mu.Unlock()
	l.wake()
	return true
}

func (l *eventLoop) wake() {
	select {
	case l.signal <- struct{}{}:
	default:
	}
}

// call runs task on the loop and waits for it. It reports false when the loop is closed.
func (l *eventLoop) call(task func()) bool {
	done := make(chan struct{})
	if !l.post(func() {
		defer close(done)
		task()
	}) {
		return false
	}
	select {
	case <-done:
		return true
	case <-l.stopped:
		return false
	}
}

// spawn runs work off the loop and posts the continuation it returns back onto the loop.
func (l *eventLoop) spawn(work func() func()) {
	l.inflight.Add(1)
	go func() {
		defer l.inflight.Add(-1)
		if continuation := work(); continuation != nil {
			l.post(continuation)
		}
	}()
}

// close stops accepting work. Already queued tasks still run.
func (l *eventLoop) close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()
	l.wake()
}

// loopTimer fires fn on the loop unless it was stopped first. Only touched from the loop.
type loopTimer struct {
	timer     clock.Timer
	cancelled bool
}

func (l *eventLoop) after(delay time.Duration, fn func()) *loopTimer {
	handle := &loopTimer{}
	handle.timer = l.clock.AfterFunc(delay, func() {
		l.post(func() {
			if handle.cancelled {
				return
			}
			handle.cancelled = true
			fn()
		})
	})
	return handle
}

func (t *loopTimer) stop() {
	if t == nil || t.cancelled {
		return
	}
	t.cancelled = true
	t.timer.Stop()
}

func (t *loopTimer) active() bool {
	return t != nil && !t.cancelled
}
