// Package timedlock provides a FIFO mutual-exclusion primitive whose waiters
// can force-free a stuck holder after a bounded wait.
//
// A waiter that is not served within its timeout takes the lock away from the
// current holder and hands it to the head of the queue. The evicted holder's
// handle becomes stale: releasing it later is a logged no-op, so a forced
// takeover can never cause a double free.
package timedlock

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/linkd/internal/linkerr"
)

// Handle proves ownership of a Lock. Only the current handle can release it.
type Handle struct {
	lock       *Lock
	gen        uint64
	acquiredAt time.Time
}

// Release is shorthand for h.lock.Release(h)
func (h *Handle) Release() {
	if h == nil || h.lock == nil {
		return
	}
	h.lock.Release(h)
}

// Generation returns the grant sequence number of this handle
func (h *Handle) Generation() uint64 {
	return h.gen
}

type waiter struct {
	ch     chan *Handle
	timer  *time.Timer
	served bool
}

// Lock is a FIFO lock with per-waiter takeover timeouts
type Lock struct {
	name   string
	logger *logrus.Logger

	mu      sync.Mutex
	holder  *Handle
	gen     uint64
	waiters []*waiter
	forced  uint64
}

// New creates a free lock. The name only appears in logs.
func New(name string, logger *logrus.Logger) *Lock {
	if logger == nil {
		logger = logrus.New()
	}
	return &Lock{name: name, logger: logger}
}

// Acquire blocks until the caller holds the lock.
//
// With timeout > 0 the wait is bounded: when it elapses the current holder is
// evicted and the queue head is served, which may or may not be this caller.
// The timeout is never reported as an error. The only error is ctx.Err() when
// the caller gives up while still queued.
func (l *Lock) Acquire(ctx context.Context, timeout time.Duration) (*Handle, error) {
	l.mu.Lock()
	if l.holder == nil && len(l.waiters) == 0 {
		h := l.grantLocked()
		l.mu.Unlock()
		return h, nil
	}

	w := &waiter{ch: make(chan *Handle, 1)}
	l.waiters = append(l.waiters, w)
	if timeout > 0 {
		w.timer = time.AfterFunc(timeout, func() { l.expire(w, timeout) })
	}
	queued := len(l.waiters)
	l.mu.Unlock()

	l.logger.WithFields(logrus.Fields{
		"lock":    l.name,
		"waiters": queued,
	}).Debug("Waiting for lock")

	select {
	case h := <-w.ch:
		return h, nil
	case <-ctx.Done():
	}

	l.mu.Lock()
	if !w.served {
		l.removeLocked(w)
		l.mu.Unlock()
		return nil, ctx.Err()
	}
	l.mu.Unlock()

	// Served concurrently with cancellation: hand the lock on.
	l.Release(<-w.ch)
	return nil, ctx.Err()
}

// Release frees the lock if h is the current handle. Stale or repeated
// releases are logged and ignored.
func (l *Lock) Release(h *Handle) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if h == nil || l.holder != h {
		fields := logrus.Fields{"lock": l.name}
		if h != nil {
			fields["generation"] = h.gen
		}
		l.logger.WithFields(fields).Debug("Ignoring release of a stale lock handle")
		return
	}

	l.holder = nil
	l.grantNextLocked()
}

// IsFree reports whether nobody holds or waits for the lock
func (l *Lock) IsFree() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holder == nil && len(l.waiters) == 0
}

// Waiters returns the number of queued acquirers
func (l *Lock) Waiters() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.waiters)
}

// Forced returns how many times a holder was evicted by a timeout
func (l *Lock) Forced() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.forced
}

func (l *Lock) expire(w *waiter, timeout time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if w.served {
		return
	}

	fields := logrus.Fields{
		"lock":    l.name,
		"timeout": timeout,
		"error":   linkerr.ErrLockTimeout,
	}
	if l.holder != nil {
		fields["held_for"] = time.Since(l.holder.acquiredAt).Round(time.Millisecond)
		fields["generation"] = l.holder.gen
	}
	l.logger.WithFields(fields).Warn("Lock wait timed out, forcing release of the current holder")

	l.forced++
	l.holder = nil
	l.grantNextLocked()

	// Someone ahead of w got the lock; w keeps its own bound.
	if !w.served {
		w.timer = time.AfterFunc(timeout, func() { l.expire(w, timeout) })
	}
}

func (l *Lock) grantLocked() *Handle {
	l.gen++
	h := &Handle{lock: l, gen: l.gen, acquiredAt: time.Now()}
	l.holder = h
	return h
}

func (l *Lock) grantNextLocked() {
	if len(l.waiters) == 0 {
		return
	}
	w := l.waiters[0]
	l.waiters[0] = nil
	l.waiters = l.waiters[1:]

	w.served = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.ch <- l.grantLocked()
}

func (l *Lock) removeLocked(w *waiter) {
	for i, q := range l.waiters {
		if q == w {
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			break
		}
	}
	if w.timer != nil {
		w.timer.Stop()
	}
}
