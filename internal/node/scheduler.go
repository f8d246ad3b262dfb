package node

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"
	"github.com/srg/linkd/internal/groutine"
)

// jitterFactor spreads retries of nodes started together
const jitterFactor = 0.1

// Scheduler owns the retry timers of one node, at most one pending timer per
// task. Closing it cancels every pending timer and the context handed to
// running callbacks.
type Scheduler struct {
	name   string
	logger *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
	group  groutine.Group
}

// NewScheduler creates a scheduler for the named node
func NewScheduler(name string, logger *logrus.Logger) *Scheduler {
	if logger == nil {
		logger = logrus.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		name:   name,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		timers: make(map[string]*time.Timer),
	}
}

// After runs fn once, roughly d from now, unless task is already pending.
// It returns false when the scheduler is closed.
func (s *Scheduler) After(d time.Duration, task string, fn func(ctx context.Context)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if _, ok := s.timers[task]; ok {
		return true
	}

	delay := Jitter(d)
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.timers[task] != t || s.closed {
			return
		}
		delete(s.timers, task)
		s.group.Go(s.ctx, s.name+"-"+task, fn)
	})
	s.timers[task] = t

	s.logger.WithFields(logrus.Fields{
		"node":  s.name,
		"task":  task,
		"delay": delay,
	}).Debug("Retry scheduled")
	return true
}

// Go runs fn now on a tracked goroutine. It returns false when the scheduler is closed.
func (s *Scheduler) Go(task string, fn func(ctx context.Context)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.group.Go(s.ctx, s.name+"-"+task, fn)
	return true
}

// Pending is the number of timers not fired yet
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// CancelAll drops every pending timer; the scheduler stays usable
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for task, t := range s.timers {
		t.Stop()
		delete(s.timers, task)
	}
}

// Close cancels pending timers and running callbacks and waits for the latter
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	for task, t := range s.timers {
		t.Stop()
		delete(s.timers, task)
	}
	s.mu.Unlock()

	s.cancel()
	s.group.Wait()
}

// Context is cancelled when the scheduler closes
func (s *Scheduler) Context() context.Context {
	return s.ctx
}

// Jitter returns d varied by up to ±10%
func Jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d
	b.RandomizationFactor = jitterFactor
	b.Multiplier = 1
	b.MaxInterval = d
	b.MaxElapsedTime = 0
	b.Reset()
	return b.NextBackOff()
}
