package admin

import (
	"sync"
	"sync/atomic"
)

// ringChannel is a bounded queue with overwrite-oldest semantics.
//
// Producers never block: when the buffer is full the oldest element is
// discarded. The reader ranges over C() until Close. Sending after Close is
// a no-op.
type ringChannel[T any] struct {
	mu     sync.Mutex
	ch     chan T
	closed bool

	written     atomic.Int64
	overwritten atomic.Int64
}

func newRingChannel[T any](capacity int) *ringChannel[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &ringChannel[T]{ch: make(chan T, capacity)}
}

// C returns the receive side
func (rc *ringChannel[T]) C() <-chan T {
	return rc.ch
}

// Send inserts v, dropping the oldest element when full. It reports whether something was dropped.
func (rc *ringChannel[T]) Send(v T) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.closed {
		return false
	}

	dropped := false
	select {
	case rc.ch <- v:
	default:
		select {
		case <-rc.ch:
			rc.overwritten.Add(1)
			dropped = true
		default:
		}
		rc.ch <- v
	}
	rc.written.Add(1)
	return dropped
}

// Close ends the stream; buffered elements stay readable
func (rc *ringChannel[T]) Close() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.closed {
		return
	}
	rc.closed = true
	close(rc.ch)
}

func (rc *ringChannel[T]) Len() int { return len(rc.ch) }

// Overwritten counts elements dropped to make room
func (rc *ringChannel[T]) Overwritten() int64 { return rc.overwritten.Load() }

// Written counts accepted elements
func (rc *ringChannel[T]) Written() int64 { return rc.written.Load() }
