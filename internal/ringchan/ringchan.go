// Package ringchan provides a bounded channel that drops its oldest element
// instead of blocking the sender.
package ringchan

import (
	"sync"
	"sync/atomic"
)

// RingChannel is a buffered channel with overwrite-oldest semantics. Sensor
// drivers send into it from their own goroutines; the router drains C().
//
//	rc := ringchan.New[sensor.GPSFix](8)
//	rc.Send(fix)            // never blocks
//	for fix := range rc.C() { // ordinary channel receive
//		handle(fix)
//		rc.MarkProcessed()
//	}
//
// Send and Close may be called concurrently; sends after Close are dropped.
type RingChannel[T any] struct {
	mu      sync.Mutex // serializes producers so drop-then-insert is atomic
	ch      chan T
	closed  bool
	metrics Metrics
}

// New creates a RingChannel with the given capacity.
func New[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C returns the receive side. Consumers call MarkProcessed for each element
// they finish handling.
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// Send inserts v, discarding the oldest element if the buffer is full.
// It reports whether an element was discarded.
func (rc *RingChannel[T]) Send(v T) (dropped bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.closed {
		atomic.AddInt64(&rc.metrics.Rejected, 1)
		return false
	}
	for {
		select {
		case rc.ch <- v:
			atomic.AddInt64(&rc.metrics.Written, 1)
			return dropped
		default:
		}
		select {
		case <-rc.ch:
			atomic.AddInt64(&rc.metrics.Overwritten, 1)
			dropped = true
		default:
			// a consumer made room between the two selects
		}
	}
}

// MarkProcessed records that a consumer reading C finished with one element.
func (rc *RingChannel[T]) MarkProcessed() {
	atomic.AddInt64(&rc.metrics.Processed, 1)
}

// Close closes the channel. Buffered values can still be received. Close is idempotent.
func (rc *RingChannel[T]) Close() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.closed {
		return
	}
	rc.closed = true
	close(rc.ch)
}

// Metrics returns a snapshot of the counters.
func (rc *RingChannel[T]) Metrics() Metrics {
	return Metrics{
		Written:     atomic.LoadInt64(&rc.metrics.Written),
		Overwritten: atomic.LoadInt64(&rc.metrics.Overwritten),
		Processed:   atomic.LoadInt64(&rc.metrics.Processed),
		Rejected:    atomic.LoadInt64(&rc.metrics.Rejected),
	}
}

// Metrics counts traffic through a RingChannel.
type Metrics struct {
	Written     int64 `json:"written"`
	Overwritten int64 `json:"overwritten"`
	Processed   int64 `json:"processed"`
	Rejected    int64 `json:"rejected"` // sends after Close
}
