// Package framestore implements the Frame Store: a bounded, ordered,
// single-producer/single-consumer queue of owned frames with drop-on-overflow
// and stale-drop semantics.
package framestore

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Frame is the minimal shape the Frame Store needs from a queued item: a
// release hook fired at most once. vpump.StoredFrame satisfies this via its
// Free method, which releases the wrapped *vpump.CapturedFrame, but the
// package stays independent of
// the root package to avoid an import cycle (vpump imports framestore, not
// the reverse).
type Frame interface {
	Free()
}

// Store is a bounded ordered queue of capacity = depth + 1 (one margin slot
// for overflow absorption). Not safe for concurrent use beyond
// one enqueuer and one dequeuer — the Pump/Pacer contract already restricts
// callers to that shape; the mutex here only serializes the rare case where
// both sides touch the ring in the same instant.
type Store[F Frame] struct {
	mu       sync.Mutex
	items    []F
	capacity int

	droppedOverflow atomic.Uint64
	droppedStale    atomic.Uint64

	logger zerolog.Logger
}

// New returns a Store with capacity = depth + 1. depth is clamped to at
// least 1.
func New[F Frame](depth int, logger zerolog.Logger) *Store[F] {
	if depth < 1 {
		depth = 1
	}
	return &Store[F]{
		items:    make([]F, 0, depth+1),
		capacity: depth + 1,
		logger:   logger.With().Str("component", "framestore").Logger(),
	}
}

// Enqueue appends frame, returning the dropped frame (and true) if the store
// was already at capacity. The caller owns the returned frame and must
// release it. Increments dropped_overflow when a drop occurs.
func (s *Store[F]) Enqueue(frame F) (dropped F, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.items) >= s.capacity {
		dropped, ok = s.items[0], true
		s.items = s.items[1:]
		s.droppedOverflow.Add(1)
		s.logger.Debug().Msg("overflow drop on enqueue")
	}
	s.items = append(s.items, frame)
	return dropped, ok
}

// DequeueOldest removes and returns the oldest frame, or the zero value and
// false if empty. Does not release the frame — the caller now owns it.
func (s *Store[F]) DequeueOldest() (frame F, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.items) == 0 {
		return frame, false
	}
	frame = s.items[0]
	s.items = s.items[1:]
	return frame, true
}

// DequeueLatest removes and returns the newest frame, releasing every older
// entry and counting them as stale drops.
func (s *Store[F]) DequeueLatest() (frame F, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.items) == 0 {
		return frame, false
	}
	last := len(s.items) - 1
	for i := 0; i < last; i++ {
		s.items[i].Free()
	}
	frame = s.items[last]
	n := last
	s.items = s.items[:0]
	if n > 0 {
		s.droppedStale.Add(uint64(n))
	}
	return frame, true
}

// DiscardAllButLatest releases every frame except the newest, returning the
// count discarded. A no-op on a queue of 0 or 1 frames.
func (s *Store[F]) DiscardAllButLatest() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.items) <= 1 {
		return 0
	}
	last := len(s.items) - 1
	for i := 0; i < last; i++ {
		s.items[i].Free()
	}
	latest := s.items[last]
	s.items = s.items[:0]
	s.items = append(s.items, latest)
	s.droppedStale.Add(uint64(last))
	return last
}

// TryDiscardOldestStale drops and releases the oldest frame, incrementing
// dropped_stale. Used by the Pacer's oversupply trimming. Returns false if
// the store was empty.
func (s *Store[F]) TryDiscardOldestStale() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.items) == 0 {
		return false
	}
	s.items[0].Free()
	s.items = s.items[1:]
	s.droppedStale.Add(1)
	return true
}

// Count returns the current number of queued frames.
func (s *Store[F]) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Capacity returns the store's fixed capacity (depth + margin).
func (s *Store[F]) Capacity() int { return s.capacity }

// DroppedOverflow returns the cumulative overflow-drop count.
func (s *Store[F]) DroppedOverflow() uint64 { return s.droppedOverflow.Load() }

// DroppedStale returns the cumulative stale-drop count.
func (s *Store[F]) DroppedStale() uint64 { return s.droppedStale.Load() }
