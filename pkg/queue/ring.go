// Package queue implements the bounded single-producer/single-consumer
// ring buffers that carry CAN records between the local CAN bus and
// the TDMA scheduler. The producer side stands in for an interrupt
// context, so push and pop use atomic, lock-free index updates rather
// than a mutex: the contract in spec.md §5 is that push must be safe
// from an ISR running concurrently with a main-loop pop.
package queue

import (
	"sync/atomic"

	"github.com/relaylink/cantdma/pkg/record"
)

// slot holds one record behind a seqlock-style sequence counter. seq
// is even while the slot holds a stable, readable value and odd while
// the producer is mid-write. A reader that observes an odd seq, or a
// seq that changes between its two loads, retries; the producer never
// waits on it.
//
// The sequence counter is what lets Push overwrite the oldest slot —
// the one tail currently points at — without head and tail ever
// having more than one writer each: head is written only by Push,
// tail only by TryPop/Peek. The slot itself, not an index, is where
// producer and consumer can legitimately collide, and the seqlock is
// what makes that collision race-free instead of forbidding it.
type slot struct {
	seq atomic.Uint32
	rec record.Record
}

func (s *slot) write(rec record.Record) {
	seq := s.seq.Load()
	s.seq.Store(seq + 1) // odd: write in progress
	s.rec = rec
	s.seq.Store(seq + 2) // even: write published
}

func (s *slot) read() record.Record {
	for {
		seq1 := s.seq.Load()
		if seq1%2 != 0 {
			continue
		}
		rec := s.rec
		seq2 := s.seq.Load()
		if seq1 == seq2 {
			return rec
		}
	}
}

// Ring is a bounded FIFO of record.Record with capacity Q. Pushing
// onto a full ring overwrites the oldest element and increments
// Overwrites; it never blocks and never fails.
type Ring struct {
	slots      []slot
	head       atomic.Uint32 // next write index, producer-owned only
	tail       atomic.Uint32 // next read index, consumer-owned only
	overwrites atomic.Uint64 // producer-owned only
}

// NewRing allocates a Ring with the given capacity Q.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		panic("queue: capacity must be positive")
	}
	return &Ring{slots: make([]slot, capacity)}
}

// Push enqueues rec. It returns false if the ring was full and the
// oldest element was overwritten to make room.
//
// Push is the only writer of head and of overwrites; it only ever
// reads tail, never stores it. It writes the target slot
// unconditionally, even when that slot is the one the consumer is
// about to (or currently does) read — the slot's seqlock is what
// keeps that safe.
func (r *Ring) Push(rec record.Record) bool {
	cap := uint32(len(r.slots))
	head := r.head.Load()
	tail := r.tail.Load()
	full := head-tail >= cap

	r.slots[head%cap].write(rec)
	r.head.Store(head + 1)
	if full {
		r.overwrites.Add(1)
	}
	return !full
}

// TryPop dequeues the oldest element, if any.
//
// TryPop is the only writer of tail; it only ever reads head, never
// stores it. If the producer has lapped it since the last call (more
// than Cap elements pushed without an intervening pop), it
// fast-forwards tail to the oldest surviving element rather than
// returning one that Push has already overwritten — Push already
// counted each such eviction in overwrites as it happened.
func (r *Ring) TryPop() (record.Record, bool) {
	tail, ok := r.oldestTail()
	if !ok {
		return record.Record{}, false
	}
	rec := r.slots[tail%uint32(len(r.slots))].read()
	r.tail.Store(tail + 1)
	return rec, true
}

// Peek returns the oldest element without removing it, if any.
func (r *Ring) Peek() (record.Record, bool) {
	tail, ok := r.oldestTail()
	if !ok {
		return record.Record{}, false
	}
	return r.slots[tail%uint32(len(r.slots))].read(), true
}

// oldestTail resolves the index of the oldest still-present element,
// catching tail up if the producer has overwritten past it.
func (r *Ring) oldestTail() (uint32, bool) {
	cap := uint32(len(r.slots))
	tail := r.tail.Load()
	head := r.head.Load()
	if tail == head {
		return 0, false
	}
	if head-tail > cap {
		tail = head - cap
	}
	return tail, true
}

// IsEmpty reports whether the ring currently holds no elements.
func (r *Ring) IsEmpty() bool {
	return r.head.Load() == r.tail.Load()
}

// Len returns the number of elements currently queued.
func (r *Ring) Len() int {
	head := r.head.Load()
	tail := r.tail.Load()
	n := head - tail
	if n > uint32(len(r.slots)) {
		n = uint32(len(r.slots))
	}
	return int(n)
}

// Cap returns the ring's fixed capacity Q.
func (r *Ring) Cap() int {
	return len(r.slots)
}

// Overwrites returns the monotonic count of elements dropped because
// the ring was full when pushed to.
func (r *Ring) Overwrites() uint64 {
	return r.overwrites.Load()
}
