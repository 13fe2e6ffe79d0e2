// Package iqueue implements the counted, bounded issue queues of
// spec.md §4.4 — the integer queue (IQ) and floating-point queue
// (FQ) — plus the load/store queue (LSQ) supplemented from the
// original machine's memory-ordering logic (SPEC_FULL.md). All three
// share the same pre-allocated entry pool with FIFO index recycling:
// capacity is fixed at construction, slots are never reallocated, and
// a freed slot's index returns to the tail of a free-index list so
// reuse is round-robin rather than LIFO (a LIFO reuse policy would
// needlessly race oldest-first dependency scans against fresh
// entries in the same slot).
package iqueue

import "errors"

// ErrFull indicates a queue's pre-allocated entry pool is exhausted.
var ErrFull = errors.New("iqueue: pool exhausted")

// ErrNotFound indicates a slot index does not name a currently
// occupied entry.
var ErrNotFound = errors.New("iqueue: slot not occupied")

// Entry is one issue-queue slot: a decoded instruction's physical
// source/destination registers and their readiness, tracked
// independently of the decode and rename packages so the queue can be
// scanned without touching either.
type Entry struct {
	SeqID uint64 // decode.Instruction.ID, used for age ordering

	DestPhys uint8
	HasDest  bool

	Src1Phys  uint8
	Src1Ready bool
	Src2Phys  uint8
	Src2Ready bool
	HasSrc2   bool
}

// Ready reports whether every source operand an entry needs has
// become available.
func (e Entry) Ready() bool {
	return e.Src1Ready && (!e.HasSrc2 || e.Src2Ready)
}

// Queue is a fixed-capacity pool of issue-queue entries with an
// authoritative occupied count and a FIFO free-index list.
type Queue struct {
	entries  []Entry
	occupied []bool
	free     []int
	flStart  int
	flCount  int
	count    int
}

// New creates a queue with the given fixed capacity.
func New(capacity int) *Queue {
	q := &Queue{
		entries:  make([]Entry, capacity),
		occupied: make([]bool, capacity),
		free:     make([]int, capacity),
	}
	for i := 0; i < capacity; i++ {
		q.free[i] = i
	}
	q.flCount = capacity
	return q
}

// Cap returns the queue's fixed capacity.
func (q *Queue) Cap() int { return len(q.entries) }

// Count returns the number of occupied slots.
func (q *Queue) Count() int { return q.count }

// Push allocates a free slot for e and returns its index.
func (q *Queue) Push(e Entry) (int, error) {
	if q.flCount == 0 {
		return 0, ErrFull
	}
	slot := q.free[q.flStart]
	q.flStart = (q.flStart + 1) % len(q.free)
	q.flCount--

	q.entries[slot] = e
	q.occupied[slot] = true
	q.count++
	return slot, nil
}

// Remove frees slot, returning its index to the tail of the free
// list so indices cycle round-robin rather than stacking LIFO.
func (q *Queue) Remove(slot int) error {
	if slot < 0 || slot >= len(q.entries) || !q.occupied[slot] {
		return ErrNotFound
	}
	q.occupied[slot] = false
	q.count--

	end := (q.flStart + q.flCount) % len(q.free)
	q.free[end] = slot
	q.flCount++
	return nil
}

// At returns the entry at slot and whether it is occupied.
func (q *Queue) At(slot int) (Entry, bool) {
	if slot < 0 || slot >= len(q.entries) || !q.occupied[slot] {
		return Entry{}, false
	}
	return q.entries[slot], true
}

// Set overwrites the entry at an already-occupied slot, used to mark
// a source operand ready as results broadcast back from execution.
func (q *Queue) Set(slot int, e Entry) error {
	if slot < 0 || slot >= len(q.entries) || !q.occupied[slot] {
		return ErrNotFound
	}
	q.entries[slot] = e
	return nil
}

// MarkReady sets Src1Ready/Src2Ready for every occupied entry whose
// pending source operand matches phys, as a broadcast result would.
func (q *Queue) MarkReady(phys uint8) {
	for i := range q.entries {
		if !q.occupied[i] {
			continue
		}
		e := &q.entries[i]
		if !e.Src1Ready && e.Src1Phys == phys {
			e.Src1Ready = true
		}
		if e.HasSrc2 && !e.Src2Ready && e.Src2Phys == phys {
			e.Src2Ready = true
		}
	}
}

// ReadySlots returns the occupied slot indices whose entries are
// ready to issue, in slot order. The issue stage imposes any
// oldest-first tie-breaking using each entry's SeqID.
func (q *Queue) ReadySlots() []int {
	var out []int
	for i := range q.entries {
		if q.occupied[i] && q.entries[i].Ready() {
			out = append(out, i)
		}
	}
	return out
}

// LSEntry is one load/store queue slot: a memory instruction's
// program-order sequence number, address (once computed), and
// store/load discrimination, per the supplemented LSQ design
// (SPEC_FULL.md).
type LSEntry struct {
	SeqID        uint64
	IsStore      bool
	AddrValid    bool
	Addr         uint64
	Data         uint64
	ByteMask     uint8
	Satisfied    bool // store has committed its data / load has returned a value
}

// LSQ is a combined load/store queue built on the same pool-with-
// free-list design as Queue, additionally exposing age-ordered
// iteration for store-to-load forwarding and memory-ordering checks.
type LSQ struct {
	entries  []LSEntry
	occupied []bool
	free     []int
	flStart  int
	flCount  int
	count    int
}

// NewLSQ creates a load/store queue with the given fixed capacity.
func NewLSQ(capacity int) *LSQ {
	q := &LSQ{
		entries:  make([]LSEntry, capacity),
		occupied: make([]bool, capacity),
		free:     make([]int, capacity),
	}
	for i := 0; i < capacity; i++ {
		q.free[i] = i
	}
	q.flCount = capacity
	return q
}

// Cap returns the queue's fixed capacity.
func (q *LSQ) Cap() int { return len(q.entries) }

// Count returns the number of occupied slots.
func (q *LSQ) Count() int { return q.count }

// Push allocates a free slot for e and returns its index.
func (q *LSQ) Push(e LSEntry) (int, error) {
	if q.flCount == 0 {
		return 0, ErrFull
	}
	slot := q.free[q.flStart]
	q.flStart = (q.flStart + 1) % len(q.free)
	q.flCount--

	q.entries[slot] = e
	q.occupied[slot] = true
	q.count++
	return slot, nil
}

// Remove frees slot.
func (q *LSQ) Remove(slot int) error {
	if slot < 0 || slot >= len(q.entries) || !q.occupied[slot] {
		return ErrNotFound
	}
	q.occupied[slot] = false
	q.count--

	end := (q.flStart + q.flCount) % len(q.free)
	q.free[end] = slot
	q.flCount++
	return nil
}

// At returns the entry at slot and whether it is occupied.
func (q *LSQ) At(slot int) (LSEntry, bool) {
	if slot < 0 || slot >= len(q.entries) || !q.occupied[slot] {
		return LSEntry{}, false
	}
	return q.entries[slot], true
}

// Set overwrites the entry at an already-occupied slot.
func (q *LSQ) Set(slot int, e LSEntry) error {
	if slot < 0 || slot >= len(q.entries) || !q.occupied[slot] {
		return ErrNotFound
	}
	q.entries[slot] = e
	return nil
}

// OldestPending returns the occupied entry with the lowest SeqID that
// has not yet been Satisfied, for the memory stage to service next.
// Age order matters here: servicing entries out of program order would
// let a younger load's fill response race ahead of an older store's
// writeback to the same line.
func (q *LSQ) OldestPending() (LSEntry, int, bool) {
	best := -1
	for i := range q.entries {
		if !q.occupied[i] || q.entries[i].Satisfied {
			continue
		}
		if best == -1 || q.entries[i].SeqID < q.entries[best].SeqID {
			best = i
		}
	}
	if best == -1 {
		return LSEntry{}, 0, false
	}
	return q.entries[best], best, true
}

// OlderStores returns the occupied slots holding stores with SeqID
// less than seqID, in age order (oldest first), for a load to probe
// as forwarding candidates.
func (q *LSQ) OlderStores(seqID uint64) []int {
	var out []int
	for i := range q.entries {
		if q.occupied[i] && q.entries[i].IsStore && q.entries[i].SeqID < seqID {
			out = append(out, i)
		}
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if q.entries[out[j]].SeqID < q.entries[out[i]].SeqID {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out
}
