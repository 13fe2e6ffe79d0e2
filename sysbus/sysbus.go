// Package sysbus implements the external system interface: the
// bounded, ordered request buffer the cache miss handlers enqueue
// into, and the probe-response bookkeeping the system uses to answer
// a miss, per spec.md §6.
package sysbus

import "errors"

// Command names the kind of request sent to the system.
type Command int

// Recognized system commands.
const (
	CommandRead Command = iota
	CommandReadModify
	CommandWriteBlock
	CommandFetch
)

// ErrFull indicates the request buffer has no free slot.
var ErrFull = errors.New("sysbus: request buffer full")

// ErrNotFound indicates an entry id does not name a currently live request.
var ErrNotFound = errors.New("sysbus: entry id not found")

// Request is one outstanding system request.
type Request struct {
	EntryID    uint64
	Command    Command
	MissLevel2 bool // true if this miss itself missed the second-level lookup
	Valid      bool
	ByteMask   uint8
	CacheHit   bool
	PhysAddr   uint64
	Payload    [8]byte
}

// ProbeResponse is the system's answer to a Request, keeping
// "a victim line was sent back" and "this request's target address
// was sent back" as two independent facts rather than collapsing
// them into one flag: a probe can return victim data, target data,
// both, or neither (a pure acknowledgement).
type ProbeResponse struct {
	MissEntryID uint64
	MovedData   bool
	VictimSent  bool
	VictimID    uint64
	AddressSent bool
	Status      ProbeStatus
}

// ProbeStatus is the outcome the system reports for a probed request.
type ProbeStatus int

// Recognized probe outcomes.
const (
	ProbeOK ProbeStatus = iota
	ProbeNAck
	ProbeStall
)

// Bus is a bounded, ordered FIFO of outstanding system requests, with
// entry ids assigned monotonically so a later probe response can be
// matched back to the request it answers even after the request's
// slot is reused.
type Bus struct {
	slots   []Request
	start   int
	end     int
	count   int
	nextID  uint64
}

// New creates a system bus with the given fixed request-buffer depth.
func New(depth int) *Bus {
	return &Bus{slots: make([]Request, depth)}
}

// Cap returns the request buffer's fixed depth.
func (b *Bus) Cap() int { return len(b.slots) }

// Len returns the number of outstanding requests.
func (b *Bus) Len() int { return b.count }

// Enqueue appends a request, assigning it the next monotonic entry
// id, and returns that id.
func (b *Bus) Enqueue(cmd Command, physAddr uint64, byteMask uint8, missLevel2 bool) (uint64, error) {
	if b.count == len(b.slots) {
		return 0, ErrFull
	}
	id := b.nextID
	b.nextID++

	req := Request{
		EntryID:    id,
		Command:    cmd,
		MissLevel2: missLevel2,
		Valid:      true,
		ByteMask:   byteMask,
		PhysAddr:   physAddr,
	}
	b.slots[b.end] = req
	b.end = (b.end + 1) % len(b.slots)
	b.count++
	return id, nil
}

// Front returns the oldest outstanding request.
func (b *Bus) Front() (Request, bool) {
	if b.count == 0 {
		return Request{}, false
	}
	return b.slots[b.start], true
}

// find locates a live request by entry id among the currently
// occupied slots, returning its ring position.
func (b *Bus) find(entryID uint64) (int, bool) {
	for i := 0; i < b.count; i++ {
		pos := (b.start + i) % len(b.slots)
		if b.slots[pos].Valid && b.slots[pos].EntryID == entryID {
			return pos, true
		}
	}
	return 0, false
}

// Complete applies a probe response: it marks the matching request
// satisfied and, if the response names the oldest outstanding
// request and its status is not ProbeStall, pops it from the buffer.
// Responses may arrive out of
// request order; a response for a request that is not currently the
// head leaves the buffer's FIFO order intact and simply marks that
// slot's CacheHit/Payload, to be drained once it reaches the head.
func (b *Bus) Complete(resp ProbeResponse, payload [8]byte) error {
	pos, ok := b.find(resp.MissEntryID)
	if !ok {
		return ErrNotFound
	}
	b.slots[pos].CacheHit = resp.Status == ProbeOK
	b.slots[pos].Payload = payload

	if pos == b.start && resp.Status != ProbeStall {
		b.start = (b.start + 1) % len(b.slots)
		b.count--
	}
	return nil
}

// Drain pops the head request if it has already been completed (its
// CacheHit/Payload were set by Complete) and is not a stall.
func (b *Bus) Drain() (Request, bool) {
	if b.count == 0 || !b.slots[b.start].CacheHit {
		return Request{}, false
	}
	req := b.slots[b.start]
	b.start = (b.start + 1) % len(b.slots)
	b.count--
	return req, true
}

// Reset empties the bus.
func (b *Bus) Reset() {
	b.start, b.end, b.count = 0, 0, 0
}
