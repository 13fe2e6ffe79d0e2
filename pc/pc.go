// Package pc provides the virtual program counter type and the
// bounded, wraparound in-flight address queue (the VPC list) that
// Fetch uses to speculatively track addresses ahead of retirement.
package pc

// PC is a 64-bit virtual address tagged with the processor mode the
// instruction at that address fetches in. The tag is carried alongside
// the address rather than packed into spare bits so callers never have
// to know the bit layout.
type PC struct {
	addr uint64
	pal  bool
}

// New returns a PC at the given address in the given mode.
func New(addr uint64, pal bool) PC {
	return PC{addr: addr, pal: pal}
}

// Addr returns the 64-bit virtual address.
func (p PC) Addr() uint64 { return p.addr }

// PAL reports whether this PC is executing in PALcode (privileged) mode.
func (p PC) PAL() bool { return p.pal }

// Next returns the PC advanced by one instruction slot (4 bytes),
// preserving the PAL tag.
func (p PC) Next() PC {
	return PC{addr: p.addr + 4, pal: p.pal}
}

// WithAddr returns a copy of p with the address replaced.
func (p PC) WithAddr(addr uint64) PC {
	return PC{addr: addr, pal: p.pal}
}

// List is a fixed-capacity circular queue of PCs: the VPC list. Start
// and End are indices into the backing array; End advances on every
// Push, and once the list is full, Start advances too, dropping the
// oldest entry. Capacity is the number of live slots the list is
// willing to hold, one less than the backing array's length so that
// a full list is distinguishable from an empty one.
type List struct {
	entries []PC
	start   int
	end     int
	count   int
}

// NewList creates a VPC list with the given capacity.
func NewList(capacity int) *List {
	if capacity < 1 {
		capacity = 1
	}
	return &List{entries: make([]PC, capacity+1)}
}

// Cap returns the list's usable capacity.
func (l *List) Cap() int { return len(l.entries) - 1 }

// Len returns the number of entries currently held.
func (l *List) Len() int { return l.count }

// Start returns the current start index.
func (l *List) Start() int { return l.start }

// End returns the current end index.
func (l *List) End() int { return l.end }

// Push appends pc to the end of the list. If the list is already at
// capacity, the oldest entry (at Start) is dropped to make room.
func (l *List) Push(p PC) {
	if l.count == l.Cap() {
		l.start = (l.start + 1) % len(l.entries)
	} else {
		l.count++
	}
	l.entries[l.end] = p
	l.end = (l.end + 1) % len(l.entries)
}

// Pop removes and returns the oldest entry. ok is false if the list
// is empty.
func (l *List) Pop() (p PC, ok bool) {
	if l.count == 0 {
		return PC{}, false
	}
	p = l.entries[l.start]
	l.start = (l.start + 1) % len(l.entries)
	l.count--
	return p, true
}

// Peek returns the oldest entry without removing it.
func (l *List) Peek() (p PC, ok bool) {
	if l.count == 0 {
		return PC{}, false
	}
	return l.entries[l.start], true
}

// Reset empties the list without altering its capacity.
func (l *List) Reset() {
	l.start, l.end, l.count = 0, 0, 0
}
