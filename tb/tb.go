// Package tb implements the translation-buffer entry shared by the
// instruction and data translation buffers: a software-managed TLB
// with granularity-hint-sized regions, round-robin replacement, and
// the ASN/ASM-qualified invalidation family (tbia/tbiap/tbis).
package tb

// Mode is a processor privilege mode.
type Mode int

// Privilege modes, ordered from most to least privileged, matching
// the encoding the modelled processor uses in its PTE access fields.
const (
	Kernel Mode = iota
	Executive
	Supervisor
	User
)

// Access is the kind of memory operation being checked against a TB
// entry's per-mode enable bits.
type Access int

// Recognized access kinds. Modify is Read AND Write; Execute reuses
// the Read enable bits, since the modelled processor has no separate
// execute-permission bit.
const (
	AccessNone Access = iota
	AccessRead
	AccessWrite
	AccessExecute
	AccessModify
)

// BasePageSize is the processor's base page size in bytes (8 KiB,
// matching the modelled processor's default).
const BasePageSize = 8192

// pagesForGH maps a granularity hint to a page-count multiplier:
// gh 0/1/2/3 -> 1/8/64/512 pages.
func pagesForGH(gh uint8) uint64 {
	pages := uint64(1)
	for i := uint8(0); i < gh&0x3; i++ {
		pages *= 8
	}
	return pages
}

// Entry is one translation-buffer entry. It has the same shape for
// both the instruction and data TBs.
type Entry struct {
	Valid bool
	ASN   uint32
	ASM   bool
	GH    uint8

	MatchMask uint64
	KeepMask  uint64
	PhysMask  uint64

	VirtualAddr  uint64
	PhysicalAddr uint64

	// Read/Write enable per mode, indexed by Mode.
	ReadEnable  [4]bool
	WriteEnable [4]bool

	FaultOnRead    bool
	FaultOnWrite   bool
	FaultOnExecute bool
}

// Masks computes the match/keep/phys masks for a granularity hint.
func Masks(gh uint8) (matchMask, keepMask, physMask uint64) {
	regionSize := BasePageSize * pagesForGH(gh)
	keepMask = regionSize - 1
	matchMask = ^keepMask
	physMask = matchMask
	return matchMask, keepMask, physMask
}

// NewEntry builds a valid TB entry for the given virtual/physical base
// addresses and granularity hint. va and pa are aligned down to the
// region implied by gh.
func NewEntry(va, pa uint64, gh uint8, asn uint32, asm bool) Entry {
	matchMask, keepMask, physMask := Masks(gh)
	return Entry{
		Valid:        true,
		ASN:          asn,
		ASM:          asm,
		GH:           gh,
		MatchMask:    matchMask,
		KeepMask:     keepMask,
		PhysMask:     physMask,
		VirtualAddr:  va & matchMask,
		PhysicalAddr: pa & physMask,
	}
}

// Allows reports whether op is permitted by the entry for the given mode.
func (e *Entry) Allows(mode Mode, op Access) bool {
	switch op {
	case AccessNone:
		return true
	case AccessRead, AccessExecute:
		return e.ReadEnable[mode]
	case AccessWrite:
		return e.WriteEnable[mode]
	case AccessModify:
		return e.ReadEnable[mode] && e.WriteEnable[mode]
	default:
		return false
	}
}

// Translate applies the entry to a full virtual address, producing the
// physical address: physical_addr | (va & keep_mask).
func (e *Entry) Translate(va uint64) uint64 {
	return e.PhysicalAddr | (va & e.KeepMask)
}

// Buffer is a fixed-size, round-robin-replaced array of TB entries.
// At most one valid entry exists per (virtual_addr&match_mask, asn).
type Buffer struct {
	entries []Entry
	cursor  int
}

// NewBuffer creates a translation buffer with the given number of entries.
func NewBuffer(size int) *Buffer {
	if size < 1 {
		size = 1
	}
	return &Buffer{entries: make([]Entry, size)}
}

// Len returns the number of entries the buffer holds.
func (b *Buffer) Len() int { return len(b.entries) }

// Entries exposes the live entry array for iteration by owning caches
// (e.g. to invalidate cache lines tagged by an evicted TB entry).
func (b *Buffer) Entries() []Entry { return b.entries }

// Find scans for a valid entry whose region covers va for the given
// ASN, matching regardless of the ASM flag. Per spec.md §9 this
// deliberately does not require _asm == true for a hit: ASM only
// controls whether an entry survives InvalidateAllProcess.
func (b *Buffer) Find(va uint64, asn uint32) (*Entry, bool) {
	for i := range b.entries {
		e := &b.entries[i]
		if e.Valid && e.ASN == asn && (va&e.MatchMask) == e.VirtualAddr {
			return e, true
		}
	}
	return nil, false
}

// nextFree scans for an invalid slot starting at the round-robin
// cursor, wrapping once: current->end, then 0->current. This is the
// two-range scan spec.md §9 calls out as the intended fix for the
// source's off-by-one (`start2` compared against 0 after being set to
// -1): both ranges are always scanned, never skipped.
func (b *Buffer) nextFree() int {
	n := len(b.entries)
	for i := b.cursor; i < n; i++ {
		if !b.entries[i].Valid {
			return i
		}
	}
	for i := 0; i < b.cursor; i++ {
		if !b.entries[i].Valid {
			return i
		}
	}
	return -1
}

// Insert adds e to the buffer. If an entry already matches e's region
// and ASN, it is overwritten in place. Otherwise a free slot is used
// if one exists; failing that, the round-robin cursor's slot is
// evicted. Insert returns the entry that was evicted (its Valid flag
// is false if no live entry occupied the slot) so callers can
// invalidate any cache lines tagged by the outgoing entry.
func (b *Buffer) Insert(e Entry) (evicted Entry, index int) {
	if existing, ok := b.Find(e.VirtualAddr, e.ASN); ok {
		for i := range b.entries {
			if &b.entries[i] == existing {
				evicted = b.entries[i]
				b.entries[i] = e
				return evicted, i
			}
		}
	}

	idx := b.nextFree()
	if idx == -1 {
		idx = b.cursor
		b.cursor = (b.cursor + 1) % len(b.entries)
	}
	evicted = b.entries[idx]
	b.entries[idx] = e
	return evicted, idx
}

// InvalidateAll invalidates every entry (tbia).
func (b *Buffer) InvalidateAll() {
	for i := range b.entries {
		b.entries[i].Valid = false
	}
}

// InvalidateAllProcess invalidates every entry whose ASM flag is not
// set, leaving ASM-global entries intact (tbiap).
func (b *Buffer) InvalidateAllProcess() {
	for i := range b.entries {
		if !b.entries[i].ASM {
			b.entries[i].Valid = false
		}
	}
}

// InvalidateSingle invalidates the one entry (if any) covering va for
// asn (tbis).
func (b *Buffer) InvalidateSingle(va uint64, asn uint32) {
	if e, ok := b.Find(va, asn); ok {
		e.Valid = false
	}
}
