// Package dcache implements the two-way set-associative, virtually
// indexed, physically tagged data cache and its backing data
// translation buffer (DTB), with writeback, per-line MOESI-ish state,
// and the superpage fast paths that let large kernel mappings bypass
// a DTB lookup, per spec.md §4.5. Tag/state management uses the Akita
// cache directory and LRU victim finder, sized for a data-side,
// dirty-tracking cache. (The instruction cache does not use Akita.)
package dcache

import (
	"math/bits"

	akitacache "github.com/sarchlab/akita/v4/mem/cache"

	"github.com/sarchlab/axp21264sim/tb"
)

// Ways is the associativity of the data cache.
const Ways = 2

// BlockBytes is the cache line size in bytes.
const BlockBytes = 64

const blockShift = 6 // log2(BlockBytes)

// Config holds data cache sizing parameters.
type Config struct {
	// Sets is the number of index slots. Must be a power of 2.
	Sets int
	// DTBSize is the number of data translation buffer entries.
	DTBSize int
}

// DefaultConfig returns a representative data cache configuration: a
// 64KB two-way cache with 64-byte lines and a 32-entry DTB.
func DefaultConfig() Config {
	return Config{Sets: 512, DTBSize: 32}
}

// lineState holds the per-line coherence bits spec.md §4.5 names
// beyond the directory's own valid/dirty tracking: Modified
// distinguishes a line this core has written from one merely Dirty
// via another agent's write, and Shared marks a line known to be
// cached elsewhere. The directory's LRU victim finder supplies the
// pseudo-LRU selection a two-way set only needs one bit for.
type lineState struct {
	Modified bool
	Shared   bool
}

// AccessResult is the outcome of a cache access.
type AccessResult struct {
	Hit  bool
	Data uint64
	// PA is the physical address the access translated to, valid
	// whenever the translation itself succeeded (even on a cache
	// miss), so a caller servicing the miss knows where to Add the
	// filled line without redoing translation.
	PA uint64

	Evicted     bool
	EvictedAddr uint64
	EvictedData []byte
}

// BackingStore is the next level of the memory hierarchy a miss or a
// dirty eviction goes to.
type BackingStore interface {
	Read(addr uint64, size int) []byte
	Write(addr uint64, data []byte)
}

// FaultCode names the architectural fault a translation produced, per
// spec.md §7-§8's fault taxonomy. The data cache only ever raises the
// data-side faults; ITB_MISS and IACV belong to the instruction side.
type FaultCode int

// Recognized data-side fault codes.
const (
	FaultNone FaultCode = iota
	// FaultDTBMissSingle is the first DTB miss since the last
	// successful translation.
	FaultDTBMissSingle
	// FaultDTBMissDouble3 is a nested DTB miss (one still outstanding)
	// whose faulting address has virtual bit 48 clear.
	FaultDTBMissDouble3
	// FaultDTBMissDouble4 is a nested DTB miss whose faulting address
	// has virtual bit 48 set.
	FaultDTBMissDouble4
	// FaultDFault is a data access-control violation: the TB entry
	// covering va does not permit the requested operation in the
	// current mode.
	FaultDFault
)

// Fault is the outcome of a failed translation.
type Fault struct {
	Code FaultCode
	VA   uint64
}

// superpageRegion describes one of the fixed superpage fast paths:
// addresses whose high bits match Signature under Mask translate by
// passing PhysMask's bits straight through, without a DTB lookup. Only
// consulted in Kernel mode with superpages enabled, per spec.md §4.5
// step 2.
type superpageRegion struct {
	mask      uint64
	signature uint64
	physMask  uint64
}

// Cache is the two-way set-associative data cache plus DTB.
type Cache struct {
	cfg       Config
	directory *akitacache.DirectoryImpl
	data      [][]byte
	state     [][]lineState

	dtb *tb.Buffer
	spe [3]superpageRegion // ordered SPE2, SPE1, SPE0

	superpageEnable bool
	// tbMissOutstanding is the persistent flag spec.md §4.5 step 3
	// describes: set on the first DTB miss, cleared on the next
	// successful translation. A miss that arrives while it is already
	// set is a nested (double) miss.
	tbMissOutstanding bool

	backing BackingStore
}

// New creates a data cache/DTB pair with the given configuration and
// backing store (the next cache level or main memory).
func New(cfg Config, backing BackingStore) *Cache {
	if cfg.Sets <= 0 {
		cfg.Sets = 1
	}
	total := cfg.Sets * Ways
	data := make([][]byte, total)
	state := make([][]lineState, total)
	for i := range data {
		data[i] = make([]byte, BlockBytes)
	}

	return &Cache{
		cfg: cfg,
		directory: akitacache.NewDirectory(
			cfg.Sets, Ways, BlockBytes, akitacache.NewLRUVictimFinder(),
		),
		data:    data,
		state:   state,
		dtb:     tb.NewBuffer(cfg.DTBSize),
		backing: backing,
		spe: [3]superpageRegion{
			// SPE2, SPE1, SPE0: kernel unmapped superpage segments,
			// checked in that order. High VA bits select the region;
			// the rest of the address passes straight through to
			// physical, except SPE1 which additionally folds VA bit
			// 40 into PA bits 41-43 (applied in translate).
			{mask: 0xE000000000000000, signature: 0x2000000000000000, physMask: 0x00001FFFFFFFFFFF},
			{mask: 0xF000000000000000, signature: 0x6000000000000000, physMask: 0x000000FFFFFFFFFF},
			{mask: 0xFE00000000000000, signature: 0x7E00000000000000, physMask: 0x0000001FFFFFFFFF},
		},
	}
}

// DTB exposes the data translation buffer for PAL-level invalidation
// operations (tbia/tbiap/tbis).
func (c *Cache) DTB() *tb.Buffer { return c.dtb }

// SetSuperpageEnable toggles the kernel superpage fast path. Real
// firmware controls this per the three SPE enable bits; this model
// exposes the combined effect, since all three regions share the same
// mode gating (spec.md §4.5 step 2).
func (c *Cache) SetSuperpageEnable(enabled bool) { c.superpageEnable = enabled }

func (c *Cache) blockIndex(b *akitacache.Block) int {
	return b.SetID*Ways + b.WayID
}

// translate resolves a virtual address to a physical one, implementing
// spec.md §4.5's decision tree in full:
//  1. PAL-mode PCs are identity-mapped.
//  2. In Kernel mode with superpages enabled, the three fixed SPE
//     windows bypass the DTB entirely.
//  3. Otherwise the DTB is consulted; a miss raises DTBM_SINGLE, or a
//     DTBM_DOUBLE_3/DTBM_DOUBLE_4 nested-miss fault (discriminated by
//     virtual bit 48) if a miss is already outstanding.
//  4. A DTB hit is checked against the entry's per-mode access bits.
//  5. A denied access raises DFAULT.
//  6. Otherwise pa = tlb.physical_addr | (va & tlb.keep_mask).
func (c *Cache) translate(pcPAL bool, mode tb.Mode, va uint64, asn uint32, op tb.Access) (pa uint64, fault Fault, ok bool) {
	if pcPAL {
		return va, Fault{}, true
	}

	if mode == tb.Kernel && c.superpageEnable {
		for i, r := range c.spe {
			if va&r.mask != r.signature {
				continue
			}
			pa := va & r.physMask
			if i == 1 { // SPE1: VA bit 40 replicated into PA bits 41-43.
				const bits41to43 = uint64(0x7) << 41
				if va&(uint64(1)<<40) != 0 {
					pa |= bits41to43
				} else {
					pa &^= bits41to43
				}
			}
			return pa, Fault{}, true
		}
	}

	e, found := c.dtb.Find(va, asn)
	if !found {
		if !c.tbMissOutstanding {
			c.tbMissOutstanding = true
			return 0, Fault{Code: FaultDTBMissSingle, VA: va}, false
		}
		if va&(uint64(1)<<48) != 0 {
			return 0, Fault{Code: FaultDTBMissDouble4, VA: va}, false
		}
		return 0, Fault{Code: FaultDTBMissDouble3, VA: va}, false
	}

	if !e.Allows(mode, op) {
		return 0, Fault{Code: FaultDFault, VA: va}, false
	}

	c.tbMissOutstanding = false
	return e.Translate(va), Fault{}, true
}

func blockAddr(pa uint64) uint64 { return (pa / BlockBytes) * BlockBytes }

// candidateSetIndices returns the nominal set index derived from va
// plus its three alternates, per spec.md §3/§4.5 step 2: a cache
// virtually indexed ahead of (or in parallel with) translation can't
// trust the index bits that sit above the page offset, since those
// bits may differ between va and the eventual pa. The overlap is the
// top two index bits; all four combinations of those bits are
// candidate locations for the same physical tag, nominal index first.
func (c *Cache) candidateSetIndices(va uint64) [4]int {
	if c.cfg.Sets <= 1 {
		return [4]int{0, 0, 0, 0}
	}

	setBits := bits.Len(uint(c.cfg.Sets - 1))
	idxMask := uint64(c.cfg.Sets - 1)
	nominal := (va >> blockShift) & idxMask

	overlapShift := uint(0)
	if setBits >= 2 {
		overlapShift = uint(setBits - 2)
	}
	base := nominal &^ (3 << overlapShift)

	var out [4]int
	out[0] = int(nominal)
	k := 1
	for v := uint64(0); v < 4; v++ {
		cand := base | (v << overlapShift)
		if cand == nominal {
			continue
		}
		out[k] = int(cand)
		k++
	}
	return out
}

// setBlocks returns the Ways blocks belonging to setID.
func (c *Cache) setBlocks(setID int) []*akitacache.Block {
	for _, set := range c.directory.GetSets() {
		for _, blk := range set.Blocks {
			if blk.SetID == setID {
				return set.Blocks
			}
		}
	}
	return nil
}

// findBlock searches the nominal index and its three alternates for a
// valid line tagged with ba, per spec.md §4.5's "Dcache add"/fetch
// presence check.
func (c *Cache) findBlock(va, ba uint64) (*akitacache.Block, bool) {
	for _, idx := range c.candidateSetIndices(va) {
		for _, blk := range c.setBlocks(idx) {
			if blk.IsValid && blk.Tag == ba {
				return blk, true
			}
		}
	}
	return nil, false
}

// Fetch performs a read-only load probe: address translation plus a
// cache lookup, with no allocation on miss. The load pipeline calls
// Add separately once a miss has been serviced by the backing store,
// keeping "probe for a hit" and "install a new line" as the two
// distinct operations spec.md §4.5 requires.
func (c *Cache) Fetch(pcPAL bool, mode tb.Mode, va uint64, asn uint32, size int) (AccessResult, Fault) {
	pa, fault, ok := c.translate(pcPAL, mode, va, asn, tb.AccessRead)
	if !ok {
		return AccessResult{}, fault
	}

	ba := blockAddr(pa)
	block, found := c.findBlock(va, ba)
	if !found {
		return AccessResult{PA: pa}, Fault{}
	}
	c.directory.Visit(block)

	offset := pa % BlockBytes
	data := extractData(c.data[c.blockIndex(block)], offset, size)
	return AccessResult{Hit: true, Data: data, PA: pa}, Fault{}
}

// Store writes size bytes of data to an address already resident in
// the cache (a store that missed must Add the line first). It marks
// the line Dirty and Modified and clears Shared, since this agent now
// holds the only up-to-date copy. pa is returned alongside hit so a
// caller servicing a miss knows where to install the filled line.
func (c *Cache) Store(pcPAL bool, mode tb.Mode, va uint64, asn uint32, size int, data uint64) (hit bool, pa uint64, fault Fault) {
	pa, fault, ok := c.translate(pcPAL, mode, va, asn, tb.AccessWrite)
	if !ok {
		return false, 0, fault
	}

	ba := blockAddr(pa)
	block, found := c.findBlock(va, ba)
	if !found {
		return false, pa, Fault{}
	}
	c.directory.Visit(block)

	offset := pa % BlockBytes
	idx := c.blockIndex(block)
	storeData(c.data[idx], offset, size, data)
	block.IsDirty = true
	c.state[idx] = lineState{Modified: true, Shared: false}
	return true, pa, Fault{}
}

// Add installs a fresh line for pa, evicting and writing back a dirty
// victim if necessary, and returns the evicted line's data for the
// caller to hand to the system interface. words must be BlockBytes
// long. va is the virtual address the fill request was made under,
// needed to pick the same candidate index a later Fetch/Store would
// probe. Per spec.md §8, Add is idempotent: if the line is already
// present at any of the four candidate locations, Add is a no-op
// rather than installing a second copy.
func (c *Cache) Add(va, pa uint64, words []byte) AccessResult {
	ba := blockAddr(pa)
	if _, found := c.findBlock(va, ba); found {
		return AccessResult{}
	}

	nominal := c.candidateSetIndices(va)[0]
	synth := uint64(nominal) * BlockBytes
	victim := c.directory.FindVictim(synth)
	if victim == nil {
		return AccessResult{}
	}

	idx := c.blockIndex(victim)
	result := AccessResult{}
	if victim.IsValid {
		result.Evicted = true
		result.EvictedAddr = victim.Tag
		if victim.IsDirty {
			evictedData := make([]byte, BlockBytes)
			copy(evictedData, c.data[idx])
			result.EvictedData = evictedData
			if c.backing != nil {
				c.backing.Write(victim.Tag, evictedData)
			}
		}
	}

	copy(c.data[idx], words)
	victim.Tag = ba
	victim.IsValid = true
	victim.IsDirty = false
	c.state[idx] = lineState{}
	c.directory.Visit(victim)
	return result
}

// InsertDTB inserts a translation entry into the DTB. Unlike the
// instruction side, a DTB eviction does not itself invalidate any
// data cache line: the directory tags lines by physical address, so
// a stale virtual-to-physical mapping cannot alias a live physical
// tag the way the virtually-tagged instruction cache can.
func (c *Cache) InsertDTB(e tb.Entry) (evicted tb.Entry, evictedIndex int) {
	return c.dtb.Insert(e)
}

// InvalidateASN invalidates every non-global DTB entry for asn,
// supplementing the PAL-visible tbis/tbiap family with the
// process-context invalidation the original machine's Dcache-side TB
// logic performs on a context switch.
func (c *Cache) InvalidateASN(asn uint32) {
	for _, e := range c.dtb.Entries() {
		if e.Valid && !e.ASM && e.ASN == asn {
			c.dtb.InvalidateSingle(e.VirtualAddr, asn)
		}
	}
}

// Flush writes back every dirty line and invalidates the cache,
// without touching the DTB.
func (c *Cache) Flush() {
	for _, set := range c.directory.GetSets() {
		for _, block := range set.Blocks {
			idx := block.SetID*Ways + block.WayID
			if block.IsValid && block.IsDirty && c.backing != nil {
				c.backing.Write(block.Tag, c.data[idx])
			}
			block.IsValid = false
			block.IsDirty = false
			c.state[idx] = lineState{}
		}
	}
}

// Reset invalidates the cache without writeback, empties the DTB, and
// clears the outstanding-miss flag.
func (c *Cache) Reset() {
	for _, set := range c.directory.GetSets() {
		for _, block := range set.Blocks {
			block.IsValid = false
			block.IsDirty = false
		}
	}
	c.dtb.InvalidateAll()
	c.tbMissOutstanding = false
}

func extractData(data []byte, offset uint64, size int) uint64 {
	if data == nil || int(offset)+size > len(data) {
		return 0
	}
	var result uint64
	for i := 0; i < size; i++ {
		result |= uint64(data[int(offset)+i]) << (i * 8)
	}
	return result
}

func storeData(data []byte, offset uint64, size int, value uint64) {
	if data == nil || int(offset)+size > len(data) {
		return
	}
	for i := 0; i < size; i++ {
		data[int(offset)+i] = byte(value >> (i * 8))
	}
}
