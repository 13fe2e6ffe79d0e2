// Package icache implements the two-way set-associative instruction
// cache and its backing instruction translation buffer (ITB), with
// fetch-bundle lookup, set/line next-fetch prediction, and the
// fill/eviction/invalidation policy described in spec.md §4.2.
package icache

import (
	"github.com/sarchlab/axp21264sim/pc"
	"github.com/sarchlab/axp21264sim/tb"
)

// Ways is the associativity of the instruction cache.
const Ways = 2

// LineWords is the number of instruction words held per line, two
// four-instruction bundles (W=4 per spec.md §4.1).
const LineWords = 8

// BundleWidth is the number of instructions fetched per cycle.
const BundleWidth = 4

// Status is the outcome of an instruction-cache lookup.
type Status int

// Lookup outcomes.
const (
	Hit Status = iota
	Miss
	WayMiss
)

// String implements fmt.Stringer for readable test failures.
func (s Status) String() string {
	switch s {
	case Hit:
		return "Hit"
	case Miss:
		return "Miss"
	case WayMiss:
		return "WayMiss"
	default:
		return "Unknown"
	}
}

// Enable restricts which way(s) a lookup searches, mirroring the
// ic_en control bits.
type Enable int

// Enable values: search way 0 only, way 1 only, or both.
const (
	EnableSet0 Enable = iota
	EnableSet1
	EnableBoth
)

// Config holds instruction cache sizing parameters.
type Config struct {
	// Sets is the number of index slots. Must be a power of 2.
	Sets int
	// ITBSize is the number of instruction translation buffer entries.
	ITBSize int
}

// DefaultConfig returns a representative instruction cache configuration.
func DefaultConfig() Config {
	return Config{Sets: 1024, ITBSize: 32}
}

type line struct {
	valid bool
	tag   uint64
	va    uint64
	pal   bool
	perm  [4]bool
	words [LineWords]uint32
}

// Bundle is a fetched group of instruction words plus the next-fetch
// line/set prediction.
type Bundle struct {
	Words    [BundleWidth]uint32
	NextLine uint64
	NextSet  int
	// NextAddr is the absolute virtual address of NextLine, computed
	// from the current lookup's tag so the fetch stage can redirect
	// the VPC directly rather than re-deriving a line number into an
	// address itself.
	NextAddr uint64
}

// Cache is the two-way set-associative instruction cache plus ITB.
type Cache struct {
	cfg   Config
	ways  [Ways][]line
	index uint64 // Sets - 1, a mask since Sets is a power of 2

	itb *tb.Buffer
}

// New creates an instruction cache/ITB pair with the given configuration.
func New(cfg Config) *Cache {
	if cfg.Sets <= 0 {
		cfg.Sets = 1
	}
	c := &Cache{
		cfg:   cfg,
		index: uint64(cfg.Sets - 1),
		itb:   tb.NewBuffer(cfg.ITBSize),
	}
	for w := 0; w < Ways; w++ {
		c.ways[w] = make([]line, cfg.Sets)
	}
	return c
}

// ITB exposes the instruction translation buffer for PAL-level
// invalidation operations (tbia/tbiap/tbis).
func (c *Cache) ITB() *tb.Buffer { return c.itb }

func (c *Cache) decompose(addr uint64) (idx uint64, tag uint64, offset int) {
	lineAddr := addr / 4 / LineWords
	idx = lineAddr & c.index
	tag = lineAddr / uint64(c.cfg.Sets)
	offset = int((addr / 4) % LineWords)
	return idx, tag, offset
}

func setsToSearch(en Enable) []int {
	switch en {
	case EnableSet0:
		return []int{0}
	case EnableSet1:
		return []int{1}
	default:
		return []int{0, 1}
	}
}

// Lookup searches the cache for the bundle at p, honoring en to
// restrict the search to one or both ways. On a Hit it returns the
// four instructions starting at p's offset within the line, and the
// line/set predicted for the next fetch. On a cache miss it consults
// the ITB: a mapped-but-uncached address is Miss (the caller must
// request a fill); an address outside every ITB entry is WayMiss (the
// caller must fault to PAL).
func (c *Cache) Lookup(p pc.PC, en Enable, asn uint32) (Status, Bundle, int) {
	idx, tag, offset := c.decompose(p.Addr())

	for _, way := range setsToSearch(en) {
		ln := &c.ways[way][idx]
		if ln.valid && ln.tag == tag {
			var b Bundle
			copy(b.Words[:], ln.words[offset:offset+BundleWidth])
			b.NextLine, b.NextSet = c.predictNext(idx, offset, way, en)
			b.NextAddr = (tag*uint64(c.cfg.Sets) + b.NextLine) * uint64(LineWords) * 4
			return Hit, b, way
		}
	}

	if _, ok := c.itb.Find(p.Addr(), asn); ok {
		return Miss, Bundle{}, -1
	}
	return WayMiss, Bundle{}, -1
}

func (c *Cache) predictNext(idx uint64, offset, way int, en Enable) (uint64, int) {
	if offset+BundleWidth < LineWords {
		return idx, way
	}
	if en != EnableBoth {
		return idx + 1, way
	}
	if way == 0 {
		return idx, 1
	}
	return idx + 1, 0
}

// Fill inserts a line of words at the address p maps to, in way way
// (the caller picks the way, typically following the ITB's mapping or
// a simple round-robin/invalid-first policy). perm and pal are copied
// from the ITB entry that mapped the fill.
func (c *Cache) Fill(p pc.PC, way int, words [LineWords]uint32, perm [4]bool, pal bool) {
	idx, tag, _ := c.decompose(p.Addr())
	lineBase := (p.Addr() / 4 / LineWords) * LineWords * 4
	c.ways[way][idx] = line{
		valid: true,
		tag:   tag,
		va:    lineBase,
		pal:   pal,
		perm:  perm,
		words: words,
	}
}

// FillWay picks a fill way for index idx: prefer an invalid way, else
// way 0.
func (c *Cache) FillWay(p pc.PC) int {
	idx, tag, _ := c.decompose(p.Addr())
	for w := 0; w < Ways; w++ {
		ln := &c.ways[w][idx]
		if !ln.valid || ln.tag != tag {
			if !ln.valid {
				return w
			}
		}
	}
	return 0
}

// InsertITB inserts a translation entry into the ITB and invalidates
// every Icache line whose tag falls within the region covered by any
// entry evicted in the process.
func (c *Cache) InsertITB(e tb.Entry) {
	evicted, _ := c.itb.Insert(e)
	if !evicted.Valid {
		return
	}
	c.invalidateMatching(evicted)
}

func (c *Cache) invalidateMatching(e tb.Entry) {
	for w := 0; w < Ways; w++ {
		for i := range c.ways[w] {
			ln := &c.ways[w][i]
			if ln.valid && (ln.va&e.MatchMask) == e.VirtualAddr {
				ln.valid = false
			}
		}
	}
}

// Reset invalidates every line without touching the ITB.
func (c *Cache) Reset() {
	for w := 0; w < Ways; w++ {
		for i := range c.ways[w] {
			c.ways[w][i].valid = false
		}
	}
}
