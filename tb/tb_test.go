package tb_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/axp21264sim/tb"
)

var _ = Describe("Buffer", func() {
	var buf *tb.Buffer

	BeforeEach(func() {
		buf = tb.NewBuffer(4)
	})

	It("matches virtual_addr against its own match_mask", func() {
		e := tb.NewEntry(0x123456, 0x998877, 0, 1, false)
		Expect(e.VirtualAddr).To(Equal(e.VirtualAddr & e.MatchMask))
	})

	It("round-trips insert then find", func() {
		e := tb.NewEntry(0x1000, 0x2000, 0, 7, false)
		buf.InvalidateAll()
		buf.Insert(e)

		found, ok := buf.Find(0x1000, 7)
		Expect(ok).To(BeTrue())
		Expect(found.PhysicalAddr).To(Equal(uint64(0x2000)))
	})

	It("finds a hit regardless of the ASM flag", func() {
		e := tb.NewEntry(0x4000, 0x5000, 0, 3, true)
		buf.Insert(e)

		_, ok := buf.Find(0x4000, 3)
		Expect(ok).To(BeTrue())
	})

	It("reuses an existing matching slot on insert instead of evicting another", func() {
		first := tb.NewEntry(0x1000, 0x2000, 0, 1, false)
		_, idx1 := buf.Insert(first)

		second := tb.NewEntry(0x1000, 0x9000, 0, 1, false)
		_, idx2 := buf.Insert(second)

		Expect(idx2).To(Equal(idx1))
		found, _ := buf.Find(0x1000, 1)
		Expect(found.PhysicalAddr).To(Equal(uint64(0x9000)))
	})

	It("evicts round-robin once all slots are valid and distinct", func() {
		for i := 0; i < buf.Len(); i++ {
			buf.Insert(tb.NewEntry(uint64(i)<<20, uint64(i)<<20, 0, uint32(i), false))
		}
		evicted, _ := buf.Insert(tb.NewEntry(0xF0000000, 0xF0000000, 0, 99, false))
		Expect(evicted.Valid).To(BeTrue())
	})

	It("invalidate-all followed by insert-single followed by find returns the added entry", func() {
		buf.InvalidateAll()
		e := tb.NewEntry(0x7000, 0x8000, 1, 5, false)
		buf.Insert(e)

		found, ok := buf.Find(0x7000, 5)
		Expect(ok).To(BeTrue())
		Expect(found.PhysicalAddr).To(Equal(e.PhysicalAddr))
	})

	It("invalidate-all-process preserves ASM-global entries", func() {
		buf.InvalidateAll()
		global := tb.NewEntry(0x1000, 0x1000, 0, 1, true)
		private := tb.NewEntry(0x2000, 0x2000, 0, 2, false)
		buf.Insert(global)
		buf.Insert(private)

		buf.InvalidateAllProcess()

		_, okGlobal := buf.Find(0x1000, 1)
		_, okPrivate := buf.Find(0x2000, 2)
		Expect(okGlobal).To(BeTrue())
		Expect(okPrivate).To(BeFalse())
	})

	It("maps granularity hints to the documented page multipliers", func() {
		_, keep0, _ := tb.Masks(0)
		_, keep1, _ := tb.Masks(1)
		_, keep2, _ := tb.Masks(2)
		_, keep3, _ := tb.Masks(3)

		Expect(keep0 + 1).To(Equal(uint64(tb.BasePageSize)))
		Expect(keep1 + 1).To(Equal(uint64(tb.BasePageSize * 8)))
		Expect(keep2 + 1).To(Equal(uint64(tb.BasePageSize * 64)))
		Expect(keep3 + 1).To(Equal(uint64(tb.BasePageSize * 512)))
	})
})
