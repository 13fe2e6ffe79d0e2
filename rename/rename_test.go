package rename_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/axp21264sim/rename"
)

var _ = Describe("Table", func() {
	var t *rename.Table

	BeforeEach(func() {
		t = rename.New(64)
	})

	It("never maps register 31", func() {
		Expect(t.Current(31)).To(Equal(uint8(31)))
		_, _, err := t.Rename(31)
		Expect(err).To(Equal(rename.ErrZeroReg))
	})

	It("renames ADDQ r1,r2,r3 then ADDQ r3,r4,r5 as described in the scenario", func() {
		p0 := t.Current(3)

		p1, releasedAfterFirst, err := t.Rename(3)
		Expect(err).NotTo(HaveOccurred())
		Expect(t.Current(3)).To(Equal(p1))
		Expect(releasedAfterFirst).To(Equal(p0))

		srcForSecond := t.Current(3) // p1
		p2, _, err := t.Rename(5)
		Expect(err).NotTo(HaveOccurred())
		Expect(t.Current(5)).To(Equal(p2))
		Expect(srcForSecond).To(Equal(p1))
	})

	It("keeps the current mapping off the free list for every non-zero register", func() {
		for r := uint8(0); r < rename.NumArchRegs; r++ {
			if r == rename.ZeroReg {
				continue
			}
			_, _, _ = t.Rename(r)
		}
		for r := uint8(0); r < rename.NumArchRegs; r++ {
			if r == rename.ZeroReg {
				continue
			}
			Expect(t.OnFreeList(t.Current(r))).To(BeFalse())
		}
	})

	It("recycles the released register through retire", func() {
		_, releaseOnRetire, _ := t.Rename(2)
		lenBefore := t.FreeListLen()
		t.Release(2, releaseOnRetire)
		Expect(t.FreeListLen()).To(Equal(lenBefore + 1))
		Expect(t.OnFreeList(releaseOnRetire)).To(BeTrue())
	})

	It("errors instead of exhausting the free list silently", func() {
		small := rename.New(40) // capacity = 40 - 32 = 8
		capacity := small.FreeListLen()
		reg := uint8(0)
		for i := 0; i < capacity; i++ {
			_, _, err := small.Rename(reg)
			Expect(err).NotTo(HaveOccurred())
			reg++
			if reg == rename.ZeroReg {
				reg++
			}
		}
		_, _, err := small.Rename(reg)
		Expect(err).To(HaveOccurred())
	})
})
