package rob_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/axp21264sim/rob"
)

var _ = Describe("Buffer", func() {
	var b *rob.Buffer

	BeforeEach(func() {
		b = rob.New(4)
	})

	It("errors instead of overwriting the oldest entry when full", func() {
		for i := 0; i < 4; i++ {
			_, err := b.Push(rob.Entry{SeqID: uint64(i)})
			Expect(err).NotTo(HaveOccurred())
		}
		_, err := b.Push(rob.Entry{SeqID: 4})
		Expect(err).To(Equal(rob.ErrFull))
	})

	It("retires the oldest entry only once it is marked done", func() {
		slot, _ := b.Push(rob.Entry{SeqID: 1})
		_, ok := b.Retire()
		Expect(ok).To(BeFalse())

		e, _ := b.At(slot)
		e.Done = true
		Expect(b.Set(slot, e)).To(Succeed())

		retired, ok := b.Retire()
		Expect(ok).To(BeTrue())
		Expect(retired.SeqID).To(Equal(uint64(1)))
		Expect(b.Len()).To(Equal(0))
	})

	It("retires in program order across a wraparound", func() {
		for i := 0; i < 4; i++ {
			slot, _ := b.Push(rob.Entry{SeqID: uint64(i)})
			e, _ := b.At(slot)
			e.Done = true
			_ = b.Set(slot, e)
		}
		for i := 0; i < 2; i++ {
			retired, ok := b.Retire()
			Expect(ok).To(BeTrue())
			Expect(retired.SeqID).To(Equal(uint64(i)))
		}
		for i := 4; i < 6; i++ {
			slot, err := b.Push(rob.Entry{SeqID: uint64(i), Done: true})
			Expect(err).NotTo(HaveOccurred())
			_ = slot
		}
		for i := 2; i < 6; i++ {
			retired, ok := b.Retire()
			Expect(ok).To(BeTrue())
			Expect(retired.SeqID).To(Equal(uint64(i)))
		}
	})

	It("squashes every entry from a slot through the tail, youngest first", func() {
		slots := make([]int, 4)
		for i := 0; i < 4; i++ {
			slots[i], _ = b.Push(rob.Entry{SeqID: uint64(i)})
		}
		removed, err := b.SquashFrom(slots[1])
		Expect(err).NotTo(HaveOccurred())
		Expect(removed).To(HaveLen(3))
		Expect(removed[0].SeqID).To(Equal(uint64(3)))
		Expect(removed[1].SeqID).To(Equal(uint64(2)))
		Expect(removed[2].SeqID).To(Equal(uint64(1)))
		Expect(b.Len()).To(Equal(1))

		slot, err := b.Push(rob.Entry{SeqID: 10})
		Expect(err).NotTo(HaveOccurred())
		Expect(slot).To(Equal(slots[1]))
	})
})
