package cpu_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/axp21264sim/cpu"
	"github.com/sarchlab/axp21264sim/decode"
	"github.com/sarchlab/axp21264sim/iqueue"
	"github.com/sarchlab/axp21264sim/tb"
)

type fakeMemory struct{}

func (fakeMemory) Read(addr uint64, size int) []byte { return make([]byte, size) }
func (fakeMemory) Write(addr uint64, data []byte)     {}

var _ = Describe("CPU", func() {
	var c *cpu.CPU

	BeforeEach(func() {
		c = cpu.New(cpu.DefaultConfig(), fakeMemory{})
	})

	It("starts in Init state", func() {
		Expect(c.State()).To(Equal(cpu.Init))
	})

	It("renames a destination register on dispatch and releases it on retire", func() {
		d := decode.New()
		inst, _ := d.Decode(uint32(decode.OpINTA)<<26 | uint32(1)<<21 | uint32(2)<<16 | uint32(3))

		before := c.IntMap().FreeListLen()
		slot, err := c.Dispatch(inst)
		Expect(err).NotTo(HaveOccurred())
		Expect(c.IntMap().FreeListLen()).To(Equal(before - 1))

		e, ok := c.ROB().At(slot)
		Expect(ok).To(BeTrue())
		e.Done = true
		Expect(c.ROB().Set(slot, e)).To(Succeed())

		retired, excepted := c.Retire()
		Expect(retired).To(BeTrue())
		Expect(excepted).To(BeFalse())
		Expect(c.IntMap().FreeListLen()).To(Equal(before))
	})

	It("restores the pre-rename mapping on squash", func() {
		d := decode.New()
		inst, _ := d.Decode(uint32(decode.OpINTA)<<26 | uint32(1)<<21 | uint32(2)<<16 | uint32(3))

		originalPhys := c.IntMap().Current(3)
		slot, err := c.Dispatch(inst)
		Expect(err).NotTo(HaveOccurred())
		Expect(c.IntMap().Current(3)).NotTo(Equal(originalPhys))

		Expect(c.Squash(slot)).To(Succeed())
		Expect(c.IntMap().Current(3)).To(Equal(originalPhys))
	})

	It("routes a floating-point destination through the FP map on dispatch/retire without disturbing the int map", func() {
		d := decode.New()
		// OpLDF: Dest=Fa, Src1=Rb. Fa shares the Ra field.
		inst, _ := d.Decode(uint32(decode.OpLDF)<<26 | uint32(5)<<21 | uint32(2)<<16)

		intBefore := c.IntMap().FreeListLen()
		fpBefore := c.FPMap().FreeListLen()

		slot, err := c.Dispatch(inst)
		Expect(err).NotTo(HaveOccurred())
		Expect(c.FPMap().FreeListLen()).To(Equal(fpBefore - 1))
		Expect(c.IntMap().FreeListLen()).To(Equal(intBefore))

		e, ok := c.ROB().At(slot)
		Expect(ok).To(BeTrue())
		Expect(e.IsFP).To(BeTrue())
		e.Done = true
		Expect(c.ROB().Set(slot, e)).To(Succeed())

		retired, excepted := c.Retire()
		Expect(retired).To(BeTrue())
		Expect(excepted).To(BeFalse())
		Expect(c.FPMap().FreeListLen()).To(Equal(fpBefore))
		Expect(c.IntMap().FreeListLen()).To(Equal(intBefore))
	})

	It("restores the FP map (not the int map) on squash of an FP destination", func() {
		d := decode.New()
		inst, _ := d.Decode(uint32(decode.OpLDF)<<26 | uint32(5)<<21 | uint32(2)<<16)

		originalPhys := c.FPMap().Current(5)
		intBefore := c.IntMap().FreeListLen()

		slot, err := c.Dispatch(inst)
		Expect(err).NotTo(HaveOccurred())
		Expect(c.FPMap().Current(5)).NotTo(Equal(originalPhys))

		Expect(c.Squash(slot)).To(Succeed())
		Expect(c.FPMap().Current(5)).To(Equal(originalPhys))
		Expect(c.IntMap().FreeListLen()).To(Equal(intBefore))
	})

	It("drives a pending load queue entry through a cache miss, fill, then hit", func() {
		e := tb.NewEntry(0x1000, 0x9000, 0, 0, false)
		c.Dcache().InsertDTB(e)
		entry, ok := c.Dcache().DTB().Find(0x1000, 0)
		Expect(ok).To(BeTrue())
		entry.ReadEnable[tb.Kernel] = true

		slot, err := c.LSQ().Push(iqueue.LSEntry{SeqID: 1, AddrValid: true, Addr: 0x1000, ByteMask: 0xFF})
		Expect(err).NotTo(HaveOccurred())

		c.StepMemory()
		got, ok := c.LSQ().At(slot)
		Expect(ok).To(BeTrue())
		Expect(got.Satisfied).To(BeFalse())
		Expect(c.Bus().Len()).To(Equal(1))

		c.StepSystem()
		Expect(c.Bus().Len()).To(Equal(0))

		c.StepMemory()
		got, ok = c.LSQ().At(slot)
		Expect(ok).To(BeTrue())
		Expect(got.Satisfied).To(BeTrue())
	})

	It("raises DFAULT and stalls instead of installing a fill for a disallowed access", func() {
		e := tb.NewEntry(0x2000, 0xA000, 0, 0, false)
		c.Dcache().InsertDTB(e)
		// ReadEnable left false for every mode: the access must fault.

		_, err := c.LSQ().Push(iqueue.LSEntry{SeqID: 1, AddrValid: true, Addr: 0x2000, ByteMask: 0xFF})
		Expect(err).NotTo(HaveOccurred())

		c.StepMemory()
		Expect(c.State()).To(Equal(cpu.Stall))
		Expect(c.LastException()).NotTo(BeNil())
		Expect(c.LastException().Offset).To(Equal(uint32(cpu.PALOffsetDFault)))
	})

	It("starts and stops its stage goroutines cleanly", func() {
		c.Start()
		Expect(c.State()).To(Equal(cpu.Run))
		c.Stop()
		Expect(c.State()).To(Equal(cpu.Halt))
	})
})
