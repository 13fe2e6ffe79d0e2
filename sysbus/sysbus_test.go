package sysbus_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/axp21264sim/sysbus"
)

var _ = Describe("Bus", func() {
	var b *sysbus.Bus

	BeforeEach(func() {
		b = sysbus.New(2)
	})

	It("assigns monotonically increasing entry ids", func() {
		id1, err := b.Enqueue(sysbus.CommandRead, 0x1000, 0xFF, false)
		Expect(err).NotTo(HaveOccurred())
		id2, err := b.Enqueue(sysbus.CommandRead, 0x2000, 0xFF, false)
		Expect(err).NotTo(HaveOccurred())
		Expect(id2).To(Equal(id1 + 1))
	})

	It("reports ErrFull once the request buffer depth is reached", func() {
		_, _ = b.Enqueue(sysbus.CommandRead, 0x1000, 0xFF, false)
		_, _ = b.Enqueue(sysbus.CommandRead, 0x2000, 0xFF, false)
		_, err := b.Enqueue(sysbus.CommandRead, 0x3000, 0xFF, false)
		Expect(err).To(Equal(sysbus.ErrFull))
	})

	It("pops the head request once its probe response completes it", func() {
		id, _ := b.Enqueue(sysbus.CommandRead, 0x1000, 0xFF, false)
		Expect(b.Len()).To(Equal(1))

		err := b.Complete(sysbus.ProbeResponse{MissEntryID: id, Status: sysbus.ProbeOK}, [8]byte{1, 2, 3})
		Expect(err).NotTo(HaveOccurred())
		Expect(b.Len()).To(Equal(0))
	})

	It("keeps victim-sent and address-sent as independent response facts", func() {
		id, _ := b.Enqueue(sysbus.CommandReadModify, 0x4000, 0xFF, false)
		resp := sysbus.ProbeResponse{
			MissEntryID: id,
			VictimSent:  true,
			VictimID:    7,
			AddressSent: false,
			Status:      sysbus.ProbeOK,
		}
		Expect(b.Complete(resp, [8]byte{})).To(Succeed())
		Expect(resp.VictimSent).To(BeTrue())
		Expect(resp.AddressSent).To(BeFalse())
	})

	It("leaves a stalled request at the head undrained", func() {
		id, _ := b.Enqueue(sysbus.CommandRead, 0x1000, 0xFF, false)
		err := b.Complete(sysbus.ProbeResponse{MissEntryID: id, Status: sysbus.ProbeStall}, [8]byte{})
		Expect(err).NotTo(HaveOccurred())
		Expect(b.Len()).To(Equal(1))
	})

	It("errors completing an entry id that was never enqueued", func() {
		err := b.Complete(sysbus.ProbeResponse{MissEntryID: 999, Status: sysbus.ProbeOK}, [8]byte{})
		Expect(err).To(Equal(sysbus.ErrNotFound))
	})
})
