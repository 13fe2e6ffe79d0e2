package icache_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/axp21264sim/icache"
	"github.com/sarchlab/axp21264sim/pc"
	"github.com/sarchlab/axp21264sim/tb"
)

var _ = Describe("Cache", func() {
	var c *icache.Cache

	BeforeEach(func() {
		c = icache.New(icache.Config{Sets: 16, ITBSize: 4})
	})

	Describe("the ITB warm path", func() {
		It("reports Miss on an ITB hit with a cold cache, then Hit after fill", func() {
			c.InsertITB(tb.NewEntry(0x1000, 0x1000, 0, 1, false))

			status, _, _ := c.Lookup(pc.New(0x1000, false), icache.EnableBoth, 1)
			Expect(status).To(Equal(icache.Miss))

			var words [icache.LineWords]uint32
			words[0], words[1], words[2], words[3] = 0x10, 0x11, 0x12, 0x13
			way := c.FillWay(pc.New(0x1000, false))
			c.Fill(pc.New(0x1000, false), way, words, [4]bool{true, true, true, true}, false)

			status, bundle, _ := c.Lookup(pc.New(0x1000, false), icache.EnableBoth, 1)
			Expect(status).To(Equal(icache.Hit))
			Expect(bundle.Words).To(Equal([4]uint32{0x10, 0x11, 0x12, 0x13}))
			Expect(bundle.NextLine).To(Equal(uint64(0)))
		})
	})

	It("reports WayMiss when the address is not mapped by any ITB entry", func() {
		status, _, _ := c.Lookup(pc.New(0xDEAD000, false), icache.EnableBoth, 1)
		Expect(status).To(Equal(icache.WayMiss))
	})

	It("invalidates cache lines tagged by an evicted ITB entry", func() {
		e := tb.NewEntry(0x1000, 0x1000, 0, 1, false)
		c.InsertITB(e)
		way := c.FillWay(pc.New(0x1000, false))
		var words [icache.LineWords]uint32
		c.Fill(pc.New(0x1000, false), way, words, [4]bool{true, true, true, true}, false)

		// Fill the remaining ITB slots then force the original entry out.
		for i := 0; i < 8; i++ {
			c.InsertITB(tb.NewEntry(uint64(i+2)<<20, uint64(i+2)<<20, 0, uint32(i+2), false))
		}

		status, _, _ := c.Lookup(pc.New(0x1000, false), icache.EnableBoth, 1)
		Expect(status).NotTo(Equal(icache.Hit))
	})
})
