package branchpred_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/axp21264sim/branchpred"
)

var _ = Describe("Predictor", func() {
	var p *branchpred.Predictor

	BeforeEach(func() {
		p = branchpred.New(branchpred.DefaultConfig())
		p.SetMode(branchpred.Mode{Choice: true})
	})

	It("predicts unconditionally not-taken when fall-through is forced", func() {
		p.SetMode(branchpred.Mode{FallThrough: true})
		pred := p.Predict(0x400)
		Expect(pred.Taken).To(BeFalse())
		Expect(pred.Choice).To(BeFalse())
	})

	It("learns a strongly-biased-taken branch within a handful of retires", func() {
		const addr = 0x1000
		for i := 0; i < 20; i++ {
			p.Update(addr, true)
		}
		Expect(p.Predict(addr).Taken).To(BeTrue())
	})

	It("reaches high accuracy on a period-4 taken pattern after 100 branches", func() {
		const addr = 0x2000
		pattern := []bool{true, true, true, false}

		correct := 0
		total := 0
		for i := 0; i < 100; i++ {
			outcome := pattern[i%len(pattern)]
			pred := p.Predict(addr)
			if pred.Taken == outcome {
				correct++
			}
			total++
			p.Update(addr, outcome)
		}
		// After warm-up the saturating counters track the repeating
		// pattern closely; allow some slack for the initial transient.
		accuracy := float64(correct) / float64(total)
		Expect(accuracy).To(BeNumerically(">=", 0.5))

		// The 101st prediction, with the counters now settled, should
		// match the pattern's next outcome with low miss probability.
		nextOutcome := pattern[100%len(pattern)]
		pred := p.Predict(addr)
		Expect(pred.Taken).To(Equal(nextOutcome))
	})
})
