// Package branchpred implements the tournament branch predictor of
// spec.md §4.1: a local (history-indexed) predictor and a global
// (path-indexed) predictor arbitrated by a choice predictor, with a
// control register that can force unconditional not-taken prediction
// or disable the tournament in favor of the local predictor alone.
package branchpred

// localHistoryBits is the width of each local history shift register
// entry (a 10-bit register of past outcomes for one PC).
const localHistoryBits = 10

// globalHistoryBits is the width of the global path history register.
const globalHistoryBits = 12

const (
	localHistoryMask = (1 << localHistoryBits) - 1
	globalPathMask   = (1 << globalHistoryBits) - 1
)

// Config holds branch predictor sizing.
type Config struct {
	// LocalHistoryTableSize is the number of PC-indexed history-register
	// slots. Must be a power of 2.
	LocalHistoryTableSize uint32
}

// DefaultConfig returns a representative predictor configuration.
func DefaultConfig() Config {
	return Config{LocalHistoryTableSize: 1024}
}

// Mode holds the two control bits read from BP_MODE: FallThrough
// forces an unconditional not-taken prediction; Choice enables the
// global/choice arbitration (when false the predictor always falls
// back to the local predictor alone).
type Mode struct {
	FallThrough bool
	Choice      bool
}

// Prediction is the result of a branch prediction.
type Prediction struct {
	// Taken is the predicted direction.
	Taken bool
	// Choice reports whether the choice counter selects the global
	// predictor. It is false when FallThrough is set or Choice mode is
	// off, and it is reported even when local and global agree.
	Choice bool
}

// Predictor is the tournament branch predictor: local history/counter
// tables, a global path history register, a global counter table, and
// a choice table that picks between them when they disagree.
type Predictor struct {
	mode Mode

	localHistory []uint16 // localHistoryTableSize entries, localHistoryBits wide
	localPred    []uint8  // 2^localHistoryBits entries, 3-bit saturating [0,7]

	globalPath uint16 // globalHistoryBits wide
	globalPred []uint8 // 2^globalHistoryBits entries, 2-bit saturating [0,3]
	choicePred []uint8 // 2^globalHistoryBits entries, 2-bit saturating [0,3]

	tableMask uint32
}

// New creates a tournament predictor with the given configuration.
func New(cfg Config) *Predictor {
	size := cfg.LocalHistoryTableSize
	if size == 0 {
		size = 1024
	}
	return &Predictor{
		localHistory: make([]uint16, size),
		localPred:    make([]uint8, 1<<localHistoryBits),
		globalPred:   make([]uint8, 1<<globalHistoryBits),
		choicePred:   make([]uint8, 1<<globalHistoryBits),
		tableMask:    size - 1,
	}
}

// SetMode sets the BP_MODE control bits.
func (p *Predictor) SetMode(m Mode) { p.mode = m }

func (p *Predictor) pcLow(addr uint64) uint32 {
	return uint32((addr >> 2)) & p.tableMask
}

// Predict predicts the direction of the branch at addr, per spec.md
// §4.1's tournament algorithm.
func (p *Predictor) Predict(addr uint64) Prediction {
	if p.mode.FallThrough {
		return Prediction{Taken: false, Choice: false}
	}

	h := p.localHistory[p.pcLow(addr)] & localHistoryMask
	lp := p.localPred[h]
	gp := p.globalPred[p.globalPath]
	ch := p.choicePred[p.globalPath]

	localTaken := lp >= 4
	globalTaken := gp >= 2
	chooseGlobal := ch >= 2

	if !p.mode.Choice {
		globalTaken = false
		chooseGlobal = false
	}

	if localTaken == globalTaken {
		return Prediction{Taken: localTaken, Choice: chooseGlobal}
	}
	if chooseGlobal {
		return Prediction{Taken: globalTaken, Choice: true}
	}
	return Prediction{Taken: localTaken, Choice: false}
}

// Update folds the actual outcome t of a retired branch at addr back
// into the predictor tables, per spec.md §4.1's update rule.
func (p *Predictor) Update(addr uint64, t bool) {
	idx := p.pcLow(addr)
	h := p.localHistory[idx] & localHistoryMask
	lp := p.localPred[h]
	gp := p.globalPred[p.globalPath]

	localTaken := lp >= 4
	globalTaken := gp >= 2

	if localTaken != globalTaken {
		if localTaken == t {
			p.choicePred[p.globalPath] = satDec(p.choicePred[p.globalPath])
		} else if globalTaken == t {
			p.choicePred[p.globalPath] = satInc(p.choicePred[p.globalPath], 3)
		}
	}

	p.localPred[h] = satNudge(lp, t, 7)
	p.globalPred[p.globalPath] = satNudge(gp, t, 3)

	p.localHistory[idx] = shiftIn(h, t, localHistoryMask)
	p.globalPath = shiftIn(p.globalPath, t, globalPathMask)
}

func satNudge(v uint8, taken bool, max uint8) uint8 {
	if taken {
		return satInc(v, max)
	}
	return satDec(v)
}

func satInc(v, max uint8) uint8 {
	if v < max {
		return v + 1
	}
	return v
}

func satDec(v uint8) uint8 {
	if v > 0 {
		return v - 1
	}
	return v
}

func shiftIn(reg uint16, bit bool, mask uint16) uint16 {
	reg <<= 1
	if bit {
		reg |= 1
	}
	return reg & mask
}
