// Package cpu wires the fetch/predict, translate/cache, decode/rename,
// issue, and memory stages into a single pipeline, running the fetch,
// memory, and system-interface stages each on their own goroutine.
// All stages share one coarse-grained mutex (see CPU); there is no
// separate per-stage, per-cache or per-TB lock. It also owns PAL
// dispatch, the fault taxonomy, and squash/recovery.
package cpu

import (
	"errors"
	"sync"

	"github.com/sarchlab/axp21264sim/branchpred"
	"github.com/sarchlab/axp21264sim/dcache"
	"github.com/sarchlab/axp21264sim/decode"
	"github.com/sarchlab/axp21264sim/icache"
	"github.com/sarchlab/axp21264sim/iqueue"
	"github.com/sarchlab/axp21264sim/pc"
	"github.com/sarchlab/axp21264sim/rename"
	"github.com/sarchlab/axp21264sim/rob"
	"github.com/sarchlab/axp21264sim/sysbus"
	"github.com/sarchlab/axp21264sim/tb"
)

// State is the top-level run state of the CPU.
type State int

// Run states.
const (
	Init State = iota
	Run
	Stall
	Halt
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Init:
		return "Init"
	case Run:
		return "Run"
	case Stall:
		return "Stall"
	default:
		return "Halt"
	}
}

// PAL dispatch offsets, one per architectural exception, matching the
// modelled processor's fixed PALcode entry-point table. DTBMissDouble
// is split into _3/_4 variants, discriminated by virtual bit 48.
// DFault is the offset for a data-side permission denial. No stage
// raises IACV: the instruction cache stores a line's permission bits
// but does not check them on lookup.
const (
	PALOffsetResetEntry      = 0x0000
	PALOffsetITBMiss         = 0x0100
	PALOffsetDTBMissSingle   = 0x0200
	PALOffsetDTBMissDouble3  = 0x0280
	PALOffsetDTBMissDouble4  = 0x0290
	PALOffsetDFault          = 0x02A0
	PALOffsetIACV            = 0x02B0
	PALOffsetUnalignedAccess = 0x0300
	PALOffsetArithmeticTrap  = 0x0400
	PALOffsetIllegalInstr    = 0x0500
	PALOffsetIntegerOverflow = 0x0580
	PALOffsetInterrupt       = 0x0600
	PALOffsetMachineCheck    = 0x0700
)

// faultOffset maps a data-cache fault code to its PAL dispatch offset.
func faultOffset(code dcache.FaultCode) uint32 {
	switch code {
	case dcache.FaultDTBMissSingle:
		return PALOffsetDTBMissSingle
	case dcache.FaultDTBMissDouble3:
		return PALOffsetDTBMissDouble3
	case dcache.FaultDTBMissDouble4:
		return PALOffsetDTBMissDouble4
	case dcache.FaultDFault:
		return PALOffsetDFault
	default:
		return PALOffsetMachineCheck
	}
}

// Exception is a typed architectural fault: the offset identifies
// which PAL entry point handles it, and PCAddr is the excepting
// instruction's PC, per spec.md §7's error taxonomy.
type Exception struct {
	Offset  uint32
	PCAddr  uint64
	PCPAL   bool
	Message string
}

// Error implements the error interface.
func (e *Exception) Error() string { return e.Message }

// ErrResourceExhausted names a construction-time resource-exhaustion
// failure. New does not return it: it clamps non-positive capacities
// to 1 instead.
var ErrResourceExhausted = errors.New("cpu: resource exhausted at construction")

// Config holds CPU sizing and wiring parameters.
type Config struct {
	VPCCapacity   int
	NumIntPhys    int
	NumFPPhys     int
	IQCapacity    int
	FQCapacity    int
	LSQCapacity   int
	ROBCapacity   int
	BusDepth      int
	Icache        icache.Config
	Dcache        dcache.Config
	BranchPredict branchpred.Config

	// Mode is the privilege mode memory accesses translate under.
	Mode tb.Mode
	// ASN is the address-space number used for TB lookups.
	ASN uint32
	// SuperpageEnable toggles the kernel superpage translation fast
	// path, per spec.md §4.5.
	SuperpageEnable bool
}

// DefaultConfig returns a representative CPU configuration.
func DefaultConfig() Config {
	return Config{
		VPCCapacity:   32,
		NumIntPhys:    80,
		NumFPPhys:     72,
		IQCapacity:    20,
		FQCapacity:    15,
		LSQCapacity:   32,
		ROBCapacity:   80,
		BusDepth:      8,
		Icache:        icache.DefaultConfig(),
		Dcache:        dcache.DefaultConfig(),
		BranchPredict: branchpred.DefaultConfig(),
		Mode:          tb.Kernel,
	}
}

// Memory is the backing store behind the data cache.
type Memory interface {
	Read(addr uint64, size int) []byte
	Write(addr uint64, data []byte)
}

// CPU is the top-level pipeline. mu is the single coarse-grained lock
// guarding every field below: the strict lock order spec.md §5 calls
// for collapses here to one level, since every stage ultimately
// touches shared rename/ROB/queue state on nearly every cycle and a
// finer-grained lock set would buy negligible extra parallelism at
// real hardware-model (not wall-clock) scale.
type CPU struct {
	mu sync.Mutex

	cfg   Config
	state State

	mode tb.Mode
	asn  uint32

	vpc     *pc.List
	predict *branchpred.Predictor
	ic      *icache.Cache
	dec     *decode.Decoder

	intMap *rename.Table
	fpMap  *rename.Table

	iq  *iqueue.Queue
	fq  *iqueue.Queue
	lsq *iqueue.LSQ

	reorder *rob.Buffer
	dc      *dcache.Cache
	bus     *sysbus.Bus
	mem     Memory

	// fillVA remembers the virtual address a data-cache fill request
	// was issued for, keyed by the bus entry id that carries its
	// physical address, so the system stage can Add the filled line
	// under the same virtual index the load/store that missed used.
	fillVA map[uint64]uint64

	stopCh chan struct{}
	wg     sync.WaitGroup

	lastException *Exception
}

// New constructs a CPU from cfg, wiring every stage together. It
// never itself returns a resource-exhaustion error: configs with a
// non-positive capacity fall back to a minimum of 1, since spec.md §7
// treats exhaustion as a constructor-time fatal condition the caller
// must avoid by configuring sane capacities, not a runtime error this
// constructor recovers from.
func New(cfg Config, mem Memory) *CPU {
	c := &CPU{
		cfg:     cfg,
		state:   Init,
		mode:    cfg.Mode,
		asn:     cfg.ASN,
		vpc:     pc.NewList(atLeast(cfg.VPCCapacity)),
		predict: branchpred.New(cfg.BranchPredict),
		ic:      icache.New(cfg.Icache),
		dec:     decode.New(),
		intMap:  rename.New(atLeast(cfg.NumIntPhys)),
		fpMap:   rename.New(atLeast(cfg.NumFPPhys)),
		iq:      iqueue.New(atLeast(cfg.IQCapacity)),
		fq:      iqueue.New(atLeast(cfg.FQCapacity)),
		lsq:     iqueue.NewLSQ(atLeast(cfg.LSQCapacity)),
		reorder: rob.New(atLeast(cfg.ROBCapacity)),
		dc:      dcache.New(cfg.Dcache, mem),
		bus:     sysbus.New(atLeast(cfg.BusDepth)),
		mem:     mem,
		fillVA:  make(map[uint64]uint64),
		stopCh:  make(chan struct{}),
	}
	c.dc.SetSuperpageEnable(cfg.SuperpageEnable)
	return c
}

func atLeast(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

// State returns the CPU's current run state.
func (c *CPU) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start launches the fetch, memory, and system-interface stage
// goroutines. Calling Start twice without an intervening Stop is a
// programming error.
func (c *CPU) Start() {
	c.mu.Lock()
	c.state = Run
	c.mu.Unlock()

	c.wg.Add(3)
	go c.fetchLoop()
	go c.memoryLoop()
	go c.systemLoop()
}

// Stop signals every stage goroutine to exit and waits for them to do so.
func (c *CPU) Stop() {
	close(c.stopCh)
	c.wg.Wait()

	c.mu.Lock()
	c.state = Halt
	c.mu.Unlock()
}

func (c *CPU) fetchLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}
		c.mu.Lock()
		if c.state != Run {
			c.mu.Unlock()
			continue
		}
		c.fetchOnce()
		c.mu.Unlock()
	}
}

func (c *CPU) memoryLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}
		c.mu.Lock()
		if c.state != Run {
			c.mu.Unlock()
			continue
		}
		c.memoryOnce()
		c.mu.Unlock()
	}
}

func (c *CPU) systemLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}
		c.mu.Lock()
		if c.state != Run {
			c.mu.Unlock()
			continue
		}
		c.systemOnce()
		c.mu.Unlock()
	}
}

// fetchOnce advances fetch/predict/translate by one bundle, called
// with mu held. On a hit it decodes and dispatches every word in the
// bundle (C1->C2->C3->C4) and redirects the VPC either to a predicted
// branch target or to the cache's own next-line/next-set prediction.
func (c *CPU) fetchOnce() {
	next, ok := c.vpc.Peek()
	if !ok {
		return
	}

	status, bundle, _ := c.ic.Lookup(next, icache.EnableBoth, c.asn)
	switch status {
	case icache.Hit:
		c.vpc.Pop()
		c.dispatchBundle(next, bundle)
	case icache.Miss:
		// Request a fill and leave this PC at the head of the VPC list,
		// so the lookup (and the request) repeats on later cycles. The
		// system stage does not install instruction lines; the line
		// becomes resident only through Icache().Fill.
		c.requestInstrFill(next.Addr())
	case icache.WayMiss:
		c.raiseFault(PALOffsetITBMiss, next)
	}
}

// dispatchBundle decodes and dispatches every word fetched at base,
// then redirects the VPC. A taken branch (per the branch predictor)
// redirects to its computed target and discards the rest of the
// bundle, matching a real fetch unit's squash-on-redirect behavior; a
// bundle with no taken branch continues to the cache's own predicted
// next line.
func (c *CPU) dispatchBundle(base pc.PC, bundle icache.Bundle) {
	for i, word := range bundle.Words {
		inst, err := c.dec.Decode(word)
		if err != nil {
			continue
		}

		if _, derr := c.dispatchLocked(inst); derr != nil {
			// Resource exhaustion (ROB/rename) stalls fetch: requeue
			// this PC so the bundle is retried once room frees up.
			c.vpc.Push(base)
			return
		}

		if inst.Format != decode.Branch && inst.Format != decode.FPBranch {
			continue
		}
		instPC := base.Addr() + uint64(i*4)
		if pred := c.predict.Predict(instPC); pred.Taken {
			target := uint64(int64(instPC) + 4 + int64(inst.Disp)*4)
			c.vpc.Reset()
			c.vpc.Push(pc.New(target, base.PAL()))
			return
		}
	}

	c.vpc.Push(pc.New(bundle.NextAddr, base.PAL()))
}

func (c *CPU) requestInstrFill(addr uint64) {
	_, _ = c.bus.Enqueue(sysbus.CommandFetch, addr, 0xFF, false)
}

// requestDataFill enqueues a data-cache fill request for pa, carrying
// along the virtual address the miss was serviced under so the system
// stage can Add the filled line at the matching candidate index.
func (c *CPU) requestDataFill(va, pa uint64) {
	id, err := c.bus.Enqueue(sysbus.CommandRead, pa, 0xFF, false)
	if err != nil {
		// The bus is saturated; the memory stage retries this address
		// on a later cycle.
		return
	}
	c.fillVA[id] = va
}

// byteMaskSize reports the access width implied by a byte mask,
// defaulting to a full quadword when the mask is unset.
func byteMaskSize(mask uint8) int {
	n := 0
	for m := mask; m != 0; m >>= 1 {
		n += int(m & 1)
	}
	if n == 0 {
		return 8
	}
	return n
}

// memoryOnce drives the oldest not-yet-satisfied load/store queue
// entry through address translation and the data cache, per spec.md
// §4.5/§5: a hit satisfies the entry directly; a miss requests a fill
// from the system interface; a translation fault raises the
// corresponding architectural exception and stalls the pipeline for
// recovery. Entries without a computed address yet (no execute stage
// is modelled) are left for a later cycle.
func (c *CPU) memoryOnce() {
	entry, slot, ok := c.lsq.OldestPending()
	if !ok || !entry.AddrValid {
		return
	}

	size := byteMaskSize(entry.ByteMask)

	if entry.IsStore {
		hit, pa, fault := c.dc.Store(false, c.mode, entry.Addr, c.asn, size, entry.Data)
		if fault.Code != dcache.FaultNone {
			c.serviceFault(fault, entry.Addr)
			return
		}
		if !hit {
			c.requestDataFill(entry.Addr, pa)
			return
		}
		entry.Satisfied = true
		_ = c.lsq.Set(slot, entry)
		return
	}

	result, fault := c.dc.Fetch(false, c.mode, entry.Addr, c.asn, size)
	if fault.Code != dcache.FaultNone {
		c.serviceFault(fault, entry.Addr)
		return
	}
	if !result.Hit {
		c.requestDataFill(entry.Addr, result.PA)
		return
	}
	entry.Data = result.Data
	entry.Satisfied = true
	_ = c.lsq.Set(slot, entry)
}

// systemOnce services the head system-bus request: if it has already
// been completed out of order (the response to a younger request
// arrived first), it drains it and installs its data now that it has
// become the head; otherwise it reads it from the backing store and
// completes it. Completing the head request pops it from the bus
// immediately (sysbus.Bus.Complete's own behavior), so the install
// step always works from a locally captured copy of the request
// rather than re-reading Front after completing it.
func (c *CPU) systemOnce() {
	front, ok := c.bus.Front()
	if !ok {
		return
	}

	if front.CacheHit {
		req, _ := c.bus.Drain()
		c.installFill(req, c.mem.Read(req.PhysAddr, dcache.BlockBytes))
		return
	}

	data := c.mem.Read(front.PhysAddr, dcache.BlockBytes)
	var payload [8]byte
	copy(payload[:], data)
	_ = c.bus.Complete(sysbus.ProbeResponse{MissEntryID: front.EntryID, Status: sysbus.ProbeOK}, payload)
	c.installFill(front, data)
}

// installFill writes a serviced read/read-modify request's data into
// the data cache, recovering the original virtual address from the
// fillVA side table; an instruction-fetch fill has no data-cache line
// to install and is left to the fetch stage's own retry.
func (c *CPU) installFill(req sysbus.Request, data []byte) {
	if req.Command != sysbus.CommandRead && req.Command != sysbus.CommandReadModify {
		return
	}
	va, known := c.fillVA[req.EntryID]
	delete(c.fillVA, req.EntryID)
	if !known {
		return
	}
	block := make([]byte, dcache.BlockBytes)
	copy(block, data)
	c.dc.Add(va, req.PhysAddr, block)
}

// raiseFault records an architectural exception and drops the CPU
// into Stall so the caller can drive PAL dispatch; it does not itself
// jump to PAL code, since the modelled fetch/decode split means the
// caller (not this package) owns where control resumes.
func (c *CPU) raiseFault(offset uint32, at pc.PC) {
	c.lastException = &Exception{Offset: offset, PCAddr: at.Addr(), PCPAL: at.PAL()}
	c.state = Stall
}

// serviceFault raises the architectural exception corresponding to a
// data-cache translation fault.
func (c *CPU) serviceFault(fault dcache.Fault, addr uint64) {
	c.lastException = &Exception{Offset: faultOffset(fault.Code), PCAddr: addr}
	c.state = Stall
}

// LastException returns the most recently raised exception, if any.
func (c *CPU) LastException() *Exception {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastException
}

// Dispatch renames a decoded instruction's register roles, assigns it
// a reorder-buffer slot, and enqueues it onto its issue queue (and the
// load/store queue, for a memory op). It is exported for direct tests
// and for callers outside the fetch loop that decode instructions of
// their own.
func (c *CPU) Dispatch(inst *decode.Instruction) (slot int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dispatchLocked(inst)
}

// dispatchLocked is Dispatch's body, callable by fetchOnce without
// re-acquiring mu (already held by the calling stage loop).
func (c *CPU) dispatchLocked(inst *decode.Instruction) (slot int, err error) {
	entry := rob.Entry{SeqID: inst.ID}
	isFP := inst.Roles.Dest.IsFP()
	entry.IsFP = isFP

	if inst.Roles.Dest != decode.SlotNone {
		table := c.intMap
		if isFP {
			table = c.fpMap
		}
		arch := decode.SlotReg(inst, inst.Roles.Dest)
		newPhys, releaseOnRetire, rerr := table.Rename(arch)
		if rerr != nil {
			return 0, rerr
		}
		entry.ArchDest = arch
		entry.PhysDest = newPhys
		entry.HasDest = true
		entry.PrevPhys = releaseOnRetire
	}

	slot, err = c.reorder.Push(entry)
	if err != nil {
		return 0, err
	}

	c.enqueueIssue(inst, entry)
	return slot, nil
}

// enqueueIssue resolves a decoded instruction's source operands to
// their current physical registers and pushes it onto the integer or
// floating-point issue queue per spec.md §4.3's queue-selection rule,
// plus the load/store queue for a real memory opcode (MISC's
// barrier/prefetch forms carry no address/data and are excluded).
func (c *CPU) enqueueIssue(inst *decode.Instruction, entry rob.Entry) {
	qe := iqueue.Entry{SeqID: inst.ID}
	if entry.HasDest {
		qe.DestPhys = entry.PhysDest
		qe.HasDest = true
	}

	if inst.Roles.Src1 != decode.SlotNone {
		qe.Src1Phys, qe.Src1Ready = c.sourceOperand(inst, inst.Roles.Src1)
	} else {
		qe.Src1Ready = true
	}
	if inst.Roles.Src2 != decode.SlotNone {
		qe.Src2Phys, qe.Src2Ready = c.sourceOperand(inst, inst.Roles.Src2)
		qe.HasSrc2 = true
	}

	switch inst.Queue {
	case decode.QueueInt:
		_, _ = c.iq.Push(qe)
	case decode.QueueFP:
		_, _ = c.fq.Push(qe)
	}

	if inst.Format == decode.Memory && inst.Opcode != decode.OpMISC {
		isStore := inst.Opcode == decode.OpSTQU || inst.Opcode == decode.OpSTQ || inst.Opcode == decode.OpHWST
		_, _ = c.lsq.Push(iqueue.LSEntry{SeqID: inst.ID, IsStore: isStore})
	}
}

// sourceOperand resolves a decoded source slot to its current physical
// register and readiness. A register whose producer is still Pending
// hasn't broadcast its result yet; WaitingRetire/Retired both mean the
// value already exists.
func (c *CPU) sourceOperand(inst *decode.Instruction, slot decode.Slot) (phys uint8, ready bool) {
	table := c.intMap
	if slot.IsFP() {
		table = c.fpMap
	}
	arch := decode.SlotReg(inst, slot)
	phys = table.Current(arch)
	ready = table.State(arch) != rename.Pending
	return phys, ready
}

// Retire pops the oldest reorder-buffer entry if it has completed,
// releasing its predecessor's physical register back to the
// appropriate free list. It reports whether an entry retired and
// whether that entry carried an exception the caller must service
// before continuing.
func (c *CPU) Retire() (retired bool, excepted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.reorder.Retire()
	if !ok {
		return false, false
	}

	if e.HasDest {
		table := c.intMap
		if e.IsFP {
			table = c.fpMap
		}
		table.Release(e.ArchDest, e.PrevPhys)
	}
	return true, e.Excepted
}

// Squash discards every in-flight instruction from (and including)
// the given reorder-buffer slot, restoring each squashed entry's
// rename mapping to its pre-rename physical register. Used to recover
// from a branch misprediction or a fault partway through the
// in-flight window.
func (c *CPU) Squash(fromSlot int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed, err := c.reorder.SquashFrom(fromSlot)
	if err != nil {
		return err
	}
	for _, e := range removed {
		if e.HasDest {
			table := c.intMap
			if e.IsFP {
				table = c.fpMap
			}
			table.Squash(e.ArchDest, e.PrevPhys)
		}
	}
	return nil
}

// Icache exposes the instruction cache/ITB for test setup and PAL
// invalidation handlers.
func (c *CPU) Icache() *icache.Cache { return c.ic }

// Dcache exposes the data cache/DTB for test setup and PAL
// invalidation handlers.
func (c *CPU) Dcache() *dcache.Cache { return c.dc }

// VPC exposes the pending-fetch PC ring.
func (c *CPU) VPC() *pc.List { return c.vpc }

// Bus exposes the system interface.
func (c *CPU) Bus() *sysbus.Bus { return c.bus }

// IntMap exposes the integer rename table.
func (c *CPU) IntMap() *rename.Table { return c.intMap }

// FPMap exposes the floating-point rename table.
func (c *CPU) FPMap() *rename.Table { return c.fpMap }

// ROB exposes the reorder buffer.
func (c *CPU) ROB() *rob.Buffer { return c.reorder }

// LSQ exposes the load/store queue, for tests driving the memory
// stage directly with a pre-computed address.
func (c *CPU) LSQ() *iqueue.LSQ { return c.lsq }

// IQ exposes the integer issue queue.
func (c *CPU) IQ() *iqueue.Queue { return c.iq }

// FQ exposes the floating-point issue queue.
func (c *CPU) FQ() *iqueue.Queue { return c.fq }

// StepFetch runs one fetch-stage cycle directly, without starting the
// stage goroutines. Exposed for tests driving the pipeline cycle by
// cycle.
func (c *CPU) StepFetch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetchOnce()
}

// StepMemory runs one memory-stage cycle directly. Exposed for tests
// driving the pipeline cycle by cycle.
func (c *CPU) StepMemory() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.memoryOnce()
}

// StepSystem runs one system-interface-stage cycle directly. Exposed
// for tests driving the pipeline cycle by cycle.
func (c *CPU) StepSystem() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.systemOnce()
}

// Mode returns the privilege mode memory accesses currently translate under.
func (c *CPU) Mode() tb.Mode { return c.mode }

// SetMode changes the privilege mode memory accesses currently translate under.
func (c *CPU) SetMode(m tb.Mode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mode = m
}
