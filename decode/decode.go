// Package decode classifies raw instruction words into a tagged
// format, resolves which register slots are sources versus
// destination, and routes each decoded instruction to the integer or
// floating-point issue queue, per spec.md §4.3.
package decode

import "fmt"

// Format tags the instruction's encoding shape.
type Format int

// Recognized instruction formats.
const (
	PALCall Format = iota
	Memory
	Branch
	FPBranch
	FPOp
	IntegerOp
	Reserved
)

// String implements fmt.Stringer.
func (f Format) String() string {
	switch f {
	case PALCall:
		return "PAL-call"
	case Memory:
		return "Memory"
	case Branch:
		return "Branch"
	case FPBranch:
		return "FP-branch"
	case FPOp:
		return "FP-op"
	case IntegerOp:
		return "Integer-op"
	default:
		return "Reserved"
	}
}

// Queue identifies which issue queue a decoded instruction routes to.
type Queue int

// Queue targets.
const (
	QueueNone Queue = iota
	QueueInt
	QueueFP
)

// Slot names one of the six register fields an instruction format can
// reference: three integer (Ra/Rb/Rc) and three floating-point
// (Fa/Fb/Fc). SlotNone marks an unused role.
type Slot int

// Register slots.
const (
	SlotNone Slot = iota
	Ra
	Rb
	Rc
	Fa
	Fb
	Fc
)

// IsFP reports whether the slot belongs to the floating-point register file.
func (s Slot) IsFP() bool { return s == Fa || s == Fb || s == Fc }

// Roles names which decoded register field (if any) is the
// destination and which are the two source operands.
type Roles struct {
	Dest Slot
	Src1 Slot
	Src2 Slot
}

// Opcodes named by spec.md §4.3. This is a representative subset of
// the modelled processor's opcode space, sufficient to exercise every
// format, every function-code-dependent role resolver, and the
// queue-routing table; it is not the full opcode map (the spec
// excludes the per-opcode arithmetic/FP semantics table from the
// core, §1).
const (
	OpPAL  uint8 = 0x00
	OpLDA  uint8 = 0x08
	OpLDAH uint8 = 0x09
	OpLDQU uint8 = 0x0B
	OpSTQU uint8 = 0x0F
	OpINTA uint8 = 0x10
	OpINTL uint8 = 0x11
	OpINTS uint8 = 0x12
	OpINTM uint8 = 0x13
	OpITFP uint8 = 0x14
	OpFLTV uint8 = 0x15
	OpFLTI uint8 = 0x16
	OpFLTL uint8 = 0x17
	OpMISC uint8 = 0x18
	OpJSR  uint8 = 0x1A
	OpFPTI uint8 = 0x1C
	OpHWLD uint8 = 0x1E
	OpHWST uint8 = 0x1F
	OpLDF  uint8 = 0x20
	OpLDQ  uint8 = 0x29
	OpSTQ  uint8 = 0x2D
	OpBR   uint8 = 0x30
	OpFBEQ uint8 = 0x31
	OpBEQ  uint8 = 0x39
	OpBNE  uint8 = 0x3D
)

var formatTable = map[uint8]Format{
	OpPAL:  PALCall,
	OpLDA:  Memory,
	OpLDAH: Memory,
	OpLDQU: Memory,
	OpSTQU: Memory,
	OpHWLD: Memory,
	OpHWST: Memory,
	OpLDF:  Memory,
	OpLDQ:  Memory,
	OpSTQ:  Memory,
	OpJSR:  Branch,
	OpBR:   Branch,
	OpBEQ:  Branch,
	OpBNE:  Branch,
	OpFBEQ: FPBranch,
	OpINTA: IntegerOp,
	OpINTL: IntegerOp,
	OpINTS: IntegerOp,
	OpINTM: IntegerOp,
	OpITFP: FPOp,
	OpFLTV: FPOp,
	OpFLTI: FPOp,
	OpFLTL: FPOp,
	OpMISC: Memory,
	OpFPTI: FPOp,
}

func formatFor(opcode uint8) Format {
	if f, ok := formatTable[opcode]; ok {
		return f
	}
	return Reserved
}

// constantRoles holds the fixed {dest,src1,src2} mask for opcodes
// whose register roles don't depend on the function code.
var constantRoles = map[uint8]Roles{
	OpLDA:  {Dest: Ra, Src1: Rb},
	OpLDAH: {Dest: Ra, Src1: Rb},
	OpLDQU: {Dest: Ra, Src1: Rb},
	OpSTQU: {Src1: Ra, Src2: Rb},
	OpHWLD: {Dest: Ra, Src1: Rb},
	OpHWST: {Src1: Ra, Src2: Rb},
	OpLDF:  {Dest: Fa, Src1: Rb},
	OpLDQ:  {Dest: Ra, Src1: Rb},
	OpSTQ:  {Src1: Ra, Src2: Rb},
	OpINTA: {Dest: Rc, Src1: Ra, Src2: Rb},
	OpINTS: {Dest: Rc, Src1: Ra, Src2: Rb},
	OpINTM: {Dest: Rc, Src1: Ra, Src2: Rb},
	OpJSR:  {Dest: Ra, Src1: Rb},
	OpBR:   {Dest: Ra},
	OpBEQ:  {Src1: Ra},
	OpBNE:  {Src1: Ra},
	OpFBEQ: {Src1: Fa},
}

// roleResolver computes register roles for an opcode whose roles
// depend on the instruction's function code.
type roleResolver func(function uint16) Roles

var roleResolvers = map[uint8]roleResolver{
	OpINTL: resolveINTL,
	OpITFP: resolveITFP,
	OpFLTV: resolveFLTVI,
	OpFLTI: resolveFLTVI,
	OpFLTL: resolveFLTL,
	OpMISC: resolveMISC,
	OpFPTI: resolveFPTI,
}

// resolveINTL resolves register roles for the INTL opcode (0x11),
// one of the six function-code-dependent resolvers named in spec.md
// §4.3. Function bit 3 only selects the "logic" vs "operate" subtype
// (see intlSubtype); both forms read Ra and Rb and write Rc.
func resolveINTL(function uint16) Roles {
	if function&0x8 != 0 {
		return Roles{Dest: Rc, Src1: Ra, Src2: Rb}
	}
	return Roles{Dest: Rc, Src1: Ra, Src2: Rb}
}

// intlSubtype reports whether an INTL instruction is an "operate" or
// "logic" sub-op, per spec.md §4.3's operation-type refinement.
func intlSubtype(function uint16) string {
	if function&0x8 != 0 {
		return "logic"
	}
	return "operate"
}

// resolveITFP resolves register roles for ITFP (0x14): integer-to-FP
// moves and conversions read an integer source and write an FP dest.
func resolveITFP(function uint16) Roles {
	return Roles{Dest: Fc, Src1: Ra}
}

// resolveFLTVI resolves register roles shared by FLTV/FLTI (0x15/0x16).
func resolveFLTVI(function uint16) Roles {
	return Roles{Dest: Fc, Src1: Fa, Src2: Fb}
}

// fltiSubtype reports whether an FLTI instruction is "arith" or
// "logic", per spec.md §4.3.
func fltiSubtype(function uint16) string {
	if function&0x40 != 0 {
		return "logic"
	}
	return "arith"
}

// resolveFLTL resolves register roles for FLTL (0x17): FP register
// moves and copy-sign style ops.
func resolveFLTL(function uint16) Roles {
	return Roles{Dest: Fc, Src1: Fa, Src2: Fb}
}

// resolveMISC resolves register roles for MISC (0x18): most are
// load-like (no write-back register beyond a barrier) but some are
// store-like (source-only), distinguished by the function code.
func resolveMISC(function uint16) Roles {
	if miscSubtype(function) == "store-like" {
		return Roles{Src1: Ra, Src2: Rb}
	}
	return Roles{Src1: Rb}
}

// miscSubtype reports whether a MISC instruction is "load-like" or
// "store-like", per spec.md §4.3.
func miscSubtype(function uint16) string {
	if function&0x400 != 0 {
		return "store-like"
	}
	return "load-like"
}

// resolveFPTI resolves register roles for FPTI (0x1C): integer
// operate/logic plus FP-to-integer conversions, discriminated by
// function-code bit 7 (0x80).
func resolveFPTI(function uint16) Roles {
	if function&0x80 != 0 {
		return Roles{Dest: Rc, Src1: Fa}
	}
	return Roles{Dest: Rc, Src1: Ra, Src2: Rb}
}

// Instruction is a decoded instruction plus queue-routing bookkeeping.
type Instruction struct {
	// ID is a unique, monotonically increasing decode sequence number.
	ID uint64

	Format  Format
	Opcode  uint8
	Func    uint16
	Subtype string

	Ra, Rb, Rc uint8
	Disp       int32
	Hint       uint16

	Roles Roles
	Queue Queue
}

// Decoder turns raw instruction words into decoded entries, assigning
// each a unique monotonically increasing id.
type Decoder struct {
	nextID uint64
}

// New creates a decoder.
func New() *Decoder { return &Decoder{} }

// Decode decodes one raw 32-bit instruction word.
func (d *Decoder) Decode(word uint32) (*Instruction, error) {
	opcode := uint8(word >> 26)
	ra := uint8((word >> 21) & 0x1F)
	rb := uint8((word >> 16) & 0x1F)
	rc := uint8(word & 0x1F)
	function := uint16((word >> 5) & 0x7FF)
	disp16 := int32(int16(word & 0xFFFF))
	disp21 := signExtend21(word & 0x1FFFFF)

	inst := &Instruction{
		ID:     d.nextID,
		Opcode: opcode,
		Ra:     ra,
		Rb:     rb,
		Rc:     rc,
		Func:   function,
	}
	d.nextID++

	inst.Format = formatFor(opcode)

	switch inst.Format {
	case Memory:
		inst.Disp = disp16
	case Branch, FPBranch:
		inst.Disp = disp21
	case PALCall:
		inst.Func = uint16(word & 0x3FFFFFF)
	}

	if resolver, ok := roleResolvers[opcode]; ok {
		inst.Roles = resolver(function)
	} else if roles, ok := constantRoles[opcode]; ok {
		inst.Roles = roles
	}

	inst.Subtype = subtypeFor(opcode, function)
	inst.Queue = queueFor(inst)

	if inst.Roles.Dest != SlotNone && slotReg(inst, inst.Roles.Dest) == 31 {
		inst.Roles.Dest = SlotNone
	}

	return inst, nil
}

func subtypeFor(opcode uint8, function uint16) string {
	switch opcode {
	case OpINTL:
		return intlSubtype(function)
	case OpFLTI:
		return fltiSubtype(function)
	case OpMISC:
		return miscSubtype(function)
	default:
		return ""
	}
}

// queueTable maps an opcode to the issue queue it unconditionally
// routes to; opcodes absent from this table route conditionally (see
// queueFor) or not at all (PAL calls and unrecognized opcodes).
var queueTable = map[uint8]Queue{
	OpLDA:  QueueInt,
	OpLDAH: QueueInt,
	OpLDQU: QueueInt,
	OpSTQU: QueueInt,
	OpHWLD: QueueInt,
	OpHWST: QueueInt,
	OpLDQ:  QueueInt,
	OpSTQ:  QueueInt,
	OpINTA: QueueInt,
	OpINTL: QueueInt,
	OpINTS: QueueInt,
	OpINTM: QueueInt,
	OpLDF:  QueueFP,
	OpFLTV: QueueFP,
	OpFLTI: QueueFP,
	OpFLTL: QueueFP,
	OpBR:   QueueInt,
	OpBEQ:  QueueInt,
	OpBNE:  QueueInt,
	OpFBEQ: QueueFP,
	OpJSR:  QueueInt,
	OpMISC: QueueInt,
}

// queueFor resolves the issue queue for a decoded instruction. ITFP
// (integer-to-FP) and FPTI (FP-to-integer) are the "conditional"
// opcodes of spec.md §4.3: an ITFP move routes to IQ if it reads an
// integer source, an FPTI move routes to FQ if it reads an FP source.
func queueFor(inst *Instruction) Queue {
	if q, ok := queueTable[inst.Opcode]; ok {
		return q
	}
	switch inst.Opcode {
	case OpITFP:
		if inst.Roles.Src1 == Ra || inst.Roles.Src2 == Rb {
			return QueueInt
		}
		return QueueFP
	case OpFPTI:
		if inst.Roles.Src1.IsFP() || inst.Roles.Src2.IsFP() {
			return QueueFP
		}
		return QueueInt
	default:
		return QueueNone
	}
}

func slotReg(inst *Instruction, s Slot) uint8 {
	switch s {
	case Ra, Fa:
		return inst.Ra
	case Rb, Fb:
		return inst.Rb
	case Rc, Fc:
		return inst.Rc
	default:
		return 0
	}
}

// SlotReg returns the raw register number an instruction's decoded
// slot refers to (Ra/Fa share the Ra field, and so on).
func SlotReg(inst *Instruction, s Slot) uint8 { return slotReg(inst, s) }

func signExtend21(v uint32) int32 {
	v &= 0x1FFFFF
	if v&0x100000 != 0 {
		return int32(v | 0xFFE00000)
	}
	return int32(v)
}

// String implements fmt.Stringer for debug/trace output, matching the
// teacher's habit of giving decoded entries a compact trace form.
func (i *Instruction) String() string {
	return fmt.Sprintf("#%d %s op=0x%02X func=0x%03X ra=%d rb=%d rc=%d",
		i.ID, i.Format, i.Opcode, i.Func, i.Ra, i.Rb, i.Rc)
}
