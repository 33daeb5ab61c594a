// Completion: 100% - Instruction model and backend interface complete
package main

// insn.go - Architecture-neutral instruction model
//
// The rewrite engine never inspects raw encodings outside the two backends.
// An Instruction is the decoded, rewritable form: a kind, the original bytes,
// and the few resolved facts the passes need (branch target, condition code,
// PC-relative memory target). Everything else is reached through annotations.

// InsnKind classifies an instruction for control-flow purposes
type InsnKind int

const (
	KindOther InsnKind = iota
	KindBranch         // direct unconditional jump
	KindCondBranch     // direct conditional jump
	KindIndirectBranch // jump through register or memory
	KindCall           // direct call
	KindIndirectCall   // call through register or memory
	KindTailCall       // jump that leaves the function
	KindReturn
	KindNoop
	KindPrefix      // standalone prefix byte (x86)
	KindUnreachable // ud2 / brk
	KindCFIPseudo   // position marker for a frame instruction
)

func (k InsnKind) String() string {
	switch k {
	case KindBranch:
		return "branch"
	case KindCondBranch:
		return "cond-branch"
	case KindIndirectBranch:
		return "indirect-branch"
	case KindCall:
		return "call"
	case KindIndirectCall:
		return "indirect-call"
	case KindTailCall:
		return "tail-call"
	case KindReturn:
		return "return"
	case KindNoop:
		return "noop"
	case KindPrefix:
		return "prefix"
	case KindUnreachable:
		return "unreachable"
	case KindCFIPseudo:
		return "cfi"
	default:
		return "other"
	}
}

// CondCode is an architecture-neutral branch condition
type CondCode int

const (
	CondInvalid CondCode = iota
	CondEqual
	CondNotEqual
	CondLess
	CondLessOrEqual
	CondGreater
	CondGreaterOrEqual
	CondBelow
	CondBelowOrEqual
	CondAbove
	CondAboveOrEqual
	CondSign
	CondNotSign
	CondOverflow
	CondNotOverflow
	CondParity
	CondNotParity
)

// ReverseCond returns the logical negation of a condition code
func ReverseCond(cc CondCode) CondCode {
	switch cc {
	case CondEqual:
		return CondNotEqual
	case CondNotEqual:
		return CondEqual
	case CondLess:
		return CondGreaterOrEqual
	case CondGreaterOrEqual:
		return CondLess
	case CondLessOrEqual:
		return CondGreater
	case CondGreater:
		return CondLessOrEqual
	case CondBelow:
		return CondAboveOrEqual
	case CondAboveOrEqual:
		return CondBelow
	case CondBelowOrEqual:
		return CondAbove
	case CondAbove:
		return CondBelowOrEqual
	case CondSign:
		return CondNotSign
	case CondNotSign:
		return CondSign
	case CondOverflow:
		return CondNotOverflow
	case CondNotOverflow:
		return CondOverflow
	case CondParity:
		return CondNotParity
	case CondNotParity:
		return CondParity
	default:
		return CondInvalid
	}
}

// Instruction is one decoded machine instruction (or a CFI pseudo)
type Instruction struct {
	Kind     InsnKind
	Offset   uint64 // input offset within the owning function
	InputPC  uint64 // absolute input address, 0 for synthesized instructions
	Size     int    // encoded size in bytes
	Bytes    []byte // original encoding; nil for synthesized instructions
	Mnemonic string

	// Branch/call facts
	Cond       CondCode
	Target     *Symbol // resolved target label or function symbol
	TargetAddr uint64  // raw target address before symbolization
	HasTarget  bool

	// Memory operand target, resolved at decode time. MemPCRel marks
	// PC-relative forms whose displacement must be repaired on movement.
	MemAddr    uint64
	HasMemAddr bool
	MemPCRel   bool
	MemSize    int  // access size in bytes, 0 when unknown
	MemIsLoad  bool // plain load into a register (§ RO-data simplification)
	MemDstReg  string

	// Immediate substituted for a simplified load
	ImmValue uint64
	HasImm   bool

	// Frame-instruction index for KindCFIPseudo
	CFIIndex int

	Annots []AnnotationRef
}

// IsBranch reports any jump, conditional or not, direct or indirect
func (in *Instruction) IsBranch() bool {
	switch in.Kind {
	case KindBranch, KindCondBranch, KindIndirectBranch, KindTailCall:
		return true
	}
	return false
}

// IsConditionalBranch reports a direct conditional jump
func (in *Instruction) IsConditionalBranch() bool { return in.Kind == KindCondBranch }

// IsUnconditionalBranch reports a direct unconditional jump
func (in *Instruction) IsUnconditionalBranch() bool { return in.Kind == KindBranch }

// IsIndirectBranch reports a jump through register or memory
func (in *Instruction) IsIndirectBranch() bool { return in.Kind == KindIndirectBranch }

// IsCall reports a direct or indirect call
func (in *Instruction) IsCall() bool {
	return in.Kind == KindCall || in.Kind == KindIndirectCall
}

// IsTailCall reports a jump whose target lies outside the function
func (in *Instruction) IsTailCall() bool { return in.Kind == KindTailCall }

// IsReturn reports a return instruction
func (in *Instruction) IsReturn() bool { return in.Kind == KindReturn }

// IsNoop reports a no-op of any encoded length
func (in *Instruction) IsNoop() bool { return in.Kind == KindNoop }

// IsPrefix reports a standalone prefix byte
func (in *Instruction) IsPrefix() bool { return in.Kind == KindPrefix }

// IsUnreachable reports a trap instruction
func (in *Instruction) IsUnreachable() bool { return in.Kind == KindUnreachable }

// IsCFI reports a CFI pseudo instruction
func (in *Instruction) IsCFI() bool { return in.Kind == KindCFIPseudo }

// IsPseudo reports instructions that occupy no bytes in the output
func (in *Instruction) IsPseudo() bool { return in.Kind == KindCFIPseudo }

// IsTerminator reports whether control cannot fall through this instruction
// to the next one. Conditional branches are terminators in the CFG sense
// (they end a block) even though they may fall through.
func (in *Instruction) IsTerminator() bool {
	switch in.Kind {
	case KindBranch, KindCondBranch, KindIndirectBranch, KindTailCall,
		KindReturn, KindUnreachable:
		return true
	}
	return false
}

// TargetSymbol returns the resolved target for calls and direct branches
func (in *Instruction) TargetSymbol() *Symbol {
	return in.Target
}

// BranchCondition returns the condition code of a conditional branch
func (in *Instruction) BranchCondition() (CondCode, bool) {
	if in.Kind != KindCondBranch {
		return CondInvalid, false
	}
	return in.Cond, true
}

// SetBranchTarget redirects a branch or call to a new symbol. The raw
// address is invalidated; the emitter resolves the symbol at layout time.
func (in *Instruction) SetBranchTarget(sym *Symbol) {
	in.Target = sym
	in.TargetAddr = 0
	in.HasTarget = true
	in.Bytes = nil // force re-encoding
}

// ArchBackend decodes and encodes instructions for one architecture.
// Implementations must be stateless; a single backend value is shared by all
// worker threads.
type ArchBackend interface {
	Name() string

	// Decode decodes one instruction at pc. The returned instruction has
	// Offset left at zero; the caller owns placement.
	Decode(code []byte, pc uint64) (Instruction, error)

	// CreateUncondJump builds a direct jump to the given symbol
	CreateUncondJump(target *Symbol) Instruction

	// CreateNoop builds a no-op of exactly size bytes (size must be a
	// multiple of the minimum instruction size)
	CreateNoop(size int) Instruction

	// ReverseCondition flips the condition of a conditional branch in place
	ReverseCondition(in *Instruction) error

	// Encode produces the byte encoding of an instruction placed at pc.
	// resolve maps a symbol to its output address.
	Encode(in *Instruction, pc uint64, resolve func(*Symbol) (uint64, bool)) ([]byte, error)

	// ComputeSize returns the encoded size of the instruction assuming
	// worst-case branch displacement
	ComputeSize(in *Instruction) int

	// MaxJumpSize is the size of the widest unconditional jump encoding
	MaxJumpSize() int
}

// NewCFIPseudo builds a position marker for FrameInstructions[index]
func NewCFIPseudo(index int) Instruction {
	return Instruction{Kind: KindCFIPseudo, CFIIndex: index}
}
