// Completion: 100% - x86_64 decode/encode complete
package main

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// insn_x86.go - x86_64 instruction backend
//
// Decoding is done with golang.org/x/arch/x86/x86asm. Encoding is only
// needed for the handful of instructions the rewriter synthesizes or moves:
// direct jumps, conditional jumps, calls, NOP padding, and RIP-relative
// displacement repair for relocated instructions.

// X86Backend implements ArchBackend for x86_64
type X86Backend struct{}

// Name returns the backend name
func (b *X86Backend) Name() string { return "x86_64" }

// x86CondOps maps decoder opcodes to neutral condition codes
var x86CondOps = map[x86asm.Op]CondCode{
	x86asm.JE:  CondEqual,
	x86asm.JNE: CondNotEqual,
	x86asm.JL:  CondLess,
	x86asm.JLE: CondLessOrEqual,
	x86asm.JG:  CondGreater,
	x86asm.JGE: CondGreaterOrEqual,
	x86asm.JB:  CondBelow,
	x86asm.JBE: CondBelowOrEqual,
	x86asm.JA:  CondAbove,
	x86asm.JAE: CondAboveOrEqual,
	x86asm.JS:  CondSign,
	x86asm.JNS: CondNotSign,
	x86asm.JO:  CondOverflow,
	x86asm.JNO: CondNotOverflow,
	x86asm.JP:  CondParity,
	x86asm.JNP: CondNotParity,
}

// x86CondEncoding is the second opcode byte of the near-form Jcc (0F 8x)
var x86CondEncoding = map[CondCode]byte{
	CondOverflow:       0x80,
	CondNotOverflow:    0x81,
	CondBelow:          0x82,
	CondAboveOrEqual:   0x83,
	CondEqual:          0x84,
	CondNotEqual:       0x85,
	CondBelowOrEqual:   0x86,
	CondAbove:          0x87,
	CondSign:           0x88,
	CondNotSign:        0x89,
	CondParity:         0x8a,
	CondNotParity:      0x8b,
	CondLess:           0x8c,
	CondGreaterOrEqual: 0x8d,
	CondLessOrEqual:    0x8e,
	CondGreater:        0x8f,
}

// Decode decodes one x86_64 instruction at pc
func (b *X86Backend) Decode(code []byte, pc uint64) (Instruction, error) {
	raw, err := x86asm.Decode(code, 64)
	if err != nil {
		return Instruction{}, fmt.Errorf("x86 decode at %#x: %w", pc, err)
	}
	if raw.Len == 0 {
		return Instruction{}, fmt.Errorf("x86 decode at %#x: zero-length instruction", pc)
	}

	in := Instruction{
		Kind:     KindOther,
		InputPC:  pc,
		Size:     raw.Len,
		Bytes:    append([]byte(nil), code[:raw.Len]...),
		Mnemonic: raw.Op.String(),
		Cond:     CondInvalid,
	}

	switch {
	case raw.Op == x86asm.RET || raw.Op == x86asm.LRET:
		in.Kind = KindReturn
	case raw.Op == x86asm.UD2:
		in.Kind = KindUnreachable
	case raw.Op == x86asm.NOP || raw.Op == x86asm.FNOP:
		in.Kind = KindNoop
	case raw.Op == x86asm.JMP:
		if rel, ok := raw.Args[0].(x86asm.Rel); ok {
			in.Kind = KindBranch
			in.TargetAddr = pc + uint64(raw.Len) + uint64(int64(rel))
			in.HasTarget = true
		} else {
			in.Kind = KindIndirectBranch
		}
	case raw.Op == x86asm.CALL:
		if rel, ok := raw.Args[0].(x86asm.Rel); ok {
			in.Kind = KindCall
			in.TargetAddr = pc + uint64(raw.Len) + uint64(int64(rel))
			in.HasTarget = true
		} else {
			in.Kind = KindIndirectCall
		}
	default:
		if cc, ok := x86CondOps[raw.Op]; ok {
			rel, isRel := raw.Args[0].(x86asm.Rel)
			if !isRel {
				return Instruction{}, fmt.Errorf("x86 decode at %#x: %s without relative target", pc, raw.Op)
			}
			in.Kind = KindCondBranch
			in.Cond = cc
			in.TargetAddr = pc + uint64(raw.Len) + uint64(int64(rel))
			in.HasTarget = true
		}
	}

	// Multi-byte NOP forms decode as NOP with operands; the plain check above
	// covers them because x86asm reports Op == NOP for 0F 1F forms too.

	b.resolveRIPOperand(&in, raw, pc)
	return in, nil
}

// resolveRIPOperand records the absolute target of a RIP-relative memory
// operand, plus enough detail to later substitute a constant load.
func (b *X86Backend) resolveRIPOperand(in *Instruction, raw x86asm.Inst, pc uint64) {
	for i, arg := range raw.Args {
		mem, ok := arg.(x86asm.Mem)
		if !ok {
			continue
		}
		if mem.Base != x86asm.RIP {
			// Indexed absolute form: jmp *disp(,%reg,scale) reads a jump
			// table at disp with entries of width scale.
			if in.Kind == KindIndirectBranch && mem.Base == 0 && mem.Disp > 0 && mem.Scale >= 4 {
				in.MemAddr = uint64(mem.Disp)
				in.HasMemAddr = true
				in.MemSize = int(mem.Scale)
			}
			continue
		}
		in.MemAddr = pc + uint64(raw.Len) + uint64(mem.Disp)
		in.HasMemAddr = true
		in.MemPCRel = true
		if raw.Op == x86asm.MOV && i == 1 {
			if reg, ok := raw.Args[0].(x86asm.Reg); ok {
				in.MemIsLoad = true
				in.MemDstReg = reg.String()
				in.MemSize = x86RegWidth(reg)
			}
		}
		if in.MemSize == 0 {
			in.MemSize = int(raw.MemBytes)
		}
		return
	}
}

// x86RegWidth returns the width in bytes of a general-purpose register
func x86RegWidth(reg x86asm.Reg) int {
	switch {
	case reg >= x86asm.AL && reg <= x86asm.R15B:
		return 1
	case reg >= x86asm.AX && reg <= x86asm.R15W:
		return 2
	case reg >= x86asm.EAX && reg <= x86asm.R15L:
		return 4
	case reg >= x86asm.RAX && reg <= x86asm.R15:
		return 8
	}
	return 0
}

// x86Reg64Encoding maps 64-bit register names to (REX.B bit, reg number)
var x86Reg64Encoding = map[string]struct {
	rex bool
	num byte
}{
	"RAX": {false, 0}, "RCX": {false, 1}, "RDX": {false, 2}, "RBX": {false, 3},
	"RSP": {false, 4}, "RBP": {false, 5}, "RSI": {false, 6}, "RDI": {false, 7},
	"R8": {true, 0}, "R9": {true, 1}, "R10": {true, 2}, "R11": {true, 3},
	"R12": {true, 4}, "R13": {true, 5}, "R14": {true, 6}, "R15": {true, 7},
}

// x86Reg32Encoding maps 32-bit register names to (REX.B bit, reg number)
var x86Reg32Encoding = map[string]struct {
	rex bool
	num byte
}{
	"EAX": {false, 0}, "ECX": {false, 1}, "EDX": {false, 2}, "EBX": {false, 3},
	"ESP": {false, 4}, "EBP": {false, 5}, "ESI": {false, 6}, "EDI": {false, 7},
	"R8D": {true, 0}, "R9D": {true, 1}, "R10D": {true, 2}, "R11D": {true, 3},
	"R12D": {true, 4}, "R13D": {true, 5}, "R14D": {true, 6}, "R15D": {true, 7},
}

// CreateUncondJump builds a near jump (E9 rel32) to the given symbol
func (b *X86Backend) CreateUncondJump(target *Symbol) Instruction {
	return Instruction{
		Kind:      KindBranch,
		Size:      5,
		Mnemonic:  "JMP",
		Target:    target,
		HasTarget: true,
	}
}

// x86NopSequences are the recommended multi-byte NOP encodings
var x86NopSequences = [][]byte{
	{0x90},
	{0x66, 0x90},
	{0x0f, 0x1f, 0x00},
	{0x0f, 0x1f, 0x40, 0x00},
	{0x0f, 0x1f, 0x44, 0x00, 0x00},
	{0x66, 0x0f, 0x1f, 0x44, 0x00, 0x00},
	{0x0f, 0x1f, 0x80, 0x00, 0x00, 0x00, 0x00},
	{0x0f, 0x1f, 0x84, 0x00, 0x00, 0x00, 0x00, 0x00},
	{0x66, 0x0f, 0x1f, 0x84, 0x00, 0x00, 0x00, 0x00, 0x00},
}

// CreateNoop builds a NOP covering exactly size bytes
func (b *X86Backend) CreateNoop(size int) Instruction {
	var buf []byte
	remaining := size
	for remaining > 0 {
		n := remaining
		if n > len(x86NopSequences) {
			n = len(x86NopSequences)
		}
		buf = append(buf, x86NopSequences[n-1]...)
		remaining -= n
	}
	return Instruction{Kind: KindNoop, Size: size, Bytes: buf, Mnemonic: "NOP"}
}

// ReverseCondition flips the condition of a conditional jump in place
func (b *X86Backend) ReverseCondition(in *Instruction) error {
	if in.Kind != KindCondBranch {
		return fmt.Errorf("cannot reverse condition of %v instruction", in.Kind)
	}
	in.Cond = ReverseCond(in.Cond)
	in.Bytes = nil // force re-encoding
	return nil
}

// Encode produces the final byte encoding of in placed at pc
func (b *X86Backend) Encode(in *Instruction, pc uint64, resolve func(*Symbol) (uint64, bool)) ([]byte, error) {
	switch in.Kind {
	case KindCFIPseudo:
		return nil, nil
	case KindNoop:
		if in.Bytes != nil {
			return in.Bytes, nil
		}
		return b.CreateNoop(in.Size).Bytes, nil
	case KindBranch, KindTailCall, KindCondBranch, KindCall:
		if in.Target != nil {
			target, ok := resolve(in.Target)
			if !ok {
				return nil, fmt.Errorf("unresolved branch target %s", in.Target.Name)
			}
			return b.encodeBranch(in, pc, target)
		}
		if in.Bytes == nil {
			return nil, fmt.Errorf("branch without target or original bytes at %#x", pc)
		}
	}

	if in.HasImm && in.MemIsLoad {
		if enc, err := b.encodeMovImm(in); err == nil {
			return enc, nil
		}
		// fall back to the original load when the substitution cannot encode
	}

	if in.Bytes == nil {
		return nil, fmt.Errorf("no encoding available for %s at %#x", in.Mnemonic, pc)
	}
	if in.HasMemAddr && in.MemPCRel {
		return b.repairRIPDisp(in, pc)
	}
	return in.Bytes, nil
}

// encodeBranch emits jmp/jcc/call with a 32-bit displacement
func (b *X86Backend) encodeBranch(in *Instruction, pc, target uint64) ([]byte, error) {
	var buf []byte
	switch in.Kind {
	case KindBranch, KindTailCall:
		buf = []byte{0xe9, 0, 0, 0, 0}
	case KindCall:
		buf = []byte{0xe8, 0, 0, 0, 0}
	case KindCondBranch:
		opc, ok := x86CondEncoding[in.Cond]
		if !ok {
			return nil, fmt.Errorf("unencodable condition %d", in.Cond)
		}
		buf = []byte{0x0f, opc, 0, 0, 0, 0}
	default:
		return nil, fmt.Errorf("not a branch: %v", in.Kind)
	}
	disp := int64(target) - int64(pc) - int64(len(buf))
	if disp > 0x7fffffff || disp < -0x80000000 {
		return nil, fmt.Errorf("branch displacement %d out of range", disp)
	}
	binary.LittleEndian.PutUint32(buf[len(buf)-4:], uint32(int32(disp)))
	return buf, nil
}

// repairRIPDisp rewrites the RIP-relative displacement of a moved
// instruction so it still addresses MemAddr from the new pc.
func (b *X86Backend) repairRIPDisp(in *Instruction, pc uint64) ([]byte, error) {
	oldDisp := int32(int64(in.MemAddr) - int64(in.InputPC) - int64(in.Size))
	newDisp := int64(in.MemAddr) - int64(pc) - int64(in.Size)
	if newDisp > 0x7fffffff || newDisp < -0x80000000 {
		return nil, fmt.Errorf("RIP-relative displacement %d out of range", newDisp)
	}
	if oldDisp == int32(newDisp) {
		return in.Bytes, nil
	}
	// The displacement is the last 4-byte field matching the old value;
	// immediates, when present, follow it, so scan from the end.
	buf := append([]byte(nil), in.Bytes...)
	for i := len(buf) - 4; i >= 0; i-- {
		if int32(binary.LittleEndian.Uint32(buf[i:])) == oldDisp {
			binary.LittleEndian.PutUint32(buf[i:], uint32(int32(newDisp)))
			return buf, nil
		}
	}
	return nil, fmt.Errorf("cannot locate RIP-relative displacement in %s", in.Mnemonic)
}

// encodeMovImm encodes the constant-load form of a simplified RO-data load
func (b *X86Backend) encodeMovImm(in *Instruction) ([]byte, error) {
	if enc, ok := x86Reg32Encoding[in.MemDstReg]; ok {
		// mov imm32, r32 (B8+rd id)
		buf := []byte{0xb8 + enc.num, 0, 0, 0, 0}
		if enc.rex {
			buf = append([]byte{0x41}, buf...)
		}
		binary.LittleEndian.PutUint32(buf[len(buf)-4:], uint32(in.ImmValue))
		return buf, nil
	}
	if enc, ok := x86Reg64Encoding[in.MemDstReg]; ok {
		if int64(in.ImmValue) != int64(int32(in.ImmValue)) {
			return nil, fmt.Errorf("immediate %#x does not sign-extend", in.ImmValue)
		}
		// mov imm32 sign-extended, r64 (REX.W C7 /0 id)
		rex := byte(0x48)
		if enc.rex {
			rex |= 0x01
		}
		buf := []byte{rex, 0xc7, 0xc0 + enc.num, 0, 0, 0, 0}
		binary.LittleEndian.PutUint32(buf[3:], uint32(in.ImmValue))
		return buf, nil
	}
	return nil, fmt.Errorf("no immediate encoding for register %s", in.MemDstReg)
}

// SimplifyLoadToImmediate converts a RIP-relative constant load into a
// mov-immediate when the value can be encoded. Returns whether it did.
func (b *X86Backend) SimplifyLoadToImmediate(in *Instruction, value uint64) bool {
	if !in.MemIsLoad || in.MemDstReg == "" {
		return false
	}
	trial := *in
	trial.ImmValue = value
	trial.HasImm = true
	enc, err := b.encodeMovImm(&trial)
	if err != nil {
		return false
	}
	in.ImmValue = value
	in.HasImm = true
	in.HasMemAddr = false
	in.MemPCRel = false
	in.MemIsLoad = false
	in.Bytes = enc
	in.Size = len(enc)
	in.Mnemonic = "MOV"
	return true
}

// CreateCounterIncrement builds `add qword ptr [rip+disp], 1` targeting a
// 64-bit counter slot. The displacement is a placeholder repaired at encode
// time through the usual RIP-relative path.
func (b *X86Backend) CreateCounterIncrement(counterVA uint64) Instruction {
	// REX.W 83 /0 ib; InputPC is zero, so the embedded displacement must
	// equal counterVA minus the instruction length for the repair to match.
	buf := []byte{0x48, 0x83, 0x05, 0, 0, 0, 0, 0x01}
	binary.LittleEndian.PutUint32(buf[3:], uint32(int32(int64(counterVA)-int64(len(buf)))))
	return Instruction{
		Kind:       KindOther,
		Mnemonic:   "ADD",
		Bytes:      buf,
		Size:       len(buf),
		MemAddr:    counterVA,
		HasMemAddr: true,
		MemPCRel:   true,
		MemSize:    8,
	}
}

// CreateIndirectCallInstrumentation rewrites an indirect call or indirect
// tail call into a dispatch through the runtime handler: the original
// target operand moves into R11, the call-site id into R10D, then control
// transfers to the handler, which records the (site, target) pair and
// resumes at the target.
func (b *X86Backend) CreateIndirectCallInstrumentation(in *Instruction, site uint32, handler *Symbol) ([]Instruction, error) {
	mov, err := b.movTargetToR11(in)
	if err != nil {
		return nil, err
	}
	load := Instruction{
		Kind:     KindOther,
		Mnemonic: "MOV",
		Bytes:    []byte{0x41, 0xba, 0, 0, 0, 0}, // mov r10d, site
		Size:     6,
	}
	binary.LittleEndian.PutUint32(load.Bytes[2:], site)
	transfer := Instruction{Kind: KindCall, Mnemonic: "CALL", Target: handler, HasTarget: true}
	if in.Kind == KindIndirectBranch {
		transfer.Kind = KindTailCall
		transfer.Mnemonic = "JMP"
	}
	return []Instruction{mov, load, transfer}, nil
}

// movTargetToR11 re-encodes the FF /2 or FF /4 operand as a load into R11,
// reusing the original ModRM, SIB and displacement bytes. Encodings with
// legacy prefixes are refused; the caller leaves those sites alone.
func (b *X86Backend) movTargetToR11(in *Instruction) (Instruction, error) {
	raw := in.Bytes
	i := 0
	var rex byte
	if i < len(raw) && raw[i] >= 0x40 && raw[i] <= 0x4f {
		rex = raw[i]
		i++
	}
	if i+1 >= len(raw) || raw[i] != 0xff {
		return Instruction{}, fmt.Errorf("unsupported indirect transfer encoding % x", raw)
	}
	buf := make([]byte, 0, len(raw)+1)
	buf = append(buf, 0x4c|rex&0x03, 0x8b, raw[i+1]&^0x38|0x18)
	buf = append(buf, raw[i+2:]...)
	out := Instruction{Kind: KindOther, Mnemonic: "MOV", Bytes: buf, Size: len(buf)}
	if in.HasMemAddr && in.MemPCRel {
		out.HasMemAddr, out.MemPCRel = true, true
		out.MemAddr, out.MemSize = in.MemAddr, 8
		binary.LittleEndian.PutUint32(buf[len(buf)-4:], uint32(int32(int64(in.MemAddr)-int64(len(buf)))))
	}
	return out, nil
}

// ComputeSize returns the emitted size assuming worst-case displacements.
// Branches with a symbolic target are always re-encoded in near form, so
// their original (possibly short) encodings do not bound the size.
func (b *X86Backend) ComputeSize(in *Instruction) int {
	if in.Kind == KindCFIPseudo {
		return 0
	}
	switch in.Kind {
	case KindBranch, KindTailCall, KindCall:
		if in.Target != nil || in.Bytes == nil {
			return 5
		}
	case KindCondBranch:
		if in.Target != nil || in.Bytes == nil {
			return 6
		}
	}
	if in.Bytes != nil {
		return len(in.Bytes)
	}
	return in.Size
}

// MaxJumpSize is the widest unconditional jump encoding (E9 rel32)
func (b *X86Backend) MaxJumpSize() int { return 5 }
