// Package apf assembles Android Packet Filter bytecode. Callers compose a
// program by appending typed instructions to a Generator and then request
// the final binary, which is encoded exactly as the in-kernel interpreter
// expects: branch targets resolved to byte offsets and every variable-size
// immediate emitted at its minimum lossless width.
package apf

import (
	log "github.com/sirupsen/logrus"
)

// Reserved branch target names. They are synthesized by the generator and
// resolve just past the program end: jumping to PassLabel accepts the
// packet, jumping to DropLabel rejects it. User labels may not use these
// names.
const (
	PassLabel = "__PASS__"
	DropLabel = "__DROP__"
)

// maxLayoutPasses bounds the size-minimization fixed point. Convergence
// normally takes two or three passes; an unresolved run is treated as done
// and emission proceeds with the current widths.
const maxLayoutPasses = 10

// Generator accumulates an APF program. It is single-shot: after Generate
// succeeds or fails, further appends and re-emissions are rejected. A
// Generator is not safe for concurrent use.
type Generator struct {
	version      int
	instructions []*instruction
	labels       map[string]*instruction

	// Synthetic anchors for the reserved PASS/DROP targets. They are kept
	// out of the label table and their offsets are stamped by each layout
	// pass: end of program, and one byte past it.
	passAnchor *instruction
	dropAnchor *instruction

	generated bool
}

// New creates a Generator emitting bytecode for the given interpreter
// version. Versions below MinAPFVersion are rejected.
func New(version int) (*Generator, error) {
	if version < MinAPFVersion {
		return nil, illegalf("APF version %d below minimum supported version %d",
			version, MinAPFVersion)
	}
	return &Generator{
		version:    version,
		labels:     make(map[string]*instruction),
		passAnchor: newLabelInstruction(PassLabel),
		dropAnchor: newLabelInstruction(DropLabel),
	}, nil
}

// Version returns the interpreter version the generator targets.
func (g *Generator) Version() int {
	return g.version
}

func (g *Generator) append(ins *instruction) error {
	if g.generated {
		return illegalf("program already generated")
	}
	g.instructions = append(g.instructions, ins)
	return nil
}

func (g *Generator) requireVersion(min int, op string) error {
	if g.version < min {
		return illegalf("%s requires APF version %d, generator targets version %d",
			op, min, g.version)
	}
	return nil
}

// extended builds an EXT instruction carrying the given selector.
func (g *Generator) extended(code ExtendedOpcode, register Register) (*instruction, error) {
	if code > maxExtendedOpcode {
		return nil, illegalf("extended opcode %d out of range", code)
	}
	ins := newInstruction(OpExt, register)
	ins.addImm(unsignedImm(uint32(code)))
	return ins, nil
}

// ---------------------------------------------------------------------------
// Labels
// ---------------------------------------------------------------------------

// DefineLabel appends a zero-size anchor for name. Branches may target a
// label before or after it is defined; resolution happens during Generate.
func (g *Generator) DefineLabel(name string) error {
	if name == "" {
		return illegalf("empty label name")
	}
	if name == PassLabel || name == DropLabel {
		return illegalf("label name %q is reserved", name)
	}
	if _, exists := g.labels[name]; exists {
		return illegalf("duplicate label %q", name)
	}
	if g.generated {
		return illegalf("program already generated")
	}
	ins := newLabelInstruction(name)
	g.labels[name] = ins
	return g.append(ins)
}

// ---------------------------------------------------------------------------
// Packet loads
// ---------------------------------------------------------------------------

// AddLoad8 appends an instruction loading the packet byte at offset into
// register.
func (g *Generator) AddLoad8(register Register, offset uint32) error {
	return g.append(newInstruction(OpLdb, register).addImm(unsignedImm(offset)))
}

// AddLoad16 appends an instruction loading a big-endian halfword at offset.
func (g *Generator) AddLoad16(register Register, offset uint32) error {
	return g.append(newInstruction(OpLdh, register).addImm(unsignedImm(offset)))
}

// AddLoad32 appends an instruction loading a big-endian word at offset.
func (g *Generator) AddLoad32(register Register, offset uint32) error {
	return g.append(newInstruction(OpLdw, register).addImm(unsignedImm(offset)))
}

// AddLoad8Indexed loads the packet byte at offset + R1 into register.
func (g *Generator) AddLoad8Indexed(register Register, offset uint32) error {
	return g.append(newInstruction(OpLdbx, register).addImm(unsignedImm(offset)))
}

// AddLoad16Indexed loads a big-endian halfword at offset + R1.
func (g *Generator) AddLoad16Indexed(register Register, offset uint32) error {
	return g.append(newInstruction(OpLdhx, register).addImm(unsignedImm(offset)))
}

// AddLoad32Indexed loads a big-endian word at offset + R1.
func (g *Generator) AddLoad32Indexed(register Register, offset uint32) error {
	return g.append(newInstruction(OpLdwx, register).addImm(unsignedImm(offset)))
}

// ---------------------------------------------------------------------------
// Arithmetic and bitwise operations on R0
// ---------------------------------------------------------------------------

// AddAdd appends R0 += value. Negative values subtract.
func (g *Generator) AddAdd(value int32) error {
	return g.append(newInstruction(OpAdd, R0).addImm(signedImm(value)))
}

// AddMul appends R0 *= value.
func (g *Generator) AddMul(value uint32) error {
	return g.append(newInstruction(OpMul, R0).addImm(unsignedImm(value)))
}

// AddDiv appends R0 /= value.
func (g *Generator) AddDiv(value uint32) error {
	return g.append(newInstruction(OpDiv, R0).addImm(unsignedImm(value)))
}

// AddAnd appends R0 &= value.
func (g *Generator) AddAnd(value uint32) error {
	return g.append(newInstruction(OpAnd, R0).addImm(unsignedImm(value)))
}

// AddOr appends R0 |= value.
func (g *Generator) AddOr(value uint32) error {
	return g.append(newInstruction(OpOr, R0).addImm(unsignedImm(value)))
}

// AddLeftShift appends R0 <<= value.
func (g *Generator) AddLeftShift(value int32) error {
	return g.append(newInstruction(OpSh, R0).addImm(signedImm(value)))
}

// AddRightShift appends R0 >>= value, encoded as a shift by -value.
func (g *Generator) AddRightShift(value int32) error {
	return g.append(newInstruction(OpSh, R0).addImm(signedImm(-value)))
}

// AddLoadImmediate appends an instruction setting register to value.
func (g *Generator) AddLoadImmediate(register Register, value int32) error {
	return g.append(newInstruction(OpLi, register).addImm(signedImm(value)))
}

// Register-operand forms: the register bit selects R1 as the operand and no
// immediate is carried.

// AddAddR1 appends R0 += R1.
func (g *Generator) AddAddR1() error {
	return g.append(newInstruction(OpAdd, R1))
}

// AddMulR1 appends R0 *= R1.
func (g *Generator) AddMulR1() error {
	return g.append(newInstruction(OpMul, R1))
}

// AddDivR1 appends R0 /= R1.
func (g *Generator) AddDivR1() error {
	return g.append(newInstruction(OpDiv, R1))
}

// AddAndR1 appends R0 &= R1.
func (g *Generator) AddAndR1() error {
	return g.append(newInstruction(OpAnd, R1))
}

// AddOrR1 appends R0 |= R1.
func (g *Generator) AddOrR1() error {
	return g.append(newInstruction(OpOr, R1))
}

// AddLeftShiftR1 appends R0 <<= R1.
func (g *Generator) AddLeftShiftR1() error {
	return g.append(newInstruction(OpSh, R1))
}

// ---------------------------------------------------------------------------
// Branches
// ---------------------------------------------------------------------------

// AddJump appends an unconditional jump to target.
func (g *Generator) AddJump(target string) error {
	return g.append(newInstruction(OpJmp, R0).setTarget(target))
}

// AddJumpIfR0Equals jumps to target when R0 == value.
func (g *Generator) AddJumpIfR0Equals(value uint32, target string) error {
	return g.append(newInstruction(OpJeq, R0).addImm(unsignedImm(value)).setTarget(target))
}

// AddJumpIfR0NotEquals jumps to target when R0 != value.
func (g *Generator) AddJumpIfR0NotEquals(value uint32, target string) error {
	return g.append(newInstruction(OpJne, R0).addImm(unsignedImm(value)).setTarget(target))
}

// AddJumpIfR0GreaterThan jumps to target when R0 > value.
func (g *Generator) AddJumpIfR0GreaterThan(value uint32, target string) error {
	return g.append(newInstruction(OpJgt, R0).addImm(unsignedImm(value)).setTarget(target))
}

// AddJumpIfR0LessThan jumps to target when R0 < value.
func (g *Generator) AddJumpIfR0LessThan(value uint32, target string) error {
	return g.append(newInstruction(OpJlt, R0).addImm(unsignedImm(value)).setTarget(target))
}

// AddJumpIfR0AnyBitsSet jumps to target when R0 & value != 0.
func (g *Generator) AddJumpIfR0AnyBitsSet(value uint32, target string) error {
	return g.append(newInstruction(OpJset, R0).addImm(unsignedImm(value)).setTarget(target))
}

// AddJumpIfR0EqualsR1 jumps to target when R0 == R1.
func (g *Generator) AddJumpIfR0EqualsR1(target string) error {
	return g.append(newInstruction(OpJeq, R1).setTarget(target))
}

// AddJumpIfR0NotEqualsR1 jumps to target when R0 != R1.
func (g *Generator) AddJumpIfR0NotEqualsR1(target string) error {
	return g.append(newInstruction(OpJne, R1).setTarget(target))
}

// AddJumpIfR0GreaterThanR1 jumps to target when R0 > R1.
func (g *Generator) AddJumpIfR0GreaterThanR1(target string) error {
	return g.append(newInstruction(OpJgt, R1).setTarget(target))
}

// AddJumpIfR0LessThanR1 jumps to target when R0 < R1.
func (g *Generator) AddJumpIfR0LessThanR1(target string) error {
	return g.append(newInstruction(OpJlt, R1).setTarget(target))
}

// AddJumpIfR0AnyBitsSetR1 jumps to target when R0 & R1 != 0.
func (g *Generator) AddJumpIfR0AnyBitsSetR1(target string) error {
	return g.append(newInstruction(OpJset, R1).setTarget(target))
}

// AddJumpIfBytesNotEqual jumps to target when the bytes in the packet at
// the offset held in register differ from data. Only R0 may hold the
// offset.
func (g *Generator) AddJumpIfBytesNotEqual(register Register, data []byte, target string) error {
	if register != R0 {
		return illegalf("byte-sequence compare offset must be in R0")
	}
	if len(data) == 0 {
		return illegalf("empty byte-sequence compare")
	}
	ins := newInstruction(OpJnebs, register)
	ins.addImm(unsignedImm(uint32(len(data)))).setTarget(target).setPayload(data)
	return g.append(ins)
}

// ---------------------------------------------------------------------------
// Memory slots
// ---------------------------------------------------------------------------

// AddLoadFromMemory loads memory slot into register.
func (g *Generator) AddLoadFromMemory(register Register, slot int) error {
	if slot < 0 || slot >= MemorySlots {
		return illegalf("memory slot %d out of range [0, %d)", slot, MemorySlots)
	}
	ins, err := g.extended(ExtLdmBase+ExtendedOpcode(slot), register)
	if err != nil {
		return err
	}
	return g.append(ins)
}

// AddStoreToMemory stores register into memory slot.
func (g *Generator) AddStoreToMemory(register Register, slot int) error {
	if slot < 0 || slot >= MemorySlots {
		return illegalf("memory slot %d out of range [0, %d)", slot, MemorySlots)
	}
	ins, err := g.extended(ExtStmBase+ExtendedOpcode(slot), register)
	if err != nil {
		return err
	}
	return g.append(ins)
}

// ---------------------------------------------------------------------------
// Register-only operations
// ---------------------------------------------------------------------------

// AddNot appends register = ^register.
func (g *Generator) AddNot(register Register) error {
	ins, err := g.extended(ExtNot, register)
	if err != nil {
		return err
	}
	return g.append(ins)
}

// AddNeg appends register = -register.
func (g *Generator) AddNeg(register Register) error {
	ins, err := g.extended(ExtNeg, register)
	if err != nil {
		return err
	}
	return g.append(ins)
}

// AddSwap appends an exchange of R0 and R1.
func (g *Generator) AddSwap() error {
	ins, err := g.extended(ExtSwap, R0)
	if err != nil {
		return err
	}
	return g.append(ins)
}

// AddMove copies the other register into register.
func (g *Generator) AddMove(register Register) error {
	ins, err := g.extended(ExtMove, register)
	if err != nil {
		return err
	}
	return g.append(ins)
}

// ---------------------------------------------------------------------------
// Termination
// ---------------------------------------------------------------------------

// AddPass appends an instruction accepting the packet.
func (g *Generator) AddPass() error {
	return g.append(newInstruction(OpPass, R0))
}

// AddDrop appends an instruction rejecting the packet.
func (g *Generator) AddDrop() error {
	return g.append(newInstruction(OpDrop, R1))
}

// AddCountAndPass accepts the packet after incrementing counter.
func (g *Generator) AddCountAndPass(counter int) error {
	if err := g.requireVersion(MinAPFVersionInDev, "counted pass"); err != nil {
		return err
	}
	if counter < MinCounterNumber || counter > MaxCounterNumber {
		return illegalf("counter %d out of range [%d, %d]",
			counter, MinCounterNumber, MaxCounterNumber)
	}
	return g.append(newInstruction(OpPass, R0).addImm(unsignedImm(uint32(counter))))
}

// AddCountAndDrop rejects the packet after incrementing counter.
func (g *Generator) AddCountAndDrop(counter int) error {
	if err := g.requireVersion(MinAPFVersionInDev, "counted drop"); err != nil {
		return err
	}
	if counter < MinCounterNumber || counter > MaxCounterNumber {
		return illegalf("counter %d out of range [%d, %d]",
			counter, MinCounterNumber, MaxCounterNumber)
	}
	return g.append(newInstruction(OpDrop, R1).addImm(unsignedImm(uint32(counter))))
}

// ---------------------------------------------------------------------------
// Output buffer
// ---------------------------------------------------------------------------

// AddAllocateR0 reserves an output buffer whose size is held in R0.
func (g *Generator) AddAllocateR0() error {
	if err := g.requireVersion(MinAPFVersionInDev, "allocate"); err != nil {
		return err
	}
	ins, err := g.extended(ExtAllocate, R0)
	if err != nil {
		return err
	}
	return g.append(ins)
}

// AddAllocate reserves an output buffer of size bytes.
func (g *Generator) AddAllocate(size uint16) error {
	if err := g.requireVersion(MinAPFVersionInDev, "allocate"); err != nil {
		return err
	}
	ins, err := g.extended(ExtAllocate, R1)
	if err != nil {
		return err
	}
	im, err := newImmediate(unsignedBE16, int64(size))
	if err != nil {
		return err
	}
	return g.append(ins.addImm(im))
}

// AddTransmit hands the output buffer to the interpreter for transmission.
func (g *Generator) AddTransmit() error {
	if err := g.requireVersion(MinAPFVersionInDev, "transmit"); err != nil {
		return err
	}
	ins, err := g.extended(ExtTransmit, R0)
	if err != nil {
		return err
	}
	return g.append(ins)
}

// AddDiscard abandons the output buffer without transmitting it.
func (g *Generator) AddDiscard() error {
	if err := g.requireVersion(MinAPFVersionInDev, "discard"); err != nil {
		return err
	}
	ins, err := g.extended(ExtDiscard, R1)
	if err != nil {
		return err
	}
	return g.append(ins)
}

// AddWriteU8 writes an 8-bit value to the output buffer.
func (g *Generator) AddWriteU8(value uint32) error {
	return g.addWrite(value, unsigned8)
}

// AddWriteU16 writes a big-endian 16-bit value to the output buffer.
func (g *Generator) AddWriteU16(value uint32) error {
	return g.addWrite(value, unsignedBE16)
}

// AddWriteU32 writes a big-endian 32-bit value to the output buffer.
func (g *Generator) AddWriteU32(value uint32) error {
	return g.addWrite(value, unsignedBE32)
}

func (g *Generator) addWrite(value uint32, kind immediateKind) error {
	if err := g.requireVersion(MinAPFVersionInDev, "write"); err != nil {
		return err
	}
	im, err := newImmediate(kind, int64(value))
	if err != nil {
		return err
	}
	return g.append(newInstruction(OpWrite, R0).addImm(im))
}

// AddWriteFromRegister writes the low width bytes of register to the output
// buffer. Width must be 1, 2 or 4.
func (g *Generator) AddWriteFromRegister(register Register, width int) error {
	if err := g.requireVersion(MinAPFVersionInDev, "write"); err != nil {
		return err
	}
	var code ExtendedOpcode
	switch width {
	case 1:
		code = ExtEWrite1
	case 2:
		code = ExtEWrite2
	case 4:
		code = ExtEWrite4
	default:
		return illegalf("write width %d not one of 1, 2, 4", width)
	}
	ins, err := g.extended(code, register)
	if err != nil {
		return err
	}
	return g.append(ins)
}

// ---------------------------------------------------------------------------
// Copies
// ---------------------------------------------------------------------------

// AddPacketCopy copies length bytes from the packet at srcOffset to the
// output buffer.
func (g *Generator) AddPacketCopy(srcOffset uint32, length int) error {
	return g.addCopy(R0, srcOffset, length)
}

// AddDataCopy copies length bytes from the data region at srcOffset to the
// output buffer.
func (g *Generator) AddDataCopy(srcOffset uint32, length int) error {
	return g.addCopy(R1, srcOffset, length)
}

func (g *Generator) addCopy(register Register, srcOffset uint32, length int) error {
	if err := g.requireVersion(MinAPFVersionInDev, "memory copy"); err != nil {
		return err
	}
	lengthImm, err := newImmediate(unsigned8, int64(length))
	if err != nil {
		return err
	}
	ins := newInstruction(OpMemcopy, register)
	ins.addImm(unsignedImm(srcOffset)).addImm(lengthImm)
	return g.append(ins)
}

// AddPacketCopyFromR0 copies length bytes from the packet at the offset
// held in R0 to the output buffer.
func (g *Generator) AddPacketCopyFromR0(length int) error {
	return g.addCopyFromR0(ExtPktCopy, length)
}

// AddDataCopyFromR0 copies length bytes from the data region at the offset
// held in R0 to the output buffer.
func (g *Generator) AddDataCopyFromR0(length int) error {
	return g.addCopyFromR0(ExtDataCopy, length)
}

func (g *Generator) addCopyFromR0(code ExtendedOpcode, length int) error {
	if err := g.requireVersion(MinAPFVersionInDev, "memory copy"); err != nil {
		return err
	}
	lengthImm, err := newImmediate(unsigned8, int64(length))
	if err != nil {
		return err
	}
	ins, err := g.extended(code, R0)
	if err != nil {
		return err
	}
	return g.append(ins.addImm(lengthImm))
}

// ---------------------------------------------------------------------------
// Data region and data memory
// ---------------------------------------------------------------------------

// AddData declares the leading data region. It must be the first appended
// instruction and is encoded as a jump over the raw bytes, which the
// interpreter recognizes by the register bit.
func (g *Generator) AddData(data []byte) error {
	if err := g.requireVersion(MinAPFVersionInDev, "data region"); err != nil {
		return err
	}
	if len(g.instructions) != 0 {
		return illegalf("data region must be the first instruction")
	}
	ins := newInstruction(OpJmp, R1)
	ins.addImm(unsignedImm(uint32(len(data)))).setPayload(data)
	return g.append(ins)
}

// AddLoadData loads a word from data memory at R1 + offset into register.
func (g *Generator) AddLoadData(register Register, offset int32) error {
	if err := g.requireVersion(APFVersion4, "data load"); err != nil {
		return err
	}
	return g.append(newInstruction(OpLddw, register).addImm(signedImm(offset)))
}

// AddStoreData stores register as a word to data memory at R1 + offset.
func (g *Generator) AddStoreData(register Register, offset int32) error {
	if err := g.requireVersion(APFVersion4, "data store"); err != nil {
		return err
	}
	return g.append(newInstruction(OpStdw, register).addImm(signedImm(offset)))
}

// ---------------------------------------------------------------------------
// Layout and emission
// ---------------------------------------------------------------------------

// updateInstructionOffsets assigns each instruction its byte offset and
// returns the total program size.
func (g *Generator) updateInstructionOffsets() int {
	total := 0
	for _, ins := range g.instructions {
		ins.offset = total
		total += ins.size()
	}
	return total
}

// targetOffset resolves the signed distance from the byte following ins to
// the first byte of its branch target. The interpreter adds this value to
// its program counter after consuming the branch.
func (g *Generator) targetOffset(ins *instruction) (int, error) {
	var target *instruction
	switch ins.targetLabel {
	case PassLabel:
		target = g.passAnchor
	case DropLabel:
		target = g.dropAnchor
	default:
		target = g.labels[ins.targetLabel]
		if target == nil {
			return 0, illegalf("label %q not found", ins.targetLabel)
		}
	}
	return target.offset - (ins.offset + ins.size()), nil
}

// ProgramLengthOverestimate runs a single layout pass and returns the total
// program size with the current branch widths. Because widths only shrink
// during Generate, the result never underestimates the final size.
func (g *Generator) ProgramLengthOverestimate() int {
	return g.updateInstructionOffsets()
}

// Generate runs the size-minimization fixed point and emits the bytecode.
// It is the terminal operation: a generator can emit exactly once.
//
// Each pass lays the program out, stamps the PASS/DROP anchors just past the
// end, and asks every branch to shrink its reserved offset width to what the
// current distance needs. Shrinking one branch can move later instructions
// closer and let other branches shrink, so the pass repeats until no
// instruction got smaller.
func (g *Generator) Generate() ([]byte, error) {
	if g.generated {
		return nil, illegalf("program already generated")
	}
	g.generated = true

	for pass := 0; pass < maxLayoutPasses; pass++ {
		total := g.updateInstructionOffsets()
		g.passAnchor.offset = total
		g.dropAnchor.offset = total + 1

		shrunk := false
		for _, ins := range g.instructions {
			if ins.targetLabel == "" {
				continue
			}
			offset, err := g.targetOffset(ins)
			if err != nil {
				return nil, err
			}
			changed, err := ins.shrink(offset)
			if err != nil {
				return nil, err
			}
			shrunk = shrunk || changed
		}
		log.Debugf("apf: layout pass %d, %d bytes, shrunk=%v", pass, total, shrunk)
		if !shrunk {
			break
		}
	}

	// Offsets reflect the widths of the last completed pass; re-derive them
	// once so they match the final sizes even if the pass cap was hit.
	total := g.updateInstructionOffsets()
	g.passAnchor.offset = total
	g.dropAnchor.offset = total + 1

	program := make([]byte, total)
	for _, ins := range g.instructions {
		if ins.isLabel() {
			continue
		}
		offset := 0
		if ins.targetLabel != "" {
			var err error
			if offset, err = g.targetOffset(ins); err != nil {
				return nil, err
			}
		}
		if err := ins.encode(program, offset); err != nil {
			return nil, err
		}
	}
	return program, nil
}
