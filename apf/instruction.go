package apf

// instruction is one emitted instruction: a primary opcode, a register bit,
// zero or more immediates, an optional symbolic branch target, an optional
// raw byte payload, and the byte offset assigned by the layout pass.
//
// The width reserved for the branch offset starts at the widest encoding and
// may only shrink; the layout fixed point calls shrink until no instruction
// can get smaller.
type instruction struct {
	opcode   Opcode
	register Register

	imms []immediate

	// targetLabel names the branch target; targetWidth is the number of
	// bytes currently reserved for its offset.
	targetLabel string
	targetWidth int

	// label names this anchor when the instruction is a zero-size label
	// pseudo-instruction.
	label string

	// payload is appended verbatim after the immediates (byte-sequence
	// compares and the data region).
	payload []byte

	// offset from the start of the program, filled in by the layout pass.
	offset int
}

func newInstruction(opcode Opcode, register Register) *instruction {
	return &instruction{opcode: opcode, register: register}
}

func newLabelInstruction(name string) *instruction {
	return &instruction{opcode: opLabel, label: name}
}

func (ins *instruction) isLabel() bool {
	return ins.opcode == opLabel
}

func (ins *instruction) addImm(im immediate) *instruction {
	ins.imms = append(ins.imms, im)
	return ins
}

func (ins *instruction) setTarget(label string) *instruction {
	ins.targetLabel = label
	ins.targetWidth = 4
	return ins
}

func (ins *instruction) setPayload(data []byte) *instruction {
	ins.payload = data
	return ins
}

// indeterminateWidth is the single byte width shared by the branch offset
// and every indeterminate immediate of this instruction: the maximum of the
// reserved branch width and the immediates' minimum widths. Determinate
// immediates do not participate.
func (ins *instruction) indeterminateWidth() int {
	width := 0
	if ins.targetLabel != "" {
		width = ins.targetWidth
	}
	for _, im := range ins.imms {
		if w := im.minWidth(); w > width {
			width = w
		}
	}
	return width
}

// size reports the total encoded length in bytes, including the leading
// byte. Label pseudo-instructions occupy no space.
func (ins *instruction) size() int {
	if ins.isLabel() {
		return 0
	}
	width := ins.indeterminateWidth()
	size := 1
	if ins.targetLabel != "" {
		size += width
	}
	for _, im := range ins.imms {
		size += im.encodedWidth(width)
	}
	return size + len(ins.payload)
}

// shrink re-derives the width needed to encode targetOffset and narrows the
// reserved branch width to it. A wider requirement than the current
// reservation means the fixed point is broken, since offsets can only move
// toward the program start. Returns whether the encoded size decreased.
func (ins *instruction) shrink(targetOffset int) (bool, error) {
	if ins.targetLabel == "" {
		return false, nil
	}
	oldSize := ins.size()
	required := widthForOffset(targetOffset)
	if required > ins.targetWidth {
		return false, internalf("branch to %q grew from %d to %d bytes",
			ins.targetLabel, ins.targetWidth, required)
	}
	ins.targetWidth = required
	return ins.size() < oldSize, nil
}

// encode writes the instruction into buf at its assigned offset:
// leading byte, branch offset (if any), immediates, raw payload.
// targetOffset is the resolved signed distance to the branch target and is
// ignored for non-branch instructions.
func (ins *instruction) encode(buf []byte, targetOffset int) error {
	if ins.isLabel() {
		return nil
	}
	width := ins.indeterminateWidth()
	pos := ins.offset
	buf[pos] = byte(ins.opcode)<<opcodeShift |
		widthField(width)<<sizeFieldShift |
		byte(ins.register)&registerMask
	pos++

	var err error
	if ins.targetLabel != "" {
		offsetImm := signedImm(int32(targetOffset))
		if targetOffset >= 0 {
			offsetImm = unsignedImm(uint32(targetOffset))
		}
		if pos, err = offsetImm.write(buf, pos, width); err != nil {
			return err
		}
	}
	for _, im := range ins.imms {
		if pos, err = im.write(buf, pos, width); err != nil {
			return err
		}
	}
	pos += copy(buf[pos:], ins.payload)

	if written := pos - ins.offset; written != ins.size() {
		return internalf("instruction at offset %d wrote %d bytes, size is %d",
			ins.offset, written, ins.size())
	}
	return nil
}
