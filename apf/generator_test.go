package apf_test

import (
	"errors"
	"testing"

	"github.com/lookbusy1344/apf-assembler/apf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGen(t *testing.T, version int) *apf.Generator {
	t.Helper()
	gen, err := apf.New(version)
	require.NoError(t, err)
	return gen
}

func TestNewRejectsOldVersions(t *testing.T) {
	_, err := apf.New(1)
	require.Error(t, err)
	var illegal *apf.IllegalInstructionError
	assert.True(t, errors.As(err, &illegal))

	_, err = apf.New(apf.MinAPFVersion)
	assert.NoError(t, err)
}

func TestEmptyProgram(t *testing.T) {
	gen := newGen(t, apf.MinAPFVersion)
	program, err := gen.Generate()
	require.NoError(t, err)
	assert.Empty(t, program)
}

func TestSinglePass(t *testing.T) {
	gen := newGen(t, apf.MinAPFVersion)
	require.NoError(t, gen.AddPass())
	program, err := gen.Generate()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00}, program)
}

func TestSingleDrop(t *testing.T) {
	gen := newGen(t, apf.MinAPFVersion)
	require.NoError(t, gen.AddDrop())
	program, err := gen.Generate()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01}, program)
}

func TestLoadImmediate(t *testing.T) {
	tests := []struct {
		name     string
		register apf.Register
		value    int32
		want     []byte
	}{
		{"zero collapses to no immediate", apf.R0, 0, []byte{0x68}},
		{"small positive fits one byte", apf.R0, 5, []byte{0x6A, 0x05}},
		{"minus one fits one byte", apf.R0, -1, []byte{0x6A, 0xFF}},
		{"128 needs two bytes signed", apf.R0, 128, []byte{0x6C, 0x00, 0x80}},
		{"register bit set for R1", apf.R1, 300, []byte{0x6D, 0x01, 0x2C}},
		{"wide value needs four bytes", apf.R0, 0x12345678, []byte{0x6E, 0x12, 0x34, 0x56, 0x78}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := newGen(t, apf.MinAPFVersion)
			require.NoError(t, gen.AddLoadImmediate(tt.register, tt.value))
			program, err := gen.Generate()
			require.NoError(t, err)
			assert.Equal(t, tt.want, program)
		})
	}
}

func TestLeadingByteLayout(t *testing.T) {
	// (opcode << 3) | (widthField << 1) | register for the leading byte.
	gen := newGen(t, apf.MinAPFVersion)
	require.NoError(t, gen.AddLoadImmediate(apf.R1, 300))
	program, err := gen.Generate()
	require.NoError(t, err)
	require.Len(t, program, 3)

	lead := program[0]
	assert.Equal(t, uint8(13), lead>>3, "top five bits are the opcode")
	assert.Equal(t, uint8(2), (lead>>1)&0x3, "width field 2 encodes two bytes")
	assert.Equal(t, uint8(1), lead&0x1, "low bit is the register")
}

func TestPacketLoads(t *testing.T) {
	gen := newGen(t, apf.MinAPFVersion)
	require.NoError(t, gen.AddLoad8(apf.R0, 5))
	require.NoError(t, gen.AddLoad16(apf.R1, 0))
	require.NoError(t, gen.AddLoad32(apf.R0, 256))
	require.NoError(t, gen.AddLoad8Indexed(apf.R1, 1))
	require.NoError(t, gen.AddLoad32Indexed(apf.R0, 0))

	program, err := gen.Generate()
	require.NoError(t, err)
	assert.Equal(t, []byte{
		0x0A, 0x05, // ldb r0, 5
		0x11,             // ldh r1, 0
		0x1C, 0x01, 0x00, // ldw r0, 256
		0x23, 0x01, // ldbx r1, 1
		0x30, // ldwx r0, 0
	}, program)
}

func TestArithmetic(t *testing.T) {
	gen := newGen(t, apf.MinAPFVersion)
	require.NoError(t, gen.AddAdd(-1))
	require.NoError(t, gen.AddAddR1())
	require.NoError(t, gen.AddRightShift(3))
	require.NoError(t, gen.AddAnd(0xFF00))

	program, err := gen.Generate()
	require.NoError(t, err)
	assert.Equal(t, []byte{
		0x3A, 0xFF, // add -1
		0x39,       // add r1
		0x62, 0xFD, // shl -3 (right shift by 3)
		0x54, 0xFF, 0x00, // and 0xFF00
	}, program)
}

func TestJumpOverPass(t *testing.T) {
	gen := newGen(t, apf.MinAPFVersion)
	require.NoError(t, gen.AddJump("target"))
	require.NoError(t, gen.AddPass())
	require.NoError(t, gen.DefineLabel("target"))

	program, err := gen.Generate()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x72, 0x01, 0x00}, program)
}

func TestJumpToNextInstructionHasZeroWidthOffset(t *testing.T) {
	gen := newGen(t, apf.MinAPFVersion)
	require.NoError(t, gen.AddJump("next"))
	require.NoError(t, gen.DefineLabel("next"))
	require.NoError(t, gen.AddPass())

	program, err := gen.Generate()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x70, 0x00}, program)
}

func TestJumpToSentinels(t *testing.T) {
	// PASS resolves to the program end, DROP to one byte past it.
	gen := newGen(t, apf.MinAPFVersion)
	require.NoError(t, gen.AddJump(apf.DropLabel))
	require.NoError(t, gen.AddPass())

	program, err := gen.Generate()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x72, 0x02, 0x00}, program)

	gen = newGen(t, apf.MinAPFVersion)
	require.NoError(t, gen.AddJump(apf.PassLabel))
	program, err = gen.Generate()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x70}, program)
}

func TestBackwardJump(t *testing.T) {
	gen := newGen(t, apf.MinAPFVersion)
	require.NoError(t, gen.DefineLabel("loop"))
	require.NoError(t, gen.AddPass())
	require.NoError(t, gen.AddJump("loop"))

	program, err := gen.Generate()
	require.NoError(t, err)
	// Backward distance -3 encoded two's complement in one byte.
	assert.Equal(t, []byte{0x00, 0x72, 0xFD}, program)
}

func TestConditionalJumps(t *testing.T) {
	gen := newGen(t, apf.MinAPFVersion)
	require.NoError(t, gen.AddJumpIfR0Equals(0x0800, "out"))
	require.NoError(t, gen.AddJumpIfR0EqualsR1("out"))
	require.NoError(t, gen.DefineLabel("out"))
	require.NoError(t, gen.AddPass())

	program, err := gen.Generate()
	require.NoError(t, err)
	assert.Equal(t, []byte{
		// jeq r0, 0x0800: value forces two-byte width, offset shares it
		0x7C, 0x00, 0x01, 0x08, 0x00,
		// jeq r0, r1: no immediate, zero-distance offset
		0x79,
		0x00, // pass
	}, program)
}

func TestJumpIfBytesNotEqual(t *testing.T) {
	gen := newGen(t, apf.MinAPFVersion)
	require.NoError(t, gen.AddJumpIfBytesNotEqual(apf.R0, []byte{0xDE, 0xAD}, "miss"))
	require.NoError(t, gen.DefineLabel("miss"))
	require.NoError(t, gen.AddPass())

	program, err := gen.Generate()
	require.NoError(t, err)
	// Leading byte, offset, length immediate, then the comparison bytes.
	assert.Equal(t, []byte{0xA2, 0x00, 0x02, 0xDE, 0xAD, 0x00}, program)
}

func TestJumpIfBytesNotEqualValidation(t *testing.T) {
	gen := newGen(t, apf.MinAPFVersion)
	assert.Error(t, gen.AddJumpIfBytesNotEqual(apf.R1, []byte{0x01}, "t"))
	assert.Error(t, gen.AddJumpIfBytesNotEqual(apf.R0, nil, "t"))
}

func TestMemorySlots(t *testing.T) {
	gen := newGen(t, apf.MinAPFVersion)
	require.NoError(t, gen.AddLoadFromMemory(apf.R0, 0))
	require.NoError(t, gen.AddLoadFromMemory(apf.R1, apf.PacketSizeSlot))
	require.NoError(t, gen.AddStoreToMemory(apf.R0, 2))

	program, err := gen.Generate()
	require.NoError(t, err)
	assert.Equal(t, []byte{
		0xA8,       // ldm r0, 0: selector 0 collapses to zero bytes
		0xAB, 0x0E, // ldm r1, 14
		0xAA, 0x12, // stm r0, 2: selector 16+2
	}, program)

	gen = newGen(t, apf.MinAPFVersion)
	assert.Error(t, gen.AddLoadFromMemory(apf.R0, apf.MemorySlots))
	assert.Error(t, gen.AddStoreToMemory(apf.R0, -1))
}

func TestRegisterOnlyOps(t *testing.T) {
	gen := newGen(t, apf.MinAPFVersion)
	require.NoError(t, gen.AddNot(apf.R0))
	require.NoError(t, gen.AddNeg(apf.R1))
	require.NoError(t, gen.AddSwap())
	require.NoError(t, gen.AddMove(apf.R1))

	program, err := gen.Generate()
	require.NoError(t, err)
	assert.Equal(t, []byte{
		0xAA, 0x20, // not r0
		0xAB, 0x21, // neg r1
		0xAA, 0x22, // swap
		0xAB, 0x23, // move r1
	}, program)
}

func TestCountedPassAndDrop(t *testing.T) {
	gen := newGen(t, apf.MinAPFVersionInDev)
	require.NoError(t, gen.AddCountAndPass(7))
	require.NoError(t, gen.AddCountAndDrop(1000))

	program, err := gen.Generate()
	require.NoError(t, err)
	assert.Equal(t, []byte{
		0x02, 0x07, // counted pass
		0x05, 0x03, 0xE8, // counted drop
	}, program)
}

func TestCounterValidation(t *testing.T) {
	gen := newGen(t, apf.MinAPFVersionInDev)
	assert.Error(t, gen.AddCountAndPass(0))
	assert.Error(t, gen.AddCountAndDrop(apf.MaxCounterNumber+1))

	// Counters are gated on the in-development version.
	old := newGen(t, apf.MinAPFVersion)
	assert.Error(t, old.AddCountAndPass(1))
}

func TestAllocateTransmitDiscard(t *testing.T) {
	gen := newGen(t, apf.MinAPFVersionInDev)
	require.NoError(t, gen.AddAllocateR0())
	require.NoError(t, gen.AddAllocate(1500))
	require.NoError(t, gen.AddTransmit())
	require.NoError(t, gen.AddDiscard())

	program, err := gen.Generate()
	require.NoError(t, err)
	assert.Equal(t, []byte{
		0xAA, 0x24, // allocate, size in R0
		0xAB, 0x24, 0x05, 0xDC, // allocate 1500
		0xAA, 0x25, // transmit
		0xAB, 0x25, // discard
	}, program)
}

func TestWrites(t *testing.T) {
	gen := newGen(t, apf.MinAPFVersionInDev)
	require.NoError(t, gen.AddWriteU8(0xAB))
	require.NoError(t, gen.AddWriteU16(0x1234))
	require.NoError(t, gen.AddWriteFromRegister(apf.R1, 2))

	assert.Error(t, gen.AddWriteU8(256))
	assert.Error(t, gen.AddWriteFromRegister(apf.R0, 3))

	program, err := gen.Generate()
	require.NoError(t, err)
	assert.Equal(t, []byte{
		0xC0, 0xAB, // write8
		0xC0, 0x12, 0x34, // write16
		0xAB, 0x27, // ewrite2 r1
	}, program)
}

func TestCopies(t *testing.T) {
	gen := newGen(t, apf.MinAPFVersionInDev)
	require.NoError(t, gen.AddDataCopy(4, 6))
	require.NoError(t, gen.AddPacketCopy(0, 255))
	require.NoError(t, gen.AddPacketCopyFromR0(8))

	assert.Error(t, gen.AddDataCopy(0, 256))
	assert.Error(t, gen.AddDataCopyFromR0(-1))

	program, err := gen.Generate()
	require.NoError(t, err)
	assert.Equal(t, []byte{
		0xCB, 0x04, 0x06, // datacopy 4, 6
		0xC8, 0xFF, // pktcopy 0, 255: zero offset collapses
		0xAA, 0x29, 0x08, // pktcopy r0, 8
	}, program)
}

func TestDataRegion(t *testing.T) {
	gen := newGen(t, apf.MinAPFVersionInDev)
	require.NoError(t, gen.AddData([]byte{0x01, 0x02, 0xAB, 0xCD}))
	require.NoError(t, gen.AddPass())

	program, err := gen.Generate()
	require.NoError(t, err)
	// A jump with the register bit set carries the data length and bytes.
	assert.Equal(t, []byte{0x73, 0x04, 0x01, 0x02, 0xAB, 0xCD, 0x00}, program)
}

func TestDataMustBeFirst(t *testing.T) {
	gen := newGen(t, apf.MinAPFVersionInDev)
	require.NoError(t, gen.AddPass())
	assert.Error(t, gen.AddData([]byte{0x01}))

	// The failed append was not committed.
	program, err := gen.Generate()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00}, program)
}

func TestDataMemory(t *testing.T) {
	gen := newGen(t, apf.APFVersion4)
	require.NoError(t, gen.AddLoadData(apf.R0, -8))
	require.NoError(t, gen.AddStoreData(apf.R1, 4))

	program, err := gen.Generate()
	require.NoError(t, err)
	assert.Equal(t, []byte{
		0xB2, 0xF8, // lddw r0, -8
		0xBB, 0x04, // stdw r1, 4
	}, program)

	old := newGen(t, apf.MinAPFVersion)
	assert.Error(t, old.AddLoadData(apf.R0, 0))
	assert.Error(t, old.AddStoreData(apf.R0, 0))
}

func TestVersionGates(t *testing.T) {
	gen := newGen(t, apf.MinAPFVersion)
	assert.Error(t, gen.AddAllocate(100))
	assert.Error(t, gen.AddAllocateR0())
	assert.Error(t, gen.AddTransmit())
	assert.Error(t, gen.AddDiscard())
	assert.Error(t, gen.AddWriteU32(1))
	assert.Error(t, gen.AddData([]byte{0x01}))
	assert.Error(t, gen.AddPacketCopy(0, 1))

	// The generator stays usable after rejected appends.
	require.NoError(t, gen.AddPass())
	program, err := gen.Generate()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00}, program)
}

func TestDuplicateLabel(t *testing.T) {
	gen := newGen(t, apf.MinAPFVersion)
	require.NoError(t, gen.DefineLabel("here"))
	assert.Error(t, gen.DefineLabel("here"))

	// The first definition remains valid.
	require.NoError(t, gen.AddJump("here"))
	_, err := gen.Generate()
	assert.NoError(t, err)
}

func TestReservedLabelNames(t *testing.T) {
	gen := newGen(t, apf.MinAPFVersion)
	assert.Error(t, gen.DefineLabel(apf.PassLabel))
	assert.Error(t, gen.DefineLabel(apf.DropLabel))
	assert.Error(t, gen.DefineLabel(""))
}

func TestUndefinedLabel(t *testing.T) {
	gen := newGen(t, apf.MinAPFVersion)
	require.NoError(t, gen.AddJump("missing"))
	_, err := gen.Generate()
	require.Error(t, err)
	var illegal *apf.IllegalInstructionError
	require.True(t, errors.As(err, &illegal))
	assert.Contains(t, illegal.Msg, "missing")
}

func TestGenerateOnce(t *testing.T) {
	gen := newGen(t, apf.MinAPFVersion)
	require.NoError(t, gen.AddPass())
	_, err := gen.Generate()
	require.NoError(t, err)

	_, err = gen.Generate()
	assert.Error(t, err, "re-emission is rejected")
	assert.Error(t, gen.AddPass(), "appends after generation are rejected")
	assert.Error(t, gen.DefineLabel("late"))
}

func TestProgramLengthOverestimate(t *testing.T) {
	gen := newGen(t, apf.MinAPFVersion)
	require.NoError(t, gen.AddJump("end"))
	require.NoError(t, gen.AddPass())
	require.NoError(t, gen.DefineLabel("end"))

	estimate := gen.ProgramLengthOverestimate()
	program, err := gen.Generate()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, estimate, len(program))
	assert.Len(t, program, 3)
}

func TestBranchShrinkConvergence(t *testing.T) {
	// A conditional branch whose target starts out more than 255 bytes away,
	// over a run of jumps that themselves shrink until the distance fits in
	// a single byte.
	gen := newGen(t, apf.MinAPFVersion)
	require.NoError(t, gen.AddJumpIfR0Equals(0, "end"))
	for i := 0; i < 100; i++ {
		require.NoError(t, gen.AddJump("end"))
	}
	require.NoError(t, gen.DefineLabel("end"))
	require.NoError(t, gen.AddPass())

	firstLayout := gen.ProgramLengthOverestimate()
	program, err := gen.Generate()
	require.NoError(t, err)

	assert.Less(t, len(program), firstLayout)
	assert.Len(t, program, 203)

	// The branch settled on a one-byte offset covering the 199 bytes of
	// intervening jumps.
	assert.Equal(t, uint8(0x7A), program[0])
	assert.Equal(t, uint8(199), program[1])
	assert.Equal(t, uint8(0x00), program[2])
	// The final jump lands exactly on the label: zero-width offset.
	assert.Equal(t, uint8(0x70), program[201])
	assert.Equal(t, uint8(0x00), program[202])
}

func TestTotalSizeIsSumOfInstructionSizes(t *testing.T) {
	// Every encoded instruction is accounted for: the emitted length is the
	// sum of the converged instruction sizes (ldh 2, jne 5, ldb 2, jeq 3,
	// pass 1, counted drop 2).
	gen := newGen(t, apf.MinAPFVersionInDev)
	require.NoError(t, gen.AddLoad16(apf.R0, 12))
	require.NoError(t, gen.AddJumpIfR0NotEquals(0x86DD, "pass_it"))
	require.NoError(t, gen.AddLoad8(apf.R0, 20))
	require.NoError(t, gen.AddJumpIfR0Equals(58, "icmp6"))
	require.NoError(t, gen.DefineLabel("pass_it"))
	require.NoError(t, gen.AddPass())
	require.NoError(t, gen.DefineLabel("icmp6"))
	require.NoError(t, gen.AddCountAndDrop(3))

	program, err := gen.Generate()
	require.NoError(t, err)
	assert.NotEmpty(t, program)
	assert.Len(t, program, 2+5+2+3+1+2)

	// Deterministic: an identical build yields identical bytes.
	gen2 := newGen(t, apf.MinAPFVersionInDev)
	require.NoError(t, gen2.AddLoad16(apf.R0, 12))
	require.NoError(t, gen2.AddJumpIfR0NotEquals(0x86DD, "pass_it"))
	require.NoError(t, gen2.AddLoad8(apf.R0, 20))
	require.NoError(t, gen2.AddJumpIfR0Equals(58, "icmp6"))
	require.NoError(t, gen2.DefineLabel("pass_it"))
	require.NoError(t, gen2.AddPass())
	require.NoError(t, gen2.DefineLabel("icmp6"))
	require.NoError(t, gen2.AddCountAndDrop(3))

	program2, err := gen2.Generate()
	require.NoError(t, err)
	assert.Equal(t, program, program2)
}
