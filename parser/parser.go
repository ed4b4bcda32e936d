// Package parser implements the textual frontend of the APF assembler: a
// line-oriented syntax whose mnemonics map one-to-one onto the generator's
// append operations. The parser does no layout work. It checks only that
// operands are well-formed and fit the integer types the generator takes
// (and that conditional jumps compare R0); opcode-specific operand ranges
// and version gates are enforced by the generator, and its errors are
// wrapped with source position context.
package parser

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/lookbusy1344/apf-assembler/apf"
)

// Parser feeds one assembly source into a Generator. Like the generator it
// drives, a Parser is single-shot: parse the source, then call Generate.
type Parser struct {
	gen  *apf.Generator
	pos  Position
	line string
}

// New creates a parser assembling for the given interpreter version.
func New(version int) (*Parser, error) {
	gen, err := apf.New(version)
	if err != nil {
		return nil, err
	}
	return &Parser{gen: gen}, nil
}

// Generator exposes the underlying generator, e.g. for a length estimate
// before emission.
func (p *Parser) Generator() *apf.Generator {
	return p.gen
}

// ParseFile assembles the named source file.
func (p *Parser) ParseFile(path string) error {
	f, err := os.Open(path) // #nosec G304 -- user-supplied source file path
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer f.Close()
	return p.Parse(path, f)
}

// Parse assembles source text read from r. filename is used for error
// positions only.
func (p *Parser) Parse(filename string, r io.Reader) error {
	p.pos = Position{Filename: filename}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		p.pos.Line++
		p.line = scanner.Text()
		if err := p.parseLine(p.line); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read source: %w", err)
	}
	return nil
}

// Generate emits the assembled bytecode.
func (p *Parser) Generate() ([]byte, error) {
	return p.gen.Generate()
}

func (p *Parser) parseLine(text string) error {
	// Comments run from ';' to end of line; the syntax has no string
	// literals so this never splits one.
	if i := strings.IndexByte(text, ';'); i >= 0 {
		text = text[:i]
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	// A leading "name:" defines a label; an instruction may follow on the
	// same line.
	if i := strings.IndexByte(text, ':'); i >= 0 && !strings.ContainsAny(text[:i], " \t") {
		if err := p.gen.DefineLabel(text[:i]); err != nil {
			return p.wrapError(err)
		}
		text = strings.TrimSpace(text[i+1:])
		if text == "" {
			return nil
		}
	}

	mnemonic := text
	rest := ""
	if i := strings.IndexAny(text, " \t"); i >= 0 {
		mnemonic, rest = text[:i], strings.TrimSpace(text[i+1:])
	}
	return p.parseInstruction(strings.ToLower(mnemonic), splitOperands(rest))
}

func (p *Parser) parseInstruction(mnemonic string, ops []string) error {
	switch mnemonic {
	case "data":
		data, err := p.hexOperand(ops, 0, 1)
		if err != nil {
			return err
		}
		return p.wrapError(p.gen.AddData(data))

	case "ldb", "ldh", "ldw", "ldbx", "ldhx", "ldwx":
		reg, offset, err := p.regValueOperands(ops)
		if err != nil {
			return err
		}
		u, err := p.asUint32(offset)
		if err != nil {
			return err
		}
		switch mnemonic {
		case "ldb":
			return p.wrapError(p.gen.AddLoad8(reg, u))
		case "ldh":
			return p.wrapError(p.gen.AddLoad16(reg, u))
		case "ldw":
			return p.wrapError(p.gen.AddLoad32(reg, u))
		case "ldbx":
			return p.wrapError(p.gen.AddLoad8Indexed(reg, u))
		case "ldhx":
			return p.wrapError(p.gen.AddLoad16Indexed(reg, u))
		default:
			return p.wrapError(p.gen.AddLoad32Indexed(reg, u))
		}

	case "li":
		reg, value, err := p.regValueOperands(ops)
		if err != nil {
			return err
		}
		v, err := p.asInt32(value)
		if err != nil {
			return err
		}
		return p.wrapError(p.gen.AddLoadImmediate(reg, v))

	case "add", "mul", "div", "and", "or", "shl", "shr":
		return p.parseArithmetic(mnemonic, ops)

	case "jmp":
		if len(ops) != 1 {
			return p.newError("jmp expects one operand")
		}
		return p.wrapError(p.gen.AddJump(targetName(ops[0])))

	case "jeq", "jne", "jgt", "jlt", "jset":
		return p.parseConditionalJump(mnemonic, ops)

	case "jnebs":
		if len(ops) != 3 {
			return p.newError("jnebs expects register, hex bytes and target")
		}
		reg, err := p.parseRegister(ops[0])
		if err != nil {
			return err
		}
		data, err := p.parseHex(ops[1])
		if err != nil {
			return err
		}
		return p.wrapError(p.gen.AddJumpIfBytesNotEqual(reg, data, targetName(ops[2])))

	case "ldm", "stm":
		reg, slot, err := p.regValueOperands(ops)
		if err != nil {
			return err
		}
		if mnemonic == "ldm" {
			return p.wrapError(p.gen.AddLoadFromMemory(reg, int(slot)))
		}
		return p.wrapError(p.gen.AddStoreToMemory(reg, int(slot)))

	case "not", "neg", "move":
		if len(ops) != 1 {
			return p.newError(mnemonic + " expects one register operand")
		}
		reg, err := p.parseRegister(ops[0])
		if err != nil {
			return err
		}
		switch mnemonic {
		case "not":
			return p.wrapError(p.gen.AddNot(reg))
		case "neg":
			return p.wrapError(p.gen.AddNeg(reg))
		default:
			return p.wrapError(p.gen.AddMove(reg))
		}

	case "swap":
		return p.wrapError(p.gen.AddSwap())

	case "pass":
		return p.wrapError(p.gen.AddPass())
	case "drop":
		return p.wrapError(p.gen.AddDrop())

	case "cpass", "cdrop":
		if len(ops) != 1 {
			return p.newError(mnemonic + " expects a counter number")
		}
		n, err := p.parseInt(ops[0])
		if err != nil {
			return err
		}
		if mnemonic == "cpass" {
			return p.wrapError(p.gen.AddCountAndPass(int(n)))
		}
		return p.wrapError(p.gen.AddCountAndDrop(int(n)))

	case "allocate":
		if len(ops) != 1 {
			return p.newError("allocate expects a size or r0")
		}
		if strings.EqualFold(ops[0], "r0") {
			return p.wrapError(p.gen.AddAllocateR0())
		}
		n, err := p.parseInt(ops[0])
		if err != nil {
			return err
		}
		if n < 0 || n > math.MaxUint16 {
			return p.newError("allocate size out of 16-bit range")
		}
		return p.wrapError(p.gen.AddAllocate(uint16(n)))

	case "transmit":
		return p.wrapError(p.gen.AddTransmit())
	case "discard":
		return p.wrapError(p.gen.AddDiscard())

	case "write8", "write16", "write32":
		if len(ops) != 1 {
			return p.newError(mnemonic + " expects a value")
		}
		v, err := p.parseInt(ops[0])
		if err != nil {
			return err
		}
		u, err := p.asUint32(v)
		if err != nil {
			return err
		}
		switch mnemonic {
		case "write8":
			return p.wrapError(p.gen.AddWriteU8(u))
		case "write16":
			return p.wrapError(p.gen.AddWriteU16(u))
		default:
			return p.wrapError(p.gen.AddWriteU32(u))
		}

	case "ewrite1", "ewrite2", "ewrite4":
		if len(ops) != 1 {
			return p.newError(mnemonic + " expects a register")
		}
		reg, err := p.parseRegister(ops[0])
		if err != nil {
			return err
		}
		width := int(mnemonic[len(mnemonic)-1] - '0')
		return p.wrapError(p.gen.AddWriteFromRegister(reg, width))

	case "pktcopy", "datacopy":
		return p.parseCopy(mnemonic, ops)

	case "lddw", "stdw":
		reg, offset, err := p.regValueOperands(ops)
		if err != nil {
			return err
		}
		v, err := p.asInt32(offset)
		if err != nil {
			return err
		}
		if mnemonic == "lddw" {
			return p.wrapError(p.gen.AddLoadData(reg, v))
		}
		return p.wrapError(p.gen.AddStoreData(reg, v))

	default:
		return p.newError("unknown instruction: " + mnemonic)
	}
}

func (p *Parser) parseArithmetic(mnemonic string, ops []string) error {
	if len(ops) != 1 {
		return p.newError(mnemonic + " expects one operand")
	}
	// "r1" selects the register form; anything else is an immediate.
	if strings.EqualFold(ops[0], "r1") {
		switch mnemonic {
		case "add":
			return p.wrapError(p.gen.AddAddR1())
		case "mul":
			return p.wrapError(p.gen.AddMulR1())
		case "div":
			return p.wrapError(p.gen.AddDivR1())
		case "and":
			return p.wrapError(p.gen.AddAndR1())
		case "or":
			return p.wrapError(p.gen.AddOrR1())
		case "shl":
			return p.wrapError(p.gen.AddLeftShiftR1())
		default:
			return p.newError("shr has no register form")
		}
	}
	v, err := p.parseInt(ops[0])
	if err != nil {
		return err
	}
	switch mnemonic {
	case "add":
		s, err := p.asInt32(v)
		if err != nil {
			return err
		}
		return p.wrapError(p.gen.AddAdd(s))
	case "mul":
		u, err := p.asUint32(v)
		if err != nil {
			return err
		}
		return p.wrapError(p.gen.AddMul(u))
	case "div":
		u, err := p.asUint32(v)
		if err != nil {
			return err
		}
		return p.wrapError(p.gen.AddDiv(u))
	case "and":
		u, err := p.asUint32(v)
		if err != nil {
			return err
		}
		return p.wrapError(p.gen.AddAnd(u))
	case "or":
		u, err := p.asUint32(v)
		if err != nil {
			return err
		}
		return p.wrapError(p.gen.AddOr(u))
	case "shl":
		s, err := p.asInt32(v)
		if err != nil {
			return err
		}
		return p.wrapError(p.gen.AddLeftShift(s))
	default:
		s, err := p.asInt32(v)
		if err != nil {
			return err
		}
		return p.wrapError(p.gen.AddRightShift(s))
	}
}

func (p *Parser) parseConditionalJump(mnemonic string, ops []string) error {
	if len(ops) != 3 {
		return p.newError(mnemonic + " expects register, value and target")
	}
	if _, err := p.parseRegister(ops[0]); err != nil {
		return err
	}
	if !strings.EqualFold(ops[0], "r0") {
		return p.newError(mnemonic + " compares against R0")
	}
	target := targetName(ops[2])

	// "jeq r0, r1, target" compares the two registers.
	if strings.EqualFold(ops[1], "r1") {
		switch mnemonic {
		case "jeq":
			return p.wrapError(p.gen.AddJumpIfR0EqualsR1(target))
		case "jne":
			return p.wrapError(p.gen.AddJumpIfR0NotEqualsR1(target))
		case "jgt":
			return p.wrapError(p.gen.AddJumpIfR0GreaterThanR1(target))
		case "jlt":
			return p.wrapError(p.gen.AddJumpIfR0LessThanR1(target))
		default:
			return p.wrapError(p.gen.AddJumpIfR0AnyBitsSetR1(target))
		}
	}

	v, err := p.parseInt(ops[1])
	if err != nil {
		return err
	}
	u, err := p.asUint32(v)
	if err != nil {
		return err
	}
	switch mnemonic {
	case "jeq":
		return p.wrapError(p.gen.AddJumpIfR0Equals(u, target))
	case "jne":
		return p.wrapError(p.gen.AddJumpIfR0NotEquals(u, target))
	case "jgt":
		return p.wrapError(p.gen.AddJumpIfR0GreaterThan(u, target))
	case "jlt":
		return p.wrapError(p.gen.AddJumpIfR0LessThan(u, target))
	default:
		return p.wrapError(p.gen.AddJumpIfR0AnyBitsSet(u, target))
	}
}

func (p *Parser) parseCopy(mnemonic string, ops []string) error {
	if len(ops) != 2 {
		return p.newError(mnemonic + " expects source offset (or r0) and length")
	}
	length, err := p.parseInt(ops[1])
	if err != nil {
		return err
	}
	if strings.EqualFold(ops[0], "r0") {
		if mnemonic == "pktcopy" {
			return p.wrapError(p.gen.AddPacketCopyFromR0(int(length)))
		}
		return p.wrapError(p.gen.AddDataCopyFromR0(int(length)))
	}
	offset, err := p.parseInt(ops[0])
	if err != nil {
		return err
	}
	u, err := p.asUint32(offset)
	if err != nil {
		return err
	}
	if mnemonic == "pktcopy" {
		return p.wrapError(p.gen.AddPacketCopy(u, int(length)))
	}
	return p.wrapError(p.gen.AddDataCopy(u, int(length)))
}

// regValueOperands parses the common "reg, value" operand shape.
func (p *Parser) regValueOperands(ops []string) (apf.Register, int64, error) {
	if len(ops) != 2 {
		return 0, 0, p.newError("expected register and value operands")
	}
	reg, err := p.parseRegister(ops[0])
	if err != nil {
		return 0, 0, err
	}
	v, err := p.parseInt(ops[1])
	if err != nil {
		return 0, 0, err
	}
	return reg, v, nil
}

func (p *Parser) hexOperand(ops []string, minOps, maxOps int) ([]byte, error) {
	if len(ops) < minOps || len(ops) > maxOps {
		return nil, p.newError("expected hex byte operand")
	}
	if len(ops) == 0 {
		return nil, nil
	}
	return p.parseHex(ops[0])
}

func (p *Parser) parseRegister(s string) (apf.Register, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "r0":
		return apf.R0, nil
	case "r1":
		return apf.R1, nil
	}
	return 0, p.newError("invalid register: " + s)
}

// parseInt accepts decimal, 0x hex, 0b binary and negative values.
func (p *Parser) parseInt(s string) (int64, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 0, 64)
	if err != nil {
		// Values in [0x80000000, 0xFFFFFFFF] overflow ParseInt but are
		// valid unsigned operands.
		if u, uerr := strconv.ParseUint(strings.TrimSpace(s), 0, 32); uerr == nil {
			return int64(u), nil
		}
		return 0, p.newError("invalid integer: " + s)
	}
	return v, nil
}

func (p *Parser) parseHex(s string) ([]byte, error) {
	data, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, p.newError("invalid hex bytes: " + s)
	}
	return data, nil
}

func (p *Parser) asUint32(v int64) (uint32, error) {
	if v < 0 || v > math.MaxUint32 {
		return 0, p.newError(fmt.Sprintf("value %d out of unsigned 32-bit range", v))
	}
	return uint32(v), nil
}

func (p *Parser) asInt32(v int64) (int32, error) {
	if v < math.MinInt32 || v > math.MaxInt32 {
		return 0, p.newError(fmt.Sprintf("value %d out of signed 32-bit range", v))
	}
	return int32(v), nil
}

// newError creates an error at the parser's current position.
func (p *Parser) newError(message string) *Error {
	return &Error{Pos: p.pos, Message: message, Context: strings.TrimSpace(p.line)}
}

// wrapError attaches position context to a generator error.
func (p *Parser) wrapError(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Pos: p.pos, Message: err.Error(), Context: strings.TrimSpace(p.line), Wrapped: err}
}

// targetName maps the sentinel target mnemonics onto the generator's
// reserved labels.
func targetName(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pass":
		return apf.PassLabel
	case "drop":
		return apf.DropLabel
	}
	return strings.TrimSpace(s)
}

// splitOperands splits a comma-separated operand list, trimming whitespace.
func splitOperands(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
