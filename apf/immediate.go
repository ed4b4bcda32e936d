package apf

import "math"

// immediateKind is the size and signedness discipline of an immediate.
// Indeterminate kinds have their byte width chosen by the layout pass;
// determinate kinds always occupy their declared width.
type immediateKind int

const (
	indeterminateSigned immediateKind = iota
	indeterminateUnsigned
	signed8
	unsigned8
	signedBE16
	unsignedBE16
	signedBE32
	unsignedBE32
)

// immediate is a tagged value carrying a 32-bit payload. Indeterminate
// values represent either a signed or an unsigned 32-bit quantity
// reinterpreted from the same bit pattern; the payload is stored as the
// two's-complement int32 of that pattern.
type immediate struct {
	kind  immediateKind
	value int32
}

// newImmediate range-checks v against the bounds implied by the kind and
// returns the immediate holding its 32-bit bit pattern.
func newImmediate(kind immediateKind, v int64) (immediate, error) {
	var lo, hi int64
	switch kind {
	case indeterminateSigned, signedBE32:
		lo, hi = math.MinInt32, math.MaxInt32
	case indeterminateUnsigned, unsignedBE32:
		lo, hi = 0, math.MaxUint32
	case signed8:
		lo, hi = math.MinInt8, math.MaxInt8
	case unsigned8:
		lo, hi = 0, math.MaxUint8
	case signedBE16:
		lo, hi = math.MinInt16, math.MaxInt16
	case unsignedBE16:
		lo, hi = 0, math.MaxUint16
	}
	if v < lo || v > hi {
		return immediate{}, illegalf("immediate value %d out of range [%d, %d]", v, lo, hi)
	}
	return immediate{kind: kind, value: int32(uint32(v))}, nil
}

func signedImm(v int32) immediate {
	return immediate{kind: indeterminateSigned, value: v}
}

func unsignedImm(v uint32) immediate {
	return immediate{kind: indeterminateUnsigned, value: int32(v)}
}

func (im immediate) indeterminate() bool {
	return im.kind == indeterminateSigned || im.kind == indeterminateUnsigned
}

// minWidth returns the smallest byte width able to losslessly hold the
// value of an indeterminate immediate. Determinate kinds report 0 so that
// callers can combine widths with max; their fixed width is reported by
// encodedWidth instead.
func (im immediate) minWidth() int {
	if !im.indeterminate() {
		return 0
	}
	if im.kind == indeterminateSigned {
		return widthForSigned(int64(im.value))
	}
	return widthForUnsigned(uint32(im.value))
}

// encodedWidth returns the number of bytes this immediate occupies given the
// instruction's chosen indeterminate width.
func (im immediate) encodedWidth(indeterminateWidth int) int {
	switch im.kind {
	case signed8, unsigned8:
		return 1
	case signedBE16, unsignedBE16:
		return 2
	case signedBE32, unsignedBE32:
		return 4
	}
	return indeterminateWidth
}

// write serializes the immediate big-endian into buf at off, truncated to
// its encoded width, and returns the next write position. Asking an
// indeterminate immediate to encode below its minimum width means the
// layout fixed point failed to reserve enough bytes.
func (im immediate) write(buf []byte, off, indeterminateWidth int) (int, error) {
	width := im.encodedWidth(indeterminateWidth)
	if im.indeterminate() && width < im.minWidth() {
		return off, internalf("immediate %d does not fit in %d bytes", im.value, width)
	}
	v := uint32(im.value)
	for i := width - 1; i >= 0; i-- {
		buf[off+i] = byte(v)
		v >>= 8
	}
	return off + width, nil
}

// widthForSigned returns the minimum two's-complement width for v: zero
// collapses to zero bytes.
func widthForSigned(v int64) int {
	switch {
	case v == 0:
		return 0
	case v >= math.MinInt8 && v <= math.MaxInt8:
		return 1
	case v >= math.MinInt16 && v <= math.MaxInt16:
		return 2
	default:
		return 4
	}
}

// widthForOffset returns the minimum width for a branch offset: forward
// distances are encoded unsigned, backward distances two's complement.
func widthForOffset(offset int) int {
	if offset >= 0 {
		return widthForUnsigned(uint32(offset))
	}
	return widthForSigned(int64(offset))
}

// widthForUnsigned returns the minimum width for v as an unsigned quantity.
func widthForUnsigned(v uint32) int {
	switch {
	case v == 0:
		return 0
	case v <= math.MaxUint8:
		return 1
	case v <= math.MaxUint16:
		return 2
	default:
		return 4
	}
}
