package apf

import (
	"errors"
	"fmt"
)

// IllegalInstructionError reports an instruction the generator refuses to
// build or emit: an out-of-range operand, a version mismatch, a structural
// violation such as a duplicate label, or an unresolved branch target. The
// failed append is not committed; the generator remains usable for further
// appends. During Generate the first failure aborts the emission.
type IllegalInstructionError struct {
	Msg string
}

func (e *IllegalInstructionError) Error() string {
	return "illegal instruction: " + e.Msg
}

// ErrInternal marks integrity violations that indicate a bug in the
// assembler itself rather than bad caller input: an instruction writing a
// different number of bytes than it claimed, or a branch width growing
// during the layout fixed point.
var ErrInternal = errors.New("internal assembler error")

// illegalf builds a caller-facing IllegalInstructionError.
func illegalf(format string, args ...any) error {
	return &IllegalInstructionError{Msg: fmt.Sprintf(format, args...)}
}

// internalf builds an integrity error wrapping ErrInternal.
func internalf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInternal, fmt.Sprintf(format, args...))
}
