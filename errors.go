package jitrt

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the runtime. Wrapped errors carry detail;
// callers classify with errors.Is.
var (
	// ErrParse reports that the IR module text did not parse. The message
	// includes the diagnostics captured by the compilation context.
	ErrParse = errors.New("failed to parse IR module")

	// ErrUnsupportedType reports a signature type with no runtime
	// representation in the role it occupies.
	ErrUnsupportedType = errors.New("unsupported type")

	// ErrSignature covers operand count, rank, dtype and dynamic-dimension
	// violations.
	ErrSignature = errors.New("signature error")

	// ErrArityMismatch is a signature error on the operand count.
	ErrArityMismatch = fmt.Errorf("%w: arity mismatch", ErrSignature)

	// ErrTypeMismatch is a signature error on one operand's type.
	ErrTypeMismatch = fmt.Errorf("%w: type mismatch", ErrSignature)

	// ErrSpecialization reports a failed specialization, e.g. value
	// specialization of an operand with no data.
	ErrSpecialization = errors.New("specialization error")

	// ErrCompilation reports a pass failure in the lowering pipeline and
	// carries the pipeline diagnostics.
	ErrCompilation = errors.New("compilation error")

	// ErrExecution reports a failure signaled by the generated code.
	ErrExecution = errors.New("execution error")

	// ErrResultConversion reports that no converter handled a result.
	ErrResultConversion = errors.New("result conversion error")
)
