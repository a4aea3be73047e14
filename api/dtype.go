// Package api includes constants and value types shared across the runtime
// packages, free of dependencies on the rest of the module.
package api

import "fmt"

// Index is the signed integer type used for memref offsets, dimension sizes
// and strides. It matches the i64 fields of the strided memref descriptor the
// generated code reads and writes.
type Index = int64

// DynamicDim marks a dimension whose size is unknown until run time.
const DynamicDim Index = -1

// DType is the scalar element type of tensors and memrefs crossing the
// runtime ABI boundary.
type DType byte

const (
	// InvalidDType is the zero value of DType. It is never valid on a
	// function signature.
	InvalidDType DType = iota
	I1
	I8
	I16
	I32
	I64
	UI8
	UI16
	UI32
	UI64
	F32
	F64
	Complex64
	Complex128
)

// SizeInBytes returns the storage size of one scalar of this type. It is
// total over all valid DType values; InvalidDType returns 0.
func (d DType) SizeInBytes() int {
	switch d {
	case I1, I8, UI8:
		return 1
	case I16, UI16:
		return 2
	case I32, UI32, F32:
		return 4
	case I64, UI64, F64:
		return 8
	case Complex64:
		return 8
	case Complex128:
		return 16
	}
	return 0
}

// String implements fmt.Stringer using the IR element type spelling.
func (d DType) String() string {
	switch d {
	case I1:
		return "i1"
	case I8:
		return "i8"
	case I16:
		return "i16"
	case I32:
		return "i32"
	case I64:
		return "i64"
	case UI8:
		return "ui8"
	case UI16:
		return "ui16"
	case UI32:
		return "ui32"
	case UI64:
		return "ui64"
	case F32:
		return "f32"
	case F64:
		return "f64"
	case Complex64:
		return "complex<f32>"
	case Complex128:
		return "complex<f64>"
	}
	return fmt.Sprintf("DType(%d)", byte(d))
}
