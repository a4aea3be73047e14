// Package types defines the runtime type system mirroring the compiler's
// IR types. Each type carries the argument/result ABI the executable uses
// to lay out call frames and result storage.
package types

import (
	"fmt"
	"strings"
	"unsafe"

	"github.com/jitrt-go/jitrt/api"
)

// ptrSize is the size of one machine-pointer argument slot.
const ptrSize = int(unsafe.Sizeof(uintptr(0)))

// ArgumentABI describes how a type is passed as a function input.
type ArgumentABI struct {
	// NumSlots is the number of pointer-sized slots the argument occupies
	// in the packed argument array.
	NumSlots int
}

// ResultABI describes how a type is returned from a function.
type ResultABI struct {
	// SizeInBytes is the size of the storage cell the callee writes the
	// result into.
	SizeInBytes int
}

// Type is one runtime type. AsArgument and AsResult report the ABI for the
// corresponding role; the second result is false when the type cannot
// occupy that role. Any type appearing on a function signature must
// support at least the role it occupies.
type Type interface {
	fmt.Stringer

	AsArgument() (ArgumentABI, bool)
	AsResult() (ResultABI, bool)
}

// OpaquePointerType is an input passed as a single opaque pointer.
type OpaquePointerType struct{}

func (OpaquePointerType) String() string { return "!llvm.ptr" }

func (OpaquePointerType) AsArgument() (ArgumentABI, bool) { return ArgumentABI{NumSlots: 1}, true }

func (OpaquePointerType) AsResult() (ResultABI, bool) { return ResultABI{}, false }

// KernelContextOperandType is the per-call kernel context the calling
// convention prepends to the runtime signature, passed as a single opaque
// pointer.
type KernelContextOperandType struct{}

func (KernelContextOperandType) String() string { return "!rt.kernel_context" }

func (KernelContextOperandType) AsArgument() (ArgumentABI, bool) { return ArgumentABI{NumSlots: 1}, true }

func (KernelContextOperandType) AsResult() (ResultABI, bool) { return ResultABI{}, false }

// AsyncTokenType is a completion handle with no payload, returned as a
// single pointer to a runtime-owned async token.
type AsyncTokenType struct{}

func (AsyncTokenType) String() string { return "!async.token" }

func (AsyncTokenType) AsArgument() (ArgumentABI, bool) { return ArgumentABI{}, false }

func (AsyncTokenType) AsResult() (ResultABI, bool) { return ResultABI{SizeInBytes: ptrSize}, true }

// AsyncValueType wraps the type of a value that becomes available
// asynchronously. Returned as a single pointer to a runtime-owned async
// value.
type AsyncValueType struct {
	value Type
}

// NewAsyncValueType returns an async value wrapping the given payload
// type.
func NewAsyncValueType(value Type) *AsyncValueType { return &AsyncValueType{value: value} }

// ValueType returns the payload type.
func (t *AsyncValueType) ValueType() Type { return t.value }

func (t *AsyncValueType) String() string { return fmt.Sprintf("!async.value<%s>", t.value) }

func (t *AsyncValueType) AsArgument() (ArgumentABI, bool) { return ArgumentABI{}, false }

func (t *AsyncValueType) AsResult() (ResultABI, bool) {
	return ResultABI{SizeInBytes: ptrSize}, true
}

// RankedTensorType is a tensor with a known rank; individual dimensions
// may be dynamic. Tensors have no runtime representation of their own: the
// calling convention rewrites them to memrefs before execution, so the
// type supports neither ABI role.
type RankedTensorType struct {
	sizes []api.Index
	dtype api.DType
}

// NewRankedTensorType returns a ranked tensor type.
func NewRankedTensorType(sizes []api.Index, dtype api.DType) *RankedTensorType {
	return &RankedTensorType{sizes: sizes, dtype: dtype}
}

func (t *RankedTensorType) Rank() int          { return len(t.sizes) }
func (t *RankedTensorType) Sizes() []api.Index { return t.sizes }
func (t *RankedTensorType) DType() api.DType   { return t.dtype }

func (t *RankedTensorType) String() string {
	return fmt.Sprintf("tensor<%s%s>", dimsPrefix(t.sizes), t.dtype)
}

func (t *RankedTensorType) AsArgument() (ArgumentABI, bool) { return ArgumentABI{}, false }

func (t *RankedTensorType) AsResult() (ResultABI, bool) { return ResultABI{}, false }

// UnrankedTensorType is a tensor of unknown rank. Not usable on a runtime
// signature.
type UnrankedTensorType struct {
	dtype api.DType
}

// NewUnrankedTensorType returns an unranked tensor type.
func NewUnrankedTensorType(dtype api.DType) *UnrankedTensorType {
	return &UnrankedTensorType{dtype: dtype}
}

func (t *UnrankedTensorType) DType() api.DType { return t.dtype }

func (t *UnrankedTensorType) String() string { return fmt.Sprintf("tensor<*x%s>", t.dtype) }

func (t *UnrankedTensorType) AsArgument() (ArgumentABI, bool) { return ArgumentABI{}, false }

func (t *UnrankedTensorType) AsResult() (ResultABI, bool) { return ResultABI{}, false }

// MemrefType is a ranked strided memory reference.
type MemrefType struct {
	sizes []api.Index
	dtype api.DType
}

// NewMemrefType returns a ranked memref type.
func NewMemrefType(sizes []api.Index, dtype api.DType) *MemrefType {
	return &MemrefType{sizes: sizes, dtype: dtype}
}

func (t *MemrefType) Rank() int          { return len(t.sizes) }
func (t *MemrefType) Sizes() []api.Index { return t.sizes }
func (t *MemrefType) DType() api.DType   { return t.dtype }

// IsDynamicDim reports whether dimension d is dynamic.
func (t *MemrefType) IsDynamicDim(d int) bool { return t.sizes[d] == api.DynamicDim }

func (t *MemrefType) String() string {
	return fmt.Sprintf("memref<%s%s>", dimsPrefix(t.sizes), t.dtype)
}

// Memrefs are passed as an unrolled strided descriptor: base pointer,
// aligned data pointer, offset, rank sizes and rank strides.
func (t *MemrefType) AsArgument() (ArgumentABI, bool) {
	return ArgumentABI{NumSlots: 3 + 2*t.Rank()}, true
}

// Memrefs are returned as an inlined strided descriptor struct.
func (t *MemrefType) AsResult() (ResultABI, bool) {
	return ResultABI{SizeInBytes: 2*ptrSize + 8 + 8*2*t.Rank()}, true
}

// UnrankedMemrefType is a memref of unknown rank. Rejected at
// signature-verification time in both roles.
type UnrankedMemrefType struct {
	dtype api.DType
}

// NewUnrankedMemrefType returns an unranked memref type.
func NewUnrankedMemrefType(dtype api.DType) *UnrankedMemrefType {
	return &UnrankedMemrefType{dtype: dtype}
}

func (t *UnrankedMemrefType) DType() api.DType { return t.dtype }

func (t *UnrankedMemrefType) String() string { return fmt.Sprintf("memref<*x%s>", t.dtype) }

func (t *UnrankedMemrefType) AsArgument() (ArgumentABI, bool) { return ArgumentABI{}, false }

func (t *UnrankedMemrefType) AsResult() (ResultABI, bool) { return ResultABI{}, false }

// FunctionType is a runtime function signature: ordered input and result
// types.
type FunctionType struct {
	inputs  []Type
	results []Type
}

// NewFunctionType returns a function type owning the given slices.
func NewFunctionType(inputs, results []Type) *FunctionType {
	return &FunctionType{inputs: inputs, results: results}
}

func (t *FunctionType) NumInputs() int    { return len(t.inputs) }
func (t *FunctionType) NumResults() int   { return len(t.results) }
func (t *FunctionType) Input(i int) Type  { return t.inputs[i] }
func (t *FunctionType) Result(i int) Type { return t.results[i] }

func (t *FunctionType) String() string {
	ins := make([]string, len(t.inputs))
	for i, in := range t.inputs {
		ins[i] = in.String()
	}
	outs := make([]string, len(t.results))
	for i, out := range t.results {
		outs[i] = out.String()
	}
	return fmt.Sprintf("(%s) -> (%s)", strings.Join(ins, ", "), strings.Join(outs, ", "))
}

func dimsPrefix(sizes []api.Index) string {
	var sb strings.Builder
	for _, s := range sizes {
		if s == api.DynamicDim {
			sb.WriteString("?x")
		} else {
			fmt.Fprintf(&sb, "%dx", s)
		}
	}
	return sb.String()
}
