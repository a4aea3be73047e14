package jitrt

import (
	"fmt"
	"strings"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/jitrt-go/jitrt/api"
	"github.com/jitrt-go/jitrt/types"
)

// Argument is one host-side operand of a compiled function. Verify checks
// the argument against the expected runtime type; Pack writes exactly
// Type.AsArgument().NumSlots pointers into the packed argument array
// starting at offset and returns the next offset.
//
// Packed pointers reference storage inside the argument, so arguments must
// not be moved or mutated between Pack and the end of the call.
type Argument interface {
	fmt.Stringer

	Verify(t types.Type) error
	Pack(args []unsafe.Pointer, offset int) int
}

// OpaqueArg passes a raw pointer as a single opaque argument slot.
type OpaqueArg struct {
	ptr unsafe.Pointer
}

// NewOpaqueArg returns an opaque argument wrapping ptr.
func NewOpaqueArg(ptr unsafe.Pointer) OpaqueArg { return OpaqueArg{ptr: ptr} }

// Ptr returns the wrapped pointer.
func (a *OpaqueArg) Ptr() unsafe.Pointer { return a.ptr }

// Verify implements Argument; opaque arguments match opaque pointer types.
func (a *OpaqueArg) Verify(t types.Type) error {
	switch t.(type) {
	case types.OpaquePointerType, types.KernelContextOperandType:
		return nil
	}
	return errors.Wrapf(ErrTypeMismatch, "expected opaque pointer type, got %s", t)
}

// Pack implements Argument. The slot holds the address of the pointer
// cell, per the pointers-to-arguments convention of the generated code.
func (a *OpaqueArg) Pack(args []unsafe.Pointer, offset int) int {
	args[offset] = unsafe.Pointer(&a.ptr)
	return offset + 1
}

func (a *OpaqueArg) String() string { return fmt.Sprintf("OpaqueArg: %p", a.ptr) }

// MemrefDesc describes a strided buffer operand: element type, base
// pointer, offset, and per-dimension sizes and strides.
type MemrefDesc struct {
	rank   int
	dtype  api.DType
	data   unsafe.Pointer
	offset api.Index
	// Sizes and strides share one backing array to keep higher-rank
	// descriptors to a single allocation.
	sizesAndStrides []api.Index
}

// NewMemrefDesc returns a memref descriptor. sizes and strides must have
// equal length.
func NewMemrefDesc(dtype api.DType, data unsafe.Pointer, offset api.Index, sizes, strides []api.Index) MemrefDesc {
	if len(sizes) != len(strides) {
		panic("jitrt: invalid sizes and strides pair")
	}
	d := MemrefDesc{rank: len(sizes), dtype: dtype, data: data, offset: offset}
	d.sizesAndStrides = make([]api.Index, 0, 2*len(sizes))
	d.sizesAndStrides = append(d.sizesAndStrides, sizes...)
	d.sizesAndStrides = append(d.sizesAndStrides, strides...)
	return d
}

// NewMemrefDescWith constructs a rank-rank descriptor and calls initialize
// to fill the sizes and strides in place, saving an allocation on the hot
// path.
func NewMemrefDescWith(rank int, dtype api.DType, data unsafe.Pointer, offset api.Index,
	initialize func(sizes, strides []api.Index)) MemrefDesc {
	d := MemrefDesc{rank: rank, dtype: dtype, data: data, offset: offset}
	d.sizesAndStrides = make([]api.Index, 2*rank)
	initialize(d.sizesAndStrides[:rank], d.sizesAndStrides[rank:])
	return d
}

// RowMajorStrides returns the dense row-major strides for sizes.
func RowMajorStrides(sizes []api.Index) []api.Index {
	strides := make([]api.Index, len(sizes))
	stride := api.Index(1)
	for d := len(sizes) - 1; d >= 0; d-- {
		strides[d] = stride
		stride *= sizes[d]
	}
	return strides
}

func (d *MemrefDesc) Rank() int { return d.rank }

func (d *MemrefDesc) DType() api.DType { return d.dtype }

func (d *MemrefDesc) Data() unsafe.Pointer { return d.data }

func (d *MemrefDesc) Offset() api.Index { return d.offset }

func (d *MemrefDesc) Sizes() []api.Index { return d.sizesAndStrides[:d.rank] }

func (d *MemrefDesc) Strides() []api.Index { return d.sizesAndStrides[d.rank:] }

func (d *MemrefDesc) Size(i int) api.Index { return d.sizesAndStrides[i] }

func (d *MemrefDesc) Stride(i int) api.Index { return d.sizesAndStrides[d.rank+i] }

// Verify implements Argument: the rank must match, every static dimension
// must match exactly, and the element types must agree.
func (d *MemrefDesc) Verify(t types.Type) error {
	switch t := t.(type) {
	case *types.MemrefType:
		return d.verifyShaped(t.Sizes(), t.DType())
	case *types.RankedTensorType:
		return d.verifyShaped(t.Sizes(), t.DType())
	case *types.UnrankedMemrefType:
		return d.verifyDType(t.DType())
	case *types.UnrankedTensorType:
		return d.verifyDType(t.DType())
	}
	return errors.Wrapf(ErrTypeMismatch, "expected shaped type, got %s", t)
}

func (d *MemrefDesc) verifyShaped(sizes []api.Index, dtype api.DType) error {
	if d.rank != len(sizes) {
		return errors.Wrapf(ErrTypeMismatch,
			"operand rank does not match expected input rank: %d vs %d", d.rank, len(sizes))
	}
	for i, expected := range sizes {
		if got := d.Size(i); got != expected && expected != api.DynamicDim {
			return errors.Wrapf(ErrTypeMismatch,
				"operand dimension #%d does not match expected input dimension: %d vs %d", i, got, expected)
		}
	}
	return d.verifyDType(dtype)
}

func (d *MemrefDesc) verifyDType(dtype api.DType) error {
	if d.dtype != dtype {
		return errors.Wrapf(ErrTypeMismatch,
			"operand element type does not match expected input element type: %s vs %s", d.dtype, dtype)
	}
	return nil
}

// Pack implements Argument: base pointer, aligned data pointer, offset,
// sizes and strides, 3 + 2*rank slots in total. Each slot points at the
// field's storage inside the descriptor.
func (d *MemrefDesc) Pack(args []unsafe.Pointer, offset int) int {
	args[offset] = unsafe.Pointer(&d.data)
	args[offset+1] = unsafe.Pointer(&d.data)
	args[offset+2] = unsafe.Pointer(&d.offset)
	for i := range d.sizesAndStrides {
		args[offset+3+i] = unsafe.Pointer(&d.sizesAndStrides[i])
	}
	return offset + 3 + 2*d.rank
}

func (d *MemrefDesc) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "MemrefDesc: dtype: %s offset: %d sizes: %v strides: %v",
		d.dtype, d.offset, d.Sizes(), d.Strides())
	return sb.String()
}

// ArgumentsRef is a non-owning view over an ordered argument list.
type ArgumentsRef interface {
	Len() int
	At(i int) Argument
}

// Arguments is an owning container for a fixed number of heterogeneous
// arguments. The canonical argument kinds are stored inline in one
// contiguous slice; extension arguments fall back to an interface handle.
// The container never reallocates, so packed pointers into stored
// arguments stay valid for the lifetime of the container.
type Arguments struct {
	slots []argSlot
}

type argSlotKind byte

const (
	slotOpaque argSlotKind = iota
	slotMemref
	slotExtension
)

type argSlot struct {
	kind   argSlotKind
	opaque OpaqueArg
	memref MemrefDesc
	ext    Argument
}

// NewArguments returns a container with capacity for exactly numArgs
// arguments.
func NewArguments(numArgs int) *Arguments {
	return &Arguments{slots: make([]argSlot, 0, numArgs)}
}

func (a *Arguments) push(s argSlot) *argSlot {
	if len(a.slots) == cap(a.slots) {
		panic("jitrt: arguments overflow")
	}
	a.slots = append(a.slots, s)
	return &a.slots[len(a.slots)-1]
}

// PushOpaque appends an opaque argument and returns the stored copy.
func (a *Arguments) PushOpaque(arg OpaqueArg) *OpaqueArg {
	return &a.push(argSlot{kind: slotOpaque, opaque: arg}).opaque
}

// PushMemref appends a memref descriptor and returns the stored copy.
func (a *Arguments) PushMemref(d MemrefDesc) *MemrefDesc {
	return &a.push(argSlot{kind: slotMemref, memref: d}).memref
}

// Push appends an extension argument.
func (a *Arguments) Push(arg Argument) {
	a.push(argSlot{kind: slotExtension, ext: arg})
}

// Len implements ArgumentsRef.
func (a *Arguments) Len() int { return len(a.slots) }

// At implements ArgumentsRef.
func (a *Arguments) At(i int) Argument {
	s := &a.slots[i]
	switch s.kind {
	case slotOpaque:
		return &s.opaque
	case slotMemref:
		return &s.memref
	default:
		return s.ext
	}
}

// MemrefArgs adapts a slice of memref descriptors to ArgumentsRef without
// copying.
type MemrefArgs []MemrefDesc

// Len implements ArgumentsRef.
func (m MemrefArgs) Len() int { return len(m) }

// At implements ArgumentsRef.
func (m MemrefArgs) At(i int) Argument { return &m[i] }
