// Package customcall implements the registry of host intrinsics that
// generated code calls back into by name, with typed decoding of arguments
// and attributes from the runtime ABI.
package customcall

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/jitrt-go/jitrt/api"
)

// Error kinds reported by the dispatcher.
var (
	ErrUnknownCustomCall = errors.New("unknown custom call")
	ErrArgMismatch       = errors.New("custom call argument mismatch")
	ErrAttrMismatch      = errors.New("custom call attribute mismatch")
)

// TypeID identifies the host type of an encoded argument or attribute.
// The generated code tags every value it passes to the dispatcher with the
// TypeID of its host representation; handlers declare the TypeIDs they
// expect and decoding matches the two.
type TypeID string

// Built-in type ids. Clients mint their own for custom argument types.
const (
	I32           TypeID = "i32"
	I64           TypeID = "i64"
	F32           TypeID = "f32"
	F64           TypeID = "f64"
	String        TypeID = "string"
	Memref        TypeID = "memref"
	FlatMemref    TypeID = "memref.flat"
	InvalidTypeID TypeID = ""
)

// EncodedArg is one (type id, value) pair passed by generated code. For
// memref arguments Value points to an EncodedMemref.
type EncodedArg struct {
	TypeID TypeID
	Value  unsafe.Pointer
}

// EncodedAttr is one named (type id, value) pair passed by generated code.
type EncodedAttr struct {
	Name   string
	TypeID TypeID
	Value  unsafe.Pointer
}

// EncodedMemref is the encoding of a memref argument: the element type id,
// the rank, and a pointer to the inlined strided descriptor
// {base, data, offset: i64, sizes: [i64; rank], strides: [i64; rank]}.
type EncodedMemref struct {
	ElementTypeID TypeID
	Rank          int64
	Descriptor    unsafe.Pointer
}

// MemrefView is a memref argument as seen by a handler: a non-owning view
// preserving shape and strides.
type MemrefView struct {
	DType   api.DType
	Data    unsafe.Pointer
	Offset  int64
	Sizes   []int64
	Strides []int64
}

func (v MemrefView) String() string {
	return fmt.Sprintf("MemrefView: dtype: %s offset: %d sizes: %v strides: %v",
		v.DType, v.Offset, v.Sizes, v.Strides)
}

// FlatMemrefView drops the shape detail and carries the total size in
// bytes.
type FlatMemrefView struct {
	DType       api.DType
	Data        unsafe.Pointer
	SizeInBytes int64
}

func (v FlatMemrefView) String() string {
	return fmt.Sprintf("FlatMemrefView: dtype: %s size_in_bytes: %d", v.DType, v.SizeInBytes)
}

// maxMemrefRank bounds descriptor decoding; ranks 0 through 8 are
// supported.
const maxMemrefRank = 8

func scalarTypeIDToDType(id TypeID) (api.DType, bool) {
	// f32 is by far the most popular data type in ML models, check it
	// first.
	switch id {
	case F32:
		return api.F32, true
	case F64:
		return api.F64, true
	case I32:
		return api.I32, true
	case I64:
		return api.I64, true
	}
	return api.InvalidDType, false
}

func decodeMemrefView(arg EncodedArg) (MemrefView, error) {
	if arg.TypeID != Memref {
		return MemrefView{}, errors.Wrapf(ErrArgMismatch, "expected memref encoding, got '%s'", arg.TypeID)
	}
	encoded := (*EncodedMemref)(arg.Value)
	dtype, ok := scalarTypeIDToDType(encoded.ElementTypeID)
	if !ok {
		return MemrefView{}, errors.Wrapf(ErrArgMismatch, "unsupported memref element type id '%s'", encoded.ElementTypeID)
	}
	rank := int(encoded.Rank)
	if rank < 0 || rank > maxMemrefRank {
		return MemrefView{}, errors.Wrapf(ErrArgMismatch, "unsupported memref rank %d", rank)
	}

	d := encoded.Descriptor
	view := MemrefView{
		DType:  dtype,
		Data:   *(*unsafe.Pointer)(unsafe.Add(d, ptrSize)),
		Offset: *(*int64)(unsafe.Add(d, 2*ptrSize)),
	}
	view.Sizes = make([]int64, rank)
	view.Strides = make([]int64, rank)
	for i := 0; i < rank; i++ {
		view.Sizes[i] = *(*int64)(unsafe.Add(d, 2*ptrSize+8+8*i))
		view.Strides[i] = *(*int64)(unsafe.Add(d, 2*ptrSize+8+8*(rank+i)))
	}
	return view, nil
}

const ptrSize = int(unsafe.Sizeof(uintptr(0)))

func decodeFlatMemrefView(arg EncodedArg) (FlatMemrefView, error) {
	view, err := decodeMemrefView(arg)
	if err != nil {
		return FlatMemrefView{}, err
	}
	size := int64(view.DType.SizeInBytes())
	for _, s := range view.Sizes {
		size *= s
	}
	return FlatMemrefView{DType: view.DType, Data: view.Data, SizeInBytes: size}, nil
}

func decodeScalar(declared TypeID, arg EncodedArg) (interface{}, error) {
	if arg.TypeID != declared {
		return nil, errors.Wrapf(ErrArgMismatch, "expected type id '%s', got '%s'", declared, arg.TypeID)
	}
	switch declared {
	case I32:
		return *(*int32)(arg.Value), nil
	case I64:
		return *(*int64)(arg.Value), nil
	case F32:
		return *(*float32)(arg.Value), nil
	case F64:
		return *(*float64)(arg.Value), nil
	case String:
		return *(*string)(arg.Value), nil
	}
	return nil, errors.Wrapf(ErrArgMismatch, "no decoder for type id '%s'", declared)
}

// ArgDecoder decodes one encoded argument into its host representation.
type ArgDecoder func(arg EncodedArg) (interface{}, error)

var (
	decodersMu sync.RWMutex
	decoders   = map[TypeID]ArgDecoder{}
)

// RegisterArgDecoding installs a decoder for a client-defined type id,
// mirroring the per-type decoding specializations of the source runtime.
// Registering a decoder for an existing id is a programming error.
func RegisterArgDecoding(id TypeID, fn ArgDecoder) {
	decodersMu.Lock()
	defer decodersMu.Unlock()
	if _, ok := decoders[id]; ok {
		panic(fmt.Sprintf("customcall: duplicate arg decoding for type id '%s'", id))
	}
	decoders[id] = fn
}

func decodeArg(declared TypeID, arg EncodedArg) (interface{}, error) {
	switch declared {
	case Memref:
		return decodeMemrefView(arg)
	case FlatMemref:
		return decodeFlatMemrefView(arg)
	case I32, I64, F32, F64, String:
		return decodeScalar(declared, arg)
	}
	decodersMu.RLock()
	fn, ok := decoders[declared]
	decodersMu.RUnlock()
	if ok {
		return fn(arg)
	}
	// Opaque fallback: the raw pointer after a type-id check.
	if arg.TypeID != declared {
		return nil, errors.Wrapf(ErrArgMismatch, "expected type id '%s', got '%s'", declared, arg.TypeID)
	}
	return arg.Value, nil
}

func decodeAttr(declared expectedAttr, attrs []EncodedAttr) (interface{}, error) {
	for _, attr := range attrs {
		if attr.Name != declared.name {
			continue
		}
		v, err := decodeArg(declared.id, EncodedArg{TypeID: attr.TypeID, Value: attr.Value})
		if err != nil {
			return nil, errors.Wrapf(ErrAttrMismatch, "attribute '%s': %v", declared.name, err)
		}
		return v, nil
	}
	return nil, errors.Wrapf(ErrAttrMismatch, "attribute '%s' was not provided", declared.name)
}
