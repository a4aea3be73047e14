package customcall

import (
	"fmt"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/jitrt-go/jitrt/api"
)

// buildDescriptor lays out an inlined strided descriptor over data.
func buildDescriptor(data unsafe.Pointer, sizes, strides []int64) []byte {
	rank := len(sizes)
	buf := make([]byte, 2*ptrSize+8+8*2*rank)
	p := unsafe.Pointer(&buf[0])
	*(*unsafe.Pointer)(p) = data
	*(*unsafe.Pointer)(unsafe.Add(p, ptrSize)) = data
	for d := 0; d < rank; d++ {
		*(*int64)(unsafe.Add(p, 2*ptrSize+8+8*d)) = sizes[d]
		*(*int64)(unsafe.Add(p, 2*ptrSize+8+8*(rank+d))) = strides[d]
	}
	return buf
}

func encodeMemrefArg(data unsafe.Pointer, elem TypeID, sizes, strides []int64) (EncodedArg, *EncodedMemref, []byte) {
	desc := buildDescriptor(data, sizes, strides)
	encoded := &EncodedMemref{
		ElementTypeID: elem,
		Rank:          int64(len(sizes)),
		Descriptor:    unsafe.Pointer(&desc[0]),
	}
	return EncodedArg{TypeID: Memref, Value: unsafe.Pointer(encoded)}, encoded, desc
}

func TestDecodeMemrefViewRanks(t *testing.T) {
	data := make([]float32, 1024)
	for rank := 0; rank <= 5; rank++ {
		t.Run(fmt.Sprintf("rank%d", rank), func(t *testing.T) {
			sizes := make([]int64, rank)
			for d := range sizes {
				sizes[d] = int64(d + 2)
			}
			strides := make([]int64, rank)
			stride := int64(1)
			for d := rank - 1; d >= 0; d-- {
				strides[d] = stride
				stride *= sizes[d]
			}
			arg, _, desc := encodeMemrefArg(unsafe.Pointer(&data[0]), F32, sizes, strides)
			_ = desc

			view, err := decodeMemrefView(arg)
			require.NoError(t, err)
			require.Equal(t, api.F32, view.DType)
			require.Equal(t, sizes, view.Sizes)
			require.Equal(t, strides, view.Strides)
			require.Equal(t, unsafe.Pointer(&data[0]), view.Data)
		})
	}
}

func TestDecodeFlatMemrefView(t *testing.T) {
	data := make([]float32, 12)
	arg, _, desc := encodeMemrefArg(unsafe.Pointer(&data[0]), F32, []int64{3, 4}, []int64{4, 1})
	_ = desc

	flat, err := decodeFlatMemrefView(arg)
	require.NoError(t, err)
	require.Equal(t, api.F32, flat.DType)
	require.Equal(t, int64(48), flat.SizeInBytes)
}

func TestDecodeMemrefViewTypeMismatch(t *testing.T) {
	v := int32(7)
	_, err := decodeMemrefView(EncodedArg{TypeID: I32, Value: unsafe.Pointer(&v)})
	require.ErrorIs(t, err, ErrArgMismatch)
}

func TestDispatchDecodesArgsAndAttrs(t *testing.T) {
	registry := NewRegistry()

	var gotView MemrefView
	var gotAxis int32
	registry.Register(Bind("test.reduce").
		Arg(Memref).
		Attr("axis", I32).
		To(func(inv Invocation) error {
			gotView = inv.Args[0].(MemrefView)
			gotAxis = inv.Attrs[0].(int32)
			return nil
		}))

	data := make([]float32, 12)
	arg, _, desc := encodeMemrefArg(unsafe.Pointer(&data[0]), F32, []int64{3, 4}, []int64{4, 1})
	_ = desc

	axis := int32(2)
	attrs := []EncodedAttr{{Name: "axis", TypeID: I32, Value: unsafe.Pointer(&axis)}}

	require.NoError(t, registry.Dispatch("test.reduce", []EncodedArg{arg}, attrs, nil))
	require.Equal(t, api.F32, gotView.DType)
	require.Equal(t, []int64{3, 4}, gotView.Sizes)
	require.Equal(t, int32(2), gotAxis)
}

func TestDispatchUnknownCustomCall(t *testing.T) {
	registry := NewRegistry()
	err := registry.Dispatch("nope", nil, nil, nil)
	require.ErrorIs(t, err, ErrUnknownCustomCall)
}

func TestDispatchArgCountMismatch(t *testing.T) {
	registry := NewRegistry()
	registry.Register(Bind("test.unary").Arg(I32).To(func(Invocation) error { return nil }))

	err := registry.Dispatch("test.unary", nil, nil, nil)
	require.ErrorIs(t, err, ErrArgMismatch)
}

func TestDispatchAttrMismatch(t *testing.T) {
	registry := NewRegistry()
	registry.Register(Bind("test.attr").Attr("axis", I32).To(func(Invocation) error { return nil }))

	// Attribute missing entirely.
	err := registry.Dispatch("test.attr", nil, nil, nil)
	require.ErrorIs(t, err, ErrAttrMismatch)

	// Attribute present with the wrong type id.
	axis := int64(2)
	attrs := []EncodedAttr{{Name: "axis", TypeID: I64, Value: unsafe.Pointer(&axis)}}
	err = registry.Dispatch("test.attr", nil, attrs, nil)
	require.ErrorIs(t, err, ErrAttrMismatch)
}

func TestDispatchUserData(t *testing.T) {
	const ctxID = TypeID("test.context")

	type testContext struct{ calls int }

	registry := NewRegistry()
	registry.Register(Bind("test.userdata").
		UserData(ctxID).
		To(func(inv Invocation) error {
			inv.UserData[0].(*testContext).calls++
			return nil
		}))

	ctx := &testContext{}
	ud := NewUserData()
	ud.Insert(ctxID, ctx)

	require.NoError(t, registry.Dispatch("test.userdata", nil, nil, ud))
	require.Equal(t, 1, ctx.calls)

	// Missing user data fails the call.
	err := registry.Dispatch("test.userdata", nil, nil, NewUserData())
	require.ErrorIs(t, err, ErrArgMismatch)
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	registry := NewRegistry()
	registry.Register(Bind("dup").To(func(Invocation) error { return nil }))
	require.Panics(t, func() {
		registry.Register(Bind("dup").To(func(Invocation) error { return nil }))
	})
}

func TestStaticRegistrations(t *testing.T) {
	AddStaticRegistration(func(r *Registry) {
		r.Register(Bind("static.call").To(func(Invocation) error { return nil }))
	})

	registry := NewRegistry()
	BuildStaticRegistrations(registry)
	require.NotNil(t, registry.Find("static.call"))
}

func TestOpaqueFallbackDecoding(t *testing.T) {
	const customID = TypeID("testlib.custom_arg")

	registry := NewRegistry()
	var got unsafe.Pointer
	registry.Register(Bind("test.opaque").
		Arg(customID).
		To(func(inv Invocation) error {
			got = inv.Args[0].(unsafe.Pointer)
			return nil
		}))

	message := "hello"
	arg := EncodedArg{TypeID: customID, Value: unsafe.Pointer(&message)}
	require.NoError(t, registry.Dispatch("test.opaque", []EncodedArg{arg}, nil, nil))
	require.Equal(t, "hello", *(*string)(got))

	// Mismatched type id fails the call.
	wrong := EncodedArg{TypeID: TypeID("other"), Value: arg.Value}
	err := registry.Dispatch("test.opaque", []EncodedArg{wrong}, nil, nil)
	require.ErrorIs(t, err, ErrArgMismatch)
}
