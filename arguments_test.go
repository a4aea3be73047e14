package jitrt

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/jitrt-go/jitrt/api"
	"github.com/jitrt-go/jitrt/types"
)

func TestMemrefDescVerify(t *testing.T) {
	data := make([]float32, 4)
	desc := NewMemrefDesc(api.F32, unsafe.Pointer(&data[0]), 0,
		[]api.Index{2, 2}, []api.Index{2, 1})

	// Exact match.
	require.NoError(t, desc.Verify(types.NewMemrefType([]api.Index{2, 2}, api.F32)))

	// Dynamic dimensions accept any size.
	require.NoError(t, desc.Verify(types.NewMemrefType([]api.Index{api.DynamicDim, api.DynamicDim}, api.F32)))
	require.NoError(t, desc.Verify(types.NewRankedTensorType([]api.Index{api.DynamicDim, 2}, api.F32)))

	// Rank mismatch.
	err := desc.Verify(types.NewMemrefType([]api.Index{4}, api.F32))
	require.ErrorIs(t, err, ErrTypeMismatch)
	require.ErrorIs(t, err, ErrSignature)

	// Static dimension mismatch.
	err = desc.Verify(types.NewMemrefType([]api.Index{2, 3}, api.F32))
	require.ErrorIs(t, err, ErrTypeMismatch)

	// Element type mismatch.
	err = desc.Verify(types.NewMemrefType([]api.Index{2, 2}, api.F64))
	require.ErrorIs(t, err, ErrTypeMismatch)

	// Non-shaped type.
	err = desc.Verify(types.OpaquePointerType{})
	require.ErrorIs(t, err, ErrTypeMismatch)
}

// Packing writes exactly Type.AsArgument().NumSlots pointers for every
// argument that verifies.
func TestPackWritesExactlyAsManySlotsAsTheABI(t *testing.T) {
	data := make([]float32, 8)

	for _, c := range []struct {
		name string
		arg  Argument
		typ  types.Type
	}{
		{
			name: "opaque",
			arg: func() Argument {
				a := NewOpaqueArg(unsafe.Pointer(&data[0]))
				return &a
			}(),
			typ: types.OpaquePointerType{},
		},
		{
			name: "memref rank1",
			arg: func() Argument {
				d := NewMemrefDesc(api.F32, unsafe.Pointer(&data[0]), 0, []api.Index{8}, []api.Index{1})
				return &d
			}(),
			typ: types.NewMemrefType([]api.Index{8}, api.F32),
		},
		{
			name: "memref rank3",
			arg: func() Argument {
				d := NewMemrefDesc(api.F32, unsafe.Pointer(&data[0]), 0,
					[]api.Index{2, 2, 2}, []api.Index{4, 2, 1})
				return &d
			}(),
			typ: types.NewMemrefType([]api.Index{2, 2, 2}, api.F32),
		},
	} {
		t.Run(c.name, func(t *testing.T) {
			require.NoError(t, c.arg.Verify(c.typ))

			abi, ok := c.typ.AsArgument()
			require.True(t, ok)

			slots := make([]unsafe.Pointer, 32)
			next := c.arg.Pack(slots, 3)
			require.Equal(t, 3+abi.NumSlots, next)
			for i := 3; i < next; i++ {
				require.NotNil(t, slots[i])
			}
		})
	}
}

func TestMemrefDescPackLayout(t *testing.T) {
	data := make([]float32, 4)
	desc := NewMemrefDesc(api.F32, unsafe.Pointer(&data[0]), 1,
		[]api.Index{2, 2}, []api.Index{2, 1})

	slots := make([]unsafe.Pointer, 7)
	require.Equal(t, 7, desc.Pack(slots, 0))

	// Base and aligned data pointers share the same cell.
	require.Equal(t, slots[0], slots[1])
	require.Equal(t, unsafe.Pointer(&data[0]), *(*unsafe.Pointer)(slots[0]))
	require.Equal(t, int64(1), *(*int64)(slots[2]))
	require.Equal(t, int64(2), *(*int64)(slots[3]))
	require.Equal(t, int64(2), *(*int64)(slots[4]))
	require.Equal(t, int64(2), *(*int64)(slots[5]))
	require.Equal(t, int64(1), *(*int64)(slots[6]))
}

func TestNewMemrefDescWith(t *testing.T) {
	data := make([]float32, 6)
	desc := NewMemrefDescWith(2, api.F32, unsafe.Pointer(&data[0]), 0,
		func(sizes, strides []api.Index) {
			sizes[0], sizes[1] = 2, 3
			strides[0], strides[1] = 3, 1
		})
	require.Equal(t, []api.Index{2, 3}, desc.Sizes())
	require.Equal(t, []api.Index{3, 1}, desc.Strides())
}

func TestRowMajorStrides(t *testing.T) {
	require.Equal(t, []api.Index{12, 4, 1}, RowMajorStrides([]api.Index{2, 3, 4}))
	require.Equal(t, []api.Index{1}, RowMajorStrides([]api.Index{7}))
	require.Empty(t, RowMajorStrides(nil))
}

func TestArgumentsContainer(t *testing.T) {
	data := make([]float32, 4)

	args := NewArguments(3)
	args.PushOpaque(NewOpaqueArg(unsafe.Pointer(&data[0])))
	args.PushMemref(NewMemrefDesc(api.F32, unsafe.Pointer(&data[0]), 0, []api.Index{4}, []api.Index{1}))
	args.Push(&stubArgument{})

	require.Equal(t, 3, args.Len())
	_, ok := args.At(0).(*OpaqueArg)
	require.True(t, ok)
	_, ok = args.At(1).(*MemrefDesc)
	require.True(t, ok)
	_, ok = args.At(2).(*stubArgument)
	require.True(t, ok)

	// The container has a fixed capacity; overflowing is a programming
	// error.
	require.Panics(t, func() { args.PushOpaque(NewOpaqueArg(nil)) })
}

type stubArgument struct{}

func (s *stubArgument) Verify(t types.Type) error { return nil }

func (s *stubArgument) Pack(args []unsafe.Pointer, offset int) int { return offset }

func (s *stubArgument) String() string { return "stub" }

func TestMemrefArgsView(t *testing.T) {
	data := make([]float32, 4)
	descs := MemrefArgs{
		NewMemrefDesc(api.F32, unsafe.Pointer(&data[0]), 0, []api.Index{4}, []api.Index{1}),
		NewMemrefDesc(api.F32, unsafe.Pointer(&data[0]), 0, []api.Index{2, 2}, []api.Index{2, 1}),
	}
	require.Equal(t, 2, descs.Len())
	require.Same(t, &descs[0], descs.At(0))
}
