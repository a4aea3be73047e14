package engine

import (
	"bytes"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/jitrt-go/jitrt/api"
	"github.com/jitrt-go/jitrt/customcall"
	"github.com/jitrt-go/jitrt/ir"
	"github.com/jitrt-go/jitrt/types"
)

const copySource = `
    func.func @compute(%arg0: memref<?xf32>, %arg1: memref<?xf32>) {
      %c0 = arith.constant 0 : index
      %c1 = arith.constant 1 : index
      %c2 = arith.constant 2 : index
      %c3 = arith.constant 3 : index
      %0 = memref.load %arg0[%c0] : memref<?xf32>
      %1 = memref.load %arg0[%c1] : memref<?xf32>
      %2 = memref.load %arg0[%c2] : memref<?xf32>
      %3 = memref.load %arg0[%c3] : memref<?xf32>
      memref.store %0, %arg1[%c0] : memref<?xf32>
      memref.store %1, %arg1[%c1] : memref<?xf32>
      memref.store %2, %arg1[%c2] : memref<?xf32>
      memref.store %3, %arg1[%c3] : memref<?xf32>
      func.return
    }`

func copySignature() *types.FunctionType {
	dyn := []api.Index{api.DynamicDim}
	return types.NewFunctionType([]types.Type{
		types.KernelContextOperandType{},
		types.NewMemrefType(dyn, api.F32),
		types.NewMemrefType(dyn, api.F32),
	}, nil)
}

func parseCore(t *testing.T, src string) *ir.Module {
	t.Helper()
	m, err := ir.Parse(ir.NewContext(), src)
	require.NoError(t, err)
	return m
}

// packedMemref holds the descriptor fields of a dense rank-1 float32
// buffer; pack appends its unrolled strided descriptor slots.
type packedMemref struct {
	data    unsafe.Pointer
	offset  int64
	sizes   [1]int64
	strides [1]int64
}

func (m *packedMemref) pack(args []unsafe.Pointer, offset int) int {
	args[offset] = unsafe.Pointer(&m.data)
	args[offset+1] = unsafe.Pointer(&m.data)
	args[offset+2] = unsafe.Pointer(&m.offset)
	args[offset+3] = unsafe.Pointer(&m.sizes[0])
	args[offset+4] = unsafe.Pointer(&m.strides[0])
	return offset + 5
}

func callCopy(t *testing.T, eng *Engine, src, dst []float32) {
	t.Helper()
	fn, err := eng.Lookup("compute")
	require.NoError(t, err)

	kctx := &KernelContext{}
	kctxCell := unsafe.Pointer(kctx)

	a := &packedMemref{data: unsafe.Pointer(&src[0]), sizes: [1]int64{4}, strides: [1]int64{1}}
	b := &packedMemref{data: unsafe.Pointer(&dst[0]), sizes: [1]int64{4}, strides: [1]int64{1}}

	args := make([]unsafe.Pointer, 11)
	args[0] = unsafe.Pointer(&kctxCell)
	offset := a.pack(args, 1)
	b.pack(args, offset)

	fn(args)
	require.NoError(t, kctx.Err())
}

func TestCompileAndExecuteCopy(t *testing.T) {
	eng, err := Compile("test", parseCore(t, copySource), "compute", copySignature(),
		Options{KeepObjFile: true}, nil)
	require.NoError(t, err)

	src := []float32{1, 2, 3, 4}
	dst := make([]float32, 4)
	callCopy(t, eng, src, dst)
	require.Equal(t, src, dst)
}

func TestObjFileRoundTrip(t *testing.T) {
	eng, err := Compile("test", parseCore(t, copySource), "compute", copySignature(),
		Options{KeepObjFile: true}, nil)
	require.NoError(t, err)

	blob := eng.ObjFile()
	require.NotEmpty(t, blob)

	// Decoding and re-encoding is stable.
	p, err := decodeProgram(blob)
	require.NoError(t, err)
	blob2, err := encodeProgram(p)
	require.NoError(t, err)
	require.True(t, bytes.Equal(blob, blob2))

	// The reloaded engine executes the same program.
	loaded, err := LoadObjFile("aot", blob, nil)
	require.NoError(t, err)

	src := []float32{5, 6, 7, 8}
	dst := make([]float32, 4)
	callCopy(t, loaded, src, dst)
	require.Equal(t, src, dst)
}

func TestLoadObjFileRejectsGarbage(t *testing.T) {
	_, err := LoadObjFile("aot", []byte("not an object file"), nil)
	require.Error(t, err)
}

func TestCustomCallFailureIsReportedThroughKernelContext(t *testing.T) {
	src := `
    func.func private @missing.intrinsic(%arg0: memref<?xf32>)
      attributes { rt.custom_call = "missing.intrinsic" }
    func.func @compute(%arg0: memref<?xf32>, %arg1: memref<?xf32>) {
      func.call @missing.intrinsic(%arg0) : (memref<?xf32>) -> ()
      func.return
    }`
	m := parseCore(t, src)
	var diags ir.Diagnostics
	require.NoError(t, ir.LowerToCorePass{}.Run(m, &diags))

	eng, err := Compile("test", m, "compute", copySignature(), Options{}, nil)
	require.NoError(t, err)

	fn, err := eng.Lookup("compute")
	require.NoError(t, err)

	kctx := &KernelContext{CustomCalls: customcall.NewRegistry()}
	kctxCell := unsafe.Pointer(kctx)

	buf := []float32{0, 0, 0, 0}
	a := &packedMemref{data: unsafe.Pointer(&buf[0]), sizes: [1]int64{4}, strides: [1]int64{1}}
	b := &packedMemref{data: unsafe.Pointer(&buf[0]), sizes: [1]int64{4}, strides: [1]int64{1}}

	args := make([]unsafe.Pointer, 11)
	args[0] = unsafe.Pointer(&kctxCell)
	offset := a.pack(args, 1)
	b.pack(args, offset)

	fn(args)
	require.ErrorIs(t, kctx.Err(), customcall.ErrUnknownCustomCall)
}

func TestLookupUnknownSymbol(t *testing.T) {
	eng, err := Compile("test", parseCore(t, copySource), "compute", copySignature(), Options{}, nil)
	require.NoError(t, err)
	_, err = eng.Lookup("nope")
	require.Error(t, err)
}

func TestCloseReleasesProgram(t *testing.T) {
	eng, err := Compile("test", parseCore(t, copySource), "compute", copySignature(), Options{}, nil)
	require.NoError(t, err)
	eng.Close()
	_, err = eng.Lookup("compute")
	require.Error(t, err)
}
