package jitrt

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/jitrt-go/jitrt/api"
	"github.com/jitrt-go/jitrt/types"
)

// A function that copies 4 f32 values from arg0 into arg1.
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

func compileCopy(t *testing.T) *Executable {
	t.Helper()
	jexec, err := NewJitExecutable(copySource, "compute",
		NewCompileConfig().WithSpecialization(SpecializationDisabled))
	require.NoError(t, err)
	exec, err := jexec.DefaultExecutable()
	require.NoError(t, err)
	return exec
}

func vecArgs(arg0, arg1 []float32) *Arguments {
	args := NewArguments(2)
	args.PushMemref(NewMemrefDesc(api.F32, unsafe.Pointer(&arg0[0]), 0,
		[]api.Index{api.Index(len(arg0))}, []api.Index{1}))
	args.PushMemref(NewMemrefDesc(api.F32, unsafe.Pointer(&arg1[0]), 0,
		[]api.Index{api.Index(len(arg1))}, []api.Index{1}))
	return args
}

func TestExecuteCopiesInputIntoOutput(t *testing.T) {
	exec := compileCopy(t)

	arg0 := []float32{1, 2, 3, 4}
	arg1 := make([]float32, 4)
	require.NoError(t, exec.Execute(vecArgs(arg0, arg1), NoResultConverter{}, ExecuteOpts{}))
	require.Equal(t, arg0, arg1)
}

func TestRuntimeSignaturePrependsKernelContext(t *testing.T) {
	exec := compileCopy(t)

	require.Equal(t, 2, exec.Signature().NumInputs())
	require.Equal(t, 3, exec.RuntimeSignature().NumInputs())
	_, ok := exec.RuntimeSignature().Input(0).(types.KernelContextOperandType)
	require.True(t, ok)
}

// The frame's argument array has one slot per packed input pointer plus
// one slot per result.
func TestCallFrameSlotCount(t *testing.T) {
	exec := compileCopy(t)

	var frame CallFrame
	arg0 := []float32{1, 2, 3, 4}
	arg1 := make([]float32, 4)
	require.NoError(t, exec.InitializeCallFrame(vecArgs(arg0, arg1), &frame, true))

	// kernel context (1) + two rank-1 memrefs (5 each) + no results.
	require.Len(t, frame.Args(), 11)
	for _, slot := range frame.Args() {
		require.NotNil(t, slot)
	}
}

func TestArityMismatch(t *testing.T) {
	exec := compileCopy(t)

	arg0 := []float32{1, 2, 3, 4}
	args := NewArguments(3)
	for i := 0; i < 3; i++ {
		args.PushMemref(NewMemrefDesc(api.F32, unsafe.Pointer(&arg0[0]), 0, []api.Index{4}, []api.Index{1}))
	}

	var frame CallFrame
	err := exec.InitializeCallFrame(args, &frame, true)
	require.ErrorIs(t, err, ErrArityMismatch)
	require.ErrorIs(t, err, ErrSignature)
}

func TestRankMismatch(t *testing.T) {
	exec := compileCopy(t)

	buf := make([]float32, 4)
	args := NewArguments(2)
	args.PushMemref(NewMemrefDesc(api.F32, unsafe.Pointer(&buf[0]), 0, []api.Index{2, 2}, []api.Index{2, 1}))
	args.PushMemref(NewMemrefDesc(api.F32, unsafe.Pointer(&buf[0]), 0, []api.Index{4}, []api.Index{1}))

	var frame CallFrame
	err := exec.InitializeCallFrame(args, &frame, true)
	require.ErrorIs(t, err, ErrSignature)
}

func TestVerificationSkippedOnFastPath(t *testing.T) {
	exec := compileCopy(t)

	buf := make([]float32, 4)
	args := NewArguments(2)
	// Wrong dtype, accepted when verification is off.
	args.PushMemref(NewMemrefDesc(api.F64, unsafe.Pointer(&buf[0]), 0, []api.Index{4}, []api.Index{1}))
	args.PushMemref(NewMemrefDesc(api.F32, unsafe.Pointer(&buf[0]), 0, []api.Index{4}, []api.Index{1}))

	var frame CallFrame
	require.Error(t, exec.InitializeCallFrame(args, &frame, true))
	require.NoError(t, exec.InitializeCallFrame(args, &frame, false))
}

func TestResultsMemoryLayout(t *testing.T) {
	sig := types.NewFunctionType(nil, []types.Type{
		types.NewMemrefType([]api.Index{api.DynamicDim, api.DynamicDim}, api.F32), // 56 bytes
		types.AsyncTokenType{},                                                    // 8 bytes
		types.NewMemrefType([]api.Index{4}, api.F32),                              // 40 bytes
	})

	layout, err := VerifyEntrypointSignature(sig)
	require.NoError(t, err)
	require.True(t, layout.HasAsyncResults)
	require.Equal(t, []int{0, 56, 64}, layout.Offsets)
	require.Equal(t, 104, layout.Size)
}

func TestVerifyEntrypointSignatureRejectsUnsupportedTypes(t *testing.T) {
	// Unranked memref input.
	sig := types.NewFunctionType([]types.Type{types.NewUnrankedMemrefType(api.F32)}, nil)
	_, err := VerifyEntrypointSignature(sig)
	require.ErrorIs(t, err, ErrUnsupportedType)

	// Opaque pointer as result.
	sig = types.NewFunctionType(nil, []types.Type{types.OpaquePointerType{}})
	_, err = VerifyEntrypointSignature(sig)
	require.ErrorIs(t, err, ErrUnsupportedType)
}

// Scenario: execute, serialize the object file, reload, execute again.
func TestAotRoundTrip(t *testing.T) {
	exec := compileCopy(t)

	arg0 := []float32{1, 2, 3, 4}
	arg1 := make([]float32, 4)
	require.NoError(t, exec.Execute(vecArgs(arg0, arg1), NoResultConverter{}, ExecuteOpts{}))
	require.Equal(t, arg0, arg1)

	objFile := exec.ObjFile()
	require.NotEmpty(t, objFile)

	static := []api.Index{4}
	signature := types.NewFunctionType([]types.Type{
		types.NewMemrefType(static, api.F32),
		types.NewMemrefType(static, api.F32),
	}, nil)
	runtimeSignature := types.NewFunctionType([]types.Type{
		types.KernelContextOperandType{},
		types.NewMemrefType(static, api.F32),
		types.NewMemrefType(static, api.F32),
	}, nil)

	loaded, err := LoadFromObjFile("aot", objFile, "compute",
		signature, runtimeSignature, nil, "aot_mem_region")
	require.NoError(t, err)

	// Reset and execute the reloaded executable.
	arg1 = make([]float32, 4)
	require.NoError(t, loaded.Execute(vecArgs(arg0, arg1), NoResultConverter{}, ExecuteOpts{}))
	require.Equal(t, arg0, arg1)
}

func TestExecuteSurfacesFrameErrorsIntoTheSink(t *testing.T) {
	exec := compileCopy(t)

	results := NewReturnedResults(1)
	converter := NewReturnValueConverter(results)

	args := NewArguments(1)
	buf := make([]float32, 4)
	args.PushMemref(NewMemrefDesc(api.F32, unsafe.Pointer(&buf[0]), 0, []api.Index{4}, []api.Index{1}))

	err := exec.Execute(args, converter, ExecuteOpts{})
	require.ErrorIs(t, err, ErrArityMismatch)

	_, got := results.Value(0)
	require.ErrorIs(t, got, ErrArityMismatch)
}
