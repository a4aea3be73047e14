package jitrt

import (
	"sync"
	"sync/atomic"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/jitrt-go/jitrt/api"
	"github.com/jitrt-go/jitrt/ir"
)

// countingPipeline returns a pipeline callback that counts how many times
// a compilation drives it.
func countingPipeline(count *atomic.Int64) PipelineFn {
	return func(pm *ir.PassManager) {
		count.Add(1)
	}
}

func TestDefaultExecutableUnavailableWhenSpecializationRequired(t *testing.T) {
	src := `
    func.func @compute(
      %arg0: memref<?xf32>,
      %arg1: tensor<2xi32> { rt.specialize.value = "required" }
    ) {
      func.return
    }`

	jexec, err := NewJitExecutable(src, "compute", NewCompileConfig())
	require.NoError(t, err)

	// The default executable is in error state.
	_, err = jexec.DefaultExecutable()
	require.Error(t, err)

	// Compilation specialized to concrete operands succeeds.
	buf := []float32{0, 0, 0, 0}
	perm := []int32{1, 0}
	args := NewArguments(2)
	args.PushMemref(NewMemrefDesc(api.F32, unsafe.Pointer(&buf[0]), 0, []api.Index{4}, []api.Index{1}))
	args.PushMemref(NewMemrefDesc(api.I32, unsafe.Pointer(&perm[0]), 0, []api.Index{2}, []api.Index{1}))

	exec, err := jexec.GetExecutable(args)
	require.NoError(t, err)
	require.NotNil(t, exec)
}

func TestSpecializationDisabledRejectsConstrainedModules(t *testing.T) {
	src := `
    func.func @compute(%arg0: memref<?xf32> { rt.specialize.shape = "required" }) {
      func.return
    }`
	_, err := NewJitExecutable(src, "compute",
		NewCompileConfig().WithSpecialization(SpecializationDisabled))
	require.ErrorIs(t, err, ErrSpecialization)
}

func TestAlwaysPolicyHasNoDefaultExecutable(t *testing.T) {
	jexec, err := NewJitExecutable(copySource, "compute",
		NewCompileConfig().WithSpecialization(SpecializationAlways))
	require.NoError(t, err)
	_, err = jexec.DefaultExecutable()
	require.Error(t, err)
}

func TestFingerprintIgnoresStridesAndData(t *testing.T) {
	a := make([]float32, 64)
	b := make([]float32, 64)

	args1 := MemrefArgs{
		NewMemrefDesc(api.F32, unsafe.Pointer(&a[0]), 0, []api.Index{8, 8}, []api.Index{8, 1}),
	}
	args2 := MemrefArgs{
		NewMemrefDesc(api.F32, unsafe.Pointer(&b[0]), 0, []api.Index{8, 8}, []api.Index{1, 8}),
	}
	require.Equal(t, Fingerprint(args1), Fingerprint(args2))
}

func TestFingerprintMixesRankShapeAndDType(t *testing.T) {
	a := make([]float32, 64)
	base := MemrefArgs{
		NewMemrefDesc(api.F32, unsafe.Pointer(&a[0]), 0, []api.Index{8, 8}, []api.Index{8, 1}),
	}

	otherShape := MemrefArgs{
		NewMemrefDesc(api.F32, unsafe.Pointer(&a[0]), 0, []api.Index{8, 4}, []api.Index{4, 1}),
	}
	require.NotEqual(t, Fingerprint(base), Fingerprint(otherShape))

	otherRank := MemrefArgs{
		NewMemrefDesc(api.F32, unsafe.Pointer(&a[0]), 0, []api.Index{64}, []api.Index{1}),
	}
	require.NotEqual(t, Fingerprint(base), Fingerprint(otherRank))

	otherDType := MemrefArgs{
		NewMemrefDesc(api.I32, unsafe.Pointer(&a[0]), 0, []api.Index{8, 8}, []api.Index{8, 1}),
	}
	require.NotEqual(t, Fingerprint(base), Fingerprint(otherDType))
}

// Scenario: after the first call, repeated lookups with recurring shapes
// never recompile.
func TestCacheHit(t *testing.T) {
	var compilations atomic.Int64
	cfg := NewCompileConfig().
		WithSpecialization(SpecializationAlways).
		WithCompilationPipeline(countingPipeline(&compilations))

	jexec, err := NewJitExecutable(copySource, "compute", cfg)
	require.NoError(t, err)

	buf := make([]float32, 4)
	args := MemrefArgs{
		NewMemrefDesc(api.F32, unsafe.Pointer(&buf[0]), 0, []api.Index{4}, []api.Index{1}),
		NewMemrefDesc(api.F32, unsafe.Pointer(&buf[0]), 0, []api.Index{4}, []api.Index{1}),
	}

	first, err := jexec.GetExecutable(args)
	require.NoError(t, err)
	require.Equal(t, int64(1), compilations.Load())

	for i := 0; i < 1000; i++ {
		exec, err := jexec.GetExecutable(args)
		require.NoError(t, err)
		require.Same(t, first, exec)
	}
	require.Equal(t, int64(1), compilations.Load())
}

func TestConcurrentGetExecutableInstallsOneEntry(t *testing.T) {
	var compilations atomic.Int64
	cfg := NewCompileConfig().
		WithSpecialization(SpecializationAlways).
		WithCompilationPipeline(countingPipeline(&compilations))

	jexec, err := NewJitExecutable(copySource, "compute", cfg)
	require.NoError(t, err)

	buf := make([]float32, 4)
	newArgs := func() MemrefArgs {
		return MemrefArgs{
			NewMemrefDesc(api.F32, unsafe.Pointer(&buf[0]), 0, []api.Index{4}, []api.Index{1}),
			NewMemrefDesc(api.F32, unsafe.Pointer(&buf[0]), 0, []api.Index{4}, []api.Index{1}),
		}
	}

	const n = 8
	execs := make([]*Executable, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			execs[i], errs[i] = jexec.GetExecutable(newArgs())
		}(i)
	}
	wg.Wait()
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
	}

	// Racing compilations may happen, but every caller observes the same
	// installed executable.
	for i := 1; i < n; i++ {
		require.Same(t, execs[0], execs[i])
	}
	require.GreaterOrEqual(t, compilations.Load(), int64(1))
}

func TestCompilationErrorsAreCached(t *testing.T) {
	src := `
    func.func @compute(%arg0: tensor<?x?xf32>, %arg1: tensor<2xi32>) -> tensor<?x?xf32> {
      %0 = "tosa.transpose"(%arg0, %arg1) : (tensor<?x?xf32>, tensor<2xi32>) -> tensor<?x?xf32>
      func.return %0 : tensor<?x?xf32>
    }`

	var compilations atomic.Int64
	cfg := NewCompileConfig().
		WithSpecialization(SpecializationAlways).
		WithDialectRegistration(func(r *ir.DialectRegistry) { r.Insert("tosa") }).
		WithCompilationPipeline(countingPipeline(&compilations))

	jexec, err := NewJitExecutable(src, "compute", cfg)
	require.NoError(t, err)

	input := make([]float32, 4)
	perm := []int32{1, 0}
	args := MemrefArgs{
		NewMemrefDesc(api.F32, unsafe.Pointer(&input[0]), 0, []api.Index{2, 2}, []api.Index{2, 1}),
		NewMemrefDesc(api.I32, unsafe.Pointer(&perm[0]), 0, []api.Index{2}, []api.Index{1}),
	}

	// Without value specialization the permutation is not a compile-time
	// constant and lowering fails.
	_, err = jexec.GetExecutable(args)
	require.ErrorIs(t, err, ErrCompilation)
	require.Equal(t, int64(1), compilations.Load())

	// The error entry is permanent: no recompilation happens.
	_, err2 := jexec.GetExecutable(args)
	require.ErrorIs(t, err2, ErrCompilation)
	require.Equal(t, int64(1), compilations.Load())
}

func TestSpecializationArityMismatch(t *testing.T) {
	jexec, err := NewJitExecutable(copySource, "compute",
		NewCompileConfig().WithSpecialization(SpecializationAlways))
	require.NoError(t, err)

	buf := make([]float32, 4)
	args := MemrefArgs{
		NewMemrefDesc(api.F32, unsafe.Pointer(&buf[0]), 0, []api.Index{4}, []api.Index{1}),
	}
	_, err = jexec.GetExecutable(args)
	require.ErrorIs(t, err, ErrSpecialization)
}

func TestParseErrorCarriesDiagnostics(t *testing.T) {
	_, err := NewJitExecutable("func.func @broken(", "broken", NewCompileConfig())
	require.ErrorIs(t, err, ErrParse)
}

func TestValueSpecializationRequiresData(t *testing.T) {
	src := `
    func.func @compute(%arg0: tensor<2xi32> { rt.specialize.value = "required" }) {
      func.return
    }`
	jexec, err := NewJitExecutable(src, "compute", NewCompileConfig())
	require.NoError(t, err)

	args := MemrefArgs{
		NewMemrefDesc(api.I32, nil, 0, []api.Index{2}, []api.Index{1}),
	}
	_, err = jexec.GetExecutable(args)
	require.ErrorIs(t, err, ErrSpecialization)
}
