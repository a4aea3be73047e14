package ir

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jitrt-go/jitrt/api"
)

func runPasses(t *testing.T, m *Module, passes ...Pass) error {
	t.Helper()
	pm := NewPassManager()
	for _, p := range passes {
		pm.AddPass(p)
	}
	var diags Diagnostics
	return pm.Run(m, &diags)
}

func TestLowerTransposeWithConstantPermutation(t *testing.T) {
	src := `
    func.func @compute(%arg0: tensor<?x?xf32>) -> tensor<?x?xf32> {
      %perm = arith.constant dense<[1, 0]> : tensor<2xi32>
      %0 = "tosa.transpose"(%arg0, %perm) : (tensor<?x?xf32>, tensor<2xi32>) -> tensor<?x?xf32>
      func.return %0 : tensor<?x?xf32>
    }`
	ctx := NewContext()
	ctx.Registry().Insert("tosa")
	m, err := Parse(ctx, src)
	require.NoError(t, err)

	require.NoError(t, runPasses(t, m, LowerTransposePass{}))

	fn := m.Lookup("compute")
	var transposed *Op
	for _, op := range fn.Entry.Ops {
		if op.Name == "rt.transpose" {
			transposed = op
		}
	}
	require.NotNil(t, transposed)
	require.Len(t, transposed.Operands, 1)
	perm, ok := transposed.Attr("permutation").(*DenseAttr)
	require.True(t, ok)
	require.Equal(t, int64(1), perm.Int(0))
	require.Equal(t, int64(0), perm.Int(1))
}

func TestLowerTransposeRequiresConstant(t *testing.T) {
	src := `
    func.func @compute(%arg0: tensor<?x?xf32>, %arg1: tensor<2xi32>) -> tensor<?x?xf32> {
      %0 = "tosa.transpose"(%arg0, %arg1) : (tensor<?x?xf32>, tensor<2xi32>) -> tensor<?x?xf32>
      func.return %0 : tensor<?x?xf32>
    }`
	ctx := NewContext()
	ctx.Registry().Insert("tosa")
	m, err := Parse(ctx, src)
	require.NoError(t, err)

	err = runPasses(t, m, LowerTransposePass{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "compile-time constant")
}

func TestLowerTransposeUsesValueSpecializedArgument(t *testing.T) {
	src := `
    func.func @compute(%arg0: tensor<?x?xf32>, %arg1: tensor<2xi32>) -> tensor<?x?xf32> {
      %0 = "tosa.transpose"(%arg0, %arg1) : (tensor<?x?xf32>, tensor<2xi32>) -> tensor<?x?xf32>
      func.return %0 : tensor<?x?xf32>
    }`
	ctx := NewContext()
	ctx.Registry().Insert("tosa")
	m, err := Parse(ctx, src)
	require.NoError(t, err)

	// Simulate value specialization sinking the operand contents.
	fn := m.Lookup("compute")
	fn.SetArgAttr(1, AttrConstant, DenseFromInts(api.I32, []api.Index{2}, []int64{1, 0}))

	require.NoError(t, runPasses(t, m, LowerTransposePass{}))
}

func TestCSEDeduplicatesConstants(t *testing.T) {
	src := `
    func.func @compute(%arg0: memref<?xf32>) {
      %c0 = arith.constant 0 : index
      %c0_dup = arith.constant 0 : index
      %0 = memref.load %arg0[%c0] : memref<?xf32>
      memref.store %0, %arg0[%c0_dup] : memref<?xf32>
      func.return
    }`
	m, err := Parse(NewContext(), src)
	require.NoError(t, err)
	require.NoError(t, runPasses(t, m, CSEPass{}))

	constants := 0
	fn := m.Lookup("compute")
	for _, op := range fn.Entry.Ops {
		if op.Name == "arith.constant" {
			constants++
		}
	}
	require.Equal(t, 1, constants)
	// The store now uses the surviving constant.
	store := fn.Entry.Ops[len(fn.Entry.Ops)-2]
	require.Equal(t, "memref.store", store.Name)
	require.Equal(t, fn.Entry.Ops[0].Results[0], store.Operands[2])
}

func TestCanonicalizerFoldsStaticDims(t *testing.T) {
	src := `
    func.func @compute(%arg0: memref<4x8xf32>) -> index {
      %c1 = arith.constant 1 : index
      %0 = memref.dim %arg0, %c1 : memref<4x8xf32>
      func.return %0 : index
    }`
	m, err := Parse(NewContext(), src)
	require.NoError(t, err)
	require.NoError(t, runPasses(t, m, CanonicalizerPass{}))

	fn := m.Lookup("compute")
	for _, op := range fn.Entry.Ops {
		require.NotEqual(t, "memref.dim", op.Name)
	}
}

func TestCanonicalizerRemovesDeadOps(t *testing.T) {
	src := `
    func.func @compute() {
      %c0 = arith.constant 0 : index
      func.return
    }`
	m, err := Parse(NewContext(), src)
	require.NoError(t, err)
	require.NoError(t, runPasses(t, m, CanonicalizerPass{}))
	require.Len(t, m.Lookup("compute").Entry.Ops, 1)
}

func TestAlignedAllocPass(t *testing.T) {
	src := `
    func.func @compute(%arg0: index) -> memref<?xf32> {
      %0 = memref.alloc(%arg0) : memref<?xf32>
      func.return %0 : memref<?xf32>
    }`
	m, err := Parse(NewContext(), src)
	require.NoError(t, err)
	require.NoError(t, runPasses(t, m, AlignedAllocPass{Alignment: 64}))

	op := m.Lookup("compute").Entry.Ops[0]
	align, ok := op.Attrs.GetInt(AttrAlignment)
	require.True(t, ok)
	require.Equal(t, int64(64), align)
}

func TestInlinerInlinesPrivateBodies(t *testing.T) {
	src := `
    func.func private @helper(%arg0: memref<?xf32>) -> index {
      %c0 = arith.constant 0 : index
      func.return %c0 : index
    }
    func.func @compute(%arg0: memref<?xf32>) -> index {
      %0 = func.call @helper(%arg0) : (memref<?xf32>) -> index
      func.return %0 : index
    }`
	m, err := Parse(NewContext(), src)
	require.NoError(t, err)
	require.NoError(t, runPasses(t, m, InlinerPass{}))

	require.Nil(t, m.Lookup("helper"))
	fn := m.Lookup("compute")
	for _, op := range fn.Entry.Ops {
		require.NotEqual(t, "func.call", op.Name)
	}
	// The return now references the inlined constant.
	ret := fn.Entry.Ops[len(fn.Entry.Ops)-1]
	require.Equal(t, "func.return", ret.Name)
	require.Equal(t, "arith.constant", ret.Operands[0].Def.Name)
}

func TestLowerToCoreRewritesCustomCalls(t *testing.T) {
	src := `
    func.func private @my.intrinsic(%arg0: memref<?xf32>)
      attributes { rt.custom_call = "runtime.intrinsic" }
    func.func @compute(%arg0: memref<?xf32>) {
      func.call @my.intrinsic(%arg0) { api_version = 1 : i32 } : (memref<?xf32>) -> ()
      func.return
    }`
	m, err := Parse(NewContext(), src)
	require.NoError(t, err)
	require.NoError(t, runPasses(t, m, LowerToCorePass{}))

	require.Nil(t, m.Lookup("my.intrinsic"))
	call := m.Lookup("compute").Entry.Ops[0]
	require.Equal(t, "rt.custom_call", call.Name)
	callee, ok := call.Attrs.GetString("callee")
	require.True(t, ok)
	require.Equal(t, "runtime.intrinsic", callee)
}

func TestLowerToCoreRejectsUnknownOps(t *testing.T) {
	src := `
    func.func @compute(%arg0: tensor<2xf32>) -> tensor<2xf32> {
      %0 = "tosa.negate"(%arg0) : (tensor<2xf32>) -> tensor<2xf32>
      func.return %0 : tensor<2xf32>
    }`
	ctx := NewContext()
	ctx.Registry().Insert("tosa")
	m, err := Parse(ctx, src)
	require.NoError(t, err)

	err = runPasses(t, m, LowerToCorePass{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "tosa.negate")
}
