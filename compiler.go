package jitrt

import (
	"fmt"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/jitrt-go/jitrt/api"
	"github.com/jitrt-go/jitrt/internal/engine"
	"github.com/jitrt-go/jitrt/ir"
)

// compilationContext owns the IR context for one compilation attempt:
// parse, optionally specialize, lower, codegen. It is consumed by compile.
type compilationContext struct {
	cfg    *CompileConfig
	ctx    *ir.Context
	module *ir.Module
}

// newCompilationContext creates an IR context seeded with the config's
// dialect registration and parses the module, capturing diagnostics.
func newCompilationContext(cfg *CompileConfig, irText string) (*compilationContext, error) {
	ctx := ir.NewContext()
	if cfg.registerDialects != nil {
		cfg.registerDialects(ctx.Registry())
	}
	module, err := ir.Parse(ctx, irText)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, errWithDiags(err, ctx))
	}
	return &compilationContext{cfg: cfg, ctx: ctx, module: module}, nil
}

// errWithDiags appends the captured diagnostics to an error message.
func errWithDiags(err error, ctx *ir.Context) error {
	if ctx.Diagnostics().Empty() {
		return err
	}
	return fmt.Errorf("%v:\n%s", err, ctx.Diagnostics())
}

// specialize folds the operands' properties into the entrypoint signature:
// dynamic dimensions are replaced with the operands' sizes, and operands
// marked for value specialization are sunk into the function as constants.
func (c *compilationContext) specialize(operands ArgumentsRef, entrypoint string) error {
	fn := c.module.Lookup(entrypoint)
	if fn == nil {
		return errors.Wrapf(ErrSpecialization, "entrypoint function @%s not found", entrypoint)
	}
	if operands.Len() != len(fn.Type.Inputs) {
		return errors.Wrapf(ErrSpecialization,
			"number of operands must match the number of inputs: %d vs %d",
			operands.Len(), len(fn.Type.Inputs))
	}

	for i, in := range fn.Type.Inputs {
		specialized, err := specializeType(in, operands.At(i))
		if err != nil {
			return errors.Wrapf(ErrSpecialization, "input #%d: %v", i, err)
		}
		fn.Type.Inputs[i] = specialized
		if fn.Entry != nil {
			fn.Entry.Args[i].Type = specialized
		}

		if marker, ok := fn.ArgAttr(i).GetString(ir.AttrSpecializeValue); ok && marker == "required" {
			sunk, err := sinkOperandValue(specialized, operands.At(i))
			if err != nil {
				return errors.Wrapf(ErrSpecialization, "input #%d: %v", i, err)
			}
			fn.SetArgAttr(i, ir.AttrConstant, sunk)
		}
	}
	return nil
}

// specializeType computes the specialized type of one input from the old
// type and the operand: shaped types take the operand's concrete sizes.
func specializeType(t ir.Type, operand Argument) (ir.Type, error) {
	switch t := t.(type) {
	case ir.MemrefType:
		desc, ok := operand.(*MemrefDesc)
		if !ok {
			return nil, errors.Errorf("expected memref operand for %s", t)
		}
		if err := verifyShapedOperand(t, desc); err != nil {
			return nil, err
		}
		return ir.MemrefType{Sizes: append([]api.Index(nil), desc.Sizes()...), Ranked: true, Element: t.Element}, nil

	case ir.TensorType:
		desc, ok := operand.(*MemrefDesc)
		if !ok {
			return nil, errors.Errorf("expected memref operand for %s", t)
		}
		if err := verifyShapedOperand(ir.MemrefType(t), desc); err != nil {
			return nil, err
		}
		return ir.TensorType{Sizes: append([]api.Index(nil), desc.Sizes()...), Ranked: true, Element: t.Element}, nil
	}
	// Types without shape carry nothing to specialize.
	return t, nil
}

func verifyShapedOperand(t ir.MemrefType, desc *MemrefDesc) error {
	if !t.Ranked {
		return nil
	}
	if desc.Rank() != len(t.Sizes) {
		return errors.Errorf("operand rank does not match expected input rank: %d vs %d",
			desc.Rank(), len(t.Sizes))
	}
	for d, expected := range t.Sizes {
		if got := desc.Size(d); got != expected && !ir.IsDynamicDim(t.Sizes, d) {
			return errors.Errorf("operand dimension #%d does not match expected input dimension: %d vs %d",
				d, got, expected)
		}
	}
	return nil
}

// sinkOperandValue captures the operand's contents as a dense constant.
func sinkOperandValue(t ir.Type, operand Argument) (*ir.DenseAttr, error) {
	desc, ok := operand.(*MemrefDesc)
	if !ok {
		return nil, errors.New("value specialization requires a memref operand")
	}
	if desc.Data() == nil {
		return nil, errors.New("value specialization required but operand has no data")
	}
	n := 1
	for _, s := range desc.Sizes() {
		n *= int(s)
	}
	size := n * desc.DType().SizeInBytes()
	data := make([]byte, size)
	copy(data, unsafe.Slice((*byte)(desc.Data()), size))
	return &ir.DenseAttr{
		DType: desc.DType(),
		Sizes: append([]api.Index(nil), desc.Sizes()...),
		Data:  data,
	}, nil
}

// compile drives the lowering pipeline and produces an executable. The
// context is consumed: its module is rewritten in place and must not be
// reused.
func (c *compilationContext) compile(entrypoint string) (*Executable, error) {
	diags := c.ctx.Diagnostics()

	// User pipeline: lower domain dialects to what the core passes accept.
	if c.cfg.createCompilationPipeline != nil {
		pm := ir.NewPassManager()
		c.cfg.createCompilationPipeline(pm)
		if err := pm.Run(c.module, diags); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCompilation, errWithDiags(err, c.ctx))
		}
	}

	entry, err := ir.ResolveEntrypoint(c.module, entrypoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompilation, err)
	}

	// Convert the signatures: the user-facing one as written, and the
	// runtime one after calling-convention rewriting.
	tc := c.cfg.typeConverter()
	signature, err := tc.ConvertFunctionType(entry.Type)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedType, err)
	}
	runtimeIR := entry.Type
	if c.cfg.callingConvention != nil {
		runtimeIR = c.cfg.callingConvention(entry.Type)
	}
	runtimeSignature, err := tc.ConvertFunctionType(runtimeIR)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedType, err)
	}

	layout, err := VerifyEntrypointSignature(runtimeSignature)
	if err != nil {
		return nil, err
	}

	// Core lowering pipeline.
	pm := ir.NewPassManager()
	pm.AddPass(ir.InlinerPass{})
	pm.AddPass(ir.CSEPass{})
	pm.AddPass(ir.CanonicalizerPass{})
	pm.AddPass(ir.LowerTransposePass{})
	pm.AddPass(ir.AsyncLoweringPass{NumWorkerThreads: c.cfg.numWorkerThreads})
	pm.AddPass(ir.AlignedAllocPass{Alignment: c.cfg.alignment})
	pm.AddPass(ir.MathApproximationPass{})
	pm.AddPass(ir.LowerToCorePass{})
	if err := pm.Run(c.module, diags); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompilation, errWithDiags(err, c.ctx))
	}

	eng, err := engine.Compile(entry.Name, c.module, entry.Name, runtimeSignature,
		engine.Options{OptLevel: c.cfg.jitCodeOptLevel, KeepObjFile: true}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompilation, errWithDiags(err, c.ctx))
	}
	fptr, err := eng.Lookup(entry.Name)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompilation, err)
	}

	return &Executable{
		eng:              eng,
		fptr:             fptr,
		entrypoint:       entry.Name,
		signature:        signature,
		runtimeSignature: runtimeSignature,
		layout:           layout,
	}, nil
}
