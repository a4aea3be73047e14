package jitrt

import (
	"github.com/jitrt-go/jitrt/ir"
	"github.com/jitrt-go/jitrt/types"
)

// Specialization selects the compilation policy of a JitExecutable.
type Specialization int

const (
	// SpecializationEnabled compiles a default executable when the
	// signature allows it and specializes on demand otherwise.
	SpecializationEnabled Specialization = iota
	// SpecializationDisabled only allows the default executable.
	SpecializationDisabled
	// SpecializationAlways never compiles a default executable, even when
	// the signature would allow it.
	SpecializationAlways
)

// DialectRegistration seeds the IR context with additional dialects before
// parsing.
type DialectRegistration func(*ir.DialectRegistry)

// PipelineFn populates the pass pipeline that lowers the input module to
// the dialects the code-generation backend understands.
type PipelineFn func(*ir.PassManager)

// CallingConvention rewrites the user-facing IR signature into the runtime
// signature the generated code actually expects.
type CallingConvention func(ir.FunctionType) ir.FunctionType

// DefaultCallingConvention bufferizes tensor signature types to memrefs
// and prepends the kernel-context operand.
func DefaultCallingConvention() CallingConvention {
	bufferize := func(t ir.Type) ir.Type {
		if tensor, ok := t.(ir.TensorType); ok {
			return ir.MemrefType{Sizes: tensor.Sizes, Ranked: tensor.Ranked, Element: tensor.Element}
		}
		return t
	}
	return func(ft ir.FunctionType) ir.FunctionType {
		rt := ir.FunctionType{
			Inputs:  make([]ir.Type, 0, len(ft.Inputs)+1),
			Results: make([]ir.Type, 0, len(ft.Results)),
		}
		rt.Inputs = append(rt.Inputs, ir.KernelContextType{})
		for _, in := range ft.Inputs {
			rt.Inputs = append(rt.Inputs, bufferize(in))
		}
		for _, out := range ft.Results {
			rt.Results = append(rt.Results, bufferize(out))
		}
		return rt
	}
}

// CompileConfig controls compilation of a JitExecutable. Configs are
// immutable: With* methods return an updated copy.
type CompileConfig struct {
	specialization            Specialization
	registerDialects          DialectRegistration
	createCompilationPipeline PipelineFn
	callingConvention         CallingConvention
	typeConversions           []types.ConversionFn
	alignment                 int64
	jitCodeOptLevel           int
	numWorkerThreads          int
}

// NewCompileConfig returns the default configuration: specialization
// enabled, the default calling convention, and no extra pipeline.
func NewCompileConfig() *CompileConfig {
	return &CompileConfig{
		specialization:    SpecializationEnabled,
		callingConvention: DefaultCallingConvention(),
		jitCodeOptLevel:   2,
	}
}

// clone ensures all fields are copied even if nil.
func (c *CompileConfig) clone() *CompileConfig {
	ret := *c
	ret.typeConversions = append([]types.ConversionFn(nil), c.typeConversions...)
	return &ret
}

// WithSpecialization sets the specialization policy.
func (c *CompileConfig) WithSpecialization(s Specialization) *CompileConfig {
	ret := c.clone()
	ret.specialization = s
	return ret
}

// WithDialectRegistration sets the callback seeding the IR context's
// dialect registry.
func (c *CompileConfig) WithDialectRegistration(fn DialectRegistration) *CompileConfig {
	ret := c.clone()
	ret.registerDialects = fn
	return ret
}

// WithCompilationPipeline sets the callback populating the pass pipeline
// that lowers domain dialects. It runs once per compilation, before the
// core lowering passes.
func (c *CompileConfig) WithCompilationPipeline(fn PipelineFn) *CompileConfig {
	ret := c.clone()
	ret.createCompilationPipeline = fn
	return ret
}

// WithCallingConvention overrides the user-to-runtime signature rewrite.
func (c *CompileConfig) WithCallingConvention(cc CallingConvention) *CompileConfig {
	ret := c.clone()
	ret.callingConvention = cc
	return ret
}

// WithTypeConversion registers a runtime type constructor for a
// user-defined IR type.
func (c *CompileConfig) WithTypeConversion(fn types.ConversionFn) *CompileConfig {
	ret := c.clone()
	ret.typeConversions = append(ret.typeConversions, fn)
	return ret
}

// WithAlignment forces a minimum alignment on all dynamic allocations
// emitted by the pipeline.
func (c *CompileConfig) WithAlignment(alignment int64) *CompileConfig {
	ret := c.clone()
	ret.alignment = alignment
	return ret
}

// WithJitCodeOptLevel sets the optimization level handed to the backend.
func (c *CompileConfig) WithJitCodeOptLevel(level int) *CompileConfig {
	ret := c.clone()
	ret.jitCodeOptLevel = level
	return ret
}

// WithNumWorkerThreads sets the target parallelism for async-expansion
// passes.
func (c *CompileConfig) WithNumWorkerThreads(n int) *CompileConfig {
	ret := c.clone()
	ret.numWorkerThreads = n
	return ret
}

// typeConverter assembles the runtime type converter for one compilation.
func (c *CompileConfig) typeConverter() *types.TypeConverter {
	tc := types.NewTypeConverter()
	for _, fn := range c.typeConversions {
		tc.AddConversion(fn)
	}
	return tc
}
