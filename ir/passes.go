package ir

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Attribute names recognized on function arguments and operations.
const (
	// AttrSpecializeShape marks an input whose concrete shape must be known
	// at compile time.
	AttrSpecializeShape = "rt.specialize.shape"
	// AttrSpecializeValue marks an input whose contents must be known at
	// compile time and sunk into the function body as a constant.
	AttrSpecializeValue = "rt.specialize.value"
	// AttrConstant carries the sunk value of a value-specialized argument.
	AttrConstant = "rt.constant"
	// AttrCustomCall on a private declaration names the registered
	// custom-call handler the call dispatches to.
	AttrCustomCall = "rt.custom_call"
	// AttrEntrypoint on a function redirects the runtime entrypoint to
	// another symbol.
	AttrEntrypoint = "rt.entrypoint"
	// AttrAlignment on memref.alloc forces the allocation alignment.
	AttrAlignment = "alignment"
	// AttrApprox on a math op selects the polynomial approximation.
	AttrApprox = "approx"
)

// SpecializationRequired reports whether any input of fn carries a
// "required" shape or value specialization constraint.
func SpecializationRequired(fn *Func) bool {
	for i := range fn.Type.Inputs {
		attrs := fn.ArgAttr(i)
		if s, ok := attrs.GetString(AttrSpecializeShape); ok && s == "required" {
			return true
		}
		if s, ok := attrs.GetString(AttrSpecializeValue); ok && s == "required" {
			return true
		}
	}
	return false
}

// ResolveEntrypoint finds the entrypoint function, honoring the
// rt.entrypoint redirection attribute.
func ResolveEntrypoint(m *Module, entrypoint string) (*Func, error) {
	fn := m.Lookup(entrypoint)
	if fn == nil {
		return nil, fmt.Errorf("entrypoint function @%s not found", entrypoint)
	}
	if target, ok := fn.Attrs.GetSymbol(AttrEntrypoint); ok {
		redirected := m.Lookup(target)
		if redirected == nil {
			return nil, fmt.Errorf("entrypoint function @%s not found", target)
		}
		return redirected, nil
	}
	return fn, nil
}

//
// Inliner.
//

// InlinerPass inlines calls to private functions with bodies, then drops
// callees that are no longer referenced. Calls to declarations are left for
// custom-call lowering.
type InlinerPass struct{}

func (InlinerPass) Name() string { return "inline" }

func (InlinerPass) Run(m *Module, diags *Diagnostics) error {
	for _, fn := range m.Funcs {
		if fn.IsDeclaration() {
			continue
		}
		subst := map[*Value]*Value{}
		var ops []*Op
		for _, op := range fn.Entry.Ops {
			for i, v := range op.Operands {
				if s, ok := subst[v]; ok {
					op.Operands[i] = s
				}
			}
			if op.Name != "func.call" {
				ops = append(ops, op)
				continue
			}
			calleeName, _ := op.Attrs.GetSymbol("callee")
			callee := m.Lookup(calleeName)
			if callee == nil || callee.IsDeclaration() {
				ops = append(ops, op)
				continue
			}
			inlined, err := inlineCall(op, callee, subst)
			if err != nil {
				return err
			}
			ops = append(ops, inlined...)
		}
		fn.Entry.Ops = ops
	}

	// Drop private bodies that are no longer called.
	called := map[string]struct{}{}
	for _, fn := range m.Funcs {
		if fn.IsDeclaration() {
			continue
		}
		for _, op := range fn.Entry.Ops {
			if op.Name == "func.call" {
				if callee, ok := op.Attrs.GetSymbol("callee"); ok {
					called[callee] = struct{}{}
				}
			}
		}
	}
	for _, fn := range append([]*Func(nil), m.Funcs...) {
		if fn.Private && !fn.IsDeclaration() {
			if _, ok := called[fn.Name]; !ok {
				m.Remove(fn.Name)
			}
		}
	}
	return nil
}

// inlineCall clones the single-block callee body, substituting call
// operands for block arguments. Uses of the call results in later caller
// ops are redirected through the caller-owned subst map.
func inlineCall(call *Op, callee *Func, subst map[*Value]*Value) ([]*Op, error) {
	if len(call.Operands) != len(callee.Entry.Args) {
		return nil, fmt.Errorf("call to @%s has %d operands, callee expects %d",
			callee.Name, len(call.Operands), len(callee.Entry.Args))
	}
	local := map[*Value]*Value{}
	for i, arg := range callee.Entry.Args {
		local[arg] = call.Operands[i]
	}

	mapped := func(v *Value) *Value {
		if s, ok := local[v]; ok {
			return s
		}
		return v
	}

	var out []*Op
	for _, op := range callee.Entry.Ops {
		if op.Name == "func.return" {
			for i, ret := range op.Operands {
				subst[call.Results[i]] = mapped(ret)
			}
			continue
		}
		clone := &Op{Name: op.Name, Attrs: op.Attrs}
		for _, v := range op.Operands {
			clone.Operands = append(clone.Operands, mapped(v))
		}
		for _, r := range op.Results {
			nr := &Value{Name: r.Name, Type: r.Type, Def: clone}
			local[r] = nr
			clone.Results = append(clone.Results, nr)
		}
		out = append(out, clone)
	}
	return out, nil
}

//
// Common subexpression elimination.
//

// CSEPass deduplicates identical constants within each function.
type CSEPass struct{}

func (CSEPass) Name() string { return "cse" }

func (CSEPass) Run(m *Module, diags *Diagnostics) error {
	for _, fn := range m.Funcs {
		if fn.IsDeclaration() {
			continue
		}
		seen := map[string]*Value{}
		replaced := map[*Value]*Value{}
		var ops []*Op
		for _, op := range fn.Entry.Ops {
			for i, v := range op.Operands {
				if r, ok := replaced[v]; ok {
					op.Operands[i] = r
				}
			}
			if op.Name == "arith.constant" {
				key := op.Results[0].Type.String() + "=" + op.Attr("value").String()
				if prev, ok := seen[key]; ok {
					replaced[op.Results[0]] = prev
					continue
				}
				seen[key] = op.Results[0]
			}
			ops = append(ops, op)
		}
		fn.Entry.Ops = ops
	}
	return nil
}

//
// Canonicalization.
//

// CanonicalizerPass folds memref.dim of statically known dimensions and
// removes pure operations with no uses.
type CanonicalizerPass struct{}

func (CanonicalizerPass) Name() string { return "canonicalize" }

func (CanonicalizerPass) Run(m *Module, diags *Diagnostics) error {
	for _, fn := range m.Funcs {
		if fn.IsDeclaration() {
			continue
		}
		foldDims(fn)
		dce(fn)
	}
	return nil
}

func foldDims(fn *Func) {
	for _, op := range fn.Entry.Ops {
		if op.Name != "memref.dim" {
			continue
		}
		mt, ok := op.Operands[0].Type.(MemrefType)
		if !ok || !mt.Ranked {
			continue
		}
		def := op.Operands[1].Def
		if def == nil || def.Name != "arith.constant" {
			continue
		}
		idx, ok := def.Attrs["value"].(IntegerAttr)
		if !ok || idx.Value < 0 || int(idx.Value) >= len(mt.Sizes) {
			continue
		}
		if IsDynamicDim(mt.Sizes, int(idx.Value)) {
			continue
		}
		// Rewrite the dim op into a constant in place.
		op.Name = "arith.constant"
		op.Operands = nil
		op.Attrs = AttrMap{"value": IntegerAttr{Value: mt.Sizes[idx.Value], Type: IndexType{}}}
	}
}

var pureOps = map[string]struct{}{
	"arith.constant": {},
	"memref.dim":     {},
	"memref.load":    {},
}

func dce(fn *Func) {
	for {
		uses := map[*Value]int{}
		for _, op := range fn.Entry.Ops {
			for _, v := range op.Operands {
				uses[v]++
			}
		}
		removed := false
		var ops []*Op
		for _, op := range fn.Entry.Ops {
			if _, pure := pureOps[op.Name]; pure {
				dead := true
				for _, r := range op.Results {
					if uses[r] > 0 {
						dead = false
					}
				}
				if dead {
					removed = true
					continue
				}
			}
			ops = append(ops, op)
		}
		fn.Entry.Ops = ops
		if !removed {
			return
		}
	}
}

//
// Transpose lowering.
//

// LowerTransposePass rewrites "<dialect>.transpose"(%src, %perm) ops into
// the core rt.transpose form, which requires the permutation to be a
// compile-time constant: either a dense arith.constant or a
// value-specialized block argument.
type LowerTransposePass struct{}

func (LowerTransposePass) Name() string { return "lower-transpose" }

func (LowerTransposePass) Run(m *Module, diags *Diagnostics) error {
	for _, fn := range m.Funcs {
		if fn.IsDeclaration() {
			continue
		}
		for _, op := range fn.Entry.Ops {
			if !strings.HasSuffix(op.Name, ".transpose") || op.Name == "rt.transpose" {
				continue
			}
			if len(op.Operands) != 2 {
				return fmt.Errorf("%s expects 2 operands, got %d", op.Name, len(op.Operands))
			}
			perm := constantOf(fn, op.Operands[1])
			if perm == nil {
				diags.Emit("%s: permutation is not a compile-time constant", op.Name)
				return errors.Errorf("%s: permutation must be a compile-time constant", op.Name)
			}
			values := make([]int64, perm.NumElements())
			for i := range values {
				values[i] = perm.Int(i)
			}
			op.Name = "rt.transpose"
			op.Operands = op.Operands[:1]
			op.SetAttr("permutation", DenseFromInts(perm.DType, perm.Sizes, values))
		}
	}
	return nil
}

// constantOf resolves a value to a dense constant: the result of a dense
// arith.constant, or a block argument whose contents were sunk by value
// specialization.
func constantOf(fn *Func, v *Value) *DenseAttr {
	if v.Def != nil {
		if v.Def.Name == "arith.constant" {
			if d, ok := v.Def.Attrs["value"].(*DenseAttr); ok {
				return d
			}
		}
		return nil
	}
	for i, arg := range fn.Entry.Args {
		if arg == v {
			if d, ok := fn.ArgAttr(i)[AttrConstant].(*DenseAttr); ok {
				return d
			}
		}
	}
	return nil
}

//
// Async lowering.
//

// AsyncLoweringPass marks functions with async results so the backend
// emits completion handles for them. NumWorkerThreads is the target
// parallelism recorded for async-expansion.
type AsyncLoweringPass struct {
	NumWorkerThreads int
}

func (AsyncLoweringPass) Name() string { return "async-to-async-runtime" }

func (p AsyncLoweringPass) Run(m *Module, diags *Diagnostics) error {
	for _, fn := range m.Funcs {
		for _, r := range fn.Type.Results {
			switch r.(type) {
			case AsyncTokenType, AsyncValueType:
				if fn.Attrs == nil {
					fn.Attrs = AttrMap{}
				}
				fn.Attrs["rt.async"] = UnitAttr{}
				if p.NumWorkerThreads > 0 {
					fn.Attrs["rt.num_worker_threads"] = IntegerAttr{
						Value: int64(p.NumWorkerThreads),
						Type:  IntegerType{Width: 64},
					}
				}
			}
		}
	}
	return nil
}

//
// Allocation alignment.
//

// AlignedAllocPass forces a minimum alignment on every memref.alloc.
type AlignedAllocPass struct {
	Alignment int64
}

func (AlignedAllocPass) Name() string { return "aligned-allocations" }

func (p AlignedAllocPass) Run(m *Module, diags *Diagnostics) error {
	if p.Alignment == 0 {
		return nil
	}
	for _, fn := range m.Funcs {
		if fn.IsDeclaration() {
			continue
		}
		for _, op := range fn.Entry.Ops {
			if op.Name != "memref.alloc" {
				continue
			}
			if cur, ok := op.Attrs.GetInt(AttrAlignment); !ok || cur < p.Alignment {
				op.SetAttr(AttrAlignment, IntegerAttr{Value: p.Alignment, Type: IntegerType{Width: 64}})
			}
		}
	}
	return nil
}

//
// Math approximation.
//

// MathApproximationPass selects fast polynomial approximations for math
// ops.
type MathApproximationPass struct{}

func (MathApproximationPass) Name() string { return "math-approximation" }

func (MathApproximationPass) Run(m *Module, diags *Diagnostics) error {
	for _, fn := range m.Funcs {
		if fn.IsDeclaration() {
			continue
		}
		for _, op := range fn.Entry.Ops {
			if Dialect(op.Name) == "math" {
				op.SetAttr(AttrApprox, UnitAttr{})
			}
		}
	}
	return nil
}

//
// Core lowering.
//

// coreOps is the operation set the code-generation backend accepts.
var coreOps = map[string]struct{}{
	"arith.constant": {},
	"memref.load":    {},
	"memref.store":   {},
	"memref.dim":     {},
	"memref.alloc":   {},
	"memref.copy":    {},
	"rt.transpose":   {},
	"rt.custom_call": {},
	"func.return":    {},
	"math.tanh":      {},
	"math.exp":       {},
	"math.log":       {},
	"math.rsqrt":     {},
}

// LowerToCorePass rewrites calls to custom-call declarations into
// rt.custom_call operations, drops the consumed declarations, and verifies
// that only core-dialect operations remain.
type LowerToCorePass struct{}

func (LowerToCorePass) Name() string { return "lower-to-core" }

func (LowerToCorePass) Run(m *Module, diags *Diagnostics) error {
	for _, fn := range m.Funcs {
		if fn.IsDeclaration() {
			continue
		}
		for _, op := range fn.Entry.Ops {
			if op.Name != "func.call" {
				continue
			}
			calleeName, _ := op.Attrs.GetSymbol("callee")
			callee := m.Lookup(calleeName)
			if callee == nil {
				return fmt.Errorf("call to undefined function @%s", calleeName)
			}
			target, ok := callee.Attrs.GetString(AttrCustomCall)
			if !ok {
				return fmt.Errorf("call to @%s survived inlining and is not a custom call", calleeName)
			}
			op.Name = "rt.custom_call"
			op.SetAttr("callee", StringAttr(target))
		}
	}

	// Custom-call declarations are fully consumed by the rewrite above.
	for _, fn := range append([]*Func(nil), m.Funcs...) {
		if fn.IsDeclaration() && fn.Attrs.Has(AttrCustomCall) {
			m.Remove(fn.Name)
		}
	}

	for _, fn := range m.Funcs {
		if fn.IsDeclaration() {
			continue
		}
		for _, op := range fn.Entry.Ops {
			if _, ok := coreOps[op.Name]; !ok {
				diags.Emit("operation '%s' has no code-generation support", op.Name)
				return errors.Errorf("unsupported operation '%s'", op.Name)
			}
		}
	}
	return nil
}
