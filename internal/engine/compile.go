package engine

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/jitrt-go/jitrt/api"
	"github.com/jitrt-go/jitrt/ir"
	"github.com/jitrt-go/jitrt/types"
)

// Options configures code generation.
type Options struct {
	// OptLevel is accepted for parity with native backends; the threaded
	// code generator emits the same program at every level.
	OptLevel int
	// KeepObjFile preserves the serialized program for AOT replay.
	KeepObjFile bool
}

// Compile lowers the core-dialect entrypoint of m into a program and
// returns an engine serving it. runtimeSig is the post-calling-convention
// signature whose ABI defines the frame layout.
func Compile(name string, m *ir.Module, entrypoint string, runtimeSig *types.FunctionType, opts Options, symbols SymbolMap) (*Engine, error) {
	fn := m.Lookup(entrypoint)
	if fn == nil {
		return nil, errors.Errorf("entrypoint function @%s not found", entrypoint)
	}
	if fn.IsDeclaration() {
		return nil, errors.Errorf("entrypoint function @%s has no body", entrypoint)
	}

	compiled, err := compileFunction(fn, runtimeSig)
	if err != nil {
		return nil, errors.Wrapf(err, "compiling @%s", entrypoint)
	}

	rs, err := resolveSymbols(symbols)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		name:    name,
		program: &program{funcs: map[string]*compiledFunction{entrypoint: compiled}},
		symbols: rs,
	}
	if opts.KeepObjFile {
		blob, err := encodeProgram(e.program)
		if err != nil {
			return nil, errors.Wrap(err, "serializing program")
		}
		e.objFile = blob
	}
	return e, nil
}

// LoadObjFile reconstructs an engine from a serialized program,
// re-registering the runtime symbol map a fresh compile would.
func LoadObjFile(name string, blob []byte, symbols SymbolMap) (*Engine, error) {
	p, err := decodeProgram(blob)
	if err != nil {
		return nil, errors.Wrap(err, "loading object file")
	}
	rs, err := resolveSymbols(symbols)
	if err != nil {
		return nil, err
	}
	return &Engine{name: name, program: p, symbols: rs, objFile: blob}, nil
}

func compileFunction(fn *ir.Func, runtimeSig *types.FunctionType) (*compiledFunction, error) {
	c := &compiledFunction{name: fn.Name, kctxSlot: -1, async: fn.Attrs.Has("rt.async")}

	// Lay out the packed input slots from the runtime signature. Leading
	// kernel-context operands are packed by the executable, not by IR
	// block arguments.
	slot := 0
	irArg := 0
	for i := 0; i < runtimeSig.NumInputs(); i++ {
		in := runtimeSig.Input(i)
		abi, ok := in.AsArgument()
		if !ok {
			return nil, errors.Errorf("input #%d type %s is not usable as an argument", i, in)
		}
		if _, isKctx := in.(types.KernelContextOperandType); isKctx && irArg == 0 && c.kctxSlot < 0 {
			c.kctxSlot = slot
			slot += abi.NumSlots
			continue
		}
		if irArg >= len(fn.Entry.Args) {
			return nil, errors.Errorf("runtime signature has more inputs than @%s declares", fn.Name)
		}
		info := argInfo{slot: slot}
		switch t := in.(type) {
		case *types.MemrefType:
			info.kind = argMemref
			info.rank = t.Rank()
			info.dtype = t.DType()
		default:
			info.kind = argOpaque
			info.typeID = opaqueTypeID(fn.Entry.Args[irArg].Type)
		}
		c.args = append(c.args, info)
		slot += abi.NumSlots
		irArg++
	}
	if irArg != len(fn.Entry.Args) {
		return nil, errors.Errorf("runtime signature has %d inputs, @%s declares %d block arguments",
			runtimeSig.NumInputs(), fn.Name, len(fn.Entry.Args))
	}
	c.numArgSlots = slot

	// Result cells follow the input slots, one pointer each.
	for i := 0; i < runtimeSig.NumResults(); i++ {
		out := runtimeSig.Result(i)
		if _, ok := out.AsResult(); !ok {
			return nil, errors.Errorf("result #%d type %s is not usable as a result", i, out)
		}
		info := resultInfo{slot: c.numArgSlots + i}
		switch t := out.(type) {
		case *types.MemrefType:
			info.kind = resMemref
			info.rank = t.Rank()
			info.dtype = t.DType()
		case types.AsyncTokenType:
			info.kind = resToken
		case *types.AsyncValueType:
			payload, ok := t.ValueType().(*types.MemrefType)
			if !ok {
				return nil, errors.Errorf("result #%d: async value payload %s must be a memref", i, t.ValueType())
			}
			abi, _ := payload.AsResult()
			info.kind = resValue
			info.rank = payload.Rank()
			info.dtype = payload.DType()
			info.size = abi.SizeInBytes
		default:
			return nil, errors.Errorf("unsupported result type %s", out)
		}
		c.results = append(c.results, info)
	}

	// Number SSA values and lower the body.
	ids := map[*ir.Value]int{}
	for i, arg := range fn.Entry.Args {
		ids[arg] = i
	}
	next := len(fn.Entry.Args)

	operandIDs := func(values []*ir.Value) ([]int, error) {
		out := make([]int, len(values))
		for i, v := range values {
			id, ok := ids[v]
			if !ok {
				return nil, errors.Errorf("operand %%%s has no definition", v.Name)
			}
			out[i] = id
		}
		return out, nil
	}
	defineResult := func(op *ir.Op) int {
		id := next
		ids[op.Results[0]] = id
		next++
		return id
	}

	for _, op := range fn.Entry.Ops {
		in := instr{result: -1}
		switch op.Name {
		case "arith.constant":
			switch a := op.Attr("value").(type) {
			case ir.IntegerAttr:
				in.op = opConstI
				in.ival = a.Value
			case ir.FloatAttr:
				in.op = opConstF
				in.fval = a.Value
				in.isFloat = true
			case *ir.DenseAttr:
				in.op = opConstDense
				in.dense = &denseConst{dtype: a.DType, sizes: a.Sizes, data: a.Data}
			default:
				return nil, errors.Errorf("arith.constant has no value attribute")
			}
			in.result = defineResult(op)

		case "memref.load":
			opnds, err := operandIDs(op.Operands)
			if err != nil {
				return nil, err
			}
			in.op = opLoad
			in.a = opnds[0]
			in.operands = opnds[1:]
			in.result = defineResult(op)

		case "memref.store":
			opnds, err := operandIDs(op.Operands)
			if err != nil {
				return nil, err
			}
			in.op = opStore
			in.a = opnds[0]
			in.operands = opnds[1:]

		case "memref.dim":
			opnds, err := operandIDs(op.Operands)
			if err != nil {
				return nil, err
			}
			in.op = opDim
			in.a = opnds[0]
			in.operands = opnds[1:]
			in.result = defineResult(op)

		case "memref.alloc":
			opnds, err := operandIDs(op.Operands)
			if err != nil {
				return nil, err
			}
			mt, ok := op.Results[0].Type.(ir.MemrefType)
			if !ok || !mt.Ranked {
				return nil, errors.Errorf("memref.alloc must produce a ranked memref")
			}
			dtype, ok := ir.ElementDType(mt.Element)
			if !ok {
				return nil, errors.Errorf("memref.alloc element type %s is unsupported", mt.Element)
			}
			in.op = opAlloc
			in.operands = opnds
			in.sizes = append([]int64(nil), mt.Sizes...)
			in.dtype = dtype
			in.align, _ = op.Attrs.GetInt(ir.AttrAlignment)
			in.result = defineResult(op)

		case "memref.copy":
			opnds, err := operandIDs(op.Operands)
			if err != nil {
				return nil, err
			}
			in.op = opCopy
			in.a = opnds[0]
			in.operands = opnds[1:]

		case "rt.transpose":
			opnds, err := operandIDs(op.Operands)
			if err != nil {
				return nil, err
			}
			perm, ok := op.Attr("permutation").(*ir.DenseAttr)
			if !ok {
				return nil, errors.Errorf("rt.transpose is missing its permutation")
			}
			in.op = opTranspose
			in.a = opnds[0]
			in.dense = &denseConst{dtype: perm.DType, sizes: perm.Sizes, data: perm.Data}
			in.result = defineResult(op)

		case "rt.custom_call":
			opnds, err := operandIDs(op.Operands)
			if err != nil {
				return nil, err
			}
			callee, ok := op.Attrs.GetString("callee")
			if !ok {
				return nil, errors.Errorf("rt.custom_call is missing its callee")
			}
			in.op = opCustomCall
			in.sym = callee
			in.operands = opnds
			for _, v := range op.Operands {
				in.ccOps = append(in.ccOps, customCallOperand(v.Type))
			}
			in.attrs = customCallAttrs(op.Attrs)

		case "func.return":
			opnds, err := operandIDs(op.Operands)
			if err != nil {
				return nil, err
			}
			in.op = opReturn
			in.operands = opnds

		case "math.tanh", "math.exp", "math.log", "math.rsqrt":
			opnds, err := operandIDs(op.Operands)
			if err != nil {
				return nil, err
			}
			in.op = opMath
			in.sym = op.Name
			in.a = opnds[0]
			in.result = defineResult(op)

		default:
			return nil, errors.Errorf("unsupported operation '%s'", op.Name)
		}
		c.body = append(c.body, in)
	}
	c.numValues = next

	if len(c.body) == 0 || c.body[len(c.body)-1].op != opReturn {
		return nil, errors.Errorf("@%s does not end in func.return", fn.Name)
	}
	return c, nil
}

func opaqueTypeID(t ir.Type) string {
	if o, ok := t.(ir.OpaqueType); ok {
		return o.Dialect + "." + o.Name
	}
	return "ptr"
}

func customCallOperand(t ir.Type) ccOperand {
	switch t := t.(type) {
	case ir.MemrefType:
		if dtype, ok := ir.ElementDType(t.Element); ok {
			return ccOperand{kind: argMemref, typeID: dtypeTypeID(dtype)}
		}
	case ir.TensorType:
		if dtype, ok := ir.ElementDType(t.Element); ok {
			return ccOperand{kind: argMemref, typeID: dtypeTypeID(dtype)}
		}
	}
	return ccOperand{kind: argOpaque, typeID: opaqueTypeID(t)}
}

func dtypeTypeID(d api.DType) string {
	switch d {
	case api.F32:
		return "f32"
	case api.F64:
		return "f64"
	case api.I32:
		return "i32"
	case api.I64:
		return "i64"
	}
	return d.String()
}

// customCallAttrs captures the scalar and string attributes of a custom
// call in name order, skipping the callee binding itself.
func customCallAttrs(attrs ir.AttrMap) []attrConst {
	names := make([]string, 0, len(attrs))
	for name := range attrs {
		if name == "callee" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	var out []attrConst
	for _, name := range names {
		switch a := attrs[name].(type) {
		case ir.IntegerAttr:
			kind := attrI64
			if it, ok := a.Type.(ir.IntegerType); ok && it.Width <= 32 {
				kind = attrI32
			}
			out = append(out, attrConst{name: name, kind: kind, i: a.Value})
		case ir.FloatAttr:
			kind := attrF64
			if ft, ok := a.Type.(ir.FloatType); ok && ft.Width == 32 {
				kind = attrF32
			}
			out = append(out, attrConst{name: name, kind: kind, f: a.Value})
		case ir.StringAttr:
			out = append(out, attrConst{name: name, kind: attrStr, s: string(a)})
		}
	}
	return out
}
