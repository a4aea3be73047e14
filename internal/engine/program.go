package engine

import (
	"math"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/jitrt-go/jitrt/api"
	"github.com/jitrt-go/jitrt/customcall"
)

const ptrSize = int(unsafe.Sizeof(uintptr(0)))

// program is one compiled module: an immutable set of functions.
type program struct {
	funcs map[string]*compiledFunction
}

type argKind byte

const (
	argOpaque argKind = iota
	argMemref
)

type resultKind byte

const (
	resMemref resultKind = iota
	resToken
	resValue // async value wrapping a memref
)

type argInfo struct {
	kind   argKind
	rank   int
	dtype  api.DType
	slot   int    // first slot of the packed argument in args[]
	typeID string // custom-call encoding id for opaque arguments
}

type resultInfo struct {
	kind  resultKind
	rank  int       // memref payload rank (resMemref, resValue)
	dtype api.DType // memref payload dtype
	slot  int       // args[] index of the result cell pointer
	size  int       // payload cell size in bytes (resValue)
}

type compiledFunction struct {
	name        string
	async       bool
	kctxSlot    int // slot of the kernel-context operand, or -1
	numArgSlots int // total packed input slots
	numValues   int
	args        []argInfo
	results     []resultInfo
	body        []instr
}

type opcode byte

const (
	opConstI opcode = iota
	opConstF
	opConstDense
	opLoad
	opStore
	opDim
	opAlloc
	opTranspose
	opCopy
	opMath
	opCustomCall
	opReturn
)

// denseConst is a dense constant payload.
type denseConst struct {
	dtype api.DType
	sizes []int64
	data  []byte
}

type attrConstKind byte

const (
	attrI32 attrConstKind = iota
	attrI64
	attrF32
	attrF64
	attrStr
)

// attrConst is one custom-call attribute captured at compile time.
type attrConst struct {
	name string
	kind attrConstKind
	i    int64
	f    float64
	s    string
}

// ccOperand describes how one custom-call operand is encoded at run time.
type ccOperand struct {
	kind   argKind
	typeID string // element type id for memrefs, host type id otherwise
}

// instr is one threaded-code instruction. Fields are a union across
// opcodes; the compiler fills only what the opcode reads.
type instr struct {
	op       opcode
	a        int   // primary operand value id
	operands []int // secondary operand value ids
	result   int   // result value id, or -1
	ival     int64
	fval     float64
	dense    *denseConst
	sym      string
	attrs    []attrConst
	ccOps    []ccOperand
	dtype    api.DType
	rank     int
	sizes    []int64 // static result sizes; api.DynamicDim filled from operands
	align    int64
	isFloat  bool // scalar class of loads/constants
}

// memrefVal is a materialized strided buffer view. buf, when non-nil, pins
// an engine-owned backing array against the garbage collector.
type memrefVal struct {
	base    unsafe.Pointer
	data    unsafe.Pointer
	offset  int64
	sizes   []int64
	strides []int64
	dtype   api.DType
	buf     []byte
}

// rvalue is one SSA value at run time.
type rvalue struct {
	i int64
	f float64
	m *memrefVal
	p unsafe.Pointer
}

// call enters the compiled function with the packed argument array.
// Failures signaled by the body are recorded in the kernel context; the
// frame ABI itself has no error return.
func (f *compiledFunction) call(args []unsafe.Pointer, symbols *runtimeSymbols) {
	var kctx *KernelContext
	if f.kctxSlot >= 0 {
		kctx = *(**KernelContext)(args[f.kctxSlot])
	}
	if err := f.execute(args, kctx, symbols); err != nil {
		if kctx != nil {
			kctx.SetError(err)
		}
	}
}

func (f *compiledFunction) execute(args []unsafe.Pointer, kctx *KernelContext, symbols *runtimeSymbols) error {
	vals := make([]rvalue, f.numValues)

	// Materialize block arguments from the packed input slots.
	for i, arg := range f.args {
		switch arg.kind {
		case argOpaque:
			vals[i].p = *(*unsafe.Pointer)(args[arg.slot])
		case argMemref:
			m := &memrefVal{
				base:    *(*unsafe.Pointer)(args[arg.slot]),
				data:    *(*unsafe.Pointer)(args[arg.slot+1]),
				offset:  *(*int64)(args[arg.slot+2]),
				sizes:   make([]int64, arg.rank),
				strides: make([]int64, arg.rank),
				dtype:   arg.dtype,
			}
			for d := 0; d < arg.rank; d++ {
				m.sizes[d] = *(*int64)(args[arg.slot+3+d])
				m.strides[d] = *(*int64)(args[arg.slot+3+arg.rank+d])
			}
			vals[i].m = m
		}
	}

	for pc := range f.body {
		in := &f.body[pc]
		switch in.op {
		case opConstI:
			vals[in.result].i = in.ival

		case opConstF:
			vals[in.result].f = in.fval

		case opConstDense:
			vals[in.result].m = materializeDense(in.dense)

		case opLoad:
			m := vals[in.a].m
			addr, err := elementAddr(m, vals, in.operands)
			if err != nil {
				return err
			}
			vals[in.result] = loadScalar(addr, m.dtype)

		case opStore:
			m := vals[in.operands[0]].m
			addr, err := elementAddr(m, vals, in.operands[1:])
			if err != nil {
				return err
			}
			storeScalar(addr, m.dtype, vals[in.a])

		case opDim:
			m := vals[in.a].m
			d := vals[in.operands[0]].i
			if d < 0 || int(d) >= len(m.sizes) {
				return errors.Errorf("dimension index %d out of range for rank %d", d, len(m.sizes))
			}
			vals[in.result].i = m.sizes[d]

		case opAlloc:
			sizes := make([]int64, len(in.sizes))
			dyn := 0
			for d, s := range in.sizes {
				if s == api.DynamicDim {
					sizes[d] = vals[in.operands[dyn]].i
					dyn++
				} else {
					sizes[d] = s
				}
			}
			vals[in.result].m = allocMemref(in.dtype, sizes, int(in.align), symbols)

		case opTranspose:
			src := vals[in.a].m
			out, err := transpose(src, in.dense, int(in.align), symbols)
			if err != nil {
				return err
			}
			vals[in.result].m = out

		case opCopy:
			if err := copyMemref(vals[in.a].m, vals[in.operands[0]].m); err != nil {
				return err
			}

		case opMath:
			vals[in.result].f = evalMath(in.sym, vals[in.a].f)

		case opCustomCall:
			if err := f.dispatchCustomCall(in, vals, kctx, symbols); err != nil {
				return err
			}

		case opReturn:
			return f.emitResults(in, vals, args, symbols)
		}
	}
	return errors.New("function body has no terminator")
}

func elementAddr(m *memrefVal, vals []rvalue, idx []int) (unsafe.Pointer, error) {
	if len(idx) != len(m.sizes) {
		return nil, errors.Errorf("expected %d indices, got %d", len(m.sizes), len(idx))
	}
	linear := m.offset
	for d, id := range idx {
		i := vals[id].i
		if i < 0 || i >= m.sizes[d] {
			return nil, errors.Errorf("index %d out of bounds for dimension #%d of size %d", i, d, m.sizes[d])
		}
		linear += i * m.strides[d]
	}
	return unsafe.Add(m.data, int(linear)*m.dtype.SizeInBytes()), nil
}

func loadScalar(addr unsafe.Pointer, dtype api.DType) rvalue {
	switch dtype {
	case api.F32:
		return rvalue{f: float64(*(*float32)(addr))}
	case api.F64:
		return rvalue{f: *(*float64)(addr)}
	case api.I1, api.I8:
		return rvalue{i: int64(*(*int8)(addr))}
	case api.I16:
		return rvalue{i: int64(*(*int16)(addr))}
	case api.I32:
		return rvalue{i: int64(*(*int32)(addr))}
	case api.I64:
		return rvalue{i: *(*int64)(addr)}
	case api.UI8:
		return rvalue{i: int64(*(*uint8)(addr))}
	case api.UI16:
		return rvalue{i: int64(*(*uint16)(addr))}
	case api.UI32:
		return rvalue{i: int64(*(*uint32)(addr))}
	case api.UI64:
		return rvalue{i: int64(*(*uint64)(addr))}
	}
	return rvalue{}
}

func storeScalar(addr unsafe.Pointer, dtype api.DType, v rvalue) {
	switch dtype {
	case api.F32:
		*(*float32)(addr) = float32(v.f)
	case api.F64:
		*(*float64)(addr) = v.f
	case api.I1, api.I8, api.UI8:
		*(*int8)(addr) = int8(v.i)
	case api.I16, api.UI16:
		*(*int16)(addr) = int16(v.i)
	case api.I32, api.UI32:
		*(*int32)(addr) = int32(v.i)
	case api.I64, api.UI64:
		*(*int64)(addr) = v.i
	}
}

func rowMajorStrides(sizes []int64) []int64 {
	strides := make([]int64, len(sizes))
	stride := int64(1)
	for d := len(sizes) - 1; d >= 0; d-- {
		strides[d] = stride
		stride *= sizes[d]
	}
	return strides
}

func numElements(sizes []int64) int64 {
	n := int64(1)
	for _, s := range sizes {
		n *= s
	}
	return n
}

func allocMemref(dtype api.DType, sizes []int64, align int, symbols *runtimeSymbols) *memrefVal {
	bytes := int(numElements(sizes)) * dtype.SizeInBytes()
	ptr := symbols.alloc(bytes, align)
	return &memrefVal{
		base:    ptr,
		data:    ptr,
		sizes:   sizes,
		strides: rowMajorStrides(sizes),
		dtype:   dtype,
	}
}

func materializeDense(d *denseConst) *memrefVal {
	buf := make([]byte, len(d.data))
	copy(buf, d.data)
	m := &memrefVal{
		sizes:   append([]int64(nil), d.sizes...),
		strides: rowMajorStrides(d.sizes),
		dtype:   d.dtype,
		buf:     buf,
	}
	if len(buf) > 0 {
		m.data = unsafe.Pointer(&buf[0])
		m.base = m.data
	}
	return m
}

// transpose allocates the permuted output and copies elements. The output
// dimension i has the size of input dimension perm[i].
func transpose(src *memrefVal, perm *denseConst, align int, symbols *runtimeSymbols) (*memrefVal, error) {
	rank := len(src.sizes)
	if int(numElements(perm.sizes)) != rank {
		return nil, errors.Errorf("transpose permutation has %d entries, operand rank is %d", numElements(perm.sizes), rank)
	}
	p := make([]int64, rank)
	seen := make([]bool, rank)
	for i := range p {
		p[i] = denseInt(perm, i)
		if p[i] < 0 || int(p[i]) >= rank || seen[p[i]] {
			return nil, errors.Errorf("invalid transpose permutation entry %d", p[i])
		}
		seen[p[i]] = true
	}

	outSizes := make([]int64, rank)
	for i := range outSizes {
		outSizes[i] = src.sizes[p[i]]
	}
	out := allocMemref(src.dtype, outSizes, align, symbols)

	elem := src.dtype.SizeInBytes()
	idx := make([]int64, rank)
	n := numElements(outSizes)
	for flat := int64(0); flat < n; flat++ {
		rem := flat
		for d := rank - 1; d >= 0; d-- {
			idx[d] = rem % outSizes[d]
			rem /= outSizes[d]
		}
		srcLinear := src.offset
		for d := 0; d < rank; d++ {
			srcLinear += idx[d] * src.strides[p[d]]
		}
		dstLinear := int64(0)
		for d := 0; d < rank; d++ {
			dstLinear += idx[d] * out.strides[d]
		}
		copyElement(unsafe.Add(out.data, int(dstLinear)*elem), unsafe.Add(src.data, int(srcLinear)*elem), elem)
	}
	return out, nil
}

func copyMemref(src, dst *memrefVal) error {
	if len(src.sizes) != len(dst.sizes) {
		return errors.Errorf("copy rank mismatch: %d vs %d", len(src.sizes), len(dst.sizes))
	}
	for d := range src.sizes {
		if src.sizes[d] != dst.sizes[d] {
			return errors.Errorf("copy size mismatch in dimension #%d: %d vs %d", d, src.sizes[d], dst.sizes[d])
		}
	}
	rank := len(src.sizes)
	elem := src.dtype.SizeInBytes()
	idx := make([]int64, rank)
	n := numElements(src.sizes)
	for flat := int64(0); flat < n; flat++ {
		rem := flat
		for d := rank - 1; d >= 0; d-- {
			idx[d] = rem % src.sizes[d]
			rem /= src.sizes[d]
		}
		srcLinear, dstLinear := src.offset, dst.offset
		for d := 0; d < rank; d++ {
			srcLinear += idx[d] * src.strides[d]
			dstLinear += idx[d] * dst.strides[d]
		}
		copyElement(unsafe.Add(dst.data, int(dstLinear)*elem), unsafe.Add(src.data, int(srcLinear)*elem), elem)
	}
	return nil
}

func copyElement(dst, src unsafe.Pointer, size int) {
	switch size {
	case 1:
		*(*int8)(dst) = *(*int8)(src)
	case 2:
		*(*int16)(dst) = *(*int16)(src)
	case 4:
		*(*int32)(dst) = *(*int32)(src)
	case 8:
		*(*int64)(dst) = *(*int64)(src)
	case 16:
		*(*[16]byte)(dst) = *(*[16]byte)(src)
	}
}

func denseInt(d *denseConst, i int) int64 {
	sz := d.dtype.SizeInBytes()
	b := d.data[i*sz : (i+1)*sz]
	switch sz {
	case 1:
		return int64(int8(b[0]))
	case 2:
		return int64(int16(uint16(b[0]) | uint16(b[1])<<8))
	case 4:
		return int64(int32(uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24))
	default:
		var v uint64
		for k := 0; k < 8; k++ {
			v |= uint64(b[k]) << (8 * k)
		}
		return int64(v)
	}
}

func evalMath(name string, x float64) float64 {
	switch name {
	case "math.tanh":
		return math.Tanh(x)
	case "math.exp":
		return math.Exp(x)
	case "math.log":
		return math.Log(x)
	case "math.rsqrt":
		return 1 / math.Sqrt(x)
	}
	return math.NaN()
}

// dispatchCustomCall encodes operands and attributes per the custom-call
// ABI and hands them to the dispatcher symbol.
func (f *compiledFunction) dispatchCustomCall(in *instr, vals []rvalue, kctx *KernelContext, symbols *runtimeSymbols) error {
	args := make([]customcall.EncodedArg, len(in.operands))
	// Encodings reference storage that must stay alive across the call.
	encoded := make([]customcall.EncodedMemref, len(in.operands))
	descriptors := make([][]byte, len(in.operands))

	for i, id := range in.operands {
		cc := in.ccOps[i]
		switch cc.kind {
		case argMemref:
			m := vals[id].m
			descriptors[i] = encodeDescriptor(m)
			encoded[i] = customcall.EncodedMemref{
				ElementTypeID: customcall.TypeID(cc.typeID),
				Rank:          int64(len(m.sizes)),
				Descriptor:    unsafe.Pointer(&descriptors[i][0]),
			}
			args[i] = customcall.EncodedArg{
				TypeID: customcall.Memref,
				Value:  unsafe.Pointer(&encoded[i]),
			}
		case argOpaque:
			args[i] = customcall.EncodedArg{
				TypeID: customcall.TypeID(cc.typeID),
				Value:  vals[id].p,
			}
		}
	}

	attrs := make([]customcall.EncodedAttr, len(in.attrs))
	attrStorage := make([][8]byte, len(in.attrs))
	strStorage := make([]string, len(in.attrs))
	for i := range in.attrs {
		a := &in.attrs[i]
		attr := customcall.EncodedAttr{Name: a.name}
		ptr := unsafe.Pointer(&attrStorage[i])
		switch a.kind {
		case attrI32:
			attr.TypeID = customcall.I32
			*(*int32)(ptr) = int32(a.i)
		case attrI64:
			attr.TypeID = customcall.I64
			*(*int64)(ptr) = a.i
		case attrF32:
			attr.TypeID = customcall.F32
			*(*float32)(ptr) = float32(a.f)
		case attrF64:
			attr.TypeID = customcall.F64
			*(*float64)(ptr) = a.f
		case attrStr:
			attr.TypeID = customcall.String
			strStorage[i] = a.s
			ptr = unsafe.Pointer(&strStorage[i])
		}
		attr.Value = ptr
		attrs[i] = attr
	}

	return symbols.customCall(kctx, in.sym, args, attrs)
}

// encodeDescriptor lays out the inlined strided descriptor for a memref.
func encodeDescriptor(m *memrefVal) []byte {
	rank := len(m.sizes)
	buf := make([]byte, 2*ptrSize+8+8*2*rank)
	p := unsafe.Pointer(&buf[0])
	*(*unsafe.Pointer)(p) = m.base
	*(*unsafe.Pointer)(unsafe.Add(p, ptrSize)) = m.data
	*(*int64)(unsafe.Add(p, 2*ptrSize)) = m.offset
	for d := 0; d < rank; d++ {
		*(*int64)(unsafe.Add(p, 2*ptrSize+8+8*d)) = m.sizes[d]
		*(*int64)(unsafe.Add(p, 2*ptrSize+8+8*(rank+d))) = m.strides[d]
	}
	return buf
}

// emitResults writes every returned value into its result cell per the
// result ABI, creating async handles where the signature demands them.
// Token results carry no payload and consume no returned value.
func (f *compiledFunction) emitResults(in *instr, vals []rvalue, args []unsafe.Pointer, symbols *runtimeSymbols) error {
	operand := 0
	take := func() (rvalue, error) {
		if operand >= len(in.operands) {
			return rvalue{}, errors.Errorf("returning %d values, signature needs more", len(in.operands))
		}
		v := vals[in.operands[operand]]
		operand++
		return v, nil
	}

	for _, res := range f.results {
		cell := args[res.slot]
		switch res.kind {
		case resMemref:
			v, err := take()
			if err != nil {
				return err
			}
			writeDescriptor(cell, v.m)

		case resToken:
			token := symbols.newToken()
			token.SetAvailable()
			*(*unsafe.Pointer)(cell) = unsafe.Pointer(token)

		case resValue:
			v, err := take()
			if err != nil {
				return err
			}
			value := symbols.newValue(res.size)
			writeDescriptor(value.Ptr(), v.m)
			value.SetAvailable()
			*(*unsafe.Pointer)(cell) = unsafe.Pointer(value)
		}
	}
	if operand != len(in.operands) {
		return errors.Errorf("returning %d values, signature consumes %d", len(in.operands), operand)
	}
	return nil
}

func writeDescriptor(cell unsafe.Pointer, m *memrefVal) {
	rank := len(m.sizes)
	*(*unsafe.Pointer)(cell) = m.base
	*(*unsafe.Pointer)(unsafe.Add(cell, ptrSize)) = m.data
	*(*int64)(unsafe.Add(cell, 2*ptrSize)) = m.offset
	for d := 0; d < rank; d++ {
		*(*int64)(unsafe.Add(cell, 2*ptrSize+8+8*d)) = m.sizes[d]
		*(*int64)(unsafe.Add(cell, 2*ptrSize+8+8*(rank+d))) = m.strides[d]
	}
}
