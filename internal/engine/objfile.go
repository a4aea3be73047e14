package engine

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"

	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"

	"github.com/jitrt-go/jitrt/api"
)

// Object files hold the serialized program behind an executable so it can
// be reloaded without recompiling: a small header followed by an
// lz4-compressed, varint-encoded stream.
var objMagic = [4]byte{'J', 'R', 'T', 'O'}

const objVersion = 1

type objWriter struct {
	buf bytes.Buffer
}

func (w *objWriter) u64(v uint64)  { w.buf.Write(binary.AppendUvarint(nil, v)) }
func (w *objWriter) i64(v int64)   { w.buf.Write(binary.AppendVarint(nil, v)) }
func (w *objWriter) b(v bool)      { w.u64(map[bool]uint64{false: 0, true: 1}[v]) }
func (w *objWriter) f64(v float64) { w.u64(math.Float64bits(v)) }

func (w *objWriter) str(s string) {
	w.u64(uint64(len(s)))
	w.buf.WriteString(s)
}

func (w *objWriter) bytes(b []byte) {
	w.u64(uint64(len(b)))
	w.buf.Write(b)
}

func (w *objWriter) i64s(vs []int64) {
	w.u64(uint64(len(vs)))
	for _, v := range vs {
		w.i64(v)
	}
}

func (w *objWriter) ints(vs []int) {
	w.u64(uint64(len(vs)))
	for _, v := range vs {
		w.i64(int64(v))
	}
}

type objReader struct {
	r   *bytes.Reader
	err error
}

func (r *objReader) fail(err error) {
	if r.err == nil && err != nil {
		r.err = err
	}
}

func (r *objReader) u64() uint64 {
	v, err := binary.ReadUvarint(r.r)
	r.fail(err)
	return v
}

func (r *objReader) i64() int64 {
	v, err := binary.ReadVarint(r.r)
	r.fail(err)
	return v
}

func (r *objReader) b() bool { return r.u64() != 0 }

func (r *objReader) f64() float64 { return math.Float64frombits(r.u64()) }

func (r *objReader) str() string {
	n := r.u64()
	if r.err != nil || n > uint64(r.r.Len()) {
		r.fail(errors.New("truncated string"))
		return ""
	}
	b := make([]byte, n)
	_, err := io.ReadFull(r.r, b)
	r.fail(err)
	return string(b)
}

func (r *objReader) byteSlice() []byte {
	n := r.u64()
	if r.err != nil || n > uint64(r.r.Len()) {
		r.fail(errors.New("truncated byte slice"))
		return nil
	}
	b := make([]byte, n)
	_, err := io.ReadFull(r.r, b)
	r.fail(err)
	return b
}

func (r *objReader) i64s() []int64 {
	n := r.u64()
	if r.err != nil || n > uint64(r.r.Len()) {
		r.fail(errors.New("truncated slice"))
		return nil
	}
	out := make([]int64, n)
	for i := range out {
		out[i] = r.i64()
	}
	return out
}

func (r *objReader) ints() []int {
	vs := r.i64s()
	out := make([]int, len(vs))
	for i, v := range vs {
		out[i] = int(v)
	}
	return out
}

func encodeProgram(p *program) ([]byte, error) {
	w := &objWriter{}
	w.u64(uint64(len(p.funcs)))
	for name, fn := range p.funcs {
		w.str(name)
		encodeFunction(w, fn)
	}

	var out bytes.Buffer
	out.Write(objMagic[:])
	var version [4]byte
	binary.LittleEndian.PutUint32(version[:], objVersion)
	out.Write(version[:])

	zw := lz4.NewWriter(&out)
	if _, err := zw.Write(w.buf.Bytes()); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func decodeProgram(blob []byte) (*program, error) {
	if len(blob) < 8 || !bytes.Equal(blob[:4], objMagic[:]) {
		return nil, errors.New("not a serialized program")
	}
	if v := binary.LittleEndian.Uint32(blob[4:8]); v != objVersion {
		return nil, errors.Errorf("unsupported object file version %d", v)
	}
	payload, err := io.ReadAll(lz4.NewReader(bytes.NewReader(blob[8:])))
	if err != nil {
		return nil, errors.Wrap(err, "decompressing program")
	}

	r := &objReader{r: bytes.NewReader(payload)}
	p := &program{funcs: map[string]*compiledFunction{}}
	n := r.u64()
	for i := uint64(0); i < n && r.err == nil; i++ {
		name := r.str()
		fn := decodeFunction(r)
		if r.err == nil {
			p.funcs[name] = fn
		}
	}
	if r.err != nil {
		return nil, errors.Wrap(r.err, "decoding program")
	}
	return p, nil
}

func encodeFunction(w *objWriter, fn *compiledFunction) {
	w.str(fn.name)
	w.b(fn.async)
	w.i64(int64(fn.kctxSlot))
	w.u64(uint64(fn.numArgSlots))
	w.u64(uint64(fn.numValues))

	w.u64(uint64(len(fn.args)))
	for _, a := range fn.args {
		w.u64(uint64(a.kind))
		w.u64(uint64(a.rank))
		w.u64(uint64(a.dtype))
		w.u64(uint64(a.slot))
		w.str(a.typeID)
	}

	w.u64(uint64(len(fn.results)))
	for _, res := range fn.results {
		w.u64(uint64(res.kind))
		w.u64(uint64(res.rank))
		w.u64(uint64(res.dtype))
		w.u64(uint64(res.slot))
		w.u64(uint64(res.size))
	}

	w.u64(uint64(len(fn.body)))
	for i := range fn.body {
		encodeInstr(w, &fn.body[i])
	}
}

func decodeFunction(r *objReader) *compiledFunction {
	fn := &compiledFunction{}
	fn.name = r.str()
	fn.async = r.b()
	fn.kctxSlot = int(r.i64())
	fn.numArgSlots = int(r.u64())
	fn.numValues = int(r.u64())

	nArgs := r.u64()
	for i := uint64(0); i < nArgs && r.err == nil; i++ {
		fn.args = append(fn.args, argInfo{
			kind:   argKind(r.u64()),
			rank:   int(r.u64()),
			dtype:  api.DType(r.u64()),
			slot:   int(r.u64()),
			typeID: r.str(),
		})
	}

	nResults := r.u64()
	for i := uint64(0); i < nResults && r.err == nil; i++ {
		fn.results = append(fn.results, resultInfo{
			kind:  resultKind(r.u64()),
			rank:  int(r.u64()),
			dtype: api.DType(r.u64()),
			slot:  int(r.u64()),
			size:  int(r.u64()),
		})
	}

	nBody := r.u64()
	for i := uint64(0); i < nBody && r.err == nil; i++ {
		fn.body = append(fn.body, decodeInstr(r))
	}
	return fn
}

func encodeInstr(w *objWriter, in *instr) {
	w.u64(uint64(in.op))
	w.i64(int64(in.a))
	w.i64(int64(in.result))
	w.ints(in.operands)
	w.i64(in.ival)
	w.f64(in.fval)

	w.b(in.dense != nil)
	if in.dense != nil {
		w.u64(uint64(in.dense.dtype))
		w.i64s(in.dense.sizes)
		w.bytes(in.dense.data)
	}

	w.str(in.sym)

	w.u64(uint64(len(in.attrs)))
	for _, a := range in.attrs {
		w.str(a.name)
		w.u64(uint64(a.kind))
		w.i64(a.i)
		w.f64(a.f)
		w.str(a.s)
	}

	w.u64(uint64(len(in.ccOps)))
	for _, cc := range in.ccOps {
		w.u64(uint64(cc.kind))
		w.str(cc.typeID)
	}

	w.u64(uint64(in.dtype))
	w.u64(uint64(in.rank))
	w.i64s(in.sizes)
	w.i64(in.align)
	w.b(in.isFloat)
}

func decodeInstr(r *objReader) instr {
	in := instr{}
	in.op = opcode(r.u64())
	in.a = int(r.i64())
	in.result = int(r.i64())
	in.operands = r.ints()
	in.ival = r.i64()
	in.fval = r.f64()

	if r.b() {
		in.dense = &denseConst{
			dtype: api.DType(r.u64()),
			sizes: r.i64s(),
			data:  r.byteSlice(),
		}
	}

	in.sym = r.str()

	nAttrs := r.u64()
	for i := uint64(0); i < nAttrs && r.err == nil; i++ {
		in.attrs = append(in.attrs, attrConst{
			name: r.str(),
			kind: attrConstKind(r.u64()),
			i:    r.i64(),
			f:    r.f64(),
			s:    r.str(),
		})
	}

	nCC := r.u64()
	for i := uint64(0); i < nCC && r.err == nil; i++ {
		in.ccOps = append(in.ccOps, ccOperand{kind: argKind(r.u64()), typeID: r.str()})
	}

	in.dtype = api.DType(r.u64())
	in.rank = int(r.u64())
	in.sizes = r.i64s()
	in.align = r.i64()
	in.isFloat = r.b()
	return in
}
