package jitrt

import (
	"fmt"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/jitrt-go/jitrt/api"
	"github.com/jitrt-go/jitrt/internal/alloc"
	"github.com/jitrt-go/jitrt/internal/asyncrt"
	"github.com/jitrt-go/jitrt/types"
)

// ResultConverter decodes result cells back into host values after a call
// returns. ReturnError floods every result with the given error when the
// call itself failed.
type ResultConverter interface {
	ReturnValue(result int, t types.Type, ptr unsafe.Pointer) error
	ReturnError(err error)
}

// ReturnedResults is the result sink: one slot per function result holding
// either a converted host value or an error.
type ReturnedResults struct {
	values []interface{}
	errs   []error
}

// NewReturnedResults returns a sink with numResults empty slots.
func NewReturnedResults(numResults int) *ReturnedResults {
	return &ReturnedResults{
		values: make([]interface{}, numResults),
		errs:   make([]error, numResults),
	}
}

// Len returns the number of result slots.
func (r *ReturnedResults) Len() int { return len(r.values) }

// Set stores the converted value for result i.
func (r *ReturnedResults) Set(i int, v interface{}) { r.values[i] = v }

// EmitError stores an error for result i.
func (r *ReturnedResults) EmitError(i int, err error) { r.errs[i] = err }

// EmitAllErrors floods every slot with err.
func (r *ReturnedResults) EmitAllErrors(err error) {
	for i := range r.errs {
		r.errs[i] = err
	}
}

// Value returns the converted value of result i, or its error.
func (r *ReturnedResults) Value(i int) (interface{}, error) {
	if err := r.errs[i]; err != nil {
		return nil, err
	}
	return r.values[i], nil
}

// ConversionFn attempts to convert one result. It returns false when it
// does not handle the type.
type ConversionFn func(results *ReturnedResults, result int, t types.Type, ptr unsafe.Pointer) bool

// ReturnValueConverter converts results into a ReturnedResults sink by
// walking registered conversions in reverse registration order until one
// succeeds; the last registered conversion wins.
type ReturnValueConverter struct {
	results     *ReturnedResults
	conversions []ConversionFn
}

// NewReturnValueConverter returns a converter feeding the given sink.
func NewReturnValueConverter(results *ReturnedResults) *ReturnValueConverter {
	return &ReturnValueConverter{results: results}
}

// AddConversion registers a conversion.
func (c *ReturnValueConverter) AddConversion(fn ConversionFn) *ReturnValueConverter {
	c.conversions = append(c.conversions, fn)
	return c
}

// Results returns the sink.
func (c *ReturnValueConverter) Results() *ReturnedResults { return c.results }

// ReturnValue implements ResultConverter.
func (c *ReturnValueConverter) ReturnValue(result int, t types.Type, ptr unsafe.Pointer) error {
	for i := len(c.conversions) - 1; i >= 0; i-- {
		if c.conversions[i](c.results, result, t, ptr) {
			return nil
		}
	}
	err := errors.Wrapf(ErrResultConversion, "unsupported return type: %s", t)
	c.results.EmitError(result, err)
	return err
}

// ReturnError implements ResultConverter.
func (c *ReturnValueConverter) ReturnError(err error) { c.results.EmitAllErrors(err) }

// NoResultConverter is the converter for functions returning nothing.
type NoResultConverter struct{}

// ReturnValue implements ResultConverter; it fails for every result.
func (NoResultConverter) ReturnValue(result int, t types.Type, ptr unsafe.Pointer) error {
	return errors.Wrapf(ErrResultConversion, "unexpected result #%d of type %s", result, t)
}

// ReturnError implements ResultConverter as a no-op.
func (NoResultConverter) ReturnError(err error) {}

// Tensor is a host tensor adopting a buffer returned by generated code.
// Free releases the underlying buffer; the zero deleter makes Free a
// no-op for borrowed buffers.
type Tensor struct {
	dtype   api.DType
	sizes   []api.Index
	strides []api.Index
	data    unsafe.Pointer
	free    func()
}

func (t *Tensor) DType() api.DType { return t.dtype }

func (t *Tensor) Sizes() []api.Index { return t.sizes }

func (t *Tensor) Strides() []api.Index { return t.strides }

func (t *Tensor) Data() unsafe.Pointer { return t.data }

// NumElements returns the element count.
func (t *Tensor) NumElements() int {
	n := 1
	for _, s := range t.sizes {
		n *= int(s)
	}
	return n
}

// Free releases the adopted buffer. Safe to call more than once.
func (t *Tensor) Free() {
	if t.free != nil {
		t.free()
		t.free = nil
	}
}

// Float32s views the buffer as a []float32. The tensor must be dense and
// of dtype F32.
func (t *Tensor) Float32s() []float32 {
	return unsafe.Slice((*float32)(t.data), t.NumElements())
}

// Float64s views the buffer as a []float64.
func (t *Tensor) Float64s() []float64 {
	return unsafe.Slice((*float64)(t.data), t.NumElements())
}

// Int32s views the buffer as a []int32.
func (t *Tensor) Int32s() []int32 {
	return unsafe.Slice((*int32)(t.data), t.NumElements())
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor: dtype: %s sizes: %v", t.dtype, t.sizes)
}

const ptrSize = int(unsafe.Sizeof(uintptr(0)))

// unpackStridedMemref decodes the inlined strided descriptor
// {base, data, offset, sizes[rank], strides[rank]} written by the callee
// and builds a tensor that adopts the buffer: freeing the tensor frees the
// callee-returned base pointer.
func unpackStridedMemref(ptr unsafe.Pointer, rank int, dtype api.DType) *Tensor {
	base := *(*unsafe.Pointer)(ptr)
	t := &Tensor{
		dtype:   dtype,
		data:    *(*unsafe.Pointer)(unsafe.Add(ptr, ptrSize)),
		sizes:   make([]api.Index, rank),
		strides: make([]api.Index, rank),
		free:    func() { alloc.Free(base) },
	}
	offset := *(*int64)(unsafe.Add(ptr, 2*ptrSize))
	for d := 0; d < rank; d++ {
		t.sizes[d] = *(*int64)(unsafe.Add(ptr, 2*ptrSize+8+8*d))
		t.strides[d] = *(*int64)(unsafe.Add(ptr, 2*ptrSize+8+8*(rank+d)))
	}
	if offset != 0 {
		t.data = unsafe.Add(t.data, int(offset)*dtype.SizeInBytes())
	}
	return t
}

// ReturnMemrefAsTensor converts a synchronous memref result into a Tensor
// that owns the returned buffer.
func ReturnMemrefAsTensor(results *ReturnedResults, result int, t types.Type, ptr unsafe.Pointer) bool {
	mt, ok := t.(*types.MemrefType)
	if !ok {
		return false
	}
	results.Set(result, unpackStridedMemref(ptr, mt.Rank(), mt.DType()))
	return true
}

// AsyncToken is the host-side awaitable of an async token result.
type AsyncToken struct {
	token *asyncrt.Token
}

// Await blocks until the token completes and returns its error state.
func (t *AsyncToken) Await() error { return t.token.Await() }

// Done exposes the completion channel.
func (t *AsyncToken) Done() <-chan struct{} { return t.token.Done() }

// ReturnAsyncToken converts an async token result into an AsyncToken
// awaitable.
func ReturnAsyncToken(results *ReturnedResults, result int, t types.Type, ptr unsafe.Pointer) bool {
	if _, ok := t.(types.AsyncTokenType); !ok {
		return false
	}
	token, err := asyncrt.TokenFromPtr(*(*unsafe.Pointer)(ptr))
	if err != nil {
		results.EmitError(result, errors.Wrap(ErrResultConversion, err.Error()))
		return true
	}
	results.Set(result, &AsyncToken{token: token})
	return true
}

// AsyncTensor is the host-side future of an async memref result.
type AsyncTensor struct {
	value *asyncrt.Value
	rank  int
	dtype api.DType
}

// Await blocks until the async value resolves, then unpacks the strided
// memref into a host tensor.
func (t *AsyncTensor) Await() (*Tensor, error) {
	if err := t.value.Await(); err != nil {
		return nil, err
	}
	return unpackStridedMemref(t.value.Ptr(), t.rank, t.dtype), nil
}

// ReturnAsyncMemrefAsTensor converts an async memref result into an
// AsyncTensor future.
func ReturnAsyncMemrefAsTensor(results *ReturnedResults, result int, t types.Type, ptr unsafe.Pointer) bool {
	avt, ok := t.(*types.AsyncValueType)
	if !ok {
		return false
	}
	payload, ok := avt.ValueType().(*types.MemrefType)
	if !ok {
		return false
	}
	value, err := asyncrt.ValueFromPtr(*(*unsafe.Pointer)(ptr))
	if err != nil {
		results.EmitError(result, errors.Wrap(ErrResultConversion, err.Error()))
		return true
	}
	results.Set(result, &AsyncTensor{value: value, rank: payload.Rank(), dtype: payload.DType()})
	return true
}
