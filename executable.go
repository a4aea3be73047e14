package jitrt

import (
	"runtime"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/jitrt-go/jitrt/customcall"
	"github.com/jitrt-go/jitrt/internal/asyncrt"
	"github.com/jitrt-go/jitrt/internal/engine"
	"github.com/jitrt-go/jitrt/types"
)

// ResultsMemoryLayout is the pre-computed layout of the result block: the
// total byte size and one offset per result.
type ResultsMemoryLayout struct {
	// HasAsyncResults records whether any result is an async handle.
	HasAsyncResults bool
	Size            int
	Offsets         []int
}

// VerifyEntrypointSignature checks that every input and result of the
// runtime signature supports its ABI role and computes the results memory
// layout.
func VerifyEntrypointSignature(signature *types.FunctionType) (ResultsMemoryLayout, error) {
	for i := 0; i < signature.NumInputs(); i++ {
		if _, ok := signature.Input(i).AsArgument(); !ok {
			return ResultsMemoryLayout{}, errors.Wrapf(ErrUnsupportedType,
				"input #%d type %s is not usable as an argument", i, signature.Input(i))
		}
	}

	layout := ResultsMemoryLayout{Offsets: make([]int, 0, signature.NumResults())}
	for i := 0; i < signature.NumResults(); i++ {
		t := signature.Result(i)
		abi, ok := t.AsResult()
		if !ok {
			return ResultsMemoryLayout{}, errors.Wrapf(ErrUnsupportedType,
				"result #%d type %s is not usable as a result", i, t)
		}
		switch t.(type) {
		case types.AsyncTokenType, *types.AsyncValueType:
			layout.HasAsyncResults = true
		}
		layout.Offsets = append(layout.Offsets, layout.Size)
		layout.Size += abi.SizeInBytes
	}
	return layout, nil
}

// CallFrame carries the packed argument slots and the raw result block of
// one invocation. Frames are per-call values and must not be shared.
type CallFrame struct {
	args    []unsafe.Pointer
	results []byte
	// kctx is the storage cell the kernel-context slot points at.
	kctx unsafe.Pointer
}

// Args exposes the packed argument array, e.g. for entering the function
// through an engine obtained elsewhere.
func (f *CallFrame) Args() []unsafe.Pointer { return f.args }

// TaskRunner executes async tasks spawned by the generated code on behalf
// of the host work queue.
type TaskRunner interface {
	Schedule(task func())
}

// GoTaskRunner runs every task on its own goroutine.
type GoTaskRunner struct{}

// Schedule implements TaskRunner.
func (GoTaskRunner) Schedule(task func()) { go task() }

// ExecuteOpts carries per-call execution state.
type ExecuteOpts struct {
	// AsyncTaskRunner executes tasks spawned by the call. Defaults to
	// GoTaskRunner.
	AsyncTaskRunner TaskRunner
	// CustomCalls resolves custom calls emitted by the generated code.
	CustomCalls *customcall.Registry
	// CustomCallData is handed to custom-call handlers as user data.
	CustomCallData *customcall.UserData
}

// RuntimeSymbolMap overrides runtime symbols when loading an executable
// from an object file.
type RuntimeSymbolMap map[string]interface{}

// Executable is one compiled entrypoint: the engine owning the generated
// code, the runtime signature, and the pre-computed results layout.
// Immutable after construction; safe for concurrent Execute calls with
// distinct frames.
type Executable struct {
	eng              *engine.Engine
	fptr             engine.Fn
	entrypoint       string
	signature        *types.FunctionType
	runtimeSignature *types.FunctionType
	layout           ResultsMemoryLayout
}

// Signature returns the user-facing signature.
func (e *Executable) Signature() *types.FunctionType { return e.signature }

// RuntimeSignature returns the signature after calling-convention
// rewriting; argument verification uses this one.
func (e *Executable) RuntimeSignature() *types.FunctionType { return e.runtimeSignature }

// Entrypoint returns the resolved entrypoint symbol name.
func (e *Executable) Entrypoint() string { return e.entrypoint }

// NumResults returns the number of runtime results.
func (e *Executable) NumResults() int { return e.runtimeSignature.NumResults() }

// ResultsLayout returns the pre-computed result block layout.
func (e *Executable) ResultsLayout() ResultsMemoryLayout { return e.layout }

// numKernelContextInputs counts the leading kernel-context operands the
// calling convention prepended; the executable packs those itself.
func (e *Executable) numKernelContextInputs() int {
	n := 0
	for i := 0; i < e.runtimeSignature.NumInputs(); i++ {
		if _, ok := e.runtimeSignature.Input(i).(types.KernelContextOperandType); ok && i == n {
			n++
			continue
		}
		break
	}
	return n
}

// InitializeCallFrame verifies operands against the runtime signature and
// packs them into the frame. With verify disabled the fast path does
// O(total slots) work and allocates nothing beyond the two frame buffers.
func (e *Executable) InitializeCallFrame(operands ArgumentsRef, frame *CallFrame, verify bool) error {
	sig := e.runtimeSignature
	kctxInputs := e.numKernelContextInputs()

	if operands.Len() != sig.NumInputs()-kctxInputs {
		return errors.Wrapf(ErrArityMismatch,
			"number of operands must match the number of inputs: %d vs %d",
			operands.Len(), sig.NumInputs()-kctxInputs)
	}

	if verify {
		for i := 0; i < operands.Len(); i++ {
			if err := operands.At(i).Verify(sig.Input(kctxInputs + i)); err != nil {
				return errors.Wrapf(err, "operand #%d", i)
			}
		}
	}

	numSlots := 0
	for i := 0; i < sig.NumInputs(); i++ {
		abi, ok := sig.Input(i).AsArgument()
		if !ok {
			return errors.Wrapf(ErrUnsupportedType, "input #%d", i)
		}
		numSlots += abi.NumSlots
	}
	numSlots += sig.NumResults()

	if cap(frame.args) < numSlots {
		frame.args = make([]unsafe.Pointer, numSlots)
	}
	frame.args = frame.args[:numSlots]

	offset := 0
	for i := 0; i < kctxInputs; i++ {
		frame.args[offset] = unsafe.Pointer(&frame.kctx)
		offset++
	}
	for i := 0; i < operands.Len(); i++ {
		offset = operands.At(i).Pack(frame.args, offset)
	}

	if cap(frame.results) < e.layout.Size {
		frame.results = make([]byte, e.layout.Size)
	}
	frame.results = frame.results[:e.layout.Size]
	for i, off := range e.layout.Offsets {
		frame.args[offset+i] = unsafe.Pointer(&frame.results[off])
	}
	return nil
}

// Execute builds a call frame for the operands, enters the generated code,
// and converts the results. Frame-initialization failures are surfaced
// into the result sink before returning.
func (e *Executable) Execute(operands ArgumentsRef, converter ResultConverter, opts ExecuteOpts) error {
	var frame CallFrame
	if err := e.InitializeCallFrame(operands, &frame, true); err != nil {
		converter.ReturnError(err)
		return err
	}

	kctx := &engine.KernelContext{CustomCalls: opts.CustomCalls, UserData: opts.CustomCallData}
	frame.kctx = unsafe.Pointer(kctx)

	runner := opts.AsyncTaskRunner
	if runner == nil {
		runner = GoTaskRunner{}
	}

	// The generated code expects an ambient runtime for task spawning; the
	// binding must be installed before every entry on this goroutine.
	asyncrt.WithRunner(runner, func() {
		e.fptr(frame.args)
	})
	// The frame holds raw pointers into the operands and the kernel
	// context; neither is visible to the garbage collector.
	runtime.KeepAlive(operands)
	runtime.KeepAlive(kctx)

	if err := kctx.Err(); err != nil {
		wrapped := errors.Wrap(ErrExecution, err.Error())
		converter.ReturnError(wrapped)
		return wrapped
	}
	return e.ReturnResults(converter, &frame)
}

// ReturnResults runs the converter over every result cell in signature
// order. Conversion failures are recorded per result; the first failure is
// returned after all results are visited.
func (e *Executable) ReturnResults(converter ResultConverter, frame *CallFrame) error {
	var firstErr error
	for i := 0; i < e.runtimeSignature.NumResults(); i++ {
		var ptr unsafe.Pointer
		if e.layout.Size > 0 {
			ptr = unsafe.Pointer(&frame.results[e.layout.Offsets[i]])
		}
		if err := converter.ReturnValue(i, e.runtimeSignature.Result(i), ptr); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ObjFile returns the serialized object code captured at compile time, or
// nil when the engine did not preserve it.
func (e *Executable) ObjFile() []byte { return e.eng.ObjFile() }

// LoadFromObjFile instantiates an executable from a precompiled object
// file. The loader registers the same runtime symbol map a fresh compile
// would (async runtime hooks, custom-call dispatcher, allocator), plus the
// caller's overrides.
func LoadFromObjFile(name string, obj []byte, entrypoint string,
	signature, runtimeSignature *types.FunctionType,
	symbols RuntimeSymbolMap, memoryRegionName string) (*Executable, error) {

	layout, err := VerifyEntrypointSignature(runtimeSignature)
	if err != nil {
		return nil, err
	}
	eng, err := engine.LoadObjFile(memoryRegionName, obj, engine.SymbolMap(symbols))
	if err != nil {
		return nil, errors.Wrapf(ErrCompilation, "%s: %v", name, err)
	}
	fptr, err := eng.Lookup(entrypoint)
	if err != nil {
		return nil, errors.Wrapf(ErrCompilation, "%s: %v", name, err)
	}
	return &Executable{
		eng:              eng,
		fptr:             fptr,
		entrypoint:       entrypoint,
		signature:        signature,
		runtimeSignature: runtimeSignature,
		layout:           layout,
	}, nil
}

// Close releases the engine and its generated code.
func (e *Executable) Close() { e.eng.Close() }
