// Package engine is the code-generation backend. It lowers core-dialect
// modules into threaded-code programs entered through the same flat
// `void f(void**)` frame ABI a native JIT would use, and serializes the
// programs as object-file blobs for ahead-of-time replay.
package engine

import (
	"unsafe"

	"github.com/pkg/errors"

	"github.com/jitrt-go/jitrt/customcall"
	"github.com/jitrt-go/jitrt/internal/alloc"
	"github.com/jitrt-go/jitrt/internal/asyncrt"
)

// Fn is a compiled function entry point. args carries one pointer per
// packed input slot followed by one pointer per result cell.
type Fn func(args []unsafe.Pointer)

// KernelContext is the per-call context threaded through the prepended
// kernel-context operand: the custom-call surface and the error cell
// generated code reports failures through.
type KernelContext struct {
	CustomCalls *customcall.Registry
	UserData    *customcall.UserData
	err         error
}

// SetError records the first failure signaled by generated code.
func (k *KernelContext) SetError(err error) {
	if k.err == nil {
		k.err = err
	}
}

// Err returns the failure recorded during the call, if any.
func (k *KernelContext) Err() error { return k.err }

// Runtime symbol names generated code links against.
const (
	SymCustomCall = "runtimeCustomCall"
	SymAlloc      = "runtimeAlloc"
	SymFree       = "runtimeFree"
	SymNewToken   = "runtimeNewAsyncToken"
	SymNewValue   = "runtimeNewAsyncValue"
)

// SymbolMap resolves runtime symbol names to host implementations. The
// same map shape serves fresh compiles and object-file reloads.
type SymbolMap map[string]interface{}

// DefaultSymbolMap returns the standard runtime bindings: custom-call
// dispatch through the kernel context, the pinning allocator, and async
// handle construction.
func DefaultSymbolMap() SymbolMap {
	return SymbolMap{
		SymCustomCall: func(kctx *KernelContext, callee string, args []customcall.EncodedArg, attrs []customcall.EncodedAttr) error {
			if kctx == nil || kctx.CustomCalls == nil {
				return errors.Errorf("custom call '%s': no custom call registry installed", callee)
			}
			return kctx.CustomCalls.Dispatch(callee, args, attrs, kctx.UserData)
		},
		SymAlloc:    alloc.Allocate,
		SymFree:     alloc.Free,
		SymNewToken: asyncrt.NewToken,
		SymNewValue: asyncrt.NewValue,
	}
}

// runtimeSymbols is the resolved, typed view of a SymbolMap.
type runtimeSymbols struct {
	customCall func(kctx *KernelContext, callee string, args []customcall.EncodedArg, attrs []customcall.EncodedAttr) error
	alloc      func(size, align int) unsafe.Pointer
	free       func(unsafe.Pointer)
	newToken   func() *asyncrt.Token
	newValue   func(size int) *asyncrt.Value
}

func resolveSymbols(m SymbolMap) (*runtimeSymbols, error) {
	merged := DefaultSymbolMap()
	for name, impl := range m {
		merged[name] = impl
	}
	rs := &runtimeSymbols{}
	var ok bool
	if rs.customCall, ok = merged[SymCustomCall].(func(*KernelContext, string, []customcall.EncodedArg, []customcall.EncodedAttr) error); !ok {
		return nil, errors.Errorf("runtime symbol '%s' has the wrong type", SymCustomCall)
	}
	if rs.alloc, ok = merged[SymAlloc].(func(int, int) unsafe.Pointer); !ok {
		return nil, errors.Errorf("runtime symbol '%s' has the wrong type", SymAlloc)
	}
	if rs.free, ok = merged[SymFree].(func(unsafe.Pointer)); !ok {
		return nil, errors.Errorf("runtime symbol '%s' has the wrong type", SymFree)
	}
	if rs.newToken, ok = merged[SymNewToken].(func() *asyncrt.Token); !ok {
		return nil, errors.Errorf("runtime symbol '%s' has the wrong type", SymNewToken)
	}
	if rs.newValue, ok = merged[SymNewValue].(func(int) *asyncrt.Value); !ok {
		return nil, errors.Errorf("runtime symbol '%s' has the wrong type", SymNewValue)
	}
	return rs, nil
}

// Engine owns one compiled program and the runtime symbols it links
// against. It is immutable after construction; Close releases the program.
type Engine struct {
	name    string
	program *program
	symbols *runtimeSymbols
	objFile []byte
}

// Name returns the engine's memory-region name.
func (e *Engine) Name() string { return e.name }

// Lookup resolves a compiled function by symbol name.
func (e *Engine) Lookup(name string) (Fn, error) {
	if e.program == nil {
		return nil, errors.New("engine is closed")
	}
	fn, ok := e.program.funcs[name]
	if !ok {
		return nil, errors.Errorf("symbol '%s' not found in compiled program", name)
	}
	return func(args []unsafe.Pointer) { fn.call(args, e.symbols) }, nil
}

// ObjFile returns the serialized program, or nil if it was not preserved.
func (e *Engine) ObjFile() []byte { return e.objFile }

// Close releases the compiled program. Emitted code is unreachable after
// Close; outstanding Fn values must not be invoked.
func (e *Engine) Close() { e.program = nil }
