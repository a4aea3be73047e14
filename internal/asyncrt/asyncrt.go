// Package asyncrt implements the async runtime surface generated code
// depends on: completion tokens, async values, and the ambient binding of
// the current task runner installed around every entry into generated
// code.
package asyncrt

import (
	"sync"
	"unsafe"

	"github.com/jtolds/gls"
	"github.com/pkg/errors"
)

// TaskRunner executes tasks spawned by generated code. The host work queue
// is out of scope here; tests satisfy this with bare goroutines.
type TaskRunner interface {
	Schedule(task func())
}

// TaskRunnerFunc adapts a function to TaskRunner.
type TaskRunnerFunc func(task func())

// Schedule implements TaskRunner.
func (f TaskRunnerFunc) Schedule(task func()) { f(task) }

// Token is a completion handle with no payload. The zero value is not
// usable; construct with NewToken.
type Token struct {
	done chan struct{}
	once sync.Once
	err  error
}

// NewToken returns an unavailable token, pinned until a consumer claims
// it with TokenFromPtr.
func NewToken() *Token {
	t := &Token{done: make(chan struct{})}
	pin(unsafe.Pointer(t), t)
	return t
}

// SetAvailable marks the token completed.
func (t *Token) SetAvailable() {
	t.once.Do(func() { close(t.done) })
}

// SetError marks the token completed with an error.
func (t *Token) SetError(err error) {
	t.once.Do(func() {
		t.err = err
		close(t.done)
	})
}

// Await blocks until the token completes and returns its error state.
func (t *Token) Await() error {
	<-t.done
	return t.err
}

// Done exposes the completion channel for select-based waiters.
func (t *Token) Done() <-chan struct{} { return t.done }

// Value is an async value: a token plus a storage cell the producer writes
// before completing. The storage layout is the payload type's result ABI,
// so for memref payloads it holds the inlined strided descriptor.
type Value struct {
	Token
	storage []byte
}

// NewValue returns an unavailable value with a zeroed storage cell of the
// given size, pinned until a consumer claims it with ValueFromPtr.
func NewValue(size int) *Value {
	v := &Value{Token: Token{done: make(chan struct{})}, storage: make([]byte, size)}
	pin(unsafe.Pointer(v), v)
	return v
}

// Ptr returns the address of the storage cell.
func (v *Value) Ptr() unsafe.Pointer { return unsafe.Pointer(&v.storage[0]) }

// Storage returns the raw storage cell.
func (v *Value) Storage() []byte { return v.storage }

// Async handles cross the ABI boundary as raw pointers inside result
// cells, which the garbage collector cannot see. The pin registry keeps
// every handle reachable from its creation until the host claims it.
var (
	pinMu sync.Mutex
	pins  = map[uintptr]interface{}{}
)

func pin(ptr unsafe.Pointer, h interface{}) {
	pinMu.Lock()
	pins[uintptr(ptr)] = h
	pinMu.Unlock()
}

// TokenFromPtr claims the token behind a pointer written into a result
// cell by generated code. A handle can be claimed only once; a kind
// mismatch leaves it pinned.
func TokenFromPtr(ptr unsafe.Pointer) (*Token, error) {
	pinMu.Lock()
	defer pinMu.Unlock()
	h, ok := pins[uintptr(ptr)]
	if !ok {
		return nil, errors.New("result cell does not hold a live async token")
	}
	t, ok := h.(*Token)
	if !ok {
		return nil, errors.New("result cell holds an async value, not a token")
	}
	delete(pins, uintptr(ptr))
	return t, nil
}

// ValueFromPtr claims the async value behind a pointer written into a
// result cell by generated code. A handle can be claimed only once; a
// kind mismatch leaves it pinned.
func ValueFromPtr(ptr unsafe.Pointer) (*Value, error) {
	pinMu.Lock()
	defer pinMu.Unlock()
	h, ok := pins[uintptr(ptr)]
	if !ok {
		return nil, errors.New("result cell does not hold a live async value")
	}
	v, ok := h.(*Value)
	if !ok {
		return nil, errors.New("result cell holds an async token, not a value")
	}
	delete(pins, uintptr(ptr))
	return v, nil
}

// Ambient task-runner binding. Generated code expects a current runner for
// task spawning, installed before every entry on the calling goroutine.
// The original runtime uses a thread-local cell; goroutine-local storage
// is the Go equivalent.
type runnerKeyType struct{}

var (
	mgr       = gls.NewContextManager()
	runnerKey = runnerKeyType{}
)

// WithRunner installs runner as the ambient task runner for the duration
// of f on the current goroutine.
func WithRunner(runner TaskRunner, f func()) {
	mgr.SetValues(gls.Values{runnerKey: runner}, f)
}

// Current returns the ambient task runner installed by WithRunner.
func Current() (TaskRunner, error) {
	v, ok := mgr.GetValue(runnerKey)
	if !ok || v == nil {
		return nil, errors.New("no ambient async task runner installed")
	}
	return v.(TaskRunner), nil
}
