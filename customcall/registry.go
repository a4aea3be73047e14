package customcall

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
)

// UserData carries host-side context structs into handlers, keyed by the
// type id the handler declares.
type UserData struct {
	values map[TypeID]interface{}
}

// NewUserData returns an empty user-data map.
func NewUserData() *UserData { return &UserData{values: map[TypeID]interface{}{}} }

// Insert stores one context value under its type id.
func (u *UserData) Insert(id TypeID, value interface{}) { u.values[id] = value }

// Get resolves a context value by type id.
func (u *UserData) Get(id TypeID) (interface{}, bool) {
	if u == nil {
		return nil, false
	}
	v, ok := u.values[id]
	return v, ok
}

// Invocation is one decoded custom call handed to a handler: resolved user
// data, decoded arguments and decoded attributes, each in declaration
// order.
type Invocation struct {
	UserData []interface{}
	Args     []interface{}
	Attrs    []interface{}
}

type expectedAttr struct {
	name string
	id   TypeID
}

// CustomCall is a registered handler: the callee name, the declared
// user-data dependencies, argument and attribute expectations, and the
// type-erased receiver invoked once everything decodes.
type CustomCall struct {
	name     string
	userData []TypeID
	args     []TypeID
	attrs    []expectedAttr
	fn       func(Invocation) error
}

// Name returns the callee name the handler is registered under.
func (c *CustomCall) Name() string { return c.name }

// Binding declaratively assembles a CustomCall. The chain mirrors the
// source runtime's Bind(...).UserData(...).Arg(...).Attr(...).To(fn), but
// builds a descriptor the dispatcher walks at call time instead of
// instantiating template code.
type Binding struct {
	call CustomCall
}

// Bind starts a binding for the given callee name.
func Bind(name string) *Binding {
	return &Binding{call: CustomCall{name: name}}
}

// UserData declares a host context struct dependency by type id.
func (b *Binding) UserData(id TypeID) *Binding {
	b.call.userData = append(b.call.userData, id)
	return b
}

// Arg declares the next expected argument's host type id.
func (b *Binding) Arg(id TypeID) *Binding {
	b.call.args = append(b.call.args, id)
	return b
}

// Attr declares an expected attribute by name and host type id.
func (b *Binding) Attr(name string, id TypeID) *Binding {
	b.call.attrs = append(b.call.attrs, expectedAttr{name: name, id: id})
	return b
}

// To finalizes the binding with the receiver function.
func (b *Binding) To(fn func(Invocation) error) *CustomCall {
	b.call.fn = fn
	return &b.call
}

// Registry maps callee names to handlers. Registration happens once at
// startup assembly; lookups are read-only afterwards.
type Registry struct {
	mu    sync.RWMutex
	calls map[string]*CustomCall
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry { return &Registry{calls: map[string]*CustomCall{}} }

// Register installs a handler. Duplicate registration is a programming
// error and panics.
func (r *Registry) Register(call *CustomCall) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.calls[call.name]; ok {
		panic(fmt.Sprintf("customcall: duplicate registration of '%s'", call.name))
	}
	r.calls[call.name] = call
}

// Find resolves a handler by callee name, or nil.
func (r *Registry) Find(callee string) *CustomCall {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.calls[callee]
}

// Dispatch decodes and invokes the named handler. It implements the entry
// point generated code calls through the runtime symbol map.
func (r *Registry) Dispatch(callee string, args []EncodedArg, attrs []EncodedAttr, userData *UserData) error {
	call := r.Find(callee)
	if call == nil {
		return errors.Wrapf(ErrUnknownCustomCall, "'%s'", callee)
	}

	inv := Invocation{}

	for _, id := range call.userData {
		v, ok := userData.Get(id)
		if !ok {
			return errors.Wrapf(ErrArgMismatch, "'%s': user data '%s' was not provided", callee, id)
		}
		inv.UserData = append(inv.UserData, v)
	}

	if len(args) != len(call.args) {
		return errors.Wrapf(ErrArgMismatch, "'%s': expected %d arguments, got %d", callee, len(call.args), len(args))
	}
	for i, declared := range call.args {
		v, err := decodeArg(declared, args[i])
		if err != nil {
			return errors.Wrapf(err, "'%s': argument #%d", callee, i)
		}
		inv.Args = append(inv.Args, v)
	}

	for _, declared := range call.attrs {
		v, err := decodeAttr(declared, attrs)
		if err != nil {
			return errors.Wrapf(err, "'%s'", callee)
		}
		inv.Attrs = append(inv.Attrs, v)
	}

	return call.fn(inv)
}

// Static registration lets modules publish handlers at load time from
// init functions; BuildStaticRegistrations collects them into a target
// registry.
var (
	staticMu            sync.Mutex
	staticRegistrations []func(*Registry)
)

// AddStaticRegistration queues a registration function.
func AddStaticRegistration(fn func(*Registry)) {
	staticMu.Lock()
	defer staticMu.Unlock()
	staticRegistrations = append(staticRegistrations, fn)
}

// BuildStaticRegistrations applies all queued registration functions to
// the registry.
func BuildStaticRegistrations(r *Registry) {
	staticMu.Lock()
	defer staticMu.Unlock()
	for _, fn := range staticRegistrations {
		fn(r)
	}
}
