// Package ir defines the intermediate representation the runtime consumes:
// a registry-gated set of dialects, a textual parser, and a pass manager
// that lowers modules to the core dialect understood by the code-generation
// backend.
package ir

import (
	"fmt"
	"sort"
	"strings"
)

// DialectRegistry names the dialects considered legal in a parsed module.
// Operations and opaque types whose dialect prefix is not registered are
// rejected by the parser.
type DialectRegistry struct {
	dialects map[string]struct{}
}

// NewDialectRegistry returns an empty registry.
func NewDialectRegistry() *DialectRegistry {
	return &DialectRegistry{dialects: map[string]struct{}{}}
}

// Insert registers the named dialects. Registering a dialect twice is a
// no-op.
func (r *DialectRegistry) Insert(names ...string) {
	for _, name := range names {
		r.dialects[name] = struct{}{}
	}
}

// Contains reports whether the named dialect is registered.
func (r *DialectRegistry) Contains(name string) bool {
	_, ok := r.dialects[name]
	return ok
}

// Names returns the registered dialect names sorted for stable error
// messages.
func (r *DialectRegistry) Names() []string {
	names := make([]string, 0, len(r.dialects))
	for name := range r.dialects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RegisterCoreDialects registers the dialects every compilation context
// supports out of the box.
func RegisterCoreDialects(r *DialectRegistry) {
	r.Insert("builtin", "func", "arith", "memref", "math", "async", "rt")
}

// Diagnostics collects messages emitted while a context parses and lowers a
// module. The buffer is appended to compilation errors so that failures
// carry everything observed during that context's lifetime.
type Diagnostics struct {
	messages []string
}

// Emit appends one diagnostic message.
func (d *Diagnostics) Emit(format string, args ...interface{}) {
	d.messages = append(d.messages, fmt.Sprintf(format, args...))
}

// Empty reports whether nothing was emitted.
func (d *Diagnostics) Empty() bool { return len(d.messages) == 0 }

// String returns all messages joined by newlines.
func (d *Diagnostics) String() string { return strings.Join(d.messages, "\n") }

// Context owns the state of one compilation attempt: the dialect registry
// seeding the parser and the diagnostics buffer shared by all passes. A
// Context is single use and not safe for concurrent use.
type Context struct {
	registry *DialectRegistry
	diags    Diagnostics
}

// NewContext returns a context with the core dialects registered.
func NewContext() *Context {
	r := NewDialectRegistry()
	RegisterCoreDialects(r)
	return &Context{registry: r}
}

// Registry returns the dialect registry, e.g. for registering additional
// dialects before parsing.
func (c *Context) Registry() *DialectRegistry { return c.registry }

// Diagnostics returns the context's diagnostics buffer.
func (c *Context) Diagnostics() *Diagnostics { return &c.diags }
