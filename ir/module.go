package ir

import "fmt"

// Module is a parsed IR module: an ordered list of functions addressable by
// symbol name.
type Module struct {
	Funcs  []*Func
	byName map[string]*Func
}

// NewModule returns an empty module.
func NewModule() *Module {
	return &Module{byName: map[string]*Func{}}
}

// Append adds fn to the module. It returns an error if the symbol name is
// already taken.
func (m *Module) Append(fn *Func) error {
	if _, ok := m.byName[fn.Name]; ok {
		return fmt.Errorf("redefinition of symbol @%s", fn.Name)
	}
	m.Funcs = append(m.Funcs, fn)
	m.byName[fn.Name] = fn
	return nil
}

// Lookup resolves a symbol name to a function, or nil.
func (m *Module) Lookup(name string) *Func { return m.byName[name] }

// Remove deletes the named function from the module.
func (m *Module) Remove(name string) {
	fn, ok := m.byName[name]
	if !ok {
		return
	}
	delete(m.byName, name)
	for i, f := range m.Funcs {
		if f == fn {
			m.Funcs = append(m.Funcs[:i], m.Funcs[i+1:]...)
			return
		}
	}
}

// Func is a function definition or declaration. Declarations (Entry == nil)
// exist to carry attributes, notably rt.custom_call bindings.
type Func struct {
	Name    string
	Private bool
	Type    FunctionType
	Attrs   AttrMap
	// ArgAttrs holds one attribute dictionary per input; entries may be nil.
	ArgAttrs []AttrMap
	Entry    *Block
}

// IsDeclaration reports whether the function has no body.
func (f *Func) IsDeclaration() bool { return f.Entry == nil }

// ArgAttr returns the attribute dictionary of input i, which may be nil.
func (f *Func) ArgAttr(i int) AttrMap {
	if i >= len(f.ArgAttrs) {
		return nil
	}
	return f.ArgAttrs[i]
}

// SetArgAttr sets one attribute on input i.
func (f *Func) SetArgAttr(i int, name string, attr Attribute) {
	for len(f.ArgAttrs) < len(f.Type.Inputs) {
		f.ArgAttrs = append(f.ArgAttrs, nil)
	}
	if f.ArgAttrs[i] == nil {
		f.ArgAttrs[i] = AttrMap{}
	}
	f.ArgAttrs[i][name] = attr
}

// Block is a straight-line sequence of operations with SSA block arguments.
type Block struct {
	Args []*Value
	Ops  []*Op
}

// Value is one SSA value: a block argument (Def == nil) or an operation
// result.
type Value struct {
	Name string
	Type Type
	Def  *Op
}

func (v *Value) String() string { return "%" + v.Name }

// Op is one operation. The set of legal names is gated by the dialect
// registry at parse time and narrowed to the core dialect by the lowering
// pipeline.
type Op struct {
	Name     string
	Operands []*Value
	Results  []*Value
	Attrs    AttrMap
}

// Attr returns the named attribute or nil.
func (o *Op) Attr(name string) Attribute {
	if o.Attrs == nil {
		return nil
	}
	return o.Attrs[name]
}

// SetAttr sets one attribute on the operation.
func (o *Op) SetAttr(name string, attr Attribute) {
	if o.Attrs == nil {
		o.Attrs = AttrMap{}
	}
	o.Attrs[name] = attr
}

// Dialect returns the dialect prefix of an operation name, e.g. "memref"
// for "memref.load".
func Dialect(opName string) string {
	for i := 0; i < len(opName); i++ {
		if opName[i] == '.' {
			return opName[:i]
		}
	}
	return opName
}
