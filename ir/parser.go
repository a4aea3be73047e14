package ir

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/jitrt-go/jitrt/api"
)

// Parse parses module text against the context's dialect registry. Parse
// errors are also recorded in the context diagnostics.
func Parse(ctx *Context, src string) (*Module, error) {
	p := &parser{lex: newLexer(src), registry: ctx.Registry()}
	m, err := p.parseModule()
	if err != nil {
		ctx.Diagnostics().Emit("%v", err)
		return nil, err
	}
	return m, nil
}

type parser struct {
	lex      *lexer
	registry *DialectRegistry
}

func (p *parser) next() (token, error) { return p.lex.next() }

func (p *parser) expectPunct(s string) error {
	t, err := p.next()
	if err != nil {
		return err
	}
	if t.kind != tokPunct || t.text != s {
		return fmt.Errorf("%d:%d: expected '%s', got %s", t.line, t.col, s, t)
	}
	return nil
}

// acceptPunct consumes the punctuation if it is next and reports whether it
// did.
func (p *parser) acceptPunct(s string) (bool, error) {
	t, err := p.next()
	if err != nil {
		return false, err
	}
	if t.kind == tokPunct && t.text == s {
		return true, nil
	}
	p.lex.push(t)
	return false, nil
}

func (p *parser) checkDialect(opName string, t token) error {
	d := Dialect(opName)
	if !p.registry.Contains(d) {
		return fmt.Errorf("%d:%d: dialect '%s' is not registered (op '%s')", t.line, t.col, d, opName)
	}
	return nil
}

func (p *parser) parseModule() (*Module, error) {
	m := NewModule()

	t, err := p.next()
	if err != nil {
		return nil, err
	}
	wrapped := false
	if t.kind == tokIdent && t.text == "module" {
		wrapped = true
		if err := p.expectPunct("{"); err != nil {
			return nil, err
		}
	} else {
		p.lex.push(t)
	}

	for {
		t, err := p.next()
		if err != nil {
			return nil, err
		}
		if t.kind == tokEOF {
			if wrapped {
				return nil, fmt.Errorf("%d:%d: expected '}' closing module", t.line, t.col)
			}
			break
		}
		if wrapped && t.kind == tokPunct && t.text == "}" {
			// Nothing may follow the closing brace.
			end, err := p.next()
			if err != nil {
				return nil, err
			}
			if end.kind != tokEOF {
				return nil, fmt.Errorf("%d:%d: unexpected %s after module", end.line, end.col, end)
			}
			break
		}
		if t.kind != tokIdent || t.text != "func.func" {
			return nil, fmt.Errorf("%d:%d: expected 'func.func', got %s", t.line, t.col, t)
		}
		fn, err := p.parseFunc()
		if err != nil {
			return nil, err
		}
		if err := m.Append(fn); err != nil {
			return nil, fmt.Errorf("%d:%d: %v", t.line, t.col, err)
		}
	}
	if len(m.Funcs) == 0 {
		return nil, errors.New("module defines no functions")
	}
	return m, nil
}

func (p *parser) parseFunc() (*Func, error) {
	fn := &Func{}

	t, err := p.next()
	if err != nil {
		return nil, err
	}
	if t.kind == tokIdent && t.text == "private" {
		fn.Private = true
		t, err = p.next()
		if err != nil {
			return nil, err
		}
	}
	if t.kind != tokSymbol {
		return nil, fmt.Errorf("%d:%d: expected function symbol, got %s", t.line, t.col, t)
	}
	fn.Name = t.text

	// Parameter list.
	if err := p.expectPunct("("); err != nil {
		return nil, err
	}
	var argNames []string
	for {
		done, err := p.acceptPunct(")")
		if err != nil {
			return nil, err
		}
		if done {
			break
		}
		if len(argNames) > 0 {
			if err := p.expectPunct(","); err != nil {
				return nil, err
			}
		}
		t, err := p.next()
		if err != nil {
			return nil, err
		}
		if t.kind != tokValueID {
			return nil, fmt.Errorf("%d:%d: expected argument name, got %s", t.line, t.col, t)
		}
		if err := p.expectPunct(":"); err != nil {
			return nil, err
		}
		typ, err := p.parseType()
		if err != nil {
			return nil, err
		}
		var attrs AttrMap
		if open, err := p.acceptPunct("{"); err != nil {
			return nil, err
		} else if open {
			attrs, err = p.parseAttrDict()
			if err != nil {
				return nil, err
			}
		}
		argNames = append(argNames, t.text)
		fn.Type.Inputs = append(fn.Type.Inputs, typ)
		fn.ArgAttrs = append(fn.ArgAttrs, attrs)
	}

	// Result types.
	if arrow, err := p.acceptPunct("->"); err != nil {
		return nil, err
	} else if arrow {
		results, err := p.parseTypeListOrSingle()
		if err != nil {
			return nil, err
		}
		fn.Type.Results = results
	}

	// Function attribute dictionary.
	t, err = p.next()
	if err != nil {
		return nil, err
	}
	if t.kind == tokIdent && t.text == "attributes" {
		if err := p.expectPunct("{"); err != nil {
			return nil, err
		}
		fn.Attrs, err = p.parseAttrDict()
		if err != nil {
			return nil, err
		}
		t, err = p.next()
		if err != nil {
			return nil, err
		}
	}

	// Optional body.
	if t.kind == tokPunct && t.text == "{" {
		if err := p.parseBody(fn, argNames); err != nil {
			return nil, err
		}
	} else {
		p.lex.push(t)
	}
	return fn, nil
}

func (p *parser) parseBody(fn *Func, argNames []string) error {
	block := &Block{}
	scope := map[string]*Value{}
	for i, name := range argNames {
		v := &Value{Name: name, Type: fn.Type.Inputs[i]}
		block.Args = append(block.Args, v)
		scope[name] = v
	}
	fn.Entry = block

	for {
		t, err := p.next()
		if err != nil {
			return err
		}
		if t.kind == tokPunct && t.text == "}" {
			return nil
		}
		p.lex.push(t)
		op, err := p.parseOp(scope)
		if err != nil {
			return err
		}
		block.Ops = append(block.Ops, op)
	}
}

func (p *parser) parseOp(scope map[string]*Value) (*Op, error) {
	t, err := p.next()
	if err != nil {
		return nil, err
	}

	var resultName string
	hasResult := false
	if t.kind == tokValueID {
		resultName = t.text
		hasResult = true
		if err := p.expectPunct("="); err != nil {
			return nil, err
		}
		t, err = p.next()
		if err != nil {
			return nil, err
		}
	}

	var op *Op
	switch {
	case t.kind == tokString:
		if err := p.checkDialect(t.text, t); err != nil {
			return nil, err
		}
		op, err = p.parseGenericOp(t.text, scope)
	case t.kind == tokIdent:
		if err := p.checkDialect(t.text, t); err != nil {
			return nil, err
		}
		switch t.text {
		case "arith.constant":
			op, err = p.parseConstantOp()
		case "memref.load":
			op, err = p.parseLoadOp(scope)
		case "memref.store":
			op, err = p.parseStoreOp(scope)
		case "memref.dim":
			op, err = p.parseDimOp(scope)
		case "memref.alloc":
			op, err = p.parseAllocOp(scope)
		case "memref.copy":
			op, err = p.parseCopyOp(scope)
		case "func.call":
			op, err = p.parseCallOp(scope)
		case "func.return":
			op, err = p.parseReturnOp(scope)
		default:
			if Dialect(t.text) == "math" {
				op, err = p.parseUnaryOp(t.text, scope)
			} else {
				err = fmt.Errorf("%d:%d: unknown operation '%s'", t.line, t.col, t.text)
			}
		}
	default:
		return nil, fmt.Errorf("%d:%d: expected operation, got %s", t.line, t.col, t)
	}
	if err != nil {
		return nil, err
	}

	if hasResult {
		if len(op.Results) != 1 {
			return nil, fmt.Errorf("%d:%d: operation '%s' does not produce a single result", t.line, t.col, op.Name)
		}
		op.Results[0].Name = resultName
		scope[resultName] = op.Results[0]
	} else if len(op.Results) > 0 {
		return nil, fmt.Errorf("%d:%d: results of '%s' must be bound to a value", t.line, t.col, op.Name)
	}
	return op, nil
}

func (p *parser) resolveValue(t token, scope map[string]*Value) (*Value, error) {
	if t.kind != tokValueID {
		return nil, fmt.Errorf("%d:%d: expected SSA value, got %s", t.line, t.col, t)
	}
	v, ok := scope[t.text]
	if !ok {
		return nil, fmt.Errorf("%d:%d: use of undefined value %%%s", t.line, t.col, t.text)
	}
	return v, nil
}

func (p *parser) parseOperand(scope map[string]*Value) (*Value, error) {
	t, err := p.next()
	if err != nil {
		return nil, err
	}
	return p.resolveValue(t, scope)
}

// parseOperandList parses `%a, %b, ...` until a token that is not a value
// reference, which is pushed back.
func (p *parser) parseOperandList(scope map[string]*Value) ([]*Value, error) {
	var out []*Value
	for {
		t, err := p.next()
		if err != nil {
			return nil, err
		}
		if t.kind != tokValueID {
			p.lex.push(t)
			return out, nil
		}
		v, err := p.resolveValue(t, scope)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
		if comma, err := p.acceptPunct(","); err != nil {
			return nil, err
		} else if !comma {
			return out, nil
		}
	}
}

// parseParenOperands parses `(%a, %b)`.
func (p *parser) parseParenOperands(scope map[string]*Value) ([]*Value, error) {
	if err := p.expectPunct("("); err != nil {
		return nil, err
	}
	if done, err := p.acceptPunct(")"); err != nil {
		return nil, err
	} else if done {
		return nil, nil
	}
	out, err := p.parseOperandList(scope)
	if err != nil {
		return nil, err
	}
	return out, p.expectPunct(")")
}

func (p *parser) parseConstantOp() (*Op, error) {
	t, err := p.next()
	if err != nil {
		return nil, err
	}
	op := &Op{Name: "arith.constant"}

	switch {
	case t.kind == tokNumber:
		if err := p.expectPunct(":"); err != nil {
			return nil, err
		}
		typ, err := p.parseType()
		if err != nil {
			return nil, err
		}
		attr, err := numberAttr(t.text, typ)
		if err != nil {
			return nil, fmt.Errorf("%d:%d: %v", t.line, t.col, err)
		}
		op.SetAttr("value", attr)
		op.Results = []*Value{{Type: typ, Def: op}}
		return op, nil

	case t.kind == tokIdent && t.text == "dense":
		raw, err := p.lex.captureBalanced()
		if err != nil {
			return nil, err
		}
		if err := p.expectPunct(":"); err != nil {
			return nil, err
		}
		typ, err := p.parseType()
		if err != nil {
			return nil, err
		}
		attr, err := denseAttr(raw, typ)
		if err != nil {
			return nil, fmt.Errorf("%d:%d: %v", t.line, t.col, err)
		}
		op.SetAttr("value", attr)
		op.Results = []*Value{{Type: typ, Def: op}}
		return op, nil
	}
	return nil, fmt.Errorf("%d:%d: expected constant literal, got %s", t.line, t.col, t)
}

func (p *parser) parseIndices(scope map[string]*Value) ([]*Value, error) {
	if err := p.expectPunct("["); err != nil {
		return nil, err
	}
	if done, err := p.acceptPunct("]"); err != nil {
		return nil, err
	} else if done {
		return nil, nil
	}
	idx, err := p.parseOperandList(scope)
	if err != nil {
		return nil, err
	}
	return idx, p.expectPunct("]")
}

func (p *parser) parseLoadOp(scope map[string]*Value) (*Op, error) {
	mem, err := p.parseOperand(scope)
	if err != nil {
		return nil, err
	}
	idx, err := p.parseIndices(scope)
	if err != nil {
		return nil, err
	}
	if err := p.expectPunct(":"); err != nil {
		return nil, err
	}
	typ, err := p.parseType()
	if err != nil {
		return nil, err
	}
	mt, ok := typ.(MemrefType)
	if !ok {
		return nil, fmt.Errorf("memref.load annotation must be a memref type, got %s", typ)
	}
	op := &Op{Name: "memref.load", Operands: append([]*Value{mem}, idx...)}
	op.Results = []*Value{{Type: mt.Element, Def: op}}
	return op, nil
}

func (p *parser) parseStoreOp(scope map[string]*Value) (*Op, error) {
	val, err := p.parseOperand(scope)
	if err != nil {
		return nil, err
	}
	if err := p.expectPunct(","); err != nil {
		return nil, err
	}
	mem, err := p.parseOperand(scope)
	if err != nil {
		return nil, err
	}
	idx, err := p.parseIndices(scope)
	if err != nil {
		return nil, err
	}
	if err := p.expectPunct(":"); err != nil {
		return nil, err
	}
	if _, err := p.parseType(); err != nil {
		return nil, err
	}
	return &Op{Name: "memref.store", Operands: append([]*Value{val, mem}, idx...)}, nil
}

func (p *parser) parseDimOp(scope map[string]*Value) (*Op, error) {
	mem, err := p.parseOperand(scope)
	if err != nil {
		return nil, err
	}
	if err := p.expectPunct(","); err != nil {
		return nil, err
	}
	dim, err := p.parseOperand(scope)
	if err != nil {
		return nil, err
	}
	if err := p.expectPunct(":"); err != nil {
		return nil, err
	}
	if _, err := p.parseType(); err != nil {
		return nil, err
	}
	op := &Op{Name: "memref.dim", Operands: []*Value{mem, dim}}
	op.Results = []*Value{{Type: IndexType{}, Def: op}}
	return op, nil
}

func (p *parser) parseAllocOp(scope map[string]*Value) (*Op, error) {
	dyn, err := p.parseParenOperands(scope)
	if err != nil {
		return nil, err
	}
	if err := p.expectPunct(":"); err != nil {
		return nil, err
	}
	typ, err := p.parseType()
	if err != nil {
		return nil, err
	}
	mt, ok := typ.(MemrefType)
	if !ok || !mt.Ranked {
		return nil, fmt.Errorf("memref.alloc must produce a ranked memref, got %s", typ)
	}
	op := &Op{Name: "memref.alloc", Operands: dyn}
	op.Results = []*Value{{Type: mt, Def: op}}
	return op, nil
}

func (p *parser) parseCopyOp(scope map[string]*Value) (*Op, error) {
	src, err := p.parseOperand(scope)
	if err != nil {
		return nil, err
	}
	if err := p.expectPunct(","); err != nil {
		return nil, err
	}
	dst, err := p.parseOperand(scope)
	if err != nil {
		return nil, err
	}
	if err := p.expectPunct(":"); err != nil {
		return nil, err
	}
	if _, err := p.parseType(); err != nil {
		return nil, err
	}
	if to, err := p.acceptIdent("to"); err != nil {
		return nil, err
	} else if to {
		if _, err := p.parseType(); err != nil {
			return nil, err
		}
	}
	return &Op{Name: "memref.copy", Operands: []*Value{src, dst}}, nil
}

func (p *parser) acceptIdent(name string) (bool, error) {
	t, err := p.next()
	if err != nil {
		return false, err
	}
	if t.kind == tokIdent && t.text == name {
		return true, nil
	}
	p.lex.push(t)
	return false, nil
}

func (p *parser) parseCallOp(scope map[string]*Value) (*Op, error) {
	t, err := p.next()
	if err != nil {
		return nil, err
	}
	if t.kind != tokSymbol {
		return nil, fmt.Errorf("%d:%d: expected callee symbol, got %s", t.line, t.col, t)
	}
	operands, err := p.parseParenOperands(scope)
	if err != nil {
		return nil, err
	}
	op := &Op{Name: "func.call", Operands: operands}
	op.SetAttr("callee", SymbolRefAttr(t.text))

	if open, err := p.acceptPunct("{"); err != nil {
		return nil, err
	} else if open {
		attrs, err := p.parseAttrDict()
		if err != nil {
			return nil, err
		}
		for k, v := range attrs {
			op.SetAttr(k, v)
		}
	}
	_, results, err := p.parseFunctionTypeAnnotation()
	if err != nil {
		return nil, err
	}
	for _, rt := range results {
		op.Results = append(op.Results, &Value{Type: rt, Def: op})
	}
	return op, nil
}

func (p *parser) parseReturnOp(scope map[string]*Value) (*Op, error) {
	operands, err := p.parseOperandList(scope)
	if err != nil {
		return nil, err
	}
	op := &Op{Name: "func.return", Operands: operands}
	if len(operands) == 0 {
		return op, nil
	}
	if err := p.expectPunct(":"); err != nil {
		return nil, err
	}
	for i := range operands {
		if i > 0 {
			if err := p.expectPunct(","); err != nil {
				return nil, err
			}
		}
		if _, err := p.parseType(); err != nil {
			return nil, err
		}
	}
	return op, nil
}

func (p *parser) parseUnaryOp(name string, scope map[string]*Value) (*Op, error) {
	v, err := p.parseOperand(scope)
	if err != nil {
		return nil, err
	}
	if err := p.expectPunct(":"); err != nil {
		return nil, err
	}
	typ, err := p.parseType()
	if err != nil {
		return nil, err
	}
	op := &Op{Name: name, Operands: []*Value{v}}
	op.Results = []*Value{{Type: typ, Def: op}}
	return op, nil
}

func (p *parser) parseGenericOp(name string, scope map[string]*Value) (*Op, error) {
	operands, err := p.parseParenOperands(scope)
	if err != nil {
		return nil, err
	}
	op := &Op{Name: name, Operands: operands}

	if open, err := p.acceptPunct("{"); err != nil {
		return nil, err
	} else if open {
		attrs, err := p.parseAttrDict()
		if err != nil {
			return nil, err
		}
		op.Attrs = attrs
	}
	_, results, err := p.parseFunctionTypeAnnotation()
	if err != nil {
		return nil, err
	}
	for _, rt := range results {
		op.Results = append(op.Results, &Value{Type: rt, Def: op})
	}
	return op, nil
}

// parseFunctionTypeAnnotation parses `: (ins) -> outs` where outs is a
// single type, `()`, or a parenthesized list.
func (p *parser) parseFunctionTypeAnnotation() (ins, outs []Type, err error) {
	if err := p.expectPunct(":"); err != nil {
		return nil, nil, err
	}
	if err := p.expectPunct("("); err != nil {
		return nil, nil, err
	}
	if done, err := p.acceptPunct(")"); err != nil {
		return nil, nil, err
	} else if !done {
		for {
			t, err := p.parseType()
			if err != nil {
				return nil, nil, err
			}
			ins = append(ins, t)
			if comma, err := p.acceptPunct(","); err != nil {
				return nil, nil, err
			} else if !comma {
				break
			}
		}
		if err := p.expectPunct(")"); err != nil {
			return nil, nil, err
		}
	}
	if err := p.expectPunct("->"); err != nil {
		return nil, nil, err
	}
	outs, err = p.parseTypeListOrSingle()
	return ins, outs, err
}

func (p *parser) parseTypeListOrSingle() ([]Type, error) {
	if open, err := p.acceptPunct("("); err != nil {
		return nil, err
	} else if open {
		if done, err := p.acceptPunct(")"); err != nil {
			return nil, err
		} else if done {
			return nil, nil
		}
		var out []Type
		for {
			t, err := p.parseType()
			if err != nil {
				return nil, err
			}
			out = append(out, t)
			if comma, err := p.acceptPunct(","); err != nil {
				return nil, err
			} else if !comma {
				return out, p.expectPunct(")")
			}
		}
	}
	t, err := p.parseType()
	if err != nil {
		return nil, err
	}
	return []Type{t}, nil
}

func (p *parser) parseAttrDict() (AttrMap, error) {
	attrs := AttrMap{}
	for {
		if done, err := p.acceptPunct("}"); err != nil {
			return nil, err
		} else if done {
			return attrs, nil
		}
		if len(attrs) > 0 {
			if err := p.expectPunct(","); err != nil {
				return nil, err
			}
		}
		t, err := p.next()
		if err != nil {
			return nil, err
		}
		var name string
		switch t.kind {
		case tokIdent:
			name = t.text
		case tokString:
			name = t.text
		default:
			return nil, fmt.Errorf("%d:%d: expected attribute name, got %s", t.line, t.col, t)
		}
		// A bare name is a unit attribute.
		if eq, err := p.acceptPunct("="); err != nil {
			return nil, err
		} else if !eq {
			attrs[name] = UnitAttr{}
			continue
		}
		value, err := p.parseAttrValue()
		if err != nil {
			return nil, err
		}
		attrs[name] = value
	}
}

func (p *parser) parseAttrValue() (Attribute, error) {
	t, err := p.next()
	if err != nil {
		return nil, err
	}
	switch {
	case t.kind == tokString:
		return StringAttr(t.text), nil
	case t.kind == tokSymbol:
		return SymbolRefAttr(t.text), nil
	case t.kind == tokNumber:
		typ := Type(nil)
		if colon, err := p.acceptPunct(":"); err != nil {
			return nil, err
		} else if colon {
			typ, err = p.parseType()
			if err != nil {
				return nil, err
			}
		}
		if typ == nil {
			if strings.ContainsAny(t.text, ".eE") {
				typ = FloatType{Width: 64}
			} else {
				typ = IntegerType{Width: 64}
			}
		}
		return numberAttr(t.text, typ)
	case t.kind == tokIdent && t.text == "dense":
		raw, err := p.lex.captureBalanced()
		if err != nil {
			return nil, err
		}
		if err := p.expectPunct(":"); err != nil {
			return nil, err
		}
		typ, err := p.parseType()
		if err != nil {
			return nil, err
		}
		return denseAttr(raw, typ)
	case t.kind == tokIdent && t.text == "unit":
		return UnitAttr{}, nil
	case t.kind == tokIdent && t.text == "true":
		return IntegerAttr{Value: 1, Type: IntegerType{Width: 1}}, nil
	case t.kind == tokIdent && t.text == "false":
		return IntegerAttr{Value: 0, Type: IntegerType{Width: 1}}, nil
	}
	return nil, fmt.Errorf("%d:%d: expected attribute value, got %s", t.line, t.col, t)
}

func (p *parser) parseType() (Type, error) {
	t, err := p.next()
	if err != nil {
		return nil, err
	}
	switch t.kind {
	case tokBang:
		switch t.text {
		case "async.token":
			return AsyncTokenType{}, nil
		case "async.value":
			raw, err := p.lex.captureBalanced()
			if err != nil {
				return nil, err
			}
			inner, err := parseTypeFromString(raw)
			if err != nil {
				return nil, fmt.Errorf("%d:%d: %v", t.line, t.col, err)
			}
			return AsyncValueType{Value: inner}, nil
		case "rt.kernel_context":
			return KernelContextType{}, nil
		}
		dot := strings.IndexByte(t.text, '.')
		if dot <= 0 || dot == len(t.text)-1 {
			return nil, fmt.Errorf("%d:%d: malformed type '!%s'", t.line, t.col, t.text)
		}
		dialect, name := t.text[:dot], t.text[dot+1:]
		if !p.registry.Contains(dialect) {
			return nil, fmt.Errorf("%d:%d: dialect '%s' is not registered (type '!%s')", t.line, t.col, dialect, t.text)
		}
		return OpaqueType{Dialect: dialect, Name: name}, nil

	case tokIdent:
		switch t.text {
		case "tensor", "memref":
			raw, err := p.lex.captureBalanced()
			if err != nil {
				return nil, err
			}
			sizes, ranked, elem, err := parseShapedBody(raw)
			if err != nil {
				return nil, fmt.Errorf("%d:%d: %v", t.line, t.col, err)
			}
			if t.text == "tensor" {
				return TensorType{Sizes: sizes, Ranked: ranked, Element: elem}, nil
			}
			return MemrefType{Sizes: sizes, Ranked: ranked, Element: elem}, nil
		case "complex":
			raw, err := p.lex.captureBalanced()
			if err != nil {
				return nil, err
			}
			inner, err := parseTypeFromString(raw)
			if err != nil {
				return nil, fmt.Errorf("%d:%d: %v", t.line, t.col, err)
			}
			return ComplexType{Element: inner}, nil
		case "index":
			return IndexType{}, nil
		}
		if st, ok := scalarTypeFromName(t.text); ok {
			return st, nil
		}
	}
	return nil, fmt.Errorf("%d:%d: expected type, got %s", t.line, t.col, t)
}

func scalarTypeFromName(name string) (Type, bool) {
	parseWidth := func(s string) (int, bool) {
		w, err := strconv.Atoi(s)
		if err != nil || w <= 0 || w > 64 {
			return 0, false
		}
		return w, true
	}
	switch {
	case strings.HasPrefix(name, "ui"):
		if w, ok := parseWidth(name[2:]); ok {
			return IntegerType{Width: w, Unsigned: true}, true
		}
	case strings.HasPrefix(name, "i"):
		if w, ok := parseWidth(name[1:]); ok {
			return IntegerType{Width: w}, true
		}
	case name == "f32":
		return FloatType{Width: 32}, true
	case name == "f64":
		return FloatType{Width: 64}, true
	}
	return nil, false
}

// parseTypeFromString parses a complete type from a captured substring,
// e.g. the element of !async.value<memref<?xf32>>.
func parseTypeFromString(s string) (Type, error) {
	sub := &parser{lex: newLexer(s), registry: allDialects{}.registry()}
	t, err := sub.parseType()
	if err != nil {
		return nil, err
	}
	end, err := sub.next()
	if err != nil {
		return nil, err
	}
	if end.kind != tokEOF {
		return nil, fmt.Errorf("trailing input in type '%s'", s)
	}
	return t, nil
}

// allDialects provides the registry for nested type strings. It holds only
// the core dialects, so an opaque type of any other dialect nested inside
// tensor, memref, complex or !async.value is rejected.
type allDialects struct{}

func (allDialects) registry() *DialectRegistry {
	r := NewDialectRegistry()
	RegisterCoreDialects(r)
	return r
}

// parseShapedBody parses the inside of tensor<...> / memref<...>: a
// sequence of `?x` / `Nx` dimensions (or `*x` for unranked) followed by the
// element type.
func parseShapedBody(raw string) (sizes []api.Index, ranked bool, elem Type, err error) {
	s := strings.TrimSpace(raw)
	ranked = true
	if strings.HasPrefix(s, "*x") {
		ranked = false
		s = s[2:]
	} else {
		for {
			if strings.HasPrefix(s, "?x") {
				sizes = append(sizes, api.DynamicDim)
				s = s[2:]
				continue
			}
			n := 0
			for n < len(s) && s[n] >= '0' && s[n] <= '9' {
				n++
			}
			if n > 0 && n < len(s) && s[n] == 'x' {
				dim, perr := strconv.ParseInt(s[:n], 10, 64)
				if perr != nil {
					return nil, false, nil, perr
				}
				sizes = append(sizes, dim)
				s = s[n+1:]
				continue
			}
			break
		}
	}
	if s == "" {
		return nil, false, nil, fmt.Errorf("missing element type in shape '%s'", raw)
	}
	elem, err = parseTypeFromString(s)
	if err != nil {
		return nil, false, nil, err
	}
	return sizes, ranked, elem, nil
}

func numberAttr(text string, typ Type) (Attribute, error) {
	switch typ.(type) {
	case FloatType:
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return nil, err
		}
		return FloatAttr{Value: f, Type: typ}, nil
	case IntegerType, IndexType:
		// Integer literals may still be spelled with a trailing ".0".
		if strings.ContainsAny(text, ".eE") {
			f, err := strconv.ParseFloat(text, 64)
			if err != nil {
				return nil, err
			}
			return IntegerAttr{Value: int64(f), Type: typ}, nil
		}
		v, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return nil, err
		}
		return IntegerAttr{Value: v, Type: typ}, nil
	}
	return nil, fmt.Errorf("cannot type constant '%s' as %s", text, typ)
}

// denseAttr builds a DenseAttr from raw literal text like `[1, 0]` or `1`
// and the annotated shaped type.
func denseAttr(raw string, typ Type) (Attribute, error) {
	var sizes []api.Index
	var elem Type
	switch t := typ.(type) {
	case TensorType:
		if !t.Ranked {
			return nil, fmt.Errorf("dense constant requires a ranked type, got %s", typ)
		}
		sizes, elem = t.Sizes, t.Element
	case MemrefType:
		if !t.Ranked {
			return nil, fmt.Errorf("dense constant requires a ranked type, got %s", typ)
		}
		sizes, elem = t.Sizes, t.Element
	default:
		return nil, fmt.Errorf("dense constant requires a shaped type, got %s", typ)
	}
	dtype, ok := ElementDType(elem)
	if !ok {
		return nil, fmt.Errorf("unsupported dense element type %s", elem)
	}

	text := strings.TrimSpace(raw)
	text = strings.TrimPrefix(text, "[")
	text = strings.TrimSuffix(text, "]")
	var fields []string
	if strings.TrimSpace(text) != "" {
		fields = strings.Split(text, ",")
	}

	n := 1
	for _, s := range sizes {
		if s == api.DynamicDim {
			return nil, fmt.Errorf("dense constant requires static sizes, got %s", typ)
		}
		n *= int(s)
	}
	// A single scalar literal splats over the whole shape.
	if len(fields) == 1 && n > 1 {
		for len(fields) < n {
			fields = append(fields, fields[0])
		}
	}
	if len(fields) != n {
		return nil, fmt.Errorf("dense constant has %d elements, type %s needs %d", len(fields), typ, n)
	}

	switch dtype {
	case api.F32, api.F64:
		values := make([]float64, len(fields))
		for i, f := range fields {
			v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
			if err != nil {
				return nil, errors.Wrapf(err, "dense element #%d", i)
			}
			values[i] = v
		}
		return DenseFromFloats(dtype, sizes, values), nil
	default:
		values := make([]int64, len(fields))
		for i, f := range fields {
			v, err := strconv.ParseInt(strings.TrimSpace(f), 10, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "dense element #%d", i)
			}
			values[i] = v
		}
		return DenseFromInts(dtype, sizes, values), nil
	}
}
