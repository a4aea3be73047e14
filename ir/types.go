package ir

import (
	"fmt"
	"strings"

	"github.com/jitrt-go/jitrt/api"
)

// Type is an IR-level type. Runtime counterparts with an ABI live in the
// types package; IR types only describe what the parser saw.
type Type interface {
	fmt.Stringer
	irType()
}

// IntegerType is iN or uiN.
type IntegerType struct {
	Width    int
	Unsigned bool
}

func (t IntegerType) irType() {}

func (t IntegerType) String() string {
	if t.Unsigned {
		return fmt.Sprintf("ui%d", t.Width)
	}
	return fmt.Sprintf("i%d", t.Width)
}

// FloatType is f32 or f64.
type FloatType struct {
	Width int
}

func (t FloatType) irType()        {}
func (t FloatType) String() string { return fmt.Sprintf("f%d", t.Width) }

// ComplexType is complex<f32> or complex<f64>.
type ComplexType struct {
	Element Type
}

func (t ComplexType) irType()        {}
func (t ComplexType) String() string { return fmt.Sprintf("complex<%s>", t.Element) }

// IndexType is the platform index type, 64 bits wide at run time.
type IndexType struct{}

func (t IndexType) irType()        {}
func (t IndexType) String() string { return "index" }

// TensorType is a ranked (Ranked set, dimensions in Sizes) or unranked
// tensor.
type TensorType struct {
	Sizes   []api.Index
	Ranked  bool
	Element Type
}

func (t TensorType) irType() {}

func (t TensorType) String() string {
	if !t.Ranked {
		return fmt.Sprintf("tensor<*x%s>", t.Element)
	}
	return fmt.Sprintf("tensor<%s%s>", dimsPrefix(t.Sizes), t.Element)
}

// MemrefType is a ranked or unranked memory reference.
type MemrefType struct {
	Sizes   []api.Index
	Ranked  bool
	Element Type
}

func (t MemrefType) irType() {}

func (t MemrefType) String() string {
	if !t.Ranked {
		return fmt.Sprintf("memref<*x%s>", t.Element)
	}
	return fmt.Sprintf("memref<%s%s>", dimsPrefix(t.Sizes), t.Element)
}

// AsyncTokenType is !async.token.
type AsyncTokenType struct{}

func (t AsyncTokenType) irType()        {}
func (t AsyncTokenType) String() string { return "!async.token" }

// AsyncValueType is !async.value<T>.
type AsyncValueType struct {
	Value Type
}

func (t AsyncValueType) irType()        {}
func (t AsyncValueType) String() string { return fmt.Sprintf("!async.value<%s>", t.Value) }

// KernelContextType is !rt.kernel_context, the opaque per-call context the
// calling convention prepends to the runtime signature.
type KernelContextType struct{}

func (t KernelContextType) irType()        {}
func (t KernelContextType) String() string { return "!rt.kernel_context" }

// OpaqueType is a type of a registered non-core dialect, e.g.
// !testlib.custom_arg. The parser accepts it if the dialect is registered;
// giving it a runtime representation is the client's job via the type
// converter.
type OpaqueType struct {
	Dialect string
	Name    string
}

func (t OpaqueType) irType()        {}
func (t OpaqueType) String() string { return fmt.Sprintf("!%s.%s", t.Dialect, t.Name) }

// FunctionType is the IR-level function signature.
type FunctionType struct {
	Inputs  []Type
	Results []Type
}

func (t FunctionType) String() string {
	ins := make([]string, len(t.Inputs))
	for i, in := range t.Inputs {
		ins[i] = in.String()
	}
	outs := make([]string, len(t.Results))
	for i, out := range t.Results {
		outs[i] = out.String()
	}
	return fmt.Sprintf("(%s) -> (%s)", strings.Join(ins, ", "), strings.Join(outs, ", "))
}

func dimsPrefix(sizes []api.Index) string {
	var sb strings.Builder
	for _, s := range sizes {
		if s == api.DynamicDim {
			sb.WriteString("?x")
		} else {
			fmt.Fprintf(&sb, "%dx", s)
		}
	}
	return sb.String()
}

// IsDynamicDim reports whether dimension d of the shape is dynamic.
func IsDynamicDim(sizes []api.Index, d int) bool {
	return sizes[d] == api.DynamicDim
}

// ElementDType maps an IR scalar type to its runtime DType. The second
// result is false for types with no scalar runtime representation.
func ElementDType(t Type) (api.DType, bool) {
	switch e := t.(type) {
	case FloatType:
		switch e.Width {
		case 32:
			return api.F32, true
		case 64:
			return api.F64, true
		}
	case IntegerType:
		if e.Unsigned {
			switch e.Width {
			case 8:
				return api.UI8, true
			case 16:
				return api.UI16, true
			case 32:
				return api.UI32, true
			case 64:
				return api.UI64, true
			}
		} else {
			switch e.Width {
			case 1:
				return api.I1, true
			case 8:
				return api.I8, true
			case 16:
				return api.I16, true
			case 32:
				return api.I32, true
			case 64:
				return api.I64, true
			}
		}
	case IndexType:
		return api.I64, true
	case ComplexType:
		if f, ok := e.Element.(FloatType); ok {
			switch f.Width {
			case 32:
				return api.Complex64, true
			case 64:
				return api.Complex128, true
			}
		}
	}
	return api.InvalidDType, false
}
