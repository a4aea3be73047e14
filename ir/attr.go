package ir

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/jitrt-go/jitrt/api"
)

// Attribute is a compile-time constant attached to an operation, a function
// or a function argument.
type Attribute interface {
	fmt.Stringer
	irAttr()
}

// IntegerAttr is e.g. `1 : i32` or a bare index constant.
type IntegerAttr struct {
	Value int64
	Type  Type
}

func (a IntegerAttr) irAttr()        {}
func (a IntegerAttr) String() string { return fmt.Sprintf("%d : %s", a.Value, a.Type) }

// FloatAttr is e.g. `1.5 : f32`.
type FloatAttr struct {
	Value float64
	Type  Type
}

func (a FloatAttr) irAttr()        {}
func (a FloatAttr) String() string { return fmt.Sprintf("%g : %s", a.Value, a.Type) }

// StringAttr is a quoted string.
type StringAttr string

func (a StringAttr) irAttr()        {}
func (a StringAttr) String() string { return fmt.Sprintf("%q", string(a)) }

// SymbolRefAttr references a symbol in the enclosing module, e.g. @compute.
type SymbolRefAttr string

func (a SymbolRefAttr) irAttr()        {}
func (a SymbolRefAttr) String() string { return "@" + string(a) }

// UnitAttr is an attribute whose presence is its value.
type UnitAttr struct{}

func (a UnitAttr) irAttr()        {}
func (a UnitAttr) String() string { return "unit" }

// DenseAttr is a dense constant of a shaped type, e.g. `dense<[1, 0]> :
// tensor<2xi32>`. Data is the raw little-endian element storage, which lets
// value specialization sink an operand's buffer without interpreting it.
type DenseAttr struct {
	DType api.DType
	Sizes []api.Index
	Data  []byte
}

func (a *DenseAttr) irAttr() {}

func (a *DenseAttr) String() string {
	var sb strings.Builder
	sb.WriteString("dense<[")
	for i := 0; i < a.NumElements(); i++ {
		if i > 0 {
			sb.WriteString(", ")
		}
		switch a.DType {
		case api.F32, api.F64:
			fmt.Fprintf(&sb, "%g", a.Float(i))
		default:
			fmt.Fprintf(&sb, "%d", a.Int(i))
		}
	}
	fmt.Fprintf(&sb, "]> : tensor<%s%s>", dimsPrefix(a.Sizes), a.DType)
	return sb.String()
}

// NumElements returns the number of scalars held by the attribute.
func (a *DenseAttr) NumElements() int {
	n := 1
	for _, s := range a.Sizes {
		n *= int(s)
	}
	return n
}

// Int decodes element i as a signed integer.
func (a *DenseAttr) Int(i int) int64 {
	sz := a.DType.SizeInBytes()
	b := a.Data[i*sz : (i+1)*sz]
	switch sz {
	case 1:
		return int64(int8(b[0]))
	case 2:
		return int64(int16(binary.LittleEndian.Uint16(b)))
	case 4:
		return int64(int32(binary.LittleEndian.Uint32(b)))
	default:
		return int64(binary.LittleEndian.Uint64(b))
	}
}

// Float decodes element i as a float.
func (a *DenseAttr) Float(i int) float64 {
	sz := a.DType.SizeInBytes()
	b := a.Data[i*sz : (i+1)*sz]
	if a.DType == api.F32 {
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(b))
}

// DenseFromInts builds a DenseAttr encoding the given integers with the
// given element type.
func DenseFromInts(dtype api.DType, sizes []api.Index, values []int64) *DenseAttr {
	sz := dtype.SizeInBytes()
	data := make([]byte, sz*len(values))
	for i, v := range values {
		b := data[i*sz : (i+1)*sz]
		switch sz {
		case 1:
			b[0] = byte(v)
		case 2:
			binary.LittleEndian.PutUint16(b, uint16(v))
		case 4:
			binary.LittleEndian.PutUint32(b, uint32(v))
		default:
			binary.LittleEndian.PutUint64(b, uint64(v))
		}
	}
	return &DenseAttr{DType: dtype, Sizes: sizes, Data: data}
}

// DenseFromFloats builds a DenseAttr encoding the given floats with the
// given element type (F32 or F64).
func DenseFromFloats(dtype api.DType, sizes []api.Index, values []float64) *DenseAttr {
	sz := dtype.SizeInBytes()
	data := make([]byte, sz*len(values))
	for i, v := range values {
		b := data[i*sz : (i+1)*sz]
		if dtype == api.F32 {
			binary.LittleEndian.PutUint32(b, math.Float32bits(float32(v)))
		} else {
			binary.LittleEndian.PutUint64(b, math.Float64bits(v))
		}
	}
	return &DenseAttr{DType: dtype, Sizes: sizes, Data: data}
}

// AttrMap is a name-keyed attribute dictionary.
type AttrMap map[string]Attribute

// GetString returns the named StringAttr value if present.
func (m AttrMap) GetString(name string) (string, bool) {
	if m == nil {
		return "", false
	}
	if s, ok := m[name].(StringAttr); ok {
		return string(s), true
	}
	return "", false
}

// GetInt returns the named IntegerAttr value if present.
func (m AttrMap) GetInt(name string) (int64, bool) {
	if m == nil {
		return 0, false
	}
	if a, ok := m[name].(IntegerAttr); ok {
		return a.Value, true
	}
	return 0, false
}

// GetSymbol returns the named SymbolRefAttr target if present.
func (m AttrMap) GetSymbol(name string) (string, bool) {
	if m == nil {
		return "", false
	}
	if a, ok := m[name].(SymbolRefAttr); ok {
		return string(a), true
	}
	return "", false
}

// Has reports whether the named attribute is present.
func (m AttrMap) Has(name string) bool {
	if m == nil {
		return false
	}
	_, ok := m[name]
	return ok
}
