package types

import (
	"github.com/pkg/errors"

	"github.com/jitrt-go/jitrt/api"
	"github.com/jitrt-go/jitrt/ir"
)

// ConversionFn converts one IR type to its runtime counterpart. The second
// result is false when the function does not handle the type.
type ConversionFn func(ir.Type) (Type, bool)

// TypeConverter maps IR types to runtime types. Canonical conversions are
// built in; clients add conversions for their own dialect types.
type TypeConverter struct {
	conversions []ConversionFn
}

// NewTypeConverter returns a converter with only the canonical
// conversions.
func NewTypeConverter() *TypeConverter { return &TypeConverter{} }

// AddConversion registers a client conversion. Client conversions are
// consulted after the canonical ones, in registration order.
func (c *TypeConverter) AddConversion(fn ConversionFn) { c.conversions = append(c.conversions, fn) }

// ConvertElementType maps an IR scalar type to a DType.
func ConvertElementType(t ir.Type) (api.DType, error) {
	if d, ok := ir.ElementDType(t); ok {
		return d, nil
	}
	return api.InvalidDType, errors.Errorf("unsupported element type: %s", t)
}

// Convert maps one IR type to a runtime type.
func (c *TypeConverter) Convert(t ir.Type) (Type, error) {
	if converted, ok := c.convertCanonical(t); ok {
		return converted, nil
	}
	for _, fn := range c.conversions {
		if converted, ok := fn(t); ok {
			return converted, nil
		}
	}
	return nil, errors.Errorf("cannot convert type %s to a run time type", t)
}

func (c *TypeConverter) convertCanonical(t ir.Type) (Type, bool) {
	switch t := t.(type) {
	case ir.KernelContextType:
		return KernelContextOperandType{}, true

	case ir.AsyncTokenType:
		return AsyncTokenType{}, true

	case ir.AsyncValueType:
		value, err := c.Convert(t.Value)
		if err != nil {
			return nil, false
		}
		return NewAsyncValueType(value), true

	case ir.TensorType:
		dtype, err := ConvertElementType(t.Element)
		if err != nil {
			return nil, false
		}
		if t.Ranked {
			return NewRankedTensorType(t.Sizes, dtype), true
		}
		return NewUnrankedTensorType(dtype), true

	case ir.MemrefType:
		dtype, err := ConvertElementType(t.Element)
		if err != nil {
			return nil, false
		}
		if t.Ranked {
			return NewMemrefType(t.Sizes, dtype), true
		}
		return NewUnrankedMemrefType(dtype), true
	}
	return nil, false
}

// ConvertFunctionType converts every input and result of an IR function
// type. Conversion fails naming the first position that has no runtime
// counterpart.
func (c *TypeConverter) ConvertFunctionType(t ir.FunctionType) (*FunctionType, error) {
	inputs := make([]Type, 0, len(t.Inputs))
	results := make([]Type, 0, len(t.Results))

	for i, in := range t.Inputs {
		converted, err := c.Convert(in)
		if err != nil {
			return nil, errors.Errorf("cannot convert input #%d type %s to a run time type", i, in)
		}
		inputs = append(inputs, converted)
	}
	for i, out := range t.Results {
		converted, err := c.Convert(out)
		if err != nil {
			return nil, errors.Errorf("cannot convert result #%d type %s to a run time type", i, out)
		}
		results = append(results, converted)
	}
	return NewFunctionType(inputs, results), nil
}
