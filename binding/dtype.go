package binding

import (
	"fmt"
)

// ElementType is the closed set of element kinds a tensor can hold. The
// numeric values match the engine's data type codes.
type ElementType int32

const (
	Float32 ElementType = 1
	Int32   ElementType = 3
	UInt8   ElementType = 4
	String  ElementType = 7
	Int64   ElementType = 9
)

// Numeric is the set of Go element types with a fixed width.
type Numeric interface {
	float32 | int32 | uint8 | int64
}

// ElementTypeFromCode maps an engine data type code to an ElementType.
// Codes outside the enumeration fail with UnsupportedType.
func ElementTypeFromCode(code int) (ElementType, error) {
	t := ElementType(code)
	if !t.Valid() {
		return 0, newError(KindUnsupportedType, PhaseTensor, "element type code %d is not supported", code)
	}
	return t, nil
}

// Valid reports whether t is a member of the enumeration.
func (t ElementType) Valid() bool {
	switch t {
	case Float32, Int32, UInt8, String, Int64:
		return true
	default:
		return false
	}
}

// Size returns the width in bytes of one element, or -1 for String whose
// elements are variable width. It panics on a value outside the enumeration.
func (t ElementType) Size() int {
	switch t {
	case Float32, Int32:
		return 4
	case UInt8:
		return 1
	case Int64:
		return 8
	case String:
		return -1
	default:
		panic(fmt.Sprintf("binding: element type %d has no size", int32(t)))
	}
}

func (t ElementType) String() string {
	switch t {
	case Float32:
		return "float32"
	case Int32:
		return "int32"
	case UInt8:
		return "uint8"
	case String:
		return "string"
	case Int64:
		return "int64"
	default:
		return fmt.Sprintf("ElementType(%d)", int32(t))
	}
}

// ElementTypeOf returns the ElementType that stores values of T.
func ElementTypeOf[T Numeric]() ElementType {
	var zero T
	switch any(zero).(type) {
	case float32:
		return Float32
	case int32:
		return Int32
	case uint8:
		return UInt8
	case int64:
		return Int64
	}
	panic("unreachable")
}
