package binding

import (
	"unsafe"
)

// View is a live, non-owning window over a tensor's native storage. It must
// not be used after the tensor is deleted or replaced by a run.
type View struct {
	typ  ElementType
	data []byte
}

// Type returns the element type the view was requested with.
func (v View) Type() ElementType {
	return v.typ
}

// Bytes returns the raw region. Writes go straight to native memory.
func (v View) Bytes() []byte {
	return v.data
}

// Len returns the number of elements covered by the view.
func (v View) Len() int {
	if len(v.data) == 0 {
		return 0
	}
	return len(v.data) / v.typ.Size()
}

// Elements reinterprets the view as a slice of T without copying. T must
// match the view's element type.
func Elements[T Numeric](v View) ([]T, error) {
	want := ElementTypeOf[T]()
	if v.typ != want {
		return nil, newError(KindUnsupportedType, PhaseBuffer, "view holds %s elements, not %s", v.typ, want)
	}
	if len(v.data) == 0 {
		return []T{}, nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&v.data[0])), len(v.data)/want.Size()), nil
}

// newView checks the requested element type and byte length against the
// native region and returns a view over its first length bytes.
func newView(typ ElementType, native []byte, length int) (View, error) {
	if !typ.Valid() {
		return View{}, newError(KindUnsupportedType, PhaseBuffer, "element type %d is not supported", int32(typ))
	}
	if typ == String {
		return View{}, newError(KindUnsupportedType, PhaseBuffer, "string tensors have no raw view")
	}
	if length < 0 {
		return View{}, newError(KindInvalidArgument, PhaseBuffer, "length %d is negative", length)
	}
	if length%typ.Size() != 0 {
		return View{}, newError(KindInvalidArgument, PhaseBuffer, "length %d is not a multiple of the %s width %d", length, typ, typ.Size())
	}
	if length > len(native) {
		return View{}, newError(KindInvalidArgument, PhaseBuffer, "length %d exceeds tensor capacity of %d bytes", length, len(native))
	}
	return View{typ: typ, data: native[:length:length]}, nil
}
