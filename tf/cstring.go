package tf

import "unsafe"

// CstringToGo copies a NUL-terminated C string. A zero pointer yields "".
func CstringToGo(ptr uintptr) string {
	if ptr == 0 {
		return ""
	}

	// Status messages can carry long stack traces; anything beyond this is
	// treated as unterminated.
	const maxStringLen = 1 << 20
	bytes := unsafe.Slice((*byte)(unsafe.Pointer(ptr)), maxStringLen)

	length := maxStringLen
	for i := 0; i < maxStringLen; i++ {
		if bytes[i] == 0 {
			length = i
			break
		}
	}
	return string(bytes[:length])
}

// GoToCstring returns a NUL-terminated copy of s and the address of its
// first byte. The slice must stay reachable until the native call returns.
func GoToCstring(s string) ([]byte, uintptr) {
	b := append([]byte(s), 0)
	return b, uintptr(unsafe.Pointer(&b[0]))
}

// cstringArray holds C strings and the array of their addresses.
type cstringArray struct {
	strings [][]byte
	ptrs    []uintptr
}

func newCstringArray(values []string) *cstringArray {
	a := &cstringArray{
		strings: make([][]byte, len(values)),
		ptrs:    make([]uintptr, len(values)),
	}
	for i, v := range values {
		a.strings[i], a.ptrs[i] = GoToCstring(v)
	}
	return a
}

// addr returns a pointer to the first address, or nil when empty.
func (a *cstringArray) addr() *uintptr {
	if len(a.ptrs) == 0 {
		return nil
	}
	return &a.ptrs[0]
}

// bytesAt copies size bytes starting at ptr.
func bytesAt(ptr uintptr, size uintptr) []byte {
	if ptr == 0 || size == 0 {
		return nil
	}
	out := make([]byte, size)
	copy(out, unsafe.Slice((*byte)(unsafe.Pointer(ptr)), size))
	return out
}
