package tf

import (
	"runtime"
	"unsafe"

	"github.com/pkg/errors"
)

// Tensor owns a TF_Tensor.
type Tensor struct {
	handle uintptr
	dtype  DataType
	shape  []int64
	data   uintptr
	size   uintptr
}

// NewTensor allocates a zeroed tensor. String tensors hold empty strings.
func NewTensor(dtype DataType, shape []int64) (*Tensor, error) {
	count, err := shapeElementCount(shape)
	if err != nil {
		return nil, err
	}
	if dtype == String {
		return NewStringTensor(shape, make([]string, count))
	}
	width := dtype.byteWidth()
	if width == 0 {
		return nil, errors.Errorf("cannot allocate %s tensors", dtype)
	}
	length, err := tensorDataByteSize(count, uintptr(width))
	if err != nil {
		return nil, err
	}

	callMu.RLock()
	defer callMu.RUnlock()
	a, err := loadAPI()
	if err != nil {
		return nil, err
	}

	handle := allocateTensor(a, dtype, shape, length)
	if handle == 0 {
		return nil, errors.Errorf("TF_AllocateTensor failed for %s tensor with shape %v", dtype, shape)
	}
	t := newTensorFromC(a, handle)
	if t.size > 0 && t.data != 0 {
		clear(unsafe.Slice((*byte)(unsafe.Pointer(t.data)), t.size))
	}
	return t, nil
}

// NewStringTensor allocates a String tensor holding values in row-major order.
func NewStringTensor(shape []int64, values []string) (*Tensor, error) {
	count, err := shapeElementCount(shape)
	if err != nil {
		return nil, err
	}
	if len(values) != count {
		return nil, errors.Errorf("shape %v holds %d strings, got %d", shape, count, len(values))
	}
	length, err := tensorDataByteSize(count, tstringSize)
	if err != nil {
		return nil, err
	}

	callMu.RLock()
	defer callMu.RUnlock()
	a, err := loadAPI()
	if err != nil {
		return nil, err
	}

	handle := allocateTensor(a, String, shape, length)
	if handle == 0 {
		return nil, errors.Errorf("TF_AllocateTensor failed for string tensor with shape %v", shape)
	}
	t := newTensorFromC(a, handle)
	for i, v := range values {
		ts := t.data + uintptr(i)*tstringSize
		a.stringInit(ts)
		if v == "" {
			continue
		}
		b := []byte(v)
		a.stringCopy(ts, uintptr(unsafe.Pointer(&b[0])), uintptr(len(b)))
		runtime.KeepAlive(b)
	}
	return t, nil
}

func allocateTensor(a *capi, dtype DataType, shape []int64, length uintptr) uintptr {
	var dims *int64
	if len(shape) > 0 {
		dims = unsafe.SliceData(shape)
	}
	handle := a.allocateTensor(int32(dtype), dims, int32(len(shape)), length)
	// TF_AllocateTensor copies the dimensions before returning.
	runtime.KeepAlive(shape)
	return handle
}

// newTensorFromC takes ownership of handle. Callers hold callMu.
func newTensorFromC(a *capi, handle uintptr) *Tensor {
	rank := int(a.numDims(handle))
	shape := make([]int64, rank)
	for i := range shape {
		shape[i] = a.dim(handle, int32(i))
	}
	t := &Tensor{
		handle: handle,
		dtype:  DataType(a.tensorType(handle)),
		shape:  shape,
		data:   a.tensorData(handle),
		size:   a.tensorByteSize(handle),
	}
	// Finalizer is a safety net for tensors nobody released.
	runtime.SetFinalizer(t, func(t *Tensor) {
		_ = t.Release()
	})
	return t
}

// DataType returns the element type.
func (t *Tensor) DataType() DataType {
	if t == nil {
		return 0
	}
	return t.dtype
}

// Shape returns a copy of the dimensions.
func (t *Tensor) Shape() []int64 {
	if t == nil {
		return nil
	}
	return append([]int64{}, t.shape...)
}

// ByteSize returns the size of the backing buffer.
func (t *Tensor) ByteSize() int {
	if t == nil {
		return 0
	}
	return int(t.size)
}

// Bytes returns the live backing memory of a numeric tensor. It aliases
// native memory and is invalid after Release. String tensors return nil.
func (t *Tensor) Bytes() []byte {
	if t == nil || t.handle == 0 || t.dtype == String {
		return nil
	}
	if t.data == 0 || t.size == 0 {
		return []byte{}
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(t.data)), t.size)
}

// Strings decodes a String tensor.
func (t *Tensor) Strings() ([]string, error) {
	if t == nil || t.handle == 0 {
		return nil, errors.New("tensor released")
	}
	if t.dtype != String {
		return nil, errors.Errorf("tensor holds %s elements, not strings", t.dtype)
	}

	callMu.RLock()
	defer callMu.RUnlock()
	a, err := loadAPI()
	if err != nil {
		return nil, err
	}
	count := int(t.size / tstringSize)
	out := make([]string, count)
	for i := range out {
		ts := t.data + uintptr(i)*tstringSize
		out[i] = string(bytesAt(a.stringGetDataPointer(ts), a.stringGetSize(ts)))
	}
	runtime.KeepAlive(t)
	return out, nil
}

// Release frees the native tensor. It is safe to call more than once.
func (t *Tensor) Release() error {
	if t == nil {
		return nil
	}

	callMu.Lock()
	defer callMu.Unlock()

	mu.Lock()
	a := api
	handle := t.handle
	t.handle = 0
	runtime.SetFinalizer(t, nil)
	mu.Unlock()

	if handle == 0 {
		return nil
	}
	if a == nil {
		return errors.New("TensorFlow environment destroyed before tensor release")
	}
	if t.dtype == String {
		for i := uintptr(0); i < t.size/tstringSize; i++ {
			a.stringDealloc(t.data + i*tstringSize)
		}
	}
	a.deleteTensor(handle)
	t.data = 0
	t.size = 0
	return nil
}

func shapeElementCount(shape []int64) (int, error) {
	maxInt := int(^uint(0) >> 1)

	count := 1
	for i, dim := range shape {
		if dim < 0 {
			return 0, errors.Errorf("invalid shape dimension at index %d: %d (must be >= 0)", i, dim)
		}
		if dim == 0 {
			count = 0
			continue
		}
		if count == 0 {
			continue
		}
		if dim > int64(maxInt) || count > maxInt/int(dim) {
			return 0, errors.Errorf("shape %v exceeds maximum supported element count", shape)
		}
		count *= int(dim)
	}
	return count, nil
}

func tensorDataByteSize(elementCount int, elementSize uintptr) (uintptr, error) {
	if elementCount == 0 {
		return 0, nil
	}
	count := uintptr(elementCount)
	if count > ^uintptr(0)/elementSize {
		return 0, errors.Errorf("tensor data size overflow: %d elements with element size %d", elementCount, elementSize)
	}
	return count * elementSize, nil
}
