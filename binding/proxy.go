package binding

// TensorProxy is the caller's reference to a tensor. The binding writes
// Handle when a tensor is created or produced by a run and zeroes it on
// delete; Type and Shape describe what to allocate and are refreshed when a
// run publishes an output.
type TensorProxy struct {
	Handle Handle
	Name   string
	Type   ElementType
	Shape  Shape
}

// NewTensorProxy returns a proxy without a handle.
func NewTensorProxy(name string, t ElementType, shape Shape) *TensorProxy {
	return &TensorProxy{Name: name, Type: t, Shape: shape.Clone()}
}

// OutputProxies returns handle-less proxies requesting the given names.
func OutputProxies(names ...string) []*TensorProxy {
	out := make([]*TensorProxy, len(names))
	for i, name := range names {
		out[i] = &TensorProxy{Name: name}
	}
	return out
}

// BundleProxy is the caller's reference to a session bundle. Once unloaded
// it cannot be loaded again.
type BundleProxy struct {
	Handle   Handle
	unloaded bool
}

// Unloaded reports whether the bundle reached its terminal state.
func (b *BundleProxy) Unloaded() bool {
	return b.unloaded
}

type tensorResource struct {
	typ    ElementType
	shape  Shape
	native NativeTensor
}

func (r *tensorResource) Release() error {
	if r.native == nil {
		return nil
	}
	native := r.native
	r.native = nil
	return native.Release()
}
