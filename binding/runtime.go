package binding

import (
	"errors"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// PhaseConfig tags failures while building a Runtime.
const PhaseConfig Phase = "config"

// Runtime owns the handle tables for one engine and implements every
// operation a caller can perform through tensor and bundle proxies.
//
// Handle tables are safe for concurrent use. Operations on one bundle are
// serialized; operations on one tensor proxy must be serialized by the
// caller, and a tensor passed as a run input must not be written until the
// run returns.
type Runtime struct {
	engine   Engine
	logger   *zap.Logger
	capacity int
	bridge   *Bridge
	tensors  *Table[*tensorResource]
	bundles  *Table[*sessionBundle]
}

// Option configures a Runtime.
type Option func(*Runtime) error

// WithLogger sets the diagnostic sink. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Runtime) error {
		if logger == nil {
			return newError(KindInvalidArgument, PhaseConfig, "logger cannot be nil")
		}
		r.logger = logger
		return nil
	}
}

// WithMessageCapacity sets the error message buffer size in bytes.
func WithMessageCapacity(capacity int) Option {
	return func(r *Runtime) error {
		if capacity < 2 {
			return newError(KindInvalidArgument, PhaseConfig, "message capacity must be at least 2, got %d", capacity)
		}
		r.capacity = capacity
		return nil
	}
}

// New creates a Runtime driving engine.
func New(engine Engine, opts ...Option) (*Runtime, error) {
	if engine == nil {
		return nil, newError(KindInvalidArgument, PhaseConfig, "engine cannot be nil")
	}
	r := &Runtime{
		engine:   engine,
		logger:   zap.NewNop(),
		capacity: DefaultMessageCapacity,
		tensors:  NewTable[*tensorResource](),
		bundles:  NewTable[*sessionBundle](),
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	r.bridge = NewBridge(r.logger, r.capacity)
	return r, nil
}

// Logger returns the runtime's diagnostic sink.
func (r *Runtime) Logger() *zap.Logger {
	return r.logger
}

// Bridge returns the error bridge used by the runtime.
func (r *Runtime) Bridge() *Bridge {
	return r.bridge
}

// LiveTensors returns the number of tensors that have not been deleted.
func (r *Runtime) LiveTensors() int {
	return r.tensors.Len()
}

// LiveBundles returns the number of loaded bundles.
func (r *Runtime) LiveBundles() int {
	return r.bundles.Len()
}

// ObserveTensors subscribes o to tensor handle events.
func (r *Runtime) ObserveTensors(o Observer) {
	r.tensors.Subscribe(o)
}

// CreateTensor allocates native storage for p.Type and p.Shape and writes
// the new handle into p.
func (r *Runtime) CreateTensor(p *TensorProxy) error {
	if p == nil {
		return r.bridge.Raise(KindInvalidArgument, PhaseTensor, nil, "tensor proxy is nil")
	}
	if p.Handle != 0 {
		return r.bridge.Raise(KindInvalidArgument, PhaseTensor, nil, "tensor proxy %q already holds handle %#x", p.Name, uint64(p.Handle))
	}
	if !p.Type.Valid() {
		return r.bridge.Raise(KindUnsupportedType, PhaseTensor, nil, "element type %d is not supported", int32(p.Type))
	}
	if err := p.Shape.Validate(); err != nil {
		return r.report(err)
	}
	native, err := r.engine.NewTensor(p.Type, p.Shape.Concrete())
	if err != nil {
		return r.bridge.Raise(KindExecution, PhaseTensor, err, "allocating %s tensor %q with shape %s", p.Type, p.Name, p.Shape)
	}
	p.Handle = r.tensors.Create(&tensorResource{typ: p.Type, shape: native.Shape(), native: native})
	r.logger.Debug("tensor created",
		zap.Uint64("handle", uint64(p.Handle)),
		zap.String("name", p.Name),
		zap.Stringer("type", p.Type),
		zap.Stringer("shape", p.Shape),
	)
	return nil
}

// NewTensorWithBytes creates a tensor for p and fills it with src. When the
// write fails the tensor is deleted again and any deletion failure is
// combined into the returned error.
func (r *Runtime) NewTensorWithBytes(p *TensorProxy, src []byte) error {
	if err := r.CreateTensor(p); err != nil {
		return err
	}
	if err := r.WriteBytes(p, src, len(src)); err != nil {
		return multierr.Append(err, r.DeleteTensor(p))
	}
	return nil
}

// DeleteTensor releases the tensor behind p and zeroes its handle. Deleting
// a zero or already deleted handle fails with InvalidHandle.
func (r *Runtime) DeleteTensor(p *TensorProxy) error {
	if p == nil {
		return r.bridge.Raise(KindInvalidArgument, PhaseTensor, nil, "tensor proxy is nil")
	}
	h := p.Handle
	res, err := r.tensors.Take(h)
	if err != nil {
		return r.report(err)
	}
	p.Handle = 0
	if err := res.Release(); err != nil {
		return r.bridge.Raise(KindExecution, PhaseTensor, err, "releasing tensor %q", p.Name)
	}
	r.logger.Debug("tensor deleted", zap.Uint64("handle", uint64(h)), zap.String("name", p.Name))
	return nil
}

// View returns a live view over the first length bytes of p's storage,
// reinterpreted as elements of typ.
func (r *Runtime) View(p *TensorProxy, typ ElementType, length int) (View, error) {
	res, err := r.resolveTensor(p, PhaseBuffer)
	if err != nil {
		return View{}, err
	}
	v, err := newView(typ, res.native.Bytes(), length)
	if err != nil {
		return View{}, r.report(err)
	}
	return v, nil
}

// WriteBytes copies the first length bytes of src into p's storage. A nil
// src with a positive length is rejected before anything is copied.
func (r *Runtime) WriteBytes(p *TensorProxy, src []byte, length int) error {
	if src == nil && length > 0 {
		return r.bridge.Raise(KindInvalidArgument, PhaseBuffer, nil, "source region is not addressable")
	}
	if length > len(src) {
		return r.bridge.Raise(KindInvalidArgument, PhaseBuffer, nil, "source holds %d bytes, %d requested", len(src), length)
	}
	res, err := r.resolveTensor(p, PhaseBuffer)
	if err != nil {
		return err
	}
	v, err := newView(res.typ, res.native.Bytes(), length)
	if err != nil {
		return r.report(err)
	}
	copy(v.data, src[:length])
	return nil
}

// ReadBytes returns a live, non-owning slice over the first length bytes of
// p's storage. The slice is invalid once the tensor is deleted.
func (r *Runtime) ReadBytes(p *TensorProxy, typ ElementType, length int) ([]byte, error) {
	v, err := r.View(p, typ, length)
	if err != nil {
		return nil, err
	}
	return v.Bytes(), nil
}

// WriteStrings replaces the contents of a String tensor. len(values) must
// equal the tensor's element count.
func (r *Runtime) WriteStrings(p *TensorProxy, values []string) error {
	res, err := r.resolveTensor(p, PhaseBuffer)
	if err != nil {
		return err
	}
	if res.typ != String {
		return r.bridge.Raise(KindUnsupportedType, PhaseBuffer, nil, "tensor %q holds %s elements, not strings", p.Name, res.typ)
	}
	count, err := res.shape.ElementCount()
	if err != nil {
		return r.report(err)
	}
	if int64(len(values)) != count {
		return r.bridge.Raise(KindInvalidArgument, PhaseBuffer, nil, "tensor %q holds %d strings, got %d", p.Name, count, len(values))
	}
	native, err := r.engine.NewStringTensor(res.shape, values)
	if err != nil {
		return r.bridge.Raise(KindExecution, PhaseBuffer, err, "encoding strings for tensor %q", p.Name)
	}
	old := res.native
	res.native = native
	if err := old.Release(); err != nil {
		return r.bridge.Raise(KindExecution, PhaseBuffer, err, "releasing replaced strings of tensor %q", p.Name)
	}
	return nil
}

// ReadStrings decodes every element of a String tensor.
func (r *Runtime) ReadStrings(p *TensorProxy) ([]string, error) {
	res, err := r.resolveTensor(p, PhaseBuffer)
	if err != nil {
		return nil, err
	}
	if res.typ != String {
		return nil, r.bridge.Raise(KindUnsupportedType, PhaseBuffer, nil, "tensor %q holds %s elements, not strings", p.Name, res.typ)
	}
	values, err := res.native.Strings()
	if err != nil {
		return nil, r.bridge.Raise(KindExecution, PhaseBuffer, err, "decoding strings of tensor %q", p.Name)
	}
	return values, nil
}

// Close unloads every bundle and then deletes every tensor still alive.
// Proxies that referenced them must not be used afterwards.
func (r *Runtime) Close() error {
	return multierr.Combine(r.bundles.Close(), r.tensors.Close())
}

func (r *Runtime) resolveTensor(p *TensorProxy, phase Phase) (*tensorResource, error) {
	if p == nil {
		return nil, r.bridge.Raise(KindInvalidArgument, phase, nil, "tensor proxy is nil")
	}
	res, err := r.tensors.Resolve(p.Handle)
	if err != nil {
		return nil, r.report(err)
	}
	return res, nil
}

// report passes an error built by a helper through the bridge.
func (r *Runtime) report(err error) error {
	var be *Error
	if errors.As(err, &be) {
		return r.bridge.Report(be)
	}
	return r.bridge.Raise(KindInvalidArgument, "", err, "%s", err.Error())
}
