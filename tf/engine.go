package tf

import (
	"github.com/pkg/errors"

	"github.com/amikos-tech/pure-tf/binding"
)

// Engine drives libtensorflow for a binding.Runtime. The environment must be
// initialized before any method is called.
type Engine struct{}

// NewEngine returns an Engine.
func NewEngine() *Engine {
	return &Engine{}
}

var _ binding.Engine = (*Engine)(nil)

// NewTensor implements binding.Engine.
func (e *Engine) NewTensor(t binding.ElementType, shape binding.Shape) (binding.NativeTensor, error) {
	tensor, err := NewTensor(DataType(t), []int64(shape))
	if err != nil {
		return nil, err
	}
	return engineTensor{tensor}, nil
}

// NewStringTensor implements binding.Engine.
func (e *Engine) NewStringTensor(shape binding.Shape, values []string) (binding.NativeTensor, error) {
	tensor, err := NewStringTensor([]int64(shape), values)
	if err != nil {
		return nil, err
	}
	return engineTensor{tensor}, nil
}

// LoadSession implements binding.Engine.
func (e *Engine) LoadSession(dir string, tags []string) (binding.Session, error) {
	model, err := LoadSavedModel(dir, tags)
	if err != nil {
		return nil, err
	}
	return engineSession{model}, nil
}

type engineTensor struct {
	*Tensor
}

func (t engineTensor) Type() binding.ElementType {
	return binding.ElementType(t.DataType())
}

func (t engineTensor) Shape() binding.Shape {
	return binding.Shape(t.Tensor.Shape())
}

type engineSession struct {
	model *SavedModel
}

func (s engineSession) Run(feeds []binding.Feed, fetches []string, targets []string) ([]binding.NativeTensor, error) {
	tfFeeds := make([]Feed, len(feeds))
	for i, f := range feeds {
		t, ok := f.Tensor.(engineTensor)
		if !ok {
			return nil, errors.Errorf("feed %q holds a %T, not a TensorFlow tensor", f.Name, f.Tensor)
		}
		tfFeeds[i] = Feed{Name: f.Name, Tensor: t.Tensor}
	}
	results, err := s.model.Run(tfFeeds, fetches, targets)
	if err != nil {
		return nil, err
	}
	out := make([]binding.NativeTensor, len(results))
	for i, t := range results {
		out[i] = engineTensor{t}
	}
	return out, nil
}

func (s engineSession) Metadata() binding.Metadata {
	mg := s.model.Metadata()
	meta := binding.Metadata{}
	if mg.Saver != nil {
		meta.Saver = &binding.SaverDef{
			FilenameTensorName: mg.Saver.FilenameTensorName,
			SaveTensorName:     mg.Saver.SaveTensorName,
			RestoreOpName:      mg.Saver.RestoreOpName,
		}
	}
	if len(mg.Signatures) > 0 {
		meta.Signatures = make(map[string]binding.Signature, len(mg.Signatures))
		for name, sig := range mg.Signatures {
			meta.Signatures[name] = binding.Signature{
				MethodName: sig.MethodName,
				Inputs:     sig.Inputs,
				Outputs:    sig.Outputs,
			}
		}
	}
	return meta
}

func (s engineSession) Close() error {
	return s.model.Close()
}

func (s engineSession) Release() error {
	return s.model.Release()
}
