package minilm

import (
	"encoding/binary"
	"math"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/amikos-tech/pure-tf/binding"
)

// fakeTensor keeps tensor storage in Go memory.
type fakeTensor struct {
	typ   binding.ElementType
	shape binding.Shape
	data  []byte
}

func (t *fakeTensor) Type() binding.ElementType  { return t.typ }
func (t *fakeTensor) Shape() binding.Shape       { return t.shape.Clone() }
func (t *fakeTensor) Bytes() []byte              { return t.data }
func (t *fakeTensor) Strings() ([]string, error) { return nil, errors.New("not a string tensor") }
func (t *fakeTensor) Release() error             { return nil }

type fakeEngine struct {
	session *fakeSession
	loadErr error
}

func (e *fakeEngine) NewTensor(t binding.ElementType, shape binding.Shape) (binding.NativeTensor, error) {
	count, err := shape.ElementCount()
	if err != nil {
		return nil, err
	}
	return &fakeTensor{typ: t, shape: shape.Clone(), data: make([]byte, int(count)*t.Size())}, nil
}

func (e *fakeEngine) NewStringTensor(binding.Shape, []string) (binding.NativeTensor, error) {
	return nil, errors.New("string tensors are not supported")
}

func (e *fakeEngine) LoadSession(string, []string) (binding.Session, error) {
	if e.loadErr != nil {
		return nil, e.loadErr
	}
	return e.session, nil
}

// fakeSession emits a hidden state where token t of every row has value
// input_ids[t] * (d+1) at dimension d.
type fakeSession struct {
	mu      sync.Mutex
	meta    binding.Metadata
	dim     int64
	runErr  error
	feeds   [][]string
	fetches [][]string
	closed  bool
}

func (s *fakeSession) Run(feeds []binding.Feed, fetches []string, targets []string) ([]binding.NativeTensor, error) {
	s.mu.Lock()
	names := make([]string, len(feeds))
	for i, f := range feeds {
		names[i] = f.Name
	}
	s.feeds = append(s.feeds, names)
	s.fetches = append(s.fetches, append([]string(nil), fetches...))
	runErr := s.runErr
	s.mu.Unlock()

	if runErr != nil {
		return nil, runErr
	}

	var ids binding.NativeTensor
	for _, f := range feeds {
		if strings.Contains(f.Name, "input_ids") {
			ids = f.Tensor
		}
	}
	if ids == nil {
		return nil, errors.New("input_ids was not fed")
	}

	shape := ids.Shape()
	tokens := len(ids.Bytes()) / 8
	hidden := make([]byte, tokens*int(s.dim)*4)
	for t := 0; t < tokens; t++ {
		id := float32(int64(binary.NativeEndian.Uint64(ids.Bytes()[t*8:])))
		for d := int64(0); d < s.dim; d++ {
			off := (t*int(s.dim) + int(d)) * 4
			binary.NativeEndian.PutUint32(hidden[off:], math.Float32bits(id*float32(d+1)))
		}
	}

	out := make([]binding.NativeTensor, len(fetches))
	for i := range fetches {
		out[i] = &fakeTensor{
			typ:   binding.Float32,
			shape: binding.NewShape(shape[0], shape[1], s.dim),
			data:  append([]byte(nil), hidden...),
		}
	}
	return out, nil
}

func (s *fakeSession) Metadata() binding.Metadata { return s.meta }

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) Release() error { return nil }

func miniLMSignatures() map[string]binding.Signature {
	return map[string]binding.Signature{
		DefaultSignatureKey: {
			MethodName: "tensorflow/serving/predict",
			Inputs: map[string]string{
				"input_ids":      "serving_default_input_ids:0",
				"attention_mask": "serving_default_attention_mask:0",
				"token_type_ids": "serving_default_token_type_ids:0",
			},
			Outputs: map[string]string{
				"last_hidden_state": "StatefulPartitionedCall:0",
				"pooler_output":     "StatefulPartitionedCall:1",
			},
		},
	}
}

// wordEncoder produces [CLS] word... [SEP] with one id per word.
type wordEncoder struct {
	mu     sync.Mutex
	err    error
	closed int
}

func (w *wordEncoder) encode(text string) (encoding, error) {
	if w.err != nil {
		return encoding{}, w.err
	}
	ids := []uint32{101}
	for _, word := range strings.Fields(text) {
		ids = append(ids, uint32(1000+len(word)))
	}
	ids = append(ids, 102)
	mask := make([]uint32, len(ids))
	for i := range mask {
		mask[i] = 1
	}
	return encoding{ids: ids, attentionMask: mask, typeIDs: make([]uint32, len(ids))}, nil
}

func (w *wordEncoder) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed++
	return nil
}
