package binding

import (
	"sync"
)

type fakeTensor struct {
	typ        ElementType
	shape      Shape
	data       []byte
	strings    []string
	releaseErr error

	mu       sync.Mutex
	released int
}

func (t *fakeTensor) Type() ElementType { return t.typ }
func (t *fakeTensor) Shape() Shape      { return t.shape.Clone() }
func (t *fakeTensor) Bytes() []byte     { return t.data }

func (t *fakeTensor) Strings() ([]string, error) {
	return append([]string(nil), t.strings...), nil
}

func (t *fakeTensor) Release() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.released++
	return t.releaseErr
}

func (t *fakeTensor) releaseCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.released
}

func newFakeTensor(typ ElementType, shape Shape) *fakeTensor {
	t := &fakeTensor{typ: typ, shape: shape.Clone()}
	count, _ := shape.ElementCount()
	if typ == String {
		t.strings = make([]string, count)
		return t
	}
	t.data = make([]byte, int(count)*typ.Size())
	return t
}

type fakeEngine struct {
	mu sync.Mutex

	newTensorErr error
	releaseErr   error
	loadErr      error
	session      *fakeSession

	tensors    []*fakeTensor
	loadCalls  int
	lastDir    string
	lastTags   []string
	newStrings [][]string
}

func (e *fakeEngine) NewTensor(t ElementType, shape Shape) (NativeTensor, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.newTensorErr != nil {
		return nil, e.newTensorErr
	}
	ft := newFakeTensor(t, shape)
	ft.releaseErr = e.releaseErr
	e.tensors = append(e.tensors, ft)
	return ft, nil
}

func (e *fakeEngine) NewStringTensor(shape Shape, values []string) (NativeTensor, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.newTensorErr != nil {
		return nil, e.newTensorErr
	}
	ft := &fakeTensor{typ: String, shape: shape.Clone(), strings: append([]string(nil), values...), releaseErr: e.releaseErr}
	e.tensors = append(e.tensors, ft)
	e.newStrings = append(e.newStrings, ft.strings)
	return ft, nil
}

func (e *fakeEngine) LoadSession(dir string, tags []string) (Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loadCalls++
	e.lastDir = dir
	e.lastTags = append([]string(nil), tags...)
	if e.loadErr != nil {
		return nil, e.loadErr
	}
	if e.session == nil {
		e.session = &fakeSession{}
	}
	return e.session, nil
}

type runCall struct {
	feeds   []Feed
	fetches []string
	targets []string
}

type fakeSession struct {
	mu sync.Mutex

	meta       Metadata
	runFn      func(call int, feeds []Feed, fetches []string, targets []string) ([]NativeTensor, error)
	closeErr   error
	releaseErr error

	calls  []runCall
	events []string
}

func (s *fakeSession) Run(feeds []Feed, fetches []string, targets []string) ([]NativeTensor, error) {
	s.mu.Lock()
	call := len(s.calls)
	s.calls = append(s.calls, runCall{
		feeds:   append([]Feed(nil), feeds...),
		fetches: append([]string(nil), fetches...),
		targets: append([]string(nil), targets...),
	})
	s.events = append(s.events, "run")
	fn := s.runFn
	s.mu.Unlock()

	if fn != nil {
		return fn(call, feeds, fetches, targets)
	}
	out := make([]NativeTensor, len(fetches))
	for i := range fetches {
		out[i] = newFakeTensor(Float32, Shape{1})
	}
	return out, nil
}

func (s *fakeSession) Metadata() Metadata { return s.meta }

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, "close")
	return s.closeErr
}

func (s *fakeSession) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, "release")
	return s.releaseErr
}

func (s *fakeSession) snapshot() ([]runCall, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]runCall(nil), s.calls...), append([]string(nil), s.events...)
}

func trainMetadata() Metadata {
	return Metadata{
		Saver: &SaverDef{
			FilenameTensorName: "save/Const:0",
			SaveTensorName:     "save/control_dependency:0",
			RestoreOpName:      "save/restore_all",
		},
		Signatures: map[string]Signature{
			"serving_default": {
				MethodName: "tensorflow/serving/predict",
				Inputs:     map[string]string{"x": "input:0"},
				Outputs:    map[string]string{"y": "output:0"},
			},
		},
	}
}
