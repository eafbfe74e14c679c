package tf

import (
	"runtime"
	"strconv"
	"strings"
	"unsafe"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Feed binds a tensor to a graph output name such as "input_ids:0".
type Feed struct {
	Name   string
	Tensor *Tensor
}

// SavedModel is a graph and session loaded from a SavedModel directory.
type SavedModel struct {
	session uintptr
	graph   uintptr
	closed  bool
	meta    MetaGraph
	dir     string
}

// LoadSavedModel loads the MetaGraphDef tagged with tags from dir.
func LoadSavedModel(dir string, tags []string) (*SavedModel, error) {
	callMu.RLock()
	defer callMu.RUnlock()
	a, err := loadAPI()
	if err != nil {
		return nil, err
	}

	st := newStatus(a)
	defer st.delete()
	opts := a.newSessionOptions()
	defer a.deleteSessionOptions(opts)
	metaBuf := a.newBuffer()
	defer a.deleteBuffer(metaBuf)

	graph := a.newGraph()
	dirBytes, dirPtr := GoToCstring(dir)
	tagArray := newCstringArray(tags)
	session := a.loadSessionFromSavedModel(opts, 0, dirPtr, tagArray.addr(), int32(len(tags)), graph, metaBuf, st.handle)
	runtime.KeepAlive(dirBytes)
	runtime.KeepAlive(tagArray)

	if err := st.err(); err != nil {
		a.deleteGraph(graph)
		return nil, errors.Wrapf(err, "failed to load SavedModel from %s with tags %v", dir, tags)
	}
	if session == 0 {
		a.deleteGraph(graph)
		return nil, errors.Errorf("TF_LoadSessionFromSavedModel returned no session for %s", dir)
	}

	m := &SavedModel{session: session, graph: graph, dir: dir}
	buf := (*tfBuffer)(unsafe.Pointer(metaBuf))
	meta, err := ParseMetaGraph(bytesAt(buf.data, buf.length))
	if err != nil {
		Logger().Warn("could not decode MetaGraphDef; checkpoint export disabled", zap.String("dir", dir), zap.Error(err))
	} else {
		m.meta = meta
	}
	// Finalizer is a safety net for models nobody released.
	runtime.SetFinalizer(m, func(m *SavedModel) {
		_ = m.Release()
	})
	return m, nil
}

// Metadata returns the decoded MetaGraphDef fields.
func (m *SavedModel) Metadata() MetaGraph {
	return m.meta
}

// Run feeds tensors, evaluates fetches and executes targets. Names take the
// form "op" or "op:index"; targets ignore the index. The returned tensors
// belong to the caller.
func (m *SavedModel) Run(feeds []Feed, fetches []string, targets []string) ([]*Tensor, error) {
	callMu.RLock()
	defer callMu.RUnlock()
	a, err := loadAPI()
	if err != nil {
		return nil, err
	}
	if m.session == 0 || m.closed {
		return nil, errors.New("session is closed")
	}

	inputs := make([]tfOutput, len(feeds))
	inputValues := make([]uintptr, len(feeds))
	for i, f := range feeds {
		if f.Tensor == nil || f.Tensor.handle == 0 {
			return nil, errors.Errorf("feed %q has no tensor", f.Name)
		}
		out, err := m.output(a, f.Name)
		if err != nil {
			return nil, err
		}
		inputs[i] = out
		inputValues[i] = f.Tensor.handle
	}
	outputs := make([]tfOutput, len(fetches))
	for i, name := range fetches {
		out, err := m.output(a, name)
		if err != nil {
			return nil, err
		}
		outputs[i] = out
	}
	targetOps := make([]uintptr, len(targets))
	for i, name := range targets {
		op, _ := parseOutputName(name)
		oper, err := m.operation(a, op)
		if err != nil {
			return nil, err
		}
		targetOps[i] = oper
	}

	outputValues := make([]uintptr, len(fetches))
	st := newStatus(a)
	defer st.delete()
	a.sessionRun(m.session, 0,
		sliceAddr(inputs), sliceAddr(inputValues), int32(len(inputs)),
		sliceAddr(outputs), sliceAddr(outputValues), int32(len(outputs)),
		sliceAddr(targetOps), int32(len(targetOps)),
		0, st.handle)
	runtime.KeepAlive(feeds)
	runtime.KeepAlive(inputs)
	runtime.KeepAlive(inputValues)
	runtime.KeepAlive(outputs)
	runtime.KeepAlive(targetOps)

	if err := st.err(); err != nil {
		for _, h := range outputValues {
			if h != 0 {
				a.deleteTensor(h)
			}
		}
		return nil, errors.Wrap(err, "TF_SessionRun")
	}

	results := make([]*Tensor, len(outputValues))
	for i, h := range outputValues {
		if h == 0 {
			for _, t := range results[:i] {
				a.deleteTensor(t.handle)
				t.handle = 0
				runtime.SetFinalizer(t, nil)
			}
			return nil, errors.Errorf("TF_SessionRun produced no tensor for %q", fetches[i])
		}
		results[i] = newTensorFromC(a, h)
	}
	return results, nil
}

// Close closes the session. The graph and session memory stay allocated
// until Release.
func (m *SavedModel) Close() error {
	callMu.RLock()
	defer callMu.RUnlock()
	a, err := loadAPI()
	if err != nil {
		return err
	}
	if m.session == 0 || m.closed {
		return nil
	}
	m.closed = true
	st := newStatus(a)
	defer st.delete()
	a.closeSession(m.session, st.handle)
	return errors.Wrap(st.err(), "TF_CloseSession")
}

// Release closes the session if needed and frees the session and graph. It
// is safe to call more than once.
func (m *SavedModel) Release() error {
	if m == nil {
		return nil
	}

	callMu.Lock()
	defer callMu.Unlock()

	mu.Lock()
	a := api
	session, graph, closed := m.session, m.graph, m.closed
	m.session, m.graph, m.closed = 0, 0, true
	runtime.SetFinalizer(m, nil)
	mu.Unlock()

	if session == 0 && graph == 0 {
		return nil
	}
	if a == nil {
		return errors.New("TensorFlow environment destroyed before model release")
	}

	st := newStatus(a)
	defer st.delete()
	var closeErr error
	if !closed && session != 0 {
		a.closeSession(session, st.handle)
		closeErr = st.err()
	}
	if session != 0 {
		a.deleteSession(session, st.handle)
	}
	if graph != 0 {
		a.deleteGraph(graph)
	}
	if closeErr != nil {
		return errors.Wrap(closeErr, "TF_CloseSession")
	}
	return errors.Wrap(st.err(), "TF_DeleteSession")
}

func (m *SavedModel) operation(a *capi, name string) (uintptr, error) {
	nameBytes, namePtr := GoToCstring(name)
	oper := a.graphOperationByName(m.graph, namePtr)
	runtime.KeepAlive(nameBytes)
	if oper == 0 {
		return 0, errors.Errorf("operation %q not found in graph", name)
	}
	return oper, nil
}

func (m *SavedModel) output(a *capi, name string) (tfOutput, error) {
	op, index := parseOutputName(name)
	oper, err := m.operation(a, op)
	if err != nil {
		return tfOutput{}, err
	}
	return tfOutput{oper: oper, index: int32(index)}, nil
}

// parseOutputName splits "op:1" into ("op", 1). A name without a numeric
// suffix refers to output 0.
func parseOutputName(name string) (string, int) {
	i := strings.LastIndexByte(name, ':')
	if i < 0 {
		return name, 0
	}
	index, err := strconv.Atoi(name[i+1:])
	if err != nil || index < 0 {
		return name, 0
	}
	return name[:i], index
}

func sliceAddr[T any](s []T) *T {
	if len(s) == 0 {
		return nil
	}
	return unsafe.SliceData(s)
}
