//go:build !race

package tf

import (
	"sync"
	"testing"
	"unsafe"
)

// fakeLib stands in for libtensorflow. Native memory is Go memory kept
// reachable by the fake, so these tests are excluded from -race builds where
// checkptr rejects uintptr round trips into the Go heap.
type fakeLib struct {
	mu   sync.Mutex
	next uintptr

	tensors  map[uintptr]*fakeTensor
	statuses map[uintptr]*fakeStatus
	tstrings map[uintptr][]byte
	buffers  map[uintptr]*tfBuffer
	pinned   [][]byte

	ops  map[string]uintptr
	meta []byte

	loadCode    Code
	loadedDir   string
	loadedTags  []string
	lastTargets []uintptr
	lastFetches []tfOutput

	deletedTensors  int
	deallocs        int
	closedSessions  int
	deletedSessions int
	deletedGraphs   int

	runFn func(f *fakeLib, inputs []uintptr, fetches []tfOutput) ([]uintptr, Code, string)
}

type fakeTensor struct {
	dtype DataType
	dims  []int64
	mem   []byte
}

type fakeStatus struct {
	code Code
	msg  []byte
}

func newFakeLib() *fakeLib {
	return &fakeLib{
		next:     1,
		tensors:  map[uintptr]*fakeTensor{},
		statuses: map[uintptr]*fakeStatus{},
		tstrings: map[uintptr][]byte{},
		buffers:  map[uintptr]*tfBuffer{},
		ops:      map[string]uintptr{},
	}
}

// install registers f as the loaded library for the duration of the test.
func (f *fakeLib) install(t *testing.T) {
	t.Helper()
	resetEnvironmentState()
	mu.Lock()
	api = f.capi()
	refCount = 1
	version = "2.15.0"
	mu.Unlock()
	t.Cleanup(resetEnvironmentState)
}

func (f *fakeLib) id() uintptr {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := f.next
	f.next++
	return h
}

func (f *fakeLib) pin(b []byte) uintptr {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pinned = append(f.pinned, b)
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

// newTensor allocates a tensor whose memory starts as 0xAA bytes.
func (f *fakeLib) newTensor(dtype DataType, dims []int64, length uintptr) uintptr {
	mem := make([]byte, length)
	for i := range mem {
		mem[i] = 0xAA
	}
	h := f.id()
	f.mu.Lock()
	f.tensors[h] = &fakeTensor{dtype: dtype, dims: append([]int64{}, dims...), mem: mem}
	f.mu.Unlock()
	return h
}

func (f *fakeLib) newFloatTensor(dims []int64, values []float32) uintptr {
	h := f.newTensor(Float, dims, uintptr(len(values)*4))
	copy(f.floats(h), values)
	return h
}

func (f *fakeLib) floats(h uintptr) []float32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	ft := f.tensors[h]
	if ft == nil || len(ft.mem) == 0 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&ft.mem[0])), len(ft.mem)/4)
}

func (f *fakeLib) liveTensors() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tensors)
}

func (f *fakeLib) setStatus(st uintptr, code Code, msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.statuses[st]
	if s == nil {
		return
	}
	s.code = code
	s.msg = append([]byte(msg), 0)
}

func (f *fakeLib) capi() *capi {
	return &capi{
		version: func() uintptr {
			b := append([]byte("2.15.0"), 0)
			return f.pin(b)
		},
		newStatus: func() uintptr {
			h := f.id()
			f.mu.Lock()
			f.statuses[h] = &fakeStatus{}
			f.mu.Unlock()
			return h
		},
		deleteStatus: func(st uintptr) {
			f.mu.Lock()
			delete(f.statuses, st)
			f.mu.Unlock()
		},
		getCode: func(st uintptr) int32 {
			f.mu.Lock()
			defer f.mu.Unlock()
			if s := f.statuses[st]; s != nil {
				return int32(s.code)
			}
			return 0
		},
		message: func(st uintptr) uintptr {
			f.mu.Lock()
			defer f.mu.Unlock()
			s := f.statuses[st]
			if s == nil || len(s.msg) == 0 {
				return 0
			}
			return uintptr(unsafe.Pointer(&s.msg[0]))
		},
		allocateTensor: func(dtype int32, dims *int64, numDims int32, length uintptr) uintptr {
			return f.newTensor(DataType(dtype), unsafe.Slice(dims, numDims), length)
		},
		deleteTensor: func(h uintptr) {
			f.mu.Lock()
			delete(f.tensors, h)
			f.deletedTensors++
			f.mu.Unlock()
		},
		tensorData: func(h uintptr) uintptr {
			f.mu.Lock()
			defer f.mu.Unlock()
			ft := f.tensors[h]
			if ft == nil || len(ft.mem) == 0 {
				return 0
			}
			return uintptr(unsafe.Pointer(&ft.mem[0]))
		},
		tensorByteSize: func(h uintptr) uintptr {
			f.mu.Lock()
			defer f.mu.Unlock()
			return uintptr(len(f.tensors[h].mem))
		},
		tensorType: func(h uintptr) int32 {
			f.mu.Lock()
			defer f.mu.Unlock()
			return int32(f.tensors[h].dtype)
		},
		numDims: func(h uintptr) int32 {
			f.mu.Lock()
			defer f.mu.Unlock()
			return int32(len(f.tensors[h].dims))
		},
		dim: func(h uintptr, i int32) int64 {
			f.mu.Lock()
			defer f.mu.Unlock()
			return f.tensors[h].dims[i]
		},
		stringInit: func(ts uintptr) {
			f.mu.Lock()
			f.tstrings[ts] = nil
			f.mu.Unlock()
		},
		stringCopy: func(dst, src, size uintptr) {
			b := make([]byte, size)
			copy(b, unsafe.Slice((*byte)(unsafe.Pointer(src)), size))
			f.mu.Lock()
			f.tstrings[dst] = b
			f.mu.Unlock()
		},
		stringGetDataPointer: func(ts uintptr) uintptr {
			f.mu.Lock()
			defer f.mu.Unlock()
			b := f.tstrings[ts]
			if len(b) == 0 {
				return 0
			}
			return uintptr(unsafe.Pointer(&b[0]))
		},
		stringGetSize: func(ts uintptr) uintptr {
			f.mu.Lock()
			defer f.mu.Unlock()
			return uintptr(len(f.tstrings[ts]))
		},
		stringDealloc: func(ts uintptr) {
			f.mu.Lock()
			delete(f.tstrings, ts)
			f.deallocs++
			f.mu.Unlock()
		},
		newGraph: f.id,
		deleteGraph: func(uintptr) {
			f.mu.Lock()
			f.deletedGraphs++
			f.mu.Unlock()
		},
		graphOperationByName: func(graph, name uintptr) uintptr {
			n := CstringToGo(name)
			f.mu.Lock()
			defer f.mu.Unlock()
			return f.ops[n]
		},
		newSessionOptions:    f.id,
		deleteSessionOptions: func(uintptr) {},
		newBuffer: func() uintptr {
			b := &tfBuffer{}
			p := uintptr(unsafe.Pointer(b))
			f.mu.Lock()
			f.buffers[p] = b
			f.mu.Unlock()
			return p
		},
		deleteBuffer: func(p uintptr) {
			f.mu.Lock()
			delete(f.buffers, p)
			f.mu.Unlock()
		},
		loadSessionFromSavedModel: func(opts, runOpts, exportDir uintptr, tags *uintptr, ntags int32, graph, metaGraphDef, st uintptr) uintptr {
			dir := CstringToGo(exportDir)
			var tagNames []string
			for _, p := range unsafe.Slice(tags, ntags) {
				tagNames = append(tagNames, CstringToGo(p))
			}
			f.mu.Lock()
			f.loadedDir, f.loadedTags = dir, tagNames
			code := f.loadCode
			meta := f.meta
			buf := f.buffers[metaGraphDef]
			f.mu.Unlock()

			if code != CodeOK {
				f.setStatus(st, code, "SavedModel not found")
				return 0
			}
			if buf != nil && len(meta) > 0 {
				buf.data = f.pin(meta)
				buf.length = uintptr(len(meta))
			}
			return f.id()
		},
		sessionRun: func(session, runOpts uintptr, inputs *tfOutput, inputValues *uintptr, ninputs int32, outputs *tfOutput, outputValues *uintptr, noutputs int32, targets *uintptr, ntargets int32, runMetadata, st uintptr) {
			ins := append([]uintptr{}, unsafe.Slice(inputValues, ninputs)...)
			fetches := append([]tfOutput{}, unsafe.Slice(outputs, noutputs)...)
			f.mu.Lock()
			f.lastTargets = append([]uintptr{}, unsafe.Slice(targets, ntargets)...)
			f.lastFetches = fetches
			runFn := f.runFn
			f.mu.Unlock()

			if runFn == nil {
				return
			}
			results, code, msg := runFn(f, ins, fetches)
			copy(unsafe.Slice(outputValues, noutputs), results)
			if code != CodeOK {
				f.setStatus(st, code, msg)
			}
		},
		closeSession: func(session, st uintptr) {
			f.mu.Lock()
			f.closedSessions++
			f.mu.Unlock()
		},
		deleteSession: func(session, st uintptr) {
			f.mu.Lock()
			f.deletedSessions++
			f.mu.Unlock()
		},
	}
}

// doubleRun returns one float tensor per fetch holding twice the first input.
func doubleRun(f *fakeLib, inputs []uintptr, fetches []tfOutput) ([]uintptr, Code, string) {
	in := f.floats(inputs[0])
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = v * 2
	}
	f.mu.Lock()
	dims := append([]int64{}, f.tensors[inputs[0]].dims...)
	f.mu.Unlock()

	results := make([]uintptr, len(fetches))
	for i := range fetches {
		results[i] = f.newFloatTensor(dims, out)
	}
	return results, CodeOK, ""
}
