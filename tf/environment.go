package tf

import (
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/ebitengine/purego"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// tfOutput mirrors TF_Output.
type tfOutput struct {
	oper  uintptr
	index int32
	_     [4]byte
}

// tfBuffer mirrors TF_Buffer.
type tfBuffer struct {
	data    uintptr
	length  uintptr
	dealloc uintptr
}

// capi holds the libtensorflow entry points used by this package.
type capi struct {
	version func() uintptr

	newStatus    func() uintptr
	deleteStatus func(status uintptr)
	getCode      func(status uintptr) int32
	message      func(status uintptr) uintptr

	allocateTensor func(dtype int32, dims *int64, numDims int32, length uintptr) uintptr
	deleteTensor   func(tensor uintptr)
	tensorData     func(tensor uintptr) uintptr
	tensorByteSize func(tensor uintptr) uintptr
	tensorType     func(tensor uintptr) int32
	numDims        func(tensor uintptr) int32
	dim            func(tensor uintptr, index int32) int64

	stringInit           func(tstr uintptr)
	stringCopy           func(dst uintptr, src uintptr, size uintptr)
	stringGetDataPointer func(tstr uintptr) uintptr
	stringGetSize        func(tstr uintptr) uintptr
	stringDealloc        func(tstr uintptr)

	newGraph             func() uintptr
	deleteGraph          func(graph uintptr)
	graphOperationByName func(graph uintptr, name uintptr) uintptr

	newSessionOptions    func() uintptr
	deleteSessionOptions func(opts uintptr)
	newBuffer            func() uintptr
	deleteBuffer         func(buf uintptr)

	loadSessionFromSavedModel func(opts uintptr, runOpts uintptr, exportDir uintptr, tags *uintptr, ntags int32, graph uintptr, metaGraphDef uintptr, status uintptr) uintptr
	sessionRun                func(session uintptr, runOpts uintptr, inputs *tfOutput, inputValues *uintptr, ninputs int32, outputs *tfOutput, outputValues *uintptr, noutputs int32, targets *uintptr, ntargets int32, runMetadata uintptr, status uintptr)
	closeSession              func(session uintptr, status uintptr)
	deleteSession             func(session uintptr, status uintptr)
}

var (
	mu       sync.Mutex
	refCount int
	tfLib    uintptr
	api      *capi
	libPath  string
	version  string

	// callMu is held for reading across native calls and for writing while
	// native memory is freed or the library is unloaded. Lock order is
	// callMu -> mu.
	callMu sync.RWMutex
)

var errNotInitialized = errors.New("TensorFlow not initialized")

// SetSharedLibraryPath sets the path to libtensorflow. It cannot be changed
// while the environment is initialized.
func SetSharedLibraryPath(path string) error {
	mu.Lock()
	defer mu.Unlock()
	if refCount > 0 {
		return errors.New("cannot change library path after initialization")
	}
	libPath = path
	return nil
}

// InitializeEnvironment loads libtensorflow and registers its entry points.
// Calls are reference counted; each must be paired with DestroyEnvironment.
func InitializeEnvironment() error {
	mu.Lock()
	defer mu.Unlock()

	if refCount > 0 {
		refCount++
		return nil
	}
	if libPath == "" {
		return errors.New("library path not set, call SetSharedLibraryPath first")
	}

	handle, err := loadLibrary(libPath)
	if err != nil {
		return errors.Wrapf(err, "failed to load TensorFlow library from %s", libPath)
	}
	loaded, err := registerAPI(handle)
	if err != nil {
		_ = closeLibrary(handle)
		return errors.Wrap(err, "failed to register TensorFlow C API")
	}
	ver := CstringToGo(loaded.version())
	if err := checkVersion(ver); err != nil {
		_ = closeLibrary(handle)
		return err
	}

	tfLib = handle
	api = loaded
	version = ver
	refCount = 1
	Logger().Info("TensorFlow environment initialized", zap.String("version", ver), zap.String("path", libPath))
	return nil
}

// DestroyEnvironment drops one reference and unloads the library when the
// last reference is gone. Tensors and models must be released first.
func DestroyEnvironment() error {
	callMu.Lock()
	defer callMu.Unlock()
	mu.Lock()
	defer mu.Unlock()

	if refCount == 0 {
		return nil
	}
	refCount--
	if refCount > 0 {
		return nil
	}

	err := closeLibrary(tfLib)
	tfLib = 0
	api = nil
	version = ""
	if err != nil {
		return errors.Wrap(err, "failed to unload TensorFlow library")
	}
	Logger().Info("TensorFlow environment destroyed")
	return nil
}

// IsInitialized reports whether the environment holds at least one reference.
func IsInitialized() bool {
	mu.Lock()
	defer mu.Unlock()
	return refCount > 0
}

// GetVersionString returns the loaded library's TF_Version, or "0.0.0-dev"
// when not initialized.
func GetVersionString() string {
	mu.Lock()
	defer mu.Unlock()
	if version == "" {
		return "0.0.0-dev"
	}
	return version
}

// loadAPI returns the registered entry points. Callers hold callMu.
func loadAPI() (*capi, error) {
	mu.Lock()
	defer mu.Unlock()
	if api == nil {
		return nil, errNotInitialized
	}
	return api, nil
}

func checkVersion(raw string) error {
	v, err := semver.NewVersion(raw)
	if err != nil {
		Logger().Warn("could not parse TensorFlow version", zap.String("version", raw), zap.Error(err))
		return nil
	}
	minimum, err := semver.NewConstraint(">= " + MinimumVersion)
	if err != nil {
		return errors.Wrap(err, "invalid minimum version constraint")
	}
	// Release candidates such as 2.16.0-rc0 still satisfy the minimum.
	if v.Prerelease() != "" {
		if stripped, err := v.SetPrerelease(""); err == nil {
			v = &stripped
		}
	}
	if !minimum.Check(v) {
		return errors.Errorf("TensorFlow %s is older than the supported minimum %s", raw, MinimumVersion)
	}
	return nil
}

func registerAPI(lib uintptr) (*capi, error) {
	a := &capi{}
	symbols := []struct {
		fptr any
		name string
	}{
		{&a.version, "TF_Version"},
		{&a.newStatus, "TF_NewStatus"},
		{&a.deleteStatus, "TF_DeleteStatus"},
		{&a.getCode, "TF_GetCode"},
		{&a.message, "TF_Message"},
		{&a.allocateTensor, "TF_AllocateTensor"},
		{&a.deleteTensor, "TF_DeleteTensor"},
		{&a.tensorData, "TF_TensorData"},
		{&a.tensorByteSize, "TF_TensorByteSize"},
		{&a.tensorType, "TF_TensorType"},
		{&a.numDims, "TF_NumDims"},
		{&a.dim, "TF_Dim"},
		{&a.stringInit, "TF_StringInit"},
		{&a.stringCopy, "TF_StringCopy"},
		{&a.stringGetDataPointer, "TF_StringGetDataPointer"},
		{&a.stringGetSize, "TF_StringGetSize"},
		{&a.stringDealloc, "TF_StringDealloc"},
		{&a.newGraph, "TF_NewGraph"},
		{&a.deleteGraph, "TF_DeleteGraph"},
		{&a.graphOperationByName, "TF_GraphOperationByName"},
		{&a.newSessionOptions, "TF_NewSessionOptions"},
		{&a.deleteSessionOptions, "TF_DeleteSessionOptions"},
		{&a.newBuffer, "TF_NewBuffer"},
		{&a.deleteBuffer, "TF_DeleteBuffer"},
		{&a.loadSessionFromSavedModel, "TF_LoadSessionFromSavedModel"},
		{&a.sessionRun, "TF_SessionRun"},
		{&a.closeSession, "TF_CloseSession"},
		{&a.deleteSession, "TF_DeleteSession"},
	}
	for _, s := range symbols {
		sym, err := getSymbol(lib, s.name)
		if err != nil {
			return nil, errors.Wrapf(err, "symbol %s", s.name)
		}
		if sym == 0 {
			return nil, errors.Errorf("symbol %s not found", s.name)
		}
		purego.RegisterFunc(s.fptr, sym)
	}
	return a, nil
}
