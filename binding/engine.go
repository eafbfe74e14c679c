package binding

// Engine is the native inference capability the binding drives. Package tf
// provides the libtensorflow implementation.
type Engine interface {
	// NewTensor allocates a zeroed tensor. String tensors hold empty strings.
	NewTensor(t ElementType, shape Shape) (NativeTensor, error)
	// NewStringTensor allocates a String tensor holding values in row-major order.
	NewStringTensor(shape Shape, values []string) (NativeTensor, error)
	// LoadSession loads the SavedModel in dir using the given tag set.
	LoadSession(dir string, tags []string) (Session, error)
}

// NativeTensor is engine-owned tensor storage.
type NativeTensor interface {
	Type() ElementType
	Shape() Shape
	// Bytes returns the live backing memory. It is nil for String tensors.
	Bytes() []byte
	Strings() ([]string, error)
	Release() error
}

// Feed pairs a graph tensor name with the tensor bound to it.
type Feed struct {
	Name   string
	Tensor NativeTensor
}

// Session is a loaded graph with its execution session.
type Session interface {
	// Run feeds, evaluates fetches and executes targets. On success it must
	// return one tensor per fetch; the caller owns them.
	Run(feeds []Feed, fetches []string, targets []string) ([]NativeTensor, error)
	Metadata() Metadata
	// Close stops the execution session. Release frees the session and graph
	// and is only called after Close.
	Close() error
	Release() error
}

// Metadata is what the binding needs from the loaded MetaGraphDef.
type Metadata struct {
	Saver      *SaverDef
	Signatures map[string]Signature
}

// SaverDef names the graph nodes used to write checkpoints.
type SaverDef struct {
	FilenameTensorName string
	SaveTensorName     string
	RestoreOpName      string
}

// Signature maps logical input and output keys to graph tensor names.
type Signature struct {
	MethodName string
	Inputs     map[string]string
	Outputs    map[string]string
}
