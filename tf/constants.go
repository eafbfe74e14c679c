package tf

import "fmt"

// MinimumVersion is the oldest libtensorflow release with the TF_TString
// string tensor layout this package writes.
const MinimumVersion = "2.4.0"

// tstringSize is sizeof(TF_TString).
const tstringSize = 24

// DataType mirrors TF_DataType.
type DataType int32

const (
	Float      DataType = 1
	Double     DataType = 2
	Int32      DataType = 3
	Uint8      DataType = 4
	Int16      DataType = 5
	Int8       DataType = 6
	String     DataType = 7
	Complex64  DataType = 8
	Int64      DataType = 9
	Bool       DataType = 10
	Qint8      DataType = 11
	Quint8     DataType = 12
	Qint32     DataType = 13
	Bfloat16   DataType = 14
	Qint16     DataType = 15
	Quint16    DataType = 16
	Uint16     DataType = 17
	Complex128 DataType = 18
	Half       DataType = 19
	Resource   DataType = 20
	Variant    DataType = 21
	Uint32     DataType = 22
	Uint64     DataType = 23
)

var dataTypeNames = map[DataType]string{
	Float:      "float",
	Double:     "double",
	Int32:      "int32",
	Uint8:      "uint8",
	Int16:      "int16",
	Int8:       "int8",
	String:     "string",
	Complex64:  "complex64",
	Int64:      "int64",
	Bool:       "bool",
	Qint8:      "qint8",
	Quint8:     "quint8",
	Qint32:     "qint32",
	Bfloat16:   "bfloat16",
	Qint16:     "qint16",
	Quint16:    "quint16",
	Uint16:     "uint16",
	Complex128: "complex128",
	Half:       "half",
	Resource:   "resource",
	Variant:    "variant",
	Uint32:     "uint32",
	Uint64:     "uint64",
}

func (d DataType) String() string {
	if name, ok := dataTypeNames[d]; ok {
		return name
	}
	return fmt.Sprintf("DataType(%d)", int32(d))
}

// byteWidth returns the fixed element width for types this package can
// allocate, or 0.
func (d DataType) byteWidth() int {
	switch d {
	case Float, Int32:
		return 4
	case Uint8, Int8, Bool:
		return 1
	case Int64, Double:
		return 8
	case Int16, Uint16, Half, Bfloat16:
		return 2
	default:
		return 0
	}
}

// Code mirrors TF_Code.
type Code int32

const (
	CodeOK                 Code = 0
	CodeCancelled          Code = 1
	CodeUnknown            Code = 2
	CodeInvalidArgument    Code = 3
	CodeDeadlineExceeded   Code = 4
	CodeNotFound           Code = 5
	CodeAlreadyExists      Code = 6
	CodePermissionDenied   Code = 7
	CodeResourceExhausted  Code = 8
	CodeFailedPrecondition Code = 9
	CodeAborted            Code = 10
	CodeOutOfRange         Code = 11
	CodeUnimplemented      Code = 12
	CodeInternal           Code = 13
	CodeUnavailable        Code = 14
	CodeDataLoss           Code = 15
	CodeUnauthenticated    Code = 16
)

var codeNames = [...]string{
	"OK",
	"CANCELLED",
	"UNKNOWN",
	"INVALID_ARGUMENT",
	"DEADLINE_EXCEEDED",
	"NOT_FOUND",
	"ALREADY_EXISTS",
	"PERMISSION_DENIED",
	"RESOURCE_EXHAUSTED",
	"FAILED_PRECONDITION",
	"ABORTED",
	"OUT_OF_RANGE",
	"UNIMPLEMENTED",
	"INTERNAL",
	"UNAVAILABLE",
	"DATA_LOSS",
	"UNAUTHENTICATED",
}

func (c Code) String() string {
	if c >= 0 && int(c) < len(codeNames) {
		return codeNames[c]
	}
	return fmt.Sprintf("Code(%d)", int32(c))
}
