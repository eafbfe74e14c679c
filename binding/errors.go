package binding

import (
	"strings"
)

// Kind categorizes a binding failure.
type Kind string

const (
	KindInvalidArgument Kind = "invalid_argument"
	KindInvalidHandle   Kind = "invalid_handle"
	KindUnsupportedType Kind = "unsupported_type"
	KindModelLoad       Kind = "model_load"
	KindExecution       Kind = "execution"
	KindExport          Kind = "export"
)

// Phase indicates which operation was in progress when the failure occurred.
type Phase string

const (
	PhaseHandle       Phase = "handle"
	PhaseTensor       Phase = "tensor"
	PhaseBuffer       Phase = "buffer"
	PhaseLoad         Phase = "load"
	PhaseRun          Phase = "run"
	PhaseTrainingStep Phase = "training step"
	PhaseOutputStep   Phase = "output step"
	PhaseExport       Phase = "export"
	PhaseUnload       Phase = "unload"
)

// Error is the structured error returned by every binding operation.
type Error struct {
	Cause   error
	Kind    Kind
	Phase   Phase
	Message string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error. Empty fields on the target
// act as wildcards, so ErrExecution matches every execution failure while
// ErrTrainingStep only matches the training phase.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != "" && t.Kind != e.Kind {
		return false
	}
	if t.Phase != "" && t.Phase != e.Phase {
		return false
	}
	return true
}

// Targets for errors.Is.
var (
	ErrInvalidArgument = &Error{Kind: KindInvalidArgument}
	ErrInvalidHandle   = &Error{Kind: KindInvalidHandle}
	ErrUnsupportedType = &Error{Kind: KindUnsupportedType}
	ErrModelLoad       = &Error{Kind: KindModelLoad}
	ErrExecution       = &Error{Kind: KindExecution}
	ErrExport          = &Error{Kind: KindExport}

	ErrTrainingStep = &Error{Kind: KindExecution, Phase: PhaseTrainingStep}
	ErrOutputStep   = &Error{Kind: KindExecution, Phase: PhaseOutputStep}
)

// newError builds an error outside of a Runtime, using the default message
// capacity. Runtime methods pass such errors through their bridge so they
// still reach the diagnostic sink.
func newError(kind Kind, phase Phase, format string, args ...any) *Error {
	return &Error{
		Kind:    kind,
		Phase:   phase,
		Message: formatBounded(DefaultMessageCapacity, format, args...),
	}
}
