package binding

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
)

// DefaultMessageCapacity is the size of the message buffer used when no
// capacity is configured. Messages keep at most capacity-1 bytes.
const DefaultMessageCapacity = 512

// Bridge turns failures into *Error values with bounded messages and emits
// one diagnostic event per failure to its sink.
type Bridge struct {
	logger   *zap.Logger
	capacity int
}

// NewBridge returns a bridge that logs to logger. A nil logger discards
// events; a non-positive capacity selects DefaultMessageCapacity.
func NewBridge(logger *zap.Logger, capacity int) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	if capacity <= 0 {
		capacity = DefaultMessageCapacity
	}
	return &Bridge{logger: logger, capacity: capacity}
}

// Capacity returns the message buffer size.
func (b *Bridge) Capacity() int {
	return b.capacity
}

// Raise formats the message, records the failure and returns it. If the
// message cannot be formatted the error is still returned with an empty
// message.
func (b *Bridge) Raise(kind Kind, phase Phase, cause error, format string, args ...any) *Error {
	err := &Error{
		Kind:    kind,
		Phase:   phase,
		Cause:   cause,
		Message: formatBounded(b.capacity, format, args...),
	}
	b.emit(err)
	return err
}

// Report records an error built elsewhere and returns it unchanged. The
// message is re-truncated to the bridge capacity.
func (b *Bridge) Report(err *Error) *Error {
	if err == nil {
		return nil
	}
	err.Message = truncateUTF8(err.Message, b.capacity-1)
	b.emit(err)
	return err
}

func (b *Bridge) emit(err *Error) {
	b.logger.Warn("binding operation failed",
		zap.String("kind", string(err.Kind)),
		zap.String("phase", string(err.Phase)),
		zap.String("message", err.Message),
		zap.Error(err.Cause),
	)
}

func formatBounded(capacity int, format string, args ...any) string {
	msg := fmt.Sprintf(format, args...)
	if formatFailed(format, msg, args) {
		return ""
	}
	return truncateUTF8(msg, capacity-1)
}

// formatFailed reports whether fmt inserted an error marker such as
// %!d(MISSING) or %!v(PANIC=...). Markers carried in by an argument's own
// text or an escaped %%! in the template are content. An argument whose
// formatting panics contributes no expected markers.
func formatFailed(format, msg string, args []any) bool {
	found := strings.Count(msg, "%!")
	if found == 0 {
		return false
	}
	expected := strings.Count(format, "%%!")
	for _, arg := range args {
		text := fmt.Sprint(arg)
		if strings.Contains(text, "(PANIC=") {
			continue
		}
		expected += strings.Count(text, "%!")
	}
	return found > expected
}

func truncateUTF8(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
