package tf

import (
	"fmt"
)

// StatusError is a non-OK TF_Status.
type StatusError struct {
	Code    Code
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// status wraps one TF_Status allocation.
type status struct {
	api    *capi
	handle uintptr
}

func newStatus(a *capi) *status {
	return &status{api: a, handle: a.newStatus()}
}

// err returns nil for TF_OK and a *StatusError otherwise.
func (s *status) err() error {
	if s.handle == 0 {
		return nil
	}
	code := Code(s.api.getCode(s.handle))
	if code == CodeOK {
		return nil
	}
	return &StatusError{Code: code, Message: CstringToGo(s.api.message(s.handle))}
}

func (s *status) delete() {
	if s.handle != 0 {
		s.api.deleteStatus(s.handle)
		s.handle = 0
	}
}
