// Package release frees groups of native-backed resources.
package release

import (
	"reflect"

	"go.uber.org/multierr"
)

// Releaser is implemented by resources that own native memory.
type Releaser interface {
	Release() error
}

// Func adapts a cleanup function to Releaser.
type Func func() error

// Release calls f.
func (f Func) Release() error {
	if f == nil {
		return nil
	}
	return f()
}

// All releases each resource in order and combines every failure.
// Nil and typed-nil values are skipped.
func All(resources ...Releaser) error {
	var err error
	for _, resource := range resources {
		if isNil(resource) {
			continue
		}
		err = multierr.Append(err, resource.Release())
	}
	return err
}

func isNil(resource Releaser) bool {
	if resource == nil {
		return true
	}
	value := reflect.ValueOf(resource)
	switch value.Kind() {
	case reflect.Chan, reflect.Func, reflect.Interface, reflect.Map, reflect.Pointer, reflect.Slice:
		return value.IsNil()
	default:
		return false
	}
}
