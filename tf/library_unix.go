//go:build !windows

package tf

import (
	"github.com/ebitengine/purego"
	"github.com/pkg/errors"
)

// libraryFlags resolves every symbol at load time.
const libraryFlags = purego.RTLD_NOW | purego.RTLD_GLOBAL

func loadLibrary(path string) (uintptr, error) {
	handle, err := purego.Dlopen(path, libraryFlags)
	if err != nil {
		return 0, errors.Wrap(err, "dlopen")
	}
	if handle == 0 {
		return 0, errors.New("dlopen returned a null handle")
	}
	return handle, nil
}

func getSymbol(handle uintptr, symbol string) (uintptr, error) {
	return purego.Dlsym(handle, symbol)
}

func closeLibrary(handle uintptr) error {
	if handle == 0 {
		return nil
	}
	return errors.Wrap(purego.Dlclose(handle), "dlclose")
}
