//go:build windows

package tf

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

func loadLibrary(path string) (uintptr, error) {
	handle, err := windows.LoadLibrary(path)
	if err != nil {
		return 0, errors.Wrap(err, "LoadLibrary")
	}
	if handle == 0 {
		return 0, errors.New("LoadLibrary returned a null handle")
	}
	return uintptr(handle), nil
}

func getSymbol(handle uintptr, symbol string) (uintptr, error) {
	return windows.GetProcAddress(windows.Handle(handle), symbol)
}

func closeLibrary(handle uintptr) error {
	if handle == 0 {
		return nil
	}
	return errors.Wrap(windows.FreeLibrary(windows.Handle(handle)), "FreeLibrary")
}
