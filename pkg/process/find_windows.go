//go:build windows

package process

import (
	"syscall"
	"unsafe"
)

// Windows API constants
const (
	processQueryInformation = 0x0400
	stillActive             = 259
)

// Windows API functions
var (
	kernel32           = syscall.NewLazyDLL("kernel32.dll")
	openProcess        = kernel32.NewProc("OpenProcess")
	getExitCodeProcess = kernel32.NewProc("GetExitCodeProcess")
	closeHandle        = kernel32.NewProc("CloseHandle")
)

// FindProcess finds a process by its ID and checks if it's running.
func FindProcess(pid int) (bool, error) {
	handle, _, _ := openProcess.Call(
		uintptr(processQueryInformation),
		uintptr(0),
		uintptr(pid),
	)
	if handle == 0 {
		// Process doesn't exist or cannot be opened
		return false, nil
	}
	defer closeHandle.Call(handle) //nolint:errcheck

	var exitCode uint32
	ret, _, _ := getExitCodeProcess.Call(handle, uintptr(unsafe.Pointer(&exitCode)))
	if ret == 0 {
		return false, nil
	}

	return exitCode == stillActive, nil
}
