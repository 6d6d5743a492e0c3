//go:build windows

package pidfile

import (
	"fmt"
	"os"
	"syscall"
	"unsafe"
)

var (
	kernel32         = syscall.NewLazyDLL("kernel32.dll")
	procLockFileEx   = kernel32.NewProc("LockFileEx")
	procUnlockFileEx = kernel32.NewProc("UnlockFileEx")
)

const lockfileExclusiveLock = 0x00000002

// lockFile locks the first byte of the file with LockFileEx
func lockFile(file *os.File) error {
	var ol syscall.Overlapped
	r1, _, err := procLockFileEx.Call(uintptr(file.Fd()), lockfileExclusiveLock, 0, 1, 0, uintptr(unsafe.Pointer(&ol)))
	if r1 == 0 {
		return fmt.Errorf("failed to lock tracking file: %w", err)
	}
	return nil
}

func unlockFile(file *os.File) error {
	var ol syscall.Overlapped
	r1, _, err := procUnlockFileEx.Call(uintptr(file.Fd()), 0, 1, 0, uintptr(unsafe.Pointer(&ol)))
	if r1 == 0 {
		return err
	}
	return nil
}
