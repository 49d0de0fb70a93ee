//go:build linux

package backend

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// openDevice opens path for synchronous writes. On a block device O_EXCL
// claims it exclusively and fails if it is mounted or otherwise in use.
func openDevice(path string) (Device, int64, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_SYNC|unix.O_EXCL, 0)
	if err != nil {
		return nil, -1, err
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, -1, err
	}

	if fi.Mode()&os.ModeDevice == 0 {
		// regular image files grow as needed
		return f, -1, nil
	}

	size, err := blockSize(f)
	if err != nil {
		return f, -1, nil
	}
	return f, int64(size), nil
}

// blockSize reads the device size with BLKGETSIZE64.
func blockSize(f *os.File) (uint64, error) {
	var size uint64
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), unix.BLKGETSIZE64, uintptr(unsafe.Pointer(&size)))
	if errno != 0 {
		return 0, errno
	}
	return size, nil
}
