package backend

import (
	"fmt"
	"runtime"

	"github.com/recoverytools/rflash/pkg/errors"
)

// Platform describes what the host can do for each transport.
type Platform struct {
	OS string
	// ChunkedTransfer means raw block devices can be written chunk by chunk.
	ChunkedTransfer bool
	// Constrained selects the smaller chunk profile.
	Constrained bool
	// FileSystemAccess means files can be written into mounted volumes.
	FileSystemAccess bool
}

// Detect returns the capabilities of the running platform.
func Detect() Platform {
	return ForOS(runtime.GOOS)
}

// ForOS returns the capabilities known for goos.
func ForOS(goos string) Platform {
	switch goos {
	case "linux":
		return Platform{OS: goos, ChunkedTransfer: true, FileSystemAccess: true}
	case "darwin", "freebsd":
		// raw disk nodes accept writes but stall on large buffers
		return Platform{OS: goos, ChunkedTransfer: true, Constrained: true, FileSystemAccess: true}
	case "windows":
		// raw \\.\PhysicalDrive writes need volume locking we do not do
		return Platform{OS: goos, FileSystemAccess: true}
	default:
		return Platform{OS: goos}
	}
}

// Profile returns the chunk profile for the platform.
func (p Platform) Profile() Profile {
	if p.Constrained {
		return ConstrainedProfile
	}
	return DefaultProfile
}

// Supports reports whether kind can be constructed on this platform.
func (p Platform) Supports(kind Kind) bool {
	switch kind {
	case KindBlock:
		return p.ChunkedTransfer
	case KindVolume:
		return p.FileSystemAccess
	}
	return false
}

func unsupported(kind Kind, p Platform) error {
	return errors.New(errors.KindUnsupportedPlatform, "backend_new",
		fmt.Sprintf("%s devices are unsupported on this platform (%s)", kind, p.OS))
}
