package backend

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"

	"github.com/recoverytools/rflash/pkg/errors"
	"github.com/recoverytools/rflash/pkg/security"
)

// Volume writes the payload as one file into a mounted, writable directory.
type Volume struct {
	fs        afero.Fs
	dir       string
	filename  string
	validator *security.Validator

	mu     sync.Mutex
	opened bool
}

var _ FileWriter = (*Volume)(nil)

// NewVolume creates a volume backend rooted at dir on fs.
func NewVolume(fs afero.Fs, dir string, platform Platform, opts ...Option) (*Volume, error) {
	if dir == "" {
		return nil, errors.New(errors.KindNoDeviceSelected, "backend_new", "No device selected")
	}
	if !platform.FileSystemAccess {
		slog.Error("volume_backend_unsupported", "dir", dir, "platform", platform.OS)
		return nil, unsupported(KindVolume, platform)
	}

	o := buildOptions(opts)
	if !o.consent {
		return nil, errors.New(errors.KindNoDeviceSelected, "backend_new",
			"Mass storage device usage not consented")
	}
	if o.filename != "" {
		if err := o.validator.ValidateFilename(o.filename); err != nil {
			return nil, errors.Wrap(err, "invalid volume filename")
		}
	}

	slog.Info("volume_backend_init", "dir", dir, "platform", platform.OS, "filename", o.filename)
	return &Volume{
		fs:        fs,
		dir:       dir,
		filename:  o.filename,
		validator: o.validator,
	}, nil
}

func (v *Volume) Kind() Kind       { return KindVolume }
func (v *Volume) Target() string   { return v.dir }
func (v *Volume) Filename() string { return v.filename }

// SetFilename changes the target file name before the next write.
func (v *Volume) SetFilename(name string) error {
	if err := v.validator.ValidateFilename(name); err != nil {
		return errors.Wrap(err, "invalid volume filename")
	}
	v.mu.Lock()
	v.filename = name
	v.mu.Unlock()
	return nil
}

// Open checks that the volume directory exists and accepts writes.
func (v *Volume) Open(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.opened {
		return fmt.Errorf("volume %s already open", v.dir)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	fi, err := v.fs.Stat(v.dir)
	if err != nil {
		slog.Error("volume_stat_failed", "dir", v.dir, "error", err)
		return errors.Classify(errors.KindWriteFailed, "backend_open", "Volume is not accessible", err)
	}
	if !fi.IsDir() {
		return errors.New(errors.KindWriteFailed, "backend_open", fmt.Sprintf("%s is not a directory", v.dir))
	}

	probe, err := afero.TempFile(v.fs, v.dir, ".rflash-probe-*")
	if err != nil {
		slog.Error("volume_not_writable", "dir", v.dir, "error", err)
		return errors.Classify(errors.KindWriteFailed, "backend_open", "Volume is not writable", err)
	}
	probe.Close()
	if err := v.fs.Remove(probe.Name()); err != nil {
		slog.Warn("volume_probe_cleanup_failed", "path", probe.Name(), "error", err)
	}

	v.opened = true
	slog.Info("volume_opened", "dir", v.dir)
	return nil
}

// WriteFile writes p as name inside the volume, replacing any existing file.
func (v *Volume) WriteFile(ctx context.Context, name string, p []byte) error {
	v.mu.Lock()
	opened := v.opened
	if name == "" {
		name = v.filename
	}
	v.mu.Unlock()

	if !opened {
		return errors.New(errors.KindDeviceNotConnected, "write_file", "No device connected")
	}
	if err := v.validator.ValidateFilename(name); err != nil {
		return errors.Classify(errors.KindWriteFailed, "write_file", "Invalid target filename", err)
	}
	if err := ctx.Err(); err != nil {
		return errors.Classify(errors.KindWriteFailed, "write_file", "File write cancelled", err)
	}

	path := filepath.Join(v.dir, name)
	slog.Info("volume_write_start", "path", path, "size_mb", len(p)/1024/1024)

	f, err := v.fs.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return errors.Classify(errors.KindWriteFailed, "write_file", "Failed to create file on volume", err)
	}

	n, err := f.Write(p)
	if err == nil && n != len(p) {
		err = fmt.Errorf("short write %d of %d bytes", n, len(p))
	}
	if err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		slog.Error("volume_write_failed", "path", path, "error", err)
		return errors.Classify(errors.KindWriteFailed, "write_file", "Failed to write file on volume", err)
	}

	slog.Info("volume_write_complete", "path", path)
	return nil
}

// Close releases the volume. Closing a closed volume is a no-op.
func (v *Volume) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.opened {
		slog.Info("volume_closed", "dir", v.dir)
	}
	v.opened = false
	return nil
}

// IsOpen reports whether the volume is currently claimed.
func (v *Volume) IsOpen() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.opened
}
