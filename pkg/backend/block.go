package backend

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/recoverytools/rflash/pkg/errors"
)

// BlockDevice writes a payload to a raw device in fixed-size chunks. Every
// chunk is bounded by a timeout; exceeding it aborts the write.
type BlockDevice struct {
	path    string
	profile Profile
	timeout time.Duration
	opener  Opener

	mu       sync.Mutex
	dev      Device
	capacity int64
	// stalled is set once a chunk write timed out. Its WriteAt may still be
	// pending, so the device must not be synced.
	stalled bool
}

var _ ChunkWriter = (*BlockDevice)(nil)

// NewBlockDevice creates a block backend for the device at path.
func NewBlockDevice(path string, platform Platform, opts ...Option) (*BlockDevice, error) {
	if path == "" {
		return nil, errors.New(errors.KindNoDeviceSelected, "backend_new", "No device selected")
	}
	if !platform.ChunkedTransfer {
		slog.Error("block_backend_unsupported", "path", path, "platform", platform.OS)
		return nil, unsupported(KindBlock, platform)
	}

	o := buildOptions(opts)
	b := &BlockDevice{
		path:     path,
		profile:  platform.Profile(),
		timeout:  o.timeout,
		opener:   o.opener,
		capacity: -1,
	}

	slog.Info("block_backend_init",
		"path", path,
		"platform", platform.OS,
		"profile", b.profile.Name,
		"chunk_size", b.profile.ChunkSize,
		"timeout", b.timeout)
	return b, nil
}

func (b *BlockDevice) Kind() Kind       { return KindBlock }
func (b *BlockDevice) Target() string   { return b.path }
func (b *BlockDevice) ChunkSize() int   { return b.profile.ChunkSize }
func (b *BlockDevice) Profile() Profile { return b.profile }

// Open claims the device for writing.
func (b *BlockDevice) Open(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.dev != nil {
		return fmt.Errorf("device %s already open", b.path)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	dev, capacity, err := b.opener(b.path)
	if err != nil {
		slog.Error("block_device_open_failed", "path", b.path, "error", err)
		return errors.Classify(errors.KindWriteFailed, "backend_open", "Failed to open device", err)
	}

	b.dev = dev
	b.capacity = capacity
	b.stalled = false
	slog.Info("block_device_opened", "path", b.path, "capacity_mb", capacity/1024/1024)
	return nil
}

type writeResult struct {
	n   int
	err error
}

// WriteChunk writes p at offset, failing with write_timeout if the device
// does not complete within the configured bound.
func (b *BlockDevice) WriteChunk(ctx context.Context, offset int64, p []byte) error {
	b.mu.Lock()
	dev, capacity := b.dev, b.capacity
	b.mu.Unlock()

	if dev == nil {
		return errors.New(errors.KindDeviceNotConnected, "write_chunk", "No device connected")
	}
	if capacity >= 0 && offset+int64(len(p)) > capacity {
		return errors.New(errors.KindWriteFailed, "write_chunk",
			fmt.Sprintf("write of %d bytes at offset %d exceeds device capacity %d", len(p), offset, capacity))
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	done := make(chan writeResult, 1)
	go func() {
		n, err := dev.WriteAt(p, offset)
		done <- writeResult{n: n, err: err}
	}()

	select {
	case <-ctx.Done():
		if stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
			b.mu.Lock()
			b.stalled = true
			b.mu.Unlock()
			slog.Error("block_write_timeout", "path", b.path, "offset", offset, "timeout", b.timeout)
			return errors.New(errors.KindWriteTimeout, "write_chunk",
				fmt.Sprintf("Device write timed out after %s at offset %d", b.timeout, offset))
		}
		return errors.Classify(errors.KindWriteFailed, "write_chunk", "Device write cancelled", ctx.Err())
	case res := <-done:
		if res.err != nil {
			slog.Error("block_write_failed", "path", b.path, "offset", offset, "error", res.err)
			return errors.Classify(errors.KindWriteFailed, "write_chunk", "Device write failed", res.err)
		}
		if res.n != len(p) {
			return errors.New(errors.KindWriteFailed, "write_chunk",
				fmt.Sprintf("Device write failed: short write %d of %d bytes at offset %d", res.n, len(p), offset))
		}
	}
	return nil
}

// Close flushes and releases the device. Closing a closed backend is a no-op.
// After a timed out chunk the flush is skipped and the close itself is
// bounded by the chunk timeout.
func (b *BlockDevice) Close() error {
	b.mu.Lock()
	dev, stalled := b.dev, b.stalled
	b.dev = nil
	b.stalled = false
	b.mu.Unlock()

	if dev == nil {
		return nil
	}

	if stalled {
		slog.Warn("block_device_close_skip_sync", "path", b.path)
		if err := b.bounded(dev.Close); err != nil {
			return err
		}
		slog.Info("block_device_closed", "path", b.path, "synced", false)
		return nil
	}

	syncErr := dev.Sync()
	closeErr := dev.Close()
	slog.Info("block_device_closed", "path", b.path, "synced", true)
	return stderrors.Join(syncErr, closeErr)
}

// bounded runs fn, giving up after the chunk timeout. fn keeps running in
// the background when it does not return in time.
func (b *BlockDevice) bounded(fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		slog.Error("block_device_close_timeout", "path", b.path, "timeout", b.timeout)
		return errors.New(errors.KindWriteTimeout, "backend_close",
			fmt.Sprintf("Device close timed out after %s", b.timeout))
	}
}

// IsOpen reports whether the device is currently claimed.
func (b *BlockDevice) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dev != nil
}
