// Package transfer writes a verified payload through a transport backend and
// reports throughput as it goes.
package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/recoverytools/rflash/pkg/backend"
	"github.com/recoverytools/rflash/pkg/errors"
	"github.com/recoverytools/rflash/pkg/progress"
)

// ProgressFunc receives a snapshot after every completed write.
type ProgressFunc func(progress.Progress)

// Engine drives a single transfer at a time. It holds no per-run state, so
// one Engine may serve successive runs.
type Engine struct {
	now func() time.Time
}

// NewEngine creates a transfer engine using the wall clock.
func NewEngine() *Engine {
	return &Engine{now: time.Now}
}

// Transfer writes payload through b. Block backends are written chunk by
// chunk, file backends in one call. The first failing write aborts the
// transfer; nothing is retried.
//
// b must already be open. Transfer never opens or closes it.
func (e *Engine) Transfer(ctx context.Context, payload []byte, b backend.Backend, onProgress ProgressFunc) error {
	if b == nil {
		return errors.New(errors.KindDeviceNotConnected, "transfer", "No device connected")
	}
	if onProgress == nil {
		onProgress = func(progress.Progress) {}
	}

	switch w := b.(type) {
	case backend.ChunkWriter:
		return e.writeChunks(ctx, payload, w, onProgress)
	case backend.FileWriter:
		return e.writeWhole(ctx, payload, w, onProgress)
	default:
		return errors.New(errors.KindWriteFailed, "transfer",
			fmt.Sprintf("backend %s supports neither chunked nor file writes", b.Kind()))
	}
}

func (e *Engine) writeChunks(ctx context.Context, payload []byte, w backend.ChunkWriter, onProgress ProgressFunc) error {
	total := int64(len(payload))
	chunkSize := w.ChunkSize()
	if chunkSize <= 0 {
		return errors.New(errors.KindWriteFailed, "transfer", fmt.Sprintf("invalid chunk size %d", chunkSize))
	}

	slog.Info("transfer_start",
		"target", w.Target(),
		"mode", "chunked",
		"size_mb", total/1024/1024,
		"chunk_size", chunkSize)

	start := e.now()
	var written int64
	for written < total {
		end := written + int64(chunkSize)
		if end > total {
			end = total
		}

		if err := w.WriteChunk(ctx, written, payload[written:end]); err != nil {
			slog.Error("transfer_chunk_failed",
				"target", w.Target(),
				"offset", written,
				"bytes_written", written,
				"error", err)
			return errors.Classify(errors.KindWriteFailed, "transfer", "USB write failed", err)
		}
		written = end

		onProgress(snapshot(written, total, e.now().Sub(start)))
	}

	slog.Info("transfer_complete",
		"target", w.Target(),
		"bytes_written", written,
		"duration", e.now().Sub(start))
	return nil
}

func (e *Engine) writeWhole(ctx context.Context, payload []byte, w backend.FileWriter, onProgress ProgressFunc) error {
	total := int64(len(payload))
	slog.Info("transfer_start",
		"target", w.Target(),
		"mode", "file",
		"filename", w.Filename(),
		"size_mb", total/1024/1024)

	start := e.now()
	if err := w.WriteFile(ctx, w.Filename(), payload); err != nil {
		slog.Error("transfer_file_failed", "target", w.Target(), "filename", w.Filename(), "error", err)
		return errors.Classify(errors.KindWriteFailed, "transfer", "Failed to write file", err)
	}

	elapsed := e.now().Sub(start)
	onProgress(snapshot(total, total, elapsed))

	slog.Info("transfer_complete", "target", w.Target(), "bytes_written", total, "duration", elapsed)
	return nil
}

func snapshot(written, total int64, elapsed time.Duration) progress.Progress {
	speed, remaining := progress.Rate(written, total, elapsed)
	return progress.Progress{
		BytesWritten:  written,
		TotalBytes:    total,
		Speed:         speed,
		TimeRemaining: remaining,
		Status:        progress.StatusWriting,
	}
}
