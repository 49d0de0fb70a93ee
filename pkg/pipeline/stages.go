package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/recoverytools/rflash/pkg/errors"
	"github.com/recoverytools/rflash/pkg/image"
	"github.com/recoverytools/rflash/pkg/progress"
)

// downloadChunkSize is how much of the stream is read between progress
// updates.
const downloadChunkSize = 1024 * 1024

// namedTarget is a backend whose target file name can be set before writing.
type namedTarget interface {
	Filename() string
	SetFilename(name string) error
}

// Download fetches the selected image into memory. On success the run moves
// to verifying; on failure it ends with fetch_failed.
func (o *Orchestrator) Download(ctx context.Context) error {
	img, _, _, err := o.expect(progress.StatusDownloading)
	if err != nil {
		return err
	}

	payload, err := o.download(ctx, img)
	if err != nil {
		return o.fail(errors.Classify(errors.KindFetchFailed, "download", "Failed to download recovery image", err))
	}

	o.mu.Lock()
	o.payload = payload
	o.mu.Unlock()

	size := int64(len(payload))
	slog.Info("download_complete", "run_id", o.RunID(), "size_mb", size/1024/1024)
	return o.advance(progress.StatusVerifying, func(p *progress.Progress) {
		p.BytesWritten = size
		p.TotalBytes = size
		p.Speed = 0
		p.TimeRemaining = progress.Unknown()
	})
}

func (o *Orchestrator) download(ctx context.Context, img image.RecoveryImage) ([]byte, error) {
	s, err := o.fetcher.Fetch(ctx, img.URL)
	if err != nil {
		return nil, err
	}
	defer s.Body.Close()

	total := img.FileSize
	if s.Size > 0 && s.Size != total {
		if total > 0 {
			slog.Warn("download_size_mismatch", "declared", total, "stream", s.Size)
		}
		total = s.Size
	}
	if err := o.validator.ValidateImageSize(total); err != nil {
		return nil, err
	}

	o.update(func(p *progress.Progress) {
		p.TotalBytes = total
	})

	var buf []byte
	if total > 0 {
		buf = make([]byte, 0, total)
	}
	chunk := make([]byte, downloadChunkSize)
	start := o.now()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		n, rerr := io.ReadFull(s.Body, chunk)
		if n > 0 {
			fetched := int64(len(buf) + n)
			if total > 0 && fetched > total {
				return nil, fmt.Errorf("payload exceeds declared size of %d bytes", total)
			}
			if err := o.validator.ValidateImageSize(fetched); err != nil {
				return nil, err
			}
			buf = append(buf, chunk[:n]...)

			speed, remaining := progress.Rate(fetched, total, o.now().Sub(start))
			if total <= 0 {
				remaining = progress.Unknown()
			}
			o.update(func(p *progress.Progress) {
				p.BytesWritten = fetched
				p.Speed = speed
				p.TimeRemaining = remaining
			})
		}

		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return nil, rerr
		}
	}

	if total > 0 && int64(len(buf)) < total {
		slog.Warn("download_short", "expected", total, "received", len(buf))
	}
	return buf, nil
}

// Verify checks the downloaded payload against the image digests. A
// mismatch ends the run before the device is ever opened.
func (o *Orchestrator) Verify(ctx context.Context) error {
	img, _, payload, err := o.expect(progress.StatusVerifying)
	if err != nil {
		return err
	}

	slog.Info("verify_start", "run_id", o.RunID(), "size_mb", len(payload)/1024/1024)
	if !o.verify(payload, img.MD5, img.SHA1) {
		return o.fail(errors.New(errors.KindVerificationFailed, "verify", "Image verification failed"))
	}
	slog.Info("verify_complete", "run_id", o.RunID())

	size := int64(len(payload))
	return o.advance(progress.StatusWriting, func(p *progress.Progress) {
		p.BytesWritten = 0
		p.TotalBytes = size
		p.Speed = 0
		p.TimeRemaining = progress.Unknown()
	})
}

// Write opens the connected device, transfers the verified payload and
// closes the device again whatever the result.
func (o *Orchestrator) Write(ctx context.Context) error {
	img, dev, payload, err := o.expect(progress.StatusWriting)
	if err != nil {
		return err
	}
	if dev == nil {
		return o.fail(errors.New(errors.KindDeviceNotConnected, "write", "No device connected"))
	}

	if t, ok := dev.(namedTarget); ok && t.Filename() == "" {
		if err := t.SetFilename(img.TargetFilename()); err != nil {
			return o.fail(errors.Classify(errors.KindWriteFailed, "write", "Invalid target filename", err))
		}
	}

	if err := dev.Open(ctx); err != nil {
		return o.fail(errors.Classify(errors.KindWriteFailed, "write", "Failed to open device", err))
	}

	werr := o.engine.Transfer(ctx, payload, dev, func(p progress.Progress) {
		o.update(func(cur *progress.Progress) {
			written := p.BytesWritten
			if written > cur.TotalBytes {
				written = cur.TotalBytes
			}
			if written < cur.BytesWritten {
				return
			}
			cur.BytesWritten = written
			cur.Speed = p.Speed
			cur.TimeRemaining = p.TimeRemaining
		})
	})

	if cerr := dev.Close(); cerr != nil {
		slog.Warn("backend_close_failed", "target", dev.Target(), "error", cerr)
	}

	if werr != nil {
		return o.fail(errors.Classify(errors.KindWriteFailed, "write", "USB write failed", werr))
	}

	slog.Info("flash_complete", "run_id", o.RunID(), "target", dev.Target(), "bytes", len(payload))
	return o.advance(progress.StatusComplete, func(p *progress.Progress) {
		p.BytesWritten = p.TotalBytes
		p.TimeRemaining = 0
	})
}
