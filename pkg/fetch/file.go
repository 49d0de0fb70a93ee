package fetch

import (
	"context"
	"log/slog"
	"net/url"
	"strings"

	"github.com/spf13/afero"

	"github.com/recoverytools/rflash/pkg/errors"
)

// FileSource reads file:// URLs and bare paths from a file system.
type FileSource struct {
	fs afero.Fs
}

// NewFileSource creates a file source over fs. A nil fs means the OS file
// system.
func NewFileSource(fs afero.Fs) *FileSource {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &FileSource{fs: fs}
}

// Fetch opens the file named by rawURL.
func (s *FileSource) Fetch(ctx context.Context, rawURL string) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := filePath(rawURL)
	fi, err := s.fs.Stat(path)
	if err != nil {
		slog.Error("file_fetch_stat_failed", "path", path, "error", err)
		return nil, errors.Wrap(err, "failed to stat local image")
	}
	if fi.IsDir() {
		return nil, errors.Wrap(ErrNotFound, path+" is a directory")
	}

	f, err := s.fs.Open(path)
	if err != nil {
		slog.Error("file_fetch_open_failed", "path", path, "error", err)
		return nil, errors.Wrap(err, "failed to open local image")
	}

	slog.Info("file_fetch_open", "path", path, "size_mb", fi.Size()/1024/1024)
	return &Stream{Body: f, Size: fi.Size()}, nil
}

func filePath(rawURL string) string {
	if !strings.HasPrefix(rawURL, "file://") {
		return rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return strings.TrimPrefix(rawURL, "file://")
	}
	return u.Path
}
