package commands

import (
	"context"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/recoverytools/rflash/internal/config"
	"github.com/recoverytools/rflash/pkg/errors"
	"github.com/recoverytools/rflash/pkg/fetch"
	"github.com/recoverytools/rflash/pkg/preflight"
)

// ensureDirectories creates all necessary directories for the application
func ensureDirectories(sqlitePath, fsmDBPath string) error {
	if err := os.MkdirAll(filepath.Dir(sqlitePath), 0755); err != nil {
		return errors.Wrap(err, "failed to create database directory")
	}

	// Only needed for flash
	if fsmDBPath != "" {
		if err := os.MkdirAll(fsmDBPath, 0755); err != nil {
			return errors.Wrap(err, "failed to create FSM directory")
		}
	}

	return nil
}

// loadConfig loads and validates the configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, errors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config invalid")
	}
	return cfg, nil
}

// newRouter wires the http(s), s3 and file sources. retries applies to
// http only.
func newRouter(ctx context.Context, cfg *config.Config, retries int) (*fetch.Router, error) {
	opts := fetch.DefaultHTTPOptions()
	opts.Timeout = cfg.HTTPTimeout
	opts.RetryAttempts = retries
	httpSource := fetch.NewHTTPSource(opts)

	s3Source, err := fetch.NewS3Source(ctx, cfg.S3Region)
	if err != nil {
		return nil, errors.Wrap(err, "S3 client failed")
	}

	r := fetch.NewRouter()
	r.Handle("http", httpSource)
	r.Handle("https", httpSource)
	r.Handle("s3", s3Source)
	r.Handle("file", fetch.NewFileSource(afero.NewOsFs()))
	return r, nil
}

// newProber picks the free space probe named by the configuration.
func newProber(cfg *config.Config) preflight.Prober {
	if cfg.PreflightSource == config.PreflightDisk {
		return preflight.DiskProber{Path: cfg.PreflightPath}
	}
	return preflight.MemoryProber{}
}
