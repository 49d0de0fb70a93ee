// Package preflight rejects a flash before any bytes are fetched when the
// host cannot hold the payload.
package preflight

import (
	"context"
	"errors"
	"log/slog"
	"math"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// SafetyMargin is the multiple of the payload size that must be free.
const SafetyMargin = 1.5

// ErrUnavailable is returned by a Prober when the host offers no way to
// measure free space.
var ErrUnavailable = errors.New("preflight: free space unavailable")

// Prober reports the bytes currently available to hold a payload.
type Prober interface {
	Available(ctx context.Context) (uint64, error)
}

// ProberFunc adapts a function to a Prober.
type ProberFunc func(ctx context.Context) (uint64, error)

func (f ProberFunc) Available(ctx context.Context) (uint64, error) {
	return f(ctx)
}

// MemoryProber measures available RAM. The payload is fully buffered in
// memory before verification, so this is the default.
type MemoryProber struct{}

func (MemoryProber) Available(ctx context.Context) (uint64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, errors.Join(ErrUnavailable, err)
	}
	return vm.Available, nil
}

// DiskProber measures free space on the file system holding Path.
type DiskProber struct {
	Path string
}

func (p DiskProber) Available(ctx context.Context) (uint64, error) {
	usage, err := disk.UsageWithContext(ctx, p.Path)
	if err != nil {
		return 0, errors.Join(ErrUnavailable, err)
	}
	return usage.Free, nil
}

// Requirements is the outcome of a single check.
type Requirements struct {
	RequiredBytes  int64
	AvailableBytes int64
	// Bounded is false when no real quota could be measured.
	Bounded    bool
	IsAdequate bool
}

// Checker runs the capacity check against a Prober.
type Checker struct {
	prober Prober
}

// NewChecker creates a checker. A nil prober means the host has no quota
// facility and every check passes.
func NewChecker(prober Prober) *Checker {
	return &Checker{prober: prober}
}

// Check compares requiredBytes against the available space.
func (c *Checker) Check(ctx context.Context, requiredBytes int64) Requirements {
	if c == nil || c.prober == nil {
		return unbounded(requiredBytes)
	}

	available, err := c.prober.Available(ctx)
	if err != nil {
		slog.Warn("preflight_probe_unavailable", "required_bytes", requiredBytes, "error", err)
		return unbounded(requiredBytes)
	}

	availableBytes := int64(math.MaxInt64)
	if available < math.MaxInt64 {
		availableBytes = int64(available)
	}

	req := Requirements{
		RequiredBytes:  requiredBytes,
		AvailableBytes: availableBytes,
		Bounded:        true,
		IsAdequate:     float64(availableBytes) > float64(requiredBytes)*SafetyMargin,
	}

	slog.Info("preflight_checked",
		"required_mb", requiredBytes/1024/1024,
		"available_mb", availableBytes/1024/1024,
		"adequate", req.IsAdequate)

	return req
}

func unbounded(requiredBytes int64) Requirements {
	return Requirements{
		RequiredBytes:  requiredBytes,
		AvailableBytes: math.MaxInt64,
		Bounded:        false,
		IsAdequate:     true,
	}
}
