// Package backend implements the transport backends a recovery payload can
// be flashed through: a raw block device written in fixed-size chunks, or a
// mounted file-system volume that receives the payload as a single file.
//
// All platform differences are resolved when a backend is constructed. A
// platform that cannot drive a backend makes the constructor fail with an
// unsupported_platform error, before any payload is fetched.
package backend

import (
	"context"
	"io"
	"time"

	"github.com/recoverytools/rflash/pkg/security"
)

// Kind identifies the transport variant.
type Kind string

const (
	KindBlock  Kind = "block"
	KindVolume Kind = "volume"
)

// Default write profile values.
const (
	// DefaultChunkSize is used on platforms with full chunked transfer support (1MiB)
	DefaultChunkSize = 1024 * 1024
	// ConstrainedChunkSize is used on platforms with weaker transfer support (512KiB)
	ConstrainedChunkSize = 512 * 1024
	// DefaultChunkTimeout bounds every single chunk write
	DefaultChunkTimeout = 5 * time.Second
)

// Profile is the chunking strategy picked once at construction.
type Profile struct {
	Name      string
	ChunkSize int
}

var (
	DefaultProfile     = Profile{Name: "default", ChunkSize: DefaultChunkSize}
	ConstrainedProfile = Profile{Name: "constrained", ChunkSize: ConstrainedChunkSize}
)

// Backend is the capability set shared by every transport.
type Backend interface {
	Kind() Kind
	// Target names the device path or volume directory.
	Target() string
	Open(ctx context.Context) error
	Close() error
}

// ChunkWriter is a backend written in bounded chunks at explicit offsets.
type ChunkWriter interface {
	Backend
	ChunkSize() int
	WriteChunk(ctx context.Context, offset int64, p []byte) error
}

// FileWriter is a backend that receives the whole payload in one write.
type FileWriter interface {
	Backend
	Filename() string
	WriteFile(ctx context.Context, name string, p []byte) error
}

// Device is the raw handle a block backend writes to. *os.File satisfies it.
type Device interface {
	io.WriterAt
	Sync() error
	Close() error
}

// Opener opens the device at path and reports its capacity in bytes,
// or -1 when the capacity cannot be determined.
type Opener func(path string) (Device, int64, error)

type options struct {
	timeout   time.Duration
	opener    Opener
	filename  string
	consent   bool
	validator *security.Validator
}

// Option configures a backend at construction.
type Option func(*options)

// WithTimeout overrides the per-chunk write timeout of a block backend.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithOpener replaces how a block backend opens its device.
func WithOpener(opener Opener) Option {
	return func(o *options) {
		o.opener = opener
	}
}

// WithFilename sets the file a volume backend writes.
func WithFilename(name string) Option {
	return func(o *options) {
		o.filename = name
	}
}

// WithConsent records that the user agreed to write into a mass-storage
// volume. Volume backends refuse to construct without it.
func WithConsent(consent bool) Option {
	return func(o *options) {
		o.consent = consent
	}
}

// WithValidator sets the validator used for volume file names.
func WithValidator(v *security.Validator) Option {
	return func(o *options) {
		o.validator = v
	}
}

func buildOptions(opts []Option) options {
	o := options{
		timeout: DefaultChunkTimeout,
		opener:  openDevice,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.validator == nil {
		o.validator = security.NewValidator(0)
	}
	return o
}
