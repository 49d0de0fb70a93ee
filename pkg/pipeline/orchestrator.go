// Package pipeline runs a flash from a selected recovery image to a
// connected device: download, verify, write. Stages never overlap and never
// retry; the first failure ends the run in the error state with a classified
// error.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	evbus "github.com/asaskevich/EventBus"
	"github.com/google/uuid"

	"github.com/recoverytools/rflash/pkg/backend"
	"github.com/recoverytools/rflash/pkg/checksum"
	"github.com/recoverytools/rflash/pkg/errors"
	"github.com/recoverytools/rflash/pkg/fetch"
	"github.com/recoverytools/rflash/pkg/image"
	"github.com/recoverytools/rflash/pkg/preflight"
	"github.com/recoverytools/rflash/pkg/progress"
	"github.com/recoverytools/rflash/pkg/security"
	"github.com/recoverytools/rflash/pkg/transfer"
)

// Precondition errors. These reject a request without changing state.
var (
	ErrRunInProgress     = errors.New(errors.KindUnknown, "pipeline", "A flash is already in progress")
	ErrDeviceInUse       = errors.New(errors.KindUnknown, "connect", "A device is already connected")
	ErrNoImageSelected   = errors.New(errors.KindUnknown, "start", "No recovery image selected")
	ErrImageNotFlashable = errors.New(errors.KindUnknown, "select_image", "Recovery image has no url or checksums")
	ErrInvalidTransition = errors.New(errors.KindUnknown, "pipeline", "Invalid pipeline transition")
)

const progressTopic = "pipeline:progress"

// Writer writes a verified payload through an open backend.
type Writer interface {
	Transfer(ctx context.Context, payload []byte, b backend.Backend, onProgress transfer.ProgressFunc) error
}

// VerifyFunc checks a payload against its expected MD5 and SHA-1 digests.
type VerifyFunc func(payload []byte, md5Hex, sha1Hex string) bool

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithPreflight sets the capacity check run on image selection.
func WithPreflight(c *preflight.Checker) Option {
	return func(o *Orchestrator) { o.preflight = c }
}

// WithEngine replaces the transfer engine.
func WithEngine(w Writer) Option {
	return func(o *Orchestrator) { o.engine = w }
}

// WithVerifier replaces the checksum verifier.
func WithVerifier(v VerifyFunc) Option {
	return func(o *Orchestrator) { o.verify = v }
}

// WithImageValidator bounds the payload size accepted while downloading.
func WithImageValidator(v *security.Validator) Option {
	return func(o *Orchestrator) { o.validator = v }
}

// WithClock replaces the time source used for speed and ETA.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator owns the state of one flash at a time. Progress snapshots may
// be read from any goroutine; stage methods are meant to be driven from one.
type Orchestrator struct {
	fetcher   fetch.Fetcher
	preflight *preflight.Checker
	engine    Writer
	verify    VerifyFunc
	validator *security.Validator
	now       func() time.Time
	bus       evbus.Bus

	mu         sync.Mutex
	state      progress.Status
	image      *image.RecoveryImage
	device     backend.Backend
	payload    []byte
	prog       progress.Progress
	currentErr string
	runID      string
	stageStart time.Time
	outcome    *Outcome
}

// New creates an orchestrator that downloads payloads through fetcher.
func New(fetcher fetch.Fetcher, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		fetcher:   fetcher,
		preflight: preflight.NewChecker(preflight.MemoryProber{}),
		engine:    transfer.NewEngine(),
		verify:    checksum.Verify,
		now:       time.Now,
		bus:       evbus.New(),
		state:     progress.StatusIdle,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.prog = idleProgress()
	return o
}

func idleProgress() progress.Progress {
	return progress.Progress{Status: progress.StatusIdle}
}

// Subscribe registers fn to receive every progress snapshot in order. fn
// runs on the goroutine driving the pipeline and must not call Subscribe.
func (o *Orchestrator) Subscribe(fn func(progress.Progress)) error {
	return o.bus.Subscribe(progressTopic, fn)
}

func (o *Orchestrator) publish(p progress.Progress) {
	o.bus.Publish(progressTopic, p)
}

// Progress returns the latest snapshot.
func (o *Orchestrator) Progress() progress.Progress {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.prog
}

// State returns the current pipeline state.
func (o *Orchestrator) State() progress.Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// CurrentError returns the most recent user facing error message.
func (o *Orchestrator) CurrentError() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.currentErr
}

// Outcome returns the result of the last run once it has terminated.
func (o *Orchestrator) Outcome() (Outcome, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.outcome == nil {
		return Outcome{}, false
	}
	return *o.outcome, true
}

// RunID returns the identifier of the current or last run.
func (o *Orchestrator) RunID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.runID
}

// Image returns a copy of the selected image, if any.
func (o *Orchestrator) Image() (image.RecoveryImage, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.image == nil {
		return image.RecoveryImage{}, false
	}
	return *o.image, true
}

// Device returns the connected backend, if any.
func (o *Orchestrator) Device() (backend.Backend, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.device, o.device != nil
}

// SelectImage records img for the next run after checking that the host
// can hold it.
func (o *Orchestrator) SelectImage(ctx context.Context, img image.RecoveryImage) error {
	if o.State().Active() {
		return ErrRunInProgress
	}
	if !img.Flashable() {
		return ErrImageNotFlashable
	}

	if o.preflight != nil {
		req := o.preflight.Check(ctx, img.FileSize)
		if !req.IsAdequate {
			slog.Warn("select_image_rejected",
				"image", img.DisplayName(),
				"required_mb", req.RequiredBytes/1024/1024,
				"available_mb", req.AvailableBytes/1024/1024)

			err := errors.New(errors.KindInsufficientStorage, "select_image", "Insufficient storage space")
			o.mu.Lock()
			o.currentErr = err.Message
			o.mu.Unlock()
			return err
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state.Active() {
		return ErrRunInProgress
	}
	o.image = &img
	o.currentErr = ""

	slog.Info("image_selected", "image", img.DisplayName(), "size_mb", img.FileSize/1024/1024)
	return nil
}

// Connect hands b to the orchestrator for the next run. The backend stays
// owned by the orchestrator until the run terminates or Disconnect is called.
func (o *Orchestrator) Connect(b backend.Backend) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if b == nil {
		err := errors.New(errors.KindNoDeviceSelected, "connect", "No device selected")
		o.currentErr = err.Message
		return err
	}
	if o.state.Active() {
		return ErrRunInProgress
	}
	if o.device != nil {
		return ErrDeviceInUse
	}

	o.device = b
	o.currentErr = ""
	slog.Info("device_connected", "kind", b.Kind(), "target", b.Target())
	return nil
}

// Disconnect releases the connected backend outside of a run.
func (o *Orchestrator) Disconnect() error {
	o.mu.Lock()
	if o.state.Active() {
		o.mu.Unlock()
		return ErrRunInProgress
	}
	dev := o.device
	o.device = nil
	o.mu.Unlock()

	if dev == nil {
		return nil
	}
	if err := dev.Close(); err != nil {
		slog.Warn("backend_close_failed", "target", dev.Target(), "error", err)
	}
	slog.Info("device_disconnected", "target", dev.Target())
	return nil
}

// Reset returns a terminated pipeline to idle. The selected image and the
// current error survive a reset.
func (o *Orchestrator) Reset() error {
	o.mu.Lock()
	if o.state.Active() {
		o.mu.Unlock()
		return ErrRunInProgress
	}
	o.resetLocked()
	p := o.prog
	o.mu.Unlock()

	o.publish(p)
	return nil
}

func (o *Orchestrator) resetLocked() {
	o.state = progress.StatusIdle
	o.prog = idleProgress()
	o.payload = nil
	o.outcome = nil
}

// Start begins a run with the selected image and connected device. A run
// that ended is reset to idle first. Rejected starts leave the state as is.
func (o *Orchestrator) Start(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	o.mu.Lock()
	if o.state.Active() {
		o.mu.Unlock()
		return "", ErrRunInProgress
	}
	if o.image == nil {
		o.currentErr = ErrNoImageSelected.Message
		o.mu.Unlock()
		return "", ErrNoImageSelected
	}
	if o.device == nil {
		err := errors.New(errors.KindNoDeviceSelected, "start", "No device selected")
		o.currentErr = err.Message
		o.mu.Unlock()
		return "", err
	}

	if o.state.Terminal() {
		o.resetLocked()
	}
	if err := checkTransition(o.state, progress.StatusDownloading); err != nil {
		o.mu.Unlock()
		return "", err
	}

	o.runID = uuid.NewString()
	o.state = progress.StatusDownloading
	o.currentErr = ""
	o.stageStart = o.now()
	o.prog = progress.Progress{
		TotalBytes:    o.image.FileSize,
		TimeRemaining: progress.Unknown(),
		Status:        progress.StatusDownloading,
	}
	runID, p := o.runID, o.prog
	img, dev := *o.image, o.device
	o.mu.Unlock()

	slog.Info("flash_start",
		"run_id", runID,
		"image", img.DisplayName(),
		"url", img.URL,
		"device_kind", dev.Kind(),
		"target", dev.Target())
	o.publish(p)
	return runID, nil
}

// Run starts a run and drives it to its terminal state. The returned error
// is set only when the start itself was rejected; stage failures are
// reported through the Outcome.
func (o *Orchestrator) Run(ctx context.Context) (Outcome, error) {
	if _, err := o.Start(ctx); err != nil {
		return Outcome{}, err
	}

	if err := o.Download(ctx); err == nil {
		if err := o.Verify(ctx); err == nil {
			o.Write(ctx)
		}
	}

	out, _ := o.Outcome()
	return out, nil
}

// expect checks the pipeline is in state and returns what a stage needs.
func (o *Orchestrator) expect(state progress.Status) (image.RecoveryImage, backend.Backend, []byte, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != state || o.image == nil {
		return image.RecoveryImage{}, nil, nil, errors.Wrap(ErrInvalidTransition, "stage requires "+string(state)+", pipeline is "+string(o.state))
	}
	return *o.image, o.device, o.payload, nil
}

// advance moves the run forward to next and publishes the new snapshot.
func (o *Orchestrator) advance(next progress.Status, update func(*progress.Progress)) error {
	o.mu.Lock()
	if err := checkTransition(o.state, next); err != nil {
		o.mu.Unlock()
		return err
	}

	var released backend.Backend
	o.state = next
	o.stageStart = o.now()
	update(&o.prog)
	o.prog.Status = next

	if next == progress.StatusComplete {
		o.outcome = &Outcome{
			RunID:        o.runID,
			Status:       next,
			BytesWritten: o.prog.BytesWritten,
		}
		released = o.releaseLocked()
	}
	p := o.prog
	o.mu.Unlock()

	closeReleased(released)
	o.publish(p)
	return nil
}

// fail ends the run in the error state with err.
func (o *Orchestrator) fail(err *errors.Error) error {
	o.mu.Lock()
	if cerr := checkTransition(o.state, progress.StatusError); cerr != nil {
		o.mu.Unlock()
		return cerr
	}

	o.state = progress.StatusError
	o.prog.Status = progress.StatusError
	o.prog.ErrorMessage = err.Message
	o.currentErr = err.Message
	o.outcome = &Outcome{
		RunID:        o.runID,
		Status:       progress.StatusError,
		BytesWritten: o.prog.BytesWritten,
		Err:          err,
	}
	runID := o.runID
	released := o.releaseLocked()
	p := o.prog
	o.mu.Unlock()

	slog.Error("flash_failed", "run_id", runID, "kind", err.Kind, "op", err.Op, "error", err)
	closeReleased(released)
	o.publish(p)
	return err
}

// Abort ends the active run in the error state. A classified err keeps its
// kind; anything else is reported as unknown.
func (o *Orchestrator) Abort(err error) error {
	if err == nil {
		return o.fail(errors.New(errors.KindUnknown, "abort", "Flash aborted"))
	}
	return o.fail(errors.Classify(errors.KindUnknown, "abort", "Flash aborted", err))
}

// releaseLocked drops the run's payload and device and returns the device
// so the caller can close it once the lock is released.
func (o *Orchestrator) releaseLocked() backend.Backend {
	dev := o.device
	o.payload = nil
	o.device = nil
	return dev
}

// closeReleased closes a released device. Backends tolerate a second close,
// so a device the write stage already closed is fine here.
func closeReleased(dev backend.Backend) {
	if dev == nil {
		return
	}
	if err := dev.Close(); err != nil {
		slog.Warn("backend_close_failed", "target", dev.Target(), "error", err)
	}
}

func (o *Orchestrator) update(fn func(*progress.Progress)) {
	o.mu.Lock()
	fn(&o.prog)
	p := o.prog
	o.mu.Unlock()

	o.publish(p)
}
