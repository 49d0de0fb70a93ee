package pipeline

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/recoverytools/rflash/pkg/backend"
	"github.com/recoverytools/rflash/pkg/checksum"
	"github.com/recoverytools/rflash/pkg/errors"
	"github.com/recoverytools/rflash/pkg/fetch"
	"github.com/recoverytools/rflash/pkg/image"
	"github.com/recoverytools/rflash/pkg/preflight"
	"github.com/recoverytools/rflash/pkg/progress"
	"github.com/recoverytools/rflash/pkg/security"
)

const mib = 1024 * 1024

// countingDevice accepts writes without storing them. Write number blockAt
// waits on release, which never fires before the test ends. Sync waits for
// pending writes the way fsync does on a hung device.
type countingDevice struct {
	mu       sync.Mutex
	written  int64
	writes   int
	blockAt  int
	release  chan struct{}
	closed   bool
	inflight sync.WaitGroup
}

func (d *countingDevice) WriteAt(p []byte, off int64) (int, error) {
	d.inflight.Add(1)
	defer d.inflight.Done()

	d.mu.Lock()
	d.writes++
	n := d.writes
	d.mu.Unlock()

	if d.blockAt > 0 && n == d.blockAt {
		<-d.release
	}

	d.mu.Lock()
	d.written += int64(len(p))
	d.mu.Unlock()
	return len(p), nil
}

func (d *countingDevice) Sync() error {
	d.inflight.Wait()
	return nil
}

func (d *countingDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *countingDevice) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// spyBackend records every call the pipeline makes on a chunked backend.
type spyBackend struct {
	opens  int
	writes int
	closes int
}

func (s *spyBackend) Kind() backend.Kind             { return backend.KindBlock }
func (s *spyBackend) Target() string                 { return "spy" }
func (s *spyBackend) Open(ctx context.Context) error { s.opens++; return nil }
func (s *spyBackend) Close() error                   { s.closes++; return nil }
func (s *spyBackend) ChunkSize() int                 { return mib }
func (s *spyBackend) WriteChunk(ctx context.Context, off int64, p []byte) error {
	s.writes++
	return nil
}

func staticFetcher(payload []byte) fetch.Fetcher {
	return fetch.FetcherFunc(func(ctx context.Context, rawURL string) (*fetch.Stream, error) {
		return &fetch.Stream{
			Body: io.NopCloser(bytes.NewReader(payload)),
			Size: int64(len(payload)),
		}, nil
	})
}

func imageFor(payload []byte) image.RecoveryImage {
	d := checksum.Compute(payload)
	return image.RecoveryImage{
		Name:          "Test Chromebook",
		Model:         "TEST",
		URL:           "https://example.com/test.bin",
		ChromeVersion: "120.0.6099.235",
		FileSize:      int64(len(payload)),
		MD5:           d.MD5,
		SHA1:          d.SHA1,
	}
}

func unbounded() Option {
	return WithPreflight(preflight.NewChecker(nil))
}

func newBlock(t *testing.T, dev *countingDevice, opts ...backend.Option) *backend.BlockDevice {
	t.Helper()
	opener := func(string) (backend.Device, int64, error) { return dev, -1, nil }
	b, err := backend.NewBlockDevice("/dev/fake", backend.ForOS("linux"),
		append([]backend.Option{backend.WithOpener(opener)}, opts...)...)
	if err != nil {
		t.Fatalf("NewBlockDevice: %v", err)
	}
	return b
}

func ready(t *testing.T, o *Orchestrator, img image.RecoveryImage, b backend.Backend) {
	t.Helper()
	if err := o.SelectImage(context.Background(), img); err != nil {
		t.Fatalf("SelectImage: %v", err)
	}
	if err := o.Connect(b); err != nil {
		t.Fatalf("Connect: %v", err)
	}
}

func TestRun_Complete(t *testing.T) {
	payload := bytes.Repeat([]byte{0xA5, 0x5A, 0x00, 0xFF}, 100*mib/4)
	dev := &countingDevice{}

	o := New(staticFetcher(payload), unbounded())
	ready(t, o, imageFor(payload), newBlock(t, dev))

	out, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !out.Success() {
		t.Fatalf("expected success, got %s: %v", out.Status, out.Err)
	}
	if out.BytesWritten != 100*mib {
		t.Errorf("BytesWritten = %d, want %d", out.BytesWritten, 100*mib)
	}
	if dev.written != 100*mib || dev.writes != 100 {
		t.Errorf("device received %d bytes in %d writes", dev.written, dev.writes)
	}
	if !dev.isClosed() {
		t.Error("device should be closed after the run")
	}
	if o.State() != progress.StatusComplete {
		t.Errorf("state = %s", o.State())
	}
	if p := o.Progress(); p.BytesWritten != p.TotalBytes {
		t.Errorf("final progress %d/%d", p.BytesWritten, p.TotalBytes)
	}
	if o.CurrentError() != "" {
		t.Errorf("unexpected current error %q", o.CurrentError())
	}
}

func TestRun_ThirdChunkTimesOut(t *testing.T) {
	payload := bytes.Repeat([]byte{1}, 4*mib)
	dev := &countingDevice{blockAt: 3, release: make(chan struct{})}
	t.Cleanup(func() { close(dev.release) })

	b := newBlock(t, dev, backend.WithTimeout(30*time.Millisecond))
	o := New(staticFetcher(payload), unbounded())
	ready(t, o, imageFor(payload), b)

	out, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if out.Status != progress.StatusError {
		t.Fatalf("expected error state, got %s", out.Status)
	}
	if out.Kind() != errors.KindWriteTimeout {
		t.Errorf("expected write_timeout, got %s (%v)", out.Kind(), out.Err)
	}
	if out.BytesWritten != 2*mib {
		t.Errorf("BytesWritten = %d, want %d", out.BytesWritten, 2*mib)
	}
	if !dev.isClosed() || b.IsOpen() {
		t.Error("device must be closed after a timed out write")
	}
	if o.CurrentError() == "" || o.CurrentError() != out.Message() {
		t.Errorf("current error = %q, outcome message = %q", o.CurrentError(), out.Message())
	}
}

func TestRun_VerificationFailureNeverWrites(t *testing.T) {
	payload := bytes.Repeat([]byte("chromeos"), 1024)
	img := imageFor(payload)
	corrupted := append([]byte(nil), payload...)
	corrupted[100] ^= 0x01

	spy := &spyBackend{}
	o := New(staticFetcher(corrupted), unbounded())
	ready(t, o, img, spy)

	out, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if out.Kind() != errors.KindVerificationFailed {
		t.Fatalf("expected verification_failed, got %s", out.Kind())
	}
	if out.Message() != "Image verification failed" {
		t.Errorf("message = %q", out.Message())
	}
	if spy.opens != 0 || spy.writes != 0 {
		t.Errorf("backend touched after failed verification: opens=%d writes=%d", spy.opens, spy.writes)
	}
	if spy.closes != 1 {
		t.Errorf("released backend closed %d times, want 1", spy.closes)
	}
	if _, ok := o.Device(); ok {
		t.Error("device should be released after a failed run")
	}
}

func TestRun_FetchFailures(t *testing.T) {
	payload := []byte("0123456789")

	tests := []struct {
		name    string
		fetcher fetch.Fetcher
		opts    []Option
	}{
		{
			name: "network error",
			fetcher: fetch.FetcherFunc(func(ctx context.Context, rawURL string) (*fetch.Stream, error) {
				return nil, stderrors.New("connection reset")
			}),
		},
		{
			name: "stream overruns declared size",
			fetcher: fetch.FetcherFunc(func(ctx context.Context, rawURL string) (*fetch.Stream, error) {
				return &fetch.Stream{Body: io.NopCloser(bytes.NewReader(append(payload, 'x'))), Size: -1}, nil
			}),
		},
		{
			name:    "payload above size limit",
			fetcher: staticFetcher(payload),
			opts:    []Option{WithImageValidator(security.NewValidator(5))},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spy := &spyBackend{}
			o := New(tt.fetcher, append([]Option{unbounded()}, tt.opts...)...)
			ready(t, o, imageFor(payload), spy)

			out, err := o.Run(context.Background())
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if out.Kind() != errors.KindFetchFailed {
				t.Errorf("expected fetch_failed, got %s (%v)", out.Kind(), out.Err)
			}
			if spy.opens != 0 {
				t.Error("device opened after failed download")
			}
		})
	}
}

func TestRun_Volume(t *testing.T) {
	payload := bytes.Repeat([]byte{7}, 3*mib)
	img := imageFor(payload)

	fs := afero.NewMemMapFs()
	if err := fs.MkdirAll("/media/usb", 0755); err != nil {
		t.Fatal(err)
	}
	v, err := backend.NewVolume(fs, "/media/usb", backend.ForOS("linux"), backend.WithConsent(true))
	if err != nil {
		t.Fatalf("NewVolume: %v", err)
	}

	o := New(staticFetcher(payload), unbounded())
	ready(t, o, img, v)

	var writing []progress.Progress
	o.Subscribe(func(p progress.Progress) {
		if p.Status == progress.StatusWriting {
			writing = append(writing, p)
		}
	})

	out, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !out.Success() {
		t.Fatalf("expected success, got %v", out.Err)
	}

	got, err := afero.ReadFile(fs, "/media/usb/ChromeOS_Recovery_120.0.6099.235.bin")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("volume file differs from payload")
	}

	// one snapshot entering the stage, one for the whole-file write
	if len(writing) != 2 || writing[1].BytesWritten != writing[1].TotalBytes {
		t.Errorf("writing snapshots = %+v", writing)
	}
}

func TestSubscribe_OrderedProgress(t *testing.T) {
	payload := bytes.Repeat([]byte{3}, 5*mib+123)
	o := New(staticFetcher(payload), unbounded())
	ready(t, o, imageFor(payload), newBlock(t, &countingDevice{}))

	var events []progress.Progress
	if err := o.Subscribe(func(p progress.Progress) { events = append(events, p) }); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if _, err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	rank := map[progress.Status]int{
		progress.StatusDownloading: 1,
		progress.StatusVerifying:   2,
		progress.StatusWriting:     3,
		progress.StatusComplete:    4,
	}

	var lastRank int
	var lastBytes int64
	for i, e := range events {
		r, ok := rank[e.Status]
		if !ok {
			t.Fatalf("event %d: unexpected status %s", i, e.Status)
		}
		if r < lastRank {
			t.Fatalf("event %d: status went backwards to %s", i, e.Status)
		}
		if r > lastRank {
			lastBytes = 0
		}
		if e.BytesWritten < lastBytes {
			t.Errorf("event %d: bytes decreased %d -> %d in %s", i, lastBytes, e.BytesWritten, e.Status)
		}
		if e.TotalBytes > 0 && e.BytesWritten > e.TotalBytes {
			t.Errorf("event %d: %d exceeds total %d", i, e.BytesWritten, e.TotalBytes)
		}
		lastRank, lastBytes = r, e.BytesWritten
	}
	if lastRank != rank[progress.StatusComplete] {
		t.Errorf("last event status rank %d, want complete", lastRank)
	}
}

func TestTerminalStateRequiresReset(t *testing.T) {
	for _, terminal := range []progress.Status{progress.StatusComplete, progress.StatusError} {
		for _, s := range []progress.Status{progress.StatusDownloading, progress.StatusVerifying, progress.StatusWriting} {
			if CanTransition(terminal, s) {
				t.Errorf("transition %s -> %s must not exist", terminal, s)
			}
		}
	}

	payload := []byte("payload")
	o := New(staticFetcher(payload), unbounded())
	ready(t, o, imageFor(payload), &spyBackend{})

	if out, _ := o.Run(context.Background()); !out.Success() {
		t.Fatalf("first run failed: %v", out.Err)
	}

	ctx := context.Background()
	for name, stage := range map[string]func(context.Context) error{
		"download": o.Download,
		"verify":   o.Verify,
		"write":    o.Write,
	} {
		if err := stage(ctx); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("%s after complete: expected ErrInvalidTransition, got %v", name, err)
		}
	}
	if o.State() != progress.StatusComplete {
		t.Errorf("state changed to %s", o.State())
	}

	// the device is released when a run ends
	if _, err := o.Start(ctx); !errors.IsKind(err, errors.KindNoDeviceSelected) {
		t.Fatalf("expected no_device_selected, got %v", err)
	}
	if o.State() != progress.StatusComplete {
		t.Errorf("rejected start changed state to %s", o.State())
	}

	if err := o.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if o.State() != progress.StatusIdle {
		t.Errorf("state after reset = %s", o.State())
	}
	if _, ok := o.Outcome(); ok {
		t.Error("outcome should be cleared by reset")
	}

	if err := o.Connect(&spyBackend{}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if out, _ := o.Run(ctx); !out.Success() {
		t.Fatalf("second run failed: %v", out.Err)
	}
}

func TestStartPreconditions(t *testing.T) {
	payload := []byte("payload")
	ctx := context.Background()

	o := New(staticFetcher(payload), unbounded())
	if _, err := o.Start(ctx); !errors.Is(err, ErrNoImageSelected) {
		t.Errorf("expected ErrNoImageSelected, got %v", err)
	}

	if err := o.SelectImage(ctx, imageFor(payload)); err != nil {
		t.Fatalf("SelectImage: %v", err)
	}
	if _, err := o.Start(ctx); !errors.IsKind(err, errors.KindNoDeviceSelected) {
		t.Errorf("expected no_device_selected, got %v", err)
	}
	if o.State() != progress.StatusIdle {
		t.Errorf("rejected start changed state to %s", o.State())
	}
	if o.CurrentError() == "" {
		t.Error("rejected start should set the current error")
	}

	if err := o.Connect(&spyBackend{}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if o.CurrentError() != "" {
		t.Error("connect should clear the current error")
	}
	if err := o.Connect(&spyBackend{}); !errors.Is(err, ErrDeviceInUse) {
		t.Errorf("expected ErrDeviceInUse, got %v", err)
	}

	runID, err := o.Start(ctx)
	if err != nil || runID == "" {
		t.Fatalf("Start: %q, %v", runID, err)
	}
	if _, err := o.Start(ctx); !errors.Is(err, ErrRunInProgress) {
		t.Errorf("expected ErrRunInProgress, got %v", err)
	}
	if err := o.SelectImage(ctx, imageFor(payload)); !errors.Is(err, ErrRunInProgress) {
		t.Errorf("expected ErrRunInProgress from SelectImage, got %v", err)
	}
	if err := o.Disconnect(); !errors.Is(err, ErrRunInProgress) {
		t.Errorf("expected ErrRunInProgress from Disconnect, got %v", err)
	}
	if err := o.Reset(); !errors.Is(err, ErrRunInProgress) {
		t.Errorf("expected ErrRunInProgress from Reset, got %v", err)
	}
	if err := o.Verify(ctx); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("verify before download: expected ErrInvalidTransition, got %v", err)
	}
}

func TestAbort(t *testing.T) {
	payload := []byte("payload")
	ctx := context.Background()

	spy := &spyBackend{}
	o := New(staticFetcher(payload), unbounded())
	ready(t, o, imageFor(payload), spy)

	if err := o.Abort(stderrors.New("driver gone")); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("abort while idle: expected ErrInvalidTransition, got %v", err)
	}

	if _, err := o.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := o.Abort(stderrors.New("driver gone")); err == nil {
		t.Fatal("Abort should return the terminal error")
	}

	if o.State() != progress.StatusError {
		t.Fatalf("state after abort = %s", o.State())
	}
	out, ok := o.Outcome()
	if !ok || out.Kind() != errors.KindUnknown || out.Message() != "Flash aborted" {
		t.Errorf("outcome = %+v", out)
	}
	if o.CurrentError() != "Flash aborted" {
		t.Errorf("current error = %q", o.CurrentError())
	}
	if spy.closes != 1 {
		t.Errorf("backend closed %d times, want 1", spy.closes)
	}
	if err := o.Reset(); err != nil {
		t.Errorf("Reset after abort: %v", err)
	}

	// a classified cause keeps its kind
	if err := o.Connect(&spyBackend{}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if _, err := o.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	o.Abort(errors.New(errors.KindFetchFailed, "download", "Failed to download recovery image"))
	if out, _ := o.Outcome(); out.Kind() != errors.KindFetchFailed {
		t.Errorf("outcome kind = %s", out.Kind())
	}
}

func TestSelectImage(t *testing.T) {
	ctx := context.Background()
	img := image.RecoveryImage{Name: "Big", URL: "https://example.com/big.bin", FileSize: 1000, MD5: "a", SHA1: "b"}

	tests := []struct {
		name      string
		available uint64
		wantErr   bool
	}{
		{"margin not met", 1400, true},
		{"margin met", 1600, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prober := preflight.ProberFunc(func(context.Context) (uint64, error) { return tt.available, nil })
			o := New(staticFetcher(nil), WithPreflight(preflight.NewChecker(prober)))

			err := o.SelectImage(ctx, img)
			if !tt.wantErr {
				if err != nil {
					t.Fatalf("SelectImage: %v", err)
				}
				if _, ok := o.Image(); !ok {
					t.Error("image should be selected")
				}
				return
			}

			if !errors.IsKind(err, errors.KindInsufficientStorage) {
				t.Fatalf("expected insufficient_storage, got %v", err)
			}
			if o.CurrentError() != "Insufficient storage space" {
				t.Errorf("current error = %q", o.CurrentError())
			}
			if _, ok := o.Image(); ok {
				t.Error("rejected image must not be selected")
			}
		})
	}

	o := New(staticFetcher(nil), unbounded())
	if err := o.SelectImage(ctx, image.RecoveryImage{Name: "No digests", URL: "https://example.com/x"}); !errors.Is(err, ErrImageNotFlashable) {
		t.Errorf("expected ErrImageNotFlashable, got %v", err)
	}
}

func TestWrite_NoDevice(t *testing.T) {
	payload := []byte("payload")
	o := New(staticFetcher(payload), unbounded())
	ready(t, o, imageFor(payload), &spyBackend{})

	ctx := context.Background()
	if _, err := o.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := o.Download(ctx); err != nil {
		t.Fatalf("Download: %v", err)
	}
	if err := o.Verify(ctx); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	// simulate the handle vanishing between stages
	o.mu.Lock()
	o.device = nil
	o.mu.Unlock()

	err := o.Write(ctx)
	if !errors.IsKind(err, errors.KindDeviceNotConnected) {
		t.Fatalf("expected device_not_connected, got %v", err)
	}
	if out, ok := o.Outcome(); !ok || out.Kind() != errors.KindDeviceNotConnected {
		t.Errorf("outcome = %+v", out)
	}
}
