package progress

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// ReporterOptions configures the terminal reporter.
type ReporterOptions struct {
	// Output is where to write progress lines.
	// Default: os.Stdout
	Output io.Writer

	// MinInterval throttles non-final updates within one stage.
	// Default: 500ms
	MinInterval time.Duration

	// Label is shown before every line, e.g. the image name.
	Label string
}

// Reporter prints human-readable progress lines for pipeline snapshots.
// It is safe to call Update from any goroutine.
type Reporter struct {
	opts ReporterOptions

	mu         sync.Mutex
	lastStatus Status
	lastPrint  time.Time
	now        func() time.Time
}

// NewReporter creates a new reporter.
func NewReporter(opts ReporterOptions) *Reporter {
	if opts.Output == nil {
		opts.Output = os.Stdout
	}
	if opts.MinInterval == 0 {
		opts.MinInterval = 500 * time.Millisecond
	}
	return &Reporter{opts: opts, now: time.Now}
}

// Update prints p unless it is a throttled intermediate update.
func (r *Reporter) Update(p Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	stageChanged := p.Status != r.lastStatus
	done := p.TotalBytes > 0 && p.BytesWritten >= p.TotalBytes
	if !stageChanged && !done && !p.Status.Terminal() && now.Sub(r.lastPrint) < r.opts.MinInterval {
		return
	}
	r.lastStatus = p.Status
	r.lastPrint = now

	fmt.Fprintln(r.opts.Output, r.format(p))
}

func (r *Reporter) format(p Progress) string {
	prefix := "[rflash]"
	if r.opts.Label != "" {
		prefix = fmt.Sprintf("[rflash] %s", r.opts.Label)
	}

	switch p.Status {
	case StatusError:
		return fmt.Sprintf("%s Error: %s", prefix, p.ErrorMessage)
	case StatusComplete:
		return fmt.Sprintf("%s Complete: %s written", prefix, humanize.IBytes(uint64(p.BytesWritten)))
	case StatusIdle, StatusVerifying:
		return fmt.Sprintf("%s %s", prefix, stageLabel(p.Status))
	}

	eta := "calculating..."
	if d, ok := p.ETA(); ok {
		eta = FormatDuration(d)
	}

	return fmt.Sprintf("%s %s: %.1f%% | %s / %s | Speed: %s/s | ETA: %s",
		prefix,
		stageLabel(p.Status),
		p.Percent(),
		humanize.IBytes(uint64(p.BytesWritten)),
		humanize.IBytes(uint64(p.TotalBytes)),
		humanize.IBytes(uint64(p.Speed)),
		eta,
	)
}

func stageLabel(s Status) string {
	switch s {
	case StatusDownloading:
		return "Downloading"
	case StatusVerifying:
		return "Verifying"
	case StatusWriting:
		return "Writing"
	case StatusIdle:
		return "Idle"
	}
	return string(s)
}

// FormatDuration formats a duration as a human-readable string.
func FormatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0fs", d.Seconds())
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm %ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%dh %dm %ds", h, m, s)
}
