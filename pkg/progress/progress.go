// Package progress defines the transfer progress snapshot shared by the
// flash pipeline, the transfer engine and their observers.
package progress

import (
	"math"
	"time"
)

// Status is the pipeline stage a snapshot was taken in.
type Status string

const (
	StatusIdle        Status = "idle"
	StatusDownloading Status = "downloading"
	StatusVerifying   Status = "verifying"
	StatusWriting     Status = "writing"
	StatusComplete    Status = "complete"
	StatusError       Status = "error"
)

// Terminal reports whether no further automatic transition follows s.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusError
}

// Active reports whether a run is in flight.
func (s Status) Active() bool {
	return s == StatusDownloading || s == StatusVerifying || s == StatusWriting
}

// Progress is an immutable snapshot of a run. BytesWritten counts fetched
// bytes while downloading and device bytes while writing.
type Progress struct {
	BytesWritten int64
	TotalBytes   int64
	// Speed is bytes per second since the stage started.
	Speed float64
	// TimeRemaining is seconds left, +Inf when Speed is zero.
	TimeRemaining float64
	Status        Status
	ErrorMessage  string
}

// Percent returns completion in [0, 100], or 0 when TotalBytes is unknown.
func (p Progress) Percent() float64 {
	if p.TotalBytes <= 0 {
		return 0
	}
	return float64(p.BytesWritten) / float64(p.TotalBytes) * 100
}

// ETA converts TimeRemaining to a duration. ok is false when it is unknown.
func (p Progress) ETA() (d time.Duration, ok bool) {
	if math.IsInf(p.TimeRemaining, 0) || math.IsNaN(p.TimeRemaining) || p.TimeRemaining < 0 {
		return 0, false
	}
	return time.Duration(p.TimeRemaining * float64(time.Second)), true
}

// Unknown is the TimeRemaining of a stage with no measurable speed yet.
func Unknown() float64 {
	return math.Inf(1)
}

// MinElapsed floors the elapsed time used for speed so the first update
// never divides by zero.
const MinElapsed = time.Millisecond

// Rate derives speed and remaining time for done of total bytes after
// elapsed time.
func Rate(done, total int64, elapsed time.Duration) (speed, remaining float64) {
	if elapsed < MinElapsed {
		elapsed = MinElapsed
	}
	speed = float64(done) / elapsed.Seconds()
	if speed <= 0 {
		return 0, math.Inf(1)
	}
	left := total - done
	if left < 0 {
		left = 0
	}
	return speed, float64(left) / speed
}
