package pipeline

import (
	"fmt"

	"github.com/recoverytools/rflash/pkg/errors"
	"github.com/recoverytools/rflash/pkg/progress"
)

// transitions lists the forward moves allowed within one run. Leaving a
// terminal state is only possible through reset.
var transitions = map[progress.Status][]progress.Status{
	progress.StatusIdle:        {progress.StatusDownloading},
	progress.StatusDownloading: {progress.StatusVerifying, progress.StatusError},
	progress.StatusVerifying:   {progress.StatusWriting, progress.StatusError},
	progress.StatusWriting:     {progress.StatusComplete, progress.StatusError},
}

// CanTransition reports whether a run may move from one state to another.
func CanTransition(from, to progress.Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to progress.Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// Outcome is the terminal result of a run.
type Outcome struct {
	RunID        string
	Status       progress.Status
	BytesWritten int64
	// Err is a classified *errors.Error when Status is StatusError.
	Err error
}

// Success reports whether the run completed.
func (o Outcome) Success() bool {
	return o.Status == progress.StatusComplete
}

// Kind returns the failure classification, or the empty kind on success.
func (o Outcome) Kind() errors.Kind {
	if o.Err == nil {
		return ""
	}
	return errors.KindOf(o.Err)
}

// Message returns the user facing failure message.
func (o Outcome) Message() string {
	return errors.MessageOf(o.Err)
}
