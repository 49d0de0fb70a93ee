// Package fsm drives a flash run through the superfly/fsm state machine.
// Each transition runs one pipeline stage and records the run in the flash
// history.
package fsm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/superfly/fsm"

	"github.com/recoverytools/rflash/pkg/db"
	"github.com/recoverytools/rflash/pkg/errors"
	"github.com/recoverytools/rflash/pkg/pipeline"
)

// Register registers the flash FSM
func (m *Machine) Register(ctx context.Context, manager *fsm.Manager) (fsm.Start[FlashRequest, FlashResponse], fsm.Resume, error) {
	start, resume, err := fsm.Register[FlashRequest, FlashResponse](manager, "flash").
		Start(StateDownload, m.handleDownload).
		To(StateVerify, m.handleVerify).
		To(StateWrite, m.handleWrite).
		To(StateComplete, m.handleComplete).
		End(StateFailed).
		Build(ctx)

	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to register FSM")
	}

	return start, resume, nil
}

// Run starts a flash on the orchestrator, records it and waits for the
// machine to finish. The returned error is set when the run could not be
// started; stage failures are reported through the Outcome.
func (m *Machine) Run(ctx context.Context, manager *fsm.Manager, start fsm.Start[FlashRequest, FlashResponse]) (pipeline.Outcome, error) {
	return m.run(ctx, func(ctx context.Context, runID string, req *fsm.Request[FlashRequest, FlashResponse]) error {
		version, err := start(ctx, runID, req)
		if err != nil {
			return errors.Wrap(err, "FSM start failed")
		}
		slog.Info("fsm_started", "run_id", runID, "version", version)

		if err := manager.Wait(ctx, version); err != nil {
			slog.Warn("fsm_wait_returned_error", "run_id", runID, "error", err)
		}
		return nil
	})
}

// launchFunc hands a started run to the machine and returns once the machine
// is done with it.
type launchFunc func(ctx context.Context, runID string, req *fsm.Request[FlashRequest, FlashResponse]) error

func (m *Machine) run(ctx context.Context, launch launchFunc) (pipeline.Outcome, error) {
	runID, err := m.orch.Start(ctx)
	if err != nil {
		return pipeline.Outcome{}, err
	}

	req := &FlashRequest{RunID: runID}
	if img, ok := m.orch.Image(); ok {
		req.ImageName = img.DisplayName()
		req.ImageURL = img.URL
	}
	if dev, ok := m.orch.Device(); ok {
		req.DeviceKind = string(dev.Kind())
		req.Target = dev.Target()
	}

	resp := &FlashResponse{RunID: runID}
	if err := m.createRecord(req, resp); err != nil {
		slog.Warn("flash_history_unavailable", "run_id", runID, "error", err)
	}

	if err := launch(ctx, runID, fsm.NewRequest(req, resp)); err != nil {
		m.abort(resp, err)
		return pipeline.Outcome{}, err
	}

	out, ok := m.orch.Outcome()
	if !ok {
		err := fmt.Errorf("flash %s did not reach a terminal state", runID)
		m.abort(resp, err)
		return pipeline.Outcome{}, err
	}
	return out, nil
}

// abort moves a run the machine can no longer drive to the error state and
// records it as failed.
func (m *Machine) abort(resp *FlashResponse, err error) {
	if aerr := m.orch.Abort(err); aerr != nil && errors.Is(aerr, pipeline.ErrInvalidTransition) {
		slog.Warn("flash_abort_skipped", "run_id", resp.RunID, "state", m.orch.State())
		return
	}
	m.fail(resp, err)
}

func (m *Machine) createRecord(req *FlashRequest, resp *FlashResponse) error {
	if m.repo == nil {
		return nil
	}

	var chromeVersion string
	if img, ok := m.orch.Image(); ok {
		chromeVersion = img.ChromeVersion
	}

	f := &db.Flash{
		RunID:         req.RunID,
		ImageName:     req.ImageName,
		ImageURL:      req.ImageURL,
		ChromeVersion: chromeVersion,
		DeviceKind:    req.DeviceKind,
		Target:        req.Target,
		Status:        db.StatusPending,
		TotalBytes:    m.orch.Progress().TotalBytes,
	}
	if err := m.repo.CreateFlash(f); err != nil {
		return err
	}
	resp.FlashID = f.ID
	return nil
}
