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

// Machine holds dependencies for FSM transitions
type Machine struct {
	orch *pipeline.Orchestrator
	repo *db.Repository
	// retryOf reports how often the current stage was redelivered.
	retryOf func(context.Context) uint64
}

// NewMachine creates a new FSM machine. repo may be nil to skip history.
func NewMachine(orch *pipeline.Orchestrator, repo *db.Repository) *Machine {
	return &Machine{
		orch:    orch,
		repo:    repo,
		retryOf: func(ctx context.Context) uint64 { return uint64(fsm.RetryFromContext(ctx)) },
	}
}

type stageFunc func(ctx context.Context) error

// runStage runs one pipeline stage. Stages are never retried: a failure,
// or a redelivery after one, aborts the machine.
func (m *Machine) runStage(ctx context.Context, req *fsm.Request[FlashRequest, FlashResponse], state, status string, stage stageFunc) (*fsm.Response[FlashResponse], error) {
	runID := req.Msg.RunID
	slog.Info("fsm_state_"+state, "run_id", runID)

	resp := req.W.Msg
	if resp == nil {
		resp = &FlashResponse{RunID: runID}
	}

	if retry := m.retryOf(ctx); retry > 0 {
		slog.Error("fsm_stage_redelivered", "run_id", runID, "state", state, "retry", retry)
		err := fmt.Errorf("stage %s cannot be retried", state)
		m.abort(resp, err)
		return nil, fsm.Abort(err)
	}

	m.record(resp, status)

	if err := stage(ctx); err != nil {
		m.fail(resp, err)
		return nil, fsm.Abort(err)
	}

	m.snapshot(resp)
	return fsm.NewResponse(resp), nil
}

func (m *Machine) handleDownload(ctx context.Context, req *fsm.Request[FlashRequest, FlashResponse]) (*fsm.Response[FlashResponse], error) {
	return m.runStage(ctx, req, StateDownload, db.StatusDownloading, m.orch.Download)
}

func (m *Machine) handleVerify(ctx context.Context, req *fsm.Request[FlashRequest, FlashResponse]) (*fsm.Response[FlashResponse], error) {
	return m.runStage(ctx, req, StateVerify, db.StatusVerifying, m.orch.Verify)
}

func (m *Machine) handleWrite(ctx context.Context, req *fsm.Request[FlashRequest, FlashResponse]) (*fsm.Response[FlashResponse], error) {
	return m.runStage(ctx, req, StateWrite, db.StatusWriting, m.orch.Write)
}

// handleComplete marks the flash as complete
func (m *Machine) handleComplete(ctx context.Context, req *fsm.Request[FlashRequest, FlashResponse]) (*fsm.Response[FlashResponse], error) {
	slog.Info("fsm_state_complete", "run_id", req.Msg.RunID)

	resp := req.W.Msg
	if resp == nil {
		resp = &FlashResponse{RunID: req.Msg.RunID}
	}

	out, ok := m.orch.Outcome()
	if !ok || !out.Success() {
		err := fmt.Errorf("flash %s reached complete without a successful outcome", req.Msg.RunID)
		m.fail(resp, err)
		return nil, fsm.Abort(err)
	}

	m.snapshot(resp)
	m.record(resp, db.StatusComplete)

	slog.Info("fsm_complete", "run_id", req.Msg.RunID, "bytes_written", resp.BytesWritten)
	return fsm.NewResponse(resp), nil
}

// snapshot copies the orchestrator progress into resp.
func (m *Machine) snapshot(resp *FlashResponse) {
	p := m.orch.Progress()
	resp.BytesWritten = p.BytesWritten
	resp.TotalBytes = p.TotalBytes
}

func (m *Machine) fail(resp *FlashResponse, err error) {
	resp.ErrorKind = string(errors.KindOf(err))
	resp.ErrorMessage = errors.MessageOf(err)
	if out, ok := m.orch.Outcome(); ok {
		resp.BytesWritten = out.BytesWritten
	}
	m.record(resp, db.StatusFailed)
}

// record stores resp in the flash history. History is best effort and
// never changes the outcome of a run.
func (m *Machine) record(resp *FlashResponse, status string) {
	resp.Status = status
	if m.repo == nil {
		return
	}

	err := m.repo.UpdateFlash(&db.Flash{
		RunID:        resp.RunID,
		Status:       status,
		BytesWritten: resp.BytesWritten,
		TotalBytes:   resp.TotalBytes,
		ErrorKind:    resp.ErrorKind,
		ErrorMessage: resp.ErrorMessage,
	})
	if err != nil {
		slog.Warn("flash_history_update_failed", "run_id", resp.RunID, "status", status, "error", err)
	}
}
