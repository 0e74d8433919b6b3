package executor

import (
	"fmt"
	"time"

	"github.com/distrokit/relgate/internal/checkpoint"
)

// StageStatus is one ladder rung of a status report.
type StageStatus struct {
	Stage  Stage
	Record checkpoint.Record

	// Stale means the recorded fingerprint no longer matches the
	// artifacts on disk. Purely informational; nothing is invalidated.
	Stale bool
}

// Report is the full ladder view for one distro.
type Report struct {
	Distro string
	Stages []StageStatus
}

// Status reports the recorded ladder without mutating anything. An
// unreadable state file degrades to an all-unknown ladder rather than an
// error; artifact resolution problems just leave Stale unset.
func (e *Executor) Status(distroID string) (Report, error) {
	profile, err := e.Profiles.Lookup(distroID)
	if err != nil {
		return Report{}, err
	}

	state, err := e.Checkpoints.Load(distroID)
	if err != nil {
		e.logger().Warn("unreadable checkpoint state, reporting unknown",
			"distro", distroID, "error", err)
		state = checkpoint.NewState(NumStages())
	}

	report := Report{Distro: distroID}
	for _, stage := range Ladder() {
		entry := StageStatus{Stage: stage, Record: state[stage.ID]}
		if entry.Record.Status != checkpoint.StatusUnknown {
			if _, fingerprint, err := e.resolveArtifacts(profile, stage); err == nil {
				entry.Stale = entry.Record.Fingerprint != fingerprint
			}
		}
		report.Stages = append(report.Stages, entry)
	}
	return report, nil
}

// Reset discards all recorded checkpoints for a distro.
func (e *Executor) Reset(distroID string) error {
	if _, err := e.Profiles.Lookup(distroID); err != nil {
		return err
	}
	return e.Checkpoints.Reset(distroID)
}

// Override records an operator decision to treat a Blocked stage as
// passed. The decision is persisted with its reason and survives in the
// audit trail until the stage is re-verified or invalidated.
func (e *Executor) Override(distroID string, stageID int, reason string) (checkpoint.Record, error) {
	if reason == "" {
		return checkpoint.Record{}, fmt.Errorf("an override requires a reason")
	}
	stage, ok := StageByID(stageID)
	if !ok {
		return checkpoint.Record{}, fmt.Errorf("no stage %d: ladder runs 0..%d", stageID, NumStages()-1)
	}
	if _, err := e.Profiles.Lookup(distroID); err != nil {
		return checkpoint.Record{}, err
	}
	state, err := e.Checkpoints.Load(distroID)
	if err != nil {
		return checkpoint.Record{}, err
	}

	current := state[stageID]
	if current.Status != checkpoint.StatusBlocked {
		return checkpoint.Record{}, fmt.Errorf("stage %d is %s: only blocked stages can be overridden",
			stageID, current.Status)
	}
	if stage.RequiresPredecessor && state[stageID-1].Status != checkpoint.StatusPass {
		return checkpoint.Record{}, &GatingError{
			Distro:      distroID,
			Stage:       stageID,
			Predecessor: stageID - 1,
			Status:      state[stageID-1].Status,
		}
	}

	record := checkpoint.Record{
		Stage:          stageID,
		Status:         checkpoint.StatusPass,
		Fingerprint:    current.Fingerprint,
		VerifiedAt:     time.Now().UTC(),
		Overridden:     true,
		OverrideReason: reason,
	}
	next := state.Clone()
	next[stageID] = record
	if err := e.Checkpoints.Save(distroID, next); err != nil {
		return checkpoint.Record{}, err
	}

	e.logger().Warn("stage override recorded",
		"distro", distroID, "stage", stage.Name, "reason", reason)
	return record, nil
}
