// Package executor runs the stage ladder: it gates each stage on its
// predecessor, invalidates stale checkpoints against artifact
// fingerprints, drives the VM probes, and persists classified outcomes.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/distrokit/relgate/internal/artifactstore"
	"github.com/distrokit/relgate/internal/checkpoint"
	"github.com/distrokit/relgate/internal/distro"
	"github.com/distrokit/relgate/internal/logging"
	"github.com/distrokit/relgate/internal/vm"
)

// evidenceBytes bounds the serial tail attached to a failed result.
const evidenceBytes = 4096

const defaultInstallDiskMB = 8192

// Executor wires the checkpoint store, artifact store, distro profiles
// and VM launcher into the verification pipeline.
type Executor struct {
	Checkpoints *checkpoint.Store
	Artifacts   *artifactstore.Store
	Profiles    *distro.Set
	Launcher    Launcher

	// RuntimeDir holds per-run scratch: target disks and seed media.
	RuntimeDir string

	Logger *slog.Logger
}

// Result is the outcome of one stage run.
type Result struct {
	Distro string
	Stage  Stage
	Record checkpoint.Record

	// Cached is set when a fresh Pass checkpoint short-circuited the run.
	Cached bool

	// FailedStep, Note and Evidence describe a non-Pass outcome.
	FailedStep string
	Note       string
	Evidence   []byte

	// Screendump is the path of a display capture taken when a VM stage
	// did not pass, empty when none could be taken.
	Screendump string
}

// outcome is a classified verification verdict. err is reserved for
// harness faults that must not be recorded as a stage status.
type outcome struct {
	status     checkpoint.Status
	step       string
	note       string
	evidence   []byte
	screendump string
	err        error
}

func (e *Executor) logger() *slog.Logger {
	return logging.Ensure(e.Logger).With("component", "executor")
}

// RunStage verifies a single stage for a distro. A GatingError is
// returned, not persisted, when the predecessor has not passed. Fresh
// passing checkpoints short-circuit without starting a VM.
func (e *Executor) RunStage(ctx context.Context, distroID string, stageID int) (Result, error) {
	stage, ok := StageByID(stageID)
	if !ok {
		return Result{}, fmt.Errorf("no stage %d: ladder runs 0..%d", stageID, NumStages()-1)
	}
	profile, err := e.Profiles.Lookup(distroID)
	if err != nil {
		return Result{}, err
	}
	state, err := e.Checkpoints.Load(distroID)
	if err != nil {
		return Result{}, err
	}

	if stage.RequiresPredecessor && state[stageID-1].Status != checkpoint.StatusPass {
		return Result{}, &GatingError{
			Distro:      distroID,
			Stage:       stageID,
			Predecessor: stageID - 1,
			Status:      state[stageID-1].Status,
		}
	}

	log := e.logger().With("distro", distroID, "stage", stage.Name)

	resolved, fingerprint, err := e.resolveArtifacts(profile, stage)
	if err != nil {
		var missing *ArtifactMissingError
		if !errors.As(err, &missing) {
			return Result{}, err
		}
		// Stage 0's whole question is artifact presence, so absence is a
		// Fail there. Anywhere else the probe never got a chance to run.
		status := checkpoint.StatusBlocked
		if stageID == 0 {
			status = checkpoint.StatusFail
		}
		record, perr := e.persist(distroID, state, checkpoint.Record{
			Stage:      stageID,
			Status:     status,
			VerifiedAt: time.Now().UTC(),
		})
		if perr != nil {
			return Result{}, perr
		}
		log.Warn("stage verified", "status", status, "reason", missing.Error())
		return Result{
			Distro:     distroID,
			Stage:      stage,
			Record:     record,
			FailedStep: "resolve-artifacts",
			Note:       missing.Error(),
		}, nil
	}

	state, invalidated, err := e.Checkpoints.InvalidateIfStale(distroID, stageID, fingerprint)
	if err != nil {
		return Result{}, err
	}
	if invalidated {
		log.Info("checkpoint invalidated", "fingerprint", fingerprint)
	}

	if record := state[stageID]; record.Status == checkpoint.StatusPass && record.Fingerprint == fingerprint {
		log.Info("checkpoint fresh, skipping", "verified_at", record.VerifiedAt)
		return Result{Distro: distroID, Stage: stage, Record: record, Cached: true}, nil
	}

	var verdict outcome
	switch {
	case stage.NeedsVM:
		verdict = e.runVMStage(ctx, profile, stage, resolved)
	case stageID == 0:
		// Presence and admission already happened in resolveArtifacts.
		verdict = outcome{status: checkpoint.StatusPass}
	default:
		verdict = e.verifyRelease(resolved)
	}
	if verdict.err != nil {
		return Result{}, verdict.err
	}

	record, err := e.persist(distroID, state, checkpoint.Record{
		Stage:       stageID,
		Status:      verdict.status,
		Fingerprint: fingerprint,
		VerifiedAt:  time.Now().UTC(),
	})
	if err != nil {
		return Result{}, err
	}

	if verdict.status == checkpoint.StatusPass {
		log.Info("stage verified", "status", verdict.status)
	} else {
		log.Warn("stage verified", "status", verdict.status, "step", verdict.step, "reason", verdict.note)
	}
	return Result{
		Distro:     distroID,
		Stage:      stage,
		Record:     record,
		FailedStep: verdict.step,
		Note:       verdict.note,
		Evidence:   verdict.evidence,
		Screendump: verdict.screendump,
	}, nil
}

// RunUpTo runs stages 0 through upTo in order, stopping at the first
// stage that does not pass.
func (e *Executor) RunUpTo(ctx context.Context, distroID string, upTo int) ([]Result, error) {
	if _, ok := StageByID(upTo); !ok {
		return nil, fmt.Errorf("no stage %d: ladder runs 0..%d", upTo, NumStages()-1)
	}
	var results []Result
	for id := 0; id <= upTo; id++ {
		result, err := e.RunStage(ctx, distroID, id)
		if err != nil {
			return results, err
		}
		results = append(results, result)
		if result.Record.Status != checkpoint.StatusPass {
			break
		}
	}
	return results, nil
}

// persist writes a stage record, demoting every later stage to Unknown
// when the record is not a Pass so the ladder invariant holds.
func (e *Executor) persist(distroID string, state checkpoint.State, record checkpoint.Record) (checkpoint.Record, error) {
	next := state.Clone()
	next[record.Stage] = record
	if record.Status != checkpoint.StatusPass {
		for i := record.Stage + 1; i < len(next); i++ {
			next[i] = checkpoint.Record{Stage: i, Status: checkpoint.StatusUnknown}
		}
	}
	if err := e.Checkpoints.Save(distroID, next); err != nil {
		return checkpoint.Record{}, err
	}
	return record, nil
}

// runVMStage boots the configured machine and walks the stage's probe
// plan, classifying the first error it hits.
func (e *Executor) runVMStage(ctx context.Context, profile distro.Profile, stage Stage, resolved []resolvedArtifact) outcome {
	cfg, cleanup, err := e.startConfig(profile, stage, resolved)
	if err != nil {
		return outcome{err: err}
	}
	defer cleanup()

	session, err := e.Launcher.Start(ctx, cfg)
	if err != nil {
		return classify("launch", err, nil)
	}
	defer session.Stop()

	steps := append([]probeStep{handshakeStep()}, stageProbes(stage, profile)...)
	for _, step := range steps {
		if err := step.run(ctx, session); err != nil {
			verdict := classify(step.name, err, session)
			if verdict.err == nil {
				verdict.screendump = e.captureScreendump(profile, stage, session)
			}
			return verdict
		}
	}
	return outcome{status: checkpoint.StatusPass}
}

// captureScreendump grabs the guest display into the evidence directory.
// Best effort: a guest too dead to answer just yields no capture.
func (e *Executor) captureScreendump(profile distro.Profile, stage Stage, session Session) string {
	dir := filepath.Join(e.RuntimeDir, "evidence")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ""
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-%s-%d.ppm", profile.ID, stage.Name, time.Now().Unix()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := session.Control(ctx, "screendump", map[string]any{"filename": path}); err != nil {
		return ""
	}
	return path
}

func handshakeStep() probeStep {
	return probeStep{
		name: "control-handshake",
		run: func(ctx context.Context, session Session) error {
			return session.Handshake(ctx)
		},
	}
}

// classify maps a probe error onto the status taxonomy. A definitive
// wrong answer or a missed lifecycle marker is a Fail; harness-side
// faults (dead process, broken control channel) are Blocked; context
// cancellation propagates unrecorded.
func classify(step string, err error, session Session) outcome {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return outcome{err: err}
	}

	var failure *probeFailure
	if errors.As(err, &failure) {
		return outcome{
			status:   checkpoint.StatusFail,
			step:     step,
			note:     failure.msg,
			evidence: failure.evidence,
		}
	}
	var timeout *vm.TimeoutError
	if errors.As(err, &timeout) {
		return outcome{
			status:   checkpoint.StatusFail,
			step:     step,
			note:     timeout.Error(),
			evidence: timeout.Tail,
		}
	}
	var process *vm.ProcessError
	if errors.As(err, &process) {
		return outcome{
			status:   checkpoint.StatusBlocked,
			step:     step,
			note:     process.Error(),
			evidence: process.Tail,
		}
	}
	var protocol *vm.ProtocolError
	if errors.As(err, &protocol) {
		return outcome{status: checkpoint.StatusBlocked, step: step, note: protocol.Error()}
	}

	evidence := []byte(nil)
	if session != nil {
		evidence = session.SerialTail(evidenceBytes)
	}
	return outcome{
		status:   checkpoint.StatusBlocked,
		step:     step,
		note:     err.Error(),
		evidence: evidence,
	}
}

// startConfig shapes the VM for a stage: live media for the early rungs,
// the installed disk afterwards, plus a freshly built seed ISO and blank
// target disk for the install stage.
func (e *Executor) startConfig(profile distro.Profile, stage Stage, resolved []resolvedArtifact) (vm.StartConfig, func(), error) {
	cleanup := func() {}

	diskDir := filepath.Join(e.RuntimeDir, "disks")
	if err := os.MkdirAll(diskDir, 0o755); err != nil {
		return vm.StartConfig{}, cleanup, err
	}
	diskPath := filepath.Join(diskDir, profile.ID+".img")

	cfg := vm.StartConfig{
		Distro:       profile.ID,
		Purpose:      stage.Name,
		DiskPath:     diskPath,
		BootFromDisk: stage.BootFromDisk,
		Machine:      profile.Machine,
	}
	if iso, ok := findResolved(resolved, artifactstore.KindIso); ok && !stage.BootFromDisk {
		cfg.ISOPath = iso.path
	}

	if stage.UsesSeed {
		// Install runs start from a blank target disk.
		if err := os.Remove(diskPath); err != nil && !os.IsNotExist(err) {
			return vm.StartConfig{}, cleanup, err
		}
		cfg.DiskSizeMB = profile.InstallDiskMB
		if cfg.DiskSizeMB <= 0 {
			cfg.DiskSizeMB = defaultInstallDiskMB
		}

		seedPath := filepath.Join(e.RuntimeDir, fmt.Sprintf("seed-%s-%s.iso", profile.ID, stage.Name))
		payload := vm.SeedEnv(map[string]string{
			"INSTALL_TARGET": "/dev/vda",
			"HOSTNAME":       profile.ID,
			"DISTRO":         profile.ID,
		})
		err := vm.WriteSeedISO(map[string][]byte{"install.env": payload}, seedPath, "RELGATE_SEED")
		if err != nil {
			return vm.StartConfig{}, cleanup, fmt.Errorf("build seed iso: %w", err)
		}
		cfg.SeedISOPath = seedPath
		cleanup = func() { os.Remove(seedPath) }
	}
	return cfg, cleanup, nil
}

// verifyRelease checks the published checksum against the stored ISO.
// Reading the blob back re-verifies its content hash, so cache
// corruption surfaces here as Blocked rather than a bogus Fail.
func (e *Executor) verifyRelease(resolved []resolvedArtifact) outcome {
	iso, ok := findResolved(resolved, artifactstore.KindIso)
	if !ok {
		return outcome{err: fmt.Errorf("release stage resolved without an iso artifact")}
	}
	checksum, ok := findResolved(resolved, artifactstore.KindIsoChecksum)
	if !ok {
		return outcome{err: fmt.Errorf("release stage resolved without a checksum artifact")}
	}

	if _, err := e.Artifacts.ReadBlob(iso.entry); err != nil {
		var corrupt *artifactstore.CorruptionError
		if errors.As(err, &corrupt) {
			return outcome{status: checkpoint.StatusBlocked, step: "read-iso", note: corrupt.Error()}
		}
		return outcome{err: err}
	}

	raw, err := e.Artifacts.ReadBlob(checksum.entry)
	if err != nil {
		var corrupt *artifactstore.CorruptionError
		if errors.As(err, &corrupt) {
			return outcome{status: checkpoint.StatusBlocked, step: "read-checksum", note: corrupt.Error()}
		}
		return outcome{err: err}
	}
	fields := strings.Fields(string(raw))
	if len(fields) == 0 {
		return outcome{
			status: checkpoint.StatusFail,
			step:   "parse-checksum",
			note:   "checksum file is empty",
		}
	}
	expected := strings.ToLower(fields[0])
	if expected != iso.entry.ContentHash {
		return outcome{
			status: checkpoint.StatusFail,
			step:   "compare-checksum",
			note: fmt.Sprintf("published checksum %s does not match iso content %s",
				expected, iso.entry.ContentHash),
		}
	}
	return outcome{status: checkpoint.StatusPass}
}
