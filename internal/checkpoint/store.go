package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/distrokit/relgate/internal/logging"
)

// Store persists one JSON ladder file per distro under BaseDir.
type Store struct {
	BaseDir string
	Stages  int
	Logger  *slog.Logger
}

func (s *Store) logger() *slog.Logger {
	return logging.Ensure(s.Logger).With("component", "checkpoint")
}

func (s *Store) statePath(distro string) string {
	return filepath.Join(s.BaseDir, distro+".json")
}

// Load returns the persisted ladder for the distro, or an all-unknown ladder
// if none has been written yet. Ladders persisted by an older stage set are
// extended with unknown records.
func (s *Store) Load(distro string) (State, error) {
	if distro == "" {
		return nil, errors.New("distro id is required")
	}

	raw, err := os.ReadFile(s.statePath(distro))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return NewState(s.Stages), nil
		}
		return nil, err
	}

	var state State
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("parse checkpoint state for %s: %w", distro, err)
	}
	for len(state) < s.Stages {
		state = append(state, Record{Stage: len(state), Status: StatusUnknown})
	}
	if err := state.Validate(); err != nil {
		return nil, fmt.Errorf("checkpoint state for %s is inconsistent: %w", distro, err)
	}
	return state, nil
}

// Save atomically replaces the distro's ladder file. States violating the
// ladder invariant are rejected and never reach disk.
func (s *Store) Save(distro string, state State) error {
	if distro == "" {
		return errors.New("distro id is required")
	}
	if err := state.Validate(); err != nil {
		return fmt.Errorf("refusing to persist invalid state: %w", err)
	}

	if err := os.MkdirAll(s.BaseDir, 0o755); err != nil {
		return err
	}

	payload, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}

	path := s.statePath(distro)
	tmp, err := os.CreateTemp(s.BaseDir, "."+distro+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// InvalidateIfStale compares the stored fingerprint for stage against the
// current one. On mismatch it resets the stage and every later stage to
// unknown and persists the result: later stages were verified on top of the
// state this stage produced, so a changed input invalidates them too.
// It returns the (possibly updated) state and whether a cascade happened.
func (s *Store) InvalidateIfStale(distro string, stage int, currentFingerprint string) (State, bool, error) {
	state, err := s.Load(distro)
	if err != nil {
		return nil, false, err
	}
	if stage < 0 || stage >= len(state) {
		return nil, false, fmt.Errorf("stage %d out of range", stage)
	}

	record := state[stage]
	if record.Status == StatusUnknown || record.Fingerprint == currentFingerprint {
		return state, false, nil
	}

	for i := stage; i < len(state); i++ {
		state[i] = Record{Stage: i, Status: StatusUnknown}
	}
	if err := s.Save(distro, state); err != nil {
		return nil, false, err
	}

	s.logger().Info("stale checkpoints invalidated",
		"distro", distro,
		"from_stage", stage,
		"stored_fingerprint", record.Fingerprint,
		"current_fingerprint", currentFingerprint)
	return state, true, nil
}

// Reset removes the distro's ladder file, returning it to all-unknown.
func (s *Store) Reset(distro string) error {
	if distro == "" {
		return errors.New("distro id is required")
	}
	if err := os.Remove(s.statePath(distro)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
