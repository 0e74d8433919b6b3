// Package checkpoint persists the per-distro stage ladder: which stages are
// verified, under what artifact fingerprint, and when. Records are the
// ground truth for gating, so they are only ever replaced atomically and
// never in a form that violates the ladder invariant.
package checkpoint

import (
	"fmt"
	"time"
)

// Status is the verification outcome recorded for a stage.
type Status string

// Stage statuses. Unknown means the stage has not been verified against the
// current artifacts.
const (
	StatusPass    Status = "pass"
	StatusFail    Status = "fail"
	StatusBlocked Status = "blocked"
	StatusUnknown Status = "unknown"
)

// Record is one stage's persisted verification outcome.
type Record struct {
	Stage       int       `json:"stage"`
	Status      Status    `json:"status"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	VerifiedAt  time.Time `json:"verified_at,omitempty"`

	// Overridden marks an operator decision to treat a blocked stage as
	// passed. It is always persisted together with the reason given.
	Overridden     bool   `json:"overridden,omitempty"`
	OverrideReason string `json:"override_reason,omitempty"`
}

// State is the ordered ladder of records for one distro, index == stage id.
type State []Record

// NewState returns an all-unknown ladder of the given length.
func NewState(stages int) State {
	state := make(State, stages)
	for i := range state {
		state[i] = Record{Stage: i, Status: StatusUnknown}
	}
	return state
}

// Validate checks the ladder invariant: a stage may only be Pass when its
// predecessor is Pass. Stage 0 has no predecessor.
func (s State) Validate() error {
	for i, record := range s {
		if record.Stage != i {
			return fmt.Errorf("record %d carries stage id %d", i, record.Stage)
		}
		if i > 0 && record.Status == StatusPass && s[i-1].Status != StatusPass {
			return fmt.Errorf("stage %d is pass but stage %d is %s", i, i-1, s[i-1].Status)
		}
	}
	return nil
}

// Clone returns an independent copy of the state.
func (s State) Clone() State {
	out := make(State, len(s))
	copy(out, s)
	return out
}
