package executor

import (
	"fmt"

	"github.com/distrokit/relgate/internal/artifactstore"
	"github.com/distrokit/relgate/internal/checkpoint"
)

// GatingError reports a refusal to run a stage whose predecessor has not
// passed. Nothing is persisted and no VM is started.
type GatingError struct {
	Distro      string
	Stage       int
	Predecessor int
	Status      checkpoint.Status
}

func (e *GatingError) Error() string {
	return fmt.Sprintf("stage %d for %s is gated: stage %d is %s, not %s",
		e.Stage, e.Distro, e.Predecessor, e.Status, checkpoint.StatusPass)
}

// ArtifactMissingError reports a required artifact file that is absent
// from the distro's artifact directory.
type ArtifactMissingError struct {
	Kind artifactstore.Kind
	Path string
}

func (e *ArtifactMissingError) Error() string {
	return fmt.Sprintf("artifact %q not found at %s", e.Kind, e.Path)
}

// probeFailure is a definitive wrong answer from the guest: the probe ran
// to completion and the result was bad. It classifies as Fail, never
// Blocked.
type probeFailure struct {
	step     string
	msg      string
	evidence []byte
}

func (e *probeFailure) Error() string {
	return fmt.Sprintf("probe %s failed: %s", e.step, e.msg)
}
