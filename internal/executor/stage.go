package executor

import (
	"github.com/distrokit/relgate/internal/artifactstore"
)

// Stage is one rung of the verification ladder. Stages are configuration,
// not per-distro state; the ladder is identical for every distro.
type Stage struct {
	ID                  int
	Name                string
	RequiresPredecessor bool

	// Artifacts this stage's verification depends on. Their combined
	// fingerprint is the stage's staleness key.
	Artifacts []artifactstore.Kind

	// NeedsVM is false for stages verified without booting anything.
	NeedsVM bool
	// BootFromDisk boots the installed disk instead of the ISO.
	BootFromDisk bool
	// UsesSeed attaches the probe-payload seed ISO.
	UsesSeed bool
}

// Ladder returns the stage ladder, id 0 through 8. Only stage 0 runs
// without a verified predecessor.
func Ladder() []Stage {
	return []Stage{
		{
			ID:        0,
			Name:      "artifacts",
			Artifacts: artifactstore.Kinds(),
		},
		{
			ID:                  1,
			Name:                "boot",
			RequiresPredecessor: true,
			Artifacts:           []artifactstore.Kind{artifactstore.KindIso},
			NeedsVM:             true,
		},
		{
			ID:                  2,
			Name:                "live-tools",
			RequiresPredecessor: true,
			Artifacts:           []artifactstore.Kind{artifactstore.KindIso},
			NeedsVM:             true,
		},
		{
			ID:                  3,
			Name:                "install",
			RequiresPredecessor: true,
			Artifacts: []artifactstore.Kind{
				artifactstore.KindIso,
				artifactstore.KindInstallInitramfs,
			},
			NeedsVM:  true,
			UsesSeed: true,
		},
		{
			ID:                  4,
			Name:                "disk-boot",
			RequiresPredecessor: true,
			Artifacts: []artifactstore.Kind{
				artifactstore.KindIso,
				artifactstore.KindRootfsImage,
			},
			NeedsVM:      true,
			BootFromDisk: true,
		},
		{
			ID:                  5,
			Name:                "login",
			RequiresPredecessor: true,
			Artifacts: []artifactstore.Kind{
				artifactstore.KindIso,
				artifactstore.KindRootfsImage,
			},
			NeedsVM:      true,
			BootFromDisk: true,
		},
		{
			ID:                  6,
			Name:                "runtime",
			RequiresPredecessor: true,
			Artifacts: []artifactstore.Kind{
				artifactstore.KindIso,
				artifactstore.KindRootfsImage,
			},
			NeedsVM:      true,
			BootFromDisk: true,
		},
		{
			ID:                  7,
			Name:                "update",
			RequiresPredecessor: true,
			Artifacts: []artifactstore.Kind{
				artifactstore.KindIso,
				artifactstore.KindRootfsImage,
				artifactstore.KindKernelPayload,
			},
			NeedsVM:      true,
			BootFromDisk: true,
		},
		{
			ID:                  8,
			Name:                "release",
			RequiresPredecessor: true,
			Artifacts: []artifactstore.Kind{
				artifactstore.KindIso,
				artifactstore.KindIsoChecksum,
			},
		},
	}
}

// NumStages is the ladder length.
func NumStages() int { return len(Ladder()) }

// StageByID returns the stage with the given id.
func StageByID(id int) (Stage, bool) {
	ladder := Ladder()
	if id < 0 || id >= len(ladder) {
		return Stage{}, false
	}
	return ladder[id], true
}
