package executor

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/distrokit/relgate/internal/artifactstore"
	"github.com/distrokit/relgate/internal/distro"
)

// resolvedArtifact is one on-disk build output admitted into the store for
// a verification run.
type resolvedArtifact struct {
	kind        artifactstore.Kind
	path        string
	fingerprint string
	entry       artifactstore.Entry
}

// artifactFileName maps a kind to its file name inside the distro's
// artifact directory. The build collaborator writes these names.
func artifactFileName(kind artifactstore.Kind, profile distro.Profile) string {
	switch kind {
	case artifactstore.KindKernelPayload:
		return "vmlinuz"
	case artifactstore.KindRootfsImage:
		return "rootfs.erofs"
	case artifactstore.KindInitramfs:
		return "initramfs.img"
	case artifactstore.KindInstallInitramfs:
		return "install-initramfs.img"
	case artifactstore.KindIso:
		return profile.ID + ".iso"
	case artifactstore.KindIsoChecksum:
		return profile.ID + ".iso.sha256"
	}
	return string(kind)
}

// resolveArtifacts locates every artifact a stage depends on, admits each
// into the content-addressed store, and returns the combined fingerprint
// used as the stage's staleness key.
func (e *Executor) resolveArtifacts(profile distro.Profile, stage Stage) ([]resolvedArtifact, string, error) {
	resolved := make([]resolvedArtifact, 0, len(stage.Artifacts))
	for _, kind := range stage.Artifacts {
		path := profile.ArtifactPath(artifactFileName(kind, profile))
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, "", &ArtifactMissingError{Kind: kind, Path: path}
			}
			return nil, "", fmt.Errorf("stat artifact %s: %w", path, err)
		}

		fingerprint, err := readFingerprint(path)
		if err != nil {
			return nil, "", err
		}

		entry, err := e.Artifacts.PutFile(kind, fingerprintKey(fingerprint), path)
		if err != nil {
			return nil, "", fmt.Errorf("admit %s artifact: %w", kind, err)
		}
		if fingerprint == "" {
			// Without a build-supplied fingerprint the content hash is
			// the next best staleness key.
			fingerprint = entry.ContentHash
		}
		resolved = append(resolved, resolvedArtifact{
			kind:        kind,
			path:        path,
			fingerprint: fingerprint,
			entry:       entry,
		})
	}
	return resolved, combinedFingerprint(resolved), nil
}

// readFingerprint reads the companion "<artifact>.fingerprint" file. A
// missing companion is not an error; the caller falls back to the content
// hash.
func readFingerprint(artifactPath string) (string, error) {
	raw, err := os.ReadFile(artifactPath + ".fingerprint")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("read fingerprint for %s: %w", artifactPath, err)
	}
	return strings.TrimSpace(string(raw)), nil
}

// combinedFingerprint joins the per-artifact fingerprints into the stage
// staleness key. A single artifact keeps its fingerprint verbatim.
func combinedFingerprint(resolved []resolvedArtifact) string {
	if len(resolved) == 1 {
		return resolved[0].fingerprint
	}
	parts := make([]string, 0, len(resolved))
	for _, artifact := range resolved {
		parts = append(parts, fmt.Sprintf("%s=%s", artifact.kind, artifact.fingerprint))
	}
	return strings.Join(parts, ",")
}

func fingerprintKey(fingerprint string) string {
	if fingerprint == "" {
		return "unkeyed"
	}
	return fingerprint
}

func findResolved(resolved []resolvedArtifact, kind artifactstore.Kind) (resolvedArtifact, bool) {
	for _, artifact := range resolved {
		if artifact.kind == kind {
			return artifact, true
		}
	}
	return resolvedArtifact{}, false
}
