package distro

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultSetLookup(t *testing.T) {
	set := DefaultSet()
	profile, err := set.Lookup("aurora")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !profile.Autologin {
		t.Fatal("aurora should autologin")
	}
	if profile.ShellReadyMarker == "" {
		t.Fatal("missing shell ready marker")
	}

	if _, err := set.Lookup("nonesuch"); err == nil {
		t.Fatal("expected error for unknown distro")
	}
}

func TestLoadFileMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "distros.yaml")
	doc := `
distros:
  - id: aurora
    name: Aurora Nightly
    artifact_dir: /srv/out/aurora
    autologin: true
    shell_ready_marker: "___AURORA_UP___"
    install_disk_mb: 4096
    machine:
      machine: q35
      vcpus: 2
      ram_mb: 1024
      disk_bus: virtio
      cd_bus: scsi
  - id: talon
    name: Talon
    artifact_dir: /srv/out/talon
    autologin: true
    shell_ready_marker: "___READY___"
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	set, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	aurora, err := set.Lookup("aurora")
	if err != nil {
		t.Fatal(err)
	}
	if aurora.ShellReadyMarker != "___AURORA_UP___" {
		t.Fatalf("override not applied: %q", aurora.ShellReadyMarker)
	}
	if aurora.Machine.VCPUs != 2 {
		t.Fatalf("machine override not applied: %+v", aurora.Machine)
	}

	if _, err := set.Lookup("talon"); err != nil {
		t.Fatalf("new profile missing: %v", err)
	}
	if _, err := set.Lookup("kestrel"); err != nil {
		t.Fatalf("default profile lost in merge: %v", err)
	}
}

func TestValidationRejectsCredentialProfileWithoutPromptMarker(t *testing.T) {
	_, err := NewSet([]Profile{{
		ID:               "broken",
		Autologin:        false,
		ShellReadyMarker: "___READY___",
	}})
	if err == nil {
		t.Fatal("expected validation error")
	}
}
