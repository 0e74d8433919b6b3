package vm

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/distrokit/relgate/internal/distro"
)

func TestStartRejectsSecondSessionForSameKey(t *testing.T) {
	controller := &Controller{RuntimeDir: t.TempDir()}
	if err := os.MkdirAll(controller.sessionDir(), 0o755); err != nil {
		t.Fatal(err)
	}

	// Register a session whose pid is this test process: definitely alive.
	record := sessionRecord{
		ID:            "live",
		PID:           os.Getpid(),
		Distro:        "aurora",
		Purpose:       "boot",
		ControlSocket: filepath.Join(controller.sessionDir(), "aurora-boot-live.sock"),
		StartedAt:     time.Now().UTC(),
	}
	if err := controller.writeRecord(record); err != nil {
		t.Fatal(err)
	}

	_, err := controller.Start(context.Background(), StartConfig{
		Distro:  "aurora",
		Purpose: "boot",
		ISOPath: "/nonexistent.iso",
	})
	if err == nil {
		t.Fatal("expected second start to be rejected")
	}
}

func TestStartCleansUpStaleSession(t *testing.T) {
	controller := &Controller{RuntimeDir: t.TempDir(), QemuBinary: "/bin/true"}
	if err := os.MkdirAll(controller.sessionDir(), 0o755); err != nil {
		t.Fatal(err)
	}

	staleSocket := filepath.Join(controller.sessionDir(), "stale.sock")
	if err := os.WriteFile(staleSocket, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	record := sessionRecord{
		ID:            "stale",
		PID:           999999999, // beyond pid_max, never alive
		Distro:        "aurora",
		Purpose:       "boot",
		ControlSocket: staleSocket,
		StartedAt:     time.Now().Add(-time.Hour).UTC(),
	}
	if err := controller.writeRecord(record); err != nil {
		t.Fatal(err)
	}

	// /bin/true exits without creating a control socket, so the launch
	// itself fails; the stale registration must be gone regardless.
	_, err := controller.Start(context.Background(), StartConfig{
		Distro:  "aurora",
		Purpose: "boot",
		ISOPath: "/nonexistent.iso",
		Machine: distro.MachineProfile{VCPUs: 1, RAMMB: 128},
	})
	if err == nil {
		t.Fatal("expected launch failure for /bin/true")
	}
	var procErr *ProcessError
	if !errors.As(err, &procErr) {
		t.Fatalf("expected ProcessError, got %v", err)
	}
	if _, statErr := os.Stat(staleSocket); !os.IsNotExist(statErr) {
		t.Fatal("stale socket not cleaned up")
	}
}

func TestLaunchFailureRemovesSessionRecord(t *testing.T) {
	controller := &Controller{RuntimeDir: t.TempDir(), QemuBinary: "/bin/true"}

	_, err := controller.Start(context.Background(), StartConfig{
		Distro:  "kestrel",
		Purpose: "boot",
		ISOPath: "/nonexistent.iso",
	})
	if err == nil {
		t.Fatal("expected launch failure")
	}
	if _, statErr := os.Stat(controller.sessionFile("kestrel", "boot")); !os.IsNotExist(statErr) {
		t.Fatal("session record left behind after failed launch")
	}
}

func TestEnsureSparseDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disks", "target.img")
	if err := ensureSparseDisk(path, 16); err != nil {
		t.Fatalf("create: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != 16*1024*1024 {
		t.Fatalf("size %d, want 16MiB", info.Size())
	}
	// Existing disks are left alone.
	if err := ensureSparseDisk(path, 32); err != nil {
		t.Fatalf("idempotent create: %v", err)
	}
	info, _ = os.Stat(path)
	if info.Size() != 16*1024*1024 {
		t.Fatal("existing disk was resized")
	}
}

func TestBuildArgsBootOrder(t *testing.T) {
	controller := &Controller{RuntimeDir: t.TempDir()}

	args, err := controller.buildArgs(StartConfig{
		Distro:  "aurora",
		Purpose: "install",
		ISOPath: "/out/aurora.iso",
		DiskPath: filepath.Join(t.TempDir(),
			"disk.img"),
		Machine: distro.MachineProfile{Machine: "q35", VCPUs: 2, RAMMB: 1024, DiskBus: "virtio"},
	}, "/tmp/ctrl.sock")
	if err != nil {
		t.Fatal(err)
	}
	joined := ""
	for _, arg := range args {
		joined += arg + " "
	}
	for _, want := range []string{"/out/aurora.iso", "-qmp", "-no-reboot", "-serial"} {
		if !contains(args, want) && !containsSubstring(joined, want) {
			t.Fatalf("args missing %q: %v", want, args)
		}
	}

	// Booting from disk must not require an ISO.
	if _, err := controller.buildArgs(StartConfig{
		Distro:       "aurora",
		Purpose:      "disk-boot",
		DiskPath:     "/out/disk.img",
		BootFromDisk: true,
	}, "/tmp/ctrl.sock"); err != nil {
		t.Fatalf("disk boot: %v", err)
	}

	// No media at all is a configuration error.
	if _, err := controller.buildArgs(StartConfig{Distro: "aurora", Purpose: "boot"}, "/tmp/ctrl.sock"); err == nil {
		t.Fatal("expected error without any boot media")
	}
}

func TestSessionRecordRoundTrip(t *testing.T) {
	controller := &Controller{RuntimeDir: t.TempDir()}
	if err := os.MkdirAll(controller.sessionDir(), 0o755); err != nil {
		t.Fatal(err)
	}

	record := sessionRecord{ID: "abc", PID: 42, Distro: "osprey", Purpose: "login", ControlSocket: "/tmp/x.sock"}
	if err := controller.writeRecord(record); err != nil {
		t.Fatal(err)
	}
	loaded, err := controller.loadRecord("osprey", "login")
	if err != nil {
		t.Fatal(err)
	}
	if loaded == nil || loaded.PID != 42 || loaded.ID != "abc" {
		t.Fatalf("loaded %+v", loaded)
	}

	// A mangled record is treated as stale, not fatal.
	if err := os.WriteFile(controller.sessionFile("osprey", "login"), []byte("{broken"), 0o644); err != nil {
		t.Fatal(err)
	}
	loaded, err = controller.loadRecord("osprey", "login")
	if err != nil || loaded != nil {
		t.Fatalf("mangled record: %+v, %v", loaded, err)
	}
}

func contains(list []string, want string) bool {
	for _, item := range list {
		if item == want {
			return true
		}
	}
	return false
}

func containsSubstring(s, want string) bool {
	return strings.Contains(s, want)
}
