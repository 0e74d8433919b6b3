package executor

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/distrokit/relgate/internal/artifactstore"
	"github.com/distrokit/relgate/internal/checkpoint"
	"github.com/distrokit/relgate/internal/distro"
	"github.com/distrokit/relgate/internal/vm"
)

// fakeSession replays a scripted console. Typed text is echoed into the
// buffer the way a tty would, then answered through respond.
type fakeSession struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	typed   []string
	respond func(line string) string

	handshakeErr error
	waitErr      error
	stopped      bool
}

func (s *fakeSession) Handshake(ctx context.Context) error { return s.handshakeErr }

func (s *fakeSession) WaitForMarker(ctx context.Context, marker string, timeout time.Duration) (int, error) {
	_, offset, err := s.WaitForAny(ctx, []string{marker}, timeout)
	return offset, err
}

func (s *fakeSession) WaitForAny(ctx context.Context, markers []string, timeout time.Duration) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.waitErr != nil {
		return 0, 0, s.waitErr
	}
	best, bestOffset := -1, -1
	for i, marker := range markers {
		if offset := bytes.Index(s.buf.Bytes(), []byte(marker)); offset >= 0 {
			if best == -1 || offset < bestOffset {
				best, bestOffset = i, offset
			}
		}
	}
	if best == -1 {
		return 0, 0, &vm.TimeoutError{
			Op:     "wait-for-marker",
			Marker: strings.Join(markers, "|"),
			Waited: timeout,
			Tail:   s.tailLocked(evidenceBytes),
		}
	}
	return best, bestOffset, nil
}

func (s *fakeSession) SendText(ctx context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.typed = append(s.typed, text)
	s.buf.WriteString(text)
	if s.respond != nil {
		s.buf.WriteString(s.respond(text))
	}
	return nil
}

func (s *fakeSession) Control(ctx context.Context, command string, args any) ([]byte, error) {
	return []byte(`{}`), nil
}

func (s *fakeSession) SerialTail(n int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tailLocked(n)
}

func (s *fakeSession) tailLocked(n int) []byte {
	data := s.buf.Bytes()
	if len(data) > n {
		data = data[len(data)-n:]
	}
	return append([]byte(nil), data...)
}

func (s *fakeSession) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	return nil
}

type fakeLauncher struct {
	factory  func(cfg vm.StartConfig) *fakeSession
	startErr error

	starts   int
	configs  []vm.StartConfig
	sessions []*fakeSession
}

func (l *fakeLauncher) Start(ctx context.Context, cfg vm.StartConfig) (Session, error) {
	l.starts++
	l.configs = append(l.configs, cfg)
	if l.startErr != nil {
		return nil, l.startErr
	}
	session := l.factory(cfg)
	l.sessions = append(l.sessions, session)
	return session, nil
}

// markerIn recovers a one-shot marker from a typed command line, undoing
// the quote split applied when the line was sent.
func markerIn(line, prefix string) string {
	cleaned := strings.ReplaceAll(line, `""`, "")
	start := strings.Index(cleaned, prefix)
	if start < 0 {
		return ""
	}
	rest := cleaned[start+len(prefix):]
	end := strings.Index(rest, "___")
	if end < 0 {
		return ""
	}
	return prefix + rest[:end+len("___")]
}

func answerOK(line string) string {
	if marker := markerIn(line, "___OK_"); marker != "" {
		return marker + "\n"
	}
	return ""
}

func answerFail(line string) string {
	if marker := markerIn(line, "___FAIL_"); marker != "" {
		return marker + "\n"
	}
	return ""
}

func testProfile(artifactDir string) distro.Profile {
	return distro.Profile{
		ID:                "testos",
		Name:              "Test OS",
		ArtifactDir:       artifactDir,
		LoginUser:         "admin",
		LoginPassword:     "secret",
		ShellReadyMarker:  "___SHELL_READY___",
		LoginPromptMarker: "login:",
		ToolProbes:        []string{"busybox --help"},
		ServiceProbes:     []string{"rc-service sshd status"},
		InstallCommand:    "installer --auto",
		UpdateCommand:     "sysupdate apply",
		InstallDiskMB:     64,
	}
}

// writeArtifacts drops every artifact file plus its fingerprint companion
// into dir. The checksum artifact is kept consistent with the ISO bytes.
func writeArtifacts(t *testing.T, dir, fingerprint string) {
	t.Helper()
	iso := []byte("iso-image-" + fingerprint)
	sum := sha256.Sum256(iso)
	files := map[string][]byte{
		"vmlinuz":               []byte("kernel"),
		"rootfs.erofs":          []byte("rootfs"),
		"initramfs.img":         []byte("initramfs"),
		"install-initramfs.img": []byte("install-initramfs"),
		"testos.iso":            iso,
		"testos.iso.sha256":     []byte(hex.EncodeToString(sum[:]) + "  testos.iso\n"),
	}
	for name, data := range files {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path+".fingerprint", []byte(fingerprint+"\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func newTestExecutor(t *testing.T, launcher Launcher) (*Executor, string) {
	t.Helper()
	root := t.TempDir()
	artifactDir := filepath.Join(root, "artifacts")
	if err := os.MkdirAll(artifactDir, 0o755); err != nil {
		t.Fatal(err)
	}
	writeArtifacts(t, artifactDir, "abc123")

	profiles, err := distro.NewSet([]distro.Profile{testProfile(artifactDir)})
	if err != nil {
		t.Fatal(err)
	}
	exec := &Executor{
		Checkpoints: &checkpoint.Store{
			BaseDir: filepath.Join(root, "checkpoints"),
			Stages:  NumStages(),
		},
		Artifacts:  &artifactstore.Store{BaseDir: filepath.Join(root, "store")},
		Profiles:   profiles,
		Launcher:   launcher,
		RuntimeDir: filepath.Join(root, "runtime"),
	}
	if err := os.MkdirAll(exec.RuntimeDir, 0o755); err != nil {
		t.Fatal(err)
	}
	return exec, artifactDir
}

// passStages marks stages 0..upTo as passed so later stages gate open.
func passStages(t *testing.T, exec *Executor, distroID string, upTo int, fingerprint string) {
	t.Helper()
	state := checkpoint.NewState(NumStages())
	for i := 0; i <= upTo; i++ {
		state[i] = checkpoint.Record{
			Stage:       i,
			Status:      checkpoint.StatusPass,
			Fingerprint: fingerprint,
			VerifiedAt:  time.Now().UTC(),
		}
	}
	if err := exec.Checkpoints.Save(distroID, state); err != nil {
		t.Fatal(err)
	}
}

func shellSession(respond func(string) string) *fakeSession {
	session := &fakeSession{respond: respond}
	session.buf.WriteString("booting...\n___SHELL_READY___\n")
	return session
}

func TestRunStageGatedWithoutPredecessor(t *testing.T) {
	launcher := &fakeLauncher{}
	exec, _ := newTestExecutor(t, launcher)

	_, err := exec.RunStage(context.Background(), "testos", 1)
	var gated *GatingError
	if !errors.As(err, &gated) {
		t.Fatalf("expected GatingError, got %v", err)
	}
	if gated.Predecessor != 0 || gated.Status != checkpoint.StatusUnknown {
		t.Fatalf("unexpected gating detail: %+v", gated)
	}
	if launcher.starts != 0 {
		t.Fatal("gated stage must not start a VM")
	}

	state, err := exec.Checkpoints.Load("testos")
	if err != nil {
		t.Fatal(err)
	}
	for _, record := range state {
		if record.Status != checkpoint.StatusUnknown {
			t.Fatalf("gating must not persist anything, found %+v", record)
		}
	}
}

func TestStageZeroPassesThenShortCircuits(t *testing.T) {
	launcher := &fakeLauncher{}
	exec, _ := newTestExecutor(t, launcher)

	result, err := exec.RunStage(context.Background(), "testos", 0)
	if err != nil {
		t.Fatal(err)
	}
	if result.Record.Status != checkpoint.StatusPass || result.Cached {
		t.Fatalf("unexpected result: %+v", result)
	}

	again, err := exec.RunStage(context.Background(), "testos", 0)
	if err != nil {
		t.Fatal(err)
	}
	if !again.Cached || again.Record.Status != checkpoint.StatusPass {
		t.Fatalf("second run should be served from the checkpoint: %+v", again)
	}
}

func TestStageZeroFailsOnMissingArtifact(t *testing.T) {
	launcher := &fakeLauncher{}
	exec, artifactDir := newTestExecutor(t, launcher)
	if err := os.Remove(filepath.Join(artifactDir, "vmlinuz")); err != nil {
		t.Fatal(err)
	}

	result, err := exec.RunStage(context.Background(), "testos", 0)
	if err != nil {
		t.Fatal(err)
	}
	if result.Record.Status != checkpoint.StatusFail {
		t.Fatalf("missing artifact at stage 0 should be fail, got %s", result.Record.Status)
	}
	if result.FailedStep != "resolve-artifacts" || !strings.Contains(result.Note, "kernel") {
		t.Fatalf("unexpected diagnosis: %+v", result)
	}
}

func TestMissingArtifactBlocksLaterStage(t *testing.T) {
	launcher := &fakeLauncher{}
	exec, artifactDir := newTestExecutor(t, launcher)
	passStages(t, exec, "testos", 0, "abc123")
	if err := os.Remove(filepath.Join(artifactDir, "testos.iso")); err != nil {
		t.Fatal(err)
	}

	result, err := exec.RunStage(context.Background(), "testos", 1)
	if err != nil {
		t.Fatal(err)
	}
	if result.Record.Status != checkpoint.StatusBlocked {
		t.Fatalf("expected blocked, got %s", result.Record.Status)
	}
	if launcher.starts != 0 {
		t.Fatal("no VM should start when a required artifact is absent")
	}
}

func TestBootStagePassAndFingerprint(t *testing.T) {
	launcher := &fakeLauncher{
		factory: func(vm.StartConfig) *fakeSession { return shellSession(nil) },
	}
	exec, _ := newTestExecutor(t, launcher)
	passStages(t, exec, "testos", 0, "abc123")

	result, err := exec.RunStage(context.Background(), "testos", 1)
	if err != nil {
		t.Fatal(err)
	}
	if result.Record.Status != checkpoint.StatusPass {
		t.Fatalf("expected pass, got %+v", result)
	}
	if result.Record.Fingerprint != "abc123" {
		t.Fatalf("boot stage fingerprint should be the iso fingerprint verbatim, got %q",
			result.Record.Fingerprint)
	}
	if launcher.starts != 1 {
		t.Fatalf("expected one launch, got %d", launcher.starts)
	}
	if got := launcher.configs[0].ISOPath; !strings.HasSuffix(got, "testos.iso") {
		t.Fatalf("boot stage should attach the iso, got %q", got)
	}
	if !launcher.sessions[0].stopped {
		t.Fatal("session must be stopped after the run")
	}
}

func TestCachedPassSkipsVM(t *testing.T) {
	launcher := &fakeLauncher{}
	exec, _ := newTestExecutor(t, launcher)
	passStages(t, exec, "testos", 1, "abc123")

	result, err := exec.RunStage(context.Background(), "testos", 1)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Cached {
		t.Fatalf("expected cached pass, got %+v", result)
	}
	if launcher.starts != 0 {
		t.Fatal("cached pass must not start a VM")
	}
}

func TestFingerprintChangeInvalidatesAndReruns(t *testing.T) {
	launcher := &fakeLauncher{
		factory: func(vm.StartConfig) *fakeSession { return shellSession(nil) },
	}
	exec, artifactDir := newTestExecutor(t, launcher)
	passStages(t, exec, "testos", 4, "old-fp")
	writeArtifacts(t, artifactDir, "new-fp")

	result, err := exec.RunStage(context.Background(), "testos", 1)
	if err != nil {
		t.Fatal(err)
	}
	if result.Cached || result.Record.Status != checkpoint.StatusPass {
		t.Fatalf("stale stage must be re-verified, got %+v", result)
	}
	if result.Record.Fingerprint != "new-fp" {
		t.Fatalf("record should carry the new fingerprint, got %q", result.Record.Fingerprint)
	}
	if launcher.starts != 1 {
		t.Fatal("stale stage must start a VM")
	}

	state, err := exec.Checkpoints.Load("testos")
	if err != nil {
		t.Fatal(err)
	}
	if state[0].Status != checkpoint.StatusPass {
		t.Fatal("earlier stages must survive the cascade")
	}
	for i := 2; i <= 4; i++ {
		if state[i].Status != checkpoint.StatusUnknown {
			t.Fatalf("stage %d should have been invalidated, is %s", i, state[i].Status)
		}
	}
}

func TestBootTimeoutClassifiesAsFail(t *testing.T) {
	launcher := &fakeLauncher{
		factory: func(vm.StartConfig) *fakeSession {
			session := &fakeSession{}
			session.buf.WriteString("kernel panic - not syncing\n")
			return session
		},
	}
	exec, _ := newTestExecutor(t, launcher)
	passStages(t, exec, "testos", 0, "abc123")

	result, err := exec.RunStage(context.Background(), "testos", 1)
	if err != nil {
		t.Fatal(err)
	}
	if result.Record.Status != checkpoint.StatusFail {
		t.Fatalf("marker timeout should be fail, got %s", result.Record.Status)
	}
	if result.FailedStep != "boot-to-shell" {
		t.Fatalf("unexpected step %q", result.FailedStep)
	}
	if !bytes.Contains(result.Evidence, []byte("kernel panic")) {
		t.Fatalf("evidence should carry the serial tail, got %q", result.Evidence)
	}
}

func TestLaunchProcessErrorClassifiesAsBlocked(t *testing.T) {
	launcher := &fakeLauncher{
		startErr: &vm.ProcessError{Op: "launch", Err: errors.New("exec: qemu not found")},
	}
	exec, _ := newTestExecutor(t, launcher)
	passStages(t, exec, "testos", 0, "abc123")

	result, err := exec.RunStage(context.Background(), "testos", 1)
	if err != nil {
		t.Fatal(err)
	}
	if result.Record.Status != checkpoint.StatusBlocked {
		t.Fatalf("process error should be blocked, got %s", result.Record.Status)
	}
	if result.FailedStep != "launch" {
		t.Fatalf("unexpected step %q", result.FailedStep)
	}
}

func TestToolProbeFailureClassifiesAsFail(t *testing.T) {
	launcher := &fakeLauncher{
		factory: func(vm.StartConfig) *fakeSession { return shellSession(answerFail) },
	}
	exec, _ := newTestExecutor(t, launcher)
	passStages(t, exec, "testos", 1, "abc123")

	result, err := exec.RunStage(context.Background(), "testos", 2)
	if err != nil {
		t.Fatal(err)
	}
	if result.Record.Status != checkpoint.StatusFail {
		t.Fatalf("failed tool probe should be fail, got %s", result.Record.Status)
	}
	if result.FailedStep != "tool:busybox --help" {
		t.Fatalf("unexpected step %q", result.FailedStep)
	}
}

func TestInstallStageShapesTheMachine(t *testing.T) {
	seedExisted := false
	launcher := &fakeLauncher{}
	launcher.factory = func(cfg vm.StartConfig) *fakeSession {
		if _, err := os.Stat(cfg.SeedISOPath); err == nil {
			seedExisted = true
		}
		return shellSession(answerOK)
	}
	exec, _ := newTestExecutor(t, launcher)
	passStages(t, exec, "testos", 2, "abc123")

	// A disk left over from a previous install must not leak into this run.
	diskPath := filepath.Join(exec.RuntimeDir, "disks", "testos.img")
	if err := os.MkdirAll(filepath.Dir(diskPath), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(diskPath, []byte("stale"), 0o644); err != nil {
		t.Fatal(err)
	}

	result, err := exec.RunStage(context.Background(), "testos", 3)
	if err != nil {
		t.Fatal(err)
	}
	if result.Record.Status != checkpoint.StatusPass {
		t.Fatalf("expected pass, got %+v", result)
	}

	cfg := launcher.configs[0]
	if cfg.SeedISOPath == "" || !seedExisted {
		t.Fatal("install stage must attach a seed iso that exists at launch")
	}
	if cfg.DiskSizeMB != 64 {
		t.Fatalf("install disk size should come from the profile, got %d", cfg.DiskSizeMB)
	}
	if cfg.BootFromDisk {
		t.Fatal("install boots live media, not the disk")
	}
	if _, err := os.Stat(cfg.SeedISOPath); !os.IsNotExist(err) {
		t.Fatal("seed iso should be removed after the run")
	}
	if data, err := os.ReadFile(diskPath); err == nil && string(data) == "stale" {
		t.Fatal("stale target disk should have been recreated")
	}
}

func TestLoginFlowTypesCredentials(t *testing.T) {
	launcher := &fakeLauncher{}
	launcher.factory = func(vm.StartConfig) *fakeSession {
		session := &fakeSession{}
		session.buf.WriteString("testos login:")
		session.respond = func(line string) string {
			switch {
			case line == "admin\n":
				return "Password:"
			case line == "secret\n":
				return "welcome\n___SHELL_READY___\n"
			default:
				return answerOK(line)
			}
		}
		return session
	}
	exec, _ := newTestExecutor(t, launcher)
	passStages(t, exec, "testos", 4, "abc123")

	result, err := exec.RunStage(context.Background(), "testos", 5)
	if err != nil {
		t.Fatal(err)
	}
	if result.Record.Status != checkpoint.StatusPass {
		t.Fatalf("expected pass, got %+v", result)
	}

	typed := launcher.sessions[0].typed
	if len(typed) < 3 || typed[0] != "admin\n" || typed[1] != "secret\n" {
		t.Fatalf("unexpected typed sequence: %q", typed)
	}
	if !strings.Contains(typed[2], "id -un") {
		t.Fatalf("expected an identity check after login, got %q", typed[2])
	}
	if !launcher.configs[0].BootFromDisk {
		t.Fatal("login stage boots the installed disk")
	}
}

func TestReleaseStageChecksumMismatchFails(t *testing.T) {
	launcher := &fakeLauncher{}
	exec, artifactDir := newTestExecutor(t, launcher)
	passStages(t, exec, "testos", 7, "abc123")
	err := os.WriteFile(filepath.Join(artifactDir, "testos.iso.sha256"),
		[]byte(strings.Repeat("de", 32)+"  testos.iso\n"), 0o644)
	if err != nil {
		t.Fatal(err)
	}

	result, err := exec.RunStage(context.Background(), "testos", 8)
	if err != nil {
		t.Fatal(err)
	}
	if result.Record.Status != checkpoint.StatusFail {
		t.Fatalf("checksum mismatch should be fail, got %s", result.Record.Status)
	}
	if result.FailedStep != "compare-checksum" {
		t.Fatalf("unexpected step %q", result.FailedStep)
	}
}

func TestReleaseStagePassesWithoutVM(t *testing.T) {
	launcher := &fakeLauncher{}
	exec, _ := newTestExecutor(t, launcher)
	passStages(t, exec, "testos", 7, "abc123")

	result, err := exec.RunStage(context.Background(), "testos", 8)
	if err != nil {
		t.Fatal(err)
	}
	if result.Record.Status != checkpoint.StatusPass {
		t.Fatalf("expected pass, got %+v", result)
	}
	if launcher.starts != 0 {
		t.Fatal("release stage must not start a VM")
	}
}

func TestRunUpToStopsAtFirstNonPass(t *testing.T) {
	launcher := &fakeLauncher{}
	launcher.factory = func(cfg vm.StartConfig) *fakeSession {
		if cfg.Purpose == "install" {
			return shellSession(answerFail)
		}
		return shellSession(answerOK)
	}
	exec, _ := newTestExecutor(t, launcher)

	results, err := exec.RunUpTo(context.Background(), "testos", 8)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 4 {
		t.Fatalf("expected stages 0..3 to run, got %d results", len(results))
	}
	last := results[len(results)-1]
	if last.Stage.ID != 3 || last.Record.Status != checkpoint.StatusFail {
		t.Fatalf("run should stop at the failed install, got %+v", last)
	}
	for _, result := range results[:3] {
		if result.Record.Status != checkpoint.StatusPass {
			t.Fatalf("stage %d should have passed: %+v", result.Stage.ID, result)
		}
	}
}

func TestOverrideRequiresBlockedAndReason(t *testing.T) {
	launcher := &fakeLauncher{}
	exec, _ := newTestExecutor(t, launcher)

	state := checkpoint.NewState(NumStages())
	for i := 0; i <= 2; i++ {
		state[i] = checkpoint.Record{Stage: i, Status: checkpoint.StatusPass, Fingerprint: "abc123"}
	}
	state[3] = checkpoint.Record{Stage: 3, Status: checkpoint.StatusBlocked, Fingerprint: "abc123"}
	if err := exec.Checkpoints.Save("testos", state); err != nil {
		t.Fatal(err)
	}

	if _, err := exec.Override("testos", 3, ""); err == nil {
		t.Fatal("override without a reason must be rejected")
	}
	if _, err := exec.Override("testos", 2, "because"); err == nil {
		t.Fatal("override of a non-blocked stage must be rejected")
	}

	record, err := exec.Override("testos", 3, "kvm unavailable on this runner")
	if err != nil {
		t.Fatal(err)
	}
	if record.Status != checkpoint.StatusPass || !record.Overridden {
		t.Fatalf("unexpected override record: %+v", record)
	}

	persisted, err := exec.Checkpoints.Load("testos")
	if err != nil {
		t.Fatal(err)
	}
	if !persisted[3].Overridden || persisted[3].OverrideReason != "kvm unavailable on this runner" {
		t.Fatalf("override audit trail missing: %+v", persisted[3])
	}
}

func TestStatusReportsStaleness(t *testing.T) {
	launcher := &fakeLauncher{}
	exec, artifactDir := newTestExecutor(t, launcher)
	passStages(t, exec, "testos", 1, "abc123")
	writeArtifacts(t, artifactDir, "zzz999")

	report, err := exec.Status("testos")
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Stages) != NumStages() {
		t.Fatalf("expected %d rungs, got %d", NumStages(), len(report.Stages))
	}
	if !report.Stages[1].Stale {
		t.Fatal("stage 1 should report stale against the new fingerprint")
	}
	if report.Stages[2].Stale {
		t.Fatal("unknown stages are never stale")
	}

	// Status must not have invalidated anything.
	state, err := exec.Checkpoints.Load("testos")
	if err != nil {
		t.Fatal(err)
	}
	if state[1].Status != checkpoint.StatusPass {
		t.Fatal("status is read-only")
	}
}

func TestQuoteSplitHidesMarkerFromEcho(t *testing.T) {
	marker := "___OK_cafe1234___"
	split := quoteSplit(marker)
	if strings.Contains(split, marker) {
		t.Fatalf("split form %q still contains the marker", split)
	}
	if strings.ReplaceAll(split, `""`, "") != marker {
		t.Fatalf("shell evaluation of %q would not produce %q", split, marker)
	}
}

func TestLadderShape(t *testing.T) {
	ladder := Ladder()
	if len(ladder) != 9 {
		t.Fatalf("expected 9 stages, got %d", len(ladder))
	}
	if ladder[0].RequiresPredecessor {
		t.Fatal("stage 0 has no predecessor")
	}
	for _, stage := range ladder[1:] {
		if !stage.RequiresPredecessor {
			t.Fatalf("stage %d must gate on its predecessor", stage.ID)
		}
	}
	for _, stage := range ladder {
		if len(stage.Artifacts) == 0 {
			t.Fatalf("stage %d depends on no artifacts", stage.ID)
		}
		if stage.ID != ladder[stage.ID].ID {
			t.Fatalf("ladder ids out of order at %d", stage.ID)
		}
	}
	if got := fmt.Sprintf("%s/%s", ladder[0].Name, ladder[8].Name); got != "artifacts/release" {
		t.Fatalf("unexpected ladder endpoints %q", got)
	}
}
