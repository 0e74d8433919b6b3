// Package vm spawns and drives a single QEMU instance per session: a raw
// serial console stream read continuously into an accumulating buffer, plus
// a newline-delimited JSON control socket. Sessions are scoped resources;
// Stop always terminates the process and removes session-scoped files, no
// matter which step failed first.
package vm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/distrokit/relgate/internal/distro"
	"github.com/distrokit/relgate/internal/logging"
)

const (
	// launchGrace is how long Start waits for the control socket to appear.
	launchGrace = 10 * time.Second
	// stopGrace is how long Stop waits after SIGTERM before SIGKILL.
	stopGrace = 5 * time.Second
	// keyDelay is the fixed pause between injected keystrokes, emulating
	// physical typing cadence so guest line disciplines keep up.
	keyDelay = 30 * time.Millisecond
)

// Controller launches VM sessions under RuntimeDir. At most one live session
// exists per (distro, purpose) key.
type Controller struct {
	RuntimeDir string
	QemuBinary string
	Logger     *slog.Logger
}

// StartConfig describes one VM boot. Device configuration is passed through
// to the machine profile untouched.
type StartConfig struct {
	Distro  string
	Purpose string

	// ISOPath is the bootable install/live medium. Ignored when
	// BootFromDisk is set and DiskPath exists.
	ISOPath string
	// DiskPath is the target or installed disk image. Created as a sparse
	// file of DiskSizeMB when absent and DiskSizeMB > 0.
	DiskPath   string
	DiskSizeMB int
	// SeedISOPath, when set, is attached as secondary read-only media.
	SeedISOPath string
	// BootFromDisk boots the disk instead of the ISO.
	BootFromDisk bool

	Machine distro.MachineProfile

	// Attach reuses a live session for the same key instead of failing.
	// Attached sessions expose control and stop, not the serial stream.
	Attach bool
}

// sessionRecord is the on-disk registration for a running session.
type sessionRecord struct {
	ID            string    `json:"id"`
	PID           int       `json:"pid"`
	Distro        string    `json:"distro"`
	Purpose       string    `json:"purpose"`
	ControlSocket string    `json:"control_socket"`
	StartedAt     time.Time `json:"started_at"`
}

func (c *Controller) logger() *slog.Logger {
	return logging.Ensure(c.Logger).With("component", "vm")
}

func (c *Controller) qemuBinary() string {
	if c.QemuBinary != "" {
		return c.QemuBinary
	}
	return "qemu-system-x86_64"
}

func (c *Controller) sessionDir() string {
	return filepath.Join(c.RuntimeDir, "sessions")
}

func (c *Controller) sessionFile(distroID, purpose string) string {
	return filepath.Join(c.sessionDir(), distroID+"-"+purpose+".json")
}

// Start launches (or attaches to) the VM session for cfg's key. Launch
// failures caused by a control-socket path collision are retried exactly
// once with fresh session-scoped paths; all other failures surface directly.
func (c *Controller) Start(ctx context.Context, cfg StartConfig) (*Session, error) {
	if cfg.Distro == "" || cfg.Purpose == "" {
		return nil, errors.New("distro and purpose are required")
	}
	if err := os.MkdirAll(c.sessionDir(), 0o755); err != nil {
		return nil, err
	}

	existing, err := c.loadRecord(cfg.Distro, cfg.Purpose)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if processAlive(existing.PID) {
			if !cfg.Attach {
				return nil, fmt.Errorf("session %s/%s already running (pid %d); stop it first or attach",
					cfg.Distro, cfg.Purpose, existing.PID)
			}
			c.logger().Info("attaching to existing session",
				"distro", cfg.Distro, "purpose", cfg.Purpose, "pid", existing.PID)
			return c.attach(existing)
		}
		c.logger().Warn("cleaning up stale session",
			"distro", cfg.Distro, "purpose", cfg.Purpose, "pid", existing.PID)
		c.removeRecordFiles(existing)
	}

	session, err := c.launch(ctx, cfg)
	if err != nil && isSocketCollision(err) {
		c.logger().Warn("control socket collision, retrying launch once",
			"distro", cfg.Distro, "purpose", cfg.Purpose, "error", err)
		session, err = c.launch(ctx, cfg)
	}
	return session, err
}

func (c *Controller) launch(ctx context.Context, cfg StartConfig) (*Session, error) {
	id := uuid.NewString()[:8]
	controlSocket := filepath.Join(c.sessionDir(), fmt.Sprintf("%s-%s-%s.sock", cfg.Distro, cfg.Purpose, id))

	if _, err := os.Stat(controlSocket); err == nil {
		return nil, &ProcessError{Op: "launch", Err: fmt.Errorf("control socket %s already in use", controlSocket)}
	}

	if cfg.DiskPath != "" && cfg.DiskSizeMB > 0 {
		if err := ensureSparseDisk(cfg.DiskPath, cfg.DiskSizeMB); err != nil {
			return nil, err
		}
	}

	args, err := c.buildArgs(cfg, controlSocket)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(c.qemuBinary(), args...)
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	session := &Session{
		ID:         id,
		Distro:     cfg.Distro,
		Purpose:    cfg.Purpose,
		controller: c,
		cmd:        cmd,
		serial:     &serialBuffer{},
		qmpPath:    controlSocket,
		state:      StateLaunching,
		done:       make(chan struct{}),
		cleanup:    []string{controlSocket},
		recordPath: c.sessionFile(cfg.Distro, cfg.Purpose),
		logger:     c.logger().With("distro", cfg.Distro, "purpose", cfg.Purpose, "session", id),
	}

	c.logger().Info("launching vm", "distro", cfg.Distro, "purpose", cfg.Purpose, "binary", c.qemuBinary())
	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, &ProcessError{Op: "launch", Err: err}
	}
	// Parent's copy of the write end must close so the reader sees EOF when
	// the process exits.
	pw.Close()

	go session.serial.feed(pr)
	go func() {
		session.waitErr = cmd.Wait()
		pr.Close()
		close(session.done)
	}()

	if err := c.writeRecord(sessionRecord{
		ID:            id,
		PID:           cmd.Process.Pid,
		Distro:        cfg.Distro,
		Purpose:       cfg.Purpose,
		ControlSocket: controlSocket,
		StartedAt:     time.Now().UTC(),
	}); err != nil {
		session.Stop()
		return nil, err
	}

	if err := session.awaitControlSocket(ctx); err != nil {
		session.Stop()
		return nil, err
	}
	return session, nil
}

// attach wraps a live session started by an earlier invocation. Serial
// output belongs to the original process, so only control and stop work.
func (c *Controller) attach(record *sessionRecord) (*Session, error) {
	return &Session{
		ID:         record.ID,
		Distro:     record.Distro,
		Purpose:    record.Purpose,
		controller: c,
		serial:     &serialBuffer{},
		qmpPath:    record.ControlSocket,
		attachPID:  record.PID,
		state:      StateReady,
		done:       make(chan struct{}),
		cleanup:    []string{record.ControlSocket},
		recordPath: c.sessionFile(record.Distro, record.Purpose),
		logger:     c.logger().With("distro", record.Distro, "purpose", record.Purpose, "session", record.ID),
	}, nil
}

// StopSession terminates the live session registered for the key. A stale
// registration is cleaned up and reported as no session.
func (c *Controller) StopSession(distroID, purpose string) error {
	record, err := c.loadRecord(distroID, purpose)
	if err != nil {
		return err
	}
	if record == nil {
		return fmt.Errorf("no session registered for %s/%s", distroID, purpose)
	}
	if !processAlive(record.PID) {
		c.removeRecordFiles(record)
		return fmt.Errorf("no live session for %s/%s, removed stale registration", distroID, purpose)
	}
	session, err := c.attach(record)
	if err != nil {
		return err
	}
	return session.Stop()
}

// Sessions lists the registered sessions under RuntimeDir, live or not.
func (c *Controller) Sessions() ([]SessionInfo, error) {
	entries, err := os.ReadDir(c.sessionDir())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var infos []SessionInfo
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(c.sessionDir(), entry.Name()))
		if err != nil {
			continue
		}
		var record sessionRecord
		if err := json.Unmarshal(raw, &record); err != nil {
			continue
		}
		infos = append(infos, SessionInfo{
			ID:        record.ID,
			Distro:    record.Distro,
			Purpose:   record.Purpose,
			PID:       record.PID,
			StartedAt: record.StartedAt,
			Alive:     processAlive(record.PID),
		})
	}
	return infos, nil
}

// SessionInfo is one row of a session listing.
type SessionInfo struct {
	ID        string
	Distro    string
	Purpose   string
	PID       int
	StartedAt time.Time
	Alive     bool
}

func (c *Controller) buildArgs(cfg StartConfig, controlSocket string) ([]string, error) {
	machine := cfg.Machine
	args := []string{
		"-machine", defaultString(machine.Machine, "q35"),
		"-cpu", defaultString(machine.CPUModel, "max"),
		"-smp", fmt.Sprint(defaultInt(machine.VCPUs, 2)),
		"-m", fmt.Sprintf("%dM", defaultInt(machine.RAMMB, 2048)),
		"-display", "none",
		"-serial", "stdio",
		"-qmp", "unix:" + controlSocket + ",server=on,wait=off",
		"-no-reboot",
	}

	if machine.FirmwareCode != "" {
		args = append(args, "-drive", "if=pflash,format=raw,readonly=on,file="+machine.FirmwareCode)
	}
	if machine.FirmwareVars != "" {
		args = append(args, "-drive", "if=pflash,format=raw,file="+machine.FirmwareVars)
	}

	bootFromDisk := cfg.BootFromDisk && cfg.DiskPath != ""
	if !bootFromDisk {
		if cfg.ISOPath == "" {
			return nil, errors.New("iso path is required unless booting from disk")
		}
		args = append(args,
			"-drive", "id=cdrom0,if=none,format=raw,readonly=on,file="+cfg.ISOPath,
			"-device", "virtio-scsi-pci,id=scsi0",
			"-device", "scsi-cd,drive=cdrom0,bus=scsi0.0",
		)
	}
	if cfg.DiskPath != "" {
		args = append(args,
			"-drive", fmt.Sprintf("file=%s,if=%s,format=raw", cfg.DiskPath, defaultString(machine.DiskBus, "virtio")),
		)
	}
	if bootFromDisk {
		args = append(args, "-boot", "order=c")
	}
	if cfg.SeedISOPath != "" {
		args = append(args,
			"-drive", "id=seed0,if=none,format=raw,readonly=on,file="+cfg.SeedISOPath,
			"-device", "usb-storage,drive=seed0",
			"-usb",
		)
	}

	args = append(args, machine.ExtraArgs...)
	return args, nil
}

func (c *Controller) loadRecord(distroID, purpose string) (*sessionRecord, error) {
	raw, err := os.ReadFile(c.sessionFile(distroID, purpose))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var record sessionRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		// A mangled registration is treated as stale, not fatal.
		c.logger().Warn("discarding unreadable session record", "error", err)
		return nil, nil
	}
	return &record, nil
}

func (c *Controller) writeRecord(record sessionRecord) error {
	payload, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(c.sessionFile(record.Distro, record.Purpose), payload, 0o644)
}

func (c *Controller) removeRecordFiles(record *sessionRecord) {
	if record.ControlSocket != "" {
		_ = os.Remove(record.ControlSocket)
	}
	_ = os.Remove(c.sessionFile(record.Distro, record.Purpose))
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return unix.Kill(pid, 0) == nil
}

func isSocketCollision(err error) bool {
	var procErr *ProcessError
	if !errors.As(err, &procErr) {
		return false
	}
	msg := procErr.Err.Error()
	return strings.Contains(msg, "already in use") || strings.Contains(msg, "Address already in use")
}

func ensureSparseDisk(path string, sizeMB int) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if err := f.Truncate(int64(sizeMB) * 1024 * 1024); err != nil {
		f.Close()
		_ = os.Remove(path)
		return err
	}
	return f.Close()
}

func defaultString(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}

func defaultInt(value, fallback int) int {
	if value > 0 {
		return value
	}
	return fallback
}
