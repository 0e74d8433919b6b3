package vm

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// markerPoll is how often marker waits re-examine the accumulated buffer.
const markerPoll = 25 * time.Millisecond

// evidenceTail is how much trailing serial output timeout errors carry.
const evidenceTail = 4096

// Session is one live VM. It is owned exclusively by the caller that
// started it and must be released with Stop.
type Session struct {
	ID      string
	Distro  string
	Purpose string

	controller *Controller
	cmd        *exec.Cmd
	attachPID  int
	serial     *serialBuffer
	qmpPath    string
	recordPath string
	logger     *slog.Logger

	mu      sync.Mutex
	state   LifecycleState
	qmp     *qmpClient
	cleanup []string

	done     chan struct{}
	waitErr  error
	stopOnce sync.Once
	stopErr  error
}

// State returns the session's lifecycle state.
func (s *Session) State() LifecycleState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state LifecycleState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// AddCleanupFile registers a session-scoped file for removal on Stop.
func (s *Session) AddCleanupFile(path string) {
	s.mu.Lock()
	s.cleanup = append(s.cleanup, path)
	s.mu.Unlock()
}

// awaitControlSocket waits for the VM process to create its control socket.
// A process that exits first reports a launch failure with captured output.
func (s *Session) awaitControlSocket(ctx context.Context) error {
	deadline := time.Now().Add(launchGrace)
	for {
		if _, err := os.Stat(s.qmpPath); err == nil {
			s.setState(StateReady)
			return nil
		}
		select {
		case <-s.done:
			return &ProcessError{
				Op:   "launch",
				Err:  fmt.Errorf("process exited before creating control socket: %w", exitReason(s.waitErr)),
				Tail: s.serial.tail(evidenceTail),
			}
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(markerPoll):
		}
		if time.Now().After(deadline) {
			return &TimeoutError{Op: "launch", Marker: "control socket", Waited: launchGrace, Tail: s.serial.tail(evidenceTail)}
		}
	}
}

// WaitForMarker blocks until marker appears anywhere in the accumulated
// serial buffer, the timeout expires, or the process dies. The match is
// against the whole buffer, so markers split across reads are still found.
// On timeout the error carries the trailing serial bytes as evidence.
func (s *Session) WaitForMarker(ctx context.Context, marker string, timeout time.Duration) (int, error) {
	_, offset, err := s.WaitForAny(ctx, []string{marker}, timeout)
	return offset, err
}

// WaitForAny blocks until one of the markers appears, returning the index of
// the matched marker and its offset in the buffer.
func (s *Session) WaitForAny(ctx context.Context, markers []string, timeout time.Duration) (int, int, error) {
	if len(markers) == 0 {
		return -1, -1, fmt.Errorf("at least one marker is required")
	}
	s.setState(StateWaitingForMarker)

	patterns := make([][]byte, len(markers))
	for i, marker := range markers {
		patterns[i] = []byte(marker)
	}

	started := time.Now()
	deadline := started.Add(timeout)
	ticker := time.NewTicker(markerPoll)
	defer ticker.Stop()

	for {
		snapshot := s.serial.snapshot()
		for i, pattern := range patterns {
			if offset := bytes.Index(snapshot, pattern); offset >= 0 {
				s.setState(StateReady)
				return i, offset, nil
			}
		}

		if closed, readErr := s.serial.done(); closed {
			// Producer is gone: either the process crashed or the pipe broke.
			// One final snapshot already ran above. The process has exited by
			// the time the pipe drains, so this wait is bounded.
			if s.cmd != nil {
				<-s.done
			}
			s.setState(StateCrashed)
			err := exitReason(s.waitErr)
			if s.waitErr == nil && readErr != nil {
				err = readErr
			}
			return -1, -1, &ProcessError{
				Op:   "serial wait",
				Err:  fmt.Errorf("process ended before marker appeared: %w", err),
				Tail: s.serial.tail(evidenceTail),
			}
		}

		if time.Now().After(deadline) {
			s.setState(StateTimedOut)
			return -1, -1, &TimeoutError{
				Op:     "serial wait",
				Marker: markers[0],
				Waited: time.Since(started).Round(time.Millisecond),
				Tail:   s.serial.tail(evidenceTail),
			}
		}

		select {
		case <-ctx.Done():
			s.setState(StateReady)
			return -1, -1, ctx.Err()
		case <-ticker.C:
		}
	}
}

// SerialTail returns the trailing n bytes of the accumulated console output.
func (s *Session) SerialTail(n int) []byte {
	return s.serial.tail(n)
}

// Handshake performs the mandatory capability negotiation on the control
// socket. It must be the first control call on a session.
func (s *Session) Handshake(ctx context.Context) error {
	client, err := s.controlClient(ctx)
	if err != nil {
		return err
	}
	return client.Negotiate(ctx)
}

// Control sends one command over the control socket and returns its
// response. Commands issued before Handshake are rejected by the peer and
// surface as a ProtocolError.
func (s *Session) Control(ctx context.Context, command string, args any) ([]byte, error) {
	client, err := s.controlClient(ctx)
	if err != nil {
		return nil, err
	}

	s.setState(StateExecuting)
	defer s.setState(StateReady)
	return client.Execute(ctx, command, args)
}

// SendText injects text as synthetic keystrokes, one character at a time
// with a fixed inter-character delay.
func (s *Session) SendText(ctx context.Context, text string) error {
	for _, ch := range text {
		press, err := qcodeFor(ch)
		if err != nil {
			return err
		}
		if _, err := s.Control(ctx, "sendkey", sendkeyArgs(press)); err != nil {
			return fmt.Errorf("inject %q: %w", ch, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(keyDelay):
		}
	}
	return nil
}

// Screendump captures the guest display to path.
func (s *Session) Screendump(ctx context.Context, path string) error {
	_, err := s.Control(ctx, "screendump", map[string]any{"filename": path})
	return err
}

// Powerdown requests a graceful guest shutdown.
func (s *Session) Powerdown(ctx context.Context) error {
	_, err := s.Control(ctx, "system_powerdown", nil)
	return err
}

func (s *Session) controlClient(ctx context.Context) (*qmpClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.qmp != nil {
		return s.qmp, nil
	}
	client, err := dialQMP(ctx, s.qmpPath)
	if err != nil {
		return nil, err
	}
	s.qmp = client
	return client, nil
}

// Stop tears the session down: best-effort graceful quit over the control
// socket, SIGTERM, a grace period, SIGKILL, then unconditional removal of
// every session-scoped file. Safe to call multiple times and after errors.
func (s *Session) Stop() error {
	s.stopOnce.Do(func() {
		s.setState(StateShuttingDown)
		log := s.logger
		if log == nil {
			log = slog.Default()
		}

		s.mu.Lock()
		client := s.qmp
		s.qmp = nil
		files := append([]string(nil), s.cleanup...)
		s.mu.Unlock()

		if client != nil {
			if client.Negotiated() {
				quitCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				if _, err := client.Execute(quitCtx, "quit", nil); err != nil {
					log.Debug("graceful quit failed", "error", err)
				}
				cancel()
			}
			client.Close()
		}

		switch {
		case s.cmd != nil && s.cmd.Process != nil:
			alive := true
			select {
			case <-s.done:
				alive = false
			default:
			}
			if alive {
				_ = s.cmd.Process.Signal(unix.SIGTERM)
				select {
				case <-s.done:
				case <-time.After(stopGrace):
					log.Warn("process ignored SIGTERM, killing")
					_ = s.cmd.Process.Kill()
					<-s.done
				}
			}
		case s.attachPID > 0:
			if processAlive(s.attachPID) {
				_ = unix.Kill(s.attachPID, unix.SIGTERM)
				deadline := time.Now().Add(stopGrace)
				for processAlive(s.attachPID) && time.Now().Before(deadline) {
					time.Sleep(100 * time.Millisecond)
				}
				if processAlive(s.attachPID) {
					_ = unix.Kill(s.attachPID, unix.SIGKILL)
				}
			}
		}

		for _, path := range files {
			_ = os.Remove(path)
		}
		if s.recordPath != "" {
			_ = os.Remove(s.recordPath)
		}
		s.setState(StateStopped)
		log.Info("session stopped")
	})
	return s.stopErr
}

func exitReason(err error) error {
	if err == nil {
		return fmt.Errorf("clean exit")
	}
	return err
}
