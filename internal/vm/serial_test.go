package vm

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"
)

func newIdleSession(t *testing.T) *Session {
	t.Helper()
	return &Session{
		ID:     "test",
		serial: &serialBuffer{},
		state:  StateReady,
		done:   make(chan struct{}),
	}
}

func TestMarkerSplitAcrossReadsIsDetected(t *testing.T) {
	session := newIdleSession(t)

	go func() {
		session.serial.append([]byte("booting...\n___SHELL_RE"))
		time.Sleep(50 * time.Millisecond)
		session.serial.append([]byte("ADY___\nprompt$ "))
	}()

	offset, err := session.WaitForMarker(context.Background(), "___SHELL_READY___", 2*time.Second)
	if err != nil {
		t.Fatalf("marker not found: %v", err)
	}
	if offset < 0 {
		t.Fatalf("bad offset %d", offset)
	}
}

func TestMarkerTimeoutCarriesTailEvidence(t *testing.T) {
	session := newIdleSession(t)
	session.serial.append([]byte("kernel panic: attempted to kill init"))

	_, err := session.WaitForMarker(context.Background(), "___SHELL_READY___", 100*time.Millisecond)
	var timeout *TimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if len(timeout.Tail) == 0 {
		t.Fatal("timeout error carries no serial evidence")
	}
	if got := string(timeout.Tail); got != "kernel panic: attempted to kill init" {
		t.Fatalf("unexpected tail: %q", got)
	}
	if session.State() != StateTimedOut {
		t.Fatalf("state = %s, want timed-out", session.State())
	}
}

func TestWaitForAnyReportsMatchedMarker(t *testing.T) {
	session := newIdleSession(t)
	session.serial.append([]byte("step output\n___FAIL_42___\n"))

	index, _, err := session.WaitForAny(context.Background(), []string{"___OK_42___", "___FAIL_42___"}, time.Second)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if index != 1 {
		t.Fatalf("matched marker %d, want 1", index)
	}
}

func TestClosedSerialStreamReportsProcessError(t *testing.T) {
	session := newIdleSession(t)
	close(session.done)

	pr, pw := io.Pipe()
	go session.serial.feed(pr)
	pw.Write([]byte("partial output"))
	pw.Close()

	_, err := session.WaitForMarker(context.Background(), "___NEVER___", time.Second)
	var procErr *ProcessError
	if !errors.As(err, &procErr) {
		t.Fatalf("expected ProcessError, got %v", err)
	}
	if len(procErr.Tail) == 0 {
		t.Fatal("process error carries no evidence")
	}
}

func TestTailBoundsEvidence(t *testing.T) {
	buffer := &serialBuffer{}
	big := make([]byte, evidenceTail*2)
	for i := range big {
		big[i] = byte('a' + i%26)
	}
	buffer.append(big)

	if got := len(buffer.tail(evidenceTail)); got != evidenceTail {
		t.Fatalf("tail length %d, want %d", got, evidenceTail)
	}
	if got := buffer.tail(10); len(got) != 10 {
		t.Fatalf("short tail length %d", len(got))
	}
}
