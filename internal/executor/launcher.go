package executor

import (
	"context"
	"time"

	"github.com/distrokit/relgate/internal/vm"
)

// Session is the slice of a VM session the executor drives. *vm.Session
// satisfies it; tests substitute scripted stand-ins.
type Session interface {
	Handshake(ctx context.Context) error
	WaitForMarker(ctx context.Context, marker string, timeout time.Duration) (int, error)
	WaitForAny(ctx context.Context, markers []string, timeout time.Duration) (int, int, error)
	SendText(ctx context.Context, text string) error
	Control(ctx context.Context, command string, args any) ([]byte, error)
	SerialTail(n int) []byte
	Stop() error
}

// Launcher starts VM sessions for verification runs.
type Launcher interface {
	Start(ctx context.Context, cfg vm.StartConfig) (Session, error)
}

type vmLauncher struct {
	controller *vm.Controller
}

// NewVMLauncher wraps a vm.Controller as a Launcher.
func NewVMLauncher(c *vm.Controller) Launcher {
	return vmLauncher{controller: c}
}

func (l vmLauncher) Start(ctx context.Context, cfg vm.StartConfig) (Session, error) {
	session, err := l.controller.Start(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return session, nil
}
