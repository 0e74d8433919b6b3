package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/distrokit/relgate/internal/distro"
)

// Per-step deadlines. Boot and credential steps are bounded tightly;
// install and update commands run real package work and get room.
const (
	bootTimeout    = 120 * time.Second
	promptTimeout  = 30 * time.Second
	commandTimeout = 120 * time.Second
	installTimeout = 15 * time.Minute
	updateTimeout  = 10 * time.Minute
)

// probeStep is one observable check against a running session. The first
// step that errors decides the stage outcome.
type probeStep struct {
	name string
	run  func(ctx context.Context, session Session) error
}

// stageProbes builds the ordered probe plan for a VM stage. Live-media
// stages assume the live environment drops into a shell on its own; disk
// stages follow the profile's login model.
func stageProbes(stage Stage, profile distro.Profile) []probeStep {
	switch stage.ID {
	case 1:
		return []probeStep{waitMarkerStep("boot-to-shell", profile.ShellReadyMarker, bootTimeout)}
	case 2:
		steps := []probeStep{waitMarkerStep("boot-to-shell", profile.ShellReadyMarker, bootTimeout)}
		for _, tool := range profile.ToolProbes {
			steps = append(steps, commandStep("tool:"+tool, tool, commandTimeout))
		}
		return steps
	case 3:
		return []probeStep{
			waitMarkerStep("boot-to-shell", profile.ShellReadyMarker, bootTimeout),
			commandStep("install", profile.InstallCommand, installTimeout),
			// Ask for an orderly shutdown so the freshly written disk is
			// quiesced before the disk-boot stage reads it.
			powerdownStep(),
		}
	case 4:
		return diskBootSteps(profile)
	case 5:
		steps := diskBootSteps(profile)
		if profile.LoginUser != "" {
			check := fmt.Sprintf("test \"$(id -un)\" = %s", profile.LoginUser)
			steps = append(steps, commandStep("identity", check, commandTimeout))
		}
		return steps
	case 6:
		steps := diskBootSteps(profile)
		for _, service := range profile.ServiceProbes {
			steps = append(steps, commandStep("service:"+service, service, commandTimeout))
		}
		return steps
	case 7:
		return append(diskBootSteps(profile),
			commandStep("update", profile.UpdateCommand, updateTimeout))
	}
	return nil
}

// diskBootSteps takes the installed system from power-on to a usable
// shell, typing credentials when the profile demands them.
func diskBootSteps(profile distro.Profile) []probeStep {
	if profile.Autologin {
		return []probeStep{waitMarkerStep("boot-to-shell", profile.ShellReadyMarker, bootTimeout)}
	}
	return []probeStep{
		waitMarkerStep("boot-to-login", profile.LoginPromptMarker, bootTimeout),
		typeLineStep("type-user", profile.LoginUser),
		waitMarkerStep("password-prompt", "Password:", promptTimeout),
		typeLineStep("type-password", profile.LoginPassword),
		waitMarkerStep("shell-ready", profile.ShellReadyMarker, promptTimeout),
	}
}

func powerdownStep() probeStep {
	return probeStep{
		name: "powerdown",
		run: func(ctx context.Context, session Session) error {
			_, err := session.Control(ctx, "system_powerdown", nil)
			return err
		},
	}
}

func waitMarkerStep(name, marker string, timeout time.Duration) probeStep {
	return probeStep{
		name: name,
		run: func(ctx context.Context, session Session) error {
			_, err := session.WaitForMarker(ctx, marker, timeout)
			return err
		},
	}
}

func typeLineStep(name, line string) probeStep {
	return probeStep{
		name: name,
		run: func(ctx context.Context, session Session) error {
			return session.SendText(ctx, line+"\n")
		},
	}
}

// commandStep types a shell command and resolves its exit status through
// a pair of one-shot markers echoed by the guest.
func commandStep(name, command string, timeout time.Duration) probeStep {
	return probeStep{
		name: name,
		run: func(ctx context.Context, session Session) error {
			id := uuid.NewString()[:8]
			okMarker := "___OK_" + id + "___"
			failMarker := "___FAIL_" + id + "___"
			// The console echoes keystrokes; the typed line carries the
			// markers split with empty quotes so the echo never matches.
			line := fmt.Sprintf("%s && echo %s || echo %s\n",
				command, quoteSplit(okMarker), quoteSplit(failMarker))
			if err := session.SendText(ctx, line); err != nil {
				return err
			}
			matched, _, err := session.WaitForAny(ctx, []string{okMarker, failMarker}, timeout)
			if err != nil {
				return err
			}
			if matched != 0 {
				return &probeFailure{
					step:     name,
					msg:      fmt.Sprintf("command %q exited non-zero", command),
					evidence: session.SerialTail(evidenceBytes),
				}
			}
			return nil
		},
	}
}

func quoteSplit(marker string) string {
	mid := len(marker) / 2
	return marker[:mid] + `""` + marker[mid:]
}
