package power

import (
	"context"
	"fmt"
	"log"
	"os/exec"
	"sync"
	"time"

	"thermal-gate/internal/models"
)

// ExecApplier sets the platform profile by running a command, e.g.
// powerprofilesctl set <profile>. The profile name is substituted for the
// {profile} placeholder in the argv template.
type ExecApplier struct {
	Argv     []string
	Profiles map[models.PowerState]string
	Timeout  time.Duration

	mu   sync.Mutex
	last models.PowerState
}

// DefaultProfiles maps states to powerprofilesctl profile names.
func DefaultProfiles() map[models.PowerState]string {
	return map[models.PowerState]string{
		models.PowerNormal:    "balanced",
		models.PowerLowPower:  "power-saver",
		models.PowerEmergency: "power-saver",
	}
}

// Apply runs the command once per state change. Re-applying the current
// state is a no-op.
func (a *ExecApplier) Apply(ctx context.Context, state models.PowerState) error {
	a.mu.Lock()
	if a.last == state {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	profile, ok := a.Profiles[state]
	if !ok {
		return fmt.Errorf("no profile mapped for state %s", state)
	}
	timeout := a.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	argv := make([]string, 0, len(a.Argv))
	for _, arg := range a.Argv {
		if arg == "{profile}" {
			arg = profile
		}
		argv = append(argv, arg)
	}
	if len(argv) == 0 {
		return fmt.Errorf("empty applier command")
	}
	out, err := exec.CommandContext(ctx, argv[0], argv[1:]...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("run %v: %w (%s)", argv, err, out)
	}

	a.mu.Lock()
	a.last = state
	a.mu.Unlock()
	return nil
}

// DryRunApplier logs the decision without touching the platform.
type DryRunApplier struct{}

func (DryRunApplier) Apply(_ context.Context, state models.PowerState) error {
	log.Printf("power: dry-run, would apply profile for state %s", state)
	return nil
}
