package scheduler

import (
	"context"
	"fmt"
	"log"
	"os/exec"
	"time"

	"thermal-gate/internal/models"
)

// ExecRunner runs actions of kind "exec". The payload carries the argv:
// {"argv": ["ffmpeg", "-i", ...]}. The command inherits the daemon's
// environment; a zero timeout means no limit beyond context cancellation.
func ExecRunner(timeout time.Duration) Runner {
	return func(ctx context.Context, task models.Task) error {
		argv, err := argvFromPayload(task.Action.Payload)
		if err != nil {
			return err
		}
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		out, err := cmd.CombinedOutput()
		if err != nil {
			return fmt.Errorf("run %v: %w (%s)", argv, err, truncate(out, 512))
		}
		return nil
	}
}

// NoopRunner logs instead of executing; used by dry-run mode.
func NoopRunner(kind string) Runner {
	return func(_ context.Context, task models.Task) error {
		log.Printf("dry-run: would invoke %s action for task %s (%s)", kind, task.ID, task.Name)
		return nil
	}
}

func argvFromPayload(payload map[string]any) ([]string, error) {
	raw, ok := payload["argv"]
	if !ok {
		return nil, fmt.Errorf("exec action payload missing argv")
	}
	list, ok := raw.([]any)
	if !ok || len(list) == 0 {
		return nil, fmt.Errorf("exec action argv must be a non-empty list")
	}
	argv := make([]string, 0, len(list))
	for _, v := range list {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("exec action argv element %v is not a string", v)
		}
		argv = append(argv, s)
	}
	return argv, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
