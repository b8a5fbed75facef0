package registry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"cronsmith/pkg/logx"
)

// RunNowResult reports an immediate out-of-schedule execution.
type RunNowResult struct {
	TaskName string `json:"task_name"`
	ExitCode int    `json:"exit_code"`
	TimedOut bool   `json:"timed_out"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
}

// RunNow executes the task immediately by spawning the runner binary, the
// same entry point cron uses, so run-now and scheduled fires share one code
// path and one ledger. Bounded by timeout; output tails are returned for
// inspection.
func (s *Service) RunNow(ctx context.Context, id, runnerBin string, timeout time.Duration) (RunNowResult, error) {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return RunNowResult{}, err
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, runnerBin, "--task-id", id)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	res := RunNowResult{
		TaskName: task.Name,
		Stdout:   tail(stdout.String(), 2000),
		Stderr:   tail(stderr.String(), 2000),
	}
	if cctx.Err() == context.DeadlineExceeded {
		res.TimedOut = true
		res.ExitCode = -1
		s.log.Warn("run-now timed out", logx.String("task", id), logx.Duration("timeout", timeout))
		return res, nil
	}
	if runErr != nil {
		var ee *exec.ExitError
		if errors.As(runErr, &ee) {
			res.ExitCode = ee.ExitCode()
			return res, nil
		}
		return RunNowResult{}, fmt.Errorf("spawn runner: %w", runErr)
	}
	return res, nil
}

func tail(s string, n int) string {
	if len(s) > n {
		return "..." + s[len(s)-n:]
	}
	return s
}
