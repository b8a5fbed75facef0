// Package crontab keeps the user's crontab in step with the task registry.
//
// One tagged line exists per task, attributed by a trailing marker comment
// of the form "# cronsmith:<task-id>". Everything else in the crontab is
// foreign and is preserved byte for byte: the crontab belongs to the user,
// this package only proposes edits to its own lines.
package crontab

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Table is the raw job-table access boundary. The real implementation shells
// out to crontab(1); tests substitute an in-memory table.
type Table interface {
	// Read returns the entire current table. A user with no crontab yet
	// reads as empty, not as an error.
	Read(ctx context.Context) (string, error)
	// Write atomically replaces the entire table.
	Write(ctx context.Context, text string) error
}

// SystemTable accesses the invoking user's crontab via the crontab binary.
type SystemTable struct{}

func (SystemTable) Read(ctx context.Context) (string, error) {
	out, err := exec.CommandContext(ctx, "crontab", "-l").Output()
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) && bytes.Contains(bytes.ToLower(ee.Stderr), []byte("no crontab")) {
			return "", nil
		}
		return "", fmt.Errorf("crontab -l: %w", err)
	}
	return string(out), nil
}

func (SystemTable) Write(ctx context.Context, text string) error {
	cmd := exec.CommandContext(ctx, "crontab", "-")
	cmd.Stdin = strings.NewReader(text)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("crontab -: %w (%s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}
