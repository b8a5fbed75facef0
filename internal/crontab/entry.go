package crontab

import (
	"errors"
	"fmt"
	"strings"

	"cronsmith/internal/schedule"
)

// markerPrefix tags lines owned by cronsmith. The task id follows the colon.
const markerPrefix = "# cronsmith:"

var errNotTagged = errors.New("line is not tagged")

// Entry is one parsed tagged crontab line.
type Entry struct {
	TaskID   string `json:"task_id"`
	Schedule string `json:"schedule"`
	Command  string `json:"command"`
	Enabled  bool   `json:"enabled"`
}

// render produces the canonical line for an entry. Disabled entries keep
// their full schedule and command behind a comment character so nothing is
// lost between disable and re-enable.
func (e Entry) render() string {
	line := e.Schedule + " " + e.Command + " " + markerPrefix + e.TaskID
	if !e.Enabled {
		return "# " + line
	}
	return line
}

// parseLine classifies a crontab line.
//
// Returns errNotTagged for foreign lines (left untouched by sync). A line
// that carries the marker but cannot be understood returns a different
// error: the caller surfaces it as drift and must preserve the line.
func parseLine(line string) (Entry, error) {
	idx := strings.LastIndex(line, markerPrefix)
	if idx < 0 {
		return Entry{}, errNotTagged
	}
	id := strings.TrimSpace(line[idx+len(markerPrefix):])
	if id == "" || strings.ContainsAny(id, " \t") {
		return Entry{}, fmt.Errorf("malformed marker in %q", strings.TrimSpace(line))
	}

	body := strings.TrimSpace(line[:idx])
	enabled := true
	for strings.HasPrefix(body, "#") {
		enabled = false
		body = strings.TrimSpace(strings.TrimPrefix(body, "#"))
	}

	fields := strings.Fields(body)
	if len(fields) < 6 {
		return Entry{}, fmt.Errorf("tagged line %q has no command", strings.TrimSpace(line))
	}
	expr := strings.Join(fields[:5], " ")
	if _, err := schedule.Validate(expr); err != nil {
		return Entry{}, fmt.Errorf("tagged line for %s: %w", id, err)
	}

	return Entry{
		TaskID:   id,
		Schedule: expr,
		Command:  strings.Join(fields[5:], " "),
		Enabled:  enabled,
	}, nil
}
