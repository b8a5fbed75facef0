package deliver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cronsmith/pkg/filelock"
)

var ErrDelivery = errors.New("delivery failed")

// Payload is what a successful run hands to its sink.
type Payload struct {
	TaskID     string
	TaskName   string
	RunID      int64
	Model      string
	FinishedAt time.Time
	Text       string
}

// Deliverer routes payloads to their configured sink.
type Deliverer struct {
	// DefaultDir receives file deliveries whose spec has no directory.
	DefaultDir string
	// Stdout is the stdout sink target; defaults to os.Stdout.
	Stdout io.Writer
}

// Deliver writes p according to spec and returns a human-readable location
// ("stdout" or a file path). Any failure is wrapped in ErrDelivery.
func (d *Deliverer) Deliver(spec Spec, p Payload) (string, error) {
	switch spec.Type {
	case TypeFile:
		return d.deliverFile(spec, p)
	case TypeAppend:
		return d.deliverAppend(spec, p)
	case TypeStdout:
		return d.deliverStdout(p)
	default:
		return "", fmt.Errorf("%w: unknown delivery type %q", ErrDelivery, spec.Type)
	}
}

// deliverFile writes a fresh file under the configured directory. The name
// embeds the run id, so concurrent runs can never collide; O_EXCL guards
// against clock collisions anyway. The payload is staged to a temp file and
// renamed into place so a crash never leaves a partial record.
func (d *Deliverer) deliverFile(spec Spec, p Payload) (string, error) {
	dir := spec.Directory
	if dir == "" {
		dir = d.DefaultDir
	}
	if dir == "" {
		return "", fmt.Errorf("%w: no target directory", ErrDelivery)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: %v", ErrDelivery, err)
	}

	body, err := formatPayload(spec.Format, p)
	if err != nil {
		return "", err
	}

	name := fmt.Sprintf("%s_%s_run%d.%s", slug(p.TaskName), p.FinishedAt.Format("20060102_150405"), p.RunID, spec.Format)
	path := filepath.Join(dir, name)

	tmp, err := os.CreateTemp(dir, "."+name+".tmp")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDelivery, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(body); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("%w: %v", ErrDelivery, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrDelivery, err)
	}

	// Refuse to clobber: the name is unique by construction, so an existing
	// file means something else wrote it.
	if _, err := os.Lstat(path); err == nil {
		return "", fmt.Errorf("%w: %s already exists", ErrDelivery, path)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("%w: %v", ErrDelivery, err)
	}
	return path, nil
}

// deliverAppend adds one delimited record to the target file. The write
// happens as a single Write call under an exclusive flock, so records from
// concurrent runs never interleave.
func (d *Deliverer) deliverAppend(spec Spec, p Payload) (string, error) {
	if err := os.MkdirAll(filepath.Dir(spec.Filepath), 0o755); err != nil {
		return "", fmt.Errorf("%w: %v", ErrDelivery, err)
	}
	sep := spec.Separator
	if sep == "" {
		sep = fmt.Sprintf("\n\n---\n\n## %s\n\n", p.FinishedAt.Format("2006-01-02 15:04"))
	}

	f, err := os.OpenFile(spec.Filepath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDelivery, err)
	}
	defer f.Close()

	lock, err := filelock.AcquireFile(f)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDelivery, err)
	}
	defer lock.Release()

	if _, err := f.Write([]byte(sep + p.Text)); err != nil {
		return "", fmt.Errorf("%w: %v", ErrDelivery, err)
	}
	return spec.Filepath, nil
}

func (d *Deliverer) deliverStdout(p Payload) (string, error) {
	w := d.Stdout
	if w == nil {
		w = os.Stdout
	}
	if _, err := fmt.Fprintln(w, p.Text); err != nil {
		return "", fmt.Errorf("%w: %v", ErrDelivery, err)
	}
	return "stdout", nil
}

// jsonEnvelope is the structured shape of a "json" format file delivery.
type jsonEnvelope struct {
	TaskID     string    `json:"task_id"`
	TaskName   string    `json:"task_name"`
	RunID      int64     `json:"run_id"`
	Model      string    `json:"model,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
	Output     string    `json:"output"`
}

func formatPayload(format string, p Payload) ([]byte, error) {
	switch format {
	case "json":
		b, err := json.MarshalIndent(jsonEnvelope{
			TaskID:     p.TaskID,
			TaskName:   p.TaskName,
			RunID:      p.RunID,
			Model:      p.Model,
			FinishedAt: p.FinishedAt.UTC(),
			Output:     p.Text,
		}, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDelivery, err)
		}
		return append(b, '\n'), nil
	default: // md, txt: raw text
		return []byte(p.Text), nil
	}
}

// slug lowercases a task name into a filename-safe token.
func slug(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ', r == '-', r == '_', r == '.':
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "task"
	}
	return b.String()
}
