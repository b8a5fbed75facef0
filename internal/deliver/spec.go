// Package deliver routes run output to its configured sink.
//
// Three variants exist: "file" writes a fresh uniquely-named file, "append"
// adds a delimited record to an existing file, "stdout" prints to the
// dispatcher's standard output. A delivery either lands completely or not at
// all; partial records are never visible to readers.
package deliver

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidSpec = errors.New("invalid delivery spec")

const (
	TypeFile   = "file"
	TypeAppend = "append"
	TypeStdout = "stdout"
)

// Spec is the persisted delivery configuration of a task.
// Which fields matter depends on Type.
type Spec struct {
	Type string `json:"type"`

	// file
	Format    string `json:"format,omitempty"`    // md, txt or json
	Directory string `json:"directory,omitempty"` // empty means the default output dir

	// append
	Filepath  string `json:"filepath,omitempty"`
	Separator string `json:"separator,omitempty"` // empty means a timestamped heading
}

// Validate normalizes and checks a spec before any durable write.
func (s *Spec) Validate() error {
	s.Type = strings.ToLower(strings.TrimSpace(s.Type))
	switch s.Type {
	case TypeFile:
		s.Format = strings.ToLower(strings.TrimSpace(s.Format))
		if s.Format == "" {
			s.Format = "md"
		}
		switch s.Format {
		case "md", "txt", "json":
		default:
			return fmt.Errorf("%w: unknown file format %q (want md, txt or json)", ErrInvalidSpec, s.Format)
		}
		return nil
	case TypeAppend:
		if strings.TrimSpace(s.Filepath) == "" {
			return fmt.Errorf("%w: append delivery requires a filepath", ErrInvalidSpec)
		}
		return nil
	case TypeStdout:
		return nil
	case "":
		return fmt.Errorf("%w: missing delivery type", ErrInvalidSpec)
	default:
		return fmt.Errorf("%w: unknown delivery type %q (want file, append or stdout)", ErrInvalidSpec, s.Type)
	}
}
