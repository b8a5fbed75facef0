package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Duration decodes from either a Go duration string ("90s", "5m") or a
// number of seconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case float64:
		*d = Duration(time.Duration(x) * time.Second)
		return nil
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			*d = 0
			return nil
		}
		dur, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", x, err)
		}
		if dur < 0 {
			return fmt.Errorf("duration must be >= 0, got %q", x)
		}
		*d = Duration(dur)
		return nil
	default:
		return fmt.Errorf("invalid duration value %v", v)
	}
}
