// Package schedule validates crontab expressions and computes fire times.
//
// Only the classic five-field grammar (minute hour day-of-month month
// day-of-week) is accepted, because the entries end up verbatim in the
// user's crontab.
package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var ErrInvalid = errors.New("invalid cron expression")

// Strict five-field parser. No seconds, no @descriptors: cron(5) would not
// understand them.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Validate checks expr against the five-field grammar and returns the
// normalized (whitespace-collapsed) form.
func Validate(expr string) (string, error) {
	norm := strings.Join(strings.Fields(expr), " ")
	if norm == "" {
		return "", fmt.Errorf("%w: empty expression", ErrInvalid)
	}
	if n := len(strings.Fields(norm)); n != 5 {
		return "", fmt.Errorf("%w: %q has %d fields, want 5 (minute hour dom month dow)", ErrInvalid, expr, n)
	}
	if _, err := parser.Parse(norm); err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalid, expr, err)
	}
	return norm, nil
}

// Next returns the first fire time of expr strictly after from.
func Next(expr string, from time.Time) (time.Time, error) {
	norm, err := Validate(expr)
	if err != nil {
		return time.Time{}, err
	}
	sched, err := parser.Parse(norm)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q: %v", ErrInvalid, expr, err)
	}
	return sched.Next(from), nil
}
