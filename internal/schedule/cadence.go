// Package schedule drives custom per-vehicle poll cadences.
package schedule

import (
	"errors"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

var ErrBadCronExpression = errors.New("bad cron expression")

// minute granularity, five fields, plus @hourly style descriptors
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Parse compiles a cadence expression.
func Parse(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrBadCronExpression)
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q is not a valid cron expression: %v", ErrBadCronExpression, expr, err)
	}
	return sched, nil
}

// Validate checks a cadence before it is stored. Empty means default cadence.
func Validate(expr string) error {
	if strings.TrimSpace(expr) == "" {
		return nil
	}
	_, err := Parse(expr)
	return err
}
