package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Normalize accepts a 5-field cron expression or one of the @-descriptors
// (@hourly, @daily, @every 5m, ...) and returns the canonical form, validating
// it against the standard parser.
func Normalize(expr string) (string, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return "", fmt.Errorf("cron expression empty")
	}
	if !strings.HasPrefix(expr, "@") {
		fields := strings.Fields(expr)
		if len(fields) != 5 {
			return "", fmt.Errorf("cron expression %q: expected 5 fields, got %d", expr, len(fields))
		}
		expr = strings.Join(fields, " ")
	}
	if _, err := cron.ParseStandard(expr); err != nil {
		return "", fmt.Errorf("cron expression %q: %w", expr, err)
	}
	return expr, nil
}

// NextRun computes the next fire time strictly after from, in UTC.
func NextRun(expr string, from time.Time) (time.Time, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("cron expression %q: %w", expr, err)
	}
	return sched.Next(from.UTC()).UTC(), nil
}
