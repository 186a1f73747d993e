package commands

import (
	"fmt"
	"strings"
	"time"

	"tasksync/internal/output"
)

// stringList is a repeatable string flag.
type stringList []string

func (l *stringList) String() string { return strings.Join(*l, ", ") }

func (l *stringList) Set(s string) error {
	*l = append(*l, s)
	return nil
}

// parseDue parses a due date: YYYY-MM-DD, "today", "tomorrow" or "none".
// Dates are midnight UTC. A nil result clears the due date.
func parseDue(s string, now time.Time) (*time.Time, error) {
	var day time.Time
	switch v := strings.ToLower(strings.TrimSpace(s)); v {
	case "none", "":
		return nil, nil
	case "today":
		day = now
	case "tomorrow":
		day = now.AddDate(0, 0, 1)
	default:
		d, err := time.Parse(output.DateFormat, v)
		if err != nil {
			return nil, fmt.Errorf("invalid due date %q (want YYYY-MM-DD, today, tomorrow or none)", s)
		}
		day = d
	}
	due := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	return &due, nil
}
