// Package batch implements the batch job engine: submission, priority and
// schedule queues, parallel item execution, recurrence and webhooks.
package batch

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/shutter/internal/models"
)

// NextRun computes when the recurring successor of a job fires, counting
// from the given base time.
func NextRun(pattern models.RecurrencePattern, interval int, cronSpec string, from time.Time) (time.Time, error) {
	if interval < 1 {
		interval = 1
	}

	switch pattern {
	case models.RecurrenceHourly:
		return from.Add(time.Duration(interval) * time.Hour), nil
	case models.RecurrenceDaily:
		return from.AddDate(0, 0, interval), nil
	case models.RecurrenceWeekly:
		return from.AddDate(0, 0, 7*interval), nil
	case models.RecurrenceMonthly:
		return addMonthsClamped(from, interval), nil
	case models.RecurrenceCustom:
		schedule, err := cron.ParseStandard(cronSpec)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", cronSpec, err)
		}
		return schedule.Next(from), nil
	default:
		return time.Time{}, fmt.Errorf("pattern %q does not recur", pattern)
	}
}

// addMonthsClamped adds months keeping the day-of-month, clamped to the last
// day of the target month (Jan 31 + 1 month = Feb 28/29, not Mar 2/3).
func addMonthsClamped(from time.Time, months int) time.Time {
	year, month, day := from.Date()
	hour, min, sec := from.Clock()

	target := time.Date(year, month+time.Month(months), 1, 0, 0, 0, 0, from.Location())
	lastDay := daysInMonth(target.Year(), target.Month())
	if day > lastDay {
		day = lastDay
	}
	return time.Date(target.Year(), target.Month(), day, hour, min, sec, from.Nanosecond(), from.Location())
}

func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
