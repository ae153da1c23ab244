package scheduler

import (
	"time"

	apperrors "github.com/acme/voice-dispatch/pkg/errors"
)

var localLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
}

// ScheduleAt converts a requested schedule time into a task's not_before.
// Times carrying an offset are taken as is; bare local times are read in
// timezone (UTC when empty). A time already in the past means now.
func ScheduleAt(raw, timezone string, now time.Time) (time.Time, error) {
	if raw == "" {
		return time.Time{}, apperrors.Validation("schedule_time is required")
	}

	loc := time.UTC
	if timezone != "" {
		l, err := time.LoadLocation(timezone)
		if err != nil {
			return time.Time{}, apperrors.Validation("unknown timezone " + timezone)
		}
		loc = l
	}

	at, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		parsed := false
		for _, layout := range localLayouts {
			if at, err = time.ParseInLocation(layout, raw, loc); err == nil {
				parsed = true
				break
			}
		}
		if !parsed {
			return time.Time{}, apperrors.Validation("schedule_time " + raw + " is not a valid timestamp")
		}
	}

	if at.Before(now) {
		return now.UTC(), nil
	}
	return at.UTC(), nil
}
