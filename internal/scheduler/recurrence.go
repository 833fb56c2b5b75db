package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/sqlfanout/reportcore/internal/errs"
	"github.com/sqlfanout/reportcore/internal/logging"
	"github.com/sqlfanout/reportcore/pkg/catalog"
)

var legacyIntervalPattern = regexp.MustCompile(`^(\d+)([ms])$`)

// cronSpec renders rec into a standard 5-field cron expression per the
// externalisation rule in SPEC_FULL.md §6, or reports that the job is not
// schedulable (explicit "once", or legacy "manual"). log may be nil.
func cronSpec(rec catalog.Recurrence, log *logging.Logger) (spec string, scheduled bool, err error) {
	switch rec.Type {
	case catalog.RecurrenceOnce:
		return "", false, nil

	case catalog.RecurrenceDaily:
		hh, mm, err := parseTimeOfDay(rec.TimeOfDay)
		if err != nil {
			return "", false, fmt.Errorf("%w: daily: %v", errs.ErrConfigInvalid, err)
		}
		return fmt.Sprintf("%d %d * * *", mm, hh), true, nil

	case catalog.RecurrenceEveryNDays:
		if rec.N <= 0 {
			return "", false, fmt.Errorf("%w: everyNDays: n must be positive", errs.ErrConfigInvalid)
		}
		hh, mm, err := parseTimeOfDay(rec.TimeOfDay)
		if err != nil {
			return "", false, fmt.Errorf("%w: everyNDays: %v", errs.ErrConfigInvalid, err)
		}
		return fmt.Sprintf("%d %d */%d * *", mm, hh, rec.N), true, nil

	case catalog.RecurrenceCustom:
		if strings.TrimSpace(rec.Cron) == "" {
			return "", false, fmt.Errorf("%w: custom: empty cron expression", errs.ErrConfigInvalid)
		}
		return rec.Cron, true, nil

	default:
		return legacyCronSpec(rec, log)
	}
}

// legacyCronSpec interprets a recurrence with no explicit Type, per the
// legacy rules in SPEC_FULL.md §4.5.
func legacyCronSpec(rec catalog.Recurrence, log *logging.Logger) (string, bool, error) {
	if rec.Schedule == "manual" {
		return "", false, nil
	}
	if rec.TimeOfDay != "" {
		hh, mm, err := parseTimeOfDay(rec.TimeOfDay)
		if err != nil {
			return "", false, fmt.Errorf("%w: legacy timeOfDay: %v", errs.ErrConfigInvalid, err)
		}
		return fmt.Sprintf("%d %d * * *", mm, hh), true, nil
	}
	if m := legacyIntervalPattern.FindStringSubmatch(rec.Schedule); m != nil {
		n, _ := strconv.Atoi(m[1])
		if n <= 0 {
			return "", false, fmt.Errorf("%w: legacy interval: non-positive value", errs.ErrConfigInvalid)
		}
		if m[2] == "s" {
			if log != nil {
				log.Warn().Str("schedule", rec.Schedule).Msg("scheduler: legacy seconds interval coerced to 1 minute")
			}
			n = 1
		}
		return fmt.Sprintf("*/%d * * * *", n), true, nil
	}
	if strings.TrimSpace(rec.Schedule) == "" {
		return "", false, fmt.Errorf("%w: legacy: empty schedule", errs.ErrConfigInvalid)
	}
	return rec.Schedule, true, nil
}

func parseTimeOfDay(s string) (hh, mm int, err error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("timeOfDay %q: expected HH:MM", s)
	}
	hh, err = strconv.Atoi(parts[0])
	if err != nil || hh < 0 || hh > 23 {
		return 0, 0, fmt.Errorf("timeOfDay %q: invalid hour", s)
	}
	mm, err = strconv.Atoi(parts[1])
	if err != nil || mm < 0 || mm > 59 {
		return 0, 0, fmt.Errorf("timeOfDay %q: invalid minute", s)
	}
	return hh, mm, nil
}
