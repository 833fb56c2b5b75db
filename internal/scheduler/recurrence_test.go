package scheduler

import (
	"testing"

	"github.com/sqlfanout/reportcore/pkg/catalog"
)

func TestCronSpecOnceIsNotScheduled(t *testing.T) {
	_, scheduled, err := cronSpec(catalog.Recurrence{Type: catalog.RecurrenceOnce}, nil)
	if err != nil || scheduled {
		t.Fatalf("expected once to be unscheduled with no error, got scheduled=%v err=%v", scheduled, err)
	}
}

func TestCronSpecDaily(t *testing.T) {
	spec, scheduled, err := cronSpec(catalog.Recurrence{Type: catalog.RecurrenceDaily, TimeOfDay: "06:30"}, nil)
	if err != nil || !scheduled {
		t.Fatalf("expected daily to be scheduled, got err=%v", err)
	}
	if spec != "30 6 * * *" {
		t.Fatalf("unexpected cron spec: %q", spec)
	}
}

func TestCronSpecEveryNDays(t *testing.T) {
	spec, scheduled, err := cronSpec(catalog.Recurrence{Type: catalog.RecurrenceEveryNDays, N: 3, TimeOfDay: "00:00"}, nil)
	if err != nil || !scheduled {
		t.Fatalf("expected everyNDays to be scheduled, got err=%v", err)
	}
	if spec != "0 0 */3 * *" {
		t.Fatalf("unexpected cron spec: %q", spec)
	}
}

func TestCronSpecCustomPassesThrough(t *testing.T) {
	spec, scheduled, err := cronSpec(catalog.Recurrence{Type: catalog.RecurrenceCustom, Cron: "*/5 * * * *"}, nil)
	if err != nil || !scheduled || spec != "*/5 * * * *" {
		t.Fatalf("unexpected result: spec=%q scheduled=%v err=%v", spec, scheduled, err)
	}
}

func TestCronSpecLegacyManualIsNotScheduled(t *testing.T) {
	_, scheduled, err := cronSpec(catalog.Recurrence{Schedule: "manual"}, nil)
	if err != nil || scheduled {
		t.Fatalf("expected legacy manual to be unscheduled, got scheduled=%v err=%v", scheduled, err)
	}
}

func TestCronSpecLegacyTimeOfDay(t *testing.T) {
	spec, scheduled, err := cronSpec(catalog.Recurrence{TimeOfDay: "14:05"}, nil)
	if err != nil || !scheduled || spec != "5 14 * * *" {
		t.Fatalf("unexpected result: spec=%q scheduled=%v err=%v", spec, scheduled, err)
	}
}

func TestCronSpecLegacyMinutesInterval(t *testing.T) {
	spec, scheduled, err := cronSpec(catalog.Recurrence{Schedule: "15m"}, nil)
	if err != nil || !scheduled || spec != "*/15 * * * *" {
		t.Fatalf("unexpected result: spec=%q scheduled=%v err=%v", spec, scheduled, err)
	}
}

func TestCronSpecLegacySecondsCoercedToOneMinute(t *testing.T) {
	spec, scheduled, err := cronSpec(catalog.Recurrence{Schedule: "30s"}, nil)
	if err != nil || !scheduled || spec != "*/1 * * * *" {
		t.Fatalf("unexpected result: spec=%q scheduled=%v err=%v", spec, scheduled, err)
	}
}

func TestCronSpecLegacyArbitraryCronString(t *testing.T) {
	spec, scheduled, err := cronSpec(catalog.Recurrence{Schedule: "0 */2 * * *"}, nil)
	if err != nil || !scheduled || spec != "0 */2 * * *" {
		t.Fatalf("unexpected result: spec=%q scheduled=%v err=%v", spec, scheduled, err)
	}
}

func TestCronSpecInvalidTimeOfDayIsConfigInvalid(t *testing.T) {
	_, _, err := cronSpec(catalog.Recurrence{Type: catalog.RecurrenceDaily, TimeOfDay: "25:99"}, nil)
	if err == nil {
		t.Fatal("expected an error for an invalid time-of-day")
	}
}
