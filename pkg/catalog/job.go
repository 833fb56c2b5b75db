package catalog

import "time"

// TriggerKind selects when a job's results are actually dispatched.
type TriggerKind string

const (
	TriggerAlways   TriggerKind = "always"
	TriggerOnChange TriggerKind = "onChange"
)

// Trigger is a job's dispatch policy plus the content hash recorded by the
// last dispatch, used to detect change under TriggerOnChange.
type Trigger struct {
	Kind     TriggerKind `json:"kind"`
	LastHash string      `json:"lastHash,omitempty"`
}

// RecurrenceType names one of the grammar forms described in SPEC_FULL.md §4.5.
type RecurrenceType string

const (
	RecurrenceOnce        RecurrenceType = "once"
	RecurrenceDaily       RecurrenceType = "daily"
	RecurrenceEveryNDays  RecurrenceType = "everyNDays"
	RecurrenceCustom      RecurrenceType = "custom"
	recurrenceUnspecified RecurrenceType = ""
)

// Recurrence describes how often a job fires. Either Type is one of the
// explicit grammar forms, or (when Type is empty) the legacy Schedule/TimeOfDay
// fields are interpreted per the legacy rules in SPEC_FULL.md §4.5.
type Recurrence struct {
	Type       RecurrenceType `json:"type,omitempty"`
	TimeOfDay  string         `json:"timeOfDay,omitempty"` // "HH:MM"
	N          int            `json:"n,omitempty"`         // for everyNDays
	Cron       string         `json:"cron,omitempty"`      // for custom
	Schedule   string         `json:"schedule,omitempty"`  // legacy free-form field
}

// NamedQuery is one step of a job's multi-query mode.
type NamedQuery struct {
	Name  string `json:"name"`
	Query string `json:"query"`
}

// Job binds queries, connections, and destinations under a recurrence rule.
type Job struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	Enabled       bool         `json:"enabled"`
	ConnectionIDs []string     `json:"connectionIds"`
	Query         string       `json:"query,omitempty"`
	Queries       []NamedQuery `json:"queries,omitempty"`
	Recurrence    Recurrence   `json:"recurrence"`
	Trigger       Trigger      `json:"trigger"`
	Destinations  []Destination `json:"destinations"`
	Group         string       `json:"group,omitempty"`
	LastRun       time.Time    `json:"lastRun,omitempty"`
}

// IsMultiQuery reports whether the job uses the ordered-named-queries form.
// Invariant: a job never has both Query and Queries populated; the executor
// treats Queries as authoritative when both happen to be set.
func (j *Job) IsMultiQuery() bool {
	return len(j.Queries) > 0
}

// DedupedConnectionIDs returns ConnectionIDs with duplicates removed, preserving
// first-seen order.
func (j *Job) DedupedConnectionIDs() []string {
	seen := make(map[string]struct{}, len(j.ConnectionIDs))
	out := make([]string, 0, len(j.ConnectionIDs))
	for _, id := range j.ConnectionIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
