package catalog

import (
	"encoding/json"
	"fmt"
)

// PoolSettings mirrors the Pool Manager's tunable knobs (SPEC_FULL.md §4.1).
type PoolSettings struct {
	PoolMax                  int `json:"poolMax"`
	IdleCloseMs              int `json:"idleCloseMs"`
	ConnectTimeoutMs         int `json:"connectTimeoutMs"`
	RequestTimeoutMs         int `json:"requestTimeoutMs"`
	MaxConcurrentConnections int `json:"maxConcurrentConnections"`
}

// QueueSettings mirrors the Job Queue's tunable knobs (SPEC_FULL.md §4.6).
type QueueSettings struct {
	MaxConcurrent     int     `json:"maxConcurrent"`
	RetryDelayMs      int     `json:"retryDelayMs"`
	BackoffMultiplier float64 `json:"backoffMultiplier"`
}

// BufferSettings mirrors the Data Buffer's tunable knobs (SPEC_FULL.md §4.3).
type BufferSettings struct {
	SizeThreshold      int   `json:"sizeThreshold"`
	FlushIntervalMs    int   `json:"flushIntervalMs"`
	MaxFlushAttempts   int   `json:"maxFlushAttempts"`
	EligibleOverride   []DestinationType `json:"eligibleOverride,omitempty"`
}

// Settings bundles the mutable, persisted tuning knobs and taxonomy sets.
type Settings struct {
	Pool   PoolSettings   `json:"pool"`
	Queue  QueueSettings  `json:"queue"`
	Buffer BufferSettings `json:"buffer"`

	FinancialYears        []string         `json:"financialYears"`
	Partners              []string         `json:"partners"`
	JobGroups             []string         `json:"jobGroups"`
	Stores                []string         `json:"stores"`
	Operators             []string         `json:"operators"`
	NotificationChannels  []string         `json:"notificationChannels"`
}

// DefaultSettings returns the documented defaults from SPEC_FULL.md.
func DefaultSettings() Settings {
	return Settings{
		Pool: PoolSettings{
			PoolMax:                  10,
			IdleCloseMs:              5 * 60 * 1000,
			ConnectTimeoutMs:         30 * 1000,
			RequestTimeoutMs:         300 * 1000,
			MaxConcurrentConnections: 50,
		},
		Queue: QueueSettings{
			MaxConcurrent:     5,
			RetryDelayMs:      1000,
			BackoffMultiplier: 2.0,
		},
		Buffer: BufferSettings{
			SizeThreshold:    150,
			FlushIntervalMs:  10 * 1000,
			MaxFlushAttempts: 3,
		},
	}
}

// namedRecord is the historical {id, name|year} shape for taxonomy entries.
type namedRecord struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Year string `json:"year"`
}

// UnmarshalTaxonomy normalises a legacy taxonomy field — persisted historically
// as either a list of plain strings or a list of {id, name|year} objects — into
// a plain string slice. See SPEC_FULL.md §9 "Legacy config shapes".
func UnmarshalTaxonomy(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var asStrings []string
	if err := json.Unmarshal(raw, &asStrings); err == nil {
		return asStrings, nil
	}

	var asRecords []namedRecord
	if err := json.Unmarshal(raw, &asRecords); err != nil {
		return nil, fmt.Errorf("taxonomy field is neither []string nor []{id,name|year}: %w", err)
	}

	out := make([]string, 0, len(asRecords))
	for _, r := range asRecords {
		switch {
		case r.Name != "":
			out = append(out, r.Name)
		case r.Year != "":
			out = append(out, r.Year)
		default:
			out = append(out, r.ID)
		}
	}
	return out, nil
}
