package coordinator

import "time"

// pollInterval is how often a fallback-mode waiter re-checks for a free slot
// in the absence of cross-process Pub/Sub notifications.
const pollInterval = 200 * time.Millisecond

func newPollTicker() *time.Ticker {
	return time.NewTicker(pollInterval)
}
