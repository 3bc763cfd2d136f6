// Package retry computes when a failed delivery is attempted again.
package retry

import "time"

// schedule is indexed by retryCount-1 and saturates at the last entry.
var schedule = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	60 * time.Minute,
	240 * time.Minute,
}

// Backoff returns the delay before the next attempt after retryCount failures.
// Counts below one are treated as the first failure.
func Backoff(retryCount int) time.Duration {
	idx := retryCount - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(schedule) {
		idx = len(schedule) - 1
	}
	return schedule[idx]
}

// NextAttempt is now plus Backoff(retryCount).
func NextAttempt(now time.Time, retryCount int) time.Time {
	return now.Add(Backoff(retryCount))
}
