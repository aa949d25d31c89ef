package utils

import "time"

// NowUTC returns the current time in UTC.
// All timestamp bookkeeping (cooldowns, cache ages, refresh intervals)
// goes through this function so tests and logs agree on the timezone.
func NowUTC() time.Time {
	return time.Now().UTC()
}
