package worker

import "mediaconverter/services"

// RetryPolicy decides how many attempts a failed job gets in total.
type RetryPolicy struct {
	MaxAttempts int
}

// Limit returns the attempt ceiling for a job that failed with err.
// Misconfiguration will not fix itself between ticks, so it is never retried.
func (p RetryPolicy) Limit(err error) int {
	if services.IsConfigError(err) {
		return 0
	}
	return p.MaxAttempts
}
