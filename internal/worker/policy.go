package worker

import "time"

// RetryPolicy is a fixed delay schedule indexed by attempt number.
// Delays[i] is the wait before attempt i+2; when attempts outnumber the
// schedule the last delay repeats.
type RetryPolicy struct {
	MaxAttempts int
	Delays      []time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Delays:      []time.Duration{5 * time.Second, 10 * time.Second},
	}
}

// Next returns the delay before the attempt after `attempt`, or false when
// `attempt` was the last one allowed.
func (p RetryPolicy) Next(attempt int) (time.Duration, bool) {
	if attempt < 1 || attempt >= p.MaxAttempts {
		return 0, false
	}
	if len(p.Delays) == 0 {
		return 0, true
	}
	idx := attempt - 1
	if idx >= len(p.Delays) {
		idx = len(p.Delays) - 1
	}
	return p.Delays[idx], true
}

// WithMaxAttempts returns a copy with MaxAttempts replaced when n > 0.
func (p RetryPolicy) WithMaxAttempts(n int) RetryPolicy {
	if n > 0 {
		p.MaxAttempts = n
	}
	return p
}
