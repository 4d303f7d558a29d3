package capital

import (
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultMaxRetries     = 10
	DefaultRetryDelay     = 20 * time.Second
	DefaultRateLimitDelay = 20 * time.Second
)

// RetryPolicy decides which failures are retried, how long to wait and how
// many retries are allowed. Rate-limit and transient retries are counted
// separately unless SharedBudget is set.
type RetryPolicy struct {
	MaxRetries          int           // transient budget (and the shared budget when SharedBudget)
	MaxRateLimitRetries int           // 429 budget when counters are separate
	SharedBudget        bool          // one counter for every retried kind
	Delay               time.Duration // base delay between transient retries
	RateLimitDelay      time.Duration // wait on 429 without Retry-After
	Exponential         bool          // exponential schedule starting at Delay
	MaxDelay            time.Duration // cap for the exponential schedule
	// Retryable overrides the default predicate (transient or rate limited).
	Retryable func(error) bool
}

// DefaultRetryPolicy: 10 retries per kind, 20s fixed delay.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:          DefaultMaxRetries,
		MaxRateLimitRetries: DefaultMaxRetries,
		Delay:               DefaultRetryDelay,
		RateLimitDelay:      DefaultRateLimitDelay,
	}
}

// withDefaults fills unset fields. Budgets left at zero on both counters get
// the default; use a negative budget to disable retries.
func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxRetries == 0 && p.MaxRateLimitRetries == 0 {
		p.MaxRetries = DefaultMaxRetries
		if !p.SharedBudget {
			p.MaxRateLimitRetries = DefaultMaxRetries
		}
	}
	if p.Delay == 0 {
		p.Delay = DefaultRetryDelay
	}
	if p.RateLimitDelay == 0 {
		p.RateLimitDelay = DefaultRateLimitDelay
	}
	return p
}

func (p RetryPolicy) retryable(err error) bool {
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrRateLimited)
}

func (p RetryPolicy) newBackOff() backoff.BackOff {
	if !p.Exponential {
		return backoff.NewConstantBackOff(p.Delay)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Delay
	if p.MaxDelay > 0 {
		b.MaxInterval = p.MaxDelay
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// retryState tracks one logical request across attempts.
type retryState struct {
	policy    RetryPolicy
	bo        backoff.BackOff
	transient int
	limited   int
}

func (p RetryPolicy) start() *retryState {
	return &retryState{policy: p, bo: p.newBackOff()}
}

// next records a failed attempt and returns the wait before the following
// one. ok is false when err is not retryable or its budget is spent.
func (s *retryState) next(err error) (wait time.Duration, ok bool) {
	if !s.policy.retryable(err) {
		return 0, false
	}
	var re *RequestError
	limited := errors.As(err, &re) && re.Kind == KindRateLimited
	if limited {
		s.limited++
	} else {
		s.transient++
	}

	if s.policy.SharedBudget {
		if s.transient+s.limited > s.policy.MaxRetries {
			return 0, false
		}
	} else if limited {
		if s.limited > s.policy.MaxRateLimitRetries {
			return 0, false
		}
	} else if s.transient > s.policy.MaxRetries {
		return 0, false
	}

	if limited {
		if re.RetryAfter > 0 {
			return re.RetryAfter, true
		}
		return s.policy.RateLimitDelay, true
	}
	d := s.bo.NextBackOff()
	if d == backoff.Stop {
		return 0, false
	}
	return d, true
}

func (s *retryState) attempts() int { return s.transient + s.limited }
