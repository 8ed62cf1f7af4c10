package services

import (
	"errors"
	"math"
	"time"

	"voucher-system/config"
	"voucher-system/internal/status"
	"voucher-system/models"
)

// RetryPolicy decides whether a failed job is attempted again and when.
type RetryPolicy struct {
	Type   models.BackoffType
	Delay  time.Duration
	Factor float64
	Max    time.Duration
}

func RetryPolicyFromConfig(cfg *config.Config) RetryPolicy {
	return RetryPolicy{
		Type:   models.BackoffType(cfg.JobBackoffType),
		Delay:  cfg.JobBackoffDelay,
		Factor: cfg.JobBackoffFactor,
		Max:    cfg.JobBackoffMax,
	}
}

// ForJob applies the job's own backoff options over the queue defaults.
func (p RetryPolicy) ForJob(job models.Job) RetryPolicy {
	if job.Backoff.Type != "" {
		p.Type = job.Backoff.Type
	}
	if job.Backoff.Delay > 0 {
		p.Delay = job.Backoff.Delay
	}
	return p
}

// NextDelay returns the wait before the attempt following the given one.
// attempt is 1-based: with a 2s exponential base the delays are 2s, 4s, 8s.
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if p.Delay <= 0 {
		return 0
	}

	if p.Type == models.BackoffFixed {
		if p.Max > 0 && p.Delay > p.Max {
			return p.Max
		}
		return p.Delay
	}

	factor := p.Factor
	if factor < 1 {
		factor = 2
	}
	// Compare in float64: float64(math.MaxInt64) rounds up to 2^63, which
	// no longer fits a Duration.
	scaled := float64(p.Delay) * math.Pow(factor, float64(attempt-1))
	if p.Max > 0 && scaled >= float64(p.Max) {
		return p.Max
	}
	if scaled >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(scaled)
}

// ShouldRetry reports whether a job that just failed with err gets another attempt.
func (p RetryPolicy) ShouldRetry(job models.Job, err error) bool {
	if errors.Is(err, status.ErrUnrecoverable) {
		return false
	}
	return job.AttemptsLeft()
}
