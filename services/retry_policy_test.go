package services

import (
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"voucher-system/internal/status"
	"voucher-system/models"
)

func TestRetryPolicy_ExponentialDelays(t *testing.T) {
	p := RetryPolicy{Type: models.BackoffExponential, Delay: 2 * time.Second, Factor: 2}

	assert.Equal(t, 2*time.Second, p.NextDelay(1))
	assert.Equal(t, 4*time.Second, p.NextDelay(2))
	assert.Equal(t, 8*time.Second, p.NextDelay(3))
	assert.Equal(t, 2*time.Second, p.NextDelay(0), "attempt is clamped to 1")
}

func TestRetryPolicy_FixedDelays(t *testing.T) {
	p := RetryPolicy{Type: models.BackoffFixed, Delay: 3 * time.Second, Factor: 2}

	for attempt := 1; attempt <= 5; attempt++ {
		assert.Equal(t, 3*time.Second, p.NextDelay(attempt))
	}
}

func TestRetryPolicy_CappedAtMax(t *testing.T) {
	p := RetryPolicy{Type: models.BackoffExponential, Delay: time.Second, Factor: 10, Max: time.Minute}

	assert.Equal(t, 10*time.Second, p.NextDelay(2))
	assert.Equal(t, time.Minute, p.NextDelay(3))
	assert.Equal(t, time.Minute, p.NextDelay(60), "huge exponents stay capped")
	assert.Equal(t, time.Minute, p.NextDelay(11))
}

func TestRetryPolicy_LargeAttemptsNeverGoNegative(t *testing.T) {
	defaults := RetryPolicy{Type: models.BackoffExponential, Delay: 2 * time.Second, Factor: 2, Max: 5 * time.Minute}
	for _, attempt := range []int{33, 34, 35, 64, 1000} {
		assert.Equal(t, 5*time.Minute, defaults.NextDelay(attempt), "attempt %d", attempt)
	}

	uncapped := RetryPolicy{Type: models.BackoffExponential, Delay: time.Second, Factor: 10}
	assert.Equal(t, time.Duration(math.MaxInt64), uncapped.NextDelay(11))
	assert.Equal(t, time.Duration(math.MaxInt64), uncapped.NextDelay(500))

	prev := time.Duration(0)
	for attempt := 1; attempt <= 100; attempt++ {
		d := defaults.NextDelay(attempt)
		assert.Positive(t, d)
		assert.GreaterOrEqual(t, d, prev, "backoff shrank at attempt %d", attempt)
		prev = d
	}
}

func TestRetryPolicy_ForJobOverridesDefaults(t *testing.T) {
	p := RetryPolicy{Type: models.BackoffExponential, Delay: 2 * time.Second, Factor: 2}
	job := models.Job{Backoff: models.Backoff{Type: models.BackoffFixed, Delay: 500 * time.Millisecond}}

	got := p.ForJob(job)
	assert.Equal(t, models.BackoffFixed, got.Type)
	assert.Equal(t, 500*time.Millisecond, got.NextDelay(3))
}

func TestRetryPolicy_ShouldRetry(t *testing.T) {
	p := RetryPolicy{}

	assert.True(t, p.ShouldRetry(models.Job{AttemptsMade: 1, MaxAttempts: 3}, errors.New("smtp")))
	assert.True(t, p.ShouldRetry(models.Job{AttemptsMade: 2, MaxAttempts: 3}, errors.New("smtp")))
	assert.False(t, p.ShouldRetry(models.Job{AttemptsMade: 3, MaxAttempts: 3}, errors.New("smtp")))

	unrecoverable := fmt.Errorf("%w: bad payload", status.ErrUnrecoverable)
	assert.False(t, p.ShouldRetry(models.Job{AttemptsMade: 1, MaxAttempts: 3}, unrecoverable))
}
