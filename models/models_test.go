package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEvent_LeaseActive(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		event  Event
		active bool
	}{
		{"no holder", Event{}, false},
		{"holder with future expiry", Event{EditingBy: "u1", EditLockAt: now.Add(time.Minute)}, true},
		{"holder with past expiry", Event{EditingBy: "u1", EditLockAt: now.Add(-time.Second)}, false},
		{"expiry exactly now", Event{EditingBy: "u1", EditLockAt: now}, false},
		{"expiry without holder", Event{EditLockAt: now.Add(time.Minute)}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.active, tt.event.LeaseActive(now))
		})
	}
}

func TestEvent_HeldBy(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	event := Event{EditingBy: "u1", EditLockAt: now.Add(time.Minute)}

	assert.True(t, event.HeldBy("u1", now))
	assert.False(t, event.HeldBy("u2", now))
	assert.False(t, event.HeldBy("u1", now.Add(2*time.Minute)))
}

func TestEvent_Remaining(t *testing.T) {
	assert.Equal(t, 3, Event{MaxQuantity: 5, IssuedCount: 2}.Remaining())
	assert.Equal(t, 0, Event{MaxQuantity: 2, IssuedCount: 2}.Remaining())
	assert.Equal(t, 0, Event{MaxQuantity: 2, IssuedCount: 3}.Remaining())
}

func TestJobKind_Valid(t *testing.T) {
	for _, kind := range []JobKind{JobKindIssueAndNotify, JobKindProcessOnly, JobKindEmailOnly} {
		assert.True(t, kind.Valid(), kind)
	}
	assert.False(t, JobKind("send_sms").Valid())
}

func TestCanTransition(t *testing.T) {
	allowed := [][2]JobState{
		{JobStateWaiting, JobStateActive},
		{JobStateActive, JobStateCompleted},
		{JobStateActive, JobStateFailed},
		{JobStateActive, JobStateDelayed},
		{JobStateActive, JobStateWaiting},
		{JobStateDelayed, JobStateWaiting},
		{JobStateFailed, JobStateWaiting},
	}
	for _, pair := range allowed {
		assert.True(t, CanTransition(pair[0], pair[1]), "%s -> %s", pair[0], pair[1])
	}

	denied := [][2]JobState{
		{JobStateCompleted, JobStateWaiting},
		{JobStateCompleted, JobStateActive},
		{JobStateFailed, JobStateActive},
		{JobStateWaiting, JobStateCompleted},
		{JobStateDelayed, JobStateActive},
	}
	for _, pair := range denied {
		assert.False(t, CanTransition(pair[0], pair[1]), "%s -> %s", pair[0], pair[1])
	}
}

func TestJobState_Terminal(t *testing.T) {
	assert.True(t, JobStateCompleted.Terminal())
	assert.True(t, JobStateFailed.Terminal())
	assert.False(t, JobStateDelayed.Terminal())
	assert.False(t, JobStateActive.Terminal())
}

func TestJob_AttemptsLeft(t *testing.T) {
	assert.True(t, Job{AttemptsMade: 2, MaxAttempts: 3}.AttemptsLeft())
	assert.False(t, Job{AttemptsMade: 3, MaxAttempts: 3}.AttemptsLeft())
}

func TestJobCounts_Pending(t *testing.T) {
	c := JobCounts{Waiting: 2, Active: 1, Delayed: 4, Completed: 10, Failed: 1}
	assert.Equal(t, int64(7), c.Pending())
}
