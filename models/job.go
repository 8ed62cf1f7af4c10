package models

import (
	"time"
)

type JobKind string

const (
	JobKindIssueAndNotify JobKind = "issue_and_notify"
	JobKindProcessOnly    JobKind = "process_only"
	JobKindEmailOnly      JobKind = "email_only"
)

func (k JobKind) Valid() bool {
	switch k {
	case JobKindIssueAndNotify, JobKindProcessOnly, JobKindEmailOnly:
		return true
	}
	return false
}

type JobState string

const (
	JobStateWaiting   JobState = "waiting"
	JobStateActive    JobState = "active"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
	JobStateDelayed   JobState = "delayed"
)

func (s JobState) Valid() bool {
	switch s {
	case JobStateWaiting, JobStateActive, JobStateCompleted, JobStateFailed, JobStateDelayed:
		return true
	}
	return false
}

// Terminal states are only left through an explicit manual retry.
func (s JobState) Terminal() bool {
	return s == JobStateCompleted || s == JobStateFailed
}

var jobTransitions = map[JobState][]JobState{
	JobStateWaiting:   {JobStateActive},
	JobStateActive:    {JobStateCompleted, JobStateFailed, JobStateDelayed, JobStateWaiting},
	JobStateDelayed:   {JobStateWaiting},
	JobStateFailed:    {JobStateWaiting},
	JobStateCompleted: nil,
}

// CanTransition reports whether the pipeline may move a job from one state to another.
// active -> waiting is stalled-job recovery; failed -> waiting is a manual retry.
func CanTransition(from, to JobState) bool {
	for _, next := range jobTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type BackoffType string

const (
	BackoffExponential BackoffType = "exponential"
	BackoffFixed       BackoffType = "fixed"
)

type Backoff struct {
	Type  BackoffType   `json:"type"`
	Delay time.Duration `json:"delay"`
}

type JobPayload struct {
	EventID     string `json:"eventId,omitempty"`
	UserID      string `json:"userId,omitempty"`
	VoucherCode string `json:"voucherCode,omitempty"`
	Email       string `json:"email,omitempty"`
}

type JobOptions struct {
	Attempts int     `json:"attempts"`
	Backoff  Backoff `json:"backoff"`
}

type Job struct {
	ID           string     `json:"id"`
	Kind         JobKind    `json:"kind"`
	Payload      JobPayload `json:"payload"`
	AttemptsMade int        `json:"attempts_made"`
	MaxAttempts  int        `json:"max_attempts"`
	State        JobState   `json:"state"`
	Backoff      Backoff    `json:"backoff"`
	LastError    string     `json:"last_error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	ProcessedAt  *time.Time `json:"processed_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	RunAt        *time.Time `json:"run_at,omitempty"`
}

// AttemptsLeft reports whether another delivery may be made after the current one.
func (j Job) AttemptsLeft() bool {
	return j.AttemptsMade < j.MaxAttempts
}

type JobEventType string

const (
	JobEventWaiting   JobEventType = "waiting"
	JobEventActive    JobEventType = "active"
	JobEventCompleted JobEventType = "completed"
	JobEventFailed    JobEventType = "failed"
	JobEventDelayed   JobEventType = "delayed"
	JobEventStalled   JobEventType = "stalled"
)

// JobEvent is a state-transition notification emitted by the pipeline.
type JobEvent struct {
	Type      JobEventType `json:"type"`
	Queue     string       `json:"queue"`
	JobID     string       `json:"job_id"`
	Kind      JobKind      `json:"kind,omitempty"`
	Attempt   int          `json:"attempt,omitempty"`
	Error     string       `json:"error,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}
