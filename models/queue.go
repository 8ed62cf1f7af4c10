package models

import (
	"time"
)

// JobCounts is a snapshot of the job lane per state.
type JobCounts struct {
	Queue     string    `json:"queue"`
	Waiting   int64     `json:"waiting"`
	Active    int64     `json:"active"`
	Delayed   int64     `json:"delayed"`
	Completed int64     `json:"completed"`
	Failed    int64     `json:"failed"`
	CheckedAt time.Time `json:"checked_at"`
}

func (c JobCounts) Pending() int64 {
	return c.Waiting + c.Active + c.Delayed
}

// RecurringTask describes one scheduler lane entry.
type RecurringTask struct {
	Name      string        `json:"name"`
	Interval  time.Duration `json:"interval"`
	LastRunAt *time.Time    `json:"last_run_at,omitempty"`
}
