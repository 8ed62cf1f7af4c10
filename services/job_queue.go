package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"voucher-system/config"
	"voucher-system/internal/clock"
	"voucher-system/internal/status"
	"voucher-system/models"
)

const defaultJobBatch = 500

// JobQueue is the ad-hoc job lane backed by Redis lists and sorted sets.
// A job id lives in exactly one of waiting, active, delayed, completed or
// failed; the hash under job:<id> carries its state and counters.
type JobQueue struct {
	Redis    *redis.Client
	name     string
	prefix   string
	defaults models.JobOptions
	policy   RetryPolicy
	clock    clock.Clock
	events   JobEventSink
	logger   *slog.Logger
	newID    func() string
}

type JobQueueOption func(*JobQueue)

func WithJobClock(c clock.Clock) JobQueueOption {
	return func(q *JobQueue) { q.clock = c }
}

func WithJobEvents(sink JobEventSink) JobQueueOption {
	return func(q *JobQueue) { q.events = sink }
}

func WithJobLogger(logger *slog.Logger) JobQueueOption {
	return func(q *JobQueue) { q.logger = logger }
}

// WithJobIDs replaces the uuid job id generator.
func WithJobIDs(fn func() string) JobQueueOption {
	return func(q *JobQueue) { q.newID = fn }
}

func NewJobQueue(redisClient *redis.Client, cfg *config.Config, opts ...JobQueueOption) *JobQueue {
	q := &JobQueue{
		Redis:  redisClient,
		name:   cfg.JobQueueName,
		prefix: fmt.Sprintf("jobs:%s:", cfg.JobQueueName),
		defaults: models.JobOptions{
			Attempts: cfg.JobAttempts,
			Backoff: models.Backoff{
				Type:  models.BackoffType(cfg.JobBackoffType),
				Delay: cfg.JobBackoffDelay,
			},
		},
		policy: RetryPolicyFromConfig(cfg),
		clock:  clock.NewSystem(),
		events: NopJobEvents{},
		logger: slog.Default(),
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.With("component", "job_queue", "queue", q.name)
	return q
}

func (q *JobQueue) Name() string { return q.name }

func (q *JobQueue) key(part string) string { return q.prefix + part }

func (q *JobQueue) jobKey(id string) string { return q.prefix + "job:" + id }

// Enqueue stores a new waiting job. Options left zero fall back to the queue defaults.
func (q *JobQueue) Enqueue(ctx context.Context, kind models.JobKind, payload models.JobPayload, opts *models.JobOptions) (*models.Job, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", status.ErrUnknownJobKind, kind)
	}

	options := q.defaults
	if opts != nil {
		if opts.Attempts > 0 {
			options.Attempts = opts.Attempts
		}
		if opts.Backoff.Type != "" {
			options.Backoff.Type = opts.Backoff.Type
		}
		if opts.Backoff.Delay > 0 {
			options.Backoff.Delay = opts.Backoff.Delay
		}
	}

	job := &models.Job{
		ID:          q.newID(),
		Kind:        kind,
		Payload:     payload,
		MaxAttempts: options.Attempts,
		State:       models.JobStateWaiting,
		Backoff:     options.Backoff,
		CreatedAt:   q.clock.Now().Truncate(time.Millisecond),
	}

	fields, err := jobFields(job)
	if err != nil {
		return nil, err
	}

	_, err = q.Redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.jobKey(job.ID), fields...)
		pipe.LPush(ctx, q.key("waiting"), job.ID)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue %s job: %w", kind, err)
	}

	q.emit(ctx, models.JobEventWaiting, job, "")
	return job, nil
}

// jobFields flattens a new job into HSET arguments in a fixed order.
func jobFields(job *models.Job) ([]interface{}, error) {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal job payload: %w", err)
	}
	return []interface{}{
		"id", job.ID,
		"kind", string(job.Kind),
		"payload", string(payload),
		"attempts_made", job.AttemptsMade,
		"max_attempts", job.MaxAttempts,
		"state", string(job.State),
		"backoff_type", string(job.Backoff.Type),
		"backoff_delay", job.Backoff.Delay.Milliseconds(),
		"created_on", job.CreatedAt.UnixMilli(),
	}, nil
}

// Dequeue blocks up to timeout for a waiting job and marks it active,
// counting the attempt. It returns nil without error when nothing arrived.
func (q *JobQueue) Dequeue(ctx context.Context, timeout time.Duration) (*models.Job, error) {
	id, err := q.Redis.BLMove(ctx, q.key("waiting"), q.key("active"), "RIGHT", "LEFT", timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	now := q.clock.Now().UnixMilli()
	res, err := q.Redis.Eval(ctx, activateJobScript, []string{q.jobKey(id), q.key("active")}, id, now).Slice()
	if errors.Is(err, redis.Nil) {
		q.logger.Warn("dropped job without data", "job_id", id)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("activate job %s: %w", id, err)
	}

	job, err := parseJob(pairsToMap(res))
	if err != nil {
		return nil, err
	}
	q.emit(ctx, models.JobEventActive, job, "")
	return job, nil
}

// Complete moves an active job to completed. Jobs no longer active (already
// recovered as stalled) are left alone.
func (q *JobQueue) Complete(ctx context.Context, job *models.Job) error {
	if !models.CanTransition(job.State, models.JobStateCompleted) {
		return fmt.Errorf("complete job %s: %w from %s", job.ID, status.ErrBadTransition, job.State)
	}

	now := q.clock.Now()
	moved, err := q.Redis.Eval(ctx, completeJobScript,
		[]string{q.jobKey(job.ID), q.key("active"), q.key("completed")},
		job.ID, now.UnixMilli(),
	).Int64()
	if err != nil {
		return fmt.Errorf("complete job %s: %w", job.ID, err)
	}
	if moved == 0 {
		q.logger.Warn("completed job was no longer active", "job_id", job.ID)
		return nil
	}

	job.State = models.JobStateCompleted
	job.FinishedAt = &now
	q.emit(ctx, models.JobEventCompleted, job, "")
	return nil
}

// Fail records a handler failure. The job is delayed for another attempt
// while the retry policy allows it, otherwise it lands in failed and stays
// there until retried by an operator.
func (q *JobQueue) Fail(ctx context.Context, job *models.Job, cause error) (models.JobState, error) {
	now := q.clock.Now()
	message := ""
	if cause != nil {
		message = cause.Error()
	}

	target := models.JobStateFailed
	var runAt int64
	policy := q.policy.ForJob(*job)
	if policy.ShouldRetry(*job, cause) {
		target = models.JobStateDelayed
		runAt = now.Add(policy.NextDelay(job.AttemptsMade)).UnixMilli()
	}
	if !models.CanTransition(job.State, target) {
		return "", fmt.Errorf("fail job %s: %w from %s", job.ID, status.ErrBadTransition, job.State)
	}

	moved, err := q.Redis.Eval(ctx, failJobScript,
		[]string{q.jobKey(job.ID), q.key("active"), q.key("delayed"), q.key("failed")},
		job.ID, now.UnixMilli(), message, string(target), runAt,
	).Int64()
	if err != nil {
		return "", fmt.Errorf("fail job %s: %w", job.ID, err)
	}
	if moved == 0 {
		q.logger.Warn("failed job was no longer active", "job_id", job.ID)
		return job.State, nil
	}

	job.State = target
	job.LastError = message
	if target == models.JobStateDelayed {
		at := time.UnixMilli(runAt).UTC()
		job.RunAt = &at
		q.emit(ctx, models.JobEventDelayed, job, message)
	} else {
		job.FinishedAt = &now
		q.emit(ctx, models.JobEventFailed, job, message)
	}
	return target, nil
}

// PromoteDelayed moves delayed jobs whose backoff elapsed back to waiting.
func (q *JobQueue) PromoteDelayed(ctx context.Context) (int, error) {
	ids, err := q.Redis.Eval(ctx, promoteDelayedScript,
		[]string{q.key("delayed"), q.key("waiting")},
		q.jobKey(""), q.clock.Now().UnixMilli(), int64(defaultJobBatch),
	).StringSlice()
	if err != nil {
		return 0, fmt.Errorf("promote delayed jobs: %w", err)
	}
	for _, id := range ids {
		q.emit(ctx, models.JobEventWaiting, &models.Job{ID: id, State: models.JobStateWaiting}, "")
	}
	return len(ids), nil
}

// RecoverStalled returns jobs active for longer than timeout to waiting, or
// to failed when they already used every attempt.
func (q *JobQueue) RecoverStalled(ctx context.Context, timeout time.Duration) (requeued, failed int, err error) {
	now := q.clock.Now()
	res, err := q.Redis.Eval(ctx, recoverStalledScript,
		[]string{q.key("active"), q.key("waiting"), q.key("failed")},
		q.jobKey(""), now.Add(-timeout).UnixMilli(), now.UnixMilli(),
	).Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("recover stalled jobs: %w", err)
	}
	if len(res) != 2 {
		return 0, 0, fmt.Errorf("recover stalled jobs: unexpected reply %v", res)
	}

	requeuedIDs, failedIDs := toStrings(res[0]), toStrings(res[1])
	for _, id := range requeuedIDs {
		q.emit(ctx, models.JobEventStalled, &models.Job{ID: id, State: models.JobStateWaiting}, "job stalled")
	}
	for _, id := range failedIDs {
		q.emit(ctx, models.JobEventStalled, &models.Job{ID: id, State: models.JobStateFailed}, "job stalled")
		q.emit(ctx, models.JobEventFailed, &models.Job{ID: id, State: models.JobStateFailed}, "job stalled")
	}
	return len(requeuedIDs), len(failedIDs), nil
}

// Clean purges completed and failed jobs that finished before now-retention.
func (q *JobQueue) Clean(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := q.clock.Now().Add(-retention).UnixMilli()
	removed, err := q.Redis.Eval(ctx, cleanJobsScript,
		[]string{q.key("completed"), q.key("failed")},
		q.jobKey(""), cutoff, int64(defaultJobBatch),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("clean jobs: %w", err)
	}
	return removed, nil
}

// Retry sends a failed job back to waiting with a fresh attempt budget.
func (q *JobQueue) Retry(ctx context.Context, id string) error {
	res, err := q.Redis.Eval(ctx, retryJobScript,
		[]string{q.jobKey(id), q.key("failed"), q.key("waiting")},
		id,
	).Int64()
	if err != nil {
		return fmt.Errorf("retry job %s: %w", id, err)
	}

	switch res {
	case -1:
		return status.ErrJobNotFound
	case 0:
		return status.ErrJobNotFailed
	}
	q.emit(ctx, models.JobEventWaiting, &models.Job{ID: id, State: models.JobStateWaiting}, "")
	return nil
}

func (q *JobQueue) Get(ctx context.Context, id string) (*models.Job, error) {
	fields, err := q.Redis.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, status.ErrJobNotFound
	}
	return parseJob(fields)
}

// List returns up to limit jobs in state, newest finished first for terminal states.
func (q *JobQueue) List(ctx context.Context, state models.JobState, limit int64) ([]*models.Job, error) {
	if !state.Valid() {
		return nil, fmt.Errorf("%w: unknown job state %q", status.ErrInvalidInput, state)
	}
	if limit <= 0 {
		limit = 50
	}

	var (
		ids []string
		err error
	)
	switch {
	case state.Terminal():
		ids, err = q.Redis.ZRevRange(ctx, q.key(string(state)), 0, limit-1).Result()
	case state == models.JobStateDelayed:
		ids, err = q.Redis.ZRange(ctx, q.key(string(state)), 0, limit-1).Result()
	default:
		ids, err = q.Redis.LRange(ctx, q.key(string(state)), 0, limit-1).Result()
	}
	if err != nil {
		return nil, err
	}

	jobs := make([]*models.Job, 0, len(ids))
	for _, id := range ids {
		job, err := q.Get(ctx, id)
		if errors.Is(err, status.ErrJobNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Counts reports how many jobs sit in each state.
func (q *JobQueue) Counts(ctx context.Context) (models.JobCounts, error) {
	var (
		waiting, active                *redis.IntCmd
		delayed, completed, failedJobs *redis.IntCmd
	)
	_, err := q.Redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		waiting = pipe.LLen(ctx, q.key("waiting"))
		active = pipe.LLen(ctx, q.key("active"))
		delayed = pipe.ZCard(ctx, q.key("delayed"))
		completed = pipe.ZCard(ctx, q.key("completed"))
		failedJobs = pipe.ZCard(ctx, q.key("failed"))
		return nil
	})
	if err != nil {
		return models.JobCounts{}, fmt.Errorf("count jobs: %w", err)
	}

	return models.JobCounts{
		Queue:     q.name,
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Delayed:   delayed.Val(),
		Completed: completed.Val(),
		Failed:    failedJobs.Val(),
		CheckedAt: q.clock.Now(),
	}, nil
}

func (q *JobQueue) emit(ctx context.Context, kind models.JobEventType, job *models.Job, errMsg string) {
	q.events.OnJobEvent(ctx, models.JobEvent{
		Type:      kind,
		Queue:     q.name,
		JobID:     job.ID,
		Kind:      job.Kind,
		Attempt:   job.AttemptsMade,
		Error:     errMsg,
		Timestamp: q.clock.Now(),
	})
}

func pairsToMap(values []interface{}) map[string]string {
	fields := make(map[string]string, len(values)/2)
	for i := 0; i+1 < len(values); i += 2 {
		fields[fmt.Sprint(values[i])] = fmt.Sprint(values[i+1])
	}
	return fields
}

func toStrings(v interface{}) []string {
	items, _ := v.([]interface{})
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, fmt.Sprint(item))
	}
	return out
}

func parseJob(fields map[string]string) (*models.Job, error) {
	job := &models.Job{
		ID:        fields["id"],
		Kind:      models.JobKind(fields["kind"]),
		State:     models.JobState(fields["state"]),
		LastError: fields["last_error"],
		Backoff:   models.Backoff{Type: models.BackoffType(fields["backoff_type"])},
	}
	if job.ID == "" {
		return nil, fmt.Errorf("parse job: missing id")
	}

	if raw := fields["payload"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &job.Payload); err != nil {
			return nil, fmt.Errorf("parse job %s payload: %w", job.ID, err)
		}
	}

	job.AttemptsMade, _ = strconv.Atoi(fields["attempts_made"])
	job.MaxAttempts, _ = strconv.Atoi(fields["max_attempts"])
	if ms, err := strconv.ParseInt(fields["backoff_delay"], 10, 64); err == nil {
		job.Backoff.Delay = time.Duration(ms) * time.Millisecond
	}
	if ts := parseMillis(fields["created_on"]); ts != nil {
		job.CreatedAt = *ts
	}
	job.ProcessedAt = parseMillis(fields["processed_on"])
	job.FinishedAt = parseMillis(fields["finished_on"])
	job.RunAt = parseMillis(fields["run_at"])
	return job, nil
}

func parseMillis(raw string) *time.Time {
	if raw == "" {
		return nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t
}
