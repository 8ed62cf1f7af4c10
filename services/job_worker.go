package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"voucher-system/internal/status"
	"voucher-system/models"
	"voucher-system/monitoring"
)

// JobHandler processes one delivery of a job. Deliveries are at least once,
// so handlers must tolerate running again for the same job.
type JobHandler func(ctx context.Context, job *models.Job) error

// JobSource is the part of the job lane a worker consumes.
type JobSource interface {
	Name() string
	Dequeue(ctx context.Context, timeout time.Duration) (*models.Job, error)
	Complete(ctx context.Context, job *models.Job) error
	Fail(ctx context.Context, job *models.Job, cause error) (models.JobState, error)
}

type JobWorker struct {
	source      JobSource
	handlers    map[models.JobKind]JobHandler
	concurrency int
	pollTimeout time.Duration
	monitor     *monitoring.Monitor
	logger      *slog.Logger

	stopChan         chan struct{}
	stopOnce         sync.Once
	wg               sync.WaitGroup
	activeGoroutines int64
	processed        int64
}

func NewJobWorker(source JobSource, concurrency int, pollTimeout time.Duration, monitor *monitoring.Monitor, logger *slog.Logger) *JobWorker {
	if concurrency < 1 {
		concurrency = 1
	}
	if pollTimeout <= 0 {
		pollTimeout = time.Second
	}
	return &JobWorker{
		source:      source,
		handlers:    make(map[models.JobKind]JobHandler),
		concurrency: concurrency,
		pollTimeout: pollTimeout,
		monitor:     monitor,
		logger:      logger.With("component", "job_worker", "queue", source.Name()),
		stopChan:    make(chan struct{}),
	}
}

// Handle registers the handler for a job kind. Call before Start.
func (w *JobWorker) Handle(kind models.JobKind, handler JobHandler) {
	w.handlers[kind] = handler
}

// Start launches the consumer goroutines. They stop after Shutdown, at the
// latest one poll timeout later.
func (w *JobWorker) Start(ctx context.Context) {
	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.loop(ctx, i)
	}
	w.logger.Info("job worker started", "concurrency", w.concurrency)
}

func (w *JobWorker) loop(ctx context.Context, n int) {
	defer w.wg.Done()
	atomic.AddInt64(&w.activeGoroutines, 1)
	defer atomic.AddInt64(&w.activeGoroutines, -1)
	if w.monitor != nil {
		w.monitor.AddWorkers(1)
		defer w.monitor.AddWorkers(-1)
	}

	for {
		select {
		case <-w.stopChan:
			w.logger.Debug("consumer stopping", "consumer", n)
			return
		case <-ctx.Done():
			return
		default:
		}

		if _, err := w.ProcessOne(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("job loop error", "consumer", n, "error", err)
			select {
			case <-time.After(w.pollTimeout):
			case <-w.stopChan:
				return
			}
		}
	}
}

// ProcessOne waits for a single job and runs it. It reports whether a job was handled.
func (w *JobWorker) ProcessOne(ctx context.Context) (bool, error) {
	job, err := w.source.Dequeue(ctx, w.pollTimeout)
	if err != nil {
		return false, fmt.Errorf("dequeue: %w", err)
	}
	if job == nil {
		return false, nil
	}

	logger := w.logger.With("job_id", job.ID, "kind", string(job.Kind), "attempt", job.AttemptsMade)
	started := time.Now()
	runErr := w.run(ctx, job)
	if w.monitor != nil {
		w.monitor.ObserveJob(w.source.Name(), job.Kind, time.Since(started))
	}
	atomic.AddInt64(&w.processed, 1)

	if runErr == nil {
		if err := w.source.Complete(ctx, job); err != nil {
			return true, err
		}
		logger.Debug("job completed")
		return true, nil
	}

	state, err := w.source.Fail(ctx, job, runErr)
	if err != nil {
		return true, err
	}
	logger.Warn("job attempt failed", "error", runErr, "next_state", string(state))
	return true, nil
}

func (w *JobWorker) run(ctx context.Context, job *models.Job) (err error) {
	handler, ok := w.handlers[job.Kind]
	if !ok {
		return fmt.Errorf("%w: %w %q", status.ErrUnrecoverable, status.ErrUnknownJobKind, job.Kind)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}

// Processed returns how many deliveries this worker handled.
func (w *JobWorker) Processed() int64 {
	return atomic.LoadInt64(&w.processed)
}

func (w *JobWorker) ActiveGoroutines() int64 {
	return atomic.LoadInt64(&w.activeGoroutines)
}

// Shutdown stops the consumers and waits for in-flight jobs.
func (w *JobWorker) Shutdown() {
	w.stopOnce.Do(func() {
		close(w.stopChan)
	})
	w.wg.Wait()
	w.logger.Info("job worker stopped", "processed", w.Processed())
}
