package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"voucher-system/internal/clock"
	"voucher-system/models"
	"voucher-system/monitoring"
)

const (
	schedulerLockPrefix = "scheduler:lock:"
	schedulerLastRunKey = "scheduler:last_run"
)

// TaskFunc is the body of a recurring task.
type TaskFunc func(ctx context.Context) error

type RecurringTask struct {
	Name     string
	Interval time.Duration
	Run      TaskFunc
}

// Scheduler runs recurring tasks on fixed intervals. With a Redis client
// each run first takes a per-task SET NX lock, so across replicas a task
// runs at most once per interval.
type Scheduler struct {
	Redis      *redis.Client
	instanceID string
	clock      clock.Clock
	monitor    *monitoring.Monitor
	logger     *slog.Logger

	mu    sync.RWMutex
	tasks map[string]RecurringTask

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type SchedulerOption func(*Scheduler)

// WithSchedulerDedupe enables cross-replica locking through redisClient.
func WithSchedulerDedupe(redisClient *redis.Client) SchedulerOption {
	return func(s *Scheduler) { s.Redis = redisClient }
}

func WithSchedulerClock(c clock.Clock) SchedulerOption {
	return func(s *Scheduler) { s.clock = c }
}

func WithSchedulerInstance(id string) SchedulerOption {
	return func(s *Scheduler) { s.instanceID = id }
}

func NewScheduler(monitor *monitoring.Monitor, logger *slog.Logger, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		instanceID: uuid.NewString(),
		clock:      clock.NewSystem(),
		monitor:    monitor,
		logger:     logger.With("component", "scheduler"),
		tasks:      make(map[string]RecurringTask),
		stopChan:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scheduler) Register(task RecurringTask) error {
	if task.Name == "" || task.Run == nil {
		return errors.New("scheduler: task needs a name and a body")
	}
	if task.Interval <= 0 {
		return fmt.Errorf("scheduler: task %s has non-positive interval", task.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.Name]; exists {
		return fmt.Errorf("scheduler: task %s already registered", task.Name)
	}
	s.tasks[task.Name] = task
	return nil
}

// Tasks lists registered tasks sorted by name.
func (s *Scheduler) Tasks() []RecurringTask {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks := make([]RecurringTask, 0, len(s.tasks))
	for _, task := range s.tasks {
		tasks = append(tasks, task)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Name < tasks[j].Name })
	return tasks
}

// Start gives every registered task its own ticker goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	tasks := s.Tasks()
	for _, task := range tasks {
		s.wg.Add(1)
		go s.loop(ctx, task)
	}
	s.logger.Info("scheduler started", "tasks", len(tasks), "instance", s.instanceID)
}

func (s *Scheduler) loop(ctx context.Context, task RecurringTask) {
	defer s.wg.Done()

	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.Tick(ctx, task); err != nil {
				s.logger.Error("recurring task failed", "task", task.Name, "error", err)
			}
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Tick runs task once if this instance wins the interval lock. It reports
// whether the body ran.
func (s *Scheduler) Tick(ctx context.Context, task RecurringTask) (bool, error) {
	if s.Redis != nil {
		acquired, err := s.Redis.SetNX(ctx, schedulerLockPrefix+task.Name, s.instanceID, lockTTL(task.Interval)).Result()
		if err != nil {
			return false, fmt.Errorf("lock task %s: %w", task.Name, err)
		}
		if !acquired {
			s.logger.Debug("recurring task owned by another instance", "task", task.Name)
			return false, nil
		}
	}
	return true, s.execute(ctx, task)
}

// RunOnce runs a registered task immediately, bypassing the interval lock.
func (s *Scheduler) RunOnce(ctx context.Context, name string) error {
	s.mu.RLock()
	task, ok := s.tasks[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("scheduler: unknown task %s", name)
	}
	return s.execute(ctx, task)
}

func (s *Scheduler) execute(ctx context.Context, task RecurringTask) error {
	started := s.clock.Now()
	err := task.Run(ctx)

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	if s.monitor != nil {
		s.monitor.TrackTaskRun(task.Name, outcome, s.clock.Now().Sub(started))
	}

	if s.Redis != nil {
		if herr := s.Redis.HSet(ctx, schedulerLastRunKey, task.Name, started.UnixMilli()).Err(); herr != nil {
			s.logger.Warn("record task run", "task", task.Name, "error", herr)
		}
	}
	return err
}

// LastRuns reports each registered task with its last recorded run.
func (s *Scheduler) LastRuns(ctx context.Context) ([]models.RecurringTask, error) {
	runs := map[string]string{}
	if s.Redis != nil {
		var err error
		runs, err = s.Redis.HGetAll(ctx, schedulerLastRunKey).Result()
		if err != nil {
			return nil, err
		}
	}

	tasks := s.Tasks()
	out := make([]models.RecurringTask, 0, len(tasks))
	for _, task := range tasks {
		entry := models.RecurringTask{Name: task.Name, Interval: task.Interval}
		if raw, ok := runs[task.Name]; ok {
			if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
				at := time.UnixMilli(ms).UTC()
				entry.LastRunAt = &at
			}
		}
		out = append(out, entry)
	}
	return out, nil
}

// Shutdown stops every task loop and waits for running bodies.
func (s *Scheduler) Shutdown() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// lockTTL leaves a little slack so the owner's next tick finds the lock gone.
func lockTTL(interval time.Duration) time.Duration {
	ttl := interval * 9 / 10
	if ttl < time.Millisecond {
		return time.Millisecond
	}
	return ttl
}
