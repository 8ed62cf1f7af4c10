package services

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"voucher-system/config"
	"voucher-system/internal/clock"
	"voucher-system/monitoring"
	"voucher-system/utils"
)

type LeaseReaper interface {
	ReapExpiredLeases(ctx context.Context, now time.Time) (int64, error)
}

type StorePinger interface {
	Ping(ctx context.Context) error
}

// JobMaintainer is the housekeeping side of the job lane.
type JobMaintainer interface {
	PromoteDelayed(ctx context.Context) (int, error)
	RecoverStalled(ctx context.Context, timeout time.Duration) (int, int, error)
	Clean(ctx context.Context, retention time.Duration) (int64, error)
}

// HealthReport is the latest store health probe outcome.
type HealthReport struct {
	Healthy   bool              `json:"healthy"`
	Checks    map[string]string `json:"checks"`
	CheckedAt time.Time         `json:"checked_at"`
}

// Maintenance holds the bodies of the recurring maintenance tasks.
type Maintenance struct {
	leases  LeaseReaper
	store   StorePinger
	redis   *redis.Client
	jobs    JobMaintainer
	monitor *monitoring.Monitor
	clock   clock.Clock
	logger  *slog.Logger

	retention      time.Duration
	stalledTimeout time.Duration

	mu         sync.RWMutex
	lastHealth HealthReport
}

func NewMaintenance(leases LeaseReaper, store StorePinger, redisClient *redis.Client, jobs JobMaintainer, monitor *monitoring.Monitor, cfg *config.Config, clk clock.Clock, logger *slog.Logger) *Maintenance {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Maintenance{
		leases:         leases,
		store:          store,
		redis:          redisClient,
		jobs:           jobs,
		monitor:        monitor,
		clock:          clk,
		logger:         logger.With("component", "maintenance"),
		retention:      cfg.JobRetention,
		stalledTimeout: cfg.JobStalledTimeout,
	}
}

// Tasks returns the maintenance tasks with their configured intervals.
func (m *Maintenance) Tasks(cfg *config.Config) []RecurringTask {
	tasks := []RecurringTask{
		{Name: "lease_reaper", Interval: cfg.LeaseReaperInterval, Run: m.ReapLeases},
		{Name: "store_health", Interval: cfg.HealthProbeInterval, Run: m.ProbeHealth},
	}
	if m.jobs != nil {
		tasks = append(tasks,
			RecurringTask{Name: "job_cleanup", Interval: cfg.JobCleanupInterval, Run: m.CleanJobs},
			RecurringTask{Name: "job_promoter", Interval: cfg.JobPromoteInterval, Run: m.PromoteJobs},
			RecurringTask{Name: "job_stall_check", Interval: cfg.JobStalledCheckInterval, Run: m.RecoverStalledJobs},
		)
	}
	if m.monitor != nil {
		tasks = append(tasks, RecurringTask{Name: "queue_metrics", Interval: 30 * time.Second, Run: m.monitor.CollectQueueMetrics})
	}
	return tasks
}

// ReapLeases clears leases that expired. Acquisition already ignores them;
// this only tidies stored state.
func (m *Maintenance) ReapLeases(ctx context.Context) error {
	reaped, err := m.leases.ReapExpiredLeases(ctx, m.clock.Now())
	if err != nil {
		return err
	}
	if reaped > 0 {
		m.logger.InfoContext(ctx, "expired leases cleared", "count", reaped)
	}
	return nil
}

// ProbeHealth checks store and Redis liveness and publishes the result as
// gauges and as the latest HealthReport.
func (m *Maintenance) ProbeHealth(ctx context.Context) error {
	report := HealthReport{Healthy: true, Checks: map[string]string{}, CheckedAt: m.clock.Now()}

	var errs []error
	check := func(component string, err error) {
		up := err == nil
		if m.monitor != nil {
			m.monitor.SetComponentHealth(component, up)
		}
		if up {
			report.Checks[component] = "ok"
			return
		}
		report.Healthy = false
		report.Checks[component] = err.Error()
		errs = append(errs, err)
		m.logger.ErrorContext(ctx, "health check failed", "check", component, "error", err)
	}

	check("store", m.store.Ping(ctx))
	if m.redis != nil {
		check("redis", utils.RedisHealthCheck(ctx, m.redis))
	}

	m.mu.Lock()
	m.lastHealth = report
	m.mu.Unlock()

	return errors.Join(errs...)
}

// LastHealth returns the most recent probe report.
func (m *Maintenance) LastHealth() HealthReport {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastHealth
}

func (m *Maintenance) CleanJobs(ctx context.Context) error {
	removed, err := m.jobs.Clean(ctx, m.retention)
	if err != nil {
		return err
	}
	if removed > 0 {
		m.logger.InfoContext(ctx, "finished jobs purged", "count", removed, "retention", m.retention.String())
	}
	return nil
}

func (m *Maintenance) PromoteJobs(ctx context.Context) error {
	_, err := m.jobs.PromoteDelayed(ctx)
	return err
}

func (m *Maintenance) RecoverStalledJobs(ctx context.Context) error {
	requeued, failed, err := m.jobs.RecoverStalled(ctx, m.stalledTimeout)
	if err != nil {
		return err
	}
	if requeued+failed > 0 {
		m.logger.WarnContext(ctx, "stalled jobs recovered", "requeued", requeued, "failed", failed)
	}
	return nil
}
