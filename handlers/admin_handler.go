package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"

	"voucher-system/models"
)

// JobAdmin is the inspection and control surface of the job lane.
type JobAdmin interface {
	Name() string
	Enqueue(ctx context.Context, kind models.JobKind, payload models.JobPayload, opts *models.JobOptions) (*models.Job, error)
	Get(ctx context.Context, id string) (*models.Job, error)
	List(ctx context.Context, state models.JobState, limit int64) ([]*models.Job, error)
	Counts(ctx context.Context) (models.JobCounts, error)
	Retry(ctx context.Context, id string) error
}

// TaskLister reports recurring tasks and when they last ran.
type TaskLister interface {
	LastRuns(ctx context.Context) ([]models.RecurringTask, error)
}

type AdminHandler struct {
	jobs      JobAdmin
	scheduler TaskLister
}

func NewAdminHandler(jobs JobAdmin, scheduler TaskLister) *AdminHandler {
	return &AdminHandler{jobs: jobs, scheduler: scheduler}
}

// ListJobs - GET /api/v1/admin/jobs?state=failed&limit=50
func (h *AdminHandler) ListJobs(e *core.RequestEvent) error {
	if err := requireSuperuser(e); err != nil {
		return err
	}

	query := e.Request.URL.Query()
	state := models.JobState(query.Get("state"))
	if state == "" {
		state = models.JobStateFailed
	}

	var limit int64 = defaultPageSize
	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 1 {
			return apis.NewBadRequestError("limit must be a positive integer", nil)
		}
		limit = min(parsed, maxPageSize)
	}

	jobs, err := h.jobs.List(e.Request.Context(), state, limit)
	if err != nil {
		return apiError(e, err)
	}
	if jobs == nil {
		jobs = []*models.Job{}
	}

	return e.JSON(http.StatusOK, map[string]any{
		"queue": h.jobs.Name(),
		"state": state,
		"items": jobs,
	})
}

// JobCounts - GET /api/v1/admin/jobs/counts
func (h *AdminHandler) JobCounts(e *core.RequestEvent) error {
	if err := requireSuperuser(e); err != nil {
		return err
	}

	counts, err := h.jobs.Counts(e.Request.Context())
	if err != nil {
		return apiError(e, err)
	}
	return e.JSON(http.StatusOK, counts)
}

// GetJob - GET /api/v1/admin/jobs/{jobId}
func (h *AdminHandler) GetJob(e *core.RequestEvent) error {
	if err := requireSuperuser(e); err != nil {
		return err
	}

	job, err := h.jobs.Get(e.Request.Context(), e.Request.PathValue("jobId"))
	if err != nil {
		return apiError(e, err)
	}
	return e.JSON(http.StatusOK, job)
}

// RetryJob - POST /api/v1/admin/jobs/{jobId}/retry
func (h *AdminHandler) RetryJob(e *core.RequestEvent) error {
	if err := requireSuperuser(e); err != nil {
		return err
	}

	jobID := e.Request.PathValue("jobId")
	if err := h.jobs.Retry(e.Request.Context(), jobID); err != nil {
		return apiError(e, err)
	}

	logger(e).Info("failed job re-queued by operator", "job_id", jobID, "operator", e.Auth.Id)
	return e.JSON(http.StatusOK, map[string]any{
		"job_id": jobID,
		"state":  models.JobStateWaiting,
	})
}

// SchedulerStatus - GET /api/v1/admin/scheduler
func (h *AdminHandler) SchedulerStatus(e *core.RequestEvent) error {
	if err := requireSuperuser(e); err != nil {
		return err
	}

	tasks, err := h.scheduler.LastRuns(e.Request.Context())
	if err != nil {
		return apiError(e, err)
	}

	items := make([]map[string]any, 0, len(tasks))
	for _, task := range tasks {
		item := map[string]any{
			"name":     task.Name,
			"interval": task.Interval.String(),
		}
		if task.LastRunAt != nil {
			item["last_run_at"] = task.LastRunAt.Format(time.RFC3339)
		}
		items = append(items, item)
	}
	return e.JSON(http.StatusOK, items)
}

type enqueueJobRequest struct {
	Kind     models.JobKind    `json:"kind"`
	Payload  models.JobPayload `json:"payload"`
	Attempts int               `json:"attempts"`
	Backoff  *struct {
		Type    models.BackoffType `json:"type"`
		DelayMS int64              `json:"delay_ms"`
	} `json:"backoff"`
}

// EnqueueTestJob - POST /api/v1/test/enqueue-job, development only
func (h *AdminHandler) EnqueueTestJob(e *core.RequestEvent) error {
	var req enqueueJobRequest
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}
	if !req.Kind.Valid() {
		return apis.NewBadRequestError("Unknown job kind", nil)
	}

	var opts *models.JobOptions
	if req.Attempts > 0 || req.Backoff != nil {
		opts = &models.JobOptions{Attempts: req.Attempts}
		if req.Backoff != nil {
			opts.Backoff = models.Backoff{
				Type:  req.Backoff.Type,
				Delay: time.Duration(req.Backoff.DelayMS) * time.Millisecond,
			}
		}
	}

	job, err := h.jobs.Enqueue(e.Request.Context(), req.Kind, req.Payload, opts)
	if err != nil {
		return apiError(e, err)
	}
	return e.JSON(http.StatusAccepted, job)
}
