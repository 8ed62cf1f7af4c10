package services

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"voucher-system/internal/status"
	"voucher-system/models"
)

var baseTime = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeVoucherStore applies the quota predicate under one mutex, the way the
// conditional UPDATE does in the database.
type fakeVoucherStore struct {
	mu            sync.Mutex
	events        map[string]*models.Event
	vouchers      map[string]*models.Voucher
	forcedErrs    []error
	issueAttempts int
}

func newFakeVoucherStore(events ...*models.Event) *fakeVoucherStore {
	s := &fakeVoucherStore{
		events:   make(map[string]*models.Event),
		vouchers: make(map[string]*models.Voucher),
	}
	for _, e := range events {
		s.events[e.ID] = e
	}
	return s
}

func (s *fakeVoucherStore) IssueVoucher(_ context.Context, eventID, requesterID, code string) (*models.Voucher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.issueAttempts++

	if len(s.forcedErrs) > 0 {
		err := s.forcedErrs[0]
		s.forcedErrs = s.forcedErrs[1:]
		return nil, err
	}

	event, ok := s.events[eventID]
	if !ok {
		return nil, status.ErrNotFound
	}
	if event.IssuedCount >= event.MaxQuantity {
		return nil, status.ErrQuotaExhausted
	}
	if _, taken := s.vouchers[code]; taken {
		return nil, status.ErrCodeCollision
	}

	event.IssuedCount++
	v := &models.Voucher{ID: "v" + code, EventID: eventID, Code: code, IssuedTo: requesterID}
	s.vouchers[code] = v
	return v, nil
}

func (s *fakeVoucherStore) FindEvent(_ context.Context, eventID string) (*models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	event, ok := s.events[eventID]
	if !ok {
		return nil, status.ErrNotFound
	}
	copied := *event
	return &copied, nil
}

func (s *fakeVoucherStore) FindVoucherByCode(_ context.Context, code string) (*models.Voucher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vouchers[code]
	if !ok {
		return nil, status.ErrNotFound
	}
	copied := *v
	return &copied, nil
}

func (s *fakeVoucherStore) RedeemVoucher(_ context.Context, code string) (*models.Voucher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vouchers[code]
	if !ok {
		return nil, status.ErrNotFound
	}
	if v.IsUsed {
		return nil, status.ErrAlreadyUsed
	}
	v.IsUsed = true
	copied := *v
	return &copied, nil
}

func (s *fakeVoucherStore) DeleteVoucher(_ context.Context, voucherID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for code, v := range s.vouchers {
		if v.ID != voucherID {
			continue
		}
		if v.IsUsed {
			return status.ErrAlreadyUsed
		}
		delete(s.vouchers, code)
		s.events[v.EventID].IssuedCount--
		return nil
	}
	return status.ErrNotFound
}

func (s *fakeVoucherStore) ListVouchers(_ context.Context, eventID string, _, _ int) ([]*models.Voucher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Voucher
	for _, v := range s.vouchers {
		if v.EventID == eventID {
			out = append(out, v)
		}
	}
	return out, nil
}

type fakeEnqueuer struct {
	mu   sync.Mutex
	jobs []*models.Job
	err  error
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, kind models.JobKind, payload models.JobPayload, _ *models.JobOptions) (*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	job := &models.Job{ID: "job", Kind: kind, Payload: payload, State: models.JobStateWaiting}
	f.jobs = append(f.jobs, job)
	return job, nil
}

func (f *fakeEnqueuer) queued() []*models.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*models.Job(nil), f.jobs...)
}

type fakeUsers struct {
	emails map[string]string
	err    error
}

func (f fakeUsers) ResolveEmail(_ context.Context, userID string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.emails[userID], nil
}

type sentMail struct {
	to, subject, body string
}

type fakeMailer struct {
	mu       sync.Mutex
	failures int
	sent     []sentMail
	calls    int
}

func (f *fakeMailer) Send(_ context.Context, to, subject, body string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return "", errors.New("smtp: connection refused")
	}
	f.sent = append(f.sent, sentMail{to: to, subject: subject, body: body})
	return "<msg@test>", nil
}

// memoryJobSource mimics the Redis job lane in memory, with delayed jobs
// promoted straight back to waiting.
type memoryJobSource struct {
	mu      sync.Mutex
	policy  RetryPolicy
	waiting []string
	jobs    map[string]*models.Job
}

func newMemoryJobSource(policy RetryPolicy) *memoryJobSource {
	return &memoryJobSource{policy: policy, jobs: make(map[string]*models.Job)}
}

func (m *memoryJobSource) Name() string { return "memory" }

func (m *memoryJobSource) add(job *models.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job.State = models.JobStateWaiting
	m.jobs[job.ID] = job
	m.waiting = append(m.waiting, job.ID)
}

func (m *memoryJobSource) Dequeue(context.Context, time.Duration) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.waiting) == 0 {
		return nil, nil
	}
	id := m.waiting[0]
	m.waiting = m.waiting[1:]

	job := m.jobs[id]
	job.AttemptsMade++
	job.State = models.JobStateActive
	copied := *job
	return &copied, nil
}

func (m *memoryJobSource) Complete(_ context.Context, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID].State = models.JobStateCompleted
	return nil
}

func (m *memoryJobSource) Fail(_ context.Context, job *models.Job, cause error) (models.JobState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := m.jobs[job.ID]
	stored.LastError = cause.Error()
	if m.policy.ShouldRetry(*job, cause) {
		stored.State = models.JobStateWaiting
		m.waiting = append(m.waiting, job.ID)
		return models.JobStateDelayed, nil
	}
	stored.State = models.JobStateFailed
	return models.JobStateFailed, nil
}

func (m *memoryJobSource) get(id string) models.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.jobs[id]
}

type recordingSink struct {
	mu     sync.Mutex
	events []models.JobEvent
}

func (r *recordingSink) OnJobEvent(_ context.Context, event models.JobEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingSink) types() []models.JobEventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.JobEventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}
