package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/mrmap-community/mrmap-sub007/internal/model"
	"github.com/mrmap-community/mrmap-sub007/internal/notify"
	"github.com/mrmap-community/mrmap-sub007/internal/repository"
)

// --- モック定義 ---

type mockServiceRepo struct {
	services map[string]*model.Service
	jobs     *mockJobRepo
	updated  []model.ServiceStatus
	deleted  []string
}

func newMockServiceRepo(jobs *mockJobRepo) *mockServiceRepo {
	return &mockServiceRepo{services: make(map[string]*model.Service), jobs: jobs}
}

func (m *mockServiceRepo) FindByID(_ context.Context, id string) (*model.Service, error) {
	return m.services[id], nil
}

func (m *mockServiceRepo) FindByCapabilitiesURL(_ context.Context, u string) (*model.Service, error) {
	for _, s := range m.services {
		if s.CapabilitiesURL == u {
			return s, nil
		}
	}
	return nil, nil
}

func (m *mockServiceRepo) List(_ context.Context, _ model.ServiceFilter, _ model.Page, _ model.Sort) ([]*model.Service, int, error) {
	var out []*model.Service
	for _, s := range m.services {
		out = append(out, s)
	}
	return out, len(out), nil
}

func (m *mockServiceRepo) CreateWithJob(ctx context.Context, svc *model.Service, job *model.HarvestingJob) error {
	if existing, _ := m.FindByCapabilitiesURL(ctx, svc.CapabilitiesURL); existing != nil {
		return fmt.Errorf("%w: uq_services_capabilities_url", repository.ErrDuplicate)
	}
	m.services[svc.ID] = svc
	return m.jobs.Create(ctx, job)
}

func (m *mockServiceRepo) UpdateSettings(_ context.Context, id string, status model.ServiceStatus, secured bool) error {
	m.updated = append(m.updated, status)
	if s, ok := m.services[id]; ok {
		s.Status = status
		s.IsSecured = secured
	}
	return nil
}

func (m *mockServiceRepo) DeleteByID(_ context.Context, id string) error {
	m.deleted = append(m.deleted, id)
	delete(m.services, id)
	return nil
}

func (m *mockServiceRepo) ReplaceContent(_ context.Context, _ *repository.ServiceContent) error {
	return nil
}

func (m *mockServiceRepo) MarkErrorIfNeverHarvested(_ context.Context, _ string) error {
	return nil
}

func (m *mockServiceRepo) ListDueForMonitoring(_ context.Context, _ time.Time, _ int) ([]*model.Service, error) {
	return nil, nil
}

func (m *mockServiceRepo) UpdateMonitoredAt(_ context.Context, _ string, _ time.Time) error {
	return nil
}

type mockJobRepo struct {
	mu   sync.Mutex
	jobs map[string]*model.HarvestingJob
	logs []*model.JobLog
}

func newMockJobRepo() *mockJobRepo {
	return &mockJobRepo{jobs: make(map[string]*model.HarvestingJob)}
}

func (m *mockJobRepo) FindByID(_ context.Context, id string) (*model.HarvestingJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobs[id], nil
}

func (m *mockJobRepo) List(_ context.Context, _ model.JobFilter, _ model.Page) ([]*model.HarvestingJob, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.HarvestingJob
	for _, j := range m.jobs {
		out = append(out, j)
	}
	return out, len(out), nil
}

func (m *mockJobRepo) Create(_ context.Context, job *model.HarvestingJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.ServiceID == job.ServiceID && (j.Status == model.JobStatusPending || j.Status == model.JobStatusRunning) {
			return fmt.Errorf("%w: uq_harvesting_jobs_active_service", repository.ErrDuplicate)
		}
	}
	m.jobs[job.ID] = job
	return nil
}

func (m *mockJobRepo) ClaimDue(_ context.Context, _ int) ([]*model.HarvestingJob, error) {
	return nil, nil
}

func (m *mockJobRepo) UpdateProgress(_ context.Context, _ string, _ model.JobPhase, _ int) error {
	return nil
}

func (m *mockJobRepo) MarkSucceeded(_ context.Context, _ string) error { return nil }

func (m *mockJobRepo) MarkFailed(_ context.Context, _, _ string) error { return nil }

func (m *mockJobRepo) Reschedule(_ context.Context, _, _ string, _ time.Time) error { return nil }

func (m *mockJobRepo) Cancel(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != model.JobStatusPending {
		return false, nil
	}
	j.Status = model.JobStatusCanceled
	return true, nil
}

func (m *mockJobRepo) AppendLog(_ context.Context, log *model.JobLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, log)
	return nil
}

func (m *mockJobRepo) ListLogs(_ context.Context, jobID string) ([]*model.JobLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.JobLog
	for _, l := range m.logs {
		if l.JobID == jobID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (m *mockJobRepo) DeleteFinishedBefore(_ context.Context, _ time.Time) (int64, error) {
	return 0, nil
}

func (m *mockJobRepo) RequeueStale(_ context.Context, _ time.Time) (int64, error) {
	return 0, nil
}

type mockLayerRepo struct {
	layers []*model.Layer
}

func (m *mockLayerRepo) FindByID(_ context.Context, id string) (*model.Layer, error) {
	for _, l := range m.layers {
		if l.ID == id {
			return l, nil
		}
	}
	return nil, nil
}

func (m *mockLayerRepo) ListByServiceID(_ context.Context, serviceID string) ([]*model.Layer, error) {
	var out []*model.Layer
	for _, l := range m.layers {
		if l.ServiceID == serviceID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (m *mockLayerRepo) IDsByIdentifier(_ context.Context, _ string) (map[string]string, error) {
	return map[string]string{}, nil
}

type mockDetector struct {
	detection *Detection
	err       error
	calls     int
}

func (m *mockDetector) Detect(_ context.Context, _ string) (*Detection, error) {
	m.calls++
	return m.detection, m.err
}

type mockSSRFGuard struct {
	blocked bool
}

func (m *mockSSRFGuard) NewSafeClient(timeout time.Duration, _ int64) *http.Client {
	return &http.Client{Timeout: timeout}
}

func (m *mockSSRFGuard) ValidateURL(_ string) error {
	if m.blocked {
		return errors.New("blocked")
	}
	return nil
}

type recordingPublisher struct {
	events []notify.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev notify.Event) error {
	p.events = append(p.events, ev)
	return nil
}

// --- compile-time interface checks ---
var _ repository.ServiceRepository = (*mockServiceRepo)(nil)
var _ repository.JobRepository = (*mockJobRepo)(nil)
var _ repository.LayerRepository = (*mockLayerRepo)(nil)
var _ Detector = (*mockDetector)(nil)
var _ notify.Publisher = (*recordingPublisher)(nil)
