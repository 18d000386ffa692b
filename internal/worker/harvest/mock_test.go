package harvest

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/mrmap-community/mrmap-sub007/internal/metrics"
	"github.com/mrmap-community/mrmap-sub007/internal/model"
	"github.com/mrmap-community/mrmap-sub007/internal/notify"
	"github.com/mrmap-community/mrmap-sub007/internal/repository"
	"github.com/mrmap-community/mrmap-sub007/internal/security"
)

// --- モック定義 ---

// mockJobRepo はJobRepositoryのテスト用モック。状態遷移を記録する。
type mockJobRepo struct {
	mu sync.Mutex

	claimDueFunc     func(ctx context.Context, limit int) ([]*model.HarvestingJob, error)
	requeueStaleFunc func(ctx context.Context, before time.Time) (int64, error)

	progress    []model.JobPhase
	percents    []int
	logs        []*model.JobLog
	succeeded   []string
	failed      map[string]string
	rescheduled map[string]time.Time
}

func newMockJobRepo() *mockJobRepo {
	return &mockJobRepo{
		failed:      make(map[string]string),
		rescheduled: make(map[string]time.Time),
	}
}

func (m *mockJobRepo) FindByID(_ context.Context, _ string) (*model.HarvestingJob, error) {
	return nil, nil
}

func (m *mockJobRepo) List(_ context.Context, _ model.JobFilter, _ model.Page) ([]*model.HarvestingJob, int, error) {
	return nil, 0, nil
}

func (m *mockJobRepo) Create(_ context.Context, _ *model.HarvestingJob) error {
	return nil
}

func (m *mockJobRepo) ClaimDue(ctx context.Context, limit int) ([]*model.HarvestingJob, error) {
	if m.claimDueFunc != nil {
		return m.claimDueFunc(ctx, limit)
	}
	return nil, nil
}

func (m *mockJobRepo) UpdateProgress(_ context.Context, _ string, phase model.JobPhase, progress int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.progress = append(m.progress, phase)
	m.percents = append(m.percents, progress)
	return nil
}

func (m *mockJobRepo) MarkSucceeded(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.succeeded = append(m.succeeded, id)
	return nil
}

func (m *mockJobRepo) MarkFailed(_ context.Context, id, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed[id] = message
	return nil
}

func (m *mockJobRepo) Reschedule(_ context.Context, id, _ string, next time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rescheduled[id] = next
	return nil
}

func (m *mockJobRepo) Cancel(_ context.Context, _ string) (bool, error) {
	return false, nil
}

func (m *mockJobRepo) AppendLog(_ context.Context, log *model.JobLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, log)
	return nil
}

func (m *mockJobRepo) ListLogs(_ context.Context, _ string) ([]*model.JobLog, error) {
	return nil, nil
}

func (m *mockJobRepo) DeleteFinishedBefore(_ context.Context, _ time.Time) (int64, error) {
	return 0, nil
}

func (m *mockJobRepo) RequeueStale(ctx context.Context, before time.Time) (int64, error) {
	if m.requeueStaleFunc != nil {
		return m.requeueStaleFunc(ctx, before)
	}
	return 0, nil
}

func (m *mockJobRepo) logsAt(level model.LogLevel) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, l := range m.logs {
		if l.Level == level {
			out = append(out, l.Message)
		}
	}
	return out
}

// mockServiceRepo はServiceRepositoryのテスト用モック。
type mockServiceRepo struct {
	services    map[string]*model.Service
	replaced    *repository.ServiceContent
	replaceErr  error
	markedError []string
}

func (m *mockServiceRepo) FindByID(_ context.Context, id string) (*model.Service, error) {
	return m.services[id], nil
}

func (m *mockServiceRepo) FindByCapabilitiesURL(_ context.Context, _ string) (*model.Service, error) {
	return nil, nil
}

func (m *mockServiceRepo) List(_ context.Context, _ model.ServiceFilter, _ model.Page, _ model.Sort) ([]*model.Service, int, error) {
	return nil, 0, nil
}

func (m *mockServiceRepo) CreateWithJob(_ context.Context, _ *model.Service, _ *model.HarvestingJob) error {
	return nil
}

func (m *mockServiceRepo) UpdateSettings(_ context.Context, _ string, _ model.ServiceStatus, _ bool) error {
	return nil
}

func (m *mockServiceRepo) DeleteByID(_ context.Context, _ string) error {
	return nil
}

func (m *mockServiceRepo) ReplaceContent(_ context.Context, content *repository.ServiceContent) error {
	if m.replaceErr != nil {
		return m.replaceErr
	}
	m.replaced = content
	return nil
}

func (m *mockServiceRepo) MarkErrorIfNeverHarvested(_ context.Context, id string) error {
	m.markedError = append(m.markedError, id)
	return nil
}

func (m *mockServiceRepo) ListDueForMonitoring(_ context.Context, _ time.Time, _ int) ([]*model.Service, error) {
	return nil, nil
}

func (m *mockServiceRepo) UpdateMonitoredAt(_ context.Context, _ string, _ time.Time) error {
	return nil
}

// mockIDRepo はLayerRepositoryとFeatureTypeRepositoryの識別子対応表だけを返すモック。
type mockIDRepo struct {
	ids map[string]string
}

func (m *mockIDRepo) FindByID(_ context.Context, _ string) (*model.Layer, error) {
	return nil, nil
}

func (m *mockIDRepo) ListByServiceID(_ context.Context, _ string) ([]*model.Layer, error) {
	return nil, nil
}

func (m *mockIDRepo) IDsByIdentifier(_ context.Context, _ string) (map[string]string, error) {
	return m.ids, nil
}

type mockFeatureTypeRepo struct {
	ids map[string]string
}

func (m *mockFeatureTypeRepo) ListByServiceID(_ context.Context, _ string) ([]*model.FeatureType, error) {
	return nil, nil
}

func (m *mockFeatureTypeRepo) IDsByIdentifier(_ context.Context, _ string) (map[string]string, error) {
	return m.ids, nil
}

// mockMetadataRepo はUpsertされたレコードを記録する。
type mockMetadataRepo struct {
	mu      sync.Mutex
	records []*model.MetadataRecord
}

func (m *mockMetadataRepo) ListByServiceID(_ context.Context, _ string) ([]*model.MetadataRecord, error) {
	return nil, nil
}

func (m *mockMetadataRepo) Upsert(_ context.Context, record *model.MetadataRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, record)
	return nil
}

// mockSSRFGuard はSSRFGuardServiceのテスト用モック。httptestのループバックを許可する。
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

// recordingPublisher は送信されたイベントを記録する。
type recordingPublisher struct {
	mu     sync.Mutex
	events []notify.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev notify.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) last(t notify.EventType) *notify.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.events) - 1; i >= 0; i-- {
		if p.events[i].Type == t {
			return &p.events[i]
		}
	}
	return nil
}

// mockMetrics はMetricsCollectorのテスト用モック。
type mockMetrics struct {
	mu         sync.Mutex
	successes  []string
	failures   []string
	retries    int
	statuses   []int
	layers     int
	metadata   int
	durations  int
	monitoring []bool
}

func (m *mockMetrics) RecordHarvestSuccess(serviceType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.successes = append(m.successes, serviceType)
}

func (m *mockMetrics) RecordHarvestFailure(_ string, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, reason)
}

func (m *mockMetrics) RecordHarvestRetry() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retries++
}

func (m *mockMetrics) RecordHTTPStatus(code int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, code)
}

func (m *mockMetrics) RecordHarvestDuration(_ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.durations++
}

func (m *mockMetrics) RecordLayersHarvested(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.layers += n
}

func (m *mockMetrics) RecordMetadataRecords(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metadata += n
}

func (m *mockMetrics) RecordMonitoringCheck(available bool, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.monitoring = append(m.monitoring, available)
}

func (m *mockMetrics) RecordProxyRequest(_ string, _ bool, _ int, _ time.Duration) {}

func (m *mockMetrics) RecordBreakerStateChange(_ string) {}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// --- compile-time interface checks ---
var _ repository.JobRepository = (*mockJobRepo)(nil)
var _ repository.ServiceRepository = (*mockServiceRepo)(nil)
var _ repository.LayerRepository = (*mockIDRepo)(nil)
var _ repository.FeatureTypeRepository = (*mockFeatureTypeRepo)(nil)
var _ repository.MetadataRecordRepository = (*mockMetadataRepo)(nil)
var _ security.SSRFGuardService = (*mockSSRFGuard)(nil)
var _ notify.Publisher = (*recordingPublisher)(nil)
var _ metrics.MetricsCollector = (*mockMetrics)(nil)
