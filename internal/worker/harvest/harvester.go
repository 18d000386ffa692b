package harvest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mrmap-community/mrmap-sub007/internal/metrics"
	"github.com/mrmap-community/mrmap-sub007/internal/model"
	"github.com/mrmap-community/mrmap-sub007/internal/notify"
	"github.com/mrmap-community/mrmap-sub007/internal/repository"
	"github.com/mrmap-community/mrmap-sub007/internal/security"
	"github.com/mrmap-community/mrmap-sub007/internal/xmlmapper"
)

const userAgent = "MrMap/1.0 (+https://github.com/mrmap-community/mrmap)"

// フェーズごとの進捗率。
const (
	progressFetch         = 10
	progressParse         = 30
	progressPersist       = 60
	progressMetadataStart = 70
	progressMetadataEnd   = 95
)

// Repositories はハーベスターが使うリポジトリの集合。
type Repositories struct {
	Jobs         repository.JobRepository
	Services     repository.ServiceRepository
	Layers       repository.LayerRepository
	FeatureTypes repository.FeatureTypeRepository
	Metadata     repository.MetadataRecordRepository
}

// Config はハーベスターの設定。
type Config struct {
	Timeout             time.Duration
	MaxBodySize         int64
	MetadataConcurrency int
}

// Harvester はケーパビリティ文書の取得、解析、保存、メタデータ取得を行う。
// JobRunnerインターフェースを実装する。
type Harvester struct {
	repos     Repositories
	ssrfGuard security.SSRFGuardService
	sanitizer security.TextSanitizerService
	publisher notify.Publisher
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
	config    Config
}

// NewHarvester はHarvesterの新しいインスタンスを生成する。
func NewHarvester(
	repos Repositories,
	ssrfGuard security.SSRFGuardService,
	sanitizer security.TextSanitizerService,
	publisher notify.Publisher,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	config Config,
) *Harvester {
	if config.MetadataConcurrency <= 0 {
		config.MetadataConcurrency = 4
	}
	return &Harvester{
		repos:     repos,
		ssrfGuard: ssrfGuard,
		sanitizer: sanitizer,
		publisher: publisher,
		metrics:   collector,
		logger:    logger,
		config:    config,
	}
}

// Harvest はジョブを1回実行する。
// ハーベスト自体の失敗はジョブ状態に反映し、戻り値のエラーは状態更新に失敗した場合のみ返す。
func (h *Harvester) Harvest(ctx context.Context, job *model.HarvestingJob) error {
	start := time.Now()

	svc, err := h.repos.Services.FindByID(ctx, job.ServiceID)
	if err != nil {
		return fmt.Errorf("サービスの取得に失敗: %w", err)
	}
	if svc == nil {
		return h.finishFailed(ctx, job, nil, permanentFailure("service_deleted", "サービスが削除されています"))
	}

	h.appendLog(ctx, job.ID, model.LogLevelInfo, fmt.Sprintf("ハーベストを開始しました（試行 %d/%d）", job.Attempts, job.MaxAttempts))

	stats, err := h.run(ctx, job, svc)
	if err != nil {
		f := asFailure(err)
		if !f.permanent && job.Attempts < job.MaxAttempts {
			return h.reschedule(ctx, job, f)
		}
		return h.finishFailed(ctx, job, svc, f)
	}

	if err := h.repos.Jobs.MarkSucceeded(ctx, job.ID); err != nil {
		return err
	}
	duration := time.Since(start)
	h.appendLog(ctx, job.ID, model.LogLevelInfo,
		fmt.Sprintf("ハーベストが完了しました（レイヤ %d件、フィーチャタイプ %d件、メタデータ %d/%d件）",
			stats.layers, stats.featureTypes, stats.metadataStored, stats.metadataTotal))
	h.publish(ctx, notify.Event{
		Type: notify.EventJobFinished, Resource: "harvesting-jobs", ID: job.ID,
		Status: string(model.JobStatusSucceeded), Phase: string(model.JobPhaseDone), Progress: 100,
	})
	h.publish(ctx, notify.Event{Type: notify.EventServiceUpdated, Resource: "services", ID: svc.ID, Status: string(model.ServiceStatusActive)})

	h.metrics.RecordHarvestSuccess(string(svc.ServiceType))
	h.metrics.RecordHarvestDuration(duration)
	h.metrics.RecordLayersHarvested(stats.layers)
	h.metrics.RecordMetadataRecords(stats.metadataStored)

	h.logger.Info("ハーベストが完了しました",
		slog.String("job_id", job.ID),
		slog.String("service_id", svc.ID),
		slog.String("capabilities_url", svc.CapabilitiesURL),
		slog.Int("layers", stats.layers),
		slog.Int("feature_types", stats.featureTypes),
		slog.Int("metadata_records", stats.metadataStored),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)
	return nil
}

// harvestStats はハーベスト結果の件数。
type harvestStats struct {
	layers         int
	featureTypes   int
	metadataTotal  int
	metadataStored int
}

// run はフェーズを順に実行する。失敗は*failureで返す。
func (h *Harvester) run(ctx context.Context, job *model.HarvestingJob, svc *model.Service) (harvestStats, error) {
	var stats harvestStats

	if err := h.progress(ctx, job, model.JobPhaseFetchCapabilities, progressFetch); err != nil {
		return stats, err
	}
	body, err := h.fetchCapabilities(ctx, svc.CapabilitiesURL)
	if err != nil {
		return stats, err
	}

	if err := h.progress(ctx, job, model.JobPhaseParseCapabilities, progressParse); err != nil {
		return stats, err
	}
	doc, err := parseCapabilities(body, svc.ServiceType)
	if err != nil {
		return stats, err
	}

	if err := h.progress(ctx, job, model.JobPhasePersist, progressPersist); err != nil {
		return stats, err
	}
	layerIDs, err := h.repos.Layers.IDsByIdentifier(ctx, svc.ID)
	if err != nil {
		return stats, fmt.Errorf("既存レイヤIDの取得に失敗: %w", err)
	}
	ftIDs, err := h.repos.FeatureTypes.IDsByIdentifier(ctx, svc.ID)
	if err != nil {
		return stats, fmt.Errorf("既存フィーチャタイプIDの取得に失敗: %w", err)
	}
	content, targets := newContentBuilder(h.sanitizer, layerIDs, ftIDs).build(svc, doc, body, time.Now())
	if err := h.repos.Services.ReplaceContent(ctx, content); err != nil {
		return stats, fmt.Errorf("ハーベスト結果の保存に失敗: %w", err)
	}
	stats.layers = len(content.Layers)
	stats.featureTypes = len(content.FeatureTypes)
	h.appendLog(ctx, job.ID, model.LogLevelInfo,
		fmt.Sprintf("%s %s のケーパビリティを保存しました（オペレーション %d件）", doc.Type, doc.Version, len(content.Operations)))

	if err := h.progress(ctx, job, model.JobPhaseFetchMetadata, progressMetadataStart); err != nil {
		return stats, err
	}
	stats.metadataTotal = len(targets)
	stored, err := h.harvestMetadata(ctx, job, svc.ID, targets)
	if err != nil {
		return stats, err
	}
	stats.metadataStored = stored
	return stats, nil
}

// fetchCapabilities はケーパビリティ文書を取得する。
func (h *Harvester) fetchCapabilities(ctx context.Context, rawURL string) ([]byte, error) {
	if err := h.ssrfGuard.ValidateURL(rawURL); err != nil {
		return nil, permanentFailure("ssrf_blocked", "SSRF検証に失敗: %v", err)
	}

	client := h.ssrfGuard.NewSafeClient(h.config.Timeout, h.config.MaxBodySize)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, permanentFailure("invalid_url", "リクエスト作成に失敗: %v", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/xml, text/xml, application/atom+xml, */*")

	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, security.ErrResponseTooLarge) {
			return nil, permanentFailure("too_large", "ケーパビリティ文書がサイズ上限を超えています")
		}
		return nil, retryableFailure("network", "HTTPリクエスト失敗: %v", err)
	}
	defer resp.Body.Close()

	h.metrics.RecordHTTPStatus(resp.StatusCode)

	switch ClassifyHTTPStatus(resp.StatusCode) {
	case FetchResultOK:
	case FetchResultPermanent:
		return nil, permanentFailure("http_status", "HTTPステータス %d のためハーベストを中止しました", resp.StatusCode)
	case FetchResultRetryable:
		return nil, retryableFailure("http_status", "HTTPステータス %d", resp.StatusCode)
	default:
		return nil, retryableFailure("http_status", "予期しないHTTPステータス: %d", resp.StatusCode)
	}

	body, err := security.ReadBody(resp.Body, h.config.MaxBodySize)
	if err != nil {
		if errors.Is(err, security.ErrResponseTooLarge) {
			return nil, permanentFailure("too_large", "ケーパビリティ文書がサイズ上限を超えています")
		}
		return nil, retryableFailure("network", "レスポンス読み取り失敗: %v", err)
	}
	return body, nil
}

// parseCapabilities は文書を解析し、登録時のサービス種別と一致するかを確認する。
// 解析の失敗はすべて恒久的な失敗とする。
func parseCapabilities(body []byte, expected model.ServiceType) (*xmlmapper.Document, error) {
	doc, err := xmlmapper.ParseCapabilities(body)
	if err != nil {
		var exc *xmlmapper.ExceptionError
		switch {
		case errors.As(err, &exc):
			return nil, permanentFailure("ogc_exception", "サービスが例外を返しました: %v", exc)
		case errors.Is(err, xmlmapper.ErrUnsupportedVersion):
			return nil, permanentFailure("unsupported_version", "未対応のバージョンです: %v", err)
		default:
			return nil, permanentFailure("parse", "ケーパビリティ文書の解析に失敗: %v", err)
		}
	}
	if expected != "" && doc.Type != expected {
		return nil, permanentFailure("type_mismatch", "サービス種別が一致しません（登録: %s、文書: %s）", expected, doc.Type)
	}
	return doc, nil
}

// reschedule はジョブをバックオフ後に再実行するよう戻す。
func (h *Harvester) reschedule(ctx context.Context, job *model.HarvestingJob, f *failure) error {
	delay := CalculateBackoff(job.Attempts)
	next := time.Now().Add(delay)
	if err := h.repos.Jobs.Reschedule(ctx, job.ID, f.Error(), next); err != nil {
		return err
	}
	h.appendLog(ctx, job.ID, model.LogLevelWarning,
		fmt.Sprintf("%s（%s後に再試行します）", f.Error(), delay))
	h.publish(ctx, notify.Event{
		Type: notify.EventJobProgress, Resource: "harvesting-jobs", ID: job.ID,
		Status: string(model.JobStatusPending), Phase: string(model.JobPhaseQueued), Message: f.Error(),
	})
	h.metrics.RecordHarvestRetry()

	h.logger.Warn("ハーベストを再スケジュールしました",
		slog.String("job_id", job.ID),
		slog.String("service_id", job.ServiceID),
		slog.Int("attempts", job.Attempts),
		slog.Duration("backoff", delay),
		slog.String("error", f.Error()),
	)
	return nil
}

// finishFailed はジョブを失敗で終了させ、未ハーベストのサービスをerror状態にする。
// svcがnilの場合はサービスが既に削除されている。
func (h *Harvester) finishFailed(ctx context.Context, job *model.HarvestingJob, svc *model.Service, f *failure) error {
	if err := h.repos.Jobs.MarkFailed(ctx, job.ID, f.Error()); err != nil {
		return err
	}
	h.appendLog(ctx, job.ID, model.LogLevelError, f.Error())

	serviceType := ""
	if svc != nil {
		serviceType = string(svc.ServiceType)
		if err := h.repos.Services.MarkErrorIfNeverHarvested(ctx, svc.ID); err != nil {
			h.logger.Error("サービス状態の更新に失敗しました",
				slog.String("service_id", svc.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	h.publish(ctx, notify.Event{
		Type: notify.EventJobFinished, Resource: "harvesting-jobs", ID: job.ID,
		Status: string(model.JobStatusFailed), Message: f.Error(),
	})
	h.metrics.RecordHarvestFailure(serviceType, f.reason)

	h.logger.Error("ハーベストに失敗しました",
		slog.String("job_id", job.ID),
		slog.String("service_id", job.ServiceID),
		slog.Int("attempts", job.Attempts),
		slog.Bool("permanent", f.permanent),
		slog.String("reason", f.reason),
		slog.String("error", f.Error()),
	)
	return nil
}

// progress はジョブのフェーズと進捗率を更新して通知する。
func (h *Harvester) progress(ctx context.Context, job *model.HarvestingJob, phase model.JobPhase, percent int) error {
	if err := h.repos.Jobs.UpdateProgress(ctx, job.ID, phase, percent); err != nil {
		return fmt.Errorf("ジョブ進捗の更新に失敗: %w", err)
	}
	job.Phase = phase
	job.Progress = percent
	h.publish(ctx, notify.Event{
		Type: notify.EventJobProgress, Resource: "harvesting-jobs", ID: job.ID,
		Status: string(model.JobStatusRunning), Phase: string(phase), Progress: percent,
	})
	return nil
}

// appendLog はジョブログを追加する。失敗はログ出力のみ。
func (h *Harvester) appendLog(ctx context.Context, jobID string, level model.LogLevel, message string) {
	err := h.repos.Jobs.AppendLog(ctx, &model.JobLog{
		JobID:     jobID,
		Level:     level,
		Message:   message,
		CreatedAt: time.Now(),
	})
	if err != nil {
		h.logger.Error("ジョブログの保存に失敗しました",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}
}

func (h *Harvester) publish(ctx context.Context, ev notify.Event) {
	if err := h.publisher.Publish(ctx, ev); err != nil {
		h.logger.Warn("イベントの送信に失敗しました",
			slog.String("type", string(ev.Type)),
			slog.String("id", ev.ID),
			slog.String("error", err.Error()),
		)
	}
}

var _ JobRunner = (*Harvester)(nil)
