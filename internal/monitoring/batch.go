package monitoring

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mrmap-community/mrmap-sub007/internal/metrics"
	"github.com/mrmap-community/mrmap-sub007/internal/model"
	"github.com/mrmap-community/mrmap-sub007/internal/notify"
	"github.com/mrmap-community/mrmap-sub007/internal/repository"
)

// ServiceProber はサービス疎通確認のインターフェース。
// テスト時にモックに差し替え可能。
type ServiceProber interface {
	Probe(ctx context.Context, svc *model.Service) *model.MonitoringResult
}

// BatchConfig はバッチジョブの設定パラメータ。
type BatchConfig struct {
	// Interval はバッチジョブの実行間隔（デフォルト: 5分）。
	Interval time.Duration
	// TTL は同一サービスを再確認するまでの間隔（デフォルト: 1時間）。
	TTL time.Duration
	// MaxChecks は1サイクルあたりの最大確認数（デフォルト: 50）。
	MaxChecks int
	// CheckInterval は確認リクエストの最低間隔（デフォルト: 1秒）。
	CheckInterval time.Duration
}

// DefaultBatchConfig はデフォルトのバッチジョブ設定を返す。
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		Interval:      5 * time.Minute,
		TTL:           time.Hour,
		MaxChecks:     50,
		CheckInterval: time.Second,
	}
}

// BatchJob は死活監視のバッチジョブ。
// 最終確認からTTLが経過したactiveなサービスを、未確認のものから順に確認する。
type BatchJob struct {
	serviceRepo    repository.ServiceRepository
	monitoringRepo repository.MonitoringRepository
	prober         ServiceProber
	publisher      notify.Publisher
	metrics        metrics.MetricsCollector
	logger         *slog.Logger
	config         BatchConfig
}

// NewBatchJob はBatchJobの新しいインスタンスを生成する。
func NewBatchJob(
	serviceRepo repository.ServiceRepository,
	monitoringRepo repository.MonitoringRepository,
	prober ServiceProber,
	publisher notify.Publisher,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	config BatchConfig,
) *BatchJob {
	def := DefaultBatchConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.TTL <= 0 {
		config.TTL = def.TTL
	}
	if config.MaxChecks <= 0 {
		config.MaxChecks = def.MaxChecks
	}
	if config.CheckInterval < 0 {
		config.CheckInterval = def.CheckInterval
	}
	return &BatchJob{
		serviceRepo:    serviceRepo,
		monitoringRepo: monitoringRepo,
		prober:         prober,
		publisher:      publisher,
		metrics:        collector,
		logger:         logger,
		config:         config,
	}
}

// Start はバッチジョブをティッカーで定期実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (b *BatchJob) Start(ctx context.Context) {
	ticker := time.NewTicker(b.config.Interval)
	defer ticker.Stop()

	b.logger.Info("死活監視バッチジョブを開始しました",
		slog.Duration("interval", b.config.Interval),
		slog.Duration("ttl", b.config.TTL),
		slog.Int("max_checks", b.config.MaxChecks),
	)

	// 起動直後に1回実行
	if err := b.RunOnce(ctx); err != nil {
		b.logger.Error("死活監視サイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("死活監視バッチジョブを停止しました")
			return
		case <-ticker.C:
			if err := b.RunOnce(ctx); err != nil {
				b.logger.Error("死活監視サイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce は1回のバッチサイクルを実行する。
// 確認結果の保存に失敗したサービスは最終確認日時を更新せず、次のサイクルで再確認する。
func (b *BatchJob) RunOnce(ctx context.Context) error {
	start := time.Now()

	services, err := b.serviceRepo.ListDueForMonitoring(ctx, start.Add(-b.config.TTL), b.config.MaxChecks)
	if err != nil {
		return fmt.Errorf("監視対象サービスの取得に失敗しました: %w", err)
	}
	if len(services) == 0 {
		b.logger.Debug("監視対象のサービスはありません")
		return nil
	}

	b.logger.Info("死活監視サイクルを開始します",
		slog.Int("target_services", len(services)),
	)

	var checked, unavailable int
	for i, svc := range services {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// 確認間隔（初回は待たない）
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(b.config.CheckInterval):
			}
		}

		result := b.prober.Probe(ctx, svc)
		b.metrics.RecordMonitoringCheck(result.Available, time.Duration(result.DurationMs)*time.Millisecond)

		if err := b.monitoringRepo.Create(ctx, result); err != nil {
			b.logger.Error("監視結果の保存に失敗しました",
				slog.String("service_id", svc.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if err := b.serviceRepo.UpdateMonitoredAt(ctx, svc.ID, result.CheckedAt); err != nil {
			b.logger.Error("最終監視日時の更新に失敗しました",
				slog.String("service_id", svc.ID),
				slog.String("error", err.Error()),
			)
		}

		checked++
		if !result.Available {
			unavailable++
			b.logger.Warn("サービスが利用できません",
				slog.String("service_id", svc.ID),
				slog.String("capabilities_url", svc.CapabilitiesURL),
				slog.Int("http_status", result.StatusCode),
				slog.String("error", result.ErrorMessage),
			)
		}

		status := "available"
		if !result.Available {
			status = "unavailable"
		}
		if err := b.publisher.Publish(ctx, notify.Event{
			Type:     notify.EventMonitoringChecked,
			Resource: "services",
			ID:       svc.ID,
			Status:   status,
			Message:  result.ErrorMessage,
		}); err != nil {
			b.logger.Warn("イベントの送信に失敗しました",
				slog.String("service_id", svc.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	b.logger.Info("死活監視サイクルが完了しました",
		slog.Int("checked_services", checked),
		slog.Int("unavailable_services", unavailable),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}
