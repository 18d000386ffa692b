// Package harvest はハーベストジョブのバックグラウンド処理を提供する。
// スケジューラ、ハーベスター、リトライ/バックオフ戦略を含む。
package harvest

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mrmap-community/mrmap-sub007/internal/model"
	"github.com/mrmap-community/mrmap-sub007/internal/repository"
)

// staleJobTimeout はrunningのまま更新が止まったジョブを回収するまでの時間。
const staleJobTimeout = 30 * time.Minute

// JobRunner はハーベストジョブの実行インターフェース。
type JobRunner interface {
	// Harvest はジョブを1回実行し、結果に応じてジョブとサービスの状態を更新する。
	Harvest(ctx context.Context, job *model.HarvestingJob) error
}

// Scheduler はハーベストジョブの取得と並列実行を制御する。
// ポーリング間隔ごとに実行時刻に達したジョブをSKIP LOCKEDで確保し、
// semaphoreパターンで最大並列数を制御しながら実行する。
type Scheduler struct {
	jobRepo        repository.JobRepository
	runner         JobRunner
	logger         *slog.Logger
	maxConcurrency int
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// maxConcurrencyが0以下の場合はデフォルト値4を使用する。
func NewScheduler(
	jobRepo repository.JobRepository,
	runner JobRunner,
	logger *slog.Logger,
	maxConcurrency int,
) *Scheduler {
	if maxConcurrency <= 0 {
		maxConcurrency = 4
	}
	return &Scheduler{
		jobRepo:        jobRepo,
		runner:         runner,
		logger:         logger,
		maxConcurrency: maxConcurrency,
	}
}

// Start はポーリング間隔のティッカーでスケジューラを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("ハーベストスケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.Int("max_concurrency", s.maxConcurrency),
	)

	// 起動直後に1回実行
	if err := s.RunOnce(ctx); err != nil {
		s.logger.Error("ハーベストサイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("ハーベストスケジューラを停止しました")
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Error("ハーベストサイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce は停止ジョブを回収した後、実行対象ジョブを確保して並列で実行する。
func (s *Scheduler) RunOnce(ctx context.Context) error {
	start := time.Now()

	requeued, err := s.jobRepo.RequeueStale(ctx, start.Add(-staleJobTimeout))
	if err != nil {
		return err
	}
	if requeued > 0 {
		s.logger.Warn("停止していたジョブを実行待ちに戻しました",
			slog.Int64("job_count", requeued),
		)
	}

	// 実行対象ジョブを確保（FOR UPDATE SKIP LOCKED）
	jobs, err := s.jobRepo.ClaimDue(ctx, s.maxConcurrency)
	if err != nil {
		return err
	}

	if len(jobs) == 0 {
		s.logger.Debug("実行対象のジョブはありません")
		return nil
	}

	s.logger.Info("ハーベストサイクルを開始します",
		slog.Int("job_count", len(jobs)),
	)

	// semaphoreパターンで並列数を制御
	sem := make(chan struct{}, s.maxConcurrency)
	var wg sync.WaitGroup

	for _, job := range jobs {
		wg.Add(1)
		sem <- struct{}{}

		go func(j *model.HarvestingJob) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := s.runner.Harvest(ctx, j); err != nil {
				s.logger.Error("ハーベストジョブの実行に失敗しました",
					slog.String("job_id", j.ID),
					slog.String("service_id", j.ServiceID),
					slog.String("error", err.Error()),
				)
			}
		}(job)
	}

	wg.Wait()

	s.logger.Info("ハーベストサイクルが完了しました",
		slog.Int("job_count", len(jobs)),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return nil
}
