// Package cleanup は保持期間を過ぎたデータの自動削除ジョブを提供する。
// 期限切れセッション、終了済みハーベストジョブ（ジョブログはCASCADE削除）、
// プロキシアクセスログ、監視結果を日次バッチで削除する。
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// SessionPurger は期限切れセッションの削除インターフェース。
type SessionPurger interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

// JobPurger は終了済みジョブの削除インターフェース。
type JobPurger interface {
	DeleteFinishedBefore(ctx context.Context, before time.Time) (int64, error)
}

// OlderThanPurger は一定日時より古い記録の削除インターフェース。
// プロキシログと監視結果のリポジトリが実装する。
type OlderThanPurger interface {
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// Targets は削除対象のリポジトリ。
type Targets struct {
	Sessions   SessionPurger
	Jobs       JobPurger
	ProxyLogs  OlderThanPurger
	Monitoring OlderThanPurger
}

// CleanupJob は保持期間を超過したデータの自動削除ジョブ。
// 日次実行のバッチジョブとして設計されており、冪等な削除処理を保証する。
type CleanupJob struct {
	targets          Targets
	logger           *slog.Logger
	JobRetentionDays int // ジョブと監視結果の保持日数（デフォルト: 30）
	LogRetentionDays int // プロキシログの保持日数（デフォルト: 14）
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(targets Targets, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		targets:          targets,
		logger:           logger,
		JobRetentionDays: 30,
		LogRetentionDays: 14,
	}
}

// Start は起動直後に1回実行し、その後interval間隔で実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	if err := j.Run(ctx); err != nil {
		j.logger.Error("cleanup job failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := j.Run(ctx); err != nil {
				j.logger.Error("cleanup job failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Run は保持期間を超過したデータを削除する。
// 1つの対象で失敗しても残りの対象は削除を続け、失敗をまとめて返す。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()
	jobCutoff := start.AddDate(0, 0, -j.JobRetentionDays)
	logCutoff := start.AddDate(0, 0, -j.LogRetentionDays)

	steps := []struct {
		name string
		run  func() (int64, error)
	}{
		{"sessions", func() (int64, error) { return j.targets.Sessions.DeleteExpired(ctx) }},
		{"harvesting_jobs", func() (int64, error) { return j.targets.Jobs.DeleteFinishedBefore(ctx, jobCutoff) }},
		{"proxy_logs", func() (int64, error) { return j.targets.ProxyLogs.DeleteOlderThan(ctx, logCutoff) }},
		{"monitoring_results", func() (int64, error) { return j.targets.Monitoring.DeleteOlderThan(ctx, jobCutoff) }},
	}

	var errs []error
	var total int64
	for _, step := range steps {
		deleted, err := step.run()
		if err != nil {
			j.logger.Error("クリーンアップの実行に失敗しました",
				slog.String("target", step.name),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", step.name, err))
			continue
		}
		total += deleted
		j.logger.Info("クリーンアップを実行しました",
			slog.String("target", step.name),
			slog.Int64("deleted_count", deleted),
		)
	}

	j.logger.Info("クリーンアップジョブが完了しました",
		slog.Int64("deleted_count", total),
		slog.Int("job_retention_days", j.JobRetentionDays),
		slog.Int("log_retention_days", j.LogRetentionDays),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	if len(errs) > 0 {
		return fmt.Errorf("クリーンアップの実行に失敗: %w", errors.Join(errs...))
	}
	return nil
}
