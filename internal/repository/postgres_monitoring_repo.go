package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mrmap-community/mrmap-sub007/internal/model"
)

// PostgresMonitoringRepo はPostgreSQLを使用した監視結果リポジトリ。
type PostgresMonitoringRepo struct {
	db *sql.DB
}

// NewPostgresMonitoringRepo はPostgresMonitoringRepoを生成する。
func NewPostgresMonitoringRepo(db *sql.DB) *PostgresMonitoringRepo {
	return &PostgresMonitoringRepo{db: db}
}

// Create は監視結果を記録する。
func (r *PostgresMonitoringRepo) Create(ctx context.Context, result *model.MonitoringResult) error {
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO monitoring_results (service_id, available, status_code, duration_ms, error_message, checked_at)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		result.ServiceID, result.Available, result.StatusCode, result.DurationMs, result.ErrorMessage, result.CheckedAt,
	).Scan(&result.ID)
	if err != nil {
		return fmt.Errorf("監視結果の保存に失敗しました: %w", err)
	}
	return nil
}

// ListByServiceID はサービスの監視結果を新しい順で返す。第2戻り値は総件数。
func (r *PostgresMonitoringRepo) ListByServiceID(ctx context.Context, serviceID string, page model.Page) ([]*model.MonitoringResult, int, error) {
	var total int
	if err := r.db.QueryRowContext(ctx,
		`SELECT count(*) FROM monitoring_results WHERE service_id = $1`, serviceID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("監視結果数の取得に失敗しました: %w", err)
	}

	limit, offset := pageLimit(page)
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, service_id, available, status_code, duration_ms, error_message, checked_at
		 FROM monitoring_results WHERE service_id = $1
		 ORDER BY checked_at DESC, id DESC
		 LIMIT $2 OFFSET $3`,
		serviceID, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("監視結果の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var results []*model.MonitoringResult
	for rows.Next() {
		m := &model.MonitoringResult{}
		if err := rows.Scan(&m.ID, &m.ServiceID, &m.Available, &m.StatusCode, &m.DurationMs, &m.ErrorMessage, &m.CheckedAt); err != nil {
			return nil, 0, fmt.Errorf("監視結果のスキャンに失敗しました: %w", err)
		}
		results = append(results, m)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("監視結果の読み込みに失敗しました: %w", err)
	}
	return results, total, nil
}

// DeleteOlderThan はbeforeより古い監視結果を削除し、削除件数を返す。
func (r *PostgresMonitoringRepo) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM monitoring_results WHERE checked_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("古い監視結果の削除に失敗しました: %w", err)
	}
	return result.RowsAffected()
}

// compile-time interface check
var _ MonitoringRepository = (*PostgresMonitoringRepo)(nil)
