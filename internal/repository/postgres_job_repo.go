package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/mrmap-community/mrmap-sub007/internal/model"
)

// PostgresJobRepo はPostgreSQLを使用したハーベストジョブリポジトリ。
type PostgresJobRepo struct {
	db *sql.DB
}

// NewPostgresJobRepo はPostgresJobRepoを生成する。
func NewPostgresJobRepo(db *sql.DB) *PostgresJobRepo {
	return &PostgresJobRepo{db: db}
}

const jobColumns = `id, service_id, status, phase, progress, attempts, max_attempts, error_message,
	next_attempt_at, started_at, finished_at, created_by, created_at, updated_at`

// execer はsql.DBとsql.Txに共通する書き込み用メソッド。
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func scanJob(row interface{ Scan(...any) error }) (*model.HarvestingJob, error) {
	job := &model.HarvestingJob{}
	var startedAt, finishedAt sql.NullTime
	var createdBy sql.NullString
	err := row.Scan(&job.ID, &job.ServiceID, &job.Status, &job.Phase, &job.Progress, &job.Attempts,
		&job.MaxAttempts, &job.ErrorMessage, &job.NextAttemptAt, &startedAt, &finishedAt, &createdBy,
		&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}
	job.StartedAt = nullTimePtr(startedAt)
	job.FinishedAt = nullTimePtr(finishedAt)
	job.CreatedBy = nullStringValue(createdBy)
	return job, nil
}

func scanJobs(rows *sql.Rows) ([]*model.HarvestingJob, error) {
	defer rows.Close()
	var jobs []*model.HarvestingJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("ジョブのスキャンに失敗しました: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ジョブ一覧の読み込みに失敗しました: %w", err)
	}
	return jobs, nil
}

// insertJob はジョブを1件挿入する。サービス登録のトランザクションからも使用する。
func insertJob(ctx context.Context, db execer, job *model.HarvestingJob) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO harvesting_jobs (id, service_id, status, phase, progress, attempts, max_attempts,
		                              next_attempt_at, created_by, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		job.ID, job.ServiceID, string(job.Status), string(job.Phase), job.Progress, job.Attempts, job.MaxAttempts,
		job.NextAttemptAt, nullString(job.CreatedBy), job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return wrapUnique(err, "ジョブの作成に失敗しました")
	}
	return nil
}

// FindByID は指定IDのジョブを取得する。見つからない場合はnilを返す。
func (r *PostgresJobRepo) FindByID(ctx context.Context, id string) (*model.HarvestingJob, error) {
	job, err := scanJob(r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM harvesting_jobs WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ジョブの取得に失敗しました: %w", err)
	}
	return job, nil
}

// List は条件に一致するジョブを新しい順で返す。第2戻り値は総件数。
func (r *PostgresJobRepo) List(ctx context.Context, filter model.JobFilter, page model.Page) ([]*model.HarvestingJob, int, error) {
	var conds []string
	var args []any
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.ServiceID != "" {
		args = append(args, filter.ServiceID)
		conds = append(conds, fmt.Sprintf("service_id = $%d", len(args)))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT count(*) FROM harvesting_jobs`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("ジョブ数の取得に失敗しました: %w", err)
	}

	limit, offset := pageLimit(page)
	args = append(args, limit, offset)
	rows, err := r.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM harvesting_jobs%s ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`,
			jobColumns, where, len(args)-1, len(args)),
		args...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("ジョブ一覧の取得に失敗しました: %w", err)
	}
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

// Create はジョブを作成する。
// 同一サービスに実行待ち・実行中のジョブがある場合はErrDuplicateを返す。
func (r *PostgresJobRepo) Create(ctx context.Context, job *model.HarvestingJob) error {
	return insertJob(ctx, r.db, job)
}

// ClaimDue は実行時刻に達したpendingジョブをFOR UPDATE SKIP LOCKEDで最大limit件取得し、
// running状態にして試行回数を1増やす。複数ワーカーが同時に実行しても同じジョブは取得されない。
func (r *PostgresJobRepo) ClaimDue(ctx context.Context, limit int) ([]*model.HarvestingJob, error) {
	rows, err := r.db.QueryContext(ctx,
		`UPDATE harvesting_jobs j SET
		    status = 'running', attempts = j.attempts + 1, error_message = '',
		    started_at = COALESCE(j.started_at, now()), updated_at = now()
		 FROM (
		    SELECT id FROM harvesting_jobs
		    WHERE status = 'pending' AND next_attempt_at <= now()
		    ORDER BY next_attempt_at
		    LIMIT $1
		    FOR UPDATE SKIP LOCKED
		 ) due
		 WHERE j.id = due.id
		 RETURNING j.id, j.service_id, j.status, j.phase, j.progress, j.attempts, j.max_attempts,
		           j.error_message, j.next_attempt_at, j.started_at, j.finished_at, j.created_by,
		           j.created_at, j.updated_at`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("実行対象ジョブの取得に失敗しました: %w", err)
	}
	return scanJobs(rows)
}

// UpdateProgress はジョブのフェーズと進捗率を更新する。
func (r *PostgresJobRepo) UpdateProgress(ctx context.Context, id string, phase model.JobPhase, progress int) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE harvesting_jobs SET phase = $2, progress = $3, updated_at = now() WHERE id = $1`,
		id, string(phase), progress,
	)
	if err != nil {
		return fmt.Errorf("ジョブ進捗の更新に失敗しました: %w", err)
	}
	return nil
}

// MarkSucceeded はジョブを正常終了にする。
func (r *PostgresJobRepo) MarkSucceeded(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE harvesting_jobs SET status = 'succeeded', phase = 'done', progress = 100,
		    error_message = '', finished_at = now(), updated_at = now()
		 WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("ジョブ状態の更新に失敗しました: %w", err)
	}
	return nil
}

// MarkFailed はジョブを失敗で終了にする。
func (r *PostgresJobRepo) MarkFailed(ctx context.Context, id, message string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE harvesting_jobs SET status = 'failed', error_message = $2, finished_at = now(), updated_at = now()
		 WHERE id = $1`,
		id, message,
	)
	if err != nil {
		return fmt.Errorf("ジョブ状態の更新に失敗しました: %w", err)
	}
	return nil
}

// Reschedule はジョブをpendingに戻し、次回実行時刻を設定する。
func (r *PostgresJobRepo) Reschedule(ctx context.Context, id, message string, nextAttemptAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE harvesting_jobs SET status = 'pending', phase = 'queued', progress = 0,
		    error_message = $2, next_attempt_at = $3, updated_at = now()
		 WHERE id = $1`,
		id, message, nextAttemptAt,
	)
	if err != nil {
		return fmt.Errorf("ジョブの再スケジュールに失敗しました: %w", err)
	}
	return nil
}

// Cancel はpendingのジョブを取り消す。取り消した場合はtrueを返す。
func (r *PostgresJobRepo) Cancel(ctx context.Context, id string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE harvesting_jobs SET status = 'canceled', finished_at = now(), updated_at = now()
		 WHERE id = $1 AND status = 'pending'`,
		id,
	)
	if err != nil {
		return false, fmt.Errorf("ジョブの取り消しに失敗しました: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// AppendLog はジョブログを1行追加する。
func (r *PostgresJobRepo) AppendLog(ctx context.Context, log *model.JobLog) error {
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO job_logs (job_id, level, message, created_at) VALUES ($1, $2, $3, $4) RETURNING id`,
		log.JobID, string(log.Level), log.Message, log.CreatedAt,
	).Scan(&log.ID)
	if err != nil {
		return fmt.Errorf("ジョブログの保存に失敗しました: %w", err)
	}
	return nil
}

// ListLogs はジョブログを記録順で返す。
func (r *PostgresJobRepo) ListLogs(ctx context.Context, jobID string) ([]*model.JobLog, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, job_id, level, message, created_at FROM job_logs WHERE job_id = $1 ORDER BY id`,
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("ジョブログの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var logs []*model.JobLog
	for rows.Next() {
		l := &model.JobLog{}
		if err := rows.Scan(&l.ID, &l.JobID, &l.Level, &l.Message, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("ジョブログのスキャンに失敗しました: %w", err)
		}
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ジョブログの読み込みに失敗しました: %w", err)
	}
	return logs, nil
}

// DeleteFinishedBefore はbeforeより前に終了したジョブを削除し、削除件数を返す。
// ジョブログはCASCADE削除される。
func (r *PostgresJobRepo) DeleteFinishedBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM harvesting_jobs
		 WHERE status IN ('succeeded', 'failed', 'canceled') AND finished_at < $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("終了済みジョブの削除に失敗しました: %w", err)
	}
	return result.RowsAffected()
}

// RequeueStale は一定時間以上running状態のまま更新されていないジョブをpendingに戻す。
// ワーカーが処理中に停止した場合の取りこぼしを回収する。
func (r *PostgresJobRepo) RequeueStale(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE harvesting_jobs SET status = 'pending', phase = 'queued', progress = 0,
		    next_attempt_at = now(), updated_at = now()
		 WHERE status = 'running' AND updated_at < $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("停止ジョブの回収に失敗しました: %w", err)
	}
	return result.RowsAffected()
}

// compile-time interface check
var _ JobRepository = (*PostgresJobRepo)(nil)
