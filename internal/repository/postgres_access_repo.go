package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mrmap-community/mrmap-sub007/internal/model"
)

// PostgresAllowedOperationRepo はPostgreSQLを使用した許可設定リポジトリ。
type PostgresAllowedOperationRepo struct {
	db *sql.DB
}

// NewPostgresAllowedOperationRepo はPostgresAllowedOperationRepoを生成する。
func NewPostgresAllowedOperationRepo(db *sql.DB) *PostgresAllowedOperationRepo {
	return &PostgresAllowedOperationRepo{db: db}
}

const allowedOperationSelect = `SELECT a.id, a.service_id, a.description, a.operations,
	        COALESCE(array_agg(g.group_id::text ORDER BY g.group_id) FILTER (WHERE g.group_id IS NOT NULL), '{}'),
	        a.layer_identifiers, a.allowed_area, a.created_at, a.updated_at
	 FROM allowed_operations a
	 LEFT JOIN allowed_operation_groups g ON g.allowed_operation_id = a.id`

func scanAllowedOperation(row interface{ Scan(...any) error }) (*model.AllowedOperation, error) {
	op := &model.AllowedOperation{}
	var operations, groupIDs, layers pq.StringArray
	if err := row.Scan(&op.ID, &op.ServiceID, &op.Description, &operations, &groupIDs,
		&layers, &op.AllowedArea, &op.CreatedAt, &op.UpdatedAt); err != nil {
		return nil, err
	}
	op.Operations = []string(operations)
	op.GroupIDs = []string(groupIDs)
	op.LayerIdentifiers = []string(layers)
	return op, nil
}

// FindByID は指定IDの許可設定をグループID付きで取得する。見つからない場合はnilを返す。
func (r *PostgresAllowedOperationRepo) FindByID(ctx context.Context, id string) (*model.AllowedOperation, error) {
	op, err := scanAllowedOperation(r.db.QueryRowContext(ctx,
		allowedOperationSelect+` WHERE a.id = $1 GROUP BY a.id`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("許可設定の取得に失敗しました: %w", err)
	}
	return op, nil
}

// List は許可設定一覧を返す。serviceIDが空の場合は全サービスが対象。
func (r *PostgresAllowedOperationRepo) List(ctx context.Context, serviceID string) ([]*model.AllowedOperation, error) {
	rows, err := r.db.QueryContext(ctx,
		allowedOperationSelect+`
		 WHERE ($1::uuid IS NULL OR a.service_id = $1::uuid)
		 GROUP BY a.id
		 ORDER BY a.created_at, a.id`,
		nullString(serviceID),
	)
	if err != nil {
		return nil, fmt.Errorf("許可設定一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var ops []*model.AllowedOperation
	for rows.Next() {
		op, err := scanAllowedOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("許可設定のスキャンに失敗しました: %w", err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("許可設定一覧の読み込みに失敗しました: %w", err)
	}
	return ops, nil
}

// Create は許可設定とグループの紐付けを同一トランザクションで作成する。
func (r *PostgresAllowedOperationRepo) Create(ctx context.Context, op *model.AllowedOperation) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO allowed_operations (id, service_id, description, operations, layer_identifiers,
		                                 allowed_area, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		op.ID, op.ServiceID, op.Description, stringArray(op.Operations), stringArray(op.LayerIdentifiers),
		op.AllowedArea, op.CreatedAt, op.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("許可設定の作成に失敗しました: %w", err)
	}
	if err := insertAllowedOperationGroups(ctx, tx, op); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Update は許可設定とグループの紐付けを同一トランザクションで更新する。
func (r *PostgresAllowedOperationRepo) Update(ctx context.Context, op *model.AllowedOperation) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`UPDATE allowed_operations SET description = $2, operations = $3, layer_identifiers = $4,
		    allowed_area = $5, updated_at = $6
		 WHERE id = $1`,
		op.ID, op.Description, stringArray(op.Operations), stringArray(op.LayerIdentifiers),
		op.AllowedArea, op.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("許可設定の更新に失敗しました: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM allowed_operation_groups WHERE allowed_operation_id = $1`, op.ID,
	); err != nil {
		return fmt.Errorf("グループ紐付けの削除に失敗しました: %w", err)
	}
	if err := insertAllowedOperationGroups(ctx, tx, op); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func insertAllowedOperationGroups(ctx context.Context, tx *sql.Tx, op *model.AllowedOperation) error {
	if len(op.GroupIDs) == 0 {
		return nil
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO allowed_operation_groups (allowed_operation_id, group_id)
		 SELECT $1, g::uuid FROM unnest($2::text[]) AS g
		 ON CONFLICT DO NOTHING`,
		op.ID, pq.Array(op.GroupIDs),
	)
	if err != nil {
		return fmt.Errorf("グループ紐付けの保存に失敗しました: %w", err)
	}
	return nil
}

// DeleteByID は指定IDの許可設定を削除する。
func (r *PostgresAllowedOperationRepo) DeleteByID(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM allowed_operations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("許可設定の削除に失敗しました: %w", err)
	}
	return nil
}

// PostgresProxyLogRepo はPostgreSQLを使用したプロキシアクセスログリポジトリ。
type PostgresProxyLogRepo struct {
	db *sql.DB
}

// NewPostgresProxyLogRepo はPostgresProxyLogRepoを生成する。
func NewPostgresProxyLogRepo(db *sql.DB) *PostgresProxyLogRepo {
	return &PostgresProxyLogRepo{db: db}
}

// Create はアクセスログを記録する。
func (r *PostgresProxyLogRepo) Create(ctx context.Context, log *model.ProxyLog) error {
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO proxy_logs (service_id, user_id, operation, allowed, status_code, response_bytes, duration_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		log.ServiceID, nullString(log.UserID), log.Operation, log.Allowed, log.StatusCode,
		log.ResponseBytes, log.DurationMs, log.CreatedAt,
	).Scan(&log.ID)
	if err != nil {
		return fmt.Errorf("アクセスログの保存に失敗しました: %w", err)
	}
	return nil
}

// DeleteOlderThan はbeforeより古いアクセスログを削除し、削除件数を返す。
func (r *PostgresProxyLogRepo) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM proxy_logs WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("古いアクセスログの削除に失敗しました: %w", err)
	}
	return result.RowsAffected()
}

// compile-time interface check
var (
	_ AllowedOperationRepository = (*PostgresAllowedOperationRepo)(nil)
	_ ProxyLogRepository         = (*PostgresProxyLogRepo)(nil)
)
