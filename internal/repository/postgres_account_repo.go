package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/mrmap-community/mrmap-sub007/internal/model"
)

// PostgresOrganizationRepo はPostgreSQLを使用した組織リポジトリ。
type PostgresOrganizationRepo struct {
	db *sql.DB
}

// NewPostgresOrganizationRepo はPostgresOrganizationRepoを生成する。
func NewPostgresOrganizationRepo(db *sql.DB) *PostgresOrganizationRepo {
	return &PostgresOrganizationRepo{db: db}
}

// FindByID は指定IDの組織を取得する。見つからない場合はnilを返す。
func (r *PostgresOrganizationRepo) FindByID(ctx context.Context, id string) (*model.Organization, error) {
	org := &model.Organization{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, description, created_at, updated_at FROM organizations WHERE id = $1`,
		id,
	).Scan(&org.ID, &org.Name, &org.Description, &org.CreatedAt, &org.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("組織の取得に失敗しました: %w", err)
	}
	return org, nil
}

// List は組織一覧を名前順で返す。第2戻り値は総件数。
func (r *PostgresOrganizationRepo) List(ctx context.Context, page model.Page) ([]*model.Organization, int, error) {
	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT count(*) FROM organizations`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("組織数の取得に失敗しました: %w", err)
	}

	limit, offset := pageLimit(page)
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, description, created_at, updated_at
		 FROM organizations ORDER BY name LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("組織一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var orgs []*model.Organization
	for rows.Next() {
		org := &model.Organization{}
		if err := rows.Scan(&org.ID, &org.Name, &org.Description, &org.CreatedAt, &org.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("組織のスキャンに失敗しました: %w", err)
		}
		orgs = append(orgs, org)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("組織一覧の読み込みに失敗しました: %w", err)
	}
	return orgs, total, nil
}

// Create は組織を作成する。名前が重複する場合はErrDuplicateを返す。
func (r *PostgresOrganizationRepo) Create(ctx context.Context, org *model.Organization) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO organizations (id, name, description, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		org.ID, org.Name, org.Description, org.CreatedAt, org.UpdatedAt,
	)
	if err != nil {
		return wrapUnique(err, "組織の作成に失敗しました")
	}
	return nil
}

// DeleteByID は指定IDの組織を削除する。グループはCASCADE削除される。
func (r *PostgresOrganizationRepo) DeleteByID(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM organizations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("組織の削除に失敗しました: %w", err)
	}
	return nil
}

// PostgresGroupRepo はPostgreSQLを使用したグループリポジトリ。
type PostgresGroupRepo struct {
	db *sql.DB
}

// NewPostgresGroupRepo はPostgresGroupRepoを生成する。
func NewPostgresGroupRepo(db *sql.DB) *PostgresGroupRepo {
	return &PostgresGroupRepo{db: db}
}

// groupSelect はメンバーIDを配列で集約したグループ取得クエリ。
const groupSelect = `SELECT g.id, g.organization_id, g.name, g.description,
	        COALESCE(array_agg(m.user_id::text ORDER BY m.user_id) FILTER (WHERE m.user_id IS NOT NULL), '{}'),
	        g.created_at, g.updated_at
	 FROM groups g
	 LEFT JOIN group_memberships m ON m.group_id = g.id`

func scanGroup(row interface{ Scan(...any) error }) (*model.Group, error) {
	group := &model.Group{}
	var members pq.StringArray
	if err := row.Scan(&group.ID, &group.OrganizationID, &group.Name, &group.Description,
		&members, &group.CreatedAt, &group.UpdatedAt); err != nil {
		return nil, err
	}
	group.MemberIDs = []string(members)
	return group, nil
}

// FindByID は指定IDのグループをメンバーID付きで取得する。見つからない場合はnilを返す。
func (r *PostgresGroupRepo) FindByID(ctx context.Context, id string) (*model.Group, error) {
	group, err := scanGroup(r.db.QueryRowContext(ctx,
		groupSelect+` WHERE g.id = $1 GROUP BY g.id`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("グループの取得に失敗しました: %w", err)
	}
	return group, nil
}

// List はグループ一覧を返す。organizationIDが空の場合は全組織が対象。
func (r *PostgresGroupRepo) List(ctx context.Context, organizationID string, page model.Page) ([]*model.Group, int, error) {
	org := nullString(organizationID)

	var total int
	if err := r.db.QueryRowContext(ctx,
		`SELECT count(*) FROM groups WHERE ($1::uuid IS NULL OR organization_id = $1::uuid)`, org,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("グループ数の取得に失敗しました: %w", err)
	}

	limit, offset := pageLimit(page)
	rows, err := r.db.QueryContext(ctx,
		groupSelect+`
		 WHERE ($1::uuid IS NULL OR g.organization_id = $1::uuid)
		 GROUP BY g.id
		 ORDER BY g.name, g.id
		 LIMIT $2 OFFSET $3`,
		org, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("グループ一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var groups []*model.Group
	for rows.Next() {
		group, err := scanGroup(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("グループのスキャンに失敗しました: %w", err)
		}
		groups = append(groups, group)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("グループ一覧の読み込みに失敗しました: %w", err)
	}
	return groups, total, nil
}

// Create はグループを作成する。組織内で名前が重複する場合はErrDuplicateを返す。
func (r *PostgresGroupRepo) Create(ctx context.Context, group *model.Group) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO groups (id, organization_id, name, description, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		group.ID, group.OrganizationID, group.Name, group.Description, group.CreatedAt, group.UpdatedAt,
	)
	if err != nil {
		return wrapUnique(err, "グループの作成に失敗しました")
	}
	return nil
}

// DeleteByID は指定IDのグループを削除する。
func (r *PostgresGroupRepo) DeleteByID(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM groups WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("グループの削除に失敗しました: %w", err)
	}
	return nil
}

// AddMember はユーザーをグループに追加する。既に所属している場合は何もしない。
func (r *PostgresGroupRepo) AddMember(ctx context.Context, groupID, userID string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO group_memberships (group_id, user_id) VALUES ($1, $2)
		 ON CONFLICT (group_id, user_id) DO NOTHING`,
		groupID, userID,
	)
	if err != nil {
		return fmt.Errorf("メンバーの追加に失敗しました: %w", err)
	}
	return nil
}

// RemoveMember はユーザーをグループから外す。
func (r *PostgresGroupRepo) RemoveMember(ctx context.Context, groupID, userID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM group_memberships WHERE group_id = $1 AND user_id = $2`,
		groupID, userID,
	)
	if err != nil {
		return fmt.Errorf("メンバーの削除に失敗しました: %w", err)
	}
	return nil
}

// ListIDsByUserID はユーザーが所属するグループのID一覧を返す。
func (r *PostgresGroupRepo) ListIDsByUserID(ctx context.Context, userID string) ([]string, error) {
	var ids pq.StringArray
	err := r.db.QueryRowContext(ctx,
		`SELECT COALESCE(array_agg(group_id::text ORDER BY group_id), '{}')
		 FROM group_memberships WHERE user_id = $1`,
		userID,
	).Scan(&ids)
	if err != nil {
		return nil, fmt.Errorf("所属グループの取得に失敗しました: %w", err)
	}
	return []string(ids), nil
}

// CountExisting は指定IDのうち存在するグループの数を返す。
func (r *PostgresGroupRepo) CountExisting(ctx context.Context, ids []string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT count(*) FROM groups WHERE id::text = ANY($1)`,
		pq.Array(ids),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("グループの存在確認に失敗しました: %w", err)
	}
	return n, nil
}

// compile-time interface check
var (
	_ OrganizationRepository = (*PostgresOrganizationRepo)(nil)
	_ GroupRepository        = (*PostgresGroupRepo)(nil)
)
