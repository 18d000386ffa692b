package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/mrmap-community/mrmap-sub007/internal/model"
)

// PostgresServiceRepo はPostgreSQLを使用したサービスリポジトリ。
type PostgresServiceRepo struct {
	db *sql.DB
}

// NewPostgresServiceRepo はPostgresServiceRepoを生成する。
func NewPostgresServiceRepo(db *sql.DB) *PostgresServiceRepo {
	return &PostgresServiceRepo{db: db}
}

const serviceColumns = `s.id, s.service_type, s.version, s.capabilities_url, s.title, s.abstract, s.keywords,
	s.fees, s.access_constraints, s.provider_name, s.provider_site, s.contact_person, s.contact_email,
	s.contact_phone, s.status, s.is_secured, s.owner_organization_id, s.registered_by, s.capabilities_xml,
	s.last_harvested_at, s.last_monitored_at, s.created_at, s.updated_at`

// serviceSortColumns はsortパラメータで指定できるフィールドと列の対応。
var serviceSortColumns = map[string]string{
	"title":             "s.title",
	"service_type":      "s.service_type",
	"status":            "s.status",
	"created_at":        "s.created_at",
	"updated_at":        "s.updated_at",
	"last_harvested_at": "s.last_harvested_at",
}

// ServiceSortFields はサービス一覧で並び替えに使用できるフィールド名を返す。
func ServiceSortFields() []string {
	fields := make([]string, 0, len(serviceSortColumns))
	for f := range serviceSortColumns {
		fields = append(fields, f)
	}
	return fields
}

func scanService(row interface{ Scan(...any) error }) (*model.Service, error) {
	svc := &model.Service{}
	var keywords pq.StringArray
	var orgID, registeredBy sql.NullString
	var harvestedAt, monitoredAt sql.NullTime
	err := row.Scan(
		&svc.ID, &svc.ServiceType, &svc.Version, &svc.CapabilitiesURL, &svc.Title, &svc.Abstract, &keywords,
		&svc.Fees, &svc.AccessConstraints, &svc.ProviderName, &svc.ProviderSite, &svc.ContactPerson, &svc.ContactEmail,
		&svc.ContactPhone, &svc.Status, &svc.IsSecured, &orgID, &registeredBy, &svc.CapabilitiesXML,
		&harvestedAt, &monitoredAt, &svc.CreatedAt, &svc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	svc.Keywords = []string(keywords)
	svc.OwnerOrganizationID = nullStringValue(orgID)
	svc.RegisteredBy = nullStringValue(registeredBy)
	svc.LastHarvestedAt = nullTimePtr(harvestedAt)
	svc.LastMonitoredAt = nullTimePtr(monitoredAt)
	return svc, nil
}

// FindByID は指定IDのサービスを取得する。見つからない場合はnilを返す。
func (r *PostgresServiceRepo) FindByID(ctx context.Context, id string) (*model.Service, error) {
	svc, err := scanService(r.db.QueryRowContext(ctx,
		`SELECT `+serviceColumns+` FROM services s WHERE s.id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("サービスの取得に失敗しました: %w", err)
	}
	return svc, nil
}

// FindByCapabilitiesURL はケーパビリティURLでサービスを検索する。見つからない場合はnilを返す。
func (r *PostgresServiceRepo) FindByCapabilitiesURL(ctx context.Context, capabilitiesURL string) (*model.Service, error) {
	svc, err := scanService(r.db.QueryRowContext(ctx,
		`SELECT `+serviceColumns+` FROM services s WHERE s.capabilities_url = $1`, capabilitiesURL))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("サービスの取得に失敗しました: %w", err)
	}
	return svc, nil
}

// serviceWhere はフィルタ条件からWHERE句と引数を組み立てる。
func serviceWhere(filter model.ServiceFilter) (string, []any) {
	var conds []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.ServiceType != "" {
		conds = append(conds, "s.service_type = "+arg(string(filter.ServiceType)))
	}
	if filter.Status != "" {
		conds = append(conds, "s.status = "+arg(string(filter.Status)))
	}
	if filter.OrganizationID != "" {
		conds = append(conds, "s.owner_organization_id = "+arg(filter.OrganizationID))
	}
	if q := strings.TrimSpace(filter.Search); q != "" {
		p := arg("%" + escapeLike(q) + "%")
		conds = append(conds, fmt.Sprintf(
			`(s.title ILIKE %[1]s OR s.abstract ILIKE %[1]s OR EXISTS (SELECT 1 FROM unnest(s.keywords) k WHERE k ILIKE %[1]s))`, p))
	}
	if b := filter.BBox; b != nil {
		minX, minY, maxX, maxY := arg(b.MinX), arg(b.MinY), arg(b.MaxX), arg(b.MaxY)
		intersects := func(alias string) string {
			return fmt.Sprintf("%[1]s.bbox_min_x <= %[4]s AND %[1]s.bbox_max_x >= %[2]s AND %[1]s.bbox_min_y <= %[5]s AND %[1]s.bbox_max_y >= %[3]s",
				alias, minX, minY, maxX, maxY)
		}
		conds = append(conds, fmt.Sprintf(
			`(EXISTS (SELECT 1 FROM layers l WHERE l.service_id = s.id AND %s)
			  OR EXISTS (SELECT 1 FROM feature_types f WHERE f.service_id = s.id AND %s))`,
			intersects("l"), intersects("f")))
	}

	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// escapeLike はLIKEパターンの特殊文字をエスケープする。
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// List は条件に一致するサービス一覧と総件数を返す。
// sortが未指定の場合は登録日時の新しい順。
func (r *PostgresServiceRepo) List(ctx context.Context, filter model.ServiceFilter, page model.Page, sort model.Sort) ([]*model.Service, int, error) {
	where, args := serviceWhere(filter)

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT count(*) FROM services s`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("サービス数の取得に失敗しました: %w", err)
	}

	order := "s.created_at DESC"
	if col, ok := serviceSortColumns[sort.Field]; ok {
		order = col
		if sort.Desc {
			order += " DESC NULLS LAST"
		}
	}

	limit, offset := pageLimit(page)
	args = append(args, limit, offset)
	query := fmt.Sprintf(`SELECT %s FROM services s%s ORDER BY %s, s.id LIMIT $%d OFFSET $%d`,
		serviceColumns, where, order, len(args)-1, len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("サービス一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var services []*model.Service
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("サービスのスキャンに失敗しました: %w", err)
		}
		services = append(services, svc)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("サービス一覧の読み込みに失敗しました: %w", err)
	}
	return services, total, nil
}

// CreateWithJob はサービスと初回ハーベストジョブを同一トランザクションで作成する。
// ケーパビリティURLが重複する場合はErrDuplicateを返す。
func (r *PostgresServiceRepo) CreateWithJob(ctx context.Context, service *model.Service, job *model.HarvestingJob) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO services (id, service_type, version, capabilities_url, status, is_secured,
		                       owner_organization_id, registered_by, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		service.ID, string(service.ServiceType), service.Version, service.CapabilitiesURL,
		string(service.Status), service.IsSecured, nullString(service.OwnerOrganizationID),
		nullString(service.RegisteredBy), service.CreatedAt, service.UpdatedAt,
	)
	if err != nil {
		return wrapUnique(err, "サービスの作成に失敗しました")
	}

	if err := insertJob(ctx, tx, job); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// UpdateSettings はサービスの状態とセキュア設定を更新する。
func (r *PostgresServiceRepo) UpdateSettings(ctx context.Context, id string, status model.ServiceStatus, isSecured bool) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE services SET status = $2, is_secured = $3, updated_at = now() WHERE id = $1`,
		id, string(status), isSecured,
	)
	if err != nil {
		return fmt.Errorf("サービスの更新に失敗しました: %w", err)
	}
	return nil
}

// DeleteByID は指定IDのサービスを削除する。関連データはCASCADE削除される。
func (r *PostgresServiceRepo) DeleteByID(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM services WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("サービスの削除に失敗しました: %w", err)
	}
	return nil
}

// ReplaceContent はハーベスト結果でサービスのメタデータ、オペレーションURL、
// レイヤ、フィーチャタイプを1トランザクションで置き換える。
// レイヤとフィーチャタイプはIDをキーにUPSERTし、結果に含まれないものを削除する。
func (r *PostgresServiceRepo) ReplaceContent(ctx context.Context, content *ServiceContent) error {
	svc := content.Service

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`UPDATE services SET
		    version = $2, title = $3, abstract = $4, keywords = $5, fees = $6, access_constraints = $7,
		    provider_name = $8, provider_site = $9, contact_person = $10, contact_email = $11,
		    contact_phone = $12, capabilities_xml = $13, last_harvested_at = $14,
		    status = CASE WHEN status = 'inactive' THEN status ELSE 'active' END,
		    updated_at = now()
		 WHERE id = $1`,
		svc.ID, svc.Version, svc.Title, svc.Abstract, stringArray(svc.Keywords), svc.Fees, svc.AccessConstraints,
		svc.ProviderName, svc.ProviderSite, svc.ContactPerson, svc.ContactEmail,
		svc.ContactPhone, content.CapabilitiesXML, content.HarvestedAt,
	)
	if err != nil {
		return fmt.Errorf("サービスメタデータの更新に失敗しました: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM operation_urls WHERE service_id = $1`, svc.ID); err != nil {
		return fmt.Errorf("オペレーションURLの削除に失敗しました: %w", err)
	}
	for _, op := range content.Operations {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO operation_urls (id, service_id, operation, method, url, mime_types)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			op.ID, svc.ID, op.Operation, op.Method, op.URL, stringArray(op.MimeTypes),
		)
		if err != nil {
			return fmt.Errorf("オペレーションURLの保存に失敗しました: %w", err)
		}
	}

	if err := replaceLayers(ctx, tx, svc.ID, content.Layers); err != nil {
		return err
	}
	if err := replaceFeatureTypes(ctx, tx, svc.ID, content.FeatureTypes); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func replaceLayers(ctx context.Context, tx *sql.Tx, serviceID string, layers []*model.Layer) error {
	ids := make([]string, len(layers))
	for i, l := range layers {
		ids[i] = l.ID
	}

	// 親子関係を付け替える前に既存の親参照を外し、削除対象の子孫がCASCADEで消えないようにする
	if _, err := tx.ExecContext(ctx, `UPDATE layers SET parent_id = NULL WHERE service_id = $1`, serviceID); err != nil {
		return fmt.Errorf("レイヤ階層の解除に失敗しました: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM layers WHERE service_id = $1 AND NOT (id::text = ANY($2))`,
		serviceID, pq.Array(ids),
	); err != nil {
		return fmt.Errorf("レイヤの削除に失敗しました: %w", err)
	}

	for _, l := range layers {
		args := []any{
			l.ID, serviceID, nullString(l.ParentID), l.Identifier, l.Title, l.Abstract, stringArray(l.Keywords),
			l.IsQueryable, l.IsOpaque, l.IsCascaded,
		}
		args = append(args, bboxArgs(l.BBox)...)
		args = append(args, stringArray(l.ReferenceSystems), l.Position, l.Depth)
		_, err := tx.ExecContext(ctx,
			`INSERT INTO layers (id, service_id, parent_id, identifier, title, abstract, keywords,
			                     is_queryable, is_opaque, is_cascaded,
			                     bbox_min_x, bbox_min_y, bbox_max_x, bbox_max_y,
			                     reference_systems, position, depth)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
			 ON CONFLICT (id) DO UPDATE SET
			    parent_id = EXCLUDED.parent_id, identifier = EXCLUDED.identifier, title = EXCLUDED.title,
			    abstract = EXCLUDED.abstract, keywords = EXCLUDED.keywords,
			    is_queryable = EXCLUDED.is_queryable, is_opaque = EXCLUDED.is_opaque, is_cascaded = EXCLUDED.is_cascaded,
			    bbox_min_x = EXCLUDED.bbox_min_x, bbox_min_y = EXCLUDED.bbox_min_y,
			    bbox_max_x = EXCLUDED.bbox_max_x, bbox_max_y = EXCLUDED.bbox_max_y,
			    reference_systems = EXCLUDED.reference_systems, position = EXCLUDED.position,
			    depth = EXCLUDED.depth, updated_at = now()`,
			args...,
		)
		if err != nil {
			return fmt.Errorf("レイヤの保存に失敗しました: %w", err)
		}
	}
	return nil
}

func replaceFeatureTypes(ctx context.Context, tx *sql.Tx, serviceID string, featureTypes []*model.FeatureType) error {
	ids := make([]string, len(featureTypes))
	for i, f := range featureTypes {
		ids[i] = f.ID
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM feature_types WHERE service_id = $1 AND NOT (id::text = ANY($2))`,
		serviceID, pq.Array(ids),
	); err != nil {
		return fmt.Errorf("フィーチャタイプの削除に失敗しました: %w", err)
	}

	for _, f := range featureTypes {
		args := []any{
			f.ID, serviceID, f.Identifier, f.Title, f.Abstract, stringArray(f.Keywords), f.DefaultCRS,
			stringArray(f.ReferenceSystems), stringArray(f.OutputFormats),
		}
		args = append(args, bboxArgs(f.BBox)...)
		_, err := tx.ExecContext(ctx,
			`INSERT INTO feature_types (id, service_id, identifier, title, abstract, keywords, default_crs,
			                            reference_systems, output_formats,
			                            bbox_min_x, bbox_min_y, bbox_max_x, bbox_max_y)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			 ON CONFLICT (id) DO UPDATE SET
			    identifier = EXCLUDED.identifier, title = EXCLUDED.title, abstract = EXCLUDED.abstract,
			    keywords = EXCLUDED.keywords, default_crs = EXCLUDED.default_crs,
			    reference_systems = EXCLUDED.reference_systems, output_formats = EXCLUDED.output_formats,
			    bbox_min_x = EXCLUDED.bbox_min_x, bbox_min_y = EXCLUDED.bbox_min_y,
			    bbox_max_x = EXCLUDED.bbox_max_x, bbox_max_y = EXCLUDED.bbox_max_y,
			    updated_at = now()`,
			args...,
		)
		if err != nil {
			return fmt.Errorf("フィーチャタイプの保存に失敗しました: %w", err)
		}
	}
	return nil
}

// MarkErrorIfNeverHarvested は一度もハーベストに成功していないサービスをerror状態にする。
func (r *PostgresServiceRepo) MarkErrorIfNeverHarvested(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE services SET status = 'error', updated_at = now()
		 WHERE id = $1 AND last_harvested_at IS NULL AND status = 'pending'`,
		id,
	)
	if err != nil {
		return fmt.Errorf("サービス状態の更新に失敗しました: %w", err)
	}
	return nil
}

// ListDueForMonitoring は最終監視日時がbeforeより古いactiveなサービスを
// 未監視のものを優先してlimit件まで返す。
func (r *PostgresServiceRepo) ListDueForMonitoring(ctx context.Context, before time.Time, limit int) ([]*model.Service, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+serviceColumns+`
		 FROM services s
		 WHERE s.status = 'active' AND (s.last_monitored_at IS NULL OR s.last_monitored_at < $1)
		 ORDER BY s.last_monitored_at NULLS FIRST
		 LIMIT $2`,
		before, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("監視対象サービスの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var services []*model.Service
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			return nil, fmt.Errorf("サービスのスキャンに失敗しました: %w", err)
		}
		services = append(services, svc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("監視対象サービスの読み込みに失敗しました: %w", err)
	}
	return services, nil
}

// UpdateMonitoredAt はサービスの最終監視日時を更新する。
func (r *PostgresServiceRepo) UpdateMonitoredAt(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE services SET last_monitored_at = $2 WHERE id = $1`,
		id, at,
	)
	if err != nil {
		return fmt.Errorf("最終監視日時の更新に失敗しました: %w", err)
	}
	return nil
}

// compile-time interface check
var _ ServiceRepository = (*PostgresServiceRepo)(nil)
