package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/mrmap-community/mrmap-sub007/internal/model"
)

// PostgresOperationURLRepo はPostgreSQLを使用したオペレーションURLリポジトリ。
type PostgresOperationURLRepo struct {
	db *sql.DB
}

// NewPostgresOperationURLRepo はPostgresOperationURLRepoを生成する。
func NewPostgresOperationURLRepo(db *sql.DB) *PostgresOperationURLRepo {
	return &PostgresOperationURLRepo{db: db}
}

// ListByServiceID はサービスのオペレーションURLを返す。
func (r *PostgresOperationURLRepo) ListByServiceID(ctx context.Context, serviceID string) ([]*model.OperationURL, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, service_id, operation, method, url, mime_types
		 FROM operation_urls WHERE service_id = $1 ORDER BY operation, method`, serviceID)
	if err != nil {
		return nil, fmt.Errorf("オペレーションURLの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var ops []*model.OperationURL
	for rows.Next() {
		op := &model.OperationURL{}
		var mimeTypes pq.StringArray
		if err := rows.Scan(&op.ID, &op.ServiceID, &op.Operation, &op.Method, &op.URL, &mimeTypes); err != nil {
			return nil, fmt.Errorf("オペレーションURLのスキャンに失敗しました: %w", err)
		}
		op.MimeTypes = []string(mimeTypes)
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("オペレーションURLの読み込みに失敗しました: %w", err)
	}
	return ops, nil
}

// PostgresLayerRepo はPostgreSQLを使用したレイヤリポジトリ。
type PostgresLayerRepo struct {
	db *sql.DB
}

// NewPostgresLayerRepo はPostgresLayerRepoを生成する。
func NewPostgresLayerRepo(db *sql.DB) *PostgresLayerRepo {
	return &PostgresLayerRepo{db: db}
}

const layerColumns = `id, service_id, parent_id, identifier, title, abstract, keywords,
	is_queryable, is_opaque, is_cascaded, bbox_min_x, bbox_min_y, bbox_max_x, bbox_max_y,
	reference_systems, position, depth, created_at, updated_at`

func scanLayer(row interface{ Scan(...any) error }) (*model.Layer, error) {
	l := &model.Layer{}
	var parentID sql.NullString
	var keywords, refSystems pq.StringArray
	var bbox bboxColumns
	dest := []any{&l.ID, &l.ServiceID, &parentID, &l.Identifier, &l.Title, &l.Abstract, &keywords,
		&l.IsQueryable, &l.IsOpaque, &l.IsCascaded}
	dest = append(dest, bbox.dest()...)
	dest = append(dest, &refSystems, &l.Position, &l.Depth, &l.CreatedAt, &l.UpdatedAt)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	l.ParentID = nullStringValue(parentID)
	l.Keywords = []string(keywords)
	l.ReferenceSystems = []string(refSystems)
	l.BBox = bbox.value()
	return l, nil
}

// FindByID は指定IDのレイヤを取得する。見つからない場合はnilを返す。
func (r *PostgresLayerRepo) FindByID(ctx context.Context, id string) (*model.Layer, error) {
	l, err := scanLayer(r.db.QueryRowContext(ctx, `SELECT `+layerColumns+` FROM layers WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("レイヤの取得に失敗しました: %w", err)
	}
	return l, nil
}

// ListByServiceID はサービスのレイヤをツリー順（position順）で返す。
func (r *PostgresLayerRepo) ListByServiceID(ctx context.Context, serviceID string) ([]*model.Layer, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+layerColumns+` FROM layers WHERE service_id = $1 ORDER BY position`, serviceID)
	if err != nil {
		return nil, fmt.Errorf("レイヤ一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var layers []*model.Layer
	for rows.Next() {
		l, err := scanLayer(rows)
		if err != nil {
			return nil, fmt.Errorf("レイヤのスキャンに失敗しました: %w", err)
		}
		layers = append(layers, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("レイヤ一覧の読み込みに失敗しました: %w", err)
	}
	return layers, nil
}

// IDsByIdentifier はサービスのレイヤ識別子からIDへの対応表を返す。
// 識別子が空のレイヤは含まない。
func (r *PostgresLayerRepo) IDsByIdentifier(ctx context.Context, serviceID string) (map[string]string, error) {
	return identifierMap(ctx, r.db,
		`SELECT identifier, id FROM layers WHERE service_id = $1 AND identifier <> '' ORDER BY position`, serviceID)
}

// PostgresFeatureTypeRepo はPostgreSQLを使用したフィーチャタイプリポジトリ。
type PostgresFeatureTypeRepo struct {
	db *sql.DB
}

// NewPostgresFeatureTypeRepo はPostgresFeatureTypeRepoを生成する。
func NewPostgresFeatureTypeRepo(db *sql.DB) *PostgresFeatureTypeRepo {
	return &PostgresFeatureTypeRepo{db: db}
}

// ListByServiceID はサービスのフィーチャタイプを識別子順で返す。
func (r *PostgresFeatureTypeRepo) ListByServiceID(ctx context.Context, serviceID string) ([]*model.FeatureType, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, service_id, identifier, title, abstract, keywords, default_crs, reference_systems,
		        output_formats, bbox_min_x, bbox_min_y, bbox_max_x, bbox_max_y, created_at, updated_at
		 FROM feature_types WHERE service_id = $1 ORDER BY identifier`,
		serviceID,
	)
	if err != nil {
		return nil, fmt.Errorf("フィーチャタイプ一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var featureTypes []*model.FeatureType
	for rows.Next() {
		f := &model.FeatureType{}
		var keywords, refSystems, formats pq.StringArray
		var bbox bboxColumns
		dest := []any{&f.ID, &f.ServiceID, &f.Identifier, &f.Title, &f.Abstract, &keywords, &f.DefaultCRS,
			&refSystems, &formats}
		dest = append(dest, bbox.dest()...)
		dest = append(dest, &f.CreatedAt, &f.UpdatedAt)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("フィーチャタイプのスキャンに失敗しました: %w", err)
		}
		f.Keywords = []string(keywords)
		f.ReferenceSystems = []string(refSystems)
		f.OutputFormats = []string(formats)
		f.BBox = bbox.value()
		featureTypes = append(featureTypes, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("フィーチャタイプ一覧の読み込みに失敗しました: %w", err)
	}
	return featureTypes, nil
}

// IDsByIdentifier はサービスのフィーチャタイプ識別子からIDへの対応表を返す。
func (r *PostgresFeatureTypeRepo) IDsByIdentifier(ctx context.Context, serviceID string) (map[string]string, error) {
	return identifierMap(ctx, r.db,
		`SELECT identifier, id FROM feature_types WHERE service_id = $1 ORDER BY created_at`, serviceID)
}

// identifierMap は(identifier, id)を返すクエリから対応表を作る。重複時は先勝ち。
func identifierMap(ctx context.Context, db *sql.DB, query, serviceID string) (map[string]string, error) {
	rows, err := db.QueryContext(ctx, query, serviceID)
	if err != nil {
		return nil, fmt.Errorf("識別子の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]string)
	for rows.Next() {
		var identifier, id string
		if err := rows.Scan(&identifier, &id); err != nil {
			return nil, fmt.Errorf("識別子のスキャンに失敗しました: %w", err)
		}
		if _, ok := ids[identifier]; !ok {
			ids[identifier] = id
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("識別子の読み込みに失敗しました: %w", err)
	}
	return ids, nil
}

// PostgresMetadataRecordRepo はPostgreSQLを使用したメタデータレコードリポジトリ。
type PostgresMetadataRecordRepo struct {
	db *sql.DB
}

// NewPostgresMetadataRecordRepo はPostgresMetadataRecordRepoを生成する。
func NewPostgresMetadataRecordRepo(db *sql.DB) *PostgresMetadataRecordRepo {
	return &PostgresMetadataRecordRepo{db: db}
}

// ListByServiceID はサービスのメタデータレコードを返す。raw_xmlは読み込まない。
func (r *PostgresMetadataRecordRepo) ListByServiceID(ctx context.Context, serviceID string) ([]*model.MetadataRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, service_id, layer_id, feature_type_id, origin_url, file_identifier, title, abstract,
		        keywords, language, hierarchy_level, date_stamp,
		        bbox_min_x, bbox_min_y, bbox_max_x, bbox_max_y, created_at, updated_at
		 FROM metadata_records WHERE service_id = $1 ORDER BY title, origin_url`,
		serviceID,
	)
	if err != nil {
		return nil, fmt.Errorf("メタデータレコード一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var records []*model.MetadataRecord
	for rows.Next() {
		m := &model.MetadataRecord{}
		var layerID, featureTypeID sql.NullString
		var keywords pq.StringArray
		var dateStamp sql.NullTime
		var bbox bboxColumns
		dest := []any{&m.ID, &m.ServiceID, &layerID, &featureTypeID, &m.OriginURL, &m.FileIdentifier,
			&m.Title, &m.Abstract, &keywords, &m.Language, &m.HierarchyLevel, &dateStamp}
		dest = append(dest, bbox.dest()...)
		dest = append(dest, &m.CreatedAt, &m.UpdatedAt)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("メタデータレコードのスキャンに失敗しました: %w", err)
		}
		m.LayerID = nullStringValue(layerID)
		m.FeatureTypeID = nullStringValue(featureTypeID)
		m.Keywords = []string(keywords)
		m.DateStamp = nullTimePtr(dateStamp)
		m.BBox = bbox.value()
		records = append(records, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("メタデータレコード一覧の読み込みに失敗しました: %w", err)
	}
	return records, nil
}

// Upsert は(service_id, origin_url)をキーにメタデータレコードを作成または更新する。
// 既存レコードの場合はrecord.IDを既存IDで上書きする。
func (r *PostgresMetadataRecordRepo) Upsert(ctx context.Context, record *model.MetadataRecord) error {
	args := []any{
		record.ID, record.ServiceID, nullString(record.LayerID), nullString(record.FeatureTypeID), record.OriginURL,
		record.FileIdentifier, record.Title, record.Abstract, stringArray(record.Keywords), record.Language,
		record.HierarchyLevel, record.DateStamp,
	}
	args = append(args, bboxArgs(record.BBox)...)
	args = append(args, record.RawXML)

	err := r.db.QueryRowContext(ctx,
		`INSERT INTO metadata_records (id, service_id, layer_id, feature_type_id, origin_url,
		                               file_identifier, title, abstract, keywords, language,
		                               hierarchy_level, date_stamp,
		                               bbox_min_x, bbox_min_y, bbox_max_x, bbox_max_y, raw_xml)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		 ON CONFLICT (service_id, origin_url) DO UPDATE SET
		    layer_id = EXCLUDED.layer_id, feature_type_id = EXCLUDED.feature_type_id,
		    file_identifier = EXCLUDED.file_identifier, title = EXCLUDED.title, abstract = EXCLUDED.abstract,
		    keywords = EXCLUDED.keywords, language = EXCLUDED.language,
		    hierarchy_level = EXCLUDED.hierarchy_level, date_stamp = EXCLUDED.date_stamp,
		    bbox_min_x = EXCLUDED.bbox_min_x, bbox_min_y = EXCLUDED.bbox_min_y,
		    bbox_max_x = EXCLUDED.bbox_max_x, bbox_max_y = EXCLUDED.bbox_max_y,
		    raw_xml = EXCLUDED.raw_xml, updated_at = now()
		 RETURNING id`,
		args...,
	).Scan(&record.ID)
	if err != nil {
		return fmt.Errorf("メタデータレコードの保存に失敗しました: %w", err)
	}
	return nil
}

// compile-time interface check
var (
	_ OperationURLRepository   = (*PostgresOperationURLRepo)(nil)
	_ LayerRepository          = (*PostgresLayerRepo)(nil)
	_ FeatureTypeRepository    = (*PostgresFeatureTypeRepo)(nil)
	_ MetadataRecordRepository = (*PostgresMetadataRecordRepo)(nil)
)
