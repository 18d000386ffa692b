package repository

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mrmap-community/mrmap-sub007/internal/model"
)

// pqUniqueViolation はPostgreSQLの一意制約違反のエラーコード。
const pqUniqueViolation = "23505"

// nullString は空文字列をNULLとして扱うsql.NullStringに変換する。
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullStringValue はsql.NullStringから文字列を取得する。
func nullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// nullTimePtr はsql.NullTimeを*time.Timeに変換する。
func nullTimePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

// wrapUnique は一意制約違反をErrDuplicateでラップする。それ以外はmsgでラップする。
func wrapUnique(err error, msg string) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == pqUniqueViolation {
		return fmt.Errorf("%w: %s", ErrDuplicate, pqErr.Constraint)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// pageLimit はページ指定をLIMIT/OFFSETの値に変換する。
// Sizeが0以下の場合はLIMIT NULL（全件）になる。
func pageLimit(p model.Page) (sql.NullInt64, int) {
	if p.Size <= 0 {
		return sql.NullInt64{}, 0
	}
	return sql.NullInt64{Int64: int64(p.Size), Valid: true}, p.Offset()
}

// bboxColumns はbbox_min_x..bbox_max_yのスキャン先。
type bboxColumns struct {
	minX, minY, maxX, maxY sql.NullFloat64
}

// dest はScanに渡すポインタ列を返す。
func (b *bboxColumns) dest() []any {
	return []any{&b.minX, &b.minY, &b.maxX, &b.maxY}
}

// value は4列すべてが非NULLの場合にBoundingBoxを返す。
func (b *bboxColumns) value() *model.BoundingBox {
	if !b.minX.Valid || !b.minY.Valid || !b.maxX.Valid || !b.maxY.Valid {
		return nil
	}
	return &model.BoundingBox{MinX: b.minX.Float64, MinY: b.minY.Float64, MaxX: b.maxX.Float64, MaxY: b.maxY.Float64}
}

// bboxArgs はBoundingBoxをINSERT用の4引数に変換する。nilの場合はすべてNULL。
func bboxArgs(b *model.BoundingBox) []any {
	if b == nil {
		return []any{nil, nil, nil, nil}
	}
	return []any{b.MinX, b.MinY, b.MaxX, b.MaxY}
}

// stringArray はNULLを空スライスとして読み書きするpq.StringArray。
func stringArray(s []string) pq.StringArray {
	if s == nil {
		return pq.StringArray{}
	}
	return pq.StringArray(s)
}
