// Package database はレジストリのPostgreSQL接続とスキーマ管理を提供する。
// スキーマはmigrations/配下のSQLで定義し、バイナリに埋め込んで適用する。
package database

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var registrySchema embed.FS

// ErrDirtySchema は前回のマイグレーションが途中で失敗したまま残っている場合のエラー。
// 手動で修正してから `migrate force` で版を確定させる必要がある。
var ErrDirtySchema = errors.New("registry schema is dirty")

// NewMigrator はレジストリスキーマ用のmigrateインスタンスを生成する。
func NewMigrator(databaseURL string) (*migrate.Migrate, error) {
	source, err := iofs.New(registrySchema, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded registry schema: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}
	return m, nil
}

// RunMigrations はレジストリスキーマを最新版まで上げ、適用後の版を返す。
// dirtyなスキーマには何も適用せずErrDirtySchemaを返す。
func RunMigrations(databaseURL string) (uint, error) {
	m, err := NewMigrator(databaseURL)
	if err != nil {
		return 0, err
	}
	defer m.Close()

	if v, dirty, err := schemaVersion(m); err != nil {
		return 0, err
	} else if dirty {
		return v, fmt.Errorf("%w: version %d", ErrDirtySchema, v)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("failed to migrate registry schema: %w", err)
	}

	v, _, err := schemaVersion(m)
	return v, err
}

// schemaVersion は現在の版を返す。未適用のデータベースは版0として扱う。
func schemaVersion(m *migrate.Migrate) (uint, bool, error) {
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read schema version: %w", err)
	}
	return v, dirty, nil
}
