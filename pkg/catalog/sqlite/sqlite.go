// Package sqlite opens a blockvault catalog backed by github.com/glebarez/sqlite
// (pure Go, no cgo), the default for the common single-node deployment.
package sqlite

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/blockvault/blockvault/pkg/catalog"
	"github.com/blockvault/blockvault/pkg/catalog/gormcatalog"
)

// Config points at the catalog database file.
type Config struct {
	Path string
}

// Open connects to (without creating schema — restore is read-only and
// never migrates) the SQLite catalog at cfg.Path.
func Open(cfg Config) (catalog.Catalog, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite: path is required")
	}
	if _, err := os.Stat(cfg.Path); err != nil {
		return nil, fmt.Errorf("sqlite: catalog %s: %w", cfg.Path, err)
	}

	dsn := cfg.Path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&mode=ro"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", filepath.Base(cfg.Path), err)
	}

	return gormcatalog.Open(db, "sqlite")
}
