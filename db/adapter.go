// Package db opens the gorm database backing the event journal.
package db

import (
	"github.com/cockroachdb/errors"
	"github.com/kasuganosora/guidegame/client/config"
	dbmysql "github.com/kasuganosora/guidegame/client/db/mysql"
	dbsqlite "github.com/kasuganosora/guidegame/client/db/sqlite"
	"gorm.io/gorm"
)

const (
	ModeSQLite = "sqlite"
	ModeMySQL  = "mysql"
)

// Open returns a *gorm.DB for the configured journal mode.
func Open(cfg config.JournalConfig) (*gorm.DB, error) {
	switch cfg.Mode {
	case ModeSQLite:
		db, err := dbsqlite.Open(cfg.SQLitePath)
		return db, errors.Wrapf(err, "open sqlite %s", cfg.SQLitePath)
	case ModeMySQL:
		db, err := dbmysql.Open(dbmysql.Options{
			DSN:     cfg.MySQLDSN,
			MaxOpen: cfg.MySQLMaxOpen,
			MaxIdle: cfg.MySQLMaxIdle,
			MaxLife: cfg.MySQLMaxLife,
		})
		return db, errors.Wrap(err, "open mysql")
	default:
		return nil, errors.Newf("db: unknown mode %q", cfg.Mode)
	}
}
