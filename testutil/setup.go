package testutil

import (
	"testing"

	"github.com/kasuganosora/guidegame/client/cache"
	"github.com/kasuganosora/guidegame/client/config"
	dbadapter "github.com/kasuganosora/guidegame/client/db"
	"github.com/kasuganosora/guidegame/client/model"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// SetupTestDB opens a private in-memory SQLite database and runs AutoMigrate.
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := dbadapter.Open(config.JournalConfig{
		Mode:       dbadapter.ModeSQLite,
		SQLitePath: ":memory:",
	})
	require.NoError(t, err, "SetupTestDB: Open")
	require.NoError(t, model.AutoMigrate(db), "SetupTestDB: AutoMigrate")
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

// SetupTestCache opens an in-process cache backend closed with the test.
func SetupTestCache(t *testing.T) cache.Backend {
	t.Helper()
	b, err := cache.Open(cache.Config{})
	require.NoError(t, err, "SetupTestCache: Open")
	t.Cleanup(func() { _ = b.Close() })
	return b
}
