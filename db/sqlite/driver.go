package sqlite

import (
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Memory opens a private in-memory database.
const Memory = ":memory:"

// Open opens the journal database at path, creating its directory. File
// databases run in WAL mode so readers do not block the batch writer.
func Open(path string) (*gorm.DB, error) {
	if path == "" {
		return nil, errors.New("sqlite: path is required")
	}
	dsn := path
	if path != Memory {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Wrap(err, "create journal dir")
		}
		dsn = path + "?_journal_mode=WAL&_busy_timeout=5000"
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// One writer; also keeps ":memory:" from splitting per connection.
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}
