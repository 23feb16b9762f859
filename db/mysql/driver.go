package mysql

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Options configures the journal's MySQL pool.
type Options struct {
	DSN     string
	MaxOpen int
	MaxIdle int
	MaxLife time.Duration
}

// Open connects to MySQL and verifies the server is reachable. Zero pool
// settings fall back to a small pool sized for one batching writer.
func Open(opts Options) (*gorm.DB, error) {
	if opts.DSN == "" {
		return nil, errors.New("mysql: dsn is required")
	}
	if opts.MaxOpen <= 0 {
		opts.MaxOpen = 4
	}
	if opts.MaxIdle <= 0 || opts.MaxIdle > opts.MaxOpen {
		opts.MaxIdle = opts.MaxOpen
	}
	if opts.MaxLife <= 0 {
		opts.MaxLife = time.Hour
	}

	db, err := gorm.Open(mysql.Open(opts.DSN), &gorm.Config{
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
	sqlDB.SetMaxOpenConns(opts.MaxOpen)
	sqlDB.SetMaxIdleConns(opts.MaxIdle)
	sqlDB.SetConnMaxLifetime(opts.MaxLife)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, errors.Wrap(err, "mysql ping")
	}
	return db, nil
}
