package model

import (
	"github.com/cockroachdb/errors"
	"gorm.io/gorm"
)

// AutoMigrate creates or updates the journal tables.
func AutoMigrate(db *gorm.DB) error {
	return errors.Wrap(db.AutoMigrate(&EventLog{}), "migrate event log")
}
