package repository

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/camden-git/lastnurses/models"
)

// keyEquals lets GORM quote the column, "key" is an SQL keyword
func keyEquals(key string) clause.Eq {
	return clause.Eq{Column: clause.Column{Name: "key"}, Value: key}
}

type GormKVRepository struct {
	db *gorm.DB
}

func NewGormKVRepository(db *gorm.DB) KeyValueStore {
	return &GormKVRepository{db: db}
}

func (r *GormKVRepository) Get(key string) (string, bool, error) {
	var entry models.KVEntry
	err := r.db.Where(keyEquals(key)).First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to read key %q: %w", key, err)
	}
	return entry.Value, true, nil
}

func (r *GormKVRepository) Set(key, value string) error {
	entry := models.KVEntry{Key: key, Value: value}
	err := r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&entry).Error
	if err != nil {
		return fmt.Errorf("failed to write key %q: %w", key, err)
	}
	return nil
}

func (r *GormKVRepository) Remove(key string) error {
	if err := r.db.Where(keyEquals(key)).Delete(&models.KVEntry{}).Error; err != nil {
		return fmt.Errorf("failed to remove key %q: %w", key, err)
	}
	return nil
}
