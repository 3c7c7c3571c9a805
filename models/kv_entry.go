package models

import "time"

// KVEntry is one persisted key/value pair of local client state.
type KVEntry struct {
	Key       string    `json:"key" gorm:"primaryKey"`
	Value     string    `json:"value" gorm:"not null"`
	UpdatedAt time.Time `json:"updated_at"`
}
