package models

import (
	"time"

	"gorm.io/datatypes"
)

type IdempotencyStatus string

const (
	IdempotencyStatusStarted   IdempotencyStatus = "STARTED"
	IdempotencyStatusSucceeded IdempotencyStatus = "SUCCEEDED"
	IdempotencyStatusFailed    IdempotencyStatus = "FAILED"
)

// SyncIdempotencyKey makes pushed entries exactly-once on the canonical store.
// Unique constraint: client_id. ResponseJSON holds the result replayed to retries.
type SyncIdempotencyKey struct {
	ID           uint              `gorm:"primary_key" json:"id"`
	ClientId     string            `gorm:"size:64;not null;uniqueIndex" json:"client_id"`
	EntityTable  string            `gorm:"size:64;not null" json:"entity_table"`
	Operation    SyncOperation     `gorm:"size:16;not null" json:"operation"`
	NaturalKey   string            `gorm:"size:512" json:"natural_key"`
	Status       IdempotencyStatus `gorm:"size:20;not null;index" json:"status"`
	ResponseJSON datatypes.JSON    `json:"response"`
	LastError    *string           `gorm:"type:text" json:"last_error"`
	CreatedAt    time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}
