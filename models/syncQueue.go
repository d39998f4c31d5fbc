package models

import (
	"time"

	"gorm.io/datatypes"
)

type SyncOperation string

const (
	SyncOperationInsert SyncOperation = "insert"
	SyncOperationUpdate SyncOperation = "update"
	SyncOperationDelete SyncOperation = "delete"
)

func (o SyncOperation) Valid() bool {
	switch o {
	case SyncOperationInsert, SyncOperationUpdate, SyncOperationDelete:
		return true
	}
	return false
}

type SyncQueueStatus string

const (
	SyncQueueStatusPending    SyncQueueStatus = "pending"
	SyncQueueStatusInProgress SyncQueueStatus = "in_progress"
	SyncQueueStatusSynced     SyncQueueStatus = "synced"
	SyncQueueStatusFailed     SyncQueueStatus = "failed"
)

func (s SyncQueueStatus) Terminal() bool {
	return s == SyncQueueStatusSynced || s == SyncQueueStatusFailed
}

// SyncQueueItem is one locally committed mutation waiting to be pushed.
// ClientId is generated once at enqueue time and reused by every retry.
type SyncQueueItem struct {
	ID            uint            `gorm:"primary_key" json:"id"`
	EntityTable   string          `gorm:"size:64;not null;index:idx_sync_queue_entity,priority:1" json:"entity_table"`
	EntityLocalId string          `gorm:"size:128;not null;index:idx_sync_queue_entity,priority:2" json:"entity_local_id"`
	NaturalKey    string          `gorm:"size:512;index" json:"natural_key"`
	Operation     SyncOperation   `gorm:"size:16;not null" json:"operation"`
	Payload       datatypes.JSON  `json:"payload"`
	ClientId      string          `gorm:"size:64;not null;uniqueIndex" json:"client_id"`
	BaseVersion   int             `gorm:"not null;default:0" json:"base_version"`
	ModifiedAt    time.Time       `json:"modified_at"`
	ForceOverride bool            `gorm:"not null;default:false" json:"force_override"`
	Status        SyncQueueStatus `gorm:"size:20;not null;index" json:"status"`
	SyncAttempts  int             `gorm:"not null;default:0" json:"sync_attempts"`
	LastAttemptAt *time.Time      `json:"last_attempt_at"`
	NextAttemptAt *time.Time      `gorm:"index" json:"next_attempt_at"`
	ErrorDetail   *string         `gorm:"type:text" json:"error_detail"`
	SyncedAt      *time.Time      `json:"synced_at"`
	CreatedAt     time.Time       `gorm:"not null;index:idx_sync_queue_entity,priority:3" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}
