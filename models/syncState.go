package models

import "time"

type BatchTaskType string

const (
	BatchTaskPush BatchTaskType = "push"
	BatchTaskPull BatchTaskType = "pull"
)

type BatchTaskStatus string

const (
	BatchTaskStatusPending    BatchTaskStatus = "pending"
	BatchTaskStatusInProgress BatchTaskStatus = "in_progress"
	BatchTaskStatusCompleted  BatchTaskStatus = "completed"
	BatchTaskStatusPartial    BatchTaskStatus = "partial"
	BatchTaskStatusFailed     BatchTaskStatus = "failed"
)

// FinalBatchStatus maps batch counts onto completed/partial/failed.
func FinalBatchStatus(successCount, failureCount int) BatchTaskStatus {
	switch {
	case failureCount == 0:
		return BatchTaskStatusCompleted
	case successCount > 0:
		return BatchTaskStatusPartial
	default:
		return BatchTaskStatusFailed
	}
}

// BatchSyncTask is the persisted history row of one processed batch.
type BatchSyncTask struct {
	ID           uint            `gorm:"primary_key" json:"id"`
	BatchId      string          `gorm:"size:36;not null;uniqueIndex" json:"batch_id"`
	Endpoint     string          `gorm:"size:128;not null;index" json:"endpoint"`
	TaskType     BatchTaskType   `gorm:"size:10;not null" json:"task_type"`
	Status       BatchTaskStatus `gorm:"size:20;not null;index" json:"status"`
	ItemCount    int             `json:"item_count"`
	SuccessCount int             `json:"success_count"`
	FailureCount int             `json:"failure_count"`
	ErrorDetail  *string         `gorm:"type:text" json:"error_detail"`
	StartedAt    *time.Time      `json:"started_at"`
	CompletedAt  *time.Time      `json:"completed_at"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

// SyncWatermark is the pull cursor of one entity type against one endpoint.
type SyncWatermark struct {
	ID         uint      `gorm:"primary_key" json:"id"`
	Endpoint   string    `gorm:"size:128;not null;uniqueIndex:idx_sync_watermark,priority:1" json:"endpoint"`
	EntityType string    `gorm:"size:64;not null;uniqueIndex:idx_sync_watermark,priority:2" json:"entity_type"`
	Watermark  time.Time `gorm:"not null" json:"watermark"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// SyncEndpointState tracks connectivity and the last outcome per endpoint.
type SyncEndpointState struct {
	ID                   uint       `gorm:"primary_key" json:"id"`
	Endpoint             string     `gorm:"size:128;not null;uniqueIndex" json:"endpoint"`
	Online               bool       `gorm:"not null;default:false" json:"online"`
	CheckedAt            *time.Time `json:"checked_at"`
	LastContactAt        *time.Time `json:"last_contact_at"`
	LastAttemptAt        *time.Time `json:"last_attempt_at"`
	LastSuccessfulSyncAt *time.Time `json:"last_successful_sync_at"`
	LastError            *string    `gorm:"type:text" json:"last_error"`
	CreatedAt            time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// ConflictLog is an audit row; it can be pruned at any time.
type ConflictLog struct {
	ID               uint      `gorm:"primary_key" json:"id"`
	EntityTable      string    `gorm:"size:64;not null;index" json:"entity_table"`
	NaturalKey       string    `gorm:"size:512;not null" json:"natural_key"`
	ClientId         *string   `gorm:"size:64" json:"client_id"`
	Source           string    `gorm:"size:10;not null" json:"source"`
	Strategy         string    `gorm:"size:20;not null" json:"strategy"`
	Winner           string    `gorm:"size:10;not null" json:"winner"`
	LocalModifiedAt  time.Time `json:"local_modified_at"`
	RemoteModifiedAt time.Time `json:"remote_modified_at"`
	LocalVersion     int       `json:"local_version"`
	RemoteVersion    int       `json:"remote_version"`
	CreatedAt        time.Time `gorm:"index" json:"created_at"`
}
