package models

import (
	"time"

	"gorm.io/gorm"
)

// SyncedModel is embedded by every table that takes part in synchronization.
// On the canonical store Version is the current version; on a client it is the
// last server version seen for the row.
type SyncedModel struct {
	ID         uint           `gorm:"primary_key" json:"id"`
	Version    int            `gorm:"not null;default:0" json:"version"`
	ModifiedAt time.Time      `gorm:"not null;index" json:"modified_at"`
	CreatedAt  time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt  gorm.DeletedAt `gorm:"index" json:"-"`
}

func (m *SyncedModel) Synced() *SyncedModel {
	return m
}
