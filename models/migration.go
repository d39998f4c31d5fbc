package models

import (
	"gorm.io/gorm"
)

func entityTables() []interface{} {
	return []interface{}{
		&User{}, &Site{}, &Machine{}, &Part{}, &MaintenanceRecord{},
	}
}

// MigrateLocal creates the tables of an offline client: the entities plus the
// sync queue and its bookkeeping.
func MigrateLocal(db *gorm.DB) error {
	tables := append(entityTables(),
		&SyncQueueItem{}, &BatchSyncTask{}, &SyncWatermark{}, &SyncEndpointState{}, &ConflictLog{},
	)
	return db.AutoMigrate(tables...)
}

// MigrateRemote creates the tables of the canonical server.
func MigrateRemote(db *gorm.DB) error {
	tables := append(entityTables(), &SyncIdempotencyKey{})
	return db.AutoMigrate(tables...)
}
