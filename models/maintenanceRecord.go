package models

import "time"

type MaintenanceStatus string

const (
	MaintenanceStatusScheduled MaintenanceStatus = "scheduled"
	MaintenanceStatusDone      MaintenanceStatus = "done"
	MaintenanceStatusCancelled MaintenanceStatus = "cancelled"
)

// MaintenanceRecord.Reference is assigned by the client that creates the record
// so it can be matched across databases.
type MaintenanceRecord struct {
	SyncedModel
	Reference    string            `gorm:"size:64;not null;uniqueIndex" json:"reference"`
	MachineId    uint              `gorm:"not null;index" json:"machine_id"`
	Machine      *Machine          `gorm:"foreignKey:MachineId" json:"machine,omitempty"`
	TechnicianId *uint             `gorm:"index" json:"technician_id"`
	Technician   *User             `gorm:"foreignKey:TechnicianId" json:"technician,omitempty"`
	PerformedAt  time.Time         `gorm:"not null" json:"performed_at"`
	Status       MaintenanceStatus `gorm:"size:20;not null" json:"status"`
	Description  string            `gorm:"type:text" json:"description"`
	HoursSpent   float64           `json:"hours_spent"`
}
