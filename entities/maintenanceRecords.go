package entities

import (
	"fmt"
	"time"

	"github.com/mmdatafocus/maintsync/models"
	"gorm.io/gorm"
)

const TableMaintenanceRecords = "maintenance_records"

type MaintenanceRecordPayload struct {
	Reference   string                   `json:"reference" validate:"required,uuid"`
	Site        string                   `json:"site" validate:"required,max=255"`
	Machine     string                   `json:"machine" validate:"required,max=64"`
	Technician  string                   `json:"technician,omitempty" validate:"max=100"`
	PerformedAt time.Time                `json:"performedAt" validate:"required"`
	Status      models.MaintenanceStatus `json:"status" validate:"required,oneof=scheduled done cancelled"`
	Description string                   `json:"description,omitempty"`
	HoursSpent  float64                  `json:"hoursSpent" validate:"gte=0"`
}

// NewMaintenanceRecordAdapter matches records by their client-assigned reference.
func NewMaintenanceRecordAdapter() EntityAdapter {
	return &modelAdapter[models.MaintenanceRecord, *models.MaintenanceRecord, MaintenanceRecordPayload]{
		table: TableMaintenanceRecords,
		deps:  []string{TableMachines, TableUsers},
		parts: 1,
		keyParts: func(p *MaintenanceRecordPayload) []string {
			return []string{p.Reference}
		},
		lookup: func(tx *gorm.DB, parts []string) (*models.MaintenanceRecord, error) {
			return findOne[models.MaintenanceRecord](tx, "reference = ?", parts[0])
		},
		toPayload: func(tx *gorm.DB, row *models.MaintenanceRecord) (MaintenanceRecordPayload, error) {
			site, number, err := machinePath(tx, row.MachineId)
			if err != nil {
				return MaintenanceRecordPayload{}, err
			}
			p := MaintenanceRecordPayload{
				Reference:   row.Reference,
				Site:        site,
				Machine:     number,
				PerformedAt: row.PerformedAt.UTC(),
				Status:      row.Status,
				Description: row.Description,
				HoursSpent:  row.HoursSpent,
			}
			if row.TechnicianId != nil {
				tech, err := mustFind[models.User](tx, TableUsers, "id = ?", *row.TechnicianId)
				if err != nil {
					return MaintenanceRecordPayload{}, err
				}
				p.Technician = tech.Username
			}
			return p, nil
		},
		fromPayload: func(tx *gorm.DB, row *models.MaintenanceRecord, p *MaintenanceRecordPayload) error {
			machine, err := mustFindMachine(tx, p.Site, p.Machine)
			if err != nil {
				return err
			}
			row.TechnicianId = nil
			if p.Technician != "" {
				tech, err := findOne[models.User](tx, "username_hash = ?", UsernameKey(p.Technician))
				if err != nil {
					return err
				}
				if tech == nil {
					return fmt.Errorf("%s %q: %w", TableUsers, p.Technician, ErrParentMissing)
				}
				row.TechnicianId = &tech.ID
			}
			row.Reference = p.Reference
			row.MachineId = machine.ID
			row.PerformedAt = NormalizeTime(p.PerformedAt)
			row.Status = p.Status
			row.Description = p.Description
			row.HoursSpent = p.HoursSpent
			return nil
		},
	}
}
