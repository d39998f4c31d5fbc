package models

import "github.com/shopspring/decimal"

type Part struct {
	SyncedModel
	MachineId  uint            `gorm:"not null;uniqueIndex:idx_part_machine_number,priority:1" json:"machine_id"`
	Machine    *Machine        `gorm:"foreignKey:MachineId" json:"machine,omitempty"`
	PartNumber string          `gorm:"size:128;not null;uniqueIndex:idx_part_machine_number,priority:2" json:"part_number"`
	Name       string          `gorm:"size:255;not null" json:"name"`
	Quantity   int             `gorm:"not null;default:0" json:"quantity"`
	UnitCost   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"unit_cost"`
}
