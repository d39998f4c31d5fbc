package entities

import (
	"fmt"

	"github.com/mmdatafocus/maintsync/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const TableParts = "parts"

type PartPayload struct {
	Site       string          `json:"site" validate:"required,max=255"`
	Machine    string          `json:"machine" validate:"required,max=64"`
	PartNumber string          `json:"partNumber" validate:"required,max=128"`
	Name       string          `json:"name" validate:"required,max=255"`
	Quantity   int             `json:"quantity" validate:"gte=0"`
	UnitCost   decimal.Decimal `json:"unitCost"`
}

// NewPartAdapter matches parts by site + machine number + part number.
func NewPartAdapter() EntityAdapter {
	return &modelAdapter[models.Part, *models.Part, PartPayload]{
		table: TableParts,
		deps:  []string{TableMachines},
		parts: 3,
		keyParts: func(p *PartPayload) []string {
			return []string{p.Site, p.Machine, p.PartNumber}
		},
		lookup: func(tx *gorm.DB, parts []string) (*models.Part, error) {
			machine, err := findMachine(tx, parts[0], parts[1])
			if err != nil || machine == nil {
				return nil, err
			}
			return findOne[models.Part](tx, "machine_id = ? AND part_number = ?", machine.ID, parts[2])
		},
		toPayload: func(tx *gorm.DB, row *models.Part) (PartPayload, error) {
			site, number, err := machinePath(tx, row.MachineId)
			if err != nil {
				return PartPayload{}, err
			}
			return PartPayload{
				Site:       site,
				Machine:    number,
				PartNumber: row.PartNumber,
				Name:       row.Name,
				Quantity:   row.Quantity,
				UnitCost:   row.UnitCost,
			}, nil
		},
		fromPayload: func(tx *gorm.DB, row *models.Part, p *PartPayload) error {
			if p.UnitCost.IsNegative() {
				return &ValidationError{Table: TableParts, Err: fmt.Errorf("unitCost %s is negative", p.UnitCost)}
			}
			machine, err := mustFindMachine(tx, p.Site, p.Machine)
			if err != nil {
				return err
			}
			row.MachineId = machine.ID
			row.PartNumber = p.PartNumber
			row.Name = p.Name
			row.Quantity = p.Quantity
			row.UnitCost = p.UnitCost
			return nil
		},
	}
}
