package entities

import (
	"fmt"

	"github.com/mmdatafocus/maintsync/models"
	"gorm.io/gorm"
)

const TableMachines = "machines"

type MachinePayload struct {
	Site         string `json:"site" validate:"required,max=255"`
	Number       string `json:"number" validate:"required,max=64"`
	Name         string `json:"name" validate:"required,max=255"`
	Model        string `json:"model,omitempty" validate:"max=255"`
	SerialNumber string `json:"serialNumber,omitempty" validate:"max=128"`
}

// NewMachineAdapter matches machines by site name + machine number.
func NewMachineAdapter() EntityAdapter {
	return &modelAdapter[models.Machine, *models.Machine, MachinePayload]{
		table: TableMachines,
		deps:  []string{TableSites},
		parts: 2,
		keyParts: func(p *MachinePayload) []string {
			return []string{p.Site, p.Number}
		},
		lookup: func(tx *gorm.DB, parts []string) (*models.Machine, error) {
			return findMachine(tx, parts[0], parts[1])
		},
		toPayload: func(tx *gorm.DB, row *models.Machine) (MachinePayload, error) {
			site, err := mustFind[models.Site](tx, TableSites, "id = ?", row.SiteId)
			if err != nil {
				return MachinePayload{}, err
			}
			return MachinePayload{
				Site:         site.Name,
				Number:       row.Number,
				Name:         row.Name,
				Model:        row.Model,
				SerialNumber: row.SerialNumber,
			}, nil
		},
		fromPayload: func(tx *gorm.DB, row *models.Machine, p *MachinePayload) error {
			site, err := mustFind[models.Site](tx, TableSites, "name = ?", p.Site)
			if err != nil {
				return err
			}
			row.SiteId = site.ID
			row.Number = p.Number
			row.Name = p.Name
			row.Model = p.Model
			row.SerialNumber = p.SerialNumber
			return nil
		},
	}
}

func findMachine(tx *gorm.DB, siteName, number string) (*models.Machine, error) {
	site, err := findSite(tx, siteName)
	if err != nil || site == nil {
		return nil, err
	}
	return findOne[models.Machine](tx, "site_id = ? AND number = ?", site.ID, number)
}

func machinePath(tx *gorm.DB, machineId uint) (site string, number string, err error) {
	machine, err := mustFind[models.Machine](tx, TableMachines, "id = ?", machineId)
	if err != nil {
		return "", "", err
	}
	s, err := mustFind[models.Site](tx, TableSites, "id = ?", machine.SiteId)
	if err != nil {
		return "", "", err
	}
	return s.Name, machine.Number, nil
}

func mustFindMachine(tx *gorm.DB, siteName, number string) (*models.Machine, error) {
	machine, err := findMachine(tx, siteName, number)
	if err != nil {
		return nil, err
	}
	if machine == nil {
		return nil, fmt.Errorf("%s %q: %w", TableMachines, JoinKey(siteName, number), ErrParentMissing)
	}
	return machine, nil
}
