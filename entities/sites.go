package entities

import (
	"github.com/mmdatafocus/maintsync/models"
	"gorm.io/gorm"
)

const TableSites = "sites"

type SitePayload struct {
	Name     string `json:"name" validate:"required,max=255"`
	Address  string `json:"address,omitempty"`
	Timezone string `json:"timezone,omitempty" validate:"omitempty,timezone"`
}

// NewSiteAdapter matches sites by name.
func NewSiteAdapter() EntityAdapter {
	return &modelAdapter[models.Site, *models.Site, SitePayload]{
		table: TableSites,
		parts: 1,
		keyParts: func(p *SitePayload) []string {
			return []string{p.Name}
		},
		lookup: func(tx *gorm.DB, parts []string) (*models.Site, error) {
			return findOne[models.Site](tx, "name = ?", parts[0])
		},
		toPayload: func(tx *gorm.DB, row *models.Site) (SitePayload, error) {
			return SitePayload{Name: row.Name, Address: row.Address, Timezone: row.Timezone}, nil
		},
		fromPayload: func(tx *gorm.DB, row *models.Site, p *SitePayload) error {
			row.Name = p.Name
			row.Address = p.Address
			row.Timezone = p.Timezone
			return nil
		},
	}
}

func findSite(tx *gorm.DB, name string) (*models.Site, error) {
	return findOne[models.Site](tx, "name = ?", name)
}
