package models

// Machine numbers are unique per site, not globally.
type Machine struct {
	SyncedModel
	SiteId       uint   `gorm:"not null;uniqueIndex:idx_machine_site_number,priority:1" json:"site_id"`
	Site         *Site  `gorm:"foreignKey:SiteId" json:"site,omitempty"`
	Number       string `gorm:"size:64;not null;uniqueIndex:idx_machine_site_number,priority:2" json:"number"`
	Name         string `gorm:"size:255;not null" json:"name"`
	Model        string `gorm:"size:255" json:"model"`
	SerialNumber string `gorm:"size:128" json:"serial_number"`
}
