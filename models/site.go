package models

type Site struct {
	SyncedModel
	Name     string `gorm:"size:255;not null;uniqueIndex" json:"name"`
	Address  string `gorm:"type:text" json:"address"`
	Timezone string `gorm:"size:64" json:"timezone"`
}
