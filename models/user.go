package models

// User carries profile fields only; credentials never leave the server.
type User struct {
	SyncedModel
	Username     string `gorm:"size:100;not null" json:"username"`
	UsernameHash string `gorm:"size:64;not null;uniqueIndex" json:"username_hash"`
	DisplayName  string `gorm:"size:255" json:"display_name"`
	Email        string `gorm:"size:255" json:"email"`
	Role         string `gorm:"size:32" json:"role"`
	IsActive     bool   `gorm:"not null" json:"is_active"`
}
