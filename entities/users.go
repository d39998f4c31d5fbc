package entities

import (
	"encoding/hex"
	"strings"

	"github.com/mmdatafocus/maintsync/models"
	"golang.org/x/crypto/blake2b"
	"gorm.io/gorm"
)

const TableUsers = "users"

type UserPayload struct {
	Username    string `json:"username" validate:"required,max=100"`
	DisplayName string `json:"displayName,omitempty" validate:"max=255"`
	Email       string `json:"email,omitempty" validate:"omitempty,email"`
	Role        string `json:"role,omitempty" validate:"omitempty,oneof=admin supervisor technician viewer"`
	IsActive    bool   `json:"isActive"`
}

// UsernameKey is the natural key of a user: a BLAKE2b-256 digest of the
// trimmed, lower-cased username.
func UsernameKey(username string) string {
	sum := blake2b.Sum256([]byte(strings.ToLower(strings.TrimSpace(username))))
	return hex.EncodeToString(sum[:])
}

func NewUserAdapter() EntityAdapter {
	return &modelAdapter[models.User, *models.User, UserPayload]{
		table: TableUsers,
		parts: 1,
		keyParts: func(p *UserPayload) []string {
			return []string{UsernameKey(p.Username)}
		},
		lookup: func(tx *gorm.DB, parts []string) (*models.User, error) {
			return findOne[models.User](tx, "username_hash = ?", parts[0])
		},
		toPayload: func(tx *gorm.DB, row *models.User) (UserPayload, error) {
			return UserPayload{
				Username:    row.Username,
				DisplayName: row.DisplayName,
				Email:       row.Email,
				Role:        row.Role,
				IsActive:    row.IsActive,
			}, nil
		},
		fromPayload: func(tx *gorm.DB, row *models.User, p *UserPayload) error {
			row.Username = strings.TrimSpace(p.Username)
			row.UsernameHash = UsernameKey(p.Username)
			row.DisplayName = p.DisplayName
			row.Email = p.Email
			row.Role = p.Role
			row.IsActive = p.IsActive
			return nil
		},
	}
}
