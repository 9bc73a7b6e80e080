package data

import (
	"time"

	"gorm.io/gorm"
)

// IntegrityFlag records a session that crossed the strike threshold, for
// consumption by whatever moderation tooling sits behind the server.
type IntegrityFlag struct {
	ID        uint64 `gorm:"primaryKey"`
	AccountID uint64 `gorm:"index"`
	SessionID string
	Reason    string
	Strikes   int
	CreatedAt time.Time
}

// CreateIntegrityFlag persists the IntegrityFlag record to the database.
func CreateIntegrityFlag(db *gorm.DB, flag *IntegrityFlag) error {
	return db.Create(flag).Error
}

// FindIntegrityFlags returns all flags recorded against an account.
func FindIntegrityFlags(db *gorm.DB, accountID uint64) ([]IntegrityFlag, error) {
	var flags []IntegrityFlag
	if err := db.Where("account_id = ?", accountID).Find(&flags).Error; err != nil {
		return nil, err
	}
	return flags, nil
}
