package data

import (
	"errors"

	"gorm.io/gorm"
)

// DefaultSkillRating is assigned to a profile's first game in a mode.
const DefaultSkillRating = 1000

// PlayerProfile holds the per-mode matchmaking state for an account. One row
// per (account, mode) pair, resolved when the session authenticates.
type PlayerProfile struct {
	ID          uint64 `gorm:"primaryKey"`
	AccountID   uint64 `gorm:"index:idx_profile_account_mode,unique"`
	Mode        string `gorm:"index:idx_profile_account_mode,unique"`
	SkillRating int
	MatchesWon  int
	MatchesLost int
}

// FindOrCreateProfile returns the profile for the account in the given mode,
// creating one with the default rating if none exists yet.
func FindOrCreateProfile(db *gorm.DB, accountID uint64, mode string) (*PlayerProfile, error) {
	var profile PlayerProfile
	err := db.Where("account_id = ? AND mode = ?", accountID, mode).First(&profile).Error

	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		profile = PlayerProfile{
			AccountID:   accountID,
			Mode:        mode,
			SkillRating: DefaultSkillRating,
		}
		if err := db.Create(&profile).Error; err != nil {
			return nil, err
		}
	}

	return &profile, nil
}

// UpdateProfile persists changes to an existing profile.
func UpdateProfile(db *gorm.DB, profile *PlayerProfile) error {
	return db.Save(profile).Error
}
