package data

import (
	"time"

	"gorm.io/gorm"
)

// MatchResult is the record flushed by the match orchestrator when a match
// transitions to Ending.
type MatchResult struct {
	ID        uint64 `gorm:"primaryKey"`
	MatchID   string `gorm:"index; not null"`
	Mode      string
	Reason    string
	StartedAt time.Time
	EndedAt   time.Time
	FinalTick uint64
	// JSON summary produced by the ruleset (scores, winners). Opaque to the core.
	Summary string
}

// CreateMatchResult persists the MatchResult record to the database.
func CreateMatchResult(db *gorm.DB, result *MatchResult) error {
	return db.Create(result).Error
}

// FindMatchResults returns all results recorded for a match ID.
func FindMatchResults(db *gorm.DB, matchID string) ([]MatchResult, error) {
	var results []MatchResult
	if err := db.Where("match_id = ?", matchID).Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}
