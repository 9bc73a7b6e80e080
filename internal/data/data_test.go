package data

import (
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/go-test/deep"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		t.Fatalf("error opening test database: %s", err)
	}
	if err := db.AutoMigrate(&Account{}, &PlayerProfile{}, &MatchResult{}, &IntegrityFlag{}); err != nil {
		t.Fatalf("error migrating test database: %s", err)
	}
	return db
}

func TestAccountLifecycle(t *testing.T) {
	db := openTestDB(t)

	account := &Account{Username: "testplayer", Password: "hashed", Email: "test@example.com"}
	if err := CreateAccount(db, account); err != nil {
		t.Fatalf("CreateAccount() returned an unexpected error: %s", err)
	}

	found, err := FindAccountByUsername(db, "testplayer")
	if err != nil {
		t.Fatalf("FindAccountByUsername() returned an unexpected error: %s", err)
	}
	if found == nil {
		t.Fatal("FindAccountByUsername() did not find the created account")
	}
	if diff := deep.Equal(account.Username, found.Username); diff != nil {
		t.Errorf("accounts did not match: %v", diff)
	}

	missing, err := FindAccountByUsername(db, "nobody")
	if err != nil {
		t.Fatalf("FindAccountByUsername() returned an unexpected error: %s", err)
	}
	if missing != nil {
		t.Errorf("FindAccountByUsername() for a missing user want = nil, got = %+v", missing)
	}
}

func TestFindOrCreateProfile(t *testing.T) {
	db := openTestDB(t)

	account := &Account{Username: "testplayer", Password: "hashed"}
	if err := CreateAccount(db, account); err != nil {
		t.Fatalf("CreateAccount() returned an unexpected error: %s", err)
	}

	profile, err := FindOrCreateProfile(db, account.ID, "fps_tdm")
	if err != nil {
		t.Fatalf("FindOrCreateProfile() returned an unexpected error: %s", err)
	}
	if profile.SkillRating != DefaultSkillRating {
		t.Errorf("new profile rating want = %d, got = %d", DefaultSkillRating, profile.SkillRating)
	}

	profile.SkillRating = 1200
	if err := UpdateProfile(db, profile); err != nil {
		t.Fatalf("UpdateProfile() returned an unexpected error: %s", err)
	}

	again, err := FindOrCreateProfile(db, account.ID, "fps_tdm")
	if err != nil {
		t.Fatalf("FindOrCreateProfile() returned an unexpected error: %s", err)
	}
	if again.SkillRating != 1200 {
		t.Errorf("existing profile rating want = 1200, got = %d", again.SkillRating)
	}
	if again.ID != profile.ID {
		t.Errorf("FindOrCreateProfile() created a duplicate row for the same account/mode")
	}
}

func TestCreateMatchResult(t *testing.T) {
	db := openTestDB(t)

	result := &MatchResult{
		MatchID:   "7e4f9c59-3ec1-4f9d-9a3c-aaaaaaaaaaaa",
		Mode:      "fps_tdm",
		Reason:    "completed",
		FinalTick: 5400,
		Summary:   `{"winner":"team_a"}`,
	}
	if err := CreateMatchResult(db, result); err != nil {
		t.Fatalf("CreateMatchResult() returned an unexpected error: %s", err)
	}

	results, err := FindMatchResults(db, result.MatchID)
	if err != nil {
		t.Fatalf("FindMatchResults() returned an unexpected error: %s", err)
	}
	if len(results) != 1 {
		t.Fatalf("FindMatchResults() want 1 result, got %d", len(results))
	}
	if results[0].FinalTick != 5400 {
		t.Errorf("FinalTick want = 5400, got = %d", results[0].FinalTick)
	}
	if results[0].Reason != "completed" {
		t.Errorf("Reason want = completed, got = %s", results[0].Reason)
	}
}

func TestCreateIntegrityFlag(t *testing.T) {
	db := openTestDB(t)

	flag := &IntegrityFlag{AccountID: 7, SessionID: "session-1", Reason: "replayed sequence number", Strikes: 3}
	if err := CreateIntegrityFlag(db, flag); err != nil {
		t.Fatalf("CreateIntegrityFlag() returned an unexpected error: %s", err)
	}

	flags, err := FindIntegrityFlags(db, 7)
	if err != nil {
		t.Fatalf("FindIntegrityFlags() returned an unexpected error: %s", err)
	}
	if len(flags) != 1 {
		t.Fatalf("FindIntegrityFlags() want 1 flag, got %d", len(flags))
	}
}
