package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/dao-ledger/internal/proposals"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsBackfillsLegacyProposals(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&proposals.ProposalRecord{}, &proposals.BallotRecord{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	const createdAt = int64(1700000000)
	explicitDeadline := createdAt + 3600
	rows := []proposals.ProposalRecord{
		{ProposalID: "legacy", Title: "Legacy", Description: "No deadline", CreatedAtSeconds: createdAt, VotesFor: -2, VotesAgainst: 3},
		{ProposalID: "current", Title: "Current", Description: "Deadline set", CreatedAtSeconds: createdAt, DeadlineSeconds: &explicitDeadline, VotesFor: 4},
	}
	if err := database.Create(&rows).Error; err != nil {
		testContext.Fatalf("failed to insert proposals: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var legacy proposals.ProposalRecord
	if err := database.Where("proposal_id = ?", "legacy").Take(&legacy).Error; err != nil {
		testContext.Fatalf("failed to reload legacy proposal: %v", err)
	}
	expectedDeadline := createdAt + int64(proposals.DefaultDeadlineOffset/time.Second)
	if legacy.DeadlineSeconds == nil || *legacy.DeadlineSeconds != expectedDeadline {
		testContext.Fatalf("expected backfilled deadline %d, got %v", expectedDeadline, legacy.DeadlineSeconds)
	}
	if legacy.VotesFor != 0 || legacy.VotesAgainst != 3 {
		testContext.Fatalf("expected negative tally clamped, got for=%v against=%v", legacy.VotesFor, legacy.VotesAgainst)
	}

	var current proposals.ProposalRecord
	if err := database.Where("proposal_id = ?", "current").Take(&current).Error; err != nil {
		testContext.Fatalf("failed to reload current proposal: %v", err)
	}
	if current.DeadlineSeconds == nil || *current.DeadlineSeconds != explicitDeadline {
		testContext.Fatalf("expected explicit deadline kept, got %v", current.DeadlineSeconds)
	}

	for _, name := range []string{migrationBackfillDeadlines, migrationClampNegativeTallies} {
		var record migrationRecord
		if err := database.Where("name = ?", name).Take(&record).Error; err != nil {
			testContext.Fatalf("expected migration record %s: %v", name, err)
		}
		if record.AppliedAtSeconds == 0 {
			testContext.Fatalf("expected migration timestamp to be set for %s", name)
		}
	}

	if err := database.Model(&proposals.ProposalRecord{}).Where("proposal_id = ?", "current").Update("votes_for", -1).Error; err != nil {
		testContext.Fatalf("failed to corrupt tally: %v", err)
	}
	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("expected re-run to succeed: %v", err)
	}
	if err := database.Where("proposal_id = ?", "current").Take(&current).Error; err != nil {
		testContext.Fatalf("failed to reload current proposal: %v", err)
	}
	if current.VotesFor != -1 {
		testContext.Fatalf("expected applied migrations to be skipped on re-run, got votes_for=%v", current.VotesFor)
	}
}

func TestOpenSQLiteCreatesSchema(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "ledger.db")
	database, err := Open(Config{Driver: DriverSQLite, Path: databasePath}, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	for _, model := range []any{&proposals.ProposalRecord{}, &proposals.BallotRecord{}, &migrationRecord{}} {
		if !database.Migrator().HasTable(model) {
			testContext.Fatalf("expected table for %T", model)
		}
	}
}

func TestOpenRejectsIncompleteConfig(testContext *testing.T) {
	testCases := []Config{
		{Driver: DriverSQLite},
		{Driver: DriverMySQL},
		{Driver: "postgres", DSN: "host=localhost"},
	}
	for _, cfg := range testCases {
		if _, err := Open(cfg, nil); err == nil {
			testContext.Fatalf("expected error for %#v", cfg)
		}
	}
}

func TestNormalizeMySQLDSN(testContext *testing.T) {
	normalized := normalizeMySQLDSN("ledger:secret@tcp(db:3306)/dao")
	expected := "ledger:secret@tcp(db:3306)/dao?parseTime=true&charset=utf8mb4&collation=utf8mb4_unicode_ci"
	if normalized != expected {
		testContext.Fatalf("unexpected dsn %q", normalized)
	}
	kept := normalizeMySQLDSN("ledger@tcp(db)/dao?charset=latin1&parseTime=false")
	if kept != "ledger@tcp(db)/dao?charset=latin1&parseTime=false" {
		testContext.Fatalf("expected explicit params to be kept, got %q", kept)
	}
}
