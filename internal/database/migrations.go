package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/dao-ledger/internal/proposals"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillDeadlines    = "2026-10-01_backfill_proposal_deadlines"
	migrationClampNegativeTallies = "2026-10-08_clamp_negative_tallies"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type ledgerMigration struct {
	name  string
	apply func(*gorm.DB) error
}

// ledgerMigrations run in order, each once, each in its own transaction together with its ledger row.
var ledgerMigrations = []ledgerMigration{
	{name: migrationBackfillDeadlines, apply: backfillProposalDeadlines},
	{name: migrationClampNegativeTallies, apply: clampNegativeTallies},
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, migration := range ledgerMigrations {
		applied, err := migrationApplied(db, migration.name)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: time.Now().UTC().Unix()}).Error
		})
		if err != nil {
			logger.Error("database migration failed", zap.String("migration", migration.name), zap.Error(err))
			return err
		}
		logger.Info("database migration applied", zap.String("migration", migration.name))
	}
	return nil
}

func migrationApplied(db *gorm.DB, name string) (bool, error) {
	var record migrationRecord
	err := db.Where("name = ?", name).Take(&record).Error
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return false, nil
	default:
		return false, err
	}
}

// backfillProposalDeadlines persists createdAt + DefaultDeadlineOffset for rows written without a deadline.
func backfillProposalDeadlines(db *gorm.DB) error {
	offsetSeconds := int64(proposals.DefaultDeadlineOffset / time.Second)
	return db.Model(&proposals.ProposalRecord{}).
		Where("deadline_s IS NULL OR deadline_s <= 0").
		Update("deadline_s", gorm.Expr("created_at_s + ?", offsetSeconds)).
		Error
}

func clampNegativeTallies(db *gorm.DB) error {
	for _, column := range []string{"votes_for", "votes_against", "votes_abstain"} {
		err := db.Model(&proposals.ProposalRecord{}).
			Where(column+" < 0").
			Update(column, 0).
			Error
		if err != nil {
			return err
		}
	}
	return nil
}
