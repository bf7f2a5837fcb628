package db

import (
	"fmt"

	"github.com/zulandar/relance/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AllModels returns every GORM model Relance migrates, engine tables first.
func AllModels() []interface{} {
	return []interface{}{
		&models.Settings{},
		&models.FollowUp{},
		&models.SendRecord{},
		&models.PreDueFiring{},
		&models.Client{},
		&models.Company{},
		&models.Invoice{},
		&models.Quote{},
		&models.InboundMessage{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// DropAll drops every table AutoMigrate creates.
func DropAll(db *gorm.DB) error {
	all := AllModels()
	// Reverse order so dependents go first.
	for i := len(all) - 1; i >= 0; i-- {
		if err := db.Migrator().DropTable(all[i]); err != nil {
			return fmt.Errorf("db: drop %T: %w", all[i], err)
		}
	}
	return nil
}

// SeedSettings upserts organization settings rows. Callers validate the
// settings first.
func SeedSettings(db *gorm.DB, orgs []models.Settings) error {
	for i := range orgs {
		s := orgs[i]
		result := db.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "organization_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"initial_delay_days", "escalation_steps", "pre_due_trigger",
				"stop_on_client_response", "stop_on_invoice_paid", "stop_on_quote_refused",
				"templates", "updated_at",
			}),
		}).Create(&s)
		if result.Error != nil {
			return fmt.Errorf("db: seed settings %q: %w", s.OrganizationID, result.Error)
		}
	}
	return nil
}
