package migrations

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// DataMigration tracks executed data migrations.
type DataMigration struct {
	ID        string    `gorm:"primaryKey;size:200;column:id"`
	AppliedAt time.Time `gorm:"not null;column:applied_at"`
}

func (DataMigration) TableName() string { return "data_migrations" }

// RunOnce runs fn only if migrationID was not executed before.
// It records the migration as executed only after fn succeeds.
func RunOnce(db *gorm.DB, migrationID string, fn func(*gorm.DB) error) error {
	if db == nil {
		return nil
	}
	if migrationID == "" {
		return fmt.Errorf("migration id is empty")
	}
	if fn == nil {
		return fmt.Errorf("migration %q has nil fn", migrationID)
	}

	if err := db.AutoMigrate(&DataMigration{}); err != nil {
		return fmt.Errorf("ensure data migrations table: %w", err)
	}

	return db.Transaction(func(tx *gorm.DB) error {
		var m DataMigration
		err := tx.First(&m, "id = ?", migrationID).Error
		if err == nil {
			// already applied
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("check migration %q: %w", migrationID, err)
		}

		if err := fn(tx); err != nil {
			return fmt.Errorf("run migration %q: %w", migrationID, err)
		}

		rec := DataMigration{
			ID:        migrationID,
			AppliedAt: time.Now().UTC(),
		}
		if err := tx.Create(&rec).Error; err != nil {
			return fmt.Errorf("record migration %q: %w", migrationID, err)
		}
		return nil
	})
}

// Run executes migrations that go beyond schema auto-migrations.
// Append new migrations at the bottom with a stable unique id.
func Run(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	if err := RunOnce(db, "00001_index_open_orders", indexOpenOrders); err != nil {
		return err
	}
	if err := RunOnce(db, "00002_backfill_order_roles", backfillOrderRoles); err != nil {
		return err
	}
	return nil
}

// indexOpenOrders speeds up the pending-order reconciliation scan, which only
// ever touches non-terminal rows.
func indexOpenOrders(tx *gorm.DB) error {
	return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_orders_open_created
		ON orders (created_at)
		WHERE status IN ('pending', 'submitted', 'partially_filled')`).Error
}

// backfillOrderRoles derives the role of rows written before the role column
// existed from their client id suffix.
func backfillOrderRoles(tx *gorm.DB) error {
	updates := []struct {
		role    string
		pattern string
	}{
		{"stop_loss", "%-sl"},
		{"take_profit", "%-tp"},
	}
	for _, u := range updates {
		if err := tx.Exec(`UPDATE orders SET role = ? WHERE id LIKE ? AND (role = '' OR role = 'entry')`,
			u.role, u.pattern).Error; err != nil {
			return err
		}
	}
	return tx.Exec(`UPDATE orders SET role = 'entry' WHERE role = '' OR role IS NULL`).Error
}
