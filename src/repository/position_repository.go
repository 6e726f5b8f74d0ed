package repository

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Amenzel91/catalyst-bot-sub000/src/database"
	"github.com/Amenzel91/catalyst-bot-sub000/src/model"
)

// PositionRepository persists the open book and the closed trade history.
type PositionRepository struct {
	db *gorm.DB
}

func NewPositionRepository() *PositionRepository {
	logger.WithField("component", "PositionRepository").
		Debug("Creating new PositionRepository with MainDB")

	return &PositionRepository{
		db: database.MainDB,
	}
}

func (r *PositionRepository) WithDB(db *gorm.DB) *PositionRepository {
	return &PositionRepository{db: db}
}

// Upsert inserts the position or overwrites every column of the stored row.
func (r *PositionRepository) Upsert(ctx context.Context, p *model.Position) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).
		Create(p).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":   "PositionRepository",
			"op":     "Upsert",
			"symbol": p.Symbol,
		}).WithError(err).Error("Failed to upsert position")
		return err
	}
	return nil
}

// UpsertMany writes a batch of price updates in one transaction.
func (r *PositionRepository) UpsertMany(ctx context.Context, positions []*model.Position) error {
	if len(positions) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, p := range positions {
			if err := (&PositionRepository{db: tx}).Upsert(ctx, p); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *PositionRepository) FindAll(ctx context.Context) ([]model.Position, error) {
	var positions []model.Position
	if err := r.db.WithContext(ctx).Order("opened_at ASC").Find(&positions).Error; err != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "PositionRepository",
			"op":   "FindAll",
		}).WithError(err).Error("Failed to fetch positions")
		return nil, err
	}
	return positions, nil
}

// FindBySymbol returns (nil, nil) when no position is open for symbol.
func (r *PositionRepository) FindBySymbol(ctx context.Context, symbol string) (*model.Position, error) {
	var p model.Position
	err := r.db.WithContext(ctx).Where("symbol = ?", symbol).First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

// Close removes the open row and appends the closed record atomically.
func (r *PositionRepository) Close(ctx context.Context, positionID string, closed *model.ClosedPosition) error {
	logger.WithFields(map[string]interface{}{
		"repo":   "PositionRepository",
		"op":     "Close",
		"symbol": closed.Symbol,
		"reason": closed.Reason,
	}).Debug("Closing position")

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", positionID).Delete(&model.Position{}).Error; err != nil {
			logger.WithError(err).Error("Failed to delete open position inside transaction")
			return err
		}
		if err := tx.Create(closed).Error; err != nil {
			logger.WithError(err).Error("Failed to record closed position inside transaction")
			return err
		}
		return nil
	})
}

// PartialClose stores the remaining open quantity and appends the closed
// record for the part that was sold, in one transaction.
func (r *PositionRepository) PartialClose(ctx context.Context, remaining *model.Position, closed *model.ClosedPosition) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := (&PositionRepository{db: tx}).Upsert(ctx, remaining); err != nil {
			return err
		}
		if err := tx.Create(closed).Error; err != nil {
			logger.WithFields(map[string]interface{}{
				"repo":   "PositionRepository",
				"op":     "PartialClose",
				"symbol": closed.Symbol,
			}).WithError(err).Error("Failed to record partial close")
			return err
		}
		return nil
	})
}

// ClosedPositionFilter narrows ListClosed. Zero values are not filtered on.
type ClosedPositionFilter struct {
	Symbol   string
	Strategy string
	Reason   model.CloseReason
	Since    time.Time
	Until    time.Time
	Limit    int
}

// ListClosed returns closed trades, most recent first.
func (r *PositionRepository) ListClosed(ctx context.Context, f ClosedPositionFilter) ([]model.ClosedPosition, error) {
	query := r.db.WithContext(ctx).Model(&model.ClosedPosition{})
	if f.Symbol != "" {
		query = query.Where("symbol = ?", f.Symbol)
	}
	if f.Strategy != "" {
		query = query.Where("strategy = ?", f.Strategy)
	}
	if f.Reason != "" {
		query = query.Where("reason = ?", f.Reason)
	}
	if !f.Since.IsZero() {
		query = query.Where("closed_at >= ?", f.Since)
	}
	if !f.Until.IsZero() {
		query = query.Where("closed_at < ?", f.Until)
	}
	query = query.Order("closed_at DESC")
	if f.Limit > 0 {
		query = query.Limit(f.Limit)
	}

	var closed []model.ClosedPosition
	if err := query.Find(&closed).Error; err != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "PositionRepository",
			"op":   "ListClosed",
		}).WithError(err).Error("Failed to list closed positions")
		return nil, err
	}
	return closed, nil
}

// RealizedPnLSince sums realized P&L of trades closed at or after since.
func (r *PositionRepository) RealizedPnLSince(ctx context.Context, since time.Time) (decimal.Decimal, error) {
	closed, err := r.ListClosed(ctx, ClosedPositionFilter{Since: since})
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, c := range closed {
		total = total.Add(c.RealizedPnL)
	}
	return total, nil
}
