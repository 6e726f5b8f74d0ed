package repository

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/Amenzel91/catalyst-bot-sub000/src/database"
	"github.com/Amenzel91/catalyst-bot-sub000/src/model"
)

// OrderRepository handles read/write operations for orders and their status logs.
type OrderRepository struct {
	db *gorm.DB
}

// NewOrderRepository creates a new repository instance using the main read/write database.
func NewOrderRepository() *OrderRepository {
	logger.WithField("component", "OrderRepository").
		Debug("Creating new OrderRepository with MainDB")

	return &OrderRepository{
		db: database.MainDB,
	}
}

// WithDB allows overriding the underlying *gorm.DB instance.
// Useful for tests or when using a specific session/transaction.
func (r *OrderRepository) WithDB(db *gorm.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

// OrderSearchOptions narrows Search. Nil fields are not filtered on.
type OrderSearchOptions struct {
	Symbol        *string
	Status        *model.OrderStatus
	SignalID      *string
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Limit         int
	Offset        int
}

// ---------------------------------------------------
// Reads
// ---------------------------------------------------

// FindByID fetches a single order by its system id.
// Returns (nil, nil) if the order is not found.
func (r *OrderRepository) FindByID(ctx context.Context, id string) (*model.Order, error) {
	var order model.Order

	err := r.db.WithContext(ctx).
		Preload("Logs").
		First(&order, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			logger.WithFields(map[string]interface{}{
				"repo": "OrderRepository",
				"op":   "FindByID",
				"id":   id,
			}).Debug("Order not found")
			return nil, nil
		}

		logger.WithFields(map[string]interface{}{
			"repo": "OrderRepository",
			"op":   "FindByID",
			"id":   id,
		}).WithError(err).Error("Failed to fetch order by ID")
		return nil, err
	}

	return &order, nil
}

// FindBySignalID returns the most recent order with the given role created
// for a signal. Returns (nil, nil) if there is none.
func (r *OrderRepository) FindBySignalID(
	ctx context.Context,
	signalID string,
	role model.OrderRole,
) (*model.Order, error) {

	var order model.Order

	err := r.db.WithContext(ctx).
		Where("signal_id = ? AND role = ?", signalID, role).
		Order("created_at DESC").
		First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}

		logger.WithFields(map[string]interface{}{
			"repo":      "OrderRepository",
			"op":        "FindBySignalID",
			"signal_id": signalID,
		}).WithError(err).Error("Failed to fetch order by signal ID")
		return nil, err
	}

	return &order, nil
}

// FindOpenEntry returns the oldest non-terminal entry order for symbol.
// Returns (nil, nil) if there is none.
func (r *OrderRepository) FindOpenEntry(ctx context.Context, symbol string) (*model.Order, error) {
	var order model.Order

	err := r.db.WithContext(ctx).
		Where("symbol = ? AND role = ? AND status IN ?", symbol, model.OrderRoleEntry, model.OpenOrderStatuses).
		Order("created_at ASC").
		First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}

		logger.WithFields(map[string]interface{}{
			"repo":   "OrderRepository",
			"op":     "FindOpenEntry",
			"symbol": symbol,
		}).WithError(err).Error("Failed to fetch open entry order")
		return nil, err
	}

	return &order, nil
}

// FindByParentID returns the bracket legs hanging off an entry order.
func (r *OrderRepository) FindByParentID(ctx context.Context, parentID string) ([]model.Order, error) {
	var orders []model.Order

	err := r.db.WithContext(ctx).
		Where("parent_id = ?", parentID).
		Order("created_at ASC, id ASC").
		Find(&orders).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":      "OrderRepository",
			"op":        "FindByParentID",
			"parent_id": parentID,
		}).WithError(err).Error("Failed to fetch bracket legs")
		return nil, err
	}

	return orders, nil
}

// FindOpen returns every non-terminal order, oldest first.
func (r *OrderRepository) FindOpen(ctx context.Context) ([]model.Order, error) {
	var orders []model.Order

	err := r.db.WithContext(ctx).
		Where("status IN ?", model.OpenOrderStatuses).
		Order("created_at ASC, id ASC").
		Find(&orders).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "OrderRepository",
			"op":   "FindOpen",
		}).WithError(err).Error("Failed to fetch open orders")
		return nil, err
	}

	logger.WithFields(map[string]interface{}{
		"repo":        "OrderRepository",
		"op":          "FindOpen",
		"rows_return": len(orders),
	}).Debug("Open orders fetched")

	return orders, nil
}

// Search returns orders matching options, newest first.
func (r *OrderRepository) Search(ctx context.Context, options OrderSearchOptions) ([]model.Order, error) {
	query := r.db.WithContext(ctx).Model(&model.Order{})

	if options.Symbol != nil {
		query = query.Where("symbol = ?", *options.Symbol)
	}
	if options.Status != nil {
		query = query.Where("status = ?", *options.Status)
	}
	if options.SignalID != nil {
		query = query.Where("signal_id = ?", *options.SignalID)
	}
	if options.CreatedAfter != nil {
		query = query.Where("created_at >= ?", *options.CreatedAfter)
	}
	if options.CreatedBefore != nil {
		query = query.Where("created_at <= ?", *options.CreatedBefore)
	}

	query = query.Order("created_at DESC, id DESC")
	if options.Limit > 0 {
		query = query.Limit(options.Limit)
	}
	if options.Offset > 0 {
		query = query.Offset(options.Offset)
	}

	var orders []model.Order
	if err := query.Find(&orders).Error; err != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "OrderRepository",
			"op":   "Search",
		}).WithError(err).Error("Failed to search orders")
		return nil, err
	}

	return orders, nil
}

// StatusCount is one row of CountByStatus.
type StatusCount struct {
	Status model.OrderStatus
	Count  int64
}

// CountByStatus groups orders created at or after since by status. A zero
// since counts everything.
func (r *OrderRepository) CountByStatus(ctx context.Context, since time.Time) (map[model.OrderStatus]int64, error) {
	query := r.db.WithContext(ctx).
		Model(&model.Order{}).
		Select("status, COUNT(*) AS count").
		Where("role = ?", model.OrderRoleEntry)
	if !since.IsZero() {
		query = query.Where("created_at >= ?", since)
	}

	var rows []StatusCount
	if err := query.Group("status").Scan(&rows).Error; err != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "OrderRepository",
			"op":   "CountByStatus",
		}).WithError(err).Error("Failed to count orders by status")
		return nil, err
	}

	out := make(map[model.OrderStatus]int64, len(rows))
	for _, row := range rows {
		out[row.Status] = row.Count
	}
	return out, nil
}

// FindFilledEntries returns entry orders with a fill, for slippage stats.
func (r *OrderRepository) FindFilledEntries(ctx context.Context, since time.Time) ([]model.Order, error) {
	query := r.db.WithContext(ctx).
		Where("role = ? AND filled_quantity > 0 AND avg_fill_price IS NOT NULL", model.OrderRoleEntry)
	if !since.IsZero() {
		query = query.Where("created_at >= ?", since)
	}

	var orders []model.Order
	if err := query.Find(&orders).Error; err != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "OrderRepository",
			"op":   "FindFilledEntries",
		}).WithError(err).Error("Failed to fetch filled entries")
		return nil, err
	}
	return orders, nil
}

// ---------------------------------------------------
// Transaction helpers
// ---------------------------------------------------

// CreateWithAutoLog inserts the orders and their initial status logs in one
// transaction. Bracket legs are created together with their entry.
func (r *OrderRepository) CreateWithAutoLog(ctx context.Context, orders ...*model.Order) error {
	if len(orders) == 0 {
		return nil
	}

	logger.WithFields(map[string]interface{}{
		"repo":     "OrderRepository",
		"op":       "CreateWithAutoLog",
		"order_id": orders[0].ID,
		"symbol":   orders[0].Symbol,
		"legs":     len(orders),
	}).Debug("Creating orders with automatic status log")

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		for _, order := range orders {
			if order.Status == "" {
				order.Status = model.OrderStatusPending
			}
			if err := tx.Omit("Logs").Create(order).Error; err != nil {
				logger.WithError(err).WithField("order_id", order.ID).
					Error("Failed to create order inside transaction")
				return err
			}
			if err := tx.Create(model.NewOrderLog(order, "", now)).Error; err != nil {
				logger.WithError(err).Error("Failed to create auto status log")
				return err
			}
		}
		return nil
	})
}

// ApplyUpdate moves an order to the broker-reported state. Terminal orders
// are never modified: the UPDATE itself carries a non-terminal predicate, so a
// concurrent writer that finalized the row first wins. Updates that would move
// the order backwards are ignored.
//
// It returns the stored order after the call and whether anything changed.
// Returns (nil, false, nil) when the order does not exist.
func (r *OrderRepository) ApplyUpdate(
	ctx context.Context,
	id string,
	upd model.OrderUpdate,
) (*model.Order, bool, error) {

	var (
		result  model.Order
		changed bool
	)

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&result, "id = ?", id).Error; err != nil {
			return err
		}

		from := result.Status
		if from.IsTerminal() {
			return nil
		}

		next := upd.Status
		if next == "" {
			next = from
		}
		if next != from && !from.CanTransition(next) {
			logger.WithFields(map[string]interface{}{
				"repo":     "OrderRepository",
				"op":       "ApplyUpdate",
				"order_id": id,
				"from":     from,
				"to":       next,
			}).Debug("Ignoring out-of-order status update")
			return nil
		}

		fields := map[string]interface{}{}
		if next != from {
			fields["status"] = next
			result.Status = next
		}
		if upd.BrokerOrderID != "" && upd.BrokerOrderID != result.BrokerOrderID {
			fields["broker_order_id"] = upd.BrokerOrderID
			result.BrokerOrderID = upd.BrokerOrderID
		}
		if upd.FilledQuantity.GreaterThan(result.FilledQuantity) {
			fields["filled_quantity"] = upd.FilledQuantity
			result.FilledQuantity = upd.FilledQuantity
		}
		if upd.AvgFillPrice != nil && (result.AvgFillPrice == nil || !upd.AvgFillPrice.Equal(*result.AvgFillPrice)) {
			fields["avg_fill_price"] = *upd.AvgFillPrice
			result.AvgFillPrice = upd.AvgFillPrice
		}
		if upd.Reason != "" && upd.Reason != result.Reason {
			fields["reason"] = upd.Reason
			result.Reason = upd.Reason
		}
		if upd.SubmittedAt != nil && result.SubmittedAt == nil {
			fields["submitted_at"] = *upd.SubmittedAt
			result.SubmittedAt = upd.SubmittedAt
		}
		if upd.FilledAt != nil && result.FilledAt == nil {
			fields["filled_at"] = *upd.FilledAt
			result.FilledAt = upd.FilledAt
		}
		if upd.CancelledAt != nil && result.CancelledAt == nil {
			fields["cancelled_at"] = *upd.CancelledAt
			result.CancelledAt = upd.CancelledAt
		}
		if len(fields) == 0 {
			return nil
		}

		now := time.Now().UTC()
		fields["updated_at"] = now

		res := tx.Model(&model.Order{}).
			Where("id = ? AND status NOT IN ?", id, model.TerminalOrderStatuses).
			Updates(fields)
		if res.Error != nil {
			logger.WithError(res.Error).WithField("order_id", id).
				Error("Failed to update order inside transaction")
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		changed = true
		result.UpdatedAt = now

		if result.Status != from {
			if err := tx.Create(model.NewOrderLog(&result, from, now)).Error; err != nil {
				logger.WithError(err).Error("Failed to create auto status log on update")
				return err
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}

	if changed {
		logger.WithFields(map[string]interface{}{
			"repo":     "OrderRepository",
			"op":       "ApplyUpdate",
			"order_id": id,
			"status":   result.Status,
			"filled":   result.FilledQuantity.String(),
		}).Info("Order updated")
	}

	return &result, changed, nil
}

// MarkRejected finalizes an order that never reached the broker.
func (r *OrderRepository) MarkRejected(ctx context.Context, id, reason string) (*model.Order, error) {
	order, _, err := r.ApplyUpdate(ctx, id, model.OrderUpdate{
		Status:         model.OrderStatusRejected,
		FilledQuantity: decimal.Zero,
		Reason:         reason,
	})
	return order, err
}
