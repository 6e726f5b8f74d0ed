package position

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/Amenzel91/catalyst-bot-sub000/src/executor"
	"github.com/Amenzel91/catalyst-bot-sub000/src/model"
	"github.com/Amenzel91/catalyst-bot-sub000/src/repository"
	"github.com/Amenzel91/catalyst-bot-sub000/src/tp_sl"
)

// Store persists the open book and the trade history.
type Store interface {
	Upsert(ctx context.Context, p *model.Position) error
	UpsertMany(ctx context.Context, positions []*model.Position) error
	FindAll(ctx context.Context) ([]model.Position, error)
	Close(ctx context.Context, positionID string, closed *model.ClosedPosition) error
	PartialClose(ctx context.Context, remaining *model.Position, closed *model.ClosedPosition) error
	ListClosed(ctx context.Context, f repository.ClosedPositionFilter) ([]model.ClosedPosition, error)
	RealizedPnLSince(ctx context.Context, since time.Time) (decimal.Decimal, error)
}

var _ Store = (*repository.PositionRepository)(nil)

// ExitSubmitter sends the orders that flatten positions.
type ExitSubmitter interface {
	SubmitExit(ctx context.Context, position *model.Position, reason model.CloseReason) (*model.Order, error)
	CancelOrder(ctx context.Context, orderID string) (*model.Order, error)
}

var _ ExitSubmitter = (*executor.Executor)(nil)

// ErrExitPending is returned by ClosePosition when the exit order was accepted
// but has not filled yet. The position stays closing until HandleExitFill.
var ErrExitPending = errors.New("exit order working, position closing")

// OpenOptions carries the exits and provenance of a new position.
type OpenOptions struct {
	// AllowAdd merges a same-side fill into an existing position.
	AllowAdd bool

	StopLossPrice   *decimal.Decimal
	TakeProfitPrice *decimal.Decimal
	TrailingStopPct *decimal.Decimal

	SignalID          string
	Strategy          string
	StopLossOrderID   string
	TakeProfitOrderID string
}

// OptionsFromOrder rebuilds OpenOptions from what the executor recorded on
// the entry order. Bracket leg ids are set when both exits are present.
func OptionsFromOrder(entry *model.Order) OpenOptions {
	opts := OpenOptions{
		StopLossPrice:   entry.MetaDecimal(model.MetaStopLossPrice),
		TakeProfitPrice: entry.MetaDecimal(model.MetaTakeProfitPrice),
		TrailingStopPct: entry.MetaDecimal(model.MetaTrailingStopPct),
		SignalID:        entry.SignalID,
		Strategy:        entry.Metadata[model.MetaStrategy],
	}
	if opts.StopLossPrice != nil && opts.TakeProfitPrice != nil {
		opts.StopLossOrderID = model.StopLossLegID(entry.ID)
		opts.TakeProfitOrderID = model.TakeProfitLegID(entry.ID)
	}
	return opts
}

// Manager owns the in-memory book of open positions and keeps the store in
// step with it. Mutations of one symbol are serialized.
type Manager struct {
	cfg    Config
	fee    decimal.Decimal
	store  Store
	exits  ExitSubmitter
	locks  *SymbolLocker
	logger *logrus.Entry
	now    func() time.Time
	newID  func() string

	mu        sync.RWMutex
	positions map[string]*model.Position
}

func NewManager(cfg Config, store Store, exits ExitSubmitter, logger *logrus.Entry) *Manager {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.CloseConcurrency <= 0 {
		cfg.CloseConcurrency = 4
	}
	return &Manager{
		cfg:       cfg,
		fee:       decimal.NewFromFloat(cfg.FeePerShare),
		store:     store,
		exits:     exits,
		locks:     NewSymbolLocker(),
		logger:    logger.WithField("component", "position_manager"),
		now:       time.Now,
		newID:     uuid.NewString,
		positions: map[string]*model.Position{},
	}
}

// SetExitSubmitter wires the exit path after construction, for callers that
// build the executor from this manager.
func (m *Manager) SetExitSubmitter(exits ExitSubmitter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exits = exits
}

// Load replaces the in-memory book with the stored open positions.
func (m *Manager) Load(ctx context.Context) error {
	stored, err := m.store.FindAll(ctx)
	if err != nil {
		return fmt.Errorf("load positions: %w", err)
	}
	book := make(map[string]*model.Position, len(stored))
	for i := range stored {
		p := stored[i]
		book[p.Symbol] = &p
	}

	m.mu.Lock()
	m.positions = book
	m.mu.Unlock()

	m.logger.WithField("positions", len(book)).Info("Loaded open positions")
	return nil
}

// Get returns a copy of the open position for symbol.
func (m *Manager) Get(symbol string) (*model.Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.positions[symbol]
	if !ok {
		return nil, false
	}
	cp := *p
	return &cp, true
}

// Positions returns copies of every open position ordered by symbol.
func (m *Manager) Positions() []model.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Symbols lists the symbols with an open position.
func (m *Manager) Symbols() []string {
	positions := m.Positions()
	out := make([]string, len(positions))
	for i, p := range positions {
		out[i] = p.Symbol
	}
	return out
}

// TotalExposure is the gross market value of the book.
func (m *Manager) TotalExposure() decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := decimal.Zero
	for _, p := range m.positions {
		total = total.Add(p.MarketValue.Abs())
	}
	return total
}

// UnrealizedPnL sums unrealized P&L over the book.
func (m *Manager) UnrealizedPnL() decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := decimal.Zero
	for _, p := range m.positions {
		total = total.Add(p.UnrealizedPnL)
	}
	return total
}

// OpenPosition records the position created by a filled entry order. Only
// orders with a confirmed fill are accepted: filled, or cancelled/expired
// after a partial fill.
func (m *Manager) OpenPosition(ctx context.Context, order *model.Order, opts OpenOptions) (*model.Position, error) {
	if order == nil || !order.HasFill() || !order.Status.IsTerminal() || order.AvgFillPrice == nil {
		return nil, ErrNotFilled
	}
	if order.Status == model.OrderStatusRejected {
		return nil, ErrNotFilled
	}

	unlock := m.locks.Lock(order.Symbol)
	defer unlock()

	log := m.logger.WithFields(logrus.Fields{
		"symbol":   order.Symbol,
		"order_id": order.ID,
	})
	side := model.PositionSideFor(order.Side)
	qty := order.FilledQuantity
	price := *order.AvgFillPrice
	now := m.now().UTC()

	existing, ok := m.Get(order.Symbol)
	var pos *model.Position
	switch {
	case ok && !opts.AllowAdd:
		return nil, fmt.Errorf("%w: %s", ErrPositionExists, order.Symbol)
	case ok && existing.Side != side:
		return nil, fmt.Errorf("%w: %s is %s", ErrSideMismatch, order.Symbol, existing.Side)
	case ok:
		pos = existing
		total := pos.Quantity.Add(qty)
		pos.EntryPrice = pos.Quantity.Mul(pos.EntryPrice).Add(qty.Mul(price)).Div(total)
		pos.Quantity = total
		pos.CostBasis = total.Mul(pos.EntryPrice)
		applyExits(pos, opts)
	default:
		openedAt := now
		if order.FilledAt != nil {
			openedAt = order.FilledAt.UTC()
		}
		pos = &model.Position{
			ID:                m.newID(),
			Symbol:            order.Symbol,
			Side:              side,
			Quantity:          qty,
			EntryPrice:        price,
			CostBasis:         qty.Mul(price),
			HighWaterMark:     price,
			State:             model.PositionStateOpen,
			OpenedAt:          openedAt,
			SignalID:          opts.SignalID,
			Strategy:          opts.Strategy,
			EntryOrderID:      order.ID,
			StopLossOrderID:   opts.StopLossOrderID,
			TakeProfitOrderID: opts.TakeProfitOrderID,
		}
		applyExits(pos, opts)
	}
	revalue(pos, price, now)

	if err := m.store.Upsert(ctx, pos); err != nil {
		return nil, fmt.Errorf("persist position: %w", err)
	}
	m.put(pos)

	log.WithFields(logrus.Fields{
		"side":  pos.Side,
		"qty":   pos.Quantity.String(),
		"entry": pos.EntryPrice.String(),
		"added": ok,
	}).Info("Position opened")
	cp := *pos
	return &cp, nil
}

func applyExits(p *model.Position, opts OpenOptions) {
	if opts.StopLossPrice != nil {
		p.StopLossPrice = opts.StopLossPrice
	}
	if opts.TakeProfitPrice != nil {
		p.TakeProfitPrice = opts.TakeProfitPrice
	}
	if opts.TrailingStopPct != nil {
		p.TrailingStopPct = opts.TrailingStopPct
	}
	if opts.StopLossOrderID != "" {
		p.StopLossOrderID = opts.StopLossOrderID
	}
	if opts.TakeProfitOrderID != "" {
		p.TakeProfitOrderID = opts.TakeProfitOrderID
	}
}

// revalue marks p to price.
func revalue(p *model.Position, price decimal.Decimal, at time.Time) {
	p.CurrentPrice = price
	p.MarketValue = p.Quantity.Mul(price)
	p.UnrealizedPnL = tp_sl.UnrealizedPnL(p.Side, p.EntryPrice, price, p.Quantity)
	p.UnrealizedPnLPct = tp_sl.PnLPct(p.UnrealizedPnL, p.CostBasis)
	p.PriceUpdatedAt = at
	p.Stale = false
}

func (m *Manager) put(p *model.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[p.Symbol] = p
}

func (m *Manager) remove(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.positions, symbol)
}

// UpdatePositionPrices marks the book to the given prices and ratchets
// trailing stops. Missing or non-positive prices leave a position untouched
// apart from the stale flag. It returns how many positions were repriced.
func (m *Manager) UpdatePositionPrices(ctx context.Context, prices map[string]decimal.Decimal) (int, error) {
	now := m.now().UTC()
	var (
		dirty    []*model.Position
		repriced int
	)

	for _, symbol := range m.Symbols() {
		unlock := m.locks.Lock(symbol)
		p, ok := m.Get(symbol)
		if !ok {
			unlock()
			continue
		}

		price, has := prices[symbol]
		if !has || !price.IsPositive() {
			if !p.Stale && m.cfg.StaleAfter > 0 && now.Sub(p.PriceUpdatedAt) > m.cfg.StaleAfter {
				p.Stale = true
				m.put(p)
				dirty = append(dirty, p)
				m.logger.WithField("symbol", symbol).Warn("Position price is stale")
			}
			unlock()
			continue
		}

		revalue(p, price, now)
		if p.TrailingStopPct != nil {
			stop, watermark, moved := tp_sl.ComputeNextTrailingStop(p.Side, p.StopLossPrice, p.HighWaterMark, price, *p.TrailingStopPct)
			p.HighWaterMark = watermark
			if moved {
				p.StopLossPrice = &stop
				m.logger.WithFields(logrus.Fields{
					"symbol": symbol,
					"stop":   stop.String(),
				}).Debug("Trailing stop moved")
			}
		}
		if p.State == model.PositionStateOpen {
			p.State = model.PositionStateMonitoring
		}
		m.put(p)
		dirty = append(dirty, p)
		repriced++
		unlock()
	}

	if err := m.store.UpsertMany(ctx, dirty); err != nil {
		return repriced, fmt.Errorf("persist prices: %w", err)
	}
	return repriced, nil
}

// CheckStopLosses returns positions whose price is at or through the stop.
func (m *Manager) CheckStopLosses() []model.Position {
	var out []model.Position
	for _, p := range m.Positions() {
		if p.StopLossPrice != nil && p.CurrentPrice.IsPositive() && tp_sl.StopLossHit(p.Side, p.CurrentPrice, *p.StopLossPrice) {
			out = append(out, p)
		}
	}
	return out
}

// CheckTakeProfits returns positions whose price is at or through the target.
func (m *Manager) CheckTakeProfits() []model.Position {
	var out []model.Position
	for _, p := range m.Positions() {
		if p.TakeProfitPrice != nil && p.CurrentPrice.IsPositive() && tp_sl.TakeProfitHit(p.Side, p.CurrentPrice, *p.TakeProfitPrice) {
			out = append(out, p)
		}
	}
	return out
}

// RealizedPnLSince sums realized P&L of trades closed since t.
func (m *Manager) RealizedPnLSince(ctx context.Context, t time.Time) (decimal.Decimal, error) {
	return m.store.RealizedPnLSince(ctx, t)
}
