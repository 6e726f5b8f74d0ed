package connectors

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/Amenzel91/catalyst-bot-sub000/src/broker"
	"github.com/Amenzel91/catalyst-bot-sub000/src/model"
)

// Compile-time interface check.
var _ broker.Broker = (*PaperConnector)(nil)

// FillMode controls when the paper broker executes marketable orders.
type FillMode int

const (
	// FillImmediately fills market orders at the last price on submission.
	FillImmediately FillMode = iota
	// FillManually leaves orders working until FillOrder is called.
	FillManually
)

type paperPosition struct {
	qty      decimal.Decimal // signed, negative is short
	avgPrice decimal.Decimal
	openedAt time.Time
}

// PaperConnector is an in-memory broker used for paper trading and tests.
// Bracket exits are OCO and activate once the entry fills; resting orders
// trigger from SetPrice.
type PaperConnector struct {
	mu        sync.Mutex
	logger    *logrus.Entry
	now       func() time.Time
	mode      FillMode
	connected bool

	cash      decimal.Decimal
	prices    map[string]decimal.Decimal
	positions map[string]*paperPosition
	orders    map[string]*model.Order // by broker id
	byClient  map[string]string       // client id -> broker id
	siblings  map[string]string       // OCO pairs
	legs      map[string][]string     // entry broker id -> leg broker ids
	failures  map[string][]error
}

func NewPaperConnector(startingCash decimal.Decimal, logger *logrus.Entry) *PaperConnector {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &PaperConnector{
		logger:    logger.WithField("connector", "paper"),
		now:       time.Now,
		cash:      startingCash,
		prices:    map[string]decimal.Decimal{},
		positions: map[string]*paperPosition{},
		orders:    map[string]*model.Order{},
		byClient:  map[string]string{},
		siblings:  map[string]string{},
		legs:      map[string][]string{},
		failures:  map[string][]error{},
	}
}

func (p *PaperConnector) Name() string {
	return "paper"
}

// SetFillMode switches between immediate and manual fills.
func (p *PaperConnector) SetFillMode(mode FillMode) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mode = mode
}

// FailNext makes the next call of op ("place_order", "get_order", ...) return err.
func (p *PaperConnector) FailNext(op string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[op] = append(p.failures[op], err)
}

func (p *PaperConnector) injected(op string) error {
	queue := p.failures[op]
	if len(queue) == 0 {
		return nil
	}
	p.failures[op] = queue[1:]
	return queue[0]
}

func (p *PaperConnector) Connect(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.injected("connect"); err != nil {
		return err
	}
	p.connected = true
	return nil
}

func (p *PaperConnector) Disconnect(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = false
	return nil
}

// -----------------------------
// MARKET SIMULATION
// -----------------------------

// SetPrice records the last trade for symbol and triggers resting orders.
func (p *PaperConnector) SetPrice(symbol string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[symbol] = price

	ids := make([]string, 0, len(p.orders))
	for id, o := range p.orders {
		if o.Symbol == symbol && o.Status == model.OrderStatusSubmitted {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		o := p.orders[id]
		if o.Status != model.OrderStatusSubmitted || !p.active(o) {
			continue
		}
		if fillPrice, ok := triggered(o, price); ok && (p.mode == FillImmediately || o.Role != model.OrderRoleEntry) {
			p.fill(o, fillPrice)
		}
	}
}

// FillOrder fills a working order at price, regardless of fill mode.
func (p *PaperConnector) FillOrder(brokerOrderID string, price decimal.Decimal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[brokerOrderID]
	if !ok {
		return &broker.OrderNotFoundError{OrderID: brokerOrderID}
	}
	if o.Status.IsTerminal() {
		return fmt.Errorf("order %s already %s", brokerOrderID, o.Status)
	}
	p.fill(o, price)
	return nil
}

// active reports whether a bracket leg's entry has filled.
func (p *PaperConnector) active(o *model.Order) bool {
	if o.ParentID == "" {
		return true
	}
	parent, ok := p.orders[o.ParentID]
	return ok && parent.Status == model.OrderStatusFilled
}

func triggered(o *model.Order, price decimal.Decimal) (decimal.Decimal, bool) {
	switch o.Type {
	case model.OrderTypeMarket:
		return price, true
	case model.OrderTypeLimit:
		if o.LimitPrice == nil {
			return price, true
		}
		if o.Side == model.OrderSideBuy && price.LessThanOrEqual(*o.LimitPrice) {
			return *o.LimitPrice, true
		}
		if o.Side == model.OrderSideSell && price.GreaterThanOrEqual(*o.LimitPrice) {
			return *o.LimitPrice, true
		}
	case model.OrderTypeStop, model.OrderTypeStopLimit:
		if o.StopPrice == nil {
			return price, true
		}
		if o.Side == model.OrderSideSell && price.LessThanOrEqual(*o.StopPrice) {
			return price, true
		}
		if o.Side == model.OrderSideBuy && price.GreaterThanOrEqual(*o.StopPrice) {
			return price, true
		}
	}
	return decimal.Zero, false
}

func (p *PaperConnector) fill(o *model.Order, price decimal.Decimal) {
	now := p.now()
	px := price
	o.Status = model.OrderStatusFilled
	o.FilledQuantity = o.Quantity
	o.AvgFillPrice = &px
	o.FilledAt = &now
	o.UpdatedAt = now

	signed := o.Quantity
	if o.Side == model.OrderSideSell {
		signed = signed.Neg()
	}
	p.cash = p.cash.Sub(signed.Mul(price))
	p.applyPosition(o.Symbol, signed, price, now)

	if sib, ok := p.siblings[o.BrokerOrderID]; ok {
		if other := p.orders[sib]; other != nil && !other.Status.IsTerminal() {
			p.cancel(other, "oco sibling filled")
		}
	}

	p.logger.WithFields(logrus.Fields{
		"symbol": o.Symbol,
		"side":   o.Side,
		"qty":    o.Quantity.String(),
		"price":  price.String(),
		"role":   o.Role,
	}).Debug("Paper order filled")
}

func (p *PaperConnector) applyPosition(symbol string, signed, price decimal.Decimal, at time.Time) {
	pos, ok := p.positions[symbol]
	if !ok {
		p.positions[symbol] = &paperPosition{qty: signed, avgPrice: price, openedAt: at}
		return
	}
	next := pos.qty.Add(signed)
	switch {
	case next.IsZero():
		delete(p.positions, symbol)
	case pos.qty.Sign() == signed.Sign():
		cost := pos.qty.Abs().Mul(pos.avgPrice).Add(signed.Abs().Mul(price))
		pos.avgPrice = cost.Div(next.Abs())
		pos.qty = next
	case pos.qty.Sign() != next.Sign():
		pos.qty = next
		pos.avgPrice = price
		pos.openedAt = at
	default:
		pos.qty = next
	}
}

func (p *PaperConnector) cancel(o *model.Order, reason string) {
	now := p.now()
	o.Status = model.OrderStatusCancelled
	o.CancelledAt = &now
	o.UpdatedAt = now
	o.Reason = reason
	for _, legID := range p.legs[o.BrokerOrderID] {
		if leg := p.orders[legID]; leg != nil && !leg.Status.IsTerminal() {
			p.cancel(leg, "parent cancelled")
		}
	}
}

// -----------------------------
// broker.Broker
// -----------------------------

func (p *PaperConnector) GetAccount(_ context.Context) (*model.Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.injected("get_account"); err != nil {
		return nil, err
	}

	equity := p.cash
	for symbol, pos := range p.positions {
		price, ok := p.prices[symbol]
		if !ok {
			price = pos.avgPrice
		}
		equity = equity.Add(pos.qty.Mul(price))
	}
	return &model.Account{
		Cash:           p.cash,
		BuyingPower:    p.cash,
		Equity:         equity,
		PortfolioValue: equity,
		LastEquity:     equity,
		Status:         model.AccountStatusActive,
	}, nil
}

func (p *PaperConnector) GetPositions(_ context.Context) ([]model.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.injected("get_positions"); err != nil {
		return nil, err
	}
	symbols := make([]string, 0, len(p.positions))
	for s := range p.positions {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	out := make([]model.Position, 0, len(symbols))
	for _, s := range symbols {
		out = append(out, p.positionView(s))
	}
	return out, nil
}

func (p *PaperConnector) GetPosition(_ context.Context, symbol string) (*model.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.injected("get_position"); err != nil {
		return nil, err
	}
	if _, ok := p.positions[symbol]; !ok {
		return nil, &broker.PositionNotFoundError{Symbol: symbol}
	}
	view := p.positionView(symbol)
	return &view, nil
}

func (p *PaperConnector) positionView(symbol string) model.Position {
	pos := p.positions[symbol]
	price, ok := p.prices[symbol]
	if !ok {
		price = pos.avgPrice
	}
	qty := pos.qty.Abs()
	side := model.PositionSideLong
	if pos.qty.IsNegative() {
		side = model.PositionSideShort
	}
	return model.Position{
		Symbol:         symbol,
		Side:           side,
		Quantity:       qty,
		EntryPrice:     pos.avgPrice,
		CurrentPrice:   price,
		CostBasis:      qty.Mul(pos.avgPrice),
		MarketValue:    qty.Mul(price),
		UnrealizedPnL:  price.Sub(pos.avgPrice).Mul(qty).Mul(side.Sign()),
		State:          model.PositionStateOpen,
		OpenedAt:       pos.openedAt,
		PriceUpdatedAt: p.now(),
	}
}

func (p *PaperConnector) PlaceOrder(_ context.Context, req broker.OrderRequest) (*model.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.injected("place_order"); err != nil {
		return nil, err
	}
	if id, ok := p.byClient[req.ClientOrderID]; ok && req.ClientOrderID != "" {
		return p.copyOf(id), nil
	}
	if err := p.validate(req.Symbol, req.Side, req.Quantity); err != nil {
		return nil, err
	}

	o := p.newOrder(req.ClientOrderID, req.Symbol, req.Side, req.Type, req.Quantity, req.TimeInForce)
	o.LimitPrice = req.LimitPrice
	o.StopPrice = req.StopPrice
	o.Role = model.OrderRoleEntry
	p.store(o)

	if p.mode == FillImmediately {
		if fillPrice, ok := triggered(o, p.prices[o.Symbol]); ok {
			p.fill(o, fillPrice)
		}
	}
	return p.copyOf(o.BrokerOrderID), nil
}

func (p *PaperConnector) PlaceBracketOrder(_ context.Context, req broker.BracketRequest) (*model.BracketOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.injected("place_bracket_order"); err != nil {
		return nil, err
	}
	if id, ok := p.byClient[req.ClientOrderID]; ok && req.ClientOrderID != "" {
		return p.bracketOf(id), nil
	}
	if err := p.validate(req.Symbol, req.Side, req.Quantity); err != nil {
		return nil, err
	}

	entryType := req.EntryType
	if entryType == "" {
		entryType = model.OrderTypeMarket
	}
	entry := p.newOrder(req.ClientOrderID, req.Symbol, req.Side, entryType, req.Quantity, req.TimeInForce)
	entry.LimitPrice = req.LimitPrice
	entry.Role = model.OrderRoleEntry
	p.store(entry)

	exitSide := req.Side.Opposite()
	target := req.TakeProfitPrice
	tp := p.newOrder(req.ClientOrderID+"-tp", req.Symbol, exitSide, model.OrderTypeLimit, req.Quantity, model.TimeInForceGTC)
	tp.LimitPrice = &target
	tp.Role = model.OrderRoleTakeProfit
	tp.ParentID = entry.BrokerOrderID
	p.store(tp)

	stop := req.StopLossPrice
	sl := p.newOrder(req.ClientOrderID+"-sl", req.Symbol, exitSide, model.OrderTypeStop, req.Quantity, model.TimeInForceGTC)
	sl.StopPrice = &stop
	sl.Role = model.OrderRoleStopLoss
	sl.ParentID = entry.BrokerOrderID
	p.store(sl)

	p.siblings[tp.BrokerOrderID] = sl.BrokerOrderID
	p.siblings[sl.BrokerOrderID] = tp.BrokerOrderID
	p.legs[entry.BrokerOrderID] = []string{tp.BrokerOrderID, sl.BrokerOrderID}

	if p.mode == FillImmediately {
		if fillPrice, ok := triggered(entry, p.prices[entry.Symbol]); ok {
			p.fill(entry, fillPrice)
		}
	}
	return p.bracketOf(entry.BrokerOrderID), nil
}

func (p *PaperConnector) validate(symbol string, side model.OrderSide, qty decimal.Decimal) error {
	if !qty.IsPositive() {
		return &broker.OrderRejectedError{Symbol: symbol, Reason: "quantity must be positive"}
	}
	price, ok := p.prices[symbol]
	if !ok || !price.IsPositive() {
		return &broker.OrderRejectedError{Symbol: symbol, Reason: "no market for symbol"}
	}
	if side == model.OrderSideBuy && qty.Mul(price).GreaterThan(p.cash) {
		if pos, ok := p.positions[symbol]; !ok || !pos.qty.IsNegative() {
			return &broker.InsufficientFundsError{Symbol: symbol, Reason: "order notional exceeds cash"}
		}
	}
	return nil
}

func (p *PaperConnector) newOrder(clientID, symbol string, side model.OrderSide, typ model.OrderType, qty decimal.Decimal, tif model.TimeInForce) *model.Order {
	now := p.now()
	if clientID == "" {
		clientID = uuid.NewString()
	}
	if tif == "" {
		tif = model.TimeInForceDay
	}
	return &model.Order{
		ID:            clientID,
		BrokerOrderID: "paper-" + uuid.NewString(),
		Symbol:        symbol,
		Side:          side,
		Type:          typ,
		TimeInForce:   tif,
		Quantity:      qty,
		Status:        model.OrderStatusSubmitted,
		SubmittedAt:   &now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func (p *PaperConnector) store(o *model.Order) {
	p.orders[o.BrokerOrderID] = o
	p.byClient[o.ID] = o.BrokerOrderID
}

func (p *PaperConnector) copyOf(brokerID string) *model.Order {
	o, ok := p.orders[brokerID]
	if !ok {
		return nil
	}
	cp := *o
	if cp.ParentID != "" {
		if parent, ok := p.orders[cp.ParentID]; ok {
			cp.ParentID = parent.ID
		}
	}
	return &cp
}

func (p *PaperConnector) bracketOf(entryBrokerID string) *model.BracketOrder {
	b := &model.BracketOrder{Entry: p.copyOf(entryBrokerID)}
	for _, legID := range p.legs[entryBrokerID] {
		leg := p.copyOf(legID)
		if leg.Role == model.OrderRoleTakeProfit {
			b.TakeProfit = leg
		} else {
			b.StopLoss = leg
		}
	}
	return b
}

func (p *PaperConnector) CancelOrder(_ context.Context, brokerOrderID string) (*model.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.injected("cancel_order"); err != nil {
		return nil, err
	}
	o, ok := p.orders[brokerOrderID]
	if !ok {
		return nil, &broker.OrderNotFoundError{OrderID: brokerOrderID}
	}
	if !o.Status.IsTerminal() {
		p.cancel(o, "cancelled by client")
	}
	return p.copyOf(brokerOrderID), nil
}

func (p *PaperConnector) GetOrder(_ context.Context, brokerOrderID string) (*model.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.injected("get_order"); err != nil {
		return nil, err
	}
	if _, ok := p.orders[brokerOrderID]; !ok {
		return nil, &broker.OrderNotFoundError{OrderID: brokerOrderID}
	}
	return p.copyOf(brokerOrderID), nil
}

func (p *PaperConnector) GetOrderByClientID(_ context.Context, clientOrderID string) (*model.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.injected("get_order_by_client_id"); err != nil {
		return nil, err
	}
	id, ok := p.byClient[clientOrderID]
	if !ok {
		return nil, &broker.OrderNotFoundError{OrderID: clientOrderID}
	}
	return p.copyOf(id), nil
}

func (p *PaperConnector) ListOrders(_ context.Context, filter broker.OrderFilter) ([]model.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.injected("list_orders"); err != nil {
		return nil, err
	}
	symbols := map[string]bool{}
	for _, s := range filter.Symbols {
		symbols[s] = true
	}

	out := make([]model.Order, 0, len(p.orders))
	for id, o := range p.orders {
		if len(symbols) > 0 && !symbols[o.Symbol] {
			continue
		}
		if !filter.After.IsZero() && o.CreatedAt.Before(filter.After) {
			continue
		}
		switch filter.Status {
		case broker.OrderFilterClosed:
			if !o.Status.IsTerminal() {
				continue
			}
		case broker.OrderFilterAll:
		default:
			if o.Status.IsTerminal() {
				continue
			}
		}
		out = append(out, *p.copyOf(id))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (p *PaperConnector) ClosePosition(_ context.Context, symbol string, qty *decimal.Decimal) (*model.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.injected("close_position"); err != nil {
		return nil, err
	}
	pos, ok := p.positions[symbol]
	if !ok {
		return nil, &broker.PositionNotFoundError{Symbol: symbol}
	}
	closeQty := pos.qty.Abs()
	if qty != nil && qty.IsPositive() && qty.LessThan(closeQty) {
		closeQty = *qty
	}
	side := model.OrderSideSell
	if pos.qty.IsNegative() {
		side = model.OrderSideBuy
	}

	o := p.newOrder("", symbol, side, model.OrderTypeMarket, closeQty, model.TimeInForceDay)
	o.Role = model.OrderRoleExit
	p.store(o)
	price, ok := p.prices[symbol]
	if !ok {
		price = pos.avgPrice
	}
	p.fill(o, price)
	return p.copyOf(o.BrokerOrderID), nil
}

// -----------------------------
// price feed
// -----------------------------

// LatestPrices returns the last SetPrice value for each known symbol.
func (p *PaperConnector) LatestPrices(_ context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.injected("latest_prices"); err != nil {
		return nil, err
	}
	out := make(map[string]decimal.Decimal, len(symbols))
	for _, s := range symbols {
		if price, ok := p.prices[s]; ok && price.IsPositive() {
			out[s] = price
		}
	}
	return out, nil
}

func (p *PaperConnector) LatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	prices, err := p.LatestPrices(ctx, []string{symbol})
	if err != nil {
		return decimal.Zero, err
	}
	price, ok := prices[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("%s: %w", symbol, ErrNoPrice)
	}
	return price, nil
}
