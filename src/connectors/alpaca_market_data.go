package connectors

import (
	"context"
	"strings"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/Amenzel91/catalyst-bot-sub000/src/broker"
)

type latestTradesAPI interface {
	GetLatestTrades(symbols []string, req marketdata.GetLatestTradeRequest) (map[string]marketdata.Trade, error)
}

// AlpacaMarketData serves last-trade prices for the position refresh sweep.
type AlpacaMarketData struct {
	api    latestTradesAPI
	feed   string
	guard  *broker.Guard
	cfg    broker.Config
	logger *logrus.Entry
}

func NewAlpacaMarketData(cfg Config, brokerCfg broker.Config, logger *logrus.Entry) *AlpacaMarketData {
	client := marketdata.NewClient(marketdata.ClientOpts{
		APIKey:    cfg.AlpacaAPIKey,
		APISecret: cfg.AlpacaAPISecret,
		BaseURL:   strings.TrimRight(cfg.AlpacaDataURL, "/"),
	})
	return newAlpacaMarketData(client, cfg.AlpacaDataFeed, brokerCfg, logger)
}

func newAlpacaMarketData(api latestTradesAPI, feed string, brokerCfg broker.Config, logger *logrus.Entry) *AlpacaMarketData {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	logger = logger.WithField("connector", "alpaca_market_data")
	return &AlpacaMarketData{
		api:    api,
		feed:   feed,
		guard:  broker.NewGuard("alpaca_market_data", brokerCfg, logger),
		cfg:    brokerCfg,
		logger: logger,
	}
}

// LatestPrices fetches last trades for all symbols in one request. Symbols
// without a positive price are left out of the result.
func (m *AlpacaMarketData) LatestPrices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(symbols))
	if len(symbols) == 0 {
		return out, nil
	}

	err := m.guard.Do(ctx, "latest_trades", m.cfg.QuoteTimeout, func(ctx context.Context) error {
		trades, err := broker.Call(ctx, func() (map[string]marketdata.Trade, error) {
			return m.api.GetLatestTrades(symbols, marketdata.GetLatestTradeRequest{Feed: m.feed})
		})
		if err != nil {
			return &broker.ConnectionError{Broker: "alpaca_market_data", Op: "latest_trades", Err: err}
		}
		for symbol, trade := range trades {
			price := decimal.NewFromFloat(trade.Price)
			if !price.IsPositive() {
				m.logger.WithField("symbol", symbol).Warn("Ignoring non-positive trade price")
				continue
			}
			out[symbol] = price
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// LatestPrice returns the last trade price for one symbol.
func (m *AlpacaMarketData) LatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	prices, err := m.LatestPrices(ctx, []string{symbol})
	if err != nil {
		return decimal.Zero, err
	}
	price, ok := prices[symbol]
	if !ok {
		return decimal.Zero, ErrNoPrice
	}
	return price, nil
}
