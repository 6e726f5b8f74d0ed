package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Amenzel91/catalyst-bot-sub000/src/broker"
	"github.com/Amenzel91/catalyst-bot-sub000/src/connectors"
	"github.com/Amenzel91/catalyst-bot-sub000/src/database"
	tradingengine "github.com/Amenzel91/catalyst-bot-sub000/src/engine"
	"github.com/Amenzel91/catalyst-bot-sub000/src/executor"
	"github.com/Amenzel91/catalyst-bot-sub000/src/model"
	"github.com/Amenzel91/catalyst-bot-sub000/src/notify"
	"github.com/Amenzel91/catalyst-bot-sub000/src/position"
	"github.com/Amenzel91/catalyst-bot-sub000/src/repository"
	"github.com/Amenzel91/catalyst-bot-sub000/src/risk"
	"github.com/Amenzel91/catalyst-bot-sub000/src/security"
	"github.com/Amenzel91/catalyst-bot-sub000/src/server"
	"github.com/Amenzel91/catalyst-bot-sub000/src/signals"
)

// Engine is the long-running trading process.
type Engine struct{}

func (t *Engine) Start() error {
	config := GetConfig()
	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	log := logrus.WithField("cmd", "engine")

	// Initialize main (read/write) database
	if err := database.InitMainDB(); err != nil {
		log.WithError(err).Error("Failed to connect to main database")
		return err
	}

	connCfg := connectors.GetConfig()
	brokerCfg := broker.GetConfig()
	b, prices, err := newBroker(connCfg, brokerCfg, log)
	if err != nil {
		return err
	}
	log.WithField("broker", b.Name()).Info("Starting trading engine")

	riskLimits := risk.GetConfig().Limits()
	gate := risk.NewGate(riskLimits, risk.NewCircuitBreaker(riskLimits, log), log)

	positions := position.NewManager(position.GetConfig(), repository.NewPositionRepository(), nil, log)
	exec, err := executor.NewExecutor(executor.GetConfig(), b, repository.NewOrderRepository(), positions, gate, log)
	if err != nil {
		return err
	}
	positions.SetExitSubmitter(exec)

	eng, err := tradingengine.New(tradingengine.GetConfig(), tradingengine.Deps{
		Broker:     b,
		Executor:   exec,
		Positions:  positions,
		Gate:       gate,
		Prices:     prices,
		Notifier:   newNotifier(log),
		Exceptions: repository.NewExceptionRepository(),
		Logger:     log,
	})
	if err != nil {
		return err
	}
	if err := eng.Start(ctx); err != nil {
		log.WithError(err).Error("Failed to start trading engine")
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := b.Disconnect(shutdownCtx); err != nil {
			log.WithError(err).Warn("Broker disconnect failed")
		}
	}()

	var incoming <-chan model.TradingSignal
	if sigCfg := signals.GetConfig(); sigCfg.Enabled() {
		sub := signals.NewSubscriber(sigCfg, log)
		defer func() { _ = sub.Close() }()
		incoming, err = sub.Subscribe(ctx)
		if err != nil {
			log.WithError(err).Error("Failed to subscribe to signals")
			return err
		}
	} else {
		log.Warn("REDIS_ADDR not set, signals only arrive through the operator API")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return eng.Run(gctx, incoming)
	})
	if config.ServeHTTP {
		router := server.NewRouter(eng, repository.NewOrderRepository(), security.GetConfig().OperatorToken)
		g.Go(func() error {
			return server.Run(gctx, server.GetConfig(), router)
		})
	}
	return g.Wait()
}

// newBroker returns the trading adapter and the price feed that goes with it.
func newBroker(cfg connectors.Config, brokerCfg broker.Config, log *logrus.Entry) (broker.Broker, tradingengine.PriceFeed, error) {
	switch cfg.Broker {
	case "alpaca":
		if cfg.AlpacaAPIKey == "" || cfg.AlpacaAPISecret == "" {
			return nil, nil, &broker.AuthenticationError{Broker: "alpaca", Err: errors.New("APCA_API_KEY_ID and APCA_API_SECRET_KEY are required")}
		}
		return connectors.NewAlpacaConnector(cfg, brokerCfg, log), connectors.NewAlpacaMarketData(cfg, brokerCfg, log), nil
	case "paper", "":
		paper := connectors.NewPaperConnector(decimal.NewFromFloat(cfg.PaperStartingCash), log)
		if cfg.AlpacaAPIKey == "" {
			log.Warn("Paper broker without market data, prices must be set by hand")
			return paper, paper, nil
		}
		return paper, &paperQuotes{source: connectors.NewAlpacaMarketData(cfg, brokerCfg, log), paper: paper}, nil
	default:
		return nil, nil, fmt.Errorf("unknown broker %q", cfg.Broker)
	}
}

// paperQuotes feeds live quotes into the paper broker so its fills and
// resting exits follow the market.
type paperQuotes struct {
	source tradingengine.PriceFeed
	paper  *connectors.PaperConnector
}

func (q *paperQuotes) LatestPrices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	prices, err := q.source.LatestPrices(ctx, symbols)
	if err != nil {
		return nil, err
	}
	for symbol, price := range prices {
		q.paper.SetPrice(symbol, price)
	}
	return prices, nil
}

func newNotifier(log *logrus.Entry) *notify.Notifier {
	cfg := notify.GetConfig()
	senders := []notify.Sender{notify.NewLogSender(log)}
	if cfg.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg))
	}
	return notify.NewNotifier(cfg.Timeout, log, senders...)
}
