package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vitos/crypto_pcs_engine/internal/config"
	"github.com/vitos/crypto_pcs_engine/internal/domain"
	"github.com/vitos/crypto_pcs_engine/internal/infrastructure/bus"
	"github.com/vitos/crypto_pcs_engine/internal/infrastructure/exchange"
	"github.com/vitos/crypto_pcs_engine/internal/infrastructure/logger"
	"github.com/vitos/crypto_pcs_engine/internal/infrastructure/storage"
	"github.com/vitos/crypto_pcs_engine/internal/usecase"
	"github.com/vitos/crypto_pcs_engine/internal/web"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML config")
	flag.Parse()

	// 1. Load Config
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("Invalid config: %v\n", err)
		os.Exit(1)
	}

	// 2. Init Logger
	var log *zap.Logger
	if cfg.Logging.File != "" {
		log, err = logger.NewFileLogger(cfg.Logging.File, cfg.Logging.Level)
	} else {
		log, err = logger.NewLogger(cfg.Logging.Level)
	}
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Init Storage
	store, err := storage.NewSQLiteStore(cfg.Storage.Path)
	if err != nil {
		log.Fatal("Failed to init sqlite", zap.Error(err))
	}
	defer store.Close()

	// 4. Init Exchange (Bybit)
	bybit := exchange.NewBybitAdapter(cfg.Exchange.APIKey, cfg.Exchange.APISecret, cfg.Exchange.RESTEndpoint, cfg.Exchange.WSEndpoint, log.Named("bybit"))
	defer bybit.Close()

	var svc *usecase.TradingService
	var execAdapter domain.ExecutionAdapter = bybit
	if cfg.Engine.DryRun {
		log.Warn("Dry run: orders are filled locally")
		execAdapter = exchange.NewPaperAdapter(func(symbol string) float64 {
			return svc.GetLatestPrice(symbol)
		}, log.Named("paper"))
	}

	// 5. Decision stream
	local := usecase.NewChannelSink(0)
	decisions := usecase.NewDecisionLog(200)
	go decisions.Run(ctx, local)
	sink := usecase.MultiSink{local}
	if cfg.Redis.Enabled {
		client, err := bus.New(ctx, cfg.Redis.Client)
		if err != nil {
			log.Fatal("Failed to connect to redis", zap.Error(err))
		}
		defer client.Close()
		sink = append(sink, bus.NewDecisionPublisher(client, cfg.Redis.Publisher))
	}

	// 6. Init Services
	svc, err = buildTradingService(cfg, execAdapter, store, sink, log)
	if err != nil {
		log.Fatal("Failed to init trading service", zap.Error(err))
	}
	if _, err := svc.LoadPositions(ctx); err != nil {
		log.Error("Failed to resume positions", zap.Error(err))
	}

	market, err := usecase.NewMarketService(bybit, cfg.Market, log.Named("market"))
	if err != nil {
		log.Fatal("Failed to init market service", zap.Error(err))
	}
	if err := market.Track(ctx, cfg.Symbols); err != nil {
		log.Fatal("Failed to subscribe to market data", zap.Error(err))
	}

	// 7. Snapshot Loop
	go func() {
		ticker := time.NewTicker(cfg.Engine.SnapshotInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				snaps := market.Snapshots(ctx, cfg.Symbols)
				if err := svc.ProcessSnapshots(ctx, snaps); err != nil && ctx.Err() == nil {
					log.Error("Snapshot processing failed", zap.Error(err))
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	// 8. Init Web Server
	server := web.NewServer(cfg.Server.Port, svc, svc.Risk(), store, log.Named("web"))
	server.SetDecisionFeed(decisions)
	go func() {
		if err := server.Start(); err != nil {
			log.Fatal("Server failed", zap.Error(err))
		}
	}()

	// 9. Wait for Shutdown
	<-ctx.Done()

	log.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server shutdown failed", zap.Error(err))
	}
}

func buildTradingService(
	cfg *config.Config,
	adapter domain.ExecutionAdapter,
	store *storage.SQLiteStore,
	sink domain.DecisionSink,
	log *zap.Logger,
) (*usecase.TradingService, error) {
	risk, err := usecase.NewRiskManager(cfg.Risk, log.Named("risk"))
	if err != nil {
		return nil, err
	}
	channel, err := usecase.NewChannelAnalyzer(cfg.Channel, log.Named("channel"))
	if err != nil {
		return nil, err
	}
	reversal, err := usecase.NewReversalDetector(cfg.Reversal, log.Named("reversal"))
	if err != nil {
		return nil, err
	}
	engine, err := usecase.NewPCSEngine(cfg.PCS, channel, reversal, risk, log.Named("pcs"))
	if err != nil {
		return nil, err
	}

	book := usecase.NewPositionBook()
	executor := usecase.NewTradeExecutor(adapter, cfg.Engine.ExecutionTimeout, log.Named("executor"))
	svc, err := usecase.NewTradingService(cfg.Trading, book, engine, risk, executor, store, store, sink, log.Named("trading"))
	if err != nil {
		return nil, err
	}

	conds := cfg.Conditions
	condLog := log.Named("conditions")
	if conds.TrailingChannel != nil {
		svc.AddExitCondition(usecase.NewTrailingChannelCondition(*conds.TrailingChannel, engine, channel, book, condLog))
	}
	if conds.Breakeven != nil {
		svc.AddExitCondition(usecase.NewBreakevenCondition(*conds.Breakeven, engine, book, condLog))
	}
	if conds.HardStop != nil {
		svc.AddExitCondition(usecase.NewHardStopCondition(*conds.HardStop, engine, book, condLog))
	}
	if conds.TickExit != nil {
		c, err := usecase.NewTickExitCondition(*conds.TickExit, engine, book, condLog)
		if err != nil {
			return nil, err
		}
		svc.AddExitCondition(c)
	}

	var entries []usecase.Condition
	if conds.MACross != nil {
		c, err := usecase.NewMACrossCondition(*conds.MACross, condLog)
		if err != nil {
			return nil, err
		}
		entries = append(entries, c)
	}
	if conds.ChannelBreakout != nil {
		entries = append(entries, usecase.NewChannelBreakoutCondition(*conds.ChannelBreakout, channel, condLog))
	}
	if conds.OrderbookTick != nil {
		c, err := usecase.NewOrderbookTickCondition(*conds.OrderbookTick, condLog)
		if err != nil {
			return nil, err
		}
		entries = append(entries, c)
	}
	if conds.TickPattern != nil {
		c, err := usecase.NewTickPatternCondition(*conds.TickPattern, condLog)
		if err != nil {
			return nil, err
		}
		entries = append(entries, c)
	}
	if conds.CandleState != nil {
		entries = append(entries, usecase.NewCandleStateCondition(*conds.CandleState, condLog))
	}
	if len(entries) > 0 {
		set, err := usecase.NewConditionSet(conds.EntryMode, risk, condLog, entries...)
		if err != nil {
			return nil, err
		}
		svc.SetEntryConditions(set)
	}
	return svc, nil
}
