package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/vitos/crypto_pcs_engine/internal/config"
	"github.com/vitos/crypto_pcs_engine/internal/domain"
	"github.com/vitos/crypto_pcs_engine/internal/infrastructure/exchange"
	"github.com/vitos/crypto_pcs_engine/internal/infrastructure/logger"
	"github.com/vitos/crypto_pcs_engine/internal/usecase"
)

func main() {
	configPath := flag.String("config", "", "optional YAML config for channel and reversal settings")
	symbol := flag.String("symbol", "BTCUSDT", "symbol to analyze")
	interval := flag.String("interval", "15", "base candle interval")
	extra := flag.String("timeframes", "60,240", "comma-separated extra intervals")
	limit := flag.Int("limit", 100, "candles to fetch")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewDevelopmentLogger("warn")
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	adapter := exchange.NewBybitAdapter(cfg.Exchange.APIKey, cfg.Exchange.APISecret, cfg.Exchange.RESTEndpoint, cfg.Exchange.WSEndpoint, log)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	analyzer, err := usecase.NewChannelAnalyzer(cfg.Channel, log)
	if err != nil {
		fmt.Printf("Invalid channel config: %v\n", err)
		os.Exit(1)
	}
	detector, err := usecase.NewReversalDetector(cfg.Reversal, log)
	if err != nil {
		fmt.Printf("Invalid reversal config: %v\n", err)
		os.Exit(1)
	}

	// 1. Price
	price := 0.0
	if t, err := adapter.GetTicker(ctx, *symbol); err == nil {
		price = t.LastPrice
		fmt.Printf("%s last %.8g  bid %.8g  ask %.8g  24h [%.8g, %.8g]\n", *symbol, t.LastPrice, t.BestBid, t.BestAsk, t.Low24h, t.High24h)
	} else {
		fmt.Printf("Ticker unavailable: %v\n", err)
	}

	// 2. Base channel
	raw, err := adapter.GetCandles(ctx, *symbol, *interval, *limit)
	if err != nil {
		fmt.Printf("Failed to fetch candles: %v\n", err)
		os.Exit(1)
	}
	candles, forming := usecase.ClosedCandles(raw, *interval, time.Now())
	fmt.Printf("Fetched %d closed candles (%s)\n", len(candles), *interval)
	if forming != nil {
		fmt.Printf("Forming candle: open %.8g  high %.8g  low %.8g\n", forming.Open, forming.High, forming.Low)
	}

	ch, err := analyzer.Calculate(candles, price)
	if err != nil {
		fmt.Printf("Channel: %v\n", err)
		os.Exit(1)
	}
	if price == 0 {
		price = ch.Price
	}
	fmt.Printf("\n--------------------------------------------------\n")
	fmt.Printf("Channel (%d): upper %.8g  middle %.8g  lower %.8g\n", ch.Period, ch.Upper, ch.Middle, ch.Lower)
	fmt.Printf("Width %.3f%%  ATR %.8g  valid=%v  inside=%v\n", ch.Width*100, ch.ATR, ch.WidthValid, ch.PriceInside)

	// 3. Breakout
	ev, err := analyzer.DetectBreakout(candles, price)
	switch {
	case err != nil:
		fmt.Printf("Breakout: %v\n", err)
	case ev == nil:
		fmt.Println("Breakout: none")
	default:
		fmt.Printf("Breakout: %s %.3f%% severity=%s confidence=%.2f confirmed=%v volume_surge=%v\n",
			ev.Direction, ev.Percentage*100, ev.Severity, ev.Confidence, ev.Confirmed, ev.VolumeSurge)
	}

	// 4. Multi-timeframe
	windows := map[string][]domain.Candle{*interval: candles}
	for _, tf := range strings.Split(*extra, ",") {
		tf = strings.TrimSpace(tf)
		if tf == "" {
			continue
		}
		w, err := adapter.GetCandles(ctx, *symbol, tf, *limit)
		if err != nil {
			fmt.Printf("Timeframe %s unavailable: %v\n", tf, err)
			continue
		}
		windows[tf], _ = usecase.ClosedCandles(w, tf, time.Now())
	}
	mtf := analyzer.AnalyzeMultiTimeframe(windows, price)
	fmt.Printf("Multi-timeframe: %s direction=%s confidence=%.2f timeframes=%v actionable=%v\n",
		mtf.Signal, mtf.Direction, mtf.Confidence, mtf.Timeframes, mtf.Actionable())

	// 5. Reversal against both sides
	for _, side := range []domain.Side{domain.SideLong, domain.SideShort} {
		res, err := detector.Detect(candles, side)
		if err != nil {
			fmt.Printf("Reversal vs %s: %v\n", side, err)
			continue
		}
		if res.Best == nil {
			fmt.Printf("Reversal vs %s: none\n", side)
			continue
		}
		fmt.Printf("Reversal vs %s: %s strength=%.2f confidence=%.2f (%d patterns)\n",
			side, res.Best.Pattern, res.Best.Strength, res.Best.Confidence, len(res.Matches))
	}
}
