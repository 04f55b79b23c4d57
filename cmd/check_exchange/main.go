package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/vitos/crypto_pcs_engine/internal/config"
	"github.com/vitos/crypto_pcs_engine/internal/infrastructure/exchange"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	symbol := flag.String("symbol", "BTCUSDT", "symbol to query")
	flag.Parse()

	// 1. Load Config
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Testing Bybit Interaction...\n")
	fmt.Printf("Endpoint: %s\n", cfg.Exchange.RESTEndpoint)
	if len(cfg.Exchange.APIKey) >= 4 {
		fmt.Printf("API Key: %s...\n", cfg.Exchange.APIKey[:4])
	}

	adapter := exchange.NewBybitAdapter(cfg.Exchange.APIKey, cfg.Exchange.APISecret, cfg.Exchange.RESTEndpoint, cfg.Exchange.WSEndpoint, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	// 2. Ticker
	ticker, err := adapter.GetTicker(ctx, *symbol)
	if err != nil {
		fmt.Printf("❌ Failed to get ticker: %v\n", err)
	} else {
		fmt.Printf("✅ Ticker (%s): Last=%f Bid=%f Ask=%f Vol24h=%f\n",
			*symbol, ticker.LastPrice, ticker.BestBid, ticker.BestAsk, ticker.Volume24h)
	}

	// 3. Order book
	book, err := adapter.GetOrderBook(ctx, *symbol, "")
	if err != nil {
		fmt.Printf("❌ Failed to get order book: %v\n", err)
	} else if len(book.Bids) > 0 && len(book.Asks) > 0 {
		fmt.Printf("✅ Order book: %d bids, %d asks, spread %f\n",
			len(book.Bids), len(book.Asks), book.Asks[0].Price-book.Bids[0].Price)
	}

	// 4. Candles on every configured interval
	intervals := append([]string{cfg.Market.Interval}, cfg.Market.Timeframes...)
	for _, iv := range intervals {
		candles, err := adapter.GetCandles(ctx, *symbol, iv, 10)
		if err != nil {
			fmt.Printf("❌ Failed to get %s candles: %v\n", iv, err)
			continue
		}
		if len(candles) == 0 {
			fmt.Printf("⚠️ No %s candles\n", iv)
			continue
		}
		last := candles[len(candles)-1]
		fmt.Printf("✅ Candles %s: %d, last close %f at %s\n",
			iv, len(candles), last.Close, time.Unix(last.Time, 0).UTC().Format(time.RFC3339))
	}
}
