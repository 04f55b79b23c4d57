package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/vitos/crypto_pcs_engine/internal/infrastructure/exchange"
)

// Prints the live top of book and trades for a few symbols until interrupted.
func main() {
	symbols := flag.String("symbols", "BTCUSDT", "comma-separated symbols")
	duration := flag.Duration("for", time.Minute, "how long to watch")
	flag.Parse()

	adapter := exchange.NewBybitAdapter("", "", exchange.BybitBaseURL, exchange.BybitWSURL, nil)
	defer adapter.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	list := strings.Split(*symbols, ",")
	for _, sym := range list {
		ob, err := adapter.GetOrderBook(ctx, sym, "linear")
		if err != nil {
			log.Fatalf("Error fetching order book for %s: %v", sym, err)
		}
		fmt.Printf("%s: %d Bids, %d Asks\n", sym, len(ob.Bids), len(ob.Asks))
		if len(ob.Bids) > 0 && len(ob.Asks) > 0 {
			fmt.Printf("Best Bid: %.4f (Size: %.4f) Best Ask: %.4f (Size: %.4f)\n",
				ob.Bids[0].Price, ob.Bids[0].Size, ob.Asks[0].Price, ob.Asks[0].Size)
		}
	}

	adapter.OnQuoteUpdate(func(symbol string, bid, ask float64) {
		fmt.Printf("[quote] %s bid=%.4f ask=%.4f\n", symbol, bid, ask)
	})
	adapter.OnTradeUpdate(func(symbol, side string, size, price float64) {
		fmt.Printf("[trade] %s %s %.4f @ %.4f\n", symbol, side, size, price)
	})
	if err := adapter.Subscribe(list); err != nil {
		log.Fatalf("Subscribe failed: %v", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}
}
