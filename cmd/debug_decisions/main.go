package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/vitos/crypto_pcs_engine/internal/config"
	"github.com/vitos/crypto_pcs_engine/internal/infrastructure/bus"
)

// Follows the decisions a running engine publishes to Redis.
func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := bus.New(ctx, cfg.Redis.Client)
	if err != nil {
		fmt.Printf("Failed to connect to redis at %s: %v\n", cfg.Redis.Client.Addr, err)
		os.Exit(1)
	}
	defer client.Close()

	pub := bus.NewDecisionPublisher(client, cfg.Redis.Publisher)
	exitCh, signalCh := pub.Channels()
	exits, err := pub.Subscribe(ctx, exitCh)
	if err != nil {
		fmt.Printf("❌ %v\n", err)
		os.Exit(1)
	}
	signals, err := pub.Subscribe(ctx, signalCh)
	if err != nil {
		fmt.Printf("❌ %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Listening on %s and %s\n", exitCh, signalCh)

	for exits != nil || signals != nil {
		select {
		case env, ok := <-exits:
			if !ok {
				exits = nil
				continue
			}
			if d := env.Exit; d != nil {
				fmt.Printf("[exit] %s %s %s %s qty %.8g @ %.8g (%s)\n",
					d.PositionID, d.Symbol, d.Stage, d.OrderType, d.Quantity, d.Price, d.Reason)
			}
		case env, ok := <-signals:
			if !ok {
				signals = nil
				continue
			}
			if s := env.Signal; s != nil {
				fmt.Printf("[signal] %s %s %s %s conf %.2f (%s)\n",
					s.Condition, s.Symbol, s.Side, s.Action, s.Confidence, s.Reason)
			}
		}
	}
}
