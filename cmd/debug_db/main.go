package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/vitos/crypto_pcs_engine/internal/domain"
	"github.com/vitos/crypto_pcs_engine/internal/infrastructure/storage"
)

func main() {
	dbPath := flag.String("db", "pcs.db", "sqlite database path")
	id := flag.String("id", "", "show a single position, open or closed")
	flag.Parse()

	store, err := storage.NewSQLiteStore(*dbPath)
	if err != nil {
		fmt.Printf("Failed to init sqlite: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx := context.Background()
	var positions []*domain.Position
	if *id != "" {
		p, err := store.GetPosition(ctx, *id)
		if err != nil {
			fmt.Printf("Failed to get position %s: %v\n", *id, err)
			os.Exit(1)
		}
		positions = append(positions, p)
	} else {
		positions, err = store.ListOpenPositions(ctx)
		if err != nil {
			fmt.Printf("Failed to list positions: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Found %d open positions:\n", len(positions))
	}

	for _, p := range positions {
		fmt.Printf("- Position ID: %s, %s %s, Entry: %f, Remaining: %f/%f, Stage: %s, PnL: %f\n",
			p.ID, p.Symbol, p.Side, p.EntryPrice, p.RemainingSize, p.OriginalSize, p.CurrentStage, p.RealizedPnL)
		if p.Halted {
			fmt.Printf("  ⚠️ Halted: %s\n", p.HaltReason)
		}
		if err := p.CheckInvariant(); err != nil {
			fmt.Printf("  ❌ %v\n", err)
		}

		execs, err := store.ListExecutions(ctx, p.ID)
		if err != nil {
			fmt.Printf("  ❌ Failed to get executions: %v\n", err)
			continue
		}
		for _, e := range execs {
			fmt.Printf("  ✅ %s step %d: %s %f @ %f (pnl %f) %s\n",
				e.Stage, e.Step, e.Side, e.Quantity, e.Price, e.RealizedPnL, e.ExecutedAt.Format("2006-01-02 15:04:05"))
		}
		for _, s := range []domain.Stage{domain.StageOne, domain.StageTwo, domain.StageThree} {
			if r, ok := p.Stages[s]; ok && !r.Completed {
				fmt.Printf("  ⏳ %s in progress: %f of %f\n", s, r.Quantity, r.TargetQuantity)
			}
		}
	}
}
