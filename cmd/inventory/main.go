package main

import (
	"context"
	"log"
	"os"

	"github.com/ariefcatur/order-fulfillment/internal/app"
	"github.com/ariefcatur/order-fulfillment/internal/broker"
	"github.com/ariefcatur/order-fulfillment/internal/config"
	"github.com/ariefcatur/order-fulfillment/internal/httpx"
	"github.com/ariefcatur/order-fulfillment/internal/inventory"
	"go.uber.org/zap"
)

func main() {
	ctx := context.Background()
	rt, err := app.New(ctx, config.RoleInventory)
	if err != nil {
		log.Fatalf("startup: %v", err)
	}
	if err := run(ctx, rt); err != nil {
		rt.Log.Error("inventory stopped", zap.Error(err))
		rt.Close()
		os.Exit(1)
	}
	rt.Close()
}

func run(ctx context.Context, rt *app.Runtime) error {
	cfg := rt.Config

	var store inventory.Store = inventory.NewMemoryStore()
	if !rt.InMemory() {
		db, err := rt.Postgres(ctx, inventory.Schema)
		if err != nil {
			return err
		}
		store = &inventory.PgStore{DB: db}
	}

	bus, err := rt.Bus()
	if err != nil {
		return err
	}
	ledger, err := inventory.NewLedger(store, bus, rt.Log,
		inventory.WithHold(cfg.ReservationHold),
		inventory.WithMetrics(rt.Metrics),
		inventory.WithService(cfg.ServiceName))
	if err != nil {
		return err
	}
	sweeper := inventory.NewSweeper(ledger, cfg.SweepInterval, cfg.SweepBatchSize, rt.Log)

	router := httpx.NewRouter(rt.Log, rt.Registry)
	(&httpx.InventoryHandler{Ledger: ledger, Log: rt.Log}).Register(router)

	return rt.Run(ctx,
		app.Component{Name: "http", Run: func(ctx context.Context) error { return rt.Serve(ctx, router) }},
		app.Component{Name: "sweeper", Run: sweeper.Run},
		app.Component{Name: "consumer", Run: func(ctx context.Context) error {
			return broker.Consume(ctx, bus, ledger.Subscriptions(), rt.Deduper(), cfg.Group(), rt.Log)
		}},
	)
}
