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
	"github.com/ariefcatur/order-fulfillment/internal/orders"
	"github.com/ariefcatur/order-fulfillment/internal/redisx"
	"go.uber.org/zap"
)

func main() {
	ctx := context.Background()
	rt, err := app.New(ctx, config.RoleOrders)
	if err != nil {
		log.Fatalf("startup: %v", err)
	}
	if err := run(ctx, rt); err != nil {
		rt.Log.Error("order api stopped", zap.Error(err))
		rt.Close()
		os.Exit(1)
	}
	rt.Close()
}

func run(ctx context.Context, rt *app.Runtime) error {
	cfg := rt.Config

	var repo orders.Repository = orders.NewMemoryRepository()
	var idem httpx.IdempotencyStore
	if !rt.InMemory() {
		db, err := rt.Postgres(ctx, orders.Schema)
		if err != nil {
			return err
		}
		repo = &orders.PgRepository{DB: db}
		idem = redisx.NewIdempotency(rt.Redis())
	}

	bus, err := rt.Bus()
	if err != nil {
		return err
	}
	stock := inventory.NewClient(cfg.InventoryURL, cfg.InventoryTimeout)
	manager, err := orders.NewManager(repo, stock, bus, rt.Log,
		orders.WithStockTimeout(cfg.InventoryTimeout),
		orders.WithMetrics(rt.Metrics),
		orders.WithService(cfg.ServiceName))
	if err != nil {
		return err
	}

	router := httpx.NewRouter(rt.Log, rt.Registry)
	(&httpx.OrdersHandler{Orders: manager, Idem: idem, Log: rt.Log}).Register(router)

	return rt.Run(ctx,
		app.Component{Name: "http", Run: func(ctx context.Context) error { return rt.Serve(ctx, router) }},
		app.Component{Name: "consumer", Run: func(ctx context.Context) error {
			return broker.Consume(ctx, bus, manager.Subscriptions(), rt.Deduper(), cfg.Group(), rt.Log)
		}},
	)
}
