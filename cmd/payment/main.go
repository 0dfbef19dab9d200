package main

import (
	"context"
	"log"
	"os"

	"github.com/ariefcatur/order-fulfillment/internal/app"
	"github.com/ariefcatur/order-fulfillment/internal/config"
	"github.com/ariefcatur/order-fulfillment/internal/httpx"
	"github.com/ariefcatur/order-fulfillment/internal/payment"
	"go.uber.org/zap"
)

func main() {
	ctx := context.Background()
	rt, err := app.New(ctx, config.RolePayment)
	if err != nil {
		log.Fatalf("startup: %v", err)
	}
	if err := run(ctx, rt); err != nil {
		rt.Log.Error("payment stopped", zap.Error(err))
		rt.Close()
		os.Exit(1)
	}
	rt.Close()
}

func run(ctx context.Context, rt *app.Runtime) error {
	cfg := rt.Config

	var repo payment.Repository = payment.NewMemoryRepository()
	if !rt.InMemory() {
		db, err := rt.Postgres(ctx, payment.Schema)
		if err != nil {
			return err
		}
		repo = &payment.PgRepository{DB: db}
	}

	bus, err := rt.Bus()
	if err != nil {
		return err
	}
	svc, err := payment.NewService(repo,
		payment.NewOrderClient(cfg.OrderURL, cfg.InventoryTimeout),
		payment.NewVNPay(cfg.VNPay),
		bus, rt.Log,
		payment.WithMetrics(rt.Metrics),
		payment.WithService(cfg.ServiceName))
	if err != nil {
		return err
	}

	router := httpx.NewRouter(rt.Log, rt.Registry)
	(&httpx.PaymentsHandler{Payments: svc, Log: rt.Log}).Register(router)

	return rt.Run(ctx,
		app.Component{Name: "http", Run: func(ctx context.Context) error { return rt.Serve(ctx, router) }},
	)
}
