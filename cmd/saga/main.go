package main

import (
	"context"
	"log"
	"os"

	"github.com/ariefcatur/order-fulfillment/internal/app"
	"github.com/ariefcatur/order-fulfillment/internal/broker"
	"github.com/ariefcatur/order-fulfillment/internal/config"
	"github.com/ariefcatur/order-fulfillment/internal/httpx"
	"github.com/ariefcatur/order-fulfillment/internal/saga"
	"go.uber.org/zap"
)

func main() {
	ctx := context.Background()
	rt, err := app.New(ctx, config.RoleSaga)
	if err != nil {
		log.Fatalf("startup: %v", err)
	}
	if err := run(ctx, rt); err != nil {
		rt.Log.Error("saga router stopped", zap.Error(err))
		rt.Close()
		os.Exit(1)
	}
	rt.Close()
}

func run(ctx context.Context, rt *app.Runtime) error {
	bus, err := rt.Bus()
	if err != nil {
		return err
	}
	relay, err := saga.NewRouter(bus, rt.Log, rt.Config.ServiceName)
	if err != nil {
		return err
	}

	// health and metrics only
	router := httpx.NewRouter(rt.Log, rt.Registry)

	return rt.Run(ctx,
		app.Component{Name: "http", Run: func(ctx context.Context) error { return rt.Serve(ctx, router) }},
		app.Component{Name: "relay", Run: func(ctx context.Context) error {
			return broker.Consume(ctx, bus, relay.Routes(), rt.Deduper(), rt.Config.Group(), rt.Log)
		}},
	)
}
