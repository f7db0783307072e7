package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/smartpcapp/smartpc-control-plane/internal/config"
	"github.com/smartpcapp/smartpc-control-plane/internal/jobs"
	"github.com/smartpcapp/smartpc-control-plane/internal/store"
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("connect db: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("ping db: %v", err)
	}

	st := store.New(pool)
	jobs.NewRunner(st, jobs.Options{
		ProvisioningTimeout:  cfg.ProvisioningTimeout,
		ViewerEventRetention: cfg.ViewerEventRetention,
	}).Start(ctx)

	log.Printf("smartpc-jobs worker started")
	<-ctx.Done()
	log.Printf("smartpc-jobs worker stopping")
}
