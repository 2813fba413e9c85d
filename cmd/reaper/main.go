package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tenantauth.dev/internal/auth"
	"tenantauth.dev/internal/config"
	"tenantauth.dev/internal/obs"
	"tenantauth.dev/internal/store/pg"
)

func main() {
	log.SetFlags(0)
	once := flag.Bool("once", false, "Run a single sweep and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.PostgresDSN == "" {
		log.Fatal("missing DSN: provide AUTHD_PG_DSN")
	}

	store, err := pg.Open(cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	reaper := auth.NewReaper(store, store, auth.WithReapInterval(cfg.ReapInterval))

	if *once {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		n, err := reaper.Sweep(ctx)
		if err != nil {
			log.Fatalf("sweep: %v", err)
		}
		obs.Info("reaper sweep", map[string]any{"deleted": n})
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	obs.Info("starting reaper", map[string]any{"interval": cfg.ReapInterval.String()})
	if err := reaper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("reaper: %v", err)
	}
}
