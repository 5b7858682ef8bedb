package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/rawblock/chain-indexer/internal/cache"
	"github.com/rawblock/chain-indexer/internal/config"
	"github.com/rawblock/chain-indexer/internal/daemon"
	"github.com/rawblock/chain-indexer/internal/engine"
	"github.com/rawblock/chain-indexer/internal/store"
)

func main() {
	log.Println("Starting chain indexer...")

	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	node, err := daemon.New(cfg.DaemonURL)
	if err != nil {
		log.Fatalf("Failed to configure node RPC: %v", err)
	}
	defer node.Shutdown()

	tiers := cache.NewTiers(cfg.UTXOCache)
	s, err := store.Connect(ctx, cfg.DatabaseURL, tiers, cfg.DebugSQL)
	if err != nil {
		log.Fatalf("Failed to connect to PostgreSQL: %v", err)
	}
	defer s.Close()

	if err := s.InitSchema(ctx); err != nil {
		log.Fatalf("Failed to initialize schema: %v", err)
	}

	e := engine.New(node, s)
	if err := e.Run(ctx); err != nil {
		log.Fatalf("Engine stopped: %v", err)
	}
}
