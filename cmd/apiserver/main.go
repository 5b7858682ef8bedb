package main

import (
	"context"
	"log"
	"time"

	"github.com/rawblock/chain-indexer/internal/api"
	"github.com/rawblock/chain-indexer/internal/cache"
	"github.com/rawblock/chain-indexer/internal/config"
	"github.com/rawblock/chain-indexer/internal/store"
)

func main() {
	log.Println("Starting chain indexer API...")

	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The API never writes; its cache tiers stay empty.
	s, err := store.Connect(ctx, cfg.DatabaseURL, cache.NewTiers(false), cfg.DebugSQL)
	if err != nil {
		log.Fatalf("Failed to connect to PostgreSQL: %v", err)
	}
	defer s.Close()

	wsHub := api.NewHub()
	go wsHub.Run()

	events := api.NewEventSource(s, cfg.APIEndpoint,
		time.Duration(cfg.EventPollInterval)*time.Second, wsHub)
	go events.Run(ctx)

	r := api.SetupRouter(cfg, s, events, wsHub)

	log.Printf("API listening on :%s", cfg.Port)
	if err := r.Run(":" + cfg.Port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
