// kashcal-migrate brings the configured storage backend to the current
// schema: the sqlite backend replays its embedded golang-migrate
// migrations, the postgres backend applies its idempotent bootstrap DDL.
// Opening the store is what runs either; this binary exists so deployments
// can migrate explicitly before starting the sync process.
package main

import (
	"context"
	"log"

	"github.com/KashCal/KashCal-sub000/internal/config"
	"github.com/KashCal/KashCal-sub000/internal/httpserver"
	"github.com/KashCal/KashCal-sub000/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.New(cfg.LogLevel)

	store, err := httpserver.OpenStore(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("migration failed")
	}
	defer store.Close()

	logger.Info().Str("storage", cfg.Storage.Type).Msg("schema is up to date")
}
