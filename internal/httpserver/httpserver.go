// Package httpserver assembles the full sync core (storage backend,
// credential store, quirks registry, queue, orchestrator) behind the
// admin HTTP listener.
package httpserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/KashCal/KashCal-sub000/internal/config"
	"github.com/KashCal/KashCal-sub000/internal/credentialstore"
	"github.com/KashCal/KashCal-sub000/internal/occurrence"
	"github.com/KashCal/KashCal-sub000/internal/orchestrator"
	"github.com/KashCal/KashCal-sub000/internal/pendingqueue"
	"github.com/KashCal/KashCal-sub000/internal/quirks"
	"github.com/KashCal/KashCal-sub000/internal/router"
	"github.com/KashCal/KashCal-sub000/internal/storage"
	"github.com/KashCal/KashCal-sub000/internal/storage/postgres"
	"github.com/KashCal/KashCal-sub000/internal/storage/sqlite"
)

type Server struct {
	http   *http.Server
	logger zerolog.Logger
}

// OpenStore picks the storage backend from config; shared by the server
// and the CLI entrypoints.
func OpenStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (storage.Store, error) {
	switch cfg.Storage.Type {
	case "postgres":
		return postgres.New(ctx, cfg.Storage.PostgresURL, logger)
	case "sqlite":
		return sqlite.New(cfg.Storage.SQLitePath, logger)
	default:
		return nil, errors.New("unknown storage type: " + cfg.Storage.Type)
	}
}

// BuildOrchestrator wires the orchestration graph over an open store.
func BuildOrchestrator(store storage.Store, cfg *config.Config, logger zerolog.Logger) *orchestrator.Orchestrator {
	queue := pendingqueue.New(store, cfg.Sync.MaxRetries, logger)
	factory := orchestrator.NewClientFactory(
		store,
		credentialstore.New(),
		quirks.NewRegistry(),
		queue,
		occurrence.NewExpander(),
		cfg.Sync,
		cfg.ICS.BuildProdID(),
		logger,
	)
	return orchestrator.New(store, factory, cfg.Sync, logger)
}

func NewServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Server, func(), error) {
	store, err := OpenStore(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	orch := BuildOrchestrator(store, cfg, logger)
	mux := router.New(cfg, store, orch, logger)

	srv := &Server{
		http: &http.Server{
			Addr:         cfg.HTTP.Addr,
			Handler:      mux,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 120 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		logger: logger,
	}
	cleanup := func() {
		store.Close()
	}
	logger.Info().Msgf("listening on %s (storage=%s)", cfg.HTTP.Addr, cfg.Storage.Type)
	return srv, cleanup, nil
}

func (s *Server) Start() error {
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
