package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/KashCal/KashCal-sub000/internal/config"
	"github.com/KashCal/KashCal-sub000/internal/credentialstore"
	"github.com/KashCal/KashCal-sub000/internal/discovery"
	"github.com/KashCal/KashCal-sub000/internal/httpserver"
	"github.com/KashCal/KashCal-sub000/internal/logging"
	"github.com/KashCal/KashCal-sub000/internal/quirks"
	"github.com/KashCal/KashCal-sub000/internal/storage"
	"github.com/rs/zerolog"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.New(cfg.LogLevel)

	root := &cobra.Command{
		Use:           "kashcal-sync",
		Short:         "CalDAV synchronization core for KashCal",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newDiscoverCmd(cfg, logger),
		newSyncCmd(cfg, logger),
		newStatusCmd(cfg, logger),
		newServeCmd(cfg, logger),
	)

	if err := root.Execute(); err != nil {
		logger.Fatal().Err(err).Msg("command failed")
	}
}

func newDiscoverCmd(cfg *config.Config, logger zerolog.Logger) *cobra.Command {
	var username, password string
	var insecure bool

	cmd := &cobra.Command{
		Use:   "discover <server-url>",
		Short: "Locate a CalDAV account and persist it with its calendars",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := httpserver.OpenStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			svc := discovery.New(store, credentialstore.New(), quirks.NewRegistry(), logger)
			outcome := svc.Discover(ctx, args[0], username, password, insecure)
			switch {
			case outcome.AuthError:
				return fmt.Errorf("authentication rejected by %s", args[0])
			case outcome.Err != nil:
				return outcome.Err
			}

			fmt.Printf("account %d (%s)\n", outcome.Account.ID, outcome.Account.Email)
			for _, cal := range outcome.Calendars {
				ro := ""
				if cal.IsReadOnly {
					ro = " (read-only)"
				}
				fmt.Printf("  calendar %d: %s %s%s\n", cal.ID, cal.DisplayName, cal.CaldavURL, ro)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&username, "user", "u", "", "account username")
	cmd.Flags().StringVarP(&password, "password", "p", "", "account password")
	cmd.Flags().BoolVar(&insecure, "insecure", false, "skip TLS certificate verification")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func newSyncCmd(cfg *config.Config, logger zerolog.Logger) *cobra.Command {
	var calendarID int64
	var full bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one push+pull session per calendar (or one calendar with --calendar)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := httpserver.OpenStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			orch := httpserver.BuildOrchestrator(store, cfg, logger)
			if calendarID != 0 {
				session, err := orch.SyncCalendar(ctx, calendarID, full)
				if err != nil {
					return err
				}
				if session == nil {
					return fmt.Errorf("calendar %d not found", calendarID)
				}
				printSession(session)
				return nil
			}

			sessions, err := orch.SyncAll(ctx, full)
			if err != nil {
				return err
			}
			for _, session := range sessions {
				printSession(session)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&calendarID, "calendar", 0, "sync only this calendar id")
	cmd.Flags().BoolVar(&full, "full", false, "force a full range sync, ignoring ctag and sync token")
	return cmd
}

func newStatusCmd(cfg *config.Config, logger zerolog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "List accounts, calendars, and pending operation counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := httpserver.OpenStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			accounts, err := store.ListAccounts(ctx)
			if err != nil {
				return err
			}
			for _, acc := range accounts {
				fmt.Printf("account %d: %s (%s, enabled=%v)\n", acc.ID, acc.Email, acc.Provider, acc.IsEnabled)
				calendars, err := store.ListCalendarsByAccount(ctx, acc.ID)
				if err != nil {
					return err
				}
				for _, cal := range calendars {
					pending, poisoned, err := store.ListPendingSummaryByCalendar(ctx, cal.ID)
					if err != nil {
						return err
					}
					fmt.Printf("  calendar %d: %-20s pending=%d poisoned=%d\n", cal.ID, cal.DisplayName, pending, poisoned)
				}
			}
			return nil
		},
	}
}

func newServeCmd(cfg *config.Config, logger zerolog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the admin HTTP surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			srv, cleanup, err := httpserver.NewServer(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			go func() {
				if err := srv.Start(); err != nil && err != http.ErrServerClosed {
					logger.Fatal().Err(err).Msg("server stopped with error")
				}
			}()

			ch := make(chan os.Signal, 1)
			signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
			<-ch

			if err := srv.Shutdown(context.Background()); err != nil {
				logger.Error().Err(err).Msg("shutdown error")
			}
			logger.Info().Msg("bye")
			return nil
		},
	}
}

func printSession(s *storage.SyncSession) {
	fmt.Printf("calendar %d: %s added=%d updated=%d deleted=%d parse-skips=%d constraint-skips=%d\n",
		s.CalendarID, s.Status, s.Added, s.Updated, s.Deleted, s.SkippedParseError, s.SkippedConstraintError)
}
