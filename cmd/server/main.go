package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"certreg/internal/api"
	"certreg/internal/cancel"
	"certreg/internal/config"
	"certreg/internal/jobs"
	"certreg/internal/lease"
	"certreg/internal/metrics"
	"certreg/internal/progress"
	"certreg/internal/ratelimit"
	"certreg/internal/records"
)

func main() {
	var cfgPath string

	root := &cobra.Command{
		Use:          "certreg-server",
		Short:        "Inspection-record backend: records, edit leases and background consolidation jobs",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfgPath)
		},
	}
	root.Flags().StringVarP(&cfgPath, "config", "c", "", "path to YAML config file")

	if err := root.Execute(); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
}

func run(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	store, err := records.New(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.InitSchema(); err != nil {
		return err
	}
	log.Info().Str("component", "init").Str("path", cfg.Database.Path).Msg("database ready")

	cancels := cancel.NewRegistry()
	events := progress.NewRegistry()
	collector := metrics.NewCollector()
	registry := jobs.NewRegistry(cancels, events, collector, jobs.Options{
		WorkRoot:      cfg.Jobs.WorkDir,
		TTL:           cfg.Jobs.TTL(),
		MaxActive:     cfg.Jobs.MaxActive,
		SweepInterval: cfg.Jobs.SweepInterval(),
	})
	leases := lease.NewManager(store, cfg.Lease.TTL())
	limiter := ratelimit.New(cfg.Jobs.StartLimit, cfg.Jobs.StartWindow())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go registry.Run(ctx)
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				limiter.Prune()
			}
		}
	}()

	server := api.NewServer(registry, events, leases, store, limiter, collector, cfg.Progress.Heartbeat())
	mux := http.NewServeMux()
	server.SetupRoutes(mux)

	httpServer := &http.Server{Addr: cfg.Server.Addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("component", "init").Str("addr", cfg.Server.Addr).Msg("server listening")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		log.Info().Str("component", "init").Msg("shutting down")
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
	}
	return nil
}
