package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"polyglot-sandbox/internal/api"
	"polyglot-sandbox/internal/app"
	"polyglot-sandbox/internal/config"
)

func main() {
	var (
		configPath string
		pretty     bool
		provision  bool
	)

	root := &cobra.Command{
		Use:           "sandboxd",
		Short:         "Polyglot code execution sandbox daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath, pretty, provision)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "config file (default $"+config.EnvConfigPath+")")
	root.Flags().BoolVar(&pretty, "pretty", false, "human readable logs")
	root.Flags().BoolVar(&provision, "provision", true, "check or build every language image at startup")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("sandboxd failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string, pretty, provision bool) error {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return err
	}
	if err := app.SetupLogging(cfg.Log, pretty); err != nil {
		return err
	}

	a, err := app.New(ctx, cfg, app.Options{Provision: provision})
	if err != nil {
		return err
	}

	// The background context outlives the signal so the sweeper keeps
	// reclaiming containers while executions drain.
	a.StartBackground(context.Background())

	var store api.HistoryStore
	if a.DB != nil {
		store = a.DB
	}
	server := api.NewServer(cfg, a.Orchestrator, store, a.Metrics)

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Start() }()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err = <-serveErr:
		if err != nil {
			log.Error().Err(err).Msg("admin API failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
		log.Error().Err(shutdownErr).Msg("admin API shutdown error")
	}
	if closeErr := a.Close(shutdownCtx); closeErr != nil {
		log.Error().Err(closeErr).Msg("sandbox shutdown error")
	}
	log.Info().Msg("sandboxd stopped")
	return err
}
