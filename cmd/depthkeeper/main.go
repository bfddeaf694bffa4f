package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/realHakeen/binance-liquidity-monitor/internal/config"
	"github.com/realHakeen/binance-liquidity-monitor/internal/orchestrator"
)

const (
	appName = "DepthKeeper"
	version = "v1.0.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	var configPath string

	rootCmd := &cobra.Command{
		Use:     "depthkeeper",
		Short:   appName + " maintains live order-book replicas and liquidity metrics",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yaml (defaults built in when omitted)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the depth-keeper engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
	rootCmd.AddCommand(serveCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("depthkeeper exited with error")
	}
}

func runServe(configPath string) error {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	log.Info().Strs("pairs", cfg.Pairs).Str("httpAddr", cfg.HTTPAddr).Msg("starting depthkeeper")

	orch := orchestrator.New(cfg, log.Logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := orch.Run(ctx); err != nil {
		log.Error().Err(err).Msg("orchestrator exited with error")
		return err
	}

	log.Info().Msg("depthkeeper shut down cleanly")
	return nil
}
