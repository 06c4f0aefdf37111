package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/enginesrv/internal/catalogue"
	"github.com/ehrlich-b/enginesrv/internal/config"
	"github.com/ehrlich-b/enginesrv/internal/logger"
	"github.com/ehrlich-b/enginesrv/internal/server"
	"github.com/ehrlich-b/enginesrv/internal/tokenreg"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// runServe loads configuration, builds the component graph, and serves
// until SIGINT/SIGTERM, then drains with a bounded grace period. Shared
// by the bare root command and the explicit "serve" subcommand so
// `enginesrv` and `enginesrv serve` behave identically.
func runServe(configPath, addrFlag, logLevel string) error {
	log := logger.New(logLevel, os.Stdout)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if addrFlag != "" {
		cfg.ListenAddr = addrFlag
	}

	tokens := tokenreg.New(log, cfg.Tokens)

	var cat *catalogue.Catalogue
	if cfg.SQLiteCataloguePath != "" {
		cat, err = catalogue.Open(cfg.SQLiteCataloguePath)
		if err != nil {
			return fmt.Errorf("open catalogue: %w", err)
		}
		defer cat.Close()
	}

	srv := server.New(log, cfg, tokens, cat)

	httpSrv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Handler(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("enginesrv listening", "addr", cfg.ListenAddr, "engines", cfg.EngineNames)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func addServeFlags(cmd *cobra.Command) (configPath, addrFlag, logLevel *string) {
	configPath = new(string)
	addrFlag = new(string)
	logLevel = new(string)
	cmd.Flags().StringVar(configPath, "config", envOr("ENGINESRV_CONFIG", ""), "path to config YAML")
	cmd.Flags().StringVar(addrFlag, "listen", "", "listen address (overrides config)")
	cmd.Flags().StringVar(logLevel, "log-level", envOr("ENGINESRV_LOG_LEVEL", "info"), "log level: debug, info, warn, error")
	return
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the engine server (WebSocket session + control API)",
	}
	configPath, addrFlag, logLevel := addServeFlags(cmd)
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return runServe(*configPath, *addrFlag, *logLevel)
	}
	return cmd
}
