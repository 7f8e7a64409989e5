package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mcplens/mcplens/internal/config"
	"github.com/mcplens/mcplens/internal/proxy"
	"github.com/spf13/cobra"
)

func newStartCmd() *cobra.Command {
	var (
		configPath string
		ratesPath  string
		port       int
		wsPort     int
		verbose    bool
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if port != 0 {
				cfg.Server.Port = port
			}
			if wsPort != 0 {
				cfg.Server.WSPort = wsPort
			}
			if verbose {
				cfg.Logging.Level = "debug"
			}

			logger := newLogger(cfg.Logging)
			slog.SetDefault(logger)

			srv, err := proxy.New(cfg, logger)
			if err != nil {
				return fmt.Errorf("building proxy: %w", err)
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			if err := srv.Start(ctx); err != nil {
				return fmt.Errorf("starting proxy: %w", err)
			}

			var rates *config.RateWatcher
			if ratesPath != "" {
				rates, err = config.NewRateWatcher(config.RateWatcherConfig{
					Path:     ratesPath,
					OnChange: srv.SetCostRates,
				}, logger)
				if err != nil {
					return fmt.Errorf("rate watcher: %w", err)
				}
				if initial, err := config.LoadRates(ratesPath); err == nil {
					srv.SetCostRates(initial)
				}
				if err := rates.Start(ctx); err != nil {
					return fmt.Errorf("rate watcher: %w", err)
				}
			}

			<-ctx.Done()
			logger.Info("shutting down")

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer shutdownCancel()
			if rates != nil {
				_ = rates.Stop()
			}
			if err := srv.Stop(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", getenvDefault("MCPLENS_CONFIG", ""), "path to config file")
	cmd.Flags().StringVar(&ratesPath, "rates", "", "path to a cost-rates file watched for changes")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "override HTTP port")
	cmd.Flags().IntVar(&wsPort, "ws-port", 0, "override live channel port")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	return cmd
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
