package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gregtusar/marketfeed/api"
	"github.com/gregtusar/marketfeed/internal/config"
	"github.com/gregtusar/marketfeed/pkg/feed"
	"github.com/gregtusar/marketfeed/pkg/kraken"
	"github.com/gregtusar/marketfeed/pkg/models"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "marketfeed",
		Short: "Real-time crypto market data feed",
		Long:  `Maintains checksum-verified order books and minute candles for a set of assets from the Kraken websocket feed`,
		RunE:  runFeed,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func runFeed(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, closeLog, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer closeLog()

	// Create context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := feed.New(cfg.FeedClient(), kraken.NewWebSocketDialer(), logger)
	rest := kraken.NewClient(cfg.Kraken.RESTURL, cfg.Kraken.RequestsPerSecond)

	client.OnNewCandle(func(asset string, c models.Candle) {
		logger.WithFields(logrus.Fields{
			"asset":  asset,
			"start":  c.Start,
			"open":   c.Open,
			"high":   c.High,
			"low":    c.Low,
			"close":  c.Close,
			"volume": c.Volume,
		}).Info("New candle")
	})

	// Start API server
	var apiServer *api.Server
	if cfg.Server.Enabled {
		apiServer = api.NewServer(client, logger, strconv.Itoa(cfg.Server.Port))
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.WithError(err).Error("API server stopped")
			}
		}()
	}

	logger.WithField("assets", cfg.Feed.Assets).Info("Market feed is running. Press Ctrl+C to stop.")

	newSupervisor(client, rest, cfg, logger).run(ctx)
	logger.Info("Received shutdown signal")

	// Graceful shutdown
	if err := client.Disconnect(); err != nil {
		logger.WithError(err).Warn("Error disconnecting")
	}
	if apiServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("Error shutting down API server")
		}
	}

	logger.Info("Market feed stopped")
	return nil
}
