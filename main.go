package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"depthflow/config"
	"depthflow/internal/channel"
	"depthflow/internal/dashboard"
	"depthflow/internal/metrics"
	"depthflow/logger"
	"depthflow/processor"
	"depthflow/reader/binance"
	"depthflow/reader/bybit"
	"depthflow/reader/okx"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Depthflow.Name,
		"version": cfg.Depthflow.Version,
	}).Info("starting depthflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics.Configure(cfg.Metrics)
	if cfg.Metrics.Region != "" {
		logger.InitCloudWatch(cfg.Metrics.Region, cfg.Metrics.Namespace)
		metrics.InitCloudWatch(cfg.Metrics.Region, cfg.Metrics.Namespace)
	}

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	channels := channel.NewChannels(cfg.Channels.SnapshotBuffer)
	defer channels.Close()

	go channels.StartMetricsReporting(ctx)
	metrics.StartChannelSizeMetrics(ctx, channels, 30*time.Second)

	aggregator := processor.NewAggregator(cfg, channels)

	var binanceReader *binance.DepthReader
	var bybitReader *bybit.DepthReader
	var okxReader *okx.DepthReader

	if cfg.Source.Binance.Enabled {
		binanceReader = binance.NewDepthReader(cfg, channels, cfg.Source.Binance.Symbols)
	}
	if cfg.Source.Bybit.Enabled {
		bybitReader = bybit.NewDepthReader(cfg, channels, cfg.Source.Bybit.Symbols)
	}
	if cfg.Source.Okx.Enabled {
		okxReader = okx.NewDepthReader(cfg, channels, cfg.Source.Okx.Symbols)
	}

	dashboardServer, err := dashboard.NewServer(cfg.Dashboard, log, aggregator)
	if err != nil {
		log.WithError(err).Error("failed to create dashboard server")
		os.Exit(1)
	}

	var wg sync.WaitGroup

	if err := aggregator.Start(ctx); err != nil {
		log.WithError(err).Error("aggregator failed to start")
		os.Exit(1)
	}

	if binanceReader != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := binanceReader.Start(ctx); err != nil {
				log.WithError(err).Warn("binance reader failed to start")
			}
		}()
	}
	if bybitReader != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := bybitReader.Start(ctx); err != nil {
				log.WithError(err).Warn("bybit reader failed to start")
			}
		}()
	}
	if okxReader != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := okxReader.Start(ctx); err != nil {
				log.WithError(err).Warn("okx reader failed to start")
			}
		}()
	}

	if dashboardServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := dashboardServer.Run(ctx); err != nil {
				log.WithError(err).Warn("dashboard server failed")
			}
		}()
	}

	time.Sleep(2 * time.Second)
	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	if binanceReader != nil {
		log.Info("stopping binance reader")
		binanceReader.Stop()
	}
	if bybitReader != nil {
		log.Info("stopping bybit reader")
		bybitReader.Stop()
	}
	if okxReader != nil {
		log.Info("stopping okx reader")
		okxReader.Stop()
	}

	log.Info("stopping aggregator")
	aggregator.Stop()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("depthflow stopped")
}
