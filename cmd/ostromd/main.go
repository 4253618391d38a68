// Command ostromd runs the spot-price and smart-meter integration for
// one energy contract.
//
// On startup it authenticates against the upstream provider, backfills
// consumption since contract start on first activation, then refreshes
// hourly: consumption top-up, today's price curve, trigger evaluation.
// The automation host reads state and the trigger catalogue over HTTP.
//
// Usage:
//
//	ostromd [flags]
//
// The flags are:
//
//	-config string
//	      path to config file (default "config.yaml")
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/LRuesink-WebArray/ostrom/internal/auth"
	"github.com/LRuesink-WebArray/ostrom/internal/config"
	"github.com/LRuesink-WebArray/ostrom/internal/device"
	"github.com/LRuesink-WebArray/ostrom/internal/meter"
	"github.com/LRuesink-WebArray/ostrom/internal/ostrom"
	"github.com/LRuesink-WebArray/ostrom/internal/ratelimit"
	"github.com/LRuesink-WebArray/ostrom/internal/server"
	"github.com/LRuesink-WebArray/ostrom/internal/store"
	"github.com/LRuesink-WebArray/ostrom/internal/triggers"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}

	logger := newLogger(cfg.Logging)
	logger.WithFields(logrus.Fields{
		"environment": cfg.API.Environment,
		"port":        cfg.Server.Port,
	}).Info("starting ostromd")

	deviceStore, err := newStore(cfg.Database)
	if err != nil {
		logger.Fatalf("Failed to open device store: %v", err)
	}
	defer deviceStore.Close()

	apiURL, tokenURL := ostrom.Endpoints(ostrom.Environment(cfg.API.Environment))
	httpClient := &http.Client{Timeout: time.Duration(cfg.API.TimeoutSeconds) * time.Second}

	// One budget shared by every outbound call kind, token exchanges
	// included.
	limiter := ratelimit.New(cfg.RateLimit.Capacity, time.Duration(cfg.RateLimit.WindowSeconds)*time.Second, logger)
	defer limiter.Stop()

	tokens := auth.NewTokenSource(tokenURL, cfg.API.ClientID, cfg.API.ClientSecret, httpClient, limiter, logger)
	client, err := ostrom.NewClient(apiURL, httpClient, tokens, limiter, logger)
	if err != nil {
		logger.Fatalf("Failed to create API client: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deviceID := fmt.Sprintf("contract-%s", cfg.API.ContractID)
	syncer := meter.NewSynchronizer(client, deviceStore, deviceID, cfg.API.UserID, cfg.API.ContractID, logger)
	engine := triggers.NewEngine(logger)

	session := device.NewSession(device.Config{
		DeviceID:   deviceID,
		ContractID: cfg.API.ContractID,
		ZipCode:    cfg.API.ZipCode,
		JitterMax:  time.Duration(cfg.Scheduler.JitterSeconds) * time.Second,
	}, client, syncer, engine, triggers.NewLogDispatcher(logger), deviceStore, logger)

	if err := session.Start(ctx); err != nil {
		logger.Fatalf("Device activation failed: %v", err)
	}

	srv := server.New(session, client, logger)
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	errChan := make(chan error, 1)
	go func() {
		logger.WithField("addr", addr).Info("serving host API")
		if err := srv.Run(ctx, addr); err != nil {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.WithField("signal", sig.String()).Info("shutting down")
	case err := <-errChan:
		logger.WithError(err).Error("server error, shutting down")
	}

	cancel()
	session.Wait()
	logger.Info("stopped")
}

func newLogger(cfg config.LoggingConfig) *logrus.Logger {
	logger := logrus.New()
	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

func newStore(cfg config.DatabaseConfig) (store.DeviceStore, error) {
	if cfg.DSN == "" {
		return store.NewMemoryStore(), nil
	}
	return store.NewPostgresStore(cfg.DSN)
}
