// Package main is the entry point for the meter gateway service.
// It initializes all components and manages the application lifecycle.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/nexus-edge/meter-gateway/internal/adapter/config"
	"github.com/nexus-edge/meter-gateway/internal/adapter/modbus"
	"github.com/nexus-edge/meter-gateway/internal/adapter/mqtt"
	"github.com/nexus-edge/meter-gateway/internal/adapter/storage"
	"github.com/nexus-edge/meter-gateway/internal/domain"
	"github.com/nexus-edge/meter-gateway/internal/health"
	"github.com/nexus-edge/meter-gateway/internal/metrics"
	"github.com/nexus-edge/meter-gateway/internal/realtime"
	"github.com/nexus-edge/meter-gateway/internal/service"
	"github.com/nexus-edge/meter-gateway/internal/virtual"
	"github.com/nexus-edge/meter-gateway/pkg/logging"
	"github.com/rs/zerolog"
)

const (
	serviceName    = "meter-gateway"
	serviceVersion = "1.0.0"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: search ./, ./config, /etc/meter-gateway)")
	flag.Parse()

	// Bootstrap logger until the logging section is loaded
	logger := logging.New(serviceName, serviceVersion)

	var (
		cfg *config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.LoadFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger, logCloser := logging.NewWithConfig(serviceName, serviceVersion, logging.LogConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		TimeFormat: cfg.Logging.TimeFormat,
	})
	defer logCloser.Close()
	logger.Info().Str("env", cfg.Environment).Msg("Starting meter gateway")

	if err := run(cfg, logger); err != nil {
		logger.Error().Err(err).Msg("Meter gateway stopped with error")
		logCloser.Close()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metricsRegistry := metrics.NewRegistry()

	// =============================================================
	// Devices
	// =============================================================

	endpoints, err := config.LoadDevices(cfg.DevicesConfigPath)
	if err != nil {
		return fmt.Errorf("load devices: %w", err)
	}
	logger.Info().Int("count", len(endpoints)).Str("path", cfg.DevicesConfigPath).Msg("Loaded device configurations")
	directory := service.NewDeviceRegistry(endpoints)

	// =============================================================
	// Infrastructure
	// =============================================================

	transport := modbus.NewTransport(modbus.TransportConfig{
		WriteAttempts:  cfg.Transport.WriteAttempts,
		AttemptTimeout: cfg.Transport.AttemptTimeout,
		AttemptDelay:   cfg.Transport.AttemptDelay,
		ReadTimeout:    cfg.Transport.ReadTimeout,
		DefaultPort:    domain.DefaultModbusPort,
		IdleTimeout:    cfg.Transport.IdleTimeout,
		BreakerEnabled: cfg.Transport.BreakerEnabled,
	}, logger, metricsRegistry)
	defer transport.Close()

	store := realtime.NewStore(cfg.Realtime.FreshnessWindow)

	var virtualDevice *virtual.Device
	if cfg.Virtual.Enabled {
		virtualDevice = virtual.NewDevice()
	}

	healthChecker := health.NewChecker(health.Config{
		ServiceName:    serviceName,
		ServiceVersion: serviceVersion,
	})
	healthChecker.AddCheck("modbus_transport", transport)

	statusCache, closeCache, err := newStatusCache(cfg, healthChecker)
	if err != nil {
		return err
	}
	defer closeCache.Close()

	if err := ensureDir(cfg.Storage.AuditPath); err != nil {
		return err
	}
	auditStore, err := storage.OpenAuditStore(cfg.Storage.AuditPath)
	if err != nil {
		return err
	}
	defer auditStore.Close()
	healthChecker.AddCheck("audit_store", auditStore)

	sinks := service.FanoutSink{}

	var history *storage.ReadingHistory
	if cfg.Storage.HistoryEnabled {
		if err := ensureDir(cfg.Storage.HistoryPath); err != nil {
			return err
		}
		history, err = storage.OpenReadingHistory(storage.HistoryConfig{
			Path:      cfg.Storage.HistoryPath,
			QueueSize: cfg.Storage.HistoryQueueSize,
			Retention: cfg.Storage.HistoryRetention,
		}, logger, metricsRegistry)
		if err != nil {
			return err
		}
		defer history.Close()
		healthChecker.AddOptionalCheck("reading_history", history)
		sinks = append(sinks, history)
		go pruneHistory(ctx, history, logger)
	}

	var publisher *mqtt.Publisher
	if cfg.MQTT.Enabled {
		publisher = mqtt.NewPublisher(mqtt.Config{
			BrokerURL:      cfg.MQTT.BrokerURL,
			ClientID:       cfg.MQTT.ClientID,
			Username:       cfg.MQTT.Username,
			Password:       cfg.MQTT.Password,
			CleanSession:   cfg.MQTT.CleanSession,
			QoS:            cfg.MQTT.QoS,
			KeepAlive:      cfg.MQTT.KeepAlive,
			ConnectTimeout: cfg.MQTT.ConnectTimeout,
			ReconnectDelay: cfg.MQTT.ReconnectDelay,
			TLSEnabled:     cfg.MQTT.TLSEnabled,
			TLSCertFile:    cfg.MQTT.TLSCertFile,
			TLSKeyFile:     cfg.MQTT.TLSKeyFile,
			TLSCAFile:      cfg.MQTT.TLSCAFile,
			BufferSize:     cfg.MQTT.BufferSize,
			TopicPrefix:    cfg.MQTT.TopicPrefix,
			PerParameter:   cfg.MQTT.PerParameter,
		}, logger, metricsRegistry)
		if err := publisher.Connect(ctx); err != nil {
			// Readings are buffered until the broker comes back
			logger.Warn().Err(err).Msg("Failed to connect to MQTT broker")
		}
		defer publisher.Disconnect()
		healthChecker.AddOptionalCheck("mqtt", publisher)
		sinks = append(sinks, publisher)
	}

	// =============================================================
	// Services
	// =============================================================

	pollingSvc := service.NewPollingService(service.PollingConfig{
		DefaultInterval: cfg.Polling.DefaultInterval,
		ReadTimeout:     cfg.Polling.ReadTimeout,
		Jitter:          cfg.Polling.Jitter,
	}, transport, store, sinks, logger, metricsRegistry)

	for _, ep := range endpoints {
		if err := pollingSvc.RegisterDevice(ep); err != nil {
			logger.Error().Err(err).Str("device", ep.ID).Msg("Failed to register device")
		}
	}
	if err := pollingSvc.Start(ctx); err != nil {
		return fmt.Errorf("start polling: %w", err)
	}

	opts := []service.ControlOption{
		service.WithRealtime(store),
		service.WithStatusCache(statusCache),
		service.WithControlMetrics(metricsRegistry),
	}
	var coils domain.VirtualCoils
	if virtualDevice != nil {
		coils = virtualDevice
		opts = append(opts, service.WithVirtualDevice(virtualDevice))
	}
	executor := service.NewControlExecutor(service.ControlConfig{
		SettleDelay:    cfg.Control.SettleDelay,
		SkipVerify:     cfg.Control.SkipVerify,
		RequestTimeout: cfg.Control.RequestTimeout,
		AuditTimeout:   cfg.Control.AuditTimeout,
	}, directory, transport, auditStore, logger, opts...)

	statusSvc := service.NewStatusService(directory, transport, coils, statusCache, cfg.Transport.ReadTimeout, logger, metricsRegistry)

	var broker service.MessageBroker
	if publisher != nil && publisher.Client() != nil {
		broker = publisher.Client()
	}
	cmdHandler := service.NewCommandHandler(broker, executor, service.CommandConfig{
		CommandTopicPrefix:    cfg.MQTT.CommandTopicPrefix,
		ResponseTopicPrefix:   cfg.MQTT.ResponseTopicPrefix,
		QoS:                   cfg.MQTT.QoS,
		EnableAcknowledgement: true,
		Workers:               cfg.Control.Workers,
		QueueSize:             cfg.Control.QueueSize,
	}, logger, metricsRegistry)
	if err := cmdHandler.Start(); err != nil {
		logger.Warn().Err(err).Msg("Failed to subscribe to control topic (MQTT control disabled)")
	}

	// =============================================================
	// HTTP Server
	// =============================================================

	ops := &opsServer{
		health:   healthChecker,
		metrics:  metricsRegistry.Handler(),
		polling:  pollingSvc,
		realtime: store,
		status:   statusSvc,
		control:  cmdHandler,
		audit:    auditStore,
		logger:   logger.With().Str("component", "ops-http").Logger(),
		extra: func() map[string]interface{} {
			out := map[string]interface{}{"transport": transport.GetAllDeviceStats()}
			if publisher != nil {
				out["mqtt"] = publisher.Stats()
			}
			return out
		},
	}
	if history != nil {
		ops.history = history
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      ops.router(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info().Int("port", cfg.HTTP.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	logger.Info().
		Int("devices", len(endpoints)).
		Int("http_port", cfg.HTTP.Port).
		Bool("mqtt", cfg.MQTT.Enabled).
		Bool("virtual_fallback", cfg.Virtual.Enabled).
		Str("status_cache", cfg.Virtual.StatusCache).
		Msg("Meter gateway started successfully")

	// =============================================================
	// Shutdown Handling
	// =============================================================

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case <-quit:
		logger.Info().Msg("Shutdown signal received, initiating graceful shutdown...")
	case runErr = <-serverErr:
		logger.Error().Err(runErr).Msg("HTTP server error")
	}

	shutdownTimeout := cfg.Polling.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Control first so queued requests finish while the transport is open
	if err := cmdHandler.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping command handler")
	}
	if err := pollingSvc.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error stopping polling service")
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error shutting down HTTP server")
	}
	if history != nil {
		if err := history.Flush(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Reading history not fully flushed")
		}
	}

	logger.Info().Msg("Meter gateway shutdown complete")
	return runErr
}

// newStatusCache builds the configured coil status cache. The closer is
// never nil.
func newStatusCache(cfg *config.Config, checker *health.HealthChecker) (virtual.StatusCache, io.Closer, error) {
	switch cfg.Virtual.StatusCache {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		cache := virtual.NewRedisStatusCache(client, cfg.Redis.KeyPrefix, cfg.Virtual.StatusCacheTTL)
		checker.AddOptionalCheck("redis_status_cache", cache)
		return cache, client, nil
	case "memory", "":
		return virtual.NewMemoryStatusCache(cfg.Virtual.StatusCacheTTL), nopCloser{}, nil
	default:
		return nil, nil, fmt.Errorf("unknown status cache backend %q", cfg.Virtual.StatusCache)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func pruneHistory(ctx context.Context, history *storage.ReadingHistory, logger zerolog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := history.Prune(ctx, now)
			if err != nil {
				logger.Warn().Err(err).Msg("Failed to prune reading history")
				continue
			}
			if n > 0 {
				logger.Debug().Int64("rows", n).Msg("Pruned reading history")
			}
		}
	}
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir %s: %w", dir, err)
	}
	return nil
}
