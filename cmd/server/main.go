package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/trungngothanh13/camera-relay/internal/camera"
	"github.com/trungngothanh13/camera-relay/internal/config"
	"github.com/trungngothanh13/camera-relay/internal/metrics"
	"github.com/trungngothanh13/camera-relay/internal/relay"
	"github.com/trungngothanh13/camera-relay/internal/server"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "camera-relay"
	serviceVersion    = "1.0.0"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger based on configuration
	logger := initLogger(cfg.Logging)

	// Log service startup
	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	// Log configuration summary
	logger.Info("Configuration loaded",
		slog.Int("tcp_port", cfg.Server.TCPPort),
		slog.String("bind_address", cfg.Server.BindAddress),
		slog.Int("max_payload_bytes", cfg.Server.MaxPayloadBytes),
		slog.Bool("websocket_enabled", cfg.WebSocket.Enabled),
		slog.Int("max_cameras", cfg.Camera.MaxCameras),
		slog.Int("inactive_timeout", cfg.Camera.InactiveTimeout),
		slog.Int("broadcast_buffer_size", cfg.Broadcast.BufferSize),
		slog.String("log_level", cfg.Logging.Level),
	)

	// Create cancellable context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize Prometheus metrics
	appMetrics := metrics.NewMetrics()
	logger.Info("Prometheus metrics initialized")

	// Initialize camera registry with its liveness sweep
	registry := camera.NewRegistry(logger, camera.Config{
		MaxCameras:      cfg.Camera.MaxCameras,
		InactiveTimeout: cfg.Camera.GetInactiveTimeoutDuration(),
		SweepInterval:   cfg.Camera.GetSweepIntervalDuration(),
	}, appMetrics)
	logger.Info("Camera registry initialized",
		slog.Int("max_cameras", cfg.Camera.MaxCameras),
		slog.Duration("inactive_timeout", cfg.Camera.GetInactiveTimeoutDuration()),
		slog.Duration("sweep_interval", cfg.Camera.GetSweepIntervalDuration()),
	)

	// Initialize session hub
	hub := relay.NewHub(logger, relay.Config{
		BufferSize:          cfg.Broadcast.BufferSize,
		SendTimeout:         cfg.Broadcast.GetSendTimeoutDuration(),
		MaxConsecutiveDrops: cfg.Broadcast.MaxConsecutiveDrops,
	}, appMetrics)
	logger.Info("Session hub initialized",
		slog.Int("buffer_size", cfg.Broadcast.BufferSize),
		slog.Int("max_consecutive_drops", cfg.Broadcast.MaxConsecutiveDrops),
	)

	// Initialize TCP acceptor
	tcpServer := server.NewTCPServer(cfg, logger, registry, hub, appMetrics)
	logger.Info("TCP server initialized")

	// Initialize WebSocket acceptor (if enabled)
	var wsServer *server.WSServer
	if cfg.WebSocket.Enabled {
		wsServer = server.NewWSServer(cfg, logger, registry, hub, appMetrics)
		logger.Info("WebSocket server initialized",
			slog.String("address", fmt.Sprintf("%s:%d", cfg.WebSocket.Address, cfg.WebSocket.Port)),
		)
	}

	// Initialize HTTP API server (if enabled)
	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpServer = server.NewHTTPServer(cfg.HTTP, logger, cfg, registry, hub, tcpServer, appMetrics)
		logger.Info("HTTP API server initialized",
			slog.String("address", fmt.Sprintf("%s:%d", cfg.HTTP.Address, cfg.HTTP.Port)),
		)
	}

	// Start TCP acceptor
	if err := tcpServer.Start(); err != nil {
		logger.Error("Failed to start TCP server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Start WebSocket acceptor (if enabled)
	if wsServer != nil {
		if err := wsServer.Start(); err != nil {
			logger.Error("Failed to start WebSocket server", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	// Start HTTP server (if enabled)
	if httpServer != nil {
		if err := httpServer.Start(); err != nil {
			logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("tcp_address", fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.TCPPort)),
	)

	// Wait for shutdown signal
	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("Context cancelled, shutting down")
	}

	logger.Info("Starting graceful shutdown...")

	// Stop HTTP server first (stop accepting new requests)
	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
	}

	// Stop WebSocket acceptor (stop accepting new peers)
	if wsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := wsServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping WebSocket server", slog.String("error", err.Error()))
		}
	}

	// Stop TCP acceptor (stop accepting new connections)
	if err := tcpServer.Stop(); err != nil {
		logger.Error("Error stopping TCP server", slog.String("error", err.Error()))
	}

	// Close the hub (tear down remaining sessions)
	hub.Close()

	// Stop the registry (stop the liveness sweep)
	registry.Stop()

	// Get final statistics
	stats := tcpServer.GetStatistics()
	logger.Info("Final server statistics",
		slog.Uint64("frames_ingested", stats.FramesIngested),
		slog.Uint64("framing_errors", stats.FramingErrors),
		slog.Uint64("handshake_failures", stats.HandshakeFailures),
		slog.Uint64("active_cameras", stats.ActiveCameras),
	)

	logger.Info("Service stopped")
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	// Parse log level
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo // default fallback
	}

	// Configure handler options
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug, // Add source info for debug level
	}

	// Determine output destination
	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	// Create handler based on format
	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	case "text", "":
		handler = slog.NewTextHandler(output, opts)
	default:
		// Default to text format
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
