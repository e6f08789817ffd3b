package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/trungngothanh13/camera-relay/internal/camera"
	"github.com/trungngothanh13/camera-relay/internal/config"
	"github.com/trungngothanh13/camera-relay/internal/metrics"
	"github.com/trungngothanh13/camera-relay/internal/relay"
)

// HTTPServer provides HTTP API endpoints for monitoring and management
type HTTPServer struct {
	server    *http.Server
	logger    *slog.Logger
	config    *config.Config
	registry  *camera.Registry
	hub       *relay.Hub
	tcpServer *TCPServer
	metrics   *metrics.Metrics

	startTime time.Time
}

// NewHTTPServer creates a new HTTP API server
func NewHTTPServer(cfg config.HTTPConfig, logger *slog.Logger, appConfig *config.Config,
	registry *camera.Registry, hub *relay.Hub, tcpServer *TCPServer, m *metrics.Metrics) *HTTPServer {

	h := &HTTPServer{
		logger:    logger,
		config:    appConfig,
		registry:  registry,
		hub:       hub,
		tcpServer: tcpServer,
		metrics:   m,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	// Health check endpoint
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))

	// Camera monitoring endpoints
	mux.HandleFunc("/cameras", h.withMetrics("/cameras", h.handleCameras))
	mux.HandleFunc("/cameras/", h.withMetrics("/cameras/{id}", h.handleCameraDetail))

	// Session monitoring endpoint
	mux.HandleFunc("/sessions", h.withMetrics("/sessions", h.handleSessions))

	// Configuration endpoint
	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))

	// Statistics endpoint
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))

	// Prometheus metrics endpoint
	mux.Handle("/metrics", promhttp.Handler())

	// Root endpoint with API documentation
	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: 200}
		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		h.metrics.RecordHTTPRequest(r.Method, endpoint, strconv.Itoa(ww.statusCode), duration)
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting HTTP API server",
		slog.String("address", h.server.Addr),
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	return h.server.Shutdown(ctx)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	uptime := time.Since(h.startTime)
	stats := h.tcpServer.GetStatistics()
	hubStats := h.hub.GetStats()

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    uptime.String(),
		"service": map[string]interface{}{
			"name":    "camera-relay",
			"version": "1.0.0",
		},
		"components": map[string]interface{}{
			"acceptor": map[string]interface{}{
				"status":             "running",
				"frames_ingested":    stats.FramesIngested,
				"framing_errors":     stats.FramingErrors,
				"handshake_failures": stats.HandshakeFailures,
			},
			"registry": map[string]interface{}{
				"status":         "running",
				"active_cameras": stats.ActiveCameras,
			},
			"broadcast": map[string]interface{}{
				"status":           "running",
				"open_sessions":    hubStats.OpenSessions,
				"frames_broadcast": hubStats.FramesPublished,
				"frames_dropped":   hubStats.FramesDropped,
			},
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health)
}

// handleCameras implements the /cameras endpoint
func (h *HTTPServer) handleCameras(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	cameras := h.registry.List()

	response := map[string]interface{}{
		"total_cameras": len(cameras),
		"timestamp":     time.Now().UTC(),
		"cameras":       cameras,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleCameraDetail implements the /cameras/{id} endpoint
func (h *HTTPServer) handleCameraDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	idStr := r.URL.Path[len("/cameras/"):]
	if idStr == "" {
		http.Error(w, "Camera ID required", http.StatusBadRequest)
		return
	}

	id, err := strconv.ParseUint(idStr, 10, 8)
	if err != nil {
		http.Error(w, "Invalid camera ID", http.StatusBadRequest)
		return
	}

	snapshot, exists := h.registry.Get(uint8(id))
	if !exists {
		http.Error(w, "Camera not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snapshot)
}

// handleSessions implements the /sessions endpoint
func (h *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessions := h.hub.Sessions()

	response := map[string]interface{}{
		"total_sessions": len(sessions),
		"timestamp":      time.Now().UTC(),
		"sessions":       sessions,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sanitizedConfig := map[string]interface{}{
		"server": map[string]interface{}{
			"tcp_port":          h.config.Server.TCPPort,
			"bind_address":      h.config.Server.BindAddress,
			"handshake_timeout": h.config.Server.HandshakeTimeout,
			"max_payload_bytes": h.config.Server.MaxPayloadBytes,
		},
		"websocket": map[string]interface{}{
			"enabled":            h.config.WebSocket.Enabled,
			"address":            h.config.WebSocket.Address,
			"port":               h.config.WebSocket.Port,
			"keepalive_interval": h.config.WebSocket.KeepAliveInterval,
		},
		"camera": map[string]interface{}{
			"max_cameras":      h.config.Camera.MaxCameras,
			"inactive_timeout": h.config.Camera.InactiveTimeout,
			"sweep_interval":   h.config.Camera.SweepInterval,
		},
		"broadcast": map[string]interface{}{
			"buffer_size":           h.config.Broadcast.BufferSize,
			"send_timeout":          h.config.Broadcast.SendTimeout,
			"max_consecutive_drops": h.config.Broadcast.MaxConsecutiveDrops,
		},
		"logging": map[string]interface{}{
			"level":  h.config.Logging.Level,
			"format": h.config.Logging.Format,
			"output": h.config.Logging.Output,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sanitizedConfig)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := h.tcpServer.GetStatistics()
	hubStats := h.hub.GetStats()
	uptime := time.Since(h.startTime)

	response := map[string]interface{}{
		"uptime":    uptime.String(),
		"timestamp": time.Now().UTC(),
		"acceptor": map[string]interface{}{
			"frames_ingested":    stats.FramesIngested,
			"framing_errors":     stats.FramingErrors,
			"handshake_failures": stats.HandshakeFailures,
			"producers":          stats.Producers,
			"consumers":          stats.Consumers,
		},
		"broadcast": hubStats,
		"cameras": map[string]interface{}{
			"active_count":  h.registry.ActiveCount(),
			"evicted_total": h.registry.EvictedCount(),
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	apiDoc := map[string]interface{}{
		"service": "Camera Relay Service",
		"version": "1.0.0",
		"endpoints": map[string]interface{}{
			"GET /":             "API documentation",
			"GET /health":       "Service health check",
			"GET /cameras":      "List all known cameras",
			"GET /cameras/{id}": "Get detailed camera information",
			"GET /sessions":     "List all open sessions",
			"GET /config":       "Get service configuration",
			"GET /stats":        "Get service statistics",
			"GET /metrics":      "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(apiDoc)
}
