package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	HTTP      HTTPConfig      `yaml:"http"`
	Camera    CameraConfig    `yaml:"camera"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig contains TCP listener configuration
type ServerConfig struct {
	TCPPort          int    `yaml:"tcp_port"`
	BindAddress      string `yaml:"bind_address"`
	HandshakeTimeout int    `yaml:"handshake_timeout"` // seconds
	MaxPayloadBytes  int    `yaml:"max_payload_bytes"`
}

// WebSocketConfig contains the WebSocket listener configuration
type WebSocketConfig struct {
	Enabled           bool   `yaml:"enabled"`
	Address           string `yaml:"address"`
	Port              int    `yaml:"port"`
	KeepAliveInterval int    `yaml:"keepalive_interval"` // seconds
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// CameraConfig contains camera registry parameters
type CameraConfig struct {
	MaxCameras      int `yaml:"max_cameras"`
	InactiveTimeout int `yaml:"inactive_timeout"` // seconds
	SweepInterval   int `yaml:"sweep_interval"`   // seconds
}

// BroadcastConfig contains consumer fanout parameters
type BroadcastConfig struct {
	BufferSize          int     `yaml:"buffer_size"`
	SendTimeout         float64 `yaml:"send_timeout"` // seconds
	MaxConsecutiveDrops int     `yaml:"max_consecutive_drops"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.WebSocket.Validate(); err != nil {
		return fmt.Errorf("websocket config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Camera.Validate(); err != nil {
		return fmt.Errorf("camera config: %w", err)
	}

	if err := c.Broadcast.Validate(); err != nil {
		return fmt.Errorf("broadcast config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.TCPPort < 1 || s.TCPPort > 65535 {
		return fmt.Errorf("tcp_port must be between 1 and 65535, got %d", s.TCPPort)
	}

	if s.BindAddress == "" {
		return fmt.Errorf("bind_address cannot be empty")
	}

	if s.HandshakeTimeout < 1 {
		return fmt.Errorf("handshake_timeout must be at least 1 second, got %d", s.HandshakeTimeout)
	}

	if s.MaxPayloadBytes < 1024 {
		return fmt.Errorf("max_payload_bytes must be at least 1024, got %d", s.MaxPayloadBytes)
	}

	return nil
}

// Validate validates WebSocket configuration
func (w *WebSocketConfig) Validate() error {
	if w.Enabled {
		if w.Port < 1 || w.Port > 65535 {
			return fmt.Errorf("websocket port must be between 1 and 65535, got %d", w.Port)
		}

		if w.Address == "" {
			return fmt.Errorf("websocket address cannot be empty when enabled")
		}

		if w.KeepAliveInterval < 1 {
			return fmt.Errorf("keepalive_interval must be at least 1 second, got %d", w.KeepAliveInterval)
		}
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates camera registry configuration
func (c *CameraConfig) Validate() error {
	if c.MaxCameras < 1 || c.MaxCameras > 256 {
		return fmt.Errorf("max_cameras must be between 1 and 256, got %d", c.MaxCameras)
	}

	if c.InactiveTimeout < 1 {
		return fmt.Errorf("inactive_timeout must be at least 1 second, got %d", c.InactiveTimeout)
	}

	if c.SweepInterval < 1 {
		return fmt.Errorf("sweep_interval must be at least 1 second, got %d", c.SweepInterval)
	}

	if c.SweepInterval > c.InactiveTimeout {
		return fmt.Errorf("sweep_interval (%d) must not exceed inactive_timeout (%d)",
			c.SweepInterval, c.InactiveTimeout)
	}

	return nil
}

// Validate validates broadcast configuration
func (b *BroadcastConfig) Validate() error {
	if b.BufferSize < 1 {
		return fmt.Errorf("buffer_size must be at least 1, got %d", b.BufferSize)
	}

	if b.SendTimeout <= 0 {
		return fmt.Errorf("send_timeout must be positive, got %f", b.SendTimeout)
	}

	if b.MaxConsecutiveDrops < 1 {
		return fmt.Errorf("max_consecutive_drops must be at least 1, got %d", b.MaxConsecutiveDrops)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	return nil
}

// GetHandshakeTimeoutDuration returns the handshake timeout as a time.Duration
func (s *ServerConfig) GetHandshakeTimeoutDuration() time.Duration {
	return time.Duration(s.HandshakeTimeout) * time.Second
}

// GetKeepAliveDuration returns the ping interval as a time.Duration
func (w *WebSocketConfig) GetKeepAliveDuration() time.Duration {
	return time.Duration(w.KeepAliveInterval) * time.Second
}

// GetInactiveTimeoutDuration returns the camera staleness cutoff as a time.Duration
func (c *CameraConfig) GetInactiveTimeoutDuration() time.Duration {
	return time.Duration(c.InactiveTimeout) * time.Second
}

// GetSweepIntervalDuration returns the liveness sweep period as a time.Duration
func (c *CameraConfig) GetSweepIntervalDuration() time.Duration {
	return time.Duration(c.SweepInterval) * time.Second
}

// GetSendTimeoutDuration returns the per-consumer write deadline as a time.Duration
func (b *BroadcastConfig) GetSendTimeoutDuration() time.Duration {
	return time.Duration(b.SendTimeout * float64(time.Second))
}
