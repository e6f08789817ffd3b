// Package config provides configuration loading and validation for the camera
// relay service. It handles YAML-based configuration with per-section struct
// validation and duration helpers for time-based settings.
package config
