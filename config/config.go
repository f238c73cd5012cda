// Package config holds the pdfdesk configuration and its loaders.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound          = errors.New("config file not found")
	ErrUnsupportedFormat = errors.New("unsupported config format")
	ErrInvalidFormat     = errors.New("invalid config")
	ErrMissingEnvVar     = errors.New("missing environment variable")
	ErrValidation        = errors.New("config validation failed")
)

const (
	AuthGuest = "guest"
	AuthToken = "token"
)

type Config struct {
	Log     LogConfig     `yaml:"log"`
	Server  ServerConfig  `yaml:"server"`
	Engine  EngineConfig  `yaml:"engine"`
	Tracing TracingConfig `yaml:"tracing"`
	Auth    AuthConfig    `yaml:"auth"`
	Convert ConvertConfig `yaml:"convert"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
	// H2C serves HTTP/2 without TLS next to HTTP/1.1.
	H2C            bool          `yaml:"h2c"`
	MaxUploadBytes int64         `yaml:"max_upload_bytes"`
	SessionTTL     time.Duration `yaml:"session_ttl"`
	ShutdownGrace  time.Duration `yaml:"shutdown_grace"`
}

type EngineConfig struct {
	MaxConcurrent int  `yaml:"max_concurrent"`
	MaxQueue      int  `yaml:"max_queue"`
	Relaxed       bool `yaml:"relaxed"`
}

type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"`
	ServiceName string `yaml:"service_name"`
}

type AuthConfig struct {
	Mode string `yaml:"mode"`
	// Tokens maps bearer tokens to principal names.
	Tokens map[string]string `yaml:"tokens"`
}

type ConvertConfig struct {
	MaxEdge     int `yaml:"max_edge"`
	JPEGQuality int `yaml:"jpeg_quality"`
}

func Defaults() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "json"},
		Server: ServerConfig{
			Addr:           ":8080",
			H2C:            true,
			MaxUploadBytes: 64 << 20,
			SessionTTL:     30 * time.Minute,
			ShutdownGrace:  10 * time.Second,
		},
		Engine:  EngineConfig{MaxConcurrent: 4, MaxQueue: 256, Relaxed: true},
		Tracing: TracingConfig{Exporter: "none", ServiceName: "pdfdesk"},
		Auth:    AuthConfig{Mode: AuthGuest},
		Convert: ConvertConfig{MaxEdge: 2480, JPEGQuality: 85},
	}
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}
	switch strings.ToLower(c.Log.Level) {
	case "trace", "debug", "info", "warn", "error":
	default:
		add("log.level: unknown level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		add("log.format: must be json or console, got %q", c.Log.Format)
	}
	if c.Server.Addr == "" {
		add("server.addr: required")
	}
	if c.Server.MaxUploadBytes <= 0 {
		add("server.max_upload_bytes: must be positive")
	}
	if c.Server.SessionTTL <= 0 {
		add("server.session_ttl: must be positive")
	}
	if c.Engine.MaxConcurrent < 1 {
		add("engine.max_concurrent: must be at least 1")
	}
	if c.Engine.MaxQueue < 1 {
		add("engine.max_queue: must be at least 1")
	}
	if c.Tracing.Enabled {
		switch c.Tracing.Exporter {
		case "none", "stdout":
		default:
			add("tracing.exporter: must be none or stdout, got %q", c.Tracing.Exporter)
		}
	}
	switch c.Auth.Mode {
	case AuthGuest:
	case AuthToken:
		if len(c.Auth.Tokens) == 0 {
			add("auth.tokens: token mode needs at least one token")
		}
	default:
		add("auth.mode: must be guest or token, got %q", c.Auth.Mode)
	}
	if c.Convert.MaxEdge < 0 {
		add("convert.max_edge: must not be negative")
	}
	if c.Convert.JPEGQuality < 0 || c.Convert.JPEGQuality > 100 {
		add("convert.jpeg_quality: must be between 0 and 100")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrValidation, strings.Join(problems, "; "))
	}
	return nil
}
