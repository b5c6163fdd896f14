// Copyright 2024-2026 Aiku AI

// Package chatbridge holds the top-level configuration and wiring for the
// bridge daemon.
package chatbridge

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/aiku/chatbridge/pkg/bridge"
	"github.com/aiku/chatbridge/pkg/linkhost"
	"github.com/aiku/chatbridge/pkg/platform/matrix"
	"github.com/aiku/chatbridge/pkg/platform/mattermost"
)

//go:embed example-config.yaml
var ExampleConfig string

// Config is the full daemon configuration. Values load from YAML first;
// environment variables overlay secrets so they can stay out of the file.
type Config struct {
	LogLevel string `yaml:"log_level" env:"CHATBRIDGE_LOG_LEVEL"`
	DBPath   string `yaml:"db_path" env:"CHATBRIDGE_DB_PATH"`
	// AdminAPIAddr is the listen address for the admin HTTP API serving
	// /metrics, /healthz and /api/resync. Defaults to ":29330".
	AdminAPIAddr string `yaml:"admin_api_addr" env:"CHATBRIDGE_ADMIN_API_ADDR"`

	DisplaynameTemplate string `yaml:"displayname_template"`
	// ReactionMode is native, annotation or off.
	ReactionMode string `yaml:"reaction_mode"`
	// ShutdownGrace bounds the queue drain on shutdown.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`

	Matrix     MatrixConfig     `yaml:"matrix"`
	Mattermost MattermostConfig `yaml:"mattermost"`

	Links []ChannelLink `yaml:"links"`

	RateLimits  map[string]RateLimitConfig `yaml:"rate_limits"`
	Retry       RetryConfig                `yaml:"retry"`
	Attachments AttachmentConfig           `yaml:"attachments"`
	LinkHost    linkhost.Config            `yaml:"link_host"`
}

// MatrixConfig mirrors the matrix adapter settings.
type MatrixConfig struct {
	HomeserverURL      string `yaml:"homeserver_url"`
	UserID             string `yaml:"user_id"`
	AccessToken        string `yaml:"access_token" env:"CHATBRIDGE_MATRIX_TOKEN"`
	MaxAttachmentBytes int64  `yaml:"max_attachment_bytes"`
}

// MattermostConfig mirrors the mattermost adapter settings.
type MattermostConfig struct {
	ServerURL          string `yaml:"server_url"`
	Token              string `yaml:"token" env:"CHATBRIDGE_MATTERMOST_TOKEN"`
	MaxAttachmentBytes int64  `yaml:"max_attachment_bytes"`
}

// ChannelLink pairs one Matrix room with one Mattermost channel.
type ChannelLink struct {
	MatrixRoom        string `yaml:"matrix_room"`
	MattermostChannel string `yaml:"mattermost_channel"`
}

// RateLimitConfig is one platform's outbound token bucket.
type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// RetryConfig bounds delivery retries.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseBackoff time.Duration `yaml:"base_backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
}

// AttachmentConfig bounds binary relays.
type AttachmentConfig struct {
	MaxBytes     int64         `yaml:"max_bytes"`
	StageTimeout time.Duration `yaml:"stage_timeout"`
}

// Load reads the YAML file, overlays environment variables and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// PostProcess applies defaults and validates required fields.
func (c *Config) PostProcess() error {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.DBPath == "" {
		c.DBPath = "./chatbridge.db"
	}
	if c.AdminAPIAddr == "" {
		c.AdminAPIAddr = ":29330"
	}
	if c.ReactionMode == "" {
		c.ReactionMode = string(bridge.ReactionNative)
	}
	switch bridge.ReactionMode(c.ReactionMode) {
	case bridge.ReactionNative, bridge.ReactionAnnotation, bridge.ReactionOff:
	default:
		return fmt.Errorf("invalid reaction_mode %q", c.ReactionMode)
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 15 * time.Second
	}

	if c.Matrix.HomeserverURL == "" || c.Matrix.UserID == "" || c.Matrix.AccessToken == "" {
		return fmt.Errorf("matrix homeserver_url, user_id and access_token are required")
	}
	if c.Mattermost.ServerURL == "" || c.Mattermost.Token == "" {
		return fmt.Errorf("mattermost server_url and token are required")
	}
	if len(c.Links) == 0 {
		return fmt.Errorf("at least one channel link is required")
	}
	for i, link := range c.Links {
		if link.MatrixRoom == "" || link.MattermostChannel == "" {
			return fmt.Errorf("link %d: matrix_room and mattermost_channel are required", i)
		}
	}
	return nil
}

// MatrixAdapterConfig converts to the adapter's own config type.
func (c *Config) MatrixAdapterConfig() matrix.Config {
	return matrix.Config{
		HomeserverURL:      c.Matrix.HomeserverURL,
		UserID:             c.Matrix.UserID,
		AccessToken:        c.Matrix.AccessToken,
		MaxAttachmentBytes: c.Matrix.MaxAttachmentBytes,
	}
}

// MattermostAdapterConfig converts to the adapter's own config type.
func (c *Config) MattermostAdapterConfig() mattermost.Config {
	return mattermost.Config{
		ServerURL:          c.Mattermost.ServerURL,
		Token:              c.Mattermost.Token,
		MaxAttachmentBytes: c.Mattermost.MaxAttachmentBytes,
	}
}

// QueueRateLimits converts to the delivery queue's limit map.
func (c *Config) QueueRateLimits() map[string]bridge.RateLimit {
	out := make(map[string]bridge.RateLimit, len(c.RateLimits))
	for platform, rl := range c.RateLimits {
		out[platform] = bridge.RateLimit{PerSecond: rl.PerSecond, Burst: rl.Burst}
	}
	return out
}

// QueueRetryPolicy converts to the delivery queue's retry policy, falling
// back to the defaults when unset.
func (c *Config) QueueRetryPolicy() bridge.RetryPolicy {
	if c.Retry.MaxAttempts <= 0 {
		return bridge.DefaultRetryPolicy
	}
	return bridge.RetryPolicy{
		MaxAttempts: c.Retry.MaxAttempts,
		BaseBackoff: c.Retry.BaseBackoff,
		MaxBackoff:  c.Retry.MaxBackoff,
	}
}

// RelayPolicy converts to the attachment relay's policy.
func (c *Config) RelayPolicy() bridge.RelayPolicy {
	return bridge.RelayPolicy{
		MaxBytes:     c.Attachments.MaxBytes,
		StageTimeout: c.Attachments.StageTimeout,
	}
}
