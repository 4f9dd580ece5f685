// EchoChat - Distributed Real-Time Chat Backend
// Copyright 2026 The EchoChat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/echochat/server

// Package config loads layered configuration: struct defaults, then an
// optional YAML file, then environment variables. ENV > file > defaults.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the full server configuration tree.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Chat     ChatConfig     `koanf:"chat"`
	Redis    RedisConfig    `koanf:"redis"`
	Storage  StorageConfig  `koanf:"storage"`
	Security SecurityConfig `koanf:"security"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host        string        `koanf:"host"`
	Port        int           `koanf:"port" validate:"min=1,max=65535"`
	Timeout     time.Duration `koanf:"timeout" validate:"min=1s"`
	Environment string        `koanf:"environment" validate:"oneof=development production"`
}

// ChatConfig tunes the connection-and-fanout core.
type ChatConfig struct {
	// Broker selects the pub/sub backend: "redis" for multi-instance
	// deployments, "memory" for single-node and tests.
	Broker string `koanf:"broker" validate:"oneof=redis memory"`

	// DevicePolicy decides what happens when a user connects twice:
	// "evict_old" closes the previous connection, "reject_new" refuses
	// the new one.
	DevicePolicy string `koanf:"device_policy" validate:"oneof=evict_old reject_new"`

	// FrameRate and FrameBurst bound inbound frames per connection.
	FrameRate  float64 `koanf:"frame_rate" validate:"gt=0"`
	FrameBurst int     `koanf:"frame_burst" validate:"min=1"`
}

// RedisConfig holds the broker backend settings. Ignored when the memory
// broker is selected.
type RedisConfig struct {
	Addr           string        `koanf:"addr"`
	Password       string        `koanf:"password"`
	DB             int           `koanf:"db" validate:"min=0"`
	ChannelPrefix  string        `koanf:"channel_prefix"`
	ConnectTimeout time.Duration `koanf:"connect_timeout" validate:"min=100ms"`
	OpTimeout      time.Duration `koanf:"op_timeout" validate:"min=100ms"`
}

// StorageConfig holds message persistence settings.
type StorageConfig struct {
	// Path is the Badger directory. Empty selects the in-memory store.
	Path string `koanf:"path"`

	// BreakerThreshold consecutive failures open the circuit around the
	// message store; BreakerTimeout is the open interval before a probe.
	BreakerThreshold uint32        `koanf:"breaker_threshold" validate:"min=1"`
	BreakerTimeout   time.Duration `koanf:"breaker_timeout" validate:"min=1s"`
}

// SecurityConfig holds authentication and rate limit settings.
type SecurityConfig struct {
	JWTSecret       string        `koanf:"jwt_secret"`
	SessionTimeout  time.Duration `koanf:"session_timeout" validate:"min=1m"`
	RateLimitReqs   int           `koanf:"rate_limit_reqs" validate:"min=1"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window" validate:"min=1s"`
	CORSOrigins     []string      `koanf:"cors_origins"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error fatal panic"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// defaultConfig returns the built-in defaults, applied before file and
// environment layers.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        8400,
			Timeout:     30 * time.Second,
			Environment: "development",
		},
		Chat: ChatConfig{
			Broker:       "redis",
			DevicePolicy: "evict_old",
			FrameRate:    20,
			FrameBurst:   40,
		},
		Redis: RedisConfig{
			Addr:           "127.0.0.1:6379",
			Password:       "",
			DB:             0,
			ChannelPrefix:  "echochat:topic:",
			ConnectTimeout: time.Second,
			OpTimeout:      time.Second,
		},
		Storage: StorageConfig{
			Path:             "/data/echochat",
			BreakerThreshold: 5,
			BreakerTimeout:   30 * time.Second,
		},
		Security: SecurityConfig{
			JWTSecret:       "",
			SessionTimeout:  24 * time.Hour,
			RateLimitReqs:   100,
			RateLimitWindow: time.Minute,
			CORSOrigins:     []string{"*"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks structural constraints plus the cross-field rules the
// tags cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if len(c.Security.JWTSecret) < 32 {
		return fmt.Errorf("security.jwt_secret must be at least 32 characters")
	}
	if c.Chat.Broker == "redis" && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required with the redis broker")
	}
	return nil
}
