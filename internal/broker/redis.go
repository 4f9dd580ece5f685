// EchoChat - Distributed Real-Time Chat Backend
// Copyright 2026 The EchoChat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/echochat/server

package broker

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/echochat/server/internal/logging"
)

// RedisConfig holds the Redis broker settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// ChannelPrefix namespaces topic channels so several deployments can
	// share one Redis.
	ChannelPrefix string

	// ConnectTimeout bounds the initial PING on construction.
	ConnectTimeout time.Duration

	// OpTimeout bounds publish, subscribe, and health-check round-trips so a
	// stalled broker call cannot starve a connection's read loop.
	OpTimeout time.Duration
}

// DefaultRedisConfig returns production defaults. The 1s timeouts match the
// health-check cadence of one ping per inbound frame.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:           "localhost:6379",
		ChannelPrefix:  "echochat:topic:",
		ConnectTimeout: time.Second,
		OpTimeout:      time.Second,
	}
}

// Redis is the production broker client on Redis pub/sub. One channel per
// routing topic; subscribers receive exactly what was published.
type Redis struct {
	client  *redis.Client
	pubsub  *redis.PubSub
	prefix  string
	timeout time.Duration
}

// NewRedis connects to Redis, starts the inbound receive loop, and returns
// the client. Connect failure yields a broker Error; the manager decides
// whether to start degraded.
func NewRedis(cfg RedisConfig, handler Handler) (*Redis, error) {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = time.Second
	}
	if cfg.OpTimeout == 0 {
		cfg.OpTimeout = time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.ConnectTimeout,
		ReadTimeout:  cfg.OpTimeout,
		WriteTimeout: cfg.OpTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, &Error{Op: "connect", Err: err}
	}

	// A single PubSub carries every topic subscription of this instance.
	pubsub := client.Subscribe(context.Background())

	r := &Redis{
		client:  client,
		pubsub:  pubsub,
		prefix:  cfg.ChannelPrefix,
		timeout: cfg.OpTimeout,
	}
	go r.receiveLoop(handler)

	logging.Info().Str("addr", cfg.Addr).Msg("connected to redis broker")
	return r, nil
}

// receiveLoop forwards published payloads to the handler until the PubSub
// closes (on Shutdown).
func (r *Redis) receiveLoop(handler Handler) {
	for msg := range r.pubsub.Channel() {
		handler(strings.TrimPrefix(msg.Channel, r.prefix), []byte(msg.Payload))
	}
	logging.Debug().Msg("redis broker receive loop stopped")
}

func (r *Redis) channel(topic string) string {
	return r.prefix + topic
}

func (r *Redis) Publish(ctx context.Context, topic string, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.client.Publish(ctx, r.channel(topic), payload).Err(); err != nil {
		return &Error{Op: "publish", Err: err}
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.pubsub.Subscribe(ctx, r.channel(topic)); err != nil {
		return nil, &Error{Op: "subscribe", Err: err}
	}
	return &Subscription{Topic: topic, SubscribedAt: time.Now().UTC()}, nil
}

func (r *Redis) Unsubscribe(ctx context.Context, sub *Subscription) error {
	if sub == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	// Redis treats unsubscribing an unknown channel as a no-op, which keeps
	// this idempotent. Only transport failures surface.
	if err := r.pubsub.Unsubscribe(ctx, r.channel(sub.Topic)); err != nil {
		return &Error{Op: "unsubscribe", Err: err}
	}
	return nil
}

func (r *Redis) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.client.Ping(ctx).Err(); err != nil {
		logging.Error().Err(err).Msg("redis broker health check failed")
		return false
	}
	return true
}

func (r *Redis) Shutdown(context.Context) error {
	// Closing the PubSub ends the receive loop; both closes are best-effort.
	err := r.pubsub.Close()
	if cerr := r.client.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return &Error{Op: "shutdown", Err: err}
	}
	return nil
}
