// EchoChat - Distributed Real-Time Chat Backend
// Copyright 2026 The EchoChat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/echochat/server

// Package main is the entry point for the EchoChat server.
//
// EchoChat is the distributed connection-and-fanout backend of a real-time
// chat system. Each instance accepts websocket connections, persists chat
// messages, and routes events to recipients either in-process or across
// instances through a Redis pub/sub broker. A lost broker degrades the
// instance to local-only delivery; it recovers and rebuilds subscriptions
// when the broker returns.
//
// Components start in this order: configuration (koanf layers), logging,
// message store (Badger behind a circuit breaker, or in-memory), broker
// factory (redis or memory), presence tracker, dispatcher, connection
// manager, HTTP router, supervisor tree. Shutdown is graceful on SIGINT
// and SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/echochat/server/internal/api"
	"github.com/echochat/server/internal/auth"
	"github.com/echochat/server/internal/broker"
	"github.com/echochat/server/internal/config"
	"github.com/echochat/server/internal/dispatch"
	"github.com/echochat/server/internal/logging"
	"github.com/echochat/server/internal/manager"
	"github.com/echochat/server/internal/presence"
	"github.com/echochat/server/internal/registry"
	"github.com/echochat/server/internal/store"
	"github.com/echochat/server/internal/supervisor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("broker", cfg.Chat.Broker).
		Str("device_policy", cfg.Chat.DevicePolicy).
		Str("environment", cfg.Server.Environment).
		Msg("starting echochat server")

	if err := run(cfg); err != nil {
		logging.Fatal().Err(err).Msg("server exited with error")
	}
}

func run(cfg *config.Config) error {
	// Directory of users and rooms. In-process for now; a deployment
	// fronted by a real user service swaps this out.
	directory := store.NewMemory()
	if cfg.Server.Environment == "development" {
		seedDevDirectory(directory)
	}

	messages, closeStore, err := buildMessageStore(cfg)
	if err != nil {
		return fmt.Errorf("message store: %w", err)
	}
	defer closeStore()

	mgr := manager.New(buildBrokerFactory(cfg), devicePolicy(cfg))
	tracker := presence.NewTracker(directory)
	mgr.SetDispatcher(dispatch.New(mgr, messages, directory, tracker))

	jwtMgr, err := auth.NewJWTManager(cfg.Security.JWTSecret, cfg.Security.SessionTimeout)
	if err != nil {
		return fmt.Errorf("jwt manager: %w", err)
	}

	router := api.NewRouter(cfg, mgr, jwtMgr, directory)
	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router.Setup(),
		ReadHeaderTimeout: cfg.Server.Timeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddMessagingService(supervisor.NewProbeService(mgr, 15*time.Second))
	tree.AddAPIService(supervisor.NewHTTPService(server))

	err = tree.Serve(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	mgr.Shutdown(shutdownCtx)

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logging.Info().Msg("shutdown complete")
	return nil
}

// buildMessageStore selects Badger (behind a circuit breaker) or memory.
func buildMessageStore(cfg *config.Config) (store.MessageStore, func(), error) {
	if cfg.Storage.Path == "" {
		logging.Warn().Msg("no storage path configured, messages are in-memory only")
		return store.NewMemory(), func() {}, nil
	}

	badgerStore, err := store.OpenBadgerMessageStore(cfg.Storage.Path)
	if err != nil {
		return nil, nil, err
	}

	breakerCfg := store.DefaultBreakerConfig()
	breakerCfg.FailureThreshold = cfg.Storage.BreakerThreshold
	breakerCfg.Timeout = cfg.Storage.BreakerTimeout

	closer := func() {
		if err := badgerStore.Close(); err != nil {
			logging.Error().Err(err).Msg("error closing message store")
		}
	}
	return store.NewBreakerMessageStore(badgerStore, breakerCfg), closer, nil
}

// buildBrokerFactory returns the broker connect function the manager uses
// for the initial attach and every recovery rebuild.
func buildBrokerFactory(cfg *config.Config) broker.Factory {
	if cfg.Chat.Broker == "memory" {
		logging.Warn().Msg("memory broker selected, cross-instance fanout disabled")
		return broker.NewBus().Factory()
	}

	redisCfg := broker.RedisConfig{
		Addr:           cfg.Redis.Addr,
		Password:       cfg.Redis.Password,
		DB:             cfg.Redis.DB,
		ChannelPrefix:  cfg.Redis.ChannelPrefix,
		ConnectTimeout: cfg.Redis.ConnectTimeout,
		OpTimeout:      cfg.Redis.OpTimeout,
	}
	return func(handler broker.Handler) (broker.Client, error) {
		return broker.NewRedis(redisCfg, handler)
	}
}

func devicePolicy(cfg *config.Config) registry.DevicePolicy {
	if cfg.Chat.DevicePolicy == "reject_new" {
		return registry.PolicyRejectNew
	}
	return registry.PolicyEvictOld
}

// seedDevDirectory loads demo users and rooms so a fresh development
// instance is immediately usable.
func seedDevDirectory(directory *store.Memory) {
	directory.AddUser("user-a", "alice")
	directory.AddUser("user-b", "bob")
	directory.AddUser("user-c", "carol")
	directory.AddRoom("lobby", "user-a", "user-b", "user-c")
	logging.Info().Msg("seeded development directory: alice, bob, carol in #lobby")
}
