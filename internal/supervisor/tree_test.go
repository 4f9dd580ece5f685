// EchoChat - Distributed Real-Time Chat Backend
// Copyright 2026 The EchoChat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/echochat/server

package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/echochat/server/internal/broker"
	"github.com/echochat/server/internal/logging"
	"github.com/echochat/server/internal/manager"
	"github.com/echochat/server/internal/registry"
)

//nolint:gochecknoinits // init ensures quiet logging for tests
func init() {
	logging.Init(logging.Config{Level: "error", Output: io.Discard})
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestProbeServiceRecoversIdleManager(t *testing.T) {
	bus := broker.NewBus()
	bus.SetDown(true)
	mgr := manager.New(bus.Factory(), registry.PolicyEvictOld)
	if mgr.Health() != manager.HealthDegraded {
		t.Fatalf("Health() = %v at startup with broker down, want degraded", mgr.Health())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tree := NewTree(testLogger(), TreeConfig{})
	tree.AddMessagingService(NewProbeService(mgr, 10*time.Millisecond))
	errCh := tree.ServeBackground(ctx)

	bus.SetDown(false)
	waitFor(t, 2*time.Second, func() bool {
		return mgr.Health() == manager.HealthConnected
	}, "manager never recovered via probe loop")

	cancel()
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("tree exited with %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("tree did not stop after cancel")
	}
}

func TestHTTPServiceStopsOnCancel(t *testing.T) {
	svc := NewHTTPService(&http.Server{
		Addr:              "127.0.0.1:0",
		ReadHeaderTimeout: time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("Serve() = %v, want nil or context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("Serve() did not return after cancel")
	}
}

func TestDefaultTreeConfig(t *testing.T) {
	cfg := DefaultTreeConfig()
	if cfg.FailureThreshold != 5.0 || cfg.FailureBackoff != 15*time.Second {
		t.Errorf("DefaultTreeConfig() = %+v, want suture defaults", cfg)
	}
}
