// EchoChat - Distributed Real-Time Chat Backend
// Copyright 2026 The EchoChat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/echochat/server

package supervisor

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/echochat/server/internal/logging"
	"github.com/echochat/server/internal/manager"
)

// HTTPService runs an http.Server under supervision.
type HTTPService struct {
	server *http.Server
}

// NewHTTPService wraps a configured server.
func NewHTTPService(server *http.Server) *HTTPService {
	return &HTTPService{server: server}
}

// Serve listens until ctx cancels, then shuts the server down gracefully.
func (s *HTTPService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", s.server.Addr).Msg("http server listening")
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *HTTPService) String() string { return "http-server" }

// ProbeService drives broker degrade/recover progress on idle instances.
// Without it, recovery only advances when a client frame arrives.
type ProbeService struct {
	mgr      *manager.Manager
	interval time.Duration
}

// NewProbeService probes mgr every interval.
func NewProbeService(mgr *manager.Manager, interval time.Duration) *ProbeService {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &ProbeService{mgr: mgr, interval: interval}
}

// Serve ticks until ctx cancels.
func (s *ProbeService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.mgr.Probe(ctx)
		}
	}
}

func (s *ProbeService) String() string { return "broker-probe" }
