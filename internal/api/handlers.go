// EchoChat - Distributed Real-Time Chat Backend
// Copyright 2026 The EchoChat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/echochat/server

package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	"github.com/echochat/server/internal/logging"
	"github.com/echochat/server/internal/registry"
	"github.com/echochat/server/internal/store"
	"github.com/echochat/server/internal/ws"
)

// healthResponse is the /healthz body.
type healthResponse struct {
	Status      string `json:"status"`
	Broker      string `json:"broker"`
	Connections int    `json:"connections"`
}

// handleHealth reports liveness plus the fanout core's broker health. A
// degraded broker is not fatal, the process still serves local traffic, so
// the endpoint stays 200 and surfaces the state in the body.
func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:      "ok",
		Broker:      string(rt.mgr.Health()),
		Connections: rt.mgr.ConnectionCount(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logging.Error().Err(err).Msg("failed to encode health response")
	}
}

// handleWebSocket authenticates, resolves the user, upgrades, and attaches
// the socket to the connection manager. Authentication happens before the
// upgrade so a bad token costs one HTTP round trip, not a socket.
func (rt *Router) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}

	claims, err := rt.jwt.ValidateToken(token)
	if err != nil {
		logging.Warn().Err(err).Msg("websocket auth failed")
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	user, err := rt.identity.ResolveUser(r.Context(), claims.UserID())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "unknown user", http.StatusForbidden)
			return
		}
		logging.Error().Err(err).Str("user", claims.UserID()).Msg("identity resolution failed")
		http.Error(w, "identity unavailable", http.StatusServiceUnavailable)
		return
	}

	sock, err := rt.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written its own error response.
		logging.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	limit, burst := rt.frameLimit()
	client := ws.NewClient(rt.mgr, sock, limit, burst)
	// The request context dies with this handler; the connection outlives it.
	if err := client.Attach(context.Background(), *user); err != nil {
		if errors.Is(err, registry.ErrTopicOccupied) {
			logging.Info().Str("user", user.ID).Msg("rejecting second connection for user")
		} else {
			logging.Error().Err(err).Str("user", user.ID).Msg("connection attach failed")
		}
		_ = sock.Close()
		return
	}
}

// bearerToken extracts the credential: Authorization header first, then the
// token query parameter for browser websocket clients that cannot set
// headers.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}
