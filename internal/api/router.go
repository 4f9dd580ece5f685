// EchoChat - Distributed Real-Time Chat Backend
// Copyright 2026 The EchoChat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/echochat/server

// Package api provides HTTP routing using the Chi router: the websocket
// attach endpoint, health, and metrics.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/echochat/server/internal/auth"
	"github.com/echochat/server/internal/config"
	"github.com/echochat/server/internal/manager"
	"github.com/echochat/server/internal/store"
)

// Router wires HTTP endpoints to the connection manager.
type Router struct {
	cfg      *config.Config
	mgr      *manager.Manager
	jwt      *auth.JWTManager
	identity store.IdentityResolver
	upgrader websocket.Upgrader
}

// NewRouter builds the router. The identity resolver turns a token subject
// into a full user before the socket attaches.
func NewRouter(cfg *config.Config, mgr *manager.Manager, jwt *auth.JWTManager, identity store.IdentityResolver) *Router {
	return &Router{
		cfg:      cfg,
		mgr:      mgr,
		jwt:      jwt,
		identity: identity,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(cfg.Security.CORSOrigins),
		},
	}
}

// Setup assembles the middleware stack and routes.
func (rt *Router) Setup() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(requestLogger())
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: rt.cfg.Security.CORSOrigins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         86400,
	}))
	r.Use(httprate.LimitByIP(rt.cfg.Security.RateLimitReqs, rt.cfg.Security.RateLimitWindow))

	r.Get("/healthz", rt.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", rt.handleWebSocket)

	return r
}

// frameLimit converts the configured per-connection frame budget.
func (rt *Router) frameLimit() (rate.Limit, int) {
	return rate.Limit(rt.cfg.Chat.FrameRate), rt.cfg.Chat.FrameBurst
}

// originChecker allows any origin for the wildcard configuration and exact
// matches otherwise.
func originChecker(origins []string) func(*http.Request) bool {
	allowAll := false
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		if allowAll {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowed[origin]
		return ok
	}
}
