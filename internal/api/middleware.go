// EchoChat - Distributed Real-Time Chat Backend
// Copyright 2026 The EchoChat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/echochat/server

package api

import (
	"net/http"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/echochat/server/internal/logging"
)

// requestLogger emits one structured line per request. Websocket upgrades
// log at attach time instead, after the handler hijacks the connection.
func requestLogger() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(wrapped, r)

			logging.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", wrapped.Status()).
				Dur("duration", time.Since(start)).
				Str("remote", r.RemoteAddr).
				Msg("http request")
		})
	}
}
