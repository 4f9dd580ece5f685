// EchoChat - Distributed Real-Time Chat Backend
// Copyright 2026 The EchoChat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/echochat/server

package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBreakerPassesThroughSuccess(t *testing.T) {
	inner := NewMemory()
	s := NewBreakerMessageStore(inner, DefaultBreakerConfig())

	msg, err := s.CreateMessage(context.Background(), "R1", "user-a", "alice", "hi", "")
	if err != nil {
		t.Fatalf("CreateMessage() error = %v", err)
	}
	if msg.Content != "hi" {
		t.Errorf("Content = %q, want hi", msg.Content)
	}
}

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	inner := NewMemory()
	inner.SetUnavailable(true)

	cfg := DefaultBreakerConfig()
	cfg.FailureThreshold = 3
	cfg.Timeout = time.Hour // keep it open for the rest of the test
	s := NewBreakerMessageStore(inner, cfg)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := s.CreateMessage(ctx, "R1", "user-a", "alice", "hi", ""); !errors.Is(err, ErrStorageUnavailable) {
			t.Fatalf("attempt %d error = %v, want ErrStorageUnavailable", i, err)
		}
	}
	if s.State() != "open" {
		t.Fatalf("breaker state = %q, want open", s.State())
	}

	// With the circuit open the backend is no longer called, but callers
	// still see the retryable error class.
	inner.SetUnavailable(false)
	if _, err := s.CreateMessage(ctx, "R1", "user-a", "alice", "hi", ""); !errors.Is(err, ErrStorageUnavailable) {
		t.Errorf("open-circuit error = %v, want ErrStorageUnavailable", err)
	}
}

func TestBreakerIgnoresLogicErrors(t *testing.T) {
	inner := NewMemory()

	cfg := DefaultBreakerConfig()
	cfg.FailureThreshold = 2
	s := NewBreakerMessageStore(inner, cfg)
	ctx := context.Background()

	// NotFound is a logic error and must not trip the breaker.
	for i := 0; i < 5; i++ {
		if _, err := s.UpdateMessageFlags(ctx, "R1", "missing", Flags{Seen: BoolPtr(true)}); !errors.Is(err, ErrNotFound) {
			t.Fatalf("error = %v, want ErrNotFound", err)
		}
	}
	if s.State() != "closed" {
		t.Errorf("breaker state = %q, want closed", s.State())
	}
}
