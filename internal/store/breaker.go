// EchoChat - Distributed Real-Time Chat Backend
// Copyright 2026 The EchoChat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/echochat/server

package store

import (
	"context"
	"errors"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
)

// BreakerConfig tunes the circuit breaker around a MessageStore.
type BreakerConfig struct {
	Name             string
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
}

// DefaultBreakerConfig returns production defaults: trip after 5 consecutive
// backend failures, probe again after 30 seconds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Name:             "message-store",
		MaxRequests:      1,
		Interval:         60 * time.Second,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
	}
}

// BreakerMessageStore wraps a MessageStore with a circuit breaker so a dead
// backend fails fast instead of making every frame wait out its timeout.
// An open circuit is reported as ErrStorageUnavailable, which handlers
// already surface to the sender.
type BreakerMessageStore struct {
	inner MessageStore
	cb    *gobreaker.CircuitBreaker[*Message]
}

// NewBreakerMessageStore wraps inner with circuit-breaker protection.
func NewBreakerMessageStore(inner MessageStore, cfg BreakerConfig) *BreakerMessageStore {
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			// Logic errors are not backend failures; only unavailability
			// should trip the breaker.
			return err == nil || errors.Is(err, ErrNotFound)
		},
	}

	return &BreakerMessageStore{
		inner: inner,
		cb:    gobreaker.NewCircuitBreaker[*Message](settings),
	}
}

// State reports the breaker state for monitoring.
func (s *BreakerMessageStore) State() string {
	return s.cb.State().String()
}

func (s *BreakerMessageStore) CreateMessage(ctx context.Context, roomID, senderID, username, content, replyTo string) (*Message, error) {
	msg, err := s.cb.Execute(func() (*Message, error) {
		return s.inner.CreateMessage(ctx, roomID, senderID, username, content, replyTo)
	})
	return msg, mapBreakerErr(err)
}

func (s *BreakerMessageStore) UpdateMessageFlags(ctx context.Context, roomID, messageID string, flags Flags) (*Message, error) {
	msg, err := s.cb.Execute(func() (*Message, error) {
		return s.inner.UpdateMessageFlags(ctx, roomID, messageID, flags)
	})
	return msg, mapBreakerErr(err)
}

func mapBreakerErr(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrStorageUnavailable
	}
	return err
}
