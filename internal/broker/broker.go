// EchoChat - Distributed Real-Time Chat Backend
// Copyright 2026 The EchoChat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/echochat/server

// Package broker owns the connection to the external pub/sub backend that
// enables cross-instance delivery. The production implementation is Redis
// pub/sub; an in-process memory bus serves tests and single-node setups.
//
// The broker performs no retries of its own. Reconnect policy lives in the
// connection manager, because only it knows which subscriptions must be
// rebuilt after an outage.
package broker

import (
	"context"
	"fmt"
	"time"
)

// Handler receives inbound published payloads for subscribed topics.
// It is invoked from the broker's receive loop; implementations must not
// block indefinitely.
type Handler func(topic string, payload []byte)

// Subscription records interest in one topic. One exists per topic with a
// locally attached connection.
type Subscription struct {
	Topic        string
	SubscribedAt time.Time
}

// Client is the contract the connection manager programs against.
type Client interface {
	// Publish sends payload to the broker channel for topic, bounded by the
	// configured operation timeout.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers interest in topic; subsequent publishes from any
	// instance are delivered to this instance's Handler.
	Subscribe(ctx context.Context, topic string) (*Subscription, error)

	// Unsubscribe drops interest. Idempotent; never errors on a handle
	// already removed.
	Unsubscribe(ctx context.Context, sub *Subscription) error

	// HealthCheck is a cheap round-trip used to detect broker loss without
	// waiting for an operation to fail.
	HealthCheck(ctx context.Context) bool

	// Shutdown releases the underlying connection. Guaranteed to run on all
	// exit paths of the owning manager.
	Shutdown(ctx context.Context) error
}

// Factory constructs a fresh Client. The manager calls it at startup and
// again during recovery, so a rebuilt client never shares state with the one
// it replaces.
type Factory func(handler Handler) (Client, error)

// Error wraps any broker I/O failure, including connect failure. The manager
// catches it; it is never propagated to client code.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("broker %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
