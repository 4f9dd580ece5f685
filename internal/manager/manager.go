// EchoChat - Distributed Real-Time Chat Backend
// Copyright 2026 The EchoChat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/echochat/server

// Package manager composes the broker client and the connection registry
// into the process's fanout core. It accepts connections, routes produced
// envelopes locally or through the broker, and owns the degrade/recover
// lifecycle around broker outages. Already-attached connections survive a
// broker outage; only broker-side subscriptions are rebuilt on recovery.
package manager

import (
	"context"
	"fmt"
	"sync"

	"github.com/echochat/server/internal/broker"
	"github.com/echochat/server/internal/envelope"
	"github.com/echochat/server/internal/logging"
	"github.com/echochat/server/internal/metrics"
	"github.com/echochat/server/internal/registry"
	"github.com/echochat/server/internal/store"
)

// Health is the process-wide manager state driven by broker health checks.
type Health string

const (
	// HealthConnected means broker operations are expected to succeed.
	HealthConnected Health = "connected"
	// HealthDegraded means broker operations are assumed unavailable;
	// local-only delivery continues.
	HealthDegraded Health = "degraded"
)

// errTextBrokerLost is surfaced to the sender on the tick that detects the
// broker going away.
const errTextBrokerLost = "Broker connection lost"

// UndeliverableError reports a recipient reachable neither locally nor via
// the broker. It goes back to the caller; it is never fatal to a connection.
type UndeliverableError struct {
	Topic string
}

func (e *UndeliverableError) Error() string {
	return fmt.Sprintf("topic %q unreachable: no local connection and broker degraded", e.Topic)
}

// Dispatcher hands parsed envelopes to their domain handlers. The dispatch
// package implements it; the indirection breaks the manager/dispatch cycle.
type Dispatcher interface {
	Dispatch(ctx context.Context, sender store.User, env envelope.Envelope)
}

// Manager is the connection-and-fanout orchestrator. All mutable state is
// serialized by mu, the Go rendition of the single-scheduler-thread model
// the connection registry assumes.
type Manager struct {
	mu         sync.Mutex
	reg        *registry.Registry
	factory    broker.Factory
	client     broker.Client // nil while unavailable since startup
	subs       map[string]*broker.Subscription
	health     Health
	recovering bool
	dispatcher Dispatcher
}

// New constructs the manager and attempts the initial broker connect. On
// connect failure the manager starts degraded but still accepts connections
// in a local-only capacity.
func New(factory broker.Factory, policy registry.DevicePolicy) *Manager {
	m := &Manager{
		reg:     registry.New(policy),
		factory: factory,
		subs:    make(map[string]*broker.Subscription),
		health:  HealthDegraded,
	}

	client, err := factory(m.brokerInbound)
	if err != nil {
		logging.Error().Err(err).Msg("initial broker connect failed, starting degraded")
		metrics.ManagerConnected.Set(0)
		return m
	}

	m.client = client
	m.health = HealthConnected
	metrics.ManagerConnected.Set(1)
	return m
}

// SetDispatcher wires the event dispatcher. Must be called before the first
// connection registers.
func (m *Manager) SetDispatcher(d Dispatcher) {
	m.dispatcher = d
}

// Health reports the current manager health.
func (m *Manager) Health() Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.health
}

// ConnectionCount reports the number of attached connections.
func (m *Manager) ConnectionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reg.Len()
}

// Register attaches a new connection: registry insert, broker subscription
// for its topic when healthy, then an online presence fanout. Subscription
// failure degrades health rather than rejecting the connection.
func (m *Manager) Register(ctx context.Context, conn *registry.Connection) error {
	m.mu.Lock()

	evicted, err := m.reg.Add(conn)
	if err != nil {
		m.mu.Unlock()
		metrics.ConnectionsTotal.WithLabelValues("rejected").Inc()
		return err
	}
	for _, old := range evicted {
		logging.Info().Str("topic", old.Topic).Msg("evicting prior connection for topic")
		_ = old.Transport.Close()
		metrics.ConnectionsTotal.WithLabelValues("evicted").Inc()
	}

	if _, ok := m.subs[conn.Topic]; !ok && m.health == HealthConnected {
		sub, err := m.client.Subscribe(ctx, conn.Topic)
		if err != nil {
			m.degradeLocked(err, "subscribe failed on register")
		} else {
			m.subs[conn.Topic] = sub
			metrics.BrokerSubscriptions.Set(float64(len(m.subs)))
		}
	}

	metrics.ConnectionsTotal.WithLabelValues("registered").Inc()
	metrics.ActiveConnections.Set(float64(m.reg.Len()))
	m.mu.Unlock()

	logging.Info().
		Str("connection", conn.ID.String()).
		Str("topic", conn.Topic).
		Msg("connection registered")

	m.dispatcher.Dispatch(ctx, conn.User, envelope.NewStatusChange("online"))
	return nil
}

// Unregister detaches a connection on transport close. The offline fanout is
// best-effort and must not prevent cleanup; the broker subscription goes
// away with the topic's last connection. A connection already displaced by
// eviction produces no offline fanout, its replacement is still online.
func (m *Manager) Unregister(ctx context.Context, conn *registry.Connection) {
	m.mu.Lock()
	removed, topicEmpty := m.reg.Remove(conn)
	if removed && topicEmpty {
		if sub, ok := m.subs[conn.Topic]; ok {
			if m.client != nil {
				if err := m.client.Unsubscribe(ctx, sub); err != nil {
					logging.Warn().Err(err).Str("topic", conn.Topic).Msg("unsubscribe failed on disconnect")
				}
			}
			delete(m.subs, conn.Topic)
			metrics.BrokerSubscriptions.Set(float64(len(m.subs)))
		}
	}
	metrics.ActiveConnections.Set(float64(m.reg.Len()))
	m.mu.Unlock()

	if !removed {
		return
	}

	logging.Info().
		Str("connection", conn.ID.String()).
		Str("topic", conn.Topic).
		Msg("connection unregistered")

	m.dispatcher.Dispatch(ctx, conn.User, envelope.NewStatusChange("offline"))
}

// Deliver routes an outbound envelope: local write when the topic is
// attached here, broker publish otherwise. Exactly one of the two happens.
// Degraded with no local recipient yields UndeliverableError.
func (m *Manager) Deliver(ctx context.Context, env envelope.Envelope) error {
	if env.Topic == "" {
		return fmt.Errorf("envelope has no topic to route")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if conns := m.reg.Get(env.Topic); len(conns) > 0 {
		// Same-instance fast path, no broker round-trip.
		for _, conn := range conns {
			if err := conn.Transport.WriteEnvelope(env); err != nil {
				logging.Warn().Err(err).
					Str("connection", conn.ID.String()).
					Str("topic", env.Topic).
					Msg("local transport write failed")
			}
		}
		metrics.DeliveriesTotal.WithLabelValues("local").Inc()
		return nil
	}

	if m.health == HealthConnected && m.client != nil {
		payload, err := envelope.Encode(env)
		if err != nil {
			return fmt.Errorf("encode envelope: %w", err)
		}
		if err := m.client.Publish(ctx, env.Topic, payload); err != nil {
			// A broker I/O failure degrades health; the next inbound tick
			// drives recovery.
			m.degradeLocked(err, "publish failed")
			metrics.BrokerPublishesTotal.WithLabelValues("error").Inc()
			return err
		}
		metrics.BrokerPublishesTotal.WithLabelValues("ok").Inc()
		metrics.DeliveriesTotal.WithLabelValues("broker").Inc()
		return nil
	}

	metrics.DeliveriesTotal.WithLabelValues("undeliverable").Inc()
	return &UndeliverableError{Topic: env.Topic}
}

// HandleFrame processes one inbound client frame: parse, broker health
// tick, degrade or recover as the tick dictates, then dispatch. Nothing
// here may terminate the connection's loop.
func (m *Manager) HandleFrame(ctx context.Context, conn *registry.Connection, raw []byte) {
	env, err := envelope.Parse(raw)
	if err != nil {
		logging.Warn().Err(err).
			Str("connection", conn.ID.String()).
			Msg("dropping malformed frame")
		metrics.FramesTotal.WithLabelValues("malformed").Inc()
		return
	}

	m.mu.Lock()
	client := m.client
	health := m.health
	m.mu.Unlock()

	switch {
	case client == nil:
		// Never connected; see if the broker has come up since startup.
		m.recover(ctx)
	case !client.HealthCheck(ctx):
		if health == HealthConnected {
			// Sacrifice this tick rather than process on a stale broker.
			m.degrade(fmt.Errorf("health check failed"), "broker lost mid-stream")
			if werr := conn.Transport.WriteEnvelope(envelope.NewError(conn.Topic, errTextBrokerLost)); werr != nil {
				logging.Warn().Err(werr).Str("topic", conn.Topic).Msg("failed to notify sender of broker loss")
			}
			metrics.FramesTotal.WithLabelValues("sacrificed").Inc()
			return
		}
	default:
		if health == HealthDegraded {
			m.recover(ctx)
		}
	}

	metrics.FramesTotal.WithLabelValues("dispatched").Inc()
	m.dispatcher.Dispatch(ctx, conn.User, env)
}

// Probe drives the same degrade/recover cycle as the inbound frame path,
// for callers that want recovery to progress on idle instances. Connected
// managers verify broker health; degraded ones attempt a rebuild.
func (m *Manager) Probe(ctx context.Context) {
	m.mu.Lock()
	client := m.client
	health := m.health
	m.mu.Unlock()

	switch {
	case client == nil:
		m.recover(ctx)
	case !client.HealthCheck(ctx):
		if health == HealthConnected {
			m.degrade(fmt.Errorf("health check failed"), "broker lost while idle")
		}
	default:
		if health == HealthDegraded {
			m.recover(ctx)
		}
	}
}

// recover tears down the old broker client, connects a fresh one, and
// replays a subscription for every topic currently in the registry. The
// whole rebuild is one critical section; the recovering flag keeps
// concurrent ticks from attempting a duplicate rebuild.
func (m *Manager) recover(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.recovering || m.health == HealthConnected {
		return
	}
	m.recovering = true
	defer func() { m.recovering = false }()

	if m.client != nil {
		if err := m.client.Shutdown(ctx); err != nil {
			logging.Warn().Err(err).Msg("old broker client shutdown failed")
		}
		m.client = nil
		m.subs = make(map[string]*broker.Subscription)
	}

	fresh, err := m.factory(m.brokerInbound)
	if err != nil {
		logging.Warn().Err(err).Msg("broker reconnect failed, staying degraded")
		return
	}

	subs := make(map[string]*broker.Subscription)
	for _, topic := range m.reg.Topics() {
		sub, err := fresh.Subscribe(ctx, topic)
		if err != nil {
			logging.Error().Err(err).Str("topic", topic).Msg("resubscribe failed, aborting recovery")
			_ = fresh.Shutdown(ctx)
			return
		}
		subs[topic] = sub
	}

	m.client = fresh
	m.subs = subs
	m.health = HealthConnected
	metrics.ManagerConnected.Set(1)
	metrics.BrokerSubscriptions.Set(float64(len(subs)))
	metrics.BrokerRebuildsTotal.Inc()

	logging.Info().Int("topics", len(subs)).Msg("broker recovered, subscriptions rebuilt")
}

// Shutdown unsubscribes everything and releases the broker client. Both
// steps are best-effort; shutdown always completes.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client != nil {
		for topic, sub := range m.subs {
			if err := m.client.Unsubscribe(ctx, sub); err != nil {
				logging.Warn().Err(err).Str("topic", topic).Msg("unsubscribe failed during shutdown")
			}
		}
		if err := m.client.Shutdown(ctx); err != nil {
			logging.Warn().Err(err).Msg("broker client shutdown failed")
		}
		m.client = nil
	}

	m.subs = make(map[string]*broker.Subscription)
	m.health = HealthDegraded
	metrics.ManagerConnected.Set(0)
	metrics.BrokerSubscriptions.Set(0)
	logging.Info().Msg("connection manager shut down")
}

// brokerInbound receives payloads published to topics this instance is
// subscribed to and writes them to the local connections. Unparseable or
// unroutable payloads are dropped; delivery is at-most-once per instance.
func (m *Manager) brokerInbound(topic string, payload []byte) {
	env, err := envelope.Parse(payload)
	if err != nil {
		logging.Warn().Err(err).Str("topic", topic).Msg("dropping malformed broker payload")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	conns := m.reg.Get(topic)
	if len(conns) == 0 {
		logging.Debug().Str("topic", topic).Msg("no local connection for broker payload")
		return
	}
	for _, conn := range conns {
		if err := conn.Transport.WriteEnvelope(env); err != nil {
			logging.Warn().Err(err).
				Str("connection", conn.ID.String()).
				Str("topic", topic).
				Msg("broker-inbound transport write failed")
		}
	}
}

func (m *Manager) degrade(cause error, note string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.degradeLocked(cause, note)
}

// degradeLocked flips health to degraded. Caller holds mu.
func (m *Manager) degradeLocked(cause error, note string) {
	if m.health == HealthDegraded {
		return
	}
	m.health = HealthDegraded
	metrics.ManagerConnected.Set(0)
	logging.Error().Err(cause).Msg(note + ", entering degraded health")
}
