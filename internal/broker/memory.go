// EchoChat - Distributed Real-Time Chat Backend
// Copyright 2026 The EchoChat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/echochat/server

package broker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// errBusDown simulates a lost broker backend on the memory bus.
var errBusDown = errors.New("bus is down")

// Bus is an in-process pub/sub backend shared by one or more memory clients.
// It stands in for Redis in tests and single-node deployments, and can be
// "taken down" to exercise degrade-and-recover paths.
type Bus struct {
	mu   sync.Mutex
	subs map[string]map[*MemoryClient]struct{}
	down bool

	// publishes counts successful publishes per topic, for assertions on
	// routing behavior.
	publishes map[string]int
}

// NewBus creates an empty memory bus.
func NewBus() *Bus {
	return &Bus{
		subs:      make(map[string]map[*MemoryClient]struct{}),
		publishes: make(map[string]int),
	}
}

// SetDown toggles simulated backend unavailability. While down, every
// operation on attached clients fails and health checks report false.
func (b *Bus) SetDown(down bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.down = down
}

// Publishes reports how many payloads were published to topic.
func (b *Bus) Publishes(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.publishes[topic]
}

// Connect attaches a new client to the bus. Like a real broker connect it
// fails while the bus is down.
func (b *Bus) Connect(handler Handler) (*MemoryClient, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.down {
		return nil, &Error{Op: "connect", Err: errBusDown}
	}
	return &MemoryClient{bus: b, handler: handler}, nil
}

// Factory returns a broker Factory backed by this bus, for wiring into the
// connection manager.
func (b *Bus) Factory() Factory {
	return func(handler Handler) (Client, error) {
		return b.Connect(handler)
	}
}

// MemoryClient is one instance's attachment to a Bus.
type MemoryClient struct {
	bus     *Bus
	handler Handler
	mu      sync.Mutex
	closed  bool
}

func (c *MemoryClient) Publish(_ context.Context, topic string, payload []byte) error {
	if err := c.check("publish"); err != nil {
		return err
	}

	c.bus.mu.Lock()
	c.bus.publishes[topic]++
	targets := make([]*MemoryClient, 0, len(c.bus.subs[topic]))
	for sub := range c.bus.subs[topic] {
		if sub != c {
			targets = append(targets, sub)
		}
	}
	c.bus.mu.Unlock()

	// Delivery happens outside the bus lock; subscribers receive exactly
	// what was published.
	for _, sub := range targets {
		sub.handler(topic, payload)
	}
	return nil
}

func (c *MemoryClient) Subscribe(_ context.Context, topic string) (*Subscription, error) {
	if err := c.check("subscribe"); err != nil {
		return nil, err
	}

	c.bus.mu.Lock()
	defer c.bus.mu.Unlock()
	if c.bus.subs[topic] == nil {
		c.bus.subs[topic] = make(map[*MemoryClient]struct{})
	}
	c.bus.subs[topic][c] = struct{}{}

	return &Subscription{Topic: topic, SubscribedAt: time.Now().UTC()}, nil
}

func (c *MemoryClient) Unsubscribe(_ context.Context, sub *Subscription) error {
	if sub == nil {
		return nil
	}

	c.bus.mu.Lock()
	defer c.bus.mu.Unlock()
	delete(c.bus.subs[sub.Topic], c)
	return nil
}

func (c *MemoryClient) HealthCheck(context.Context) bool {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return false
	}

	c.bus.mu.Lock()
	defer c.bus.mu.Unlock()
	return !c.bus.down
}

func (c *MemoryClient) Shutdown(context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.bus.mu.Lock()
	defer c.bus.mu.Unlock()
	for _, subs := range c.bus.subs {
		delete(subs, c)
	}
	return nil
}

// Topics lists this client's active subscriptions, for test assertions.
func (c *MemoryClient) Topics() []string {
	c.bus.mu.Lock()
	defer c.bus.mu.Unlock()

	var topics []string
	for topic, subs := range c.bus.subs {
		if _, ok := subs[c]; ok {
			topics = append(topics, topic)
		}
	}
	return topics
}

func (c *MemoryClient) check(op string) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return &Error{Op: op, Err: errors.New("client closed")}
	}

	c.bus.mu.Lock()
	down := c.bus.down
	c.bus.mu.Unlock()
	if down {
		return &Error{Op: op, Err: errBusDown}
	}
	return nil
}
