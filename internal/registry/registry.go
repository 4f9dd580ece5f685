// EchoChat - Distributed Real-Time Chat Backend
// Copyright 2026 The EchoChat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/echochat/server

// Package registry holds the process-local map from routing topic to live
// connection handles. It is a pure in-memory structure with no I/O and no
// locking of its own; the connection manager serializes all access.
package registry

import (
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/echochat/server/internal/envelope"
	"github.com/echochat/server/internal/store"
)

// DevicePolicy decides what happens when a topic that already has a live
// connection registers another one.
type DevicePolicy string

const (
	// PolicyEvictOld closes the prior connection; last writer wins.
	PolicyEvictOld DevicePolicy = "evict_old"
	// PolicyRejectNew refuses the incoming connection.
	PolicyRejectNew DevicePolicy = "reject_new"
)

// ErrTopicOccupied is returned by Add under PolicyRejectNew when the topic
// already has a live connection.
var ErrTopicOccupied = errors.New("topic already has a live connection")

// Transport is the socket capability a Connection writes to. The concrete
// implementation lives in the ws package; tests substitute fakes.
type Transport interface {
	WriteEnvelope(env envelope.Envelope) error
	Close() error
}

// Connection is one attached client. It is owned by the connection manager
// for its lifetime; the registry holds a non-owning lookup entry.
type Connection struct {
	ID        uuid.UUID
	Topic     string
	User      store.User
	Transport Transport
	CreatedAt time.Time
}

// NewConnection builds a connection handle for the given user and socket.
// The topic is the user's id.
func NewConnection(user store.User, transport Transport) *Connection {
	return &Connection{
		ID:        uuid.New(),
		Topic:     user.ID,
		User:      user,
		Transport: transport,
		CreatedAt: time.Now().UTC(),
	}
}

// Registry maps topics to live connections. A topic may map to several
// connections in principle; the device policy decides whether it ever does.
type Registry struct {
	policy DevicePolicy
	conns  map[string][]*Connection
}

// New creates an empty registry with the given device policy.
func New(policy DevicePolicy) *Registry {
	return &Registry{
		policy: policy,
		conns:  make(map[string][]*Connection),
	}
}

// Add inserts conn under its topic. Under PolicyEvictOld it returns the
// displaced connections; the caller is responsible for closing them. Under
// PolicyRejectNew it returns ErrTopicOccupied when the topic is taken.
func (r *Registry) Add(conn *Connection) ([]*Connection, error) {
	existing := r.conns[conn.Topic]
	if len(existing) == 0 {
		r.conns[conn.Topic] = []*Connection{conn}
		return nil, nil
	}

	switch r.policy {
	case PolicyRejectNew:
		return nil, ErrTopicOccupied
	default: // PolicyEvictOld
		evicted := existing
		r.conns[conn.Topic] = []*Connection{conn}
		return evicted, nil
	}
}

// Get returns the live connections for topic, or nil.
func (r *Registry) Get(topic string) []*Connection {
	return r.conns[topic]
}

// Remove deletes conn by identity. It reports whether the entry existed and
// whether any connection remains under the same topic.
func (r *Registry) Remove(conn *Connection) (removed, topicEmpty bool) {
	existing := r.conns[conn.Topic]
	for i, c := range existing {
		if c.ID != conn.ID {
			continue
		}
		remaining := append(existing[:i:i], existing[i+1:]...)
		if len(remaining) == 0 {
			delete(r.conns, conn.Topic)
			return true, true
		}
		r.conns[conn.Topic] = remaining
		return true, false
	}
	return false, len(existing) == 0
}

// Topics returns every topic with at least one live connection, sorted for
// deterministic iteration during subscription rebuilds.
func (r *Registry) Topics() []string {
	topics := make([]string, 0, len(r.conns))
	for t := range r.conns {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

// Len returns the number of live connections across all topics.
func (r *Registry) Len() int {
	n := 0
	for _, conns := range r.conns {
		n += len(conns)
	}
	return n
}
