// EchoChat - Distributed Real-Time Chat Backend
// Copyright 2026 The EchoChat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/echochat/server

// Package presence tracks each user's online/offline state and computes the
// fanout set for a presence change. States are created lazily on the first
// transition and persist as "offline" rather than being deleted.
package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/echochat/server/internal/store"
)

// State is a user's presence value.
type State string

const (
	StateOnline  State = "online"
	StateOffline State = "offline"
)

// Record is the tracked presence of one user.
type Record struct {
	UserID      string
	State       State
	LastChanged time.Time
}

// Tracker maintains presence records and answers fanout queries against the
// membership store.
type Tracker struct {
	mu         sync.RWMutex
	states     map[string]Record
	membership store.MembershipStore
}

// NewTracker creates an empty tracker backed by the given membership store.
func NewTracker(membership store.MembershipStore) *Tracker {
	return &Tracker{
		states:     make(map[string]Record),
		membership: membership,
	}
}

// SetStatus upserts the user's state and stamps the transition time.
func (t *Tracker) SetStatus(userID string, state State) Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := Record{
		UserID:      userID,
		State:       state,
		LastChanged: time.Now().UTC(),
	}
	t.states[userID] = rec
	return rec
}

// Status returns the tracked record for userID. Users that never connected
// report offline with a zero transition time.
func (t *Tracker) Status(userID string) Record {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if rec, ok := t.states[userID]; ok {
		return rec
	}
	return Record{UserID: userID, State: StateOffline}
}

// FanoutTargets computes the de-duplicated set of users sharing at least one
// room with userID. A co-member in several shared rooms appears once; the
// subject is excluded. The result is sorted for deterministic delivery.
func (t *Tracker) FanoutTargets(ctx context.Context, userID string) ([]string, error) {
	rooms, err := t.membership.RoomsOf(ctx, userID)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	for _, roomID := range rooms {
		members, err := t.membership.MembersOf(ctx, roomID)
		if err != nil {
			return nil, err
		}
		for _, id := range members {
			if id == userID {
				continue
			}
			seen[id] = struct{}{}
		}
	}

	targets := make([]string, 0, len(seen))
	for id := range seen {
		targets = append(targets, id)
	}
	sort.Strings(targets)
	return targets, nil
}
