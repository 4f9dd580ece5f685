// EchoChat - Distributed Real-Time Chat Backend
// Copyright 2026 The EchoChat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/echochat/server

package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process implementation of all three collaborator
// interfaces. It backs tests and local development, and doubles as the
// failure-injection point for storage-outage scenarios.
type Memory struct {
	mu          sync.RWMutex
	users       map[string]User
	rooms       map[string][]string // roomID -> member user ids
	messages    map[string]*Message // messageID -> message
	unavailable bool
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		users:    make(map[string]User),
		rooms:    make(map[string][]string),
		messages: make(map[string]*Message),
	}
}

// SetUnavailable toggles simulated backend unavailability. While set, every
// message operation fails with ErrStorageUnavailable.
func (m *Memory) SetUnavailable(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unavailable = down
}

// AddUser seeds a user.
func (m *Memory) AddUser(id, username string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[id] = User{ID: id, Username: username}
}

// AddRoom seeds a room with its member user ids.
func (m *Memory) AddRoom(roomID string, memberIDs ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms[roomID] = append([]string(nil), memberIDs...)
}

func (m *Memory) CreateMessage(_ context.Context, roomID, senderID, username, content, replyTo string) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.unavailable {
		return nil, ErrStorageUnavailable
	}

	msg := &Message{
		ID:          uuid.NewString(),
		RoomID:      roomID,
		SenderID:    senderID,
		Username:    username,
		Content:     content,
		ReplyTo:     replyTo,
		CreatedAt:   time.Now().UTC(),
		Distributed: false,
		Seen:        false,
	}
	m.messages[msg.ID] = msg

	out := *msg
	return &out, nil
}

func (m *Memory) UpdateMessageFlags(_ context.Context, roomID, messageID string, flags Flags) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.unavailable {
		return nil, ErrStorageUnavailable
	}

	msg, ok := m.messages[messageID]
	if !ok || msg.RoomID != roomID {
		return nil, ErrNotFound
	}

	if flags.Seen != nil {
		msg.Seen = *flags.Seen
	}
	if flags.Distributed != nil {
		msg.Distributed = *flags.Distributed
	}

	out := *msg
	return &out, nil
}

func (m *Memory) RoomsOf(_ context.Context, userID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var rooms []string
	for roomID, members := range m.rooms {
		for _, id := range members {
			if id == userID {
				rooms = append(rooms, roomID)
				break
			}
		}
	}
	return rooms, nil
}

func (m *Memory) MembersOf(_ context.Context, roomID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	members, ok := m.rooms[roomID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]string(nil), members...), nil
}

func (m *Memory) ResolveUser(_ context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := u
	return &out, nil
}
