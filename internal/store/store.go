// EchoChat - Distributed Real-Time Chat Backend
// Copyright 2026 The EchoChat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/echochat/server

// Package store defines the persistence collaborators of the fanout core:
// the message store, the room-membership store, and identity resolution.
// The core only depends on the interfaces here; implementations include an
// in-memory store (tests, seeding) and a Badger-backed message store.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound reports a missing user, room, or message. A logic error,
	// never retried.
	ErrNotFound = errors.New("not found")

	// ErrStorageUnavailable reports a retryable backend failure. Handlers
	// surface it to the sender instead of fanning out partial state.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// Message is a persisted chat message. JSON field names mirror the client
// protocol so the stored shape can be embedded directly in fanout frames.
type Message struct {
	ID          string    `json:"_id"`
	RoomID      string    `json:"roomId"`
	SenderID    string    `json:"senderId"`
	Username    string    `json:"username"`
	Content     string    `json:"content"`
	ReplyTo     string    `json:"replyMessage,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	Seen        bool      `json:"seen"`
	Distributed bool      `json:"distributed"`
}

// Flags selects which delivery flags UpdateMessageFlags mutates; nil fields
// are left unchanged.
type Flags struct {
	Seen        *bool
	Distributed *bool
}

// User is a resolved identity for an attaching connection.
type User struct {
	ID       string
	Username string
}

// MessageStore persists chat messages.
type MessageStore interface {
	// CreateMessage stores a new message and returns the persisted record
	// with its assigned id and timestamps.
	CreateMessage(ctx context.Context, roomID, senderID, username, content, replyTo string) (*Message, error)

	// UpdateMessageFlags mutates delivery flags on an existing message and
	// returns the updated record. Missing messages yield ErrNotFound.
	UpdateMessageFlags(ctx context.Context, roomID, messageID string, flags Flags) (*Message, error)
}

// MembershipStore answers room membership queries for fanout computation.
type MembershipStore interface {
	RoomsOf(ctx context.Context, userID string) ([]string, error)
	MembersOf(ctx context.Context, roomID string) ([]string, error)
}

// IdentityResolver validates the identifier a connection declares.
// Registration is refused when resolution yields ErrNotFound.
type IdentityResolver interface {
	ResolveUser(ctx context.Context, id string) (*User, error)
}

// BoolPtr is a convenience for building Flags literals.
func BoolPtr(v bool) *bool { return &v }
