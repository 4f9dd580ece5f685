// EchoChat - Distributed Real-Time Chat Backend
// Copyright 2026 The EchoChat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/echochat/server

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Key prefix for BadgerDB message records: msg:<roomID>:<messageID>
const messageKeyPrefix = "msg:"

// BadgerMessageStore implements MessageStore using BadgerDB for durable
// local storage. It is the default single-node message backend; clustered
// deployments substitute their own MessageStore at the same boundary.
type BadgerMessageStore struct {
	db *badger.DB
}

// OpenBadgerMessageStore opens (or creates) a Badger database at path.
func OpenBadgerMessageStore(path string) (*BadgerMessageStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", path, err)
	}
	return &BadgerMessageStore{db: db}, nil
}

// NewBadgerMessageStore wraps an already-open Badger database.
func NewBadgerMessageStore(db *badger.DB) *BadgerMessageStore {
	return &BadgerMessageStore{db: db}
}

// Close releases the underlying database.
func (s *BadgerMessageStore) Close() error {
	return s.db.Close()
}

func messageKey(roomID, messageID string) []byte {
	return []byte(messageKeyPrefix + roomID + ":" + messageID)
}

func (s *BadgerMessageStore) CreateMessage(_ context.Context, roomID, senderID, username, content, replyTo string) (*Message, error) {
	msg := &Message{
		ID:        uuid.NewString(),
		RoomID:    roomID,
		SenderID:  senderID,
		Username:  username,
		Content:   content,
		ReplyTo:   replyTo,
		CreatedAt: time.Now().UTC(),
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(messageKey(roomID, msg.ID), data)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	return msg, nil
}

func (s *BadgerMessageStore) UpdateMessageFlags(_ context.Context, roomID, messageID string, flags Flags) (*Message, error) {
	var msg Message

	err := s.db.Update(func(txn *badger.Txn) error {
		key := messageKey(roomID, messageID)

		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &msg)
		}); err != nil {
			return err
		}

		if flags.Seen != nil {
			msg.Seen = *flags.Seen
		}
		if flags.Distributed != nil {
			msg.Distributed = *flags.Distributed
		}

		data, err := json.Marshal(&msg)
		if err != nil {
			return err
		}
		return txn.Set(key, data)
	})

	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	return &msg, nil
}
