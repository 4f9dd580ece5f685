// EchoChat - Distributed Real-Time Chat Backend
// Copyright 2026 The EchoChat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/echochat/server

// Package envelope defines the wire-level message shape exchanged over both
// the client websocket and the broker. An Envelope is an immutable value
// object; parsing happens once at the boundary and produces a closed set of
// type/action variants. Unknown actions map to ActionIgnored rather than
// failing, so newer clients can speak to older servers.
package envelope

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

// Type discriminates the two envelope kinds on the wire.
type Type string

const (
	// TypeSend carries a routed chat event; Data.Action selects the handler.
	TypeSend Type = "send"
	// TypeUserStatusChange announces a presence transition for the sender.
	TypeUserStatusChange Type = "user_status_change"
)

// Action selects the handler for a TypeSend envelope.
type Action string

const (
	ActionNewMessage    Action = "new_message"
	ActionMessageSeen   Action = "message_seen"
	ActionMessageUpdate Action = "message_update"
	ActionUserUpdate    Action = "user_update"
	ActionError         Action = "error"

	// ActionIgnored is the explicit variant for actions this server does not
	// recognize. Frames carrying it are skipped, never rejected.
	ActionIgnored Action = "ignored"
)

// ErrMalformed reports a frame that could not be parsed into an Envelope.
// The frame is dropped; the connection stays open.
var ErrMalformed = errors.New("malformed envelope")

// Payload is the data section of an Envelope. Field names mirror the client
// protocol; most fields are meaningful only for particular actions.
type Payload struct {
	Action    string `json:"action,omitempty"`
	RoomID    string `json:"roomId,omitempty"`
	UserID    string `json:"userId,omitempty"`
	Content   string `json:"content,omitempty"`
	ReplyTo   string `json:"replyMessage,omitempty"`
	MessageID string `json:"messageId,omitempty"`
	NewStatus string `json:"new_status,omitempty"`

	// Message holds the error text for ActionError frames and the persisted
	// message body for ActionNewMessage fanout. Both use the same wire key,
	// so it stays raw until the reader knows which it is.
	Message json.RawMessage `json:"message,omitempty"`

	Props map[string]any `json:"props,omitempty"`
}

// Envelope is the structured unit exchanged over client transport and broker
// channels. Topic identifies the destination routing key (a user id).
type Envelope struct {
	Type  Type    `json:"type"`
	Topic string  `json:"topic,omitempty"`
	Data  Payload `json:"data"`
}

// Parse decodes a raw frame into an Envelope. It fails with ErrMalformed
// when the JSON is invalid, the type is unrecognized, or a send envelope
// carries neither a topic to route nor an action to dispatch.
func Parse(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch env.Type {
	case TypeSend:
		if env.Topic == "" && env.Data.Action == "" {
			return Envelope{}, fmt.Errorf("%w: send envelope without topic or action", ErrMalformed)
		}
	case TypeUserStatusChange:
		// Topic is optional; the subject is the sending connection.
	default:
		return Envelope{}, fmt.Errorf("%w: unknown type %q", ErrMalformed, env.Type)
	}

	return env, nil
}

// Encode serializes the envelope for the broker channel or a client write.
func Encode(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// SendAction resolves the closed action variant for a TypeSend envelope.
// Unknown actions resolve to ActionIgnored.
func (e Envelope) SendAction() Action {
	if e.Type != TypeSend {
		return ActionIgnored
	}
	switch Action(e.Data.Action) {
	case ActionNewMessage, ActionMessageSeen, ActionMessageUpdate, ActionUserUpdate, ActionError:
		return Action(e.Data.Action)
	default:
		return ActionIgnored
	}
}

// ErrorText extracts the human-readable text of an ActionError envelope.
func (e Envelope) ErrorText() string {
	var text string
	if err := json.Unmarshal(e.Data.Message, &text); err != nil {
		return ""
	}
	return text
}

// NewError builds the outbound error frame addressed to recipient.
func NewError(recipient, text string) Envelope {
	raw, _ := json.Marshal(text)
	return Envelope{
		Type:  TypeSend,
		Topic: recipient,
		Data: Payload{
			Action:  string(ActionError),
			Message: raw,
		},
	}
}

// NewStatusChange builds the synthesized presence frame dispatched on
// connection register and disconnect.
func NewStatusChange(status string) Envelope {
	return Envelope{
		Type: TypeUserStatusChange,
		Data: Payload{NewStatus: status},
	}
}

// NewMessageEvent builds the new_message fanout frame carrying the persisted
// message body to one room member.
func NewMessageEvent(recipient, roomID string, message any) (Envelope, error) {
	raw, err := json.Marshal(message)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode message body: %w", err)
	}
	return Envelope{
		Type:  TypeSend,
		Topic: recipient,
		Data: Payload{
			Action:  string(ActionNewMessage),
			RoomID:  roomID,
			Message: raw,
		},
	}, nil
}

// NewMessageUpdate builds the message_update fanout frame announcing changed
// delivery flags to one room member.
func NewMessageUpdate(recipient, roomID, messageID string, props map[string]any) Envelope {
	return Envelope{
		Type:  TypeSend,
		Topic: recipient,
		Data: Payload{
			Action:    string(ActionMessageUpdate),
			RoomID:    roomID,
			MessageID: messageID,
			Props:     props,
		},
	}
}

// NewUserUpdate builds the user_update fanout frame announcing a presence
// transition to one co-member.
func NewUserUpdate(recipient, userID, status string) Envelope {
	return Envelope{
		Type:  TypeSend,
		Topic: recipient,
		Data: Payload{
			Action: string(ActionUserUpdate),
			UserID: userID,
			Props:  map[string]any{"status": status},
		},
	}
}
