// EchoChat - Distributed Real-Time Chat Backend
// Copyright 2026 The EchoChat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/echochat/server

// Package dispatch interprets an inbound envelope's declared action and
// invokes the matching domain handler. Handler calls are isolated: a failure
// or panic inside one is caught, logged, and converted into an error
// envelope addressed back to the sender, so one bad event cannot kill the
// connection's read loop.
package dispatch

import (
	"context"
	"fmt"

	"github.com/echochat/server/internal/envelope"
	"github.com/echochat/server/internal/logging"
	"github.com/echochat/server/internal/metrics"
	"github.com/echochat/server/internal/presence"
	"github.com/echochat/server/internal/store"
)

// Error texts surfaced to clients. Plain descriptions of the failure
// category, never backend internals.
const (
	errTextGeneric       = "An error occurred while handling websocket action"
	errTextNewMessage    = "An error occurred while handling the new message"
	errTextMessageSeen   = "An error occurred while handling the message seen event"
	errTextStatusChange  = "An error occurred while handling the user status change event"
	errTextUndeliverable = "Message could not be delivered to all recipients"
)

// Deliverer routes an outbound envelope to its topic: locally when the
// recipient is attached to this instance, via the broker otherwise. The
// connection manager implements it.
type Deliverer interface {
	Deliver(ctx context.Context, env envelope.Envelope) error
}

// Dispatcher maps (type, action) pairs to handlers.
type Dispatcher struct {
	deliverer  Deliverer
	messages   store.MessageStore
	membership store.MembershipStore
	presence   *presence.Tracker
}

// New creates a dispatcher over the given collaborators.
func New(deliverer Deliverer, messages store.MessageStore, membership store.MembershipStore, tracker *presence.Tracker) *Dispatcher {
	return &Dispatcher{
		deliverer:  deliverer,
		messages:   messages,
		membership: membership,
		presence:   tracker,
	}
}

// Dispatch routes env to its handler. sender is the user behind the
// originating connection. Dispatch never returns an error and never panics;
// failures become error envelopes to the sender.
func (d *Dispatcher) Dispatch(ctx context.Context, sender store.User, env envelope.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error().
				Str("user", sender.ID).
				Str("type", string(env.Type)).
				Interface("panic", r).
				Msg("handler panicked")
			metrics.DispatchesTotal.WithLabelValues(env.Data.Action, "panic").Inc()
			d.sendError(ctx, sender.ID, errTextGeneric)
		}
	}()

	switch env.Type {
	case envelope.TypeSend:
		switch env.SendAction() {
		case envelope.ActionNewMessage:
			d.handleNewMessage(ctx, sender, env)
		case envelope.ActionMessageSeen:
			d.handleMessageSeen(ctx, sender, env)
		default:
			// Unknown client actions are skipped for forward compatibility.
			logging.Debug().
				Str("user", sender.ID).
				Str("action", env.Data.Action).
				Msg("ignoring unrecognized action")
			metrics.DispatchesTotal.WithLabelValues(env.Data.Action, "ignored").Inc()
		}
	case envelope.TypeUserStatusChange:
		d.handleStatusChange(ctx, sender, env.Data.NewStatus)
	}
}

// handleNewMessage persists the message, then fans it out to every member of
// the target room, sender included, mirroring stored state.
func (d *Dispatcher) handleNewMessage(ctx context.Context, sender store.User, env envelope.Envelope) {
	roomID := env.Data.RoomID
	if roomID == "" {
		d.fail(ctx, sender, "new_message", fmt.Errorf("missing roomId"), errTextNewMessage)
		return
	}

	msg, err := d.messages.CreateMessage(ctx, roomID, sender.ID, sender.Username, env.Data.Content, env.Data.ReplyTo)
	if err != nil {
		// Storage failure means no fanout at all; partial delivery of an
		// unpersisted message would diverge from stored state.
		d.fail(ctx, sender, "new_message", err, errTextNewMessage)
		return
	}

	members, err := d.membership.MembersOf(ctx, roomID)
	if err != nil {
		d.fail(ctx, sender, "new_message", err, errTextNewMessage)
		return
	}

	var undelivered bool
	for _, member := range members {
		fan, err := envelope.NewMessageEvent(member, roomID, msg)
		if err != nil {
			d.fail(ctx, sender, "new_message", err, errTextNewMessage)
			return
		}
		if err := d.deliverer.Deliver(ctx, fan); err != nil {
			logging.Warn().Err(err).
				Str("message", msg.ID).
				Str("recipient", member).
				Msg("new_message fanout delivery failed")
			undelivered = true
		}
	}

	if undelivered {
		metrics.DispatchesTotal.WithLabelValues("new_message", "partial").Inc()
		d.sendError(ctx, sender.ID, errTextUndeliverable)
		return
	}
	metrics.DispatchesTotal.WithLabelValues("new_message", "ok").Inc()
}

// handleMessageSeen marks the message seen (and therefore distributed) and
// announces the changed flags to all room members.
func (d *Dispatcher) handleMessageSeen(ctx context.Context, sender store.User, env envelope.Envelope) {
	roomID, messageID := env.Data.RoomID, env.Data.MessageID
	if roomID == "" || messageID == "" {
		d.fail(ctx, sender, "message_seen", fmt.Errorf("missing roomId or messageId"), errTextMessageSeen)
		return
	}

	// Seen implies received.
	flags := store.Flags{Seen: store.BoolPtr(true), Distributed: store.BoolPtr(true)}
	msg, err := d.messages.UpdateMessageFlags(ctx, roomID, messageID, flags)
	if err != nil {
		d.fail(ctx, sender, "message_seen", err, errTextMessageSeen)
		return
	}

	members, err := d.membership.MembersOf(ctx, roomID)
	if err != nil {
		d.fail(ctx, sender, "message_seen", err, errTextMessageSeen)
		return
	}

	props := map[string]any{"distributed": true, "seen": true}
	var undelivered bool
	for _, member := range members {
		fan := envelope.NewMessageUpdate(member, roomID, msg.ID, props)
		if err := d.deliverer.Deliver(ctx, fan); err != nil {
			logging.Warn().Err(err).
				Str("message", msg.ID).
				Str("recipient", member).
				Msg("message_update fanout delivery failed")
			undelivered = true
		}
	}

	if undelivered {
		metrics.DispatchesTotal.WithLabelValues("message_seen", "partial").Inc()
		d.sendError(ctx, sender.ID, errTextUndeliverable)
		return
	}
	metrics.DispatchesTotal.WithLabelValues("message_seen", "ok").Inc()
}

// handleStatusChange records the presence transition and notifies the
// de-duplicated set of users sharing a room with the sender. Delivery
// failures are surfaced to the sender like any other handler failure.
func (d *Dispatcher) handleStatusChange(ctx context.Context, sender store.User, status string) {
	state := presence.StateOffline
	if status == string(presence.StateOnline) {
		state = presence.StateOnline
	}
	d.presence.SetStatus(sender.ID, state)

	targets, err := d.presence.FanoutTargets(ctx, sender.ID)
	if err != nil {
		d.fail(ctx, sender, "user_status_change", err, errTextStatusChange)
		return
	}

	var undelivered bool
	for _, target := range targets {
		fan := envelope.NewUserUpdate(target, sender.ID, string(state))
		if err := d.deliverer.Deliver(ctx, fan); err != nil {
			logging.Warn().Err(err).
				Str("user", sender.ID).
				Str("recipient", target).
				Msg("user_update fanout delivery failed")
			undelivered = true
		}
	}

	if undelivered {
		metrics.DispatchesTotal.WithLabelValues("user_status_change", "partial").Inc()
		d.sendError(ctx, sender.ID, errTextUndeliverable)
		return
	}
	metrics.DispatchesTotal.WithLabelValues("user_status_change", "ok").Inc()
}

func (d *Dispatcher) fail(ctx context.Context, sender store.User, action string, err error, text string) {
	logging.Error().Err(err).
		Str("user", sender.ID).
		Str("action", action).
		Msg("handler failed")
	metrics.DispatchesTotal.WithLabelValues(action, "error").Inc()
	d.sendError(ctx, sender.ID, text)
}

// sendError delivers an error envelope to the sender. The sender is attached
// to this instance, so this takes the local fast path and cannot loop.
func (d *Dispatcher) sendError(ctx context.Context, recipient, text string) {
	env := envelope.NewError(recipient, text)
	if err := d.deliverer.Deliver(ctx, env); err != nil {
		logging.Warn().Err(err).Str("recipient", recipient).Msg("failed to deliver error envelope")
	}
}
