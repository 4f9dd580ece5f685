// EchoChat - Distributed Real-Time Chat Backend
// Copyright 2026 The EchoChat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/echochat/server

package dispatch

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/goccy/go-json"

	"github.com/echochat/server/internal/envelope"
	"github.com/echochat/server/internal/logging"
	"github.com/echochat/server/internal/presence"
	"github.com/echochat/server/internal/store"
)

//nolint:gochecknoinits // init ensures quiet logging for tests
func init() {
	logging.Init(logging.Config{Level: "error", Output: io.Discard})
}

// fakeDeliverer records delivered envelopes and can fail per topic.
type fakeDeliverer struct {
	delivered  []envelope.Envelope
	failTopics map[string]error
}

func (f *fakeDeliverer) Deliver(_ context.Context, env envelope.Envelope) error {
	if err, ok := f.failTopics[env.Topic]; ok {
		return err
	}
	f.delivered = append(f.delivered, env)
	return nil
}

func (f *fakeDeliverer) byAction(action envelope.Action) []envelope.Envelope {
	var out []envelope.Envelope
	for _, env := range f.delivered {
		if env.SendAction() == action {
			out = append(out, env)
		}
	}
	return out
}

func newTestDispatcher(mem *store.Memory) (*Dispatcher, *fakeDeliverer) {
	del := &fakeDeliverer{}
	d := New(del, mem, mem, presence.NewTracker(mem))
	return d, del
}

var alice = store.User{ID: "user-a", Username: "alice"}

func TestDispatchNewMessage(t *testing.T) {
	mem := store.NewMemory()
	mem.AddRoom("R1", "user-a", "user-b")
	d, del := newTestDispatcher(mem)

	env, err := envelope.Parse([]byte(`{"type":"send","data":{"action":"new_message","roomId":"R1","content":"hi"}}`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	d.Dispatch(context.Background(), alice, env)

	fanout := del.byAction(envelope.ActionNewMessage)
	if len(fanout) != 2 {
		t.Fatalf("got %d new_message deliveries, want 2 (sender included)", len(fanout))
	}

	topics := map[string]bool{}
	for _, f := range fanout {
		topics[f.Topic] = true

		var msg store.Message
		if err := json.Unmarshal(f.Data.Message, &msg); err != nil {
			t.Fatalf("unmarshal message body: %v", err)
		}
		if msg.Content != "hi" || msg.SenderID != "user-a" || msg.ID == "" {
			t.Errorf("unexpected message body: %+v", msg)
		}
		if f.Data.RoomID != "R1" {
			t.Errorf("RoomID = %q, want R1", f.Data.RoomID)
		}
	}
	if !topics["user-a"] || !topics["user-b"] {
		t.Errorf("fanout topics = %v, want both members", topics)
	}
	if len(del.byAction(envelope.ActionError)) != 0 {
		t.Error("unexpected error envelope on success path")
	}
}

func TestNewMessageStorageFailure(t *testing.T) {
	mem := store.NewMemory()
	mem.AddRoom("R1", "user-a", "user-b")
	mem.SetUnavailable(true)
	d, del := newTestDispatcher(mem)

	env, _ := envelope.Parse([]byte(`{"type":"send","data":{"action":"new_message","roomId":"R1","content":"hi"}}`))
	d.Dispatch(context.Background(), alice, env)

	// No partial fanout, just an error to the sender.
	if got := del.byAction(envelope.ActionNewMessage); len(got) != 0 {
		t.Errorf("got %d new_message deliveries during outage, want 0", len(got))
	}
	errs := del.byAction(envelope.ActionError)
	if len(errs) != 1 || errs[0].Topic != "user-a" {
		t.Fatalf("error envelopes = %v, want one to sender", errs)
	}

	// The next frame after recovery processes normally.
	mem.SetUnavailable(false)
	del.delivered = nil
	d.Dispatch(context.Background(), alice, env)
	if got := del.byAction(envelope.ActionNewMessage); len(got) != 2 {
		t.Errorf("got %d new_message deliveries after recovery, want 2", len(got))
	}
}

func TestMessageSeen(t *testing.T) {
	mem := store.NewMemory()
	mem.AddRoom("R1", "user-a", "user-b")
	d, del := newTestDispatcher(mem)
	ctx := context.Background()

	msg, err := mem.CreateMessage(ctx, "R1", "user-b", "bob", "hello", "")
	if err != nil {
		t.Fatalf("CreateMessage() error = %v", err)
	}

	raw := `{"type":"send","data":{"action":"message_seen","roomId":"R1","messageId":"` + msg.ID + `"}}`
	env, _ := envelope.Parse([]byte(raw))
	d.Dispatch(ctx, alice, env)

	updated, err := mem.UpdateMessageFlags(ctx, "R1", msg.ID, store.Flags{})
	if err != nil {
		t.Fatalf("read back message: %v", err)
	}
	if !updated.Seen || !updated.Distributed {
		t.Errorf("flags not set: %+v", updated)
	}

	fanout := del.byAction(envelope.ActionMessageUpdate)
	if len(fanout) != 2 {
		t.Fatalf("got %d message_update deliveries, want 2", len(fanout))
	}
	for _, f := range fanout {
		if f.Data.MessageID != msg.ID {
			t.Errorf("MessageID = %q, want %q", f.Data.MessageID, msg.ID)
		}
		if f.Data.Props["seen"] != true || f.Data.Props["distributed"] != true {
			t.Errorf("Props = %v", f.Data.Props)
		}
	}
}

func TestMessageSeenNotFound(t *testing.T) {
	mem := store.NewMemory()
	mem.AddRoom("R1", "user-a", "user-b")
	d, del := newTestDispatcher(mem)

	env, _ := envelope.Parse([]byte(`{"type":"send","data":{"action":"message_seen","roomId":"R1","messageId":"missing"}}`))
	d.Dispatch(context.Background(), alice, env)

	errs := del.byAction(envelope.ActionError)
	if len(errs) != 1 || errs[0].Topic != "user-a" {
		t.Errorf("error envelopes = %v, want one to sender", errs)
	}
}

func TestStatusChangeFanout(t *testing.T) {
	mem := store.NewMemory()
	mem.AddUser("user-a", "alice")
	// user-b shares two rooms with user-a; must be notified once.
	mem.AddRoom("R1", "user-a", "user-b")
	mem.AddRoom("R2", "user-a", "user-b", "user-c")
	d, del := newTestDispatcher(mem)

	d.Dispatch(context.Background(), alice, envelope.NewStatusChange("online"))

	fanout := del.byAction(envelope.ActionUserUpdate)
	if len(fanout) != 2 {
		t.Fatalf("got %d user_update deliveries, want 2", len(fanout))
	}
	seen := map[string]bool{}
	for _, f := range fanout {
		seen[f.Topic] = true
		if f.Data.UserID != "user-a" {
			t.Errorf("UserID = %q, want user-a", f.Data.UserID)
		}
		if f.Data.Props["status"] != "online" {
			t.Errorf("status = %v, want online", f.Data.Props["status"])
		}
	}
	if !seen["user-b"] || !seen["user-c"] {
		t.Errorf("fanout topics = %v", seen)
	}
}

func TestUnknownActionIgnored(t *testing.T) {
	mem := store.NewMemory()
	d, del := newTestDispatcher(mem)

	env, err := envelope.Parse([]byte(`{"type":"send","data":{"action":"typing_indicator"}}`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	d.Dispatch(context.Background(), alice, env)

	if len(del.delivered) != 0 {
		t.Errorf("unknown action produced deliveries: %v", del.delivered)
	}
}

func TestFanoutDeliveryFailureSurfaced(t *testing.T) {
	mem := store.NewMemory()
	mem.AddRoom("R1", "user-a", "user-b")
	del := &fakeDeliverer{failTopics: map[string]error{
		"user-b": errors.New("recipient unreachable"),
	}}
	d := New(del, mem, mem, presence.NewTracker(mem))

	env, _ := envelope.Parse([]byte(`{"type":"send","data":{"action":"new_message","roomId":"R1","content":"hi"}}`))
	d.Dispatch(context.Background(), alice, env)

	// Sender still got their copy, and an error about the failed recipient.
	if got := del.byAction(envelope.ActionNewMessage); len(got) != 1 || got[0].Topic != "user-a" {
		t.Errorf("new_message deliveries = %v", got)
	}
	errs := del.byAction(envelope.ActionError)
	if len(errs) != 1 || errs[0].Topic != "user-a" {
		t.Errorf("error envelopes = %v, want one to sender", errs)
	}
}

// panicStore blows up on every operation, standing in for a handler bug.
type panicStore struct{}

func (panicStore) CreateMessage(context.Context, string, string, string, string, string) (*store.Message, error) {
	panic("boom")
}

func (panicStore) UpdateMessageFlags(context.Context, string, string, store.Flags) (*store.Message, error) {
	panic("boom")
}

func TestHandlerPanicIsolated(t *testing.T) {
	mem := store.NewMemory()
	mem.AddRoom("R1", "user-a", "user-b")
	del := &fakeDeliverer{}
	d := New(del, panicStore{}, mem, presence.NewTracker(mem))

	env, _ := envelope.Parse([]byte(`{"type":"send","data":{"action":"new_message","roomId":"R1","content":"hi"}}`))

	// Must not propagate the panic.
	d.Dispatch(context.Background(), alice, env)

	errs := del.byAction(envelope.ActionError)
	if len(errs) != 1 || errs[0].Topic != "user-a" {
		t.Fatalf("error envelopes = %v, want one to sender", errs)
	}

	// The dispatcher keeps working for later frames.
	d.Dispatch(context.Background(), alice, envelope.NewStatusChange("online"))
	if got := del.byAction(envelope.ActionUserUpdate); len(got) != 1 {
		t.Errorf("user_update deliveries after panic = %d, want 1", len(got))
	}
}
