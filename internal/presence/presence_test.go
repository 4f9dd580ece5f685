// EchoChat - Distributed Real-Time Chat Backend
// Copyright 2026 The EchoChat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/echochat/server

package presence

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/echochat/server/internal/store"
)

func TestSetStatusUpserts(t *testing.T) {
	tr := NewTracker(store.NewMemory())

	rec := tr.SetStatus("user-a", StateOnline)
	if rec.State != StateOnline {
		t.Errorf("State = %q, want online", rec.State)
	}
	if rec.LastChanged.IsZero() {
		t.Error("LastChanged not stamped")
	}

	first := rec.LastChanged
	rec = tr.SetStatus("user-a", StateOffline)
	if rec.State != StateOffline {
		t.Errorf("State = %q, want offline", rec.State)
	}
	if rec.LastChanged.Before(first) {
		t.Error("LastChanged went backwards")
	}

	// Offline records persist rather than being removed.
	got := tr.Status("user-a")
	if got.State != StateOffline || got.LastChanged.IsZero() {
		t.Errorf("Status() = %+v, want persisted offline record", got)
	}
}

func TestStatusUnknownUserIsOffline(t *testing.T) {
	tr := NewTracker(store.NewMemory())

	got := tr.Status("ghost")
	if got.State != StateOffline {
		t.Errorf("State = %q, want offline", got.State)
	}
	if !got.LastChanged.IsZero() {
		t.Errorf("LastChanged = %v, want zero", got.LastChanged)
	}
}

func TestFanoutTargetsDeduplicates(t *testing.T) {
	mem := store.NewMemory()
	// user-b shares two rooms with user-a but must be notified once.
	mem.AddRoom("R1", "user-a", "user-b", "user-c")
	mem.AddRoom("R2", "user-a", "user-b")
	mem.AddRoom("R3", "user-d") // unrelated room

	tr := NewTracker(mem)
	targets, err := tr.FanoutTargets(context.Background(), "user-a")
	if err != nil {
		t.Fatalf("FanoutTargets() error = %v", err)
	}

	want := []string{"user-b", "user-c"}
	if !reflect.DeepEqual(targets, want) {
		t.Errorf("FanoutTargets() = %v, want %v", targets, want)
	}
}

func TestFanoutTargetsExcludesSubject(t *testing.T) {
	mem := store.NewMemory()
	mem.AddRoom("R1", "user-a")

	tr := NewTracker(mem)
	targets, err := tr.FanoutTargets(context.Background(), "user-a")
	if err != nil {
		t.Fatalf("FanoutTargets() error = %v", err)
	}
	if len(targets) != 0 {
		t.Errorf("FanoutTargets() = %v, want empty", targets)
	}
}

func TestFanoutTargetsPropagatesStoreError(t *testing.T) {
	tr := NewTracker(failingMembership{})

	if _, err := tr.FanoutTargets(context.Background(), "user-a"); !errors.Is(err, store.ErrStorageUnavailable) {
		t.Errorf("FanoutTargets() error = %v, want ErrStorageUnavailable", err)
	}
}

type failingMembership struct{}

func (failingMembership) RoomsOf(context.Context, string) ([]string, error) {
	return nil, store.ErrStorageUnavailable
}

func (failingMembership) MembersOf(context.Context, string) ([]string, error) {
	return nil, store.ErrStorageUnavailable
}
