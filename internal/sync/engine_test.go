package sync

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/cydjerr/speakjerr/internal/bus"
	"github.com/cydjerr/speakjerr/internal/calls"
	"github.com/cydjerr/speakjerr/internal/protocol"
	"github.com/cydjerr/speakjerr/internal/store"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.OpenMigrated(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func message(id, conv string, status protocol.MessageStatus, at int64) protocol.Message {
	return protocol.Message{
		ID:             id,
		ConversationID: conv,
		Sender:         protocol.User{ID: "u-bob"},
		Type:           protocol.MessageText,
		Content:        id,
		Status:         status,
		CreatedAt:      protocol.At(time.UnixMilli(at)),
	}
}

func TestIngestMessageIdempotentAndForwardOnly(t *testing.T) {
	db := testDB(t)
	e := NewEngine(db, bus.New(), nil)
	ctx := context.Background()

	if err := e.IngestMessage(ctx, message("m1", "c1", protocol.StatusRead, 1000)); err != nil {
		t.Fatal(err)
	}
	if err := e.IngestMessage(ctx, message("m1", "c1", protocol.StatusDelivered, 1000)); err != nil {
		t.Fatal(err)
	}
	msgs, err := db.ListMessages(ctx, "c1", time.Time{}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 (idempotent)", len(msgs))
	}
	if msgs[0].Status != protocol.StatusRead {
		t.Errorf("status = %s, want read", msgs[0].Status)
	}
	if err := e.IngestMessage(ctx, protocol.Message{ConversationID: "c1"}); err != nil {
		t.Errorf("message without id should be skipped, got %v", err)
	}
}

func TestIngestBatch(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	e := NewEngine(db, b, nil)
	ch, unsub := b.Subscribe("sync.", 10)
	defer unsub()

	batch := []protocol.Message{
		message("m1", "a", protocol.StatusSent, 1000),
		message("m2", "a", protocol.StatusSent, 2000),
		message("m3", "b", protocol.StatusSent, 3000),
	}
	ctx := context.Background()
	if err := e.IngestBatch(ctx, batch); err != nil {
		t.Fatal(err)
	}
	if err := e.IngestBatch(ctx, batch); err != nil {
		t.Fatal(err)
	}

	msgsA, _ := db.ListMessages(ctx, "a", time.Time{}, 10)
	msgsB, _ := db.ListMessages(ctx, "b", time.Time{}, 10)
	if len(msgsA) != 2 || len(msgsB) != 1 {
		t.Errorf("got %d+%d messages, want 2+1", len(msgsA), len(msgsB))
	}

	select {
	case evt := <-ch:
		if evt.Kind != bus.BatchPersisted || evt.Payload != 3 {
			t.Errorf("event = %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for batch notification")
	}
}

func TestEngineFollowsBus(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	e := NewEngine(db, b, nil)
	e.Start(context.Background())
	defer e.Stop()

	last := message("m1", "c1", protocol.StatusSent, 5000)
	b.Emit(bus.ConversationUpserted, protocol.Conversation{ID: "c1", Name: "Bob", LastMessage: &last})
	b.Emit(bus.MessageUpserted, last)
	b.Emit(bus.ConversationUpserted, protocol.Conversation{ID: "c2"})
	b.Emit(bus.ConversationRemoved, "c2")
	b.Emit(bus.CallStateChanged, calls.StateChange{
		CallID: "k1",
		To:     protocol.CallCompleted,
		Call:   protocol.Call{ID: "k1", Type: protocol.CallAudio, Status: protocol.CallCompleted, Duration: 42},
	})
	b.Emit(bus.TypingChanged, "ignored")

	ctx := context.Background()
	deadline := time.Now().Add(2 * time.Second)
	for {
		c1, _ := db.GetConversation(ctx, "c1")
		c2, _ := db.GetConversation(ctx, "c2")
		m1, _ := db.GetMessage(ctx, "m1")
		history, _ := db.ListCalls(ctx, 10)
		if c1 != nil && c2 == nil && m1 != nil && len(history) == 1 {
			if history[0].Duration != 42 {
				t.Errorf("call = %+v", history[0])
			}
			if c1.LastMessage == nil || c1.LastMessage.ID != "m1" {
				t.Errorf("conversation = %+v", c1)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("state not persisted: c1=%v c2=%v m1=%v calls=%d", c1, c2, m1, len(history))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestReconcilerCheckpoints(t *testing.T) {
	db := testDB(t)
	r := NewReconciler(db, nil)
	ctx := context.Background()

	if _, ok, err := r.GetCheckpoint(ctx, "missing"); err != nil || ok {
		t.Fatalf("missing checkpoint = %v, %v", ok, err)
	}
	if err := r.UpdateCheckpoint(ctx, "k", "v1"); err != nil {
		t.Fatal(err)
	}
	if err := r.UpdateCheckpoint(ctx, "k", "v2"); err != nil {
		t.Fatal(err)
	}
	if v, ok, err := r.GetCheckpoint(ctx, "k"); err != nil || !ok || v != "v2" {
		t.Errorf("checkpoint = %q, %v, %v", v, ok, err)
	}

	fixed := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return fixed }
	if err := r.MarkHydrated(ctx, "conversations"); err != nil {
		t.Fatal(err)
	}
	at, ok, err := r.LastHydrated(ctx, "conversations")
	if err != nil || !ok || !at.Equal(fixed) {
		t.Errorf("LastHydrated = %v, %v, %v", at, ok, err)
	}
}
