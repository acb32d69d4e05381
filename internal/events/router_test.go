package events

import (
	"context"
	"encoding/json"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/cydjerr/speakjerr/internal/apperr"
	"github.com/cydjerr/speakjerr/internal/protocol"
)

type mockSender struct {
	connected bool
	sent      []protocol.Event
}

func (m *mockSender) Send(_ context.Context, ev protocol.Event) bool {
	if !m.connected {
		return false
	}
	m.sent = append(m.sent, ev)
	return true
}

func TestHandlersRunInRegistrationOrder(t *testing.T) {
	r := NewRouter(zaptest.NewLogger(t))
	var order []int
	On(r, func(protocol.TypingStart) { order = append(order, 1) })
	On(r, func(protocol.TypingStart) { order = append(order, 2) })
	On(r, func(protocol.TypingStop) { order = append(order, 99) })

	r.Dispatch(protocol.TypingStart{ConversationID: "c1"})

	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Errorf("order = %v, want [1 2]", order)
	}
}

func TestPanickingHandlerIsIsolated(t *testing.T) {
	r := NewRouter(zaptest.NewLogger(t))
	ran := false
	On(r, func(protocol.NewMessage) { panic("boom") })
	On(r, func(protocol.NewMessage) { ran = true })

	r.Dispatch(protocol.NewMessage{})

	if !ran {
		t.Error("second handler did not run after first panicked")
	}
}

func TestOff(t *testing.T) {
	r := NewRouter(nil)
	calls := 0
	sub := On(r, func(protocol.Pong) { calls++ })
	keep := On(r, func(protocol.Pong) { calls += 10 })

	sub.Off()
	sub.Off()
	r.Dispatch(protocol.Pong{})

	if calls != 10 {
		t.Errorf("calls = %d, want 10", calls)
	}
	if r.Handlers(protocol.EventPong) != 1 {
		t.Errorf("Handlers = %d, want 1", r.Handlers(protocol.EventPong))
	}
	keep.Off()
	if r.Handlers(protocol.EventPong) != 0 {
		t.Errorf("Handlers after Off = %d, want 0", r.Handlers(protocol.EventPong))
	}
}

func TestDispatchRaw(t *testing.T) {
	r := NewRouter(zaptest.NewLogger(t))
	var got protocol.MessageRead
	On(r, func(ev protocol.MessageRead) { got = ev })

	err := r.DispatchRaw(protocol.EventMessageRead, json.RawMessage(`{"conversationId":"c1","messageIds":["m1","m2"],"userId":"u2"}`))
	if err != nil {
		t.Fatal(err)
	}
	if got.ConversationID != "c1" || len(got.MessageIDs) != 2 || got.Reader != "u2" {
		t.Errorf("got %+v", got)
	}
}

func TestDispatchRawDropsBadEvents(t *testing.T) {
	r := NewRouter(zaptest.NewLogger(t))
	called := false
	On(r, func(protocol.MessageRead) { called = true })

	if err := r.DispatchRaw("not_an_event", nil); apperr.CodeOf(err) != apperr.CodeProtocol {
		t.Errorf("unknown event err = %v", err)
	}
	if err := r.DispatchRaw(protocol.EventMessageRead, json.RawMessage(`[1,2`)); apperr.CodeOf(err) != apperr.CodeProtocol {
		t.Errorf("malformed event err = %v", err)
	}
	if called {
		t.Error("handler ran for a dropped event")
	}
}

func TestSendWhileDisconnected(t *testing.T) {
	r := NewRouter(nil)
	if r.Send(context.Background(), protocol.JoinStatusFeed{}) {
		t.Error("Send without sender should return false")
	}

	s := &mockSender{}
	r.SetSender(s)
	if r.Send(context.Background(), protocol.JoinStatusFeed{}) {
		t.Error("Send while disconnected should return false")
	}
	if len(s.sent) != 0 {
		t.Errorf("payload was queued: %v", s.sent)
	}

	s.connected = true
	if !r.Send(context.Background(), protocol.JoinStatusFeed{}) {
		t.Error("Send while connected should return true")
	}
	if len(s.sent) != 1 {
		t.Errorf("sent = %d, want 1", len(s.sent))
	}
}
