package mockbackend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"

	"github.com/cydjerr/speakjerr/internal/apperr"
	"github.com/cydjerr/speakjerr/internal/credentials"
	"github.com/cydjerr/speakjerr/internal/protocol"
	"github.com/cydjerr/speakjerr/internal/rest"
)

var (
	alice = protocol.User{ID: "alice", Name: "Alice"}
	bob   = protocol.User{ID: "bob", Name: "Bob"}
)

type fixture struct {
	backend *Backend
	srv     *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	b := New(Options{Secret: "test-secret", Logger: zaptest.NewLogger(t)})
	b.AddUser(alice)
	b.AddUser(bob)
	b.AddConversation(protocol.Conversation{ID: "c1", Participants: []protocol.User{alice, bob}})
	srv := httptest.NewServer(b.Handler())
	t.Cleanup(srv.Close)
	return &fixture{backend: b, srv: srv}
}

func (f *fixture) token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := f.backend.IssueToken(userID, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func (f *fixture) client(t *testing.T, token string) *rest.Client {
	t.Helper()
	c, err := rest.NewClient(rest.Config{
		BaseURL:     f.srv.URL + "/api",
		Timeout:     2 * time.Second,
		Credentials: credentials.NewMemory(token),
		Logger:      zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func (f *fixture) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	ws, _, err := websocket.DefaultDialer.Dial(url, h)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, ev protocol.Event) {
	t.Helper()
	frame, err := protocol.Encode(ev)
	if err != nil {
		t.Fatal(err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatal(err)
	}
}

// expect reads frames until one named name arrives and decodes it.
func expect(t *testing.T, ws *websocket.Conn, name string) protocol.Event {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", name, err)
		}
		env, err := protocol.DecodeEnvelope(data)
		if err != nil {
			t.Fatal(err)
		}
		if env.Event != name {
			continue
		}
		ev, err := protocol.Decode(env.Event, env.Data)
		if err != nil {
			t.Fatal(err)
		}
		return ev
	}
}

// roundTrip round-trips a ping so earlier frames from ws have been handled.
func roundTrip(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	send(t, ws, protocol.Ping{})
	expect(t, ws, protocol.EventPong)
}

func TestRESTRequiresToken(t *testing.T) {
	f := newFixture(t)
	_, err := f.client(t, "garbage").ListConversations(context.Background(), 1)
	var ae *apperr.Error
	if !errors.As(err, &ae) || ae.Code != apperr.CodeAuthentication {
		t.Fatalf("err = %v, want authentication error", err)
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	f := newFixture(t)
	tok, err := f.backend.IssueToken("alice", -time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.client(t, tok).ListConversations(context.Background(), 1); err == nil {
		t.Fatal("expected expired token to be rejected")
	}
}

func TestRealtimeAuthentication(t *testing.T) {
	f := newFixture(t)
	ws := f.dial(t, f.token(t, "alice"))
	ev := expect(t, ws, protocol.EventAuthenticated).(protocol.Authenticated)
	if ev.UserID != "alice" {
		t.Errorf("authenticated as %q", ev.UserID)
	}

	bad := f.dial(t, "garbage")
	expect(t, bad, protocol.EventAuthenticationError)
}

func TestSendMessageFansOut(t *testing.T) {
	f := newFixture(t)
	bobWS := f.dial(t, f.token(t, "bob"))
	expect(t, bobWS, protocol.EventAuthenticated)

	msg, err := f.client(t, f.token(t, "alice")).SendMessage(context.Background(), rest.SendMessageRequest{
		ConversationID: "c1",
		Content:        "hi",
	})
	if err != nil {
		t.Fatal(err)
	}
	if msg.ID == "" || msg.Status != protocol.StatusSent || msg.Sender.ID != "alice" {
		t.Errorf("msg = %+v", msg)
	}

	got := expect(t, bobWS, protocol.EventNewMessage).(protocol.NewMessage)
	if got.ID != msg.ID || got.Content != "hi" {
		t.Errorf("new_message = %+v", got)
	}
}

func TestListMessagesNewestFirst(t *testing.T) {
	f := newFixture(t)
	for _, content := range []string{"one", "two", "three"} {
		if _, err := f.backend.PostMessage("alice", "c1", protocol.MessageText, content); err != nil {
			t.Fatal(err)
		}
	}
	msgs, err := f.client(t, f.token(t, "bob")).ListMessages(context.Background(), "c1", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 || msgs[0].Content != "three" {
		t.Errorf("msgs = %+v", msgs)
	}
	empty, err := f.client(t, f.token(t, "bob")).ListMessages(context.Background(), "c1", 2)
	if err != nil || len(empty) != 0 {
		t.Errorf("page 2 = %v, %v", empty, err)
	}
}

func TestTypingRelayedToRoom(t *testing.T) {
	f := newFixture(t)
	aliceWS := f.dial(t, f.token(t, "alice"))
	bobWS := f.dial(t, f.token(t, "bob"))
	expect(t, aliceWS, protocol.EventAuthenticated)
	expect(t, bobWS, protocol.EventAuthenticated)

	send(t, aliceWS, protocol.JoinConversation{ConversationID: "c1"})
	roundTrip(t, aliceWS)
	send(t, bobWS, protocol.TypingStart{ConversationID: "c1"})

	ev := expect(t, aliceWS, protocol.EventTypingStart).(protocol.TypingStart)
	if ev.UserID != "bob" || ev.ConversationID != "c1" {
		t.Errorf("typing = %+v", ev)
	}
}

func TestMarkReadNotifiesParticipants(t *testing.T) {
	f := newFixture(t)
	msg, err := f.backend.PostMessage("alice", "c1", protocol.MessageText, "hi")
	if err != nil {
		t.Fatal(err)
	}
	aliceWS := f.dial(t, f.token(t, "alice"))
	bobWS := f.dial(t, f.token(t, "bob"))
	expect(t, aliceWS, protocol.EventAuthenticated)
	expect(t, bobWS, protocol.EventAuthenticated)

	send(t, bobWS, protocol.MarkMessagesRead{ConversationID: "c1", MessageIDs: []string{msg.ID}})
	ev := expect(t, aliceWS, protocol.EventMessageRead).(protocol.MessageRead)
	if ev.Reader != "bob" || len(ev.MessageIDs) != 1 || ev.MessageIDs[0] != msg.ID {
		t.Errorf("message_read = %+v", ev)
	}
	if got := f.backend.Messages("c1")[0].Status; got != protocol.StatusRead {
		t.Errorf("status = %s", got)
	}
}

func TestSignalForwardedToTarget(t *testing.T) {
	f := newFixture(t)
	aliceWS := f.dial(t, f.token(t, "alice"))
	bobWS := f.dial(t, f.token(t, "bob"))
	expect(t, aliceWS, protocol.EventAuthenticated)
	expect(t, bobWS, protocol.EventAuthenticated)

	payload := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	send(t, aliceWS, protocol.WebRTCOffer{Signal: protocol.Signal{CallID: "k1", TargetUserID: "bob", Payload: payload}})

	ev := expect(t, bobWS, protocol.EventWebRTCOffer).(protocol.WebRTCOffer)
	if ev.FromUserID != "alice" || ev.CallID != "k1" {
		t.Errorf("offer = %+v", ev)
	}
	var sdp struct{ SDP string }
	if err := json.Unmarshal(ev.Payload, &sdp); err != nil || sdp.SDP != "v=0" {
		t.Errorf("payload = %s", ev.Payload)
	}
}

func TestCallLifecycle(t *testing.T) {
	f := newFixture(t)
	bobWS := f.dial(t, f.token(t, "bob"))
	expect(t, bobWS, protocol.EventAuthenticated)
	ctx := context.Background()

	call, err := f.client(t, f.token(t, "alice")).InitiateCall(ctx, rest.InitiateCallRequest{Recipient: "bob"})
	if err != nil {
		t.Fatal(err)
	}
	if call.Status != protocol.CallRinging || len(call.ICEServers) == 0 {
		t.Errorf("call = %+v", call)
	}
	incoming := expect(t, bobWS, protocol.EventIncomingCall).(protocol.IncomingCall)
	if incoming.ID != call.ID {
		t.Errorf("incoming = %+v", incoming)
	}

	send(t, bobWS, protocol.JoinCall{CallID: call.ID})
	roundTrip(t, bobWS)
	bobREST := f.client(t, f.token(t, "bob"))
	if _, err := bobREST.CallAction(ctx, call.ID, rest.ActionAnswer); err != nil {
		t.Fatal(err)
	}
	expect(t, bobWS, protocol.EventCallAnswered)

	ended, err := bobREST.CallAction(ctx, call.ID, rest.ActionEnd)
	if err != nil {
		t.Fatal(err)
	}
	if ended.Status != protocol.CallCompleted {
		t.Errorf("ended status = %s", ended.Status)
	}
	if _, err := bobREST.CallAction(ctx, call.ID, rest.ActionAnswer); err == nil {
		t.Error("answering a finished call should fail")
	}
}

func TestStatusViewNotifiesAuthor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	aliceWS := f.dial(t, f.token(t, "alice"))
	bobWS := f.dial(t, f.token(t, "bob"))
	expect(t, aliceWS, protocol.EventAuthenticated)
	expect(t, bobWS, protocol.EventAuthenticated)
	send(t, bobWS, protocol.JoinStatusFeed{})
	roundTrip(t, bobWS)

	story, err := f.client(t, f.token(t, "alice")).CreateStatus(ctx, rest.CreateStatusRequest{Content: protocol.PlainText("hello")})
	if err != nil {
		t.Fatal(err)
	}
	posted := expect(t, bobWS, protocol.EventNewStatus).(protocol.NewStatus)
	if posted.ID != story.ID || posted.Content.PlainString() != "hello" {
		t.Errorf("new_status = %+v", posted)
	}

	feed, err := f.client(t, f.token(t, "bob")).ListStatuses(ctx, false, 1)
	if err != nil || len(feed) != 1 {
		t.Fatalf("feed = %v, %v", feed, err)
	}
	mine, err := f.client(t, f.token(t, "bob")).ListStatuses(ctx, true, 1)
	if err != nil || len(mine) != 0 {
		t.Fatalf("mine = %v, %v", mine, err)
	}

	send(t, bobWS, protocol.MarkStatusViewed{StatusID: story.ID})
	viewed := expect(t, aliceWS, protocol.EventStatusViewed).(protocol.StatusViewed)
	if viewed.UserID != "bob" {
		t.Errorf("status_viewed = %+v", viewed)
	}
}

func TestPromoteRequiresAdmin(t *testing.T) {
	f := newFixture(t)
	f.backend.AddGroup(protocol.Group{ID: "g1", Name: "G", Members: []protocol.User{alice}, Admins: []string{"alice"}})
	ctx := context.Background()
	bobREST := f.client(t, f.token(t, "bob"))

	if _, err := bobREST.JoinGroup(ctx, "g1"); err != nil {
		t.Fatal(err)
	}
	if _, err := bobREST.PromoteMember(ctx, "g1", "bob"); err == nil {
		t.Error("non-admin promotion should fail")
	}
	g, err := f.client(t, f.token(t, "alice")).PromoteMember(ctx, "g1", "bob")
	if err != nil {
		t.Fatal(err)
	}
	if len(g.Admins) != 2 || len(g.Members) != 2 {
		t.Errorf("group = %+v", g)
	}
}
