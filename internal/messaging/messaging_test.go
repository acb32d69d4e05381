package messaging

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/cydjerr/speakjerr/internal/apperr"
	"github.com/cydjerr/speakjerr/internal/bus"
	"github.com/cydjerr/speakjerr/internal/clock"
	"github.com/cydjerr/speakjerr/internal/events"
	"github.com/cydjerr/speakjerr/internal/protocol"
	"github.com/cydjerr/speakjerr/internal/rest"
)

const me = "u-me"

type fakeAPI struct {
	mu            sync.Mutex
	conversations map[int][]protocol.Conversation
	messages      map[string]map[int][]protocol.Message
	groups        map[int][]protocol.Group
	onListMessage func(conversationID string, page int)
	sendErr       error
	leaveErr      error
	markedRead    []string
	sent          []rest.SendMessageRequest
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		conversations: make(map[int][]protocol.Conversation),
		messages:      make(map[string]map[int][]protocol.Message),
		groups:        make(map[int][]protocol.Group),
	}
}

func (f *fakeAPI) ListConversations(_ context.Context, page int) ([]protocol.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conversations[page], nil
}

func (f *fakeAPI) ListMessages(_ context.Context, conversationID string, page int) ([]protocol.Message, error) {
	if f.onListMessage != nil {
		f.onListMessage(conversationID, page)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.messages[conversationID][page]), nil
}

func (f *fakeAPI) SendMessage(_ context.Context, req rest.SendMessageRequest) (protocol.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return protocol.Message{}, f.sendErr
	}
	f.sent = append(f.sent, req)
	return protocol.Message{ID: "srv-1", ConversationID: req.ConversationID, Content: req.Content, Type: req.Type, Sender: protocol.User{ID: me}}, nil
}

func (f *fakeAPI) MarkMessageRead(_ context.Context, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markedRead = append(f.markedRead, messageID)
	return nil
}

func (f *fakeAPI) ListGroups(_ context.Context, page int) ([]protocol.Group, error) {
	return f.groups[page], nil
}

func (f *fakeAPI) JoinGroup(_ context.Context, groupID string) (protocol.Group, error) {
	return protocol.Group{ID: groupID, Name: "joined"}, nil
}

func (f *fakeAPI) LeaveGroup(context.Context, string) error { return f.leaveErr }

func (f *fakeAPI) PromoteMember(_ context.Context, groupID, userID string) (protocol.Group, error) {
	return protocol.Group{ID: groupID, Admins: []string{userID}}, nil
}

type fakeSender struct {
	mu        sync.Mutex
	connected bool
	sent      []protocol.Event
}

func (f *fakeSender) Send(_ context.Context, ev protocol.Event) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return false
	}
	f.sent = append(f.sent, ev)
	return true
}

func (f *fakeSender) named(name string) []protocol.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.Event
	for _, ev := range f.sent {
		if ev.EventName() == name {
			out = append(out, ev)
		}
	}
	return out
}

type fakeRooms struct {
	joined []string
	left   []string
}

func (f *fakeRooms) JoinConversation(_ context.Context, id string) bool {
	f.joined = append(f.joined, id)
	return true
}

func (f *fakeRooms) LeaveConversation(_ context.Context, id string) bool {
	f.left = append(f.left, id)
	return true
}

type identity string

func (i identity) UserID() string { return string(i) }

type harness struct {
	state  *State
	api    *fakeAPI
	sender *fakeSender
	rooms  *fakeRooms
	router *events.Router
	clock  *clock.FakeClock
	bus    *bus.Bus
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		api:    newFakeAPI(),
		sender: &fakeSender{connected: true},
		rooms:  &fakeRooms{},
		router: events.NewRouter(nil),
		clock:  clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
		bus:    bus.New(),
	}
	h.router.SetSender(h.sender)
	h.state = New(h.api, h.router, h.rooms, identity(me), h.bus, h.clock, nil, Options{})
	h.state.Start()
	t.Cleanup(h.state.Stop)
	return h
}

func msg(id, conv, sender string, sec int) protocol.Message {
	return protocol.Message{
		ID:             id,
		ConversationID: conv,
		Sender:         protocol.User{ID: sender},
		Type:           protocol.MessageText,
		Content:        id,
		Status:         protocol.StatusSent,
		CreatedAt:      protocol.At(time.Date(2026, 1, 1, 0, 0, sec, 0, time.UTC)),
	}
}

func TestNewMessageInOpenConversationIsMarkedRead(t *testing.T) {
	h := newHarness(t)
	h.api.conversations[1] = []protocol.Conversation{{ID: "c1", UnreadCount: 3}}
	if err := h.state.LoadConversations(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := h.state.OpenConversation(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	if got := h.state.UnreadCount("c1"); got != 0 {
		t.Fatalf("unread after open = %d, want 0", got)
	}
	if !slices.Equal(h.rooms.joined, []string{"c1"}) {
		t.Fatalf("joined = %v", h.rooms.joined)
	}

	h.router.Dispatch(protocol.NewMessage{Message: msg("m1", "c1", "u-bob", 1)})

	if got := h.state.UnreadCount("c1"); got != 0 {
		t.Errorf("unread = %d, want 0", got)
	}
	reads := h.sender.named(protocol.EventMarkMessagesRead)
	if len(reads) == 0 {
		t.Fatal("no mark_messages_read emitted")
	}
	last := reads[len(reads)-1].(protocol.MarkMessagesRead)
	if last.ConversationID != "c1" || !slices.Contains(last.MessageIDs, "m1") {
		t.Errorf("mark read = %#v", last)
	}
}

func TestUnreadCountsOnlyOthersInClosedConversations(t *testing.T) {
	h := newHarness(t)
	h.state.Seed([]protocol.Conversation{{ID: "c1"}})

	h.router.Dispatch(protocol.NewMessage{Message: msg("m1", "c1", "u-bob", 1)})
	h.router.Dispatch(protocol.NewMessage{Message: msg("m1", "c1", "u-bob", 1)})
	h.router.Dispatch(protocol.NewMessage{Message: msg("m2", "c1", me, 2)})
	h.router.Dispatch(protocol.NewMessage{Message: msg("", "c1", "u-bob", 3)})

	if got := h.state.UnreadCount("c1"); got != 1 {
		t.Errorf("unread = %d, want 1", got)
	}
	if got := len(h.state.Messages("c1")); got != 2 {
		t.Errorf("messages = %d, want 2", got)
	}
	c, _ := h.state.Conversation("c1")
	if c.LastMessage == nil || c.LastMessage.ID != "m2" {
		t.Errorf("last message = %#v", c.LastMessage)
	}
}

func TestNewMessageCreatesUnknownConversation(t *testing.T) {
	h := newHarness(t)
	h.router.Dispatch(protocol.NewMessage{Message: msg("m1", "c9", "u-bob", 1)})
	if _, ok := h.state.Conversation("c9"); !ok {
		t.Fatal("conversation c9 not created")
	}
	if got := h.state.UnreadCount("c9"); got != 1 {
		t.Errorf("unread = %d, want 1", got)
	}
}

func TestMessageStatusNeverRegresses(t *testing.T) {
	h := newHarness(t)
	h.router.Dispatch(protocol.NewMessage{Message: msg("m1", "c1", me, 1)})
	h.router.Dispatch(protocol.MessageRead{ConversationID: "c1", MessageIDs: []string{"m1"}, Reader: "u-bob"})

	delivered := msg("m1", "c1", me, 1)
	delivered.Status = protocol.StatusDelivered
	h.api.messages["c1"] = map[int][]protocol.Message{1: {delivered}}
	if err := h.state.LoadMessages(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	if got := h.state.Messages("c1")[0].Status; got != protocol.StatusRead {
		t.Errorf("status = %s, want read", got)
	}
}

func TestReadBySelfClearsUnread(t *testing.T) {
	h := newHarness(t)
	h.router.Dispatch(protocol.NewMessage{Message: msg("m1", "c1", "u-bob", 1)})
	h.router.Dispatch(protocol.MessageRead{ConversationID: "c1", MessageIDs: []string{"m1"}, Reader: me})
	if got := h.state.UnreadCount("c1"); got != 0 {
		t.Errorf("unread = %d, want 0", got)
	}
}

func TestReactionsOnePerUser(t *testing.T) {
	h := newHarness(t)
	h.router.Dispatch(protocol.NewMessage{Message: msg("m1", "c1", "u-bob", 1)})
	h.router.Dispatch(protocol.MessageReaction{ConversationID: "c1", MessageID: "m1", UserID: "u-bob", Type: "like"})
	h.router.Dispatch(protocol.MessageReaction{ConversationID: "c1", MessageID: "m1", UserID: "u-bob", Type: "love"})
	h.router.Dispatch(protocol.MessageReaction{ConversationID: "c1", MessageID: "m1", UserID: "u-eve", Type: "like"})

	rs := h.state.Messages("c1")[0].Reactions
	if len(rs) != 2 || rs[0] != (protocol.Reaction{Type: "love", User: "u-bob"}) {
		t.Fatalf("reactions = %#v", rs)
	}

	h.router.Dispatch(protocol.MessageReaction{ConversationID: "c1", MessageID: "m1", UserID: "u-bob", Removed: true})
	rs = h.state.Messages("c1")[0].Reactions
	if len(rs) != 1 || rs[0].User != "u-eve" {
		t.Errorf("after removal = %#v", rs)
	}
}

func TestPaginationStopsAfterEmptyPage(t *testing.T) {
	h := newHarness(t)
	h.api.messages["c1"] = map[int][]protocol.Message{
		1: {msg("m2", "c1", "u-bob", 2), msg("m3", "c1", "u-bob", 3)},
		2: {msg("m1", "c1", "u-bob", 1)},
	}
	ctx := context.Background()
	for range 4 {
		if err := h.state.LoadMoreMessages(ctx, "c1"); err != nil {
			t.Fatal(err)
		}
	}
	if h.state.HasMoreMessages("c1") {
		t.Error("HasMoreMessages should be false after an empty page")
	}
	var ids []string
	for _, m := range h.state.Messages("c1") {
		ids = append(ids, m.ID)
	}
	if !slices.Equal(ids, []string{"m1", "m2", "m3"}) {
		t.Errorf("order = %v", ids)
	}
}

func TestPageWithoutIDsKeepsPaging(t *testing.T) {
	h := newHarness(t)
	h.api.messages["c1"] = map[int][]protocol.Message{
		1: {{ConversationID: "c1", Content: "no id"}},
		2: {msg("m1", "c1", "u-bob", 1)},
	}
	ctx := context.Background()
	if err := h.state.LoadMessages(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	if !h.state.HasMoreMessages("c1") {
		t.Fatal("a page of unusable messages ended pagination")
	}
	if got := h.state.Messages("c1"); len(got) != 0 {
		t.Fatalf("messages = %v, want none", got)
	}
	if err := h.state.LoadMoreMessages(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	got := h.state.Messages("c1")
	if len(got) != 1 || got[0].ID != "m1" {
		t.Errorf("messages = %v, want [m1]", got)
	}
}

func TestStaleMessagesDiscardedAfterClose(t *testing.T) {
	h := newHarness(t)
	h.api.messages["c1"] = map[int][]protocol.Message{
		1: {msg("m2", "c1", "u-bob", 2)},
		2: {msg("m1", "c1", "u-bob", 1)},
	}
	ctx := context.Background()
	if err := h.state.OpenConversation(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	h.api.onListMessage = func(_ string, page int) {
		if page == 2 {
			h.state.CloseConversation(ctx)
		}
	}
	err := h.state.LoadMoreMessages(ctx, "c1")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	for _, m := range h.state.Messages("c1") {
		if m.ID == "m1" {
			t.Error("stale page merged after close")
		}
	}
	if !slices.Equal(h.rooms.left, []string{"c1"}) {
		t.Errorf("left = %v", h.rooms.left)
	}
}

func TestMarkReadFallsBackToREST(t *testing.T) {
	h := newHarness(t)
	h.router.Dispatch(protocol.NewMessage{Message: msg("m1", "c1", "u-bob", 1)})
	h.router.Dispatch(protocol.NewMessage{Message: msg("m2", "c1", "u-bob", 2)})
	h.sender.connected = false

	if err := h.state.MarkRead(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(h.api.markedRead, []string{"m2"}) {
		t.Errorf("marked = %v, want [m2]", h.api.markedRead)
	}
	if got := h.state.UnreadCount("c1"); got != 0 {
		t.Errorf("unread = %d", got)
	}
}

func TestSendMessage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m, err := h.state.SendMessage(ctx, SendRequest{ConversationID: "c1", Content: "hi", Type: protocol.MessageText})
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != protocol.StatusSent {
		t.Errorf("status = %s", m.Status)
	}
	if got := h.state.Messages("c1"); len(got) != 1 || got[0].ID != "srv-1" {
		t.Errorf("messages = %#v", got)
	}

	h.api.sendErr = apperr.New(apperr.CodeServer, "boom")
	_, err = h.state.SendMessage(ctx, SendRequest{ConversationID: "c2", Content: "x", Type: protocol.MessageText})
	if apperr.CodeOf(err) != apperr.CodeServer {
		t.Errorf("err = %v", err)
	}
	if len(h.state.Messages("c2")) != 0 {
		t.Error("failed send left a message behind")
	}
}

func TestLocalTypingEdgesAndIdle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.state.InputChanged(ctx, "c1", "h")
	h.state.InputChanged(ctx, "c1", "he")
	h.state.InputChanged(ctx, "c1", "hel")
	if got := len(h.sender.named(protocol.EventTypingStart)); got != 1 {
		t.Fatalf("typing_start = %d, want 1", got)
	}

	h.clock.Advance(1500 * time.Millisecond)
	h.state.InputChanged(ctx, "c1", "hell")
	h.clock.Advance(1500 * time.Millisecond)
	if got := len(h.sender.named(protocol.EventTypingStop)); got != 0 {
		t.Fatalf("typing_stop before idle = %d", got)
	}
	h.clock.Advance(time.Second)
	if got := len(h.sender.named(protocol.EventTypingStop)); got != 1 {
		t.Fatalf("typing_stop after idle = %d, want 1", got)
	}

	h.state.InputChanged(ctx, "c1", "again")
	h.state.InputChanged(ctx, "c1", "")
	if got := len(h.sender.named(protocol.EventTypingStart)); got != 2 {
		t.Errorf("typing_start = %d, want 2", got)
	}
	if got := len(h.sender.named(protocol.EventTypingStop)); got != 2 {
		t.Errorf("typing_stop = %d, want 2", got)
	}
	h.clock.Advance(5 * time.Second)
	if got := len(h.sender.named(protocol.EventTypingStop)); got != 2 {
		t.Errorf("typing_stop after clear = %d, want 2", got)
	}
}

func TestStaleIdleTimerKeepsTyping(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.state.InputChanged(ctx, "c1", "h")
	h.state.InputChanged(ctx, "c1", "he")
	// An idle timer armed before the second keystroke fires late.
	h.state.idleLocalTyping("c1", 1)
	if got := len(h.sender.named(protocol.EventTypingStop)); got != 0 {
		t.Fatalf("typing_stop = %d after fresh input, want 0", got)
	}

	h.state.InputChanged(ctx, "c1", "hel")
	if got := len(h.sender.named(protocol.EventTypingStart)); got != 1 {
		t.Errorf("typing_start = %d, want 1", got)
	}
	h.clock.Advance(2 * time.Second)
	if got := len(h.sender.named(protocol.EventTypingStop)); got != 1 {
		t.Errorf("typing_stop after idle = %d, want 1", got)
	}
}

func TestSendStopsLocalTyping(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.state.InputChanged(ctx, "c1", "hi")
	if _, err := h.state.SendMessage(ctx, SendRequest{ConversationID: "c1", Content: "hi", Type: protocol.MessageText}); err != nil {
		t.Fatal(err)
	}
	if got := len(h.sender.named(protocol.EventTypingStop)); got != 1 {
		t.Errorf("typing_stop = %d, want 1", got)
	}
}

func TestRemoteTypingExpiresAndClears(t *testing.T) {
	h := newHarness(t)
	h.router.Dispatch(protocol.TypingStart{ConversationID: "c1", UserID: "u-bob"})
	h.router.Dispatch(protocol.TypingStart{ConversationID: "c1", UserID: me})
	if got := h.state.TypingUsers("c1"); !slices.Equal(got, []string{"u-bob"}) {
		t.Fatalf("typing = %v", got)
	}

	h.clock.Advance(4 * time.Second)
	h.router.Dispatch(protocol.TypingStart{ConversationID: "c1", UserID: "u-bob"})
	h.clock.Advance(4 * time.Second)
	if len(h.state.TypingUsers("c1")) != 1 {
		t.Fatal("refreshed indicator expired early")
	}
	h.clock.Advance(2 * time.Second)
	if len(h.state.TypingUsers("c1")) != 0 {
		t.Fatal("indicator did not expire")
	}

	h.router.Dispatch(protocol.TypingStart{ConversationID: "c1", UserID: "u-bob"})
	h.router.Dispatch(protocol.NewMessage{Message: msg("m1", "c1", "u-bob", 1)})
	if len(h.state.TypingUsers("c1")) != 0 {
		t.Error("message from typist did not clear indicator")
	}

	h.router.Dispatch(protocol.TypingStart{ConversationID: "c1", UserID: "u-eve"})
	h.router.Dispatch(protocol.Disconnect{Reason: "lost"})
	if len(h.state.TypingUsers("c1")) != 0 {
		t.Error("disconnect did not clear indicators")
	}
}

func TestPresence(t *testing.T) {
	h := newHarness(t)
	h.router.Dispatch(protocol.UserStatusUpdated{UserID: "u-bob", Status: protocol.PresenceOffline})
	p, ok := h.state.Presence("u-bob")
	if !ok || p.Status != protocol.PresenceOffline || p.LastSeen.IsZero() {
		t.Errorf("presence = %#v", p)
	}
	if !h.state.SetMyStatus(context.Background(), protocol.PresenceAway) {
		t.Error("SetMyStatus not delivered")
	}
}

func TestGroups(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.api.groups[1] = []protocol.Group{{ID: "g1"}, {ID: "g2"}}
	if err := h.state.LoadGroups(ctx); err != nil {
		t.Fatal(err)
	}
	h.state.Seed([]protocol.Conversation{{ID: "g1", IsGroup: true}})
	removed, unsub := h.bus.Subscribe(bus.ConversationRemoved, 4)
	defer unsub()

	if err := h.state.LeaveGroup(ctx, "g1"); err != nil {
		t.Fatal(err)
	}
	if _, ok := h.state.Group("g1"); ok {
		t.Error("g1 still cached")
	}
	if _, ok := h.state.Conversation("g1"); ok {
		t.Error("g1 conversation still cached")
	}
	select {
	case ev := <-removed:
		if ev.Payload != "g1" {
			t.Errorf("payload = %v", ev.Payload)
		}
	default:
		t.Error("no removal notification")
	}

	h.api.leaveErr = apperr.New(apperr.CodeNotFound, "gone")
	if err := h.state.LeaveGroup(ctx, "g2"); err == nil {
		t.Fatal("expected error")
	}
	if _, ok := h.state.Group("g2"); !ok {
		t.Error("g2 removed despite failure")
	}

	g, err := h.state.PromoteMember(ctx, "g2", "u-bob")
	if err != nil || !slices.Contains(g.Admins, "u-bob") {
		t.Errorf("promote = %#v, %v", g, err)
	}
}

func TestRejoinsOpenConversationAfterAuth(t *testing.T) {
	h := newHarness(t)
	if err := h.state.OpenConversation(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	h.router.Dispatch(protocol.Authenticated{UserID: me})
	if !slices.Equal(h.rooms.joined, []string{"c1", "c1"}) {
		t.Errorf("joined = %v", h.rooms.joined)
	}
}
