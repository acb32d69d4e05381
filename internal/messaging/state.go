// Package messaging holds the client-side cache of conversations and
// messages. It is hydrated page by page over REST and kept live by
// realtime events; it owns unread counts, read receipts, typing
// indicators, presence and group membership.
package messaging

import (
	"context"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cydjerr/speakjerr/internal/bus"
	"github.com/cydjerr/speakjerr/internal/clock"
	"github.com/cydjerr/speakjerr/internal/config"
	"github.com/cydjerr/speakjerr/internal/events"
	"github.com/cydjerr/speakjerr/internal/paging"
	"github.com/cydjerr/speakjerr/internal/protocol"
	"github.com/cydjerr/speakjerr/internal/rest"
)

// API is the REST surface messaging depends on.
type API interface {
	ListConversations(ctx context.Context, page int) ([]protocol.Conversation, error)
	ListMessages(ctx context.Context, conversationID string, page int) ([]protocol.Message, error)
	SendMessage(ctx context.Context, req rest.SendMessageRequest) (protocol.Message, error)
	MarkMessageRead(ctx context.Context, messageID string) error
	ListGroups(ctx context.Context, page int) ([]protocol.Group, error)
	JoinGroup(ctx context.Context, groupID string) (protocol.Group, error)
	LeaveGroup(ctx context.Context, groupID string) error
	PromoteMember(ctx context.Context, groupID, userID string) (protocol.Group, error)
}

// Rooms joins and leaves conversation rooms.
type Rooms interface {
	JoinConversation(ctx context.Context, id string) bool
	LeaveConversation(ctx context.Context, id string) bool
}

// Identity resolves the authenticated user.
type Identity interface {
	UserID() string
}

// Options tunes the typing timers.
type Options struct {
	// TypingIdle auto-stops the local typing indicator. Default 2s.
	TypingIdle time.Duration
	// TypingExpiry clears a remote typing indicator that was not
	// refreshed. Default 5s.
	TypingExpiry time.Duration
}

// OptionsFromConfig maps the realtime typing windows.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		TypingIdle:   cfg.Realtime.TypingIdle.Duration,
		TypingExpiry: cfg.Realtime.TypingExpiry.Duration,
	}
}

// State is the Messaging State.
type State struct {
	api    API
	router *events.Router
	rooms  Rooms
	self   Identity
	bus    *bus.Bus
	clock  clock.Clock
	logger *zap.Logger
	opts   Options

	ctx    context.Context
	cancel context.CancelFunc

	conversations *paging.Pager[protocol.Conversation]
	groups        *paging.Pager[protocol.Group]

	mu           sync.Mutex
	threads      map[string]*paging.Pager[protocol.Message]
	active       string
	activeCtx    context.Context
	activeCancel context.CancelFunc
	remoteTyping map[string]map[string]*typingEntry
	localTyping  map[string]*localTyping
	presence     map[string]Presence
	subs         []*events.Subscription
}

// New creates a messaging state. Call Start to subscribe to events.
func New(api API, router *events.Router, rooms Rooms, self Identity, b *bus.Bus, clk clock.Clock, logger *zap.Logger, opts Options) *State {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.TypingIdle <= 0 {
		opts.TypingIdle = 2 * time.Second
	}
	if opts.TypingExpiry <= 0 {
		opts.TypingExpiry = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &State{
		api:           api,
		router:        router,
		rooms:         rooms,
		self:          self,
		bus:           b,
		clock:         clock.OrReal(clk),
		logger:        logger,
		opts:          opts,
		ctx:           ctx,
		cancel:        cancel,
		conversations: paging.New(func(c protocol.Conversation) string { return c.ID }),
		groups:        paging.New(func(g protocol.Group) string { return g.ID }),
		threads:       make(map[string]*paging.Pager[protocol.Message]),
		remoteTyping:  make(map[string]map[string]*typingEntry),
		localTyping:   make(map[string]*localTyping),
		presence:      make(map[string]Presence),
	}
}

// Start registers the realtime handlers.
func (s *State) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.subs) > 0 {
		return
	}
	s.subs = []*events.Subscription{
		events.On(s.router, s.onNewMessage),
		events.On(s.router, s.onMessageRead),
		events.On(s.router, s.onMessageReaction),
		events.On(s.router, s.onTypingStart),
		events.On(s.router, s.onTypingStop),
		events.On(s.router, s.onUserStatusUpdated),
		events.On(s.router, s.onAuthenticated),
		events.On(s.router, s.onDisconnect),
	}
}

// Stop deregisters handlers, ends the process scope and stops all timers.
// Responses of requests still in flight are discarded.
func (s *State) Stop() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	if s.activeCancel != nil {
		s.activeCancel()
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Off()
	}
	s.cancel()
	s.clearAllTyping()
	s.stopAllLocalTyping()
}

func (s *State) selfID() string {
	if s.self == nil {
		return ""
	}
	return s.self.UserID()
}

// scoped derives a request context that also ends when scope ends.
func scoped(ctx, scope context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(scope, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// scopeFor returns the scope owning hydration of conversationID: the
// open conversation's scope when it is active, the process scope
// otherwise.
func (s *State) scopeFor(conversationID string) context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conversationID != "" && conversationID == s.active && s.activeCtx != nil {
		return s.activeCtx
	}
	return s.ctx
}

func (s *State) thread(conversationID string) *paging.Pager[protocol.Message] {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[conversationID]
	if !ok {
		t = paging.New(func(m protocol.Message) string { return m.ID })
		s.threads[conversationID] = t
	}
	return t
}

// Conversations returns the cached conversations, most recent activity
// first.
func (s *State) Conversations() []protocol.Conversation {
	convs := s.conversations.Items()
	slices.SortStableFunc(convs, func(a, b protocol.Conversation) int {
		return lastActivity(b).Compare(lastActivity(a))
	})
	return convs
}

func lastActivity(c protocol.Conversation) time.Time {
	if c.LastMessage == nil {
		return time.Time{}
	}
	return c.LastMessage.CreatedAt.Time
}

// Conversation returns a single cached conversation.
func (s *State) Conversation(id string) (protocol.Conversation, bool) {
	return s.conversations.Get(id)
}

// UnreadCount returns the unread count of a conversation.
func (s *State) UnreadCount(id string) int {
	c, _ := s.conversations.Get(id)
	return c.UnreadCount
}

// Messages returns a conversation's cached messages in chronological order.
func (s *State) Messages(conversationID string) []protocol.Message {
	msgs := s.thread(conversationID).Items()
	slices.SortStableFunc(msgs, func(a, b protocol.Message) int {
		switch {
		case a.Before(b):
			return -1
		case b.Before(a):
			return 1
		}
		return 0
	})
	return msgs
}

// HasMoreConversations reports whether another conversation page exists.
func (s *State) HasMoreConversations() bool { return s.conversations.HasMore() }

// HasMoreMessages reports whether another message page exists.
func (s *State) HasMoreMessages(conversationID string) bool {
	return s.thread(conversationID).HasMore()
}

// ConversationsErr returns the retryable error of the conversation list.
func (s *State) ConversationsErr() error { return s.conversations.Err() }

// MessagesErr returns the retryable error of a conversation's messages.
func (s *State) MessagesErr(conversationID string) error {
	return s.thread(conversationID).Err()
}

// ActiveConversation returns the open conversation, if any.
func (s *State) ActiveConversation() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Seed loads conversations from the local cache without touching
// pagination.
func (s *State) Seed(convs []protocol.Conversation) {
	for _, c := range convs {
		s.conversations.Upsert(c)
	}
}
