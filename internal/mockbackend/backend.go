// Package mockbackend is an in-process backend implementing the REST and
// realtime contract the client consumes. It backs local development runs
// and end-to-end tests; state lives in memory.
package mockbackend

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cydjerr/speakjerr/internal/protocol"
)

const pageSize = 20

// Options configures a backend.
type Options struct {
	// Secret signs HS256 tokens. Defaults to a random value.
	Secret string
	// RealtimePath is where the websocket endpoint is mounted.
	RealtimePath string
	Logger       *zap.Logger
}

// Backend is the mock server state.
type Backend struct {
	secret       []byte
	realtimePath string
	logger       *zap.Logger
	hub          *hub

	mu            sync.Mutex
	users         map[string]protocol.User
	conversations map[string]*protocol.Conversation
	messages      map[string][]protocol.Message
	seq           int64
	stories       []protocol.Story
	calls         map[string]*protocol.Call
	groups        map[string]*protocol.Group
}

// New creates an empty backend.
func New(opts Options) *Backend {
	if opts.Secret == "" {
		opts.Secret = uuid.NewString()
	}
	if opts.RealtimePath == "" {
		opts.RealtimePath = "/ws"
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Backend{
		secret:        []byte(opts.Secret),
		realtimePath:  opts.RealtimePath,
		logger:        opts.Logger,
		hub:           newHub(opts.Logger),
		users:         make(map[string]protocol.User),
		conversations: make(map[string]*protocol.Conversation),
		messages:      make(map[string][]protocol.Message),
		calls:         make(map[string]*protocol.Call),
		groups:        make(map[string]*protocol.Group),
	}
}

// Handler returns the HTTP handler serving REST under /api and the
// realtime endpoint at the configured path.
func (b *Backend) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET(b.realtimePath, b.serveRealtime)
	b.routes(r.Group("/api", b.requireToken))
	return r
}

type claims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// IssueToken signs a token for userID valid for ttl. A negative ttl
// yields an already expired token.
func (b *Backend) IssueToken(userID string, ttl time.Duration) (string, error) {
	b.mu.Lock()
	u, ok := b.users[userID]
	b.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("unknown user %q", userID)
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Name: u.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return token.SignedString(b.secret)
}

var errBadToken = errors.New("invalid token")

func (b *Backend) verify(raw string) (protocol.User, error) {
	var c claims
	_, err := jwt.ParseWithClaims(raw, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errBadToken
		}
		return b.secret, nil
	})
	if err != nil {
		return protocol.User{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	u, ok := b.users[c.Subject]
	if !ok {
		return protocol.User{}, errBadToken
	}
	return u, nil
}

// AddUser registers a user.
func (b *Backend) AddUser(u protocol.User) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.users[u.ID] = u
}

// AddConversation registers a conversation.
func (b *Backend) AddConversation(c protocol.Conversation) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conversations[c.ID] = &c
}

// AddGroup registers a group.
func (b *Backend) AddGroup(g protocol.Group) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.groups[g.ID] = &g
}

// PostMessage stores a message from senderID and fans new_message out to
// the conversation's participants.
func (b *Backend) PostMessage(senderID, conversationID string, msgType protocol.MessageType, content string) (protocol.Message, error) {
	b.mu.Lock()
	c, ok := b.conversations[conversationID]
	if !ok {
		b.mu.Unlock()
		return protocol.Message{}, errNotFound
	}
	b.seq++
	m := protocol.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Sender:         b.users[senderID],
		Type:           msgType,
		Content:        content,
		Status:         protocol.StatusSent,
		CreatedAt:      protocol.At(time.Now()),
		Seq:            b.seq,
	}
	b.messages[conversationID] = append(b.messages[conversationID], m)
	last := m
	c.LastMessage = &last
	recipients := participantIDs(c)
	b.mu.Unlock()

	b.hub.notify(recipients, protocol.NewMessage{Message: m})
	return m, nil
}

// Emit pushes ev to userID if connected.
func (b *Backend) Emit(userID string, ev protocol.Event) bool {
	return b.hub.sendTo(userID, ev)
}

// Connected reports whether userID has a live realtime session.
func (b *Backend) Connected(userID string) bool {
	return b.hub.connected(userID)
}

// Messages returns the stored messages of a conversation, oldest first.
func (b *Backend) Messages(conversationID string) []protocol.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.messages[conversationID])
}

func participantIDs(c *protocol.Conversation) []string {
	ids := make([]string, 0, len(c.Participants))
	for _, u := range c.Participants {
		ids = append(ids, u.ID)
	}
	return ids
}

func isParticipant(c *protocol.Conversation, userID string) bool {
	return slices.ContainsFunc(c.Participants, func(u protocol.User) bool { return u.ID == userID })
}

// page returns the 1-based page of items.
func page[T any](items []T, n int) []T {
	if n < 1 {
		n = 1
	}
	start := (n - 1) * pageSize
	if start >= len(items) {
		return []T{}
	}
	return items[start:min(start+pageSize, len(items))]
}
