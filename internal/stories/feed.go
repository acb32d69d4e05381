// Package stories is the status feed: ephemeral posts hydrated over REST
// and kept live by new_status events, with per-session view tracking and
// reaction aggregation.
package stories

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/cydjerr/speakjerr/internal/bus"
	"github.com/cydjerr/speakjerr/internal/clock"
	"github.com/cydjerr/speakjerr/internal/events"
	"github.com/cydjerr/speakjerr/internal/paging"
	"github.com/cydjerr/speakjerr/internal/protocol"
	"github.com/cydjerr/speakjerr/internal/rest"
)

// API is the REST surface of the feed.
type API interface {
	ListStatuses(ctx context.Context, mine bool, page int) ([]protocol.Story, error)
	CreateStatus(ctx context.Context, req rest.CreateStatusRequest) (protocol.Story, error)
}

// Rooms joins and leaves the status feed room.
type Rooms interface {
	JoinStatusFeed(ctx context.Context) bool
	LeaveStatusFeed(ctx context.Context) bool
}

// Identity resolves the authenticated user.
type Identity interface {
	UserID() string
}

// Scope selects one of the two independent lists.
type Scope int

const (
	ScopeFeed Scope = iota
	ScopeMine
)

// ErrUnknownScope is returned for a Scope other than ScopeFeed or ScopeMine.
var ErrUnknownScope = errors.New("stories: unknown scope")

func (s Scope) String() string {
	switch s {
	case ScopeFeed:
		return "feed"
	case ScopeMine:
		return "mine"
	default:
		return fmt.Sprintf("scope(%d)", int(s))
	}
}

// Feed is the Status/Stories Feed.
type Feed struct {
	api    API
	router *events.Router
	rooms  Rooms
	self   Identity
	bus    *bus.Bus
	clock  clock.Clock
	logger *zap.Logger
	ttl    time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	lists  [2]*paging.Pager[protocol.Story]
	expiry *cache.Cache

	mu     sync.Mutex
	viewed map[string]bool
	subs   []*events.Subscription
}

// New creates a feed. A zero ttl disables client-side expiry.
func New(api API, router *events.Router, rooms Rooms, self Identity, b *bus.Bus, clk clock.Clock, logger *zap.Logger, ttl time.Duration) *Feed {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	f := &Feed{
		api:    api,
		router: router,
		rooms:  rooms,
		self:   self,
		bus:    b,
		clock:  clock.OrReal(clk),
		logger: logger,
		ttl:    ttl,
		ctx:    ctx,
		cancel: cancel,
		viewed: make(map[string]bool),
	}
	key := func(s protocol.Story) string { return s.ID }
	f.lists[ScopeFeed] = paging.New(key)
	f.lists[ScopeMine] = paging.New(key)
	if ttl > 0 {
		f.expiry = cache.New(ttl, max(ttl/4, time.Second))
		f.expiry.OnEvicted(f.onExpired)
	}
	return f
}

// Start registers the realtime handlers. The status feed room is joined on
// every authentication.
func (f *Feed) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.subs) > 0 {
		return
	}
	f.subs = []*events.Subscription{
		events.On(f.router, f.onNewStatus),
		events.On(f.router, f.onStatusViewed),
		events.On(f.router, f.onStatusReaction),
		events.On(f.router, f.onAuthenticated),
	}
}

// Stop leaves the status feed room and deregisters the handlers.
func (f *Feed) Stop(ctx context.Context) {
	f.mu.Lock()
	subs := f.subs
	f.subs = nil
	f.mu.Unlock()
	if len(subs) > 0 {
		f.rooms.LeaveStatusFeed(ctx)
	}
	for _, sub := range subs {
		sub.Off()
	}
	f.cancel()
}

func (f *Feed) selfID() string {
	if f.self == nil {
		return ""
	}
	return f.self.UserID()
}

func (f *Feed) onAuthenticated(protocol.Authenticated) {
	if !f.rooms.JoinStatusFeed(f.ctx) {
		f.logger.Debug("join status feed not delivered")
	}
}

func (f *Feed) list(scope Scope) (*paging.Pager[protocol.Story], error) {
	if scope != ScopeFeed && scope != ScopeMine {
		return nil, fmt.Errorf("%w: %s", ErrUnknownScope, scope)
	}
	return f.lists[scope], nil
}

// Fetch reloads a list from page 1.
func (f *Feed) Fetch(ctx context.Context, scope Scope) error {
	list, err := f.list(scope)
	if err != nil {
		return err
	}
	list.Reset()
	return f.FetchMore(ctx, scope)
}

// FetchMore fetches the next page of a list. Entries without an ID and
// entries already past the TTL are dropped.
func (f *Feed) FetchMore(ctx context.Context, scope Scope) error {
	list, err := f.list(scope)
	if err != nil {
		return err
	}
	page, ok := list.Next()
	if !ok {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(f.ctx, cancel)
	defer stop()

	stories, err := f.api.ListStatuses(ctx, scope == ScopeMine, page)
	if f.ctx.Err() != nil {
		list.Cancel()
		return context.Canceled
	}
	if err != nil {
		list.Fail(err)
		f.logger.Warn("load statuses failed", zap.Stringer("scope", scope), zap.Int("page", page), zap.Error(err))
		return fmt.Errorf("load %s statuses page %d: %w", scope, page, err)
	}

	kept := make([]protocol.Story, 0, len(stories))
	for _, s := range stories {
		if s.ID == "" {
			continue
		}
		if f.normalize(&s) {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 && len(stories) > 0 {
		list.Skip(page)
		return nil
	}
	list.Complete(page, kept)
	return nil
}

// Create uploads a status. The returned story is added to the user's own
// list; its later new_status echo is deduplicated by ID.
func (f *Feed) Create(ctx context.Context, req rest.CreateStatusRequest) (protocol.Story, error) {
	s, err := f.api.CreateStatus(ctx, req)
	if err != nil {
		f.logger.Warn("create status failed", zap.Error(err))
		return protocol.Story{}, fmt.Errorf("create status: %w", err)
	}
	if s.ID == "" {
		return protocol.Story{}, fmt.Errorf("create status: server returned no id")
	}
	if s.Author.ID == "" {
		s.Author.ID = f.selfID()
	}
	if f.normalize(&s) {
		f.lists[ScopeMine].Upsert(s)
		f.bus.Emit(bus.StoryUpserted, s)
	}
	return s, nil
}

// normalize fills in a missing timestamp and registers the story for
// expiry. It reports false when the story has already expired.
func (f *Feed) normalize(s *protocol.Story) bool {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = protocol.At(f.clock.Now())
	}
	if f.expiry == nil {
		return true
	}
	left := s.CreatedAt.Add(f.ttl).Sub(f.clock.Now())
	if left <= 0 {
		return false
	}
	f.expiry.Set(s.ID, struct{}{}, left)
	return true
}

func (f *Feed) expired(s protocol.Story) bool {
	return f.ttl > 0 && !f.clock.Now().Before(s.CreatedAt.Add(f.ttl))
}

func (f *Feed) onExpired(id string, _ any) {
	removed := false
	for _, list := range f.lists {
		if list.Remove(id) {
			removed = true
		}
	}
	if removed {
		f.logger.Debug("status expired", zap.String("status_id", id))
		f.bus.Emit(bus.StoryExpired, id)
	}
}

// Sweep evicts statuses past the TTL now instead of waiting for the
// periodic cleanup.
func (f *Feed) Sweep() {
	if f.expiry != nil {
		f.expiry.DeleteExpired()
	}
}

// Stories returns a list newest first, without expired entries. An unknown
// scope has no stories.
func (f *Feed) Stories(scope Scope) []protocol.Story {
	list, err := f.list(scope)
	if err != nil {
		return nil
	}
	items := list.Items()
	items = slices.DeleteFunc(items, f.expired)
	slices.SortStableFunc(items, func(a, b protocol.Story) int {
		return b.CreatedAt.Compare(a.CreatedAt.Time)
	})
	return items
}

// Story looks a status up in either list.
func (f *Feed) Story(id string) (protocol.Story, bool) {
	for _, list := range f.lists {
		if s, ok := list.Get(id); ok && !f.expired(s) {
			return s, true
		}
	}
	return protocol.Story{}, false
}

// HasMore reports whether another page of scope exists.
func (f *Feed) HasMore(scope Scope) bool {
	list, err := f.list(scope)
	return err == nil && list.HasMore()
}

// Err returns the retryable error of scope, or ErrUnknownScope.
func (f *Feed) Err(scope Scope) error {
	list, err := f.list(scope)
	if err != nil {
		return err
	}
	return list.Err()
}
