package daemon

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cydjerr/speakjerr/internal/calls"
	"github.com/cydjerr/speakjerr/internal/messaging"
	"github.com/cydjerr/speakjerr/internal/stories"
	intsync "github.com/cydjerr/speakjerr/internal/sync"
)

// Hydrator loads the first page of every list after authentication.
type Hydrator struct {
	state  *messaging.State
	relay  *calls.Relay
	feed   *stories.Feed
	rec    *intsync.Reconciler
	logger *zap.Logger

	mu      sync.Mutex
	running bool
	stopped bool
	wg      sync.WaitGroup
}

// NewHydrator creates a hydrator.
func NewHydrator(state *messaging.State, relay *calls.Relay, feed *stories.Feed, rec *intsync.Reconciler, logger *zap.Logger) *Hydrator {
	return &Hydrator{state: state, relay: relay, feed: feed, rec: rec, logger: logger}
}

// Run hydrates the lists in parallel. A run already in progress absorbs
// the call, and once Wait was called Run does nothing. Each list keeps its
// own error state; a failed list does not cancel the others.
func (h *Hydrator) Run(ctx context.Context) {
	h.mu.Lock()
	if h.running || h.stopped {
		h.mu.Unlock()
		return
	}
	h.running = true
	h.wg.Add(1)
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		h.running = false
		h.mu.Unlock()
		h.wg.Done()
	}()

	lists := []struct {
		name string
		load func(context.Context) error
	}{
		{"conversations", h.state.LoadConversations},
		{"groups", h.state.LoadGroups},
		{"calls", h.relay.LoadHistory},
		{"stories.feed", func(ctx context.Context) error { return h.feed.Fetch(ctx, stories.ScopeFeed) }},
		{"stories.mine", func(ctx context.Context) error { return h.feed.Fetch(ctx, stories.ScopeMine) }},
	}

	var g errgroup.Group
	for _, l := range lists {
		g.Go(func() error {
			if err := l.load(ctx); err != nil {
				h.logger.Warn("hydration failed", zap.String("list", l.name), zap.Error(err))
				return err
			}
			if err := h.rec.MarkHydrated(ctx, l.name); err != nil {
				h.logger.Warn("checkpoint failed", zap.String("list", l.name), zap.Error(err))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		h.logger.Info("hydration finished with errors", zap.Error(err))
		return
	}
	h.logger.Info("hydration complete", zap.Int("conversations", len(h.state.Conversations())))
}

// Wait blocks until a running hydration returns and refuses later runs.
func (h *Hydrator) Wait() {
	h.mu.Lock()
	h.stopped = true
	h.mu.Unlock()
	h.wg.Wait()
}
