// Package sync persists realtime state changes into the local cache so the
// next start can render conversations before the first REST page returns.
package sync

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/cydjerr/speakjerr/internal/bus"
	"github.com/cydjerr/speakjerr/internal/calls"
	"github.com/cydjerr/speakjerr/internal/protocol"
	"github.com/cydjerr/speakjerr/internal/store"
)

// Engine handles idempotent ingestion of state changes into the store.
// It subscribes to the "messaging." and "calls." namespaces on the bus.
type Engine struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

// NewEngine creates a new sync engine.
func NewEngine(db *store.DB, b *bus.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		db:     db,
		bus:    b,
		logger: logger,
	}
}

// Start subscribes to state changes on the bus.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	msgCh, unsubMsg := e.bus.Subscribe("messaging.", 512)
	callCh, unsubCall := e.bus.Subscribe("calls.", 64)

	go func() {
		defer close(e.done)
		defer unsubMsg()
		defer unsubCall()
		for {
			select {
			case evt := <-msgCh:
				e.handleEvent(ctx, evt)
			case evt := <-callCh:
				e.handleEvent(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine and waits for the event loop to exit.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
}

func (e *Engine) handleEvent(ctx context.Context, evt bus.Event) {
	var err error
	switch evt.Kind {
	case bus.ConversationUpserted:
		c, ok := evt.Payload.(protocol.Conversation)
		if !ok {
			return
		}
		err = e.IngestConversation(ctx, c)
	case bus.MessageUpserted:
		m, ok := evt.Payload.(protocol.Message)
		if !ok {
			return
		}
		err = e.IngestMessage(ctx, m)
	case bus.MessagesLoaded:
		msgs, ok := evt.Payload.([]protocol.Message)
		if !ok {
			return
		}
		err = e.IngestBatch(ctx, msgs)
	case bus.ConversationRemoved:
		id, ok := evt.Payload.(string)
		if !ok {
			return
		}
		err = e.db.DeleteConversation(ctx, id)
	case bus.CallStateChanged:
		change, ok := evt.Payload.(calls.StateChange)
		if !ok {
			return
		}
		err = e.db.UpsertCall(ctx, change.Call)
	default:
		return
	}
	if err != nil && ctx.Err() == nil {
		e.logger.Error("failed to persist state change", zap.String("kind", evt.Kind), zap.Error(err))
	}
}

// IngestConversation stores a conversation (idempotent).
func (e *Engine) IngestConversation(ctx context.Context, c protocol.Conversation) error {
	if c.ID == "" {
		return nil
	}
	if err := e.db.UpsertConversation(ctx, c); err != nil {
		return fmt.Errorf("upsert conversation %s: %w", c.ID, err)
	}
	return nil
}

// IngestMessage stores a single message (idempotent). The stored status
// never moves backwards.
func (e *Engine) IngestMessage(ctx context.Context, m protocol.Message) error {
	if m.ID == "" {
		return nil
	}
	if err := e.db.UpsertMessage(ctx, m); err != nil {
		return fmt.Errorf("upsert message %s: %w", m.ID, err)
	}
	return nil
}

// IngestBatch stores a hydrated page of messages in one transaction.
func (e *Engine) IngestBatch(ctx context.Context, msgs []protocol.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	if err := e.db.UpsertMessages(ctx, msgs); err != nil {
		return fmt.Errorf("upsert batch: %w", err)
	}
	e.logger.Debug("message batch persisted", zap.Int("messages", len(msgs)))
	e.bus.Emit(bus.BatchPersisted, len(msgs))
	return nil
}
