// Package events multiplexes realtime events between the connection and
// the state components. Handlers are registered per event type and run
// synchronously in registration order; outbound sends are delivered only
// while the connection is authenticated.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/cydjerr/speakjerr/internal/protocol"
)

// Sender delivers an event over the live connection. Send reports false
// when the connection is not authenticated or the write failed.
type Sender interface {
	Send(ctx context.Context, ev protocol.Event) bool
}

// Router is the typed event bus between the connection and its dependents.
type Router struct {
	logger *zap.Logger

	mu       sync.RWMutex
	handlers map[string][]*Subscription
	nextID   uint64
	sender   Sender
}

// Subscription is the handle returned by On. Off removes the handler.
type Subscription struct {
	router *Router
	name   string
	id     uint64
	invoke func(protocol.Event)
}

// NewRouter creates a router with no sender attached.
func NewRouter(logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		logger:   logger,
		handlers: make(map[string][]*Subscription),
	}
}

// SetSender attaches the live connection. The connection is built after
// the router, so it is wired in afterwards.
func (r *Router) SetSender(s Sender) {
	r.mu.Lock()
	r.sender = s
	r.mu.Unlock()
}

// On registers h for events of type E.
func On[E protocol.Event](r *Router, h func(E)) *Subscription {
	var zero E
	sub := &Subscription{
		router: r,
		name:   zero.EventName(),
		invoke: func(ev protocol.Event) {
			if typed, ok := ev.(E); ok {
				h(typed)
			}
		},
	}
	r.mu.Lock()
	r.nextID++
	sub.id = r.nextID
	r.handlers[sub.name] = append(r.handlers[sub.name], sub)
	r.mu.Unlock()
	return sub
}

// Off deregisters the handler. Calling Off more than once is harmless.
func (s *Subscription) Off() {
	if s == nil || s.router == nil {
		return
	}
	r := s.router
	r.mu.Lock()
	defer r.mu.Unlock()
	subs := r.handlers[s.name]
	for i, other := range subs {
		if other.id == s.id {
			r.handlers[s.name] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(r.handlers[s.name]) == 0 {
		delete(r.handlers, s.name)
	}
}

// Handlers returns the number of handlers registered for name.
func (r *Router) Handlers(name string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[name])
}

// Dispatch invokes every handler registered for ev. A panicking handler is
// logged and does not stop the remaining handlers.
func (r *Router) Dispatch(ev protocol.Event) {
	name := ev.EventName()
	r.mu.RLock()
	subs := append([]*Subscription(nil), r.handlers[name]...)
	r.mu.RUnlock()

	for _, sub := range subs {
		r.invoke(name, sub, ev)
	}
}

func (r *Router) invoke(name string, sub *Subscription, ev protocol.Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("event handler panicked",
				zap.String("event", name),
				zap.Any("panic", rec),
			)
		}
	}()
	sub.invoke(ev)
}

// DispatchRaw decodes an inbound wire event and dispatches it. Unknown or
// malformed events are logged and dropped.
func (r *Router) DispatchRaw(name string, data json.RawMessage) error {
	ev, err := protocol.Decode(name, data)
	if err != nil {
		r.logger.Warn("dropping realtime event", zap.String("event", name), zap.Error(err))
		return err
	}
	r.Dispatch(ev)
	return nil
}

// Send forwards ev to the connection. It returns false, and does nothing
// else, when no authenticated connection is available. Nothing is queued.
func (r *Router) Send(ctx context.Context, ev protocol.Event) bool {
	r.mu.RLock()
	s := r.sender
	r.mu.RUnlock()
	if s == nil {
		r.logger.Debug("send without connection", zap.String("event", ev.EventName()))
		return false
	}
	return s.Send(ctx, ev)
}

func (s *Subscription) String() string {
	return fmt.Sprintf("%s#%d", s.name, s.id)
}
