package calls

import (
	"context"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/cydjerr/speakjerr/internal/protocol"
)

// LoadHistory reloads the call history from page 1.
func (r *Relay) LoadHistory(ctx context.Context) error {
	r.history.Reset()
	return r.LoadMoreHistory(ctx)
}

// LoadMoreHistory fetches the next page of call history. Failures are
// kept on the history list and do not touch live calls.
func (r *Relay) LoadMoreHistory(ctx context.Context) error {
	page, ok := r.history.Next()
	if !ok {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(r.ctx, cancel)
	defer stop()

	calls, err := r.api.ListCalls(ctx, page)
	if r.ctx.Err() != nil {
		r.history.Cancel()
		return context.Canceled
	}
	if err != nil {
		r.history.Fail(err)
		r.logger.Warn("load call history failed", zap.Int("page", page), zap.Error(err))
		return fmt.Errorf("load call history page %d: %w", page, err)
	}
	r.history.Complete(page, calls)
	return nil
}

// History returns the cached call history, newest first.
func (r *Relay) History() []protocol.Call {
	calls := r.history.Items()
	slices.SortStableFunc(calls, func(a, b protocol.Call) int {
		return b.StartedAt.Compare(a.StartedAt.Time)
	})
	return calls
}

// HasMoreHistory reports whether another history page exists.
func (r *Relay) HasMoreHistory() bool { return r.history.HasMore() }

// HistoryErr returns the retryable error of the call history.
func (r *Relay) HistoryErr() error { return r.history.Err() }
