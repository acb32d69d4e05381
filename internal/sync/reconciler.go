package sync

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/cydjerr/speakjerr/internal/store"
)

// Reconciler manages hydration checkpoints.
type Reconciler struct {
	db     *store.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewReconciler creates a new reconciler.
func NewReconciler(db *store.DB, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{db: db, logger: logger, now: time.Now}
}

// UpdateCheckpoint updates a checkpoint value.
func (r *Reconciler) UpdateCheckpoint(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, r.now().UnixMilli())
	return err
}

// GetCheckpoint retrieves a checkpoint value. ok is false when unset.
func (r *Reconciler) GetCheckpoint(ctx context.Context, key string) (value string, ok bool, err error) {
	err = r.db.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// MarkHydrated records that list finished its first page.
func (r *Reconciler) MarkHydrated(ctx context.Context, list string) error {
	return r.UpdateCheckpoint(ctx, "hydrated."+list, r.now().UTC().Format(time.RFC3339Nano))
}

// LastHydrated returns when list last finished hydrating.
func (r *Reconciler) LastHydrated(ctx context.Context, list string) (time.Time, bool, error) {
	v, ok, err := r.GetCheckpoint(ctx, "hydrated."+list)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		r.logger.Warn("discarding malformed checkpoint", zap.String("list", list), zap.String("value", v))
		return time.Time{}, false, nil
	}
	return t, true, nil
}
