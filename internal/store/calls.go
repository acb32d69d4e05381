package store

import (
	"context"
	"time"

	"github.com/cydjerr/speakjerr/internal/protocol"
)

// UpsertCall records the latest known state of a call.
func (db *DB) UpsertCall(ctx context.Context, c protocol.Call) error {
	participants, err := encodeBlob(c.Participants)
	if err != nil {
		return err
	}
	var startedAt int64
	if !c.StartedAt.IsZero() {
		startedAt = c.StartedAt.UnixMilli()
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO calls (id, call_type, caller_id, status, is_group, participants, started_at, duration, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			participants = excluded.participants,
			started_at = excluded.started_at,
			duration = excluded.duration,
			updated_at = excluded.updated_at`,
		c.ID, string(c.Type), c.Caller.ID, string(c.Status), c.IsGroupCall, participants, startedAt, c.Duration, time.Now().UnixMilli())
	return err
}

// ListCalls returns the call history, most recently updated first.
func (db *DB) ListCalls(ctx context.Context, limit int) ([]protocol.Call, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, call_type, caller_id, status, is_group, participants, started_at, duration
		FROM calls ORDER BY updated_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var calls []protocol.Call
	for rows.Next() {
		var (
			c            protocol.Call
			callType     string
			status       string
			participants []byte
			startedAt    int64
		)
		if err := rows.Scan(&c.ID, &callType, &c.Caller.ID, &status, &c.IsGroupCall, &participants, &startedAt, &c.Duration); err != nil {
			return nil, err
		}
		c.Type = protocol.CallType(callType)
		c.Status = protocol.CallStatus(status)
		if startedAt > 0 {
			c.StartedAt = protocol.At(time.UnixMilli(startedAt))
		}
		if err := decodeBlob(participants, &c.Participants); err != nil {
			return nil, err
		}
		calls = append(calls, c)
	}
	return calls, rows.Err()
}
