package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cydjerr/speakjerr/internal/protocol"
)

// upsertMessageSQL is idempotent on id. Status only moves forward: failed
// is terminal and replaces only sending or sent.
const upsertMessageSQL = `
	INSERT INTO messages (id, conversation_id, sender_id, sender_name, message_type, content, status, status_rank, created_at, seq, reactions, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		sender_name = excluded.sender_name,
		content = excluded.content,
		seq = CASE WHEN excluded.seq > 0 THEN excluded.seq ELSE messages.seq END,
		reactions = excluded.reactions,
		status = CASE
			WHEN messages.status = 'failed' THEN messages.status
			WHEN excluded.status = 'failed' THEN CASE WHEN messages.status IN ('sending', 'sent') THEN 'failed' ELSE messages.status END
			WHEN excluded.status_rank > messages.status_rank THEN excluded.status
			ELSE messages.status END,
		status_rank = CASE
			WHEN messages.status = 'failed' THEN messages.status_rank
			WHEN excluded.status = 'failed' THEN CASE WHEN messages.status IN ('sending', 'sent') THEN 0 ELSE messages.status_rank END
			WHEN excluded.status_rank > messages.status_rank THEN excluded.status_rank
			ELSE messages.status_rank END,
		updated_at = excluded.updated_at`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// UpsertMessage inserts or updates a message.
func (db *DB) UpsertMessage(ctx context.Context, m protocol.Message) error {
	return upsertMessage(ctx, db, m)
}

// UpsertMessages stores a batch in one transaction.
func (db *DB) UpsertMessages(ctx context.Context, msgs []protocol.Message) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, m := range msgs {
		if err := upsertMessage(ctx, tx, m); err != nil {
			return fmt.Errorf("upsert message %s: %w", m.ID, err)
		}
	}
	return tx.Commit()
}

func upsertMessage(ctx context.Context, ex execer, m protocol.Message) error {
	reactions, err := encodeBlob(m.Reactions)
	if err != nil {
		return err
	}
	status := m.Status
	if status == "" {
		status = protocol.StatusSent
	}
	_, err = ex.ExecContext(ctx, upsertMessageSQL,
		m.ID, m.ConversationID, m.Sender.ID, m.Sender.Name, string(m.Type), m.Content,
		string(status), status.Rank(), m.CreatedAt.UnixMilli(), m.Seq, reactions, time.Now().UnixMilli())
	return err
}

// ListMessages returns up to limit messages of a conversation created
// before the given time, in chronological order. A zero before means now.
func (db *DB) ListMessages(ctx context.Context, conversationID string, before time.Time, limit int) ([]protocol.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	beforeMs := before.UnixMilli()
	if before.IsZero() {
		beforeMs = time.Now().UnixMilli() + 1
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, conversation_id, sender_id, sender_name, message_type, content, status, created_at, seq, reactions
		FROM (
			SELECT * FROM messages
			WHERE conversation_id = ? AND created_at < ?
			ORDER BY created_at DESC, seq DESC
			LIMIT ?
		)
		ORDER BY created_at, seq, id`, conversationID, beforeMs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []protocol.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// GetMessage returns a message by id, or nil when absent.
func (db *DB) GetMessage(ctx context.Context, id string) (*protocol.Message, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, conversation_id, sender_id, sender_name, message_type, content, status, created_at, seq, reactions
		FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func scanMessage(s scanner) (protocol.Message, error) {
	var (
		m         protocol.Message
		msgType   string
		status    string
		createdAt int64
		reactions []byte
	)
	if err := s.Scan(&m.ID, &m.ConversationID, &m.Sender.ID, &m.Sender.Name, &msgType, &m.Content, &status, &createdAt, &m.Seq, &reactions); err != nil {
		return m, err
	}
	m.Type = protocol.MessageType(msgType)
	m.Status = protocol.MessageStatus(status)
	m.CreatedAt = protocol.At(time.UnixMilli(createdAt))
	if err := decodeBlob(reactions, &m.Reactions); err != nil {
		return m, err
	}
	return m, nil
}
