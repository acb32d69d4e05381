package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/cydjerr/speakjerr/internal/protocol"
)

const previewLen = 100

// UpsertConversation inserts or updates a conversation. The last message
// columns only move forward in time.
func (db *DB) UpsertConversation(ctx context.Context, c protocol.Conversation) error {
	participants, err := encodeBlob(c.Participants)
	if err != nil {
		return err
	}
	var lastID, preview string
	var lastAt int64
	if c.LastMessage != nil {
		lastID = c.LastMessage.ID
		lastAt = c.LastMessage.CreatedAt.UnixMilli()
		preview = truncate(c.LastMessage.Content, previewLen)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO conversations (id, name, is_group, participants, unread_count, last_message_id, last_message_at, last_message_preview, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			is_group = excluded.is_group,
			participants = excluded.participants,
			unread_count = excluded.unread_count,
			last_message_id = CASE WHEN excluded.last_message_at >= conversations.last_message_at THEN excluded.last_message_id ELSE conversations.last_message_id END,
			last_message_preview = CASE WHEN excluded.last_message_at >= conversations.last_message_at THEN excluded.last_message_preview ELSE conversations.last_message_preview END,
			last_message_at = MAX(conversations.last_message_at, excluded.last_message_at),
			updated_at = excluded.updated_at`,
		c.ID, c.Name, c.IsGroup, participants, c.UnreadCount, lastID, lastAt, preview, time.Now().UnixMilli())
	return err
}

// ListConversations returns cached conversations, most recent activity first.
func (db *DB) ListConversations(ctx context.Context, limit, offset int) ([]protocol.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, name, is_group, participants, unread_count, last_message_id, last_message_at, last_message_preview
		FROM conversations
		ORDER BY last_message_at DESC, id
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []protocol.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// GetConversation returns a single conversation, or nil when absent.
func (db *DB) GetConversation(ctx context.Context, id string) (*protocol.Conversation, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, name, is_group, participants, unread_count, last_message_id, last_message_at, last_message_preview
		FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// DeleteConversation removes a conversation and its messages after a
// confirmed leave.
func (db *DB) DeleteConversation(ctx context.Context, id string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(s scanner) (protocol.Conversation, error) {
	var (
		c            protocol.Conversation
		participants []byte
		lastID       string
		lastAt       int64
		preview      string
	)
	if err := s.Scan(&c.ID, &c.Name, &c.IsGroup, &participants, &c.UnreadCount, &lastID, &lastAt, &preview); err != nil {
		return c, err
	}
	if err := decodeBlob(participants, &c.Participants); err != nil {
		return c, err
	}
	if lastID != "" {
		c.LastMessage = &protocol.Message{
			ID:             lastID,
			ConversationID: c.ID,
			Content:        preview,
			CreatedAt:      protocol.At(time.UnixMilli(lastAt)),
		}
	}
	return c, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
