// Package credentials is the boundary to the opaque key-value store the
// client reads its access token from.
package credentials

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/cydjerr/speakjerr/internal/store"
)

// TokenKey is the key the access token is stored under.
const TokenKey = "auth_token"

// ErrNoToken is returned when no token has been stored.
var ErrNoToken = errors.New("no auth token stored")

// Store reads and writes the access token.
type Store interface {
	Token(ctx context.Context) (string, error)
	SetToken(ctx context.Context, token string) error
	Clear(ctx context.Context) error
}

// Memory is an in-process Store.
type Memory struct {
	mu    sync.RWMutex
	token string
}

// NewMemory returns a Memory store holding token. An empty token means
// nothing is stored.
func NewMemory(token string) *Memory {
	return &Memory{token: token}
}

func (m *Memory) Token(context.Context) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.token == "" {
		return "", ErrNoToken
	}
	return m.token, nil
}

func (m *Memory) SetToken(_ context.Context, token string) error {
	m.mu.Lock()
	m.token = token
	m.mu.Unlock()
	return nil
}

func (m *Memory) Clear(context.Context) error {
	return m.SetToken(context.Background(), "")
}

// SQLite keeps the token in the profile cache database.
type SQLite struct {
	db *store.DB
}

// NewSQLite returns a Store backed by db.
func NewSQLite(db *store.DB) *SQLite {
	return &SQLite{db: db}
}

func (s *SQLite) Token(ctx context.Context) (string, error) {
	v, ok, err := s.db.GetCredential(ctx, TokenKey)
	if err != nil {
		return "", err
	}
	if !ok || v == "" {
		return "", ErrNoToken
	}
	return v, nil
}

func (s *SQLite) SetToken(ctx context.Context, token string) error {
	return s.db.SetCredential(ctx, TokenKey, token)
}

func (s *SQLite) Clear(ctx context.Context) error {
	return s.db.DeleteCredential(ctx, TokenKey)
}

// ExpiresAt returns the exp claim of a JWT without verifying its
// signature. ok is false for opaque tokens and tokens without exp.
func ExpiresAt(token string) (exp time.Time, ok bool) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := new(jwt.Parser).ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// Expired reports whether token is a JWT whose exp is at or before now.
// Opaque tokens are never considered expired; the server decides.
func Expired(token string, now time.Time) bool {
	exp, ok := ExpiresAt(token)
	return ok && !now.Before(exp)
}

// Subject returns the sub claim of a JWT, or "" when absent.
func Subject(token string) string {
	claims := jwt.RegisteredClaims{}
	if _, _, err := new(jwt.Parser).ParseUnverified(token, &claims); err != nil {
		return ""
	}
	return claims.Subject
}
