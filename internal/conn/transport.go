package conn

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/coder/websocket"

	"github.com/cydjerr/speakjerr/internal/apperr"
)

// maxFrameSize bounds a single inbound frame.
const maxFrameSize = 1 << 20

// Transport is one open bidirectional connection carrying text frames.
type Transport interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, frame []byte) error
	Ping(ctx context.Context) error
	Close(reason string) error
}

// Dialer opens transports.
type Dialer interface {
	Dial(ctx context.Context, endpoint string, header http.Header) (Transport, error)
}

// WebsocketDialer dials websocket endpoints.
type WebsocketDialer struct {
	HTTPClient *http.Client
}

// Dial opens a websocket. A 401 or 403 handshake response is an
// authentication error; other failures are network or timeout errors.
func (d WebsocketDialer) Dial(ctx context.Context, endpoint string, header http.Header) (Transport, error) {
	c, resp, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil {
			if code := apperr.CodeForStatus(resp.StatusCode); code == apperr.CodeAuthentication {
				return nil, &apperr.Error{Code: code, Message: "handshake rejected", Status: resp.StatusCode, Err: err}
			}
		}
		return nil, apperr.FromTransport(err)
	}
	c.SetReadLimit(maxFrameSize)
	return &wsTransport{c: c}, nil
}

type wsTransport struct {
	c       *websocket.Conn
	writeMu sync.Mutex
}

func (t *wsTransport) Read(ctx context.Context) ([]byte, error) {
	for {
		typ, data, err := t.c.Read(ctx)
		if err != nil {
			return nil, err
		}
		if typ == websocket.MessageText {
			return data, nil
		}
	}
}

func (t *wsTransport) Write(ctx context.Context, frame []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.c.Write(ctx, websocket.MessageText, frame)
}

func (t *wsTransport) Ping(ctx context.Context) error {
	return t.c.Ping(ctx)
}

func (t *wsTransport) Close(reason string) error {
	return t.c.Close(websocket.StatusNormalClosure, reason)
}

// RealtimeURL derives the realtime endpoint from the REST base URL: the
// REST suffix is stripped, http(s) becomes ws(s) and realtimePath is
// appended.
func RealtimeURL(baseURL, restSuffix, realtimePath string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported base url scheme %q", u.Scheme)
	}
	p := strings.TrimRight(u.Path, "/")
	if restSuffix != "" {
		p = strings.TrimSuffix(p, strings.TrimRight(restSuffix, "/"))
	}
	if realtimePath != "" && !strings.HasPrefix(realtimePath, "/") {
		realtimePath = "/" + realtimePath
	}
	u.Path = p + realtimePath
	u.RawPath = ""
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

// BearerHeader returns the handshake header carrying token.
func BearerHeader(token string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	return h
}
