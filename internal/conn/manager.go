// Package conn owns the single realtime connection: the bearer-token
// handshake, bounded reconnection, heartbeat and the connection state
// machine. Every lifecycle change is republished as a local event on the
// router and as connection.state_changed on the bus.
package conn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cydjerr/speakjerr/internal/apperr"
	"github.com/cydjerr/speakjerr/internal/bus"
	"github.com/cydjerr/speakjerr/internal/clock"
	"github.com/cydjerr/speakjerr/internal/config"
	"github.com/cydjerr/speakjerr/internal/credentials"
	"github.com/cydjerr/speakjerr/internal/events"
	"github.com/cydjerr/speakjerr/internal/protocol"
)

// ErrNoCredentials is returned by Initialize when no token is stored.
var ErrNoCredentials = errors.New("no stored credentials")

// Options configures the manager.
type Options struct {
	BaseURL           string
	RESTSuffix        string
	RealtimePath      string
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
}

// OptionsFromConfig maps the API and realtime config sections.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		BaseURL:           cfg.API.BaseURL,
		RESTSuffix:        cfg.API.RESTSuffix,
		RealtimePath:      cfg.Realtime.Path,
		ReconnectAttempts: cfg.Realtime.ReconnectAttempts,
		ReconnectDelay:    cfg.Realtime.ReconnectDelay.Duration,
		HeartbeatInterval: cfg.Realtime.HeartbeatInterval.Duration,
		WriteTimeout:      cfg.API.Timeout.Duration,
	}
}

// Manager is the Connection Manager.
type Manager struct {
	opts    Options
	creds   credentials.Store
	dialer  Dialer
	router  *events.Router
	machine *Machine
	clock   clock.Clock
	logger  *zap.Logger

	mu        sync.Mutex
	transport Transport
	runCancel context.CancelFunc
	userID    string
	attempts  int
	lastErr   error
	lastPong  time.Time

	wg sync.WaitGroup
}

// New creates a manager and attaches it to router as its sender.
func New(opts Options, creds credentials.Store, dialer Dialer, router *events.Router, b *bus.Bus, clk clock.Clock, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dialer == nil {
		dialer = WebsocketDialer{}
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	m := &Manager{
		opts:    opts,
		creds:   creds,
		dialer:  dialer,
		router:  router,
		machine: NewMachine(b),
		clock:   clock.OrReal(clk),
		logger:  logger,
	}
	router.SetSender(m)
	return m
}

// Initialize opens the connection. It fails fast with ErrNoCredentials
// when no token is stored and with an authentication error when the token
// is an expired JWT. It returns once the transport accepts the handshake;
// authentication follows as an inbound event. Calling Initialize on a
// live manager is a no-op.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	running := m.runCancel != nil
	m.mu.Unlock()
	if running {
		return nil
	}

	endpoint, err := RealtimeURL(m.opts.BaseURL, m.opts.RESTSuffix, m.opts.RealtimePath)
	if err != nil {
		return err
	}
	token, err := m.token(ctx)
	if err != nil {
		if apperr.CodeOf(err) == apperr.CodeAuthentication {
			m.setLastErr(err)
			m.router.Dispatch(protocol.AuthenticationError{Message: err.Error()})
		}
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	if m.runCancel != nil {
		m.mu.Unlock()
		cancel()
		return nil
	}
	m.runCancel = cancel
	m.mu.Unlock()

	if err := m.transition(Connecting); err != nil {
		m.shutdown("")
		return err
	}
	m.logger.Info("connecting", zap.String("endpoint", endpoint))
	t, err := m.dialer.Dial(ctx, endpoint, BearerHeader(token))
	if err != nil {
		m.setLastErr(err)
		m.shutdown("")
		m.router.Dispatch(protocol.ConnectError{Err: err})
		if apperr.CodeOf(err) == apperr.CodeAuthentication {
			m.router.Dispatch(protocol.AuthenticationError{Message: err.Error()})
		}
		return err
	}
	if !m.attach(runCtx, t) {
		return fmt.Errorf("connection closed during handshake")
	}
	return nil
}

// Disconnect tears the connection down and stops reconnection. It is
// idempotent.
func (m *Manager) Disconnect() {
	if m.shutdown("client disconnect") {
		m.logger.Info("disconnected by client")
		m.router.Dispatch(protocol.Disconnect{Reason: "client disconnect"})
	}
}

// Wait blocks until the connection goroutines have exited. Call it after
// Disconnect, never from an event handler.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Send writes ev to the connection. It returns false without side
// effects unless the connection is authenticated.
func (m *Manager) Send(ctx context.Context, ev protocol.Event) bool {
	if m.machine.Current() != Authenticated {
		return false
	}
	m.mu.Lock()
	t := m.transport
	m.mu.Unlock()
	if t == nil {
		return false
	}
	frame, err := protocol.Encode(ev)
	if err != nil {
		m.logger.Error("encode outbound event", zap.String("event", ev.EventName()), zap.Error(err))
		return false
	}
	wctx, cancel := context.WithTimeout(ctx, m.opts.WriteTimeout)
	defer cancel()
	if err := t.Write(wctx, frame); err != nil {
		m.logger.Warn("write outbound event", zap.String("event", ev.EventName()), zap.Error(err))
		return false
	}
	return true
}

// State returns the current connection state.
func (m *Manager) State() State { return m.machine.Current() }

// UserID returns the identity resolved by the last authenticated event.
func (m *Manager) UserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userID
}

// ReconnectAttempts returns the attempt counter of the current reconnect
// cycle. It resets to zero on a successful connection.
func (m *Manager) ReconnectAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// LastError returns the most recent connection error.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// LastPong returns when the last protocol pong arrived.
func (m *Manager) LastPong() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastPong
}

func (m *Manager) token(ctx context.Context) (string, error) {
	token, err := m.creds.Token(ctx)
	if errors.Is(err, credentials.ErrNoToken) || (err == nil && token == "") {
		return "", ErrNoCredentials
	}
	if err != nil {
		return "", fmt.Errorf("read token: %w", err)
	}
	if credentials.Expired(token, m.clock.Now()) {
		return "", apperr.New(apperr.CodeAuthentication, "stored token has expired")
	}
	return token, nil
}

func (m *Manager) dial(ctx context.Context) (Transport, error) {
	endpoint, err := RealtimeURL(m.opts.BaseURL, m.opts.RESTSuffix, m.opts.RealtimePath)
	if err != nil {
		return nil, err
	}
	token, err := m.token(ctx)
	if err != nil {
		return nil, err
	}
	return m.dialer.Dial(ctx, endpoint, BearerHeader(token))
}

// attach installs t as the live transport and starts its read and
// heartbeat loops. It reports false when the run was cancelled meanwhile.
func (m *Manager) attach(runCtx context.Context, t Transport) bool {
	m.mu.Lock()
	if runCtx.Err() != nil {
		m.mu.Unlock()
		_ = t.Close("disconnected")
		return false
	}
	m.transport = t
	m.attempts = 0
	m.mu.Unlock()

	if err := m.transition(Connected); err != nil {
		m.shutdown("invalid state")
		return false
	}
	m.router.Dispatch(protocol.Connect{})

	sessCtx, cancel := context.WithCancel(runCtx)
	m.wg.Add(2)
	go m.readLoop(runCtx, sessCtx, cancel, t)
	go m.heartbeat(sessCtx, t)
	return true
}

func (m *Manager) readLoop(runCtx, ctx context.Context, cancel context.CancelFunc, t Transport) {
	defer m.wg.Done()
	defer cancel()
	for {
		frame, err := t.Read(ctx)
		if err != nil {
			m.lost(runCtx, t, err)
			return
		}
		m.handleFrame(ctx, frame)
	}
}

func (m *Manager) handleFrame(ctx context.Context, frame []byte) {
	env, err := protocol.DecodeEnvelope(frame)
	if err != nil {
		m.logger.Warn("dropping frame", zap.Error(err))
		return
	}
	state := m.machine.Current()

	switch env.Event {
	case protocol.EventAuthenticated:
		if state != Connected {
			m.logger.Debug("unexpected authenticated event", zap.String("state", string(state)))
			return
		}
		ev, err := protocol.Decode(env.Event, env.Data)
		if err != nil {
			m.logger.Warn("dropping realtime event", zap.String("event", env.Event), zap.Error(err))
			return
		}
		auth := ev.(protocol.Authenticated)
		m.mu.Lock()
		m.userID = auth.UserID
		m.mu.Unlock()
		if err := m.transition(Authenticated); err != nil {
			return
		}
		m.logger.Info("authenticated", zap.String("user_id", auth.UserID))
		m.router.Dispatch(auth)

	case protocol.EventAuthenticationError:
		if state != Connected && state != Authenticated {
			return
		}
		var authErr protocol.AuthenticationError
		if ev, err := protocol.Decode(env.Event, env.Data); err == nil {
			authErr = ev.(protocol.AuthenticationError)
		}
		m.setLastErr(apperr.New(apperr.CodeAuthentication, authErr.Message))
		m.logger.Warn("authentication rejected", zap.String("reason", authErr.Message))
		m.shutdown("authentication failed")
		m.router.Dispatch(authErr)
		m.router.Dispatch(protocol.Disconnect{Reason: "authentication failed"})

	default:
		if state != Authenticated {
			m.logger.Debug("dropping event before authentication", zap.String("event", env.Event))
			return
		}
		switch env.Event {
		case protocol.EventPing:
			m.Send(ctx, protocol.Pong{})
		case protocol.EventPong:
			m.mu.Lock()
			m.lastPong = m.clock.Now()
			m.mu.Unlock()
		}
		_ = m.router.DispatchRaw(env.Event, env.Data)
	}
}

// lost handles a transport failure that was not initiated locally.
func (m *Manager) lost(runCtx context.Context, t Transport, err error) {
	m.mu.Lock()
	if m.transport != t {
		m.mu.Unlock()
		return
	}
	m.transport = nil
	m.userID = ""
	m.lastErr = err
	m.mu.Unlock()
	_ = t.Close("connection lost")

	m.logger.Warn("connection lost", zap.Error(err))
	m.router.Dispatch(protocol.Disconnect{Reason: err.Error()})
	m.reconnect(runCtx)
}

// reconnect retries with a fixed delay up to the configured number of
// attempts, then gives up in Disconnected.
func (m *Manager) reconnect(runCtx context.Context) {
	if err := m.transition(Reconnecting); err != nil {
		return
	}
	for attempt := 1; attempt <= m.opts.ReconnectAttempts; attempt++ {
		m.mu.Lock()
		m.attempts = attempt
		m.mu.Unlock()
		m.logger.Info("reconnect attempt", zap.Int("attempt", attempt), zap.Int("max", m.opts.ReconnectAttempts))
		m.router.Dispatch(protocol.ReconnectAttempt{Attempt: attempt})

		select {
		case <-runCtx.Done():
			return
		case <-m.clock.After(m.opts.ReconnectDelay):
		}
		if err := m.transition(Connecting); err != nil {
			return
		}
		t, err := m.dial(runCtx)
		if err == nil {
			m.attach(runCtx, t)
			return
		}
		if runCtx.Err() != nil {
			return
		}
		m.setLastErr(err)
		m.router.Dispatch(protocol.ConnectError{Err: err})
		if apperr.CodeOf(err) == apperr.CodeAuthentication || errors.Is(err, ErrNoCredentials) {
			m.logger.Warn("reconnect rejected", zap.Error(err))
			m.shutdown("")
			m.router.Dispatch(protocol.AuthenticationError{Message: err.Error()})
			return
		}
		if err := m.transition(Reconnecting); err != nil {
			return
		}
	}

	attempts := m.ReconnectAttempts()
	m.logger.Error("reconnect failed", zap.Int("attempts", attempts))
	m.shutdown("")
	m.router.Dispatch(protocol.ReconnectFailed{Attempts: attempts})
}

// shutdown cancels the run, closes the transport and moves to
// Disconnected. It reports whether there was anything to tear down.
func (m *Manager) shutdown(reason string) bool {
	m.mu.Lock()
	cancel := m.runCancel
	m.runCancel = nil
	t := m.transport
	m.transport = nil
	m.userID = ""
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if t != nil {
		_ = t.Close(reason)
	}
	if m.machine.Current() != Disconnected {
		_ = m.transition(Disconnected)
	}
	return cancel != nil || t != nil
}

func (m *Manager) transition(to State) error {
	if err := m.machine.Transition(to); err != nil {
		m.logger.Debug("state transition rejected", zap.Error(err))
		return err
	}
	return nil
}

func (m *Manager) setLastErr(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
}

func (m *Manager) heartbeat(ctx context.Context, t Transport) {
	defer m.wg.Done()
	if m.opts.HeartbeatInterval <= 0 {
		return
	}
	ticker := m.clock.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, m.opts.HeartbeatInterval)
			err := t.Ping(pctx)
			cancel()
			if err != nil && ctx.Err() == nil {
				m.logger.Warn("heartbeat failed", zap.Error(err))
				_ = t.Close("heartbeat failed")
				return
			}
		}
	}
}
