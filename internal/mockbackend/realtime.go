package mockbackend

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cydjerr/speakjerr/internal/protocol"
)

const (
	writeWait   = 10 * time.Second
	readTimeout = 90 * time.Second
	sendBuffer  = 128
	feedRoom    = "status_feed"
)

func conversationRoom(id string) string { return "conversation:" + id }
func callRoom(id string) string         { return "call:" + id }

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// session is one websocket connection of a user. Writes go through a
// buffered channel drained by writeLoop.
type session struct {
	id     string
	userID string
	ws     *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
}

func newSession(userID string, ws *websocket.Conn) *session {
	return &session{
		id:     uuid.NewString(),
		userID: userID,
		ws:     ws,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
}

// enqueue drops the session when its buffer is full.
func (s *session) enqueue(frame []byte) bool {
	select {
	case <-s.done:
		return false
	case s.send <- frame:
		return true
	default:
		s.close(websocket.CloseGoingAway, "send buffer full")
		return false
	}
}

func (s *session) close(code int, reason string) {
	s.once.Do(func() {
		close(s.done)
		_ = s.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		_ = s.ws.Close()
	})
}

func (s *session) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case frame := <-s.send:
			_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		}
	}
}

// hub tracks sessions per user and room membership per session.
type hub struct {
	logger *zap.Logger

	mu       sync.RWMutex
	sessions map[string]map[string]*session
	rooms    map[string]map[string]*session
}

func newHub(logger *zap.Logger) *hub {
	return &hub{
		logger:   logger,
		sessions: make(map[string]map[string]*session),
		rooms:    make(map[string]map[string]*session),
	}
}

func (h *hub) attach(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sessions[s.userID] == nil {
		h.sessions[s.userID] = make(map[string]*session)
	}
	h.sessions[s.userID][s.id] = s
}

func (h *hub) detach(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions[s.userID], s.id)
	if len(h.sessions[s.userID]) == 0 {
		delete(h.sessions, s.userID)
	}
	for name, members := range h.rooms {
		delete(members, s.id)
		if len(members) == 0 {
			delete(h.rooms, name)
		}
	}
}

func (h *hub) join(room string, s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[string]*session)
	}
	h.rooms[room][s.id] = s
}

func (h *hub) leave(room string, s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.rooms[room], s.id)
	if len(h.rooms[room]) == 0 {
		delete(h.rooms, room)
	}
}

func (h *hub) connected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[userID]) > 0
}

func (h *hub) encode(ev protocol.Event) []byte {
	frame, err := protocol.Encode(ev)
	if err != nil {
		h.logger.Error("encode event", zap.String("event", ev.EventName()), zap.Error(err))
		return nil
	}
	return frame
}

// sendTo delivers ev to every session of userID.
func (h *hub) sendTo(userID string, ev protocol.Event) bool {
	frame := h.encode(ev)
	if frame == nil {
		return false
	}
	h.mu.RLock()
	targets := make([]*session, 0, len(h.sessions[userID]))
	for _, s := range h.sessions[userID] {
		targets = append(targets, s)
	}
	h.mu.RUnlock()
	delivered := false
	for _, s := range targets {
		delivered = s.enqueue(frame) || delivered
	}
	return delivered
}

// notify delivers ev to every listed user.
func (h *hub) notify(userIDs []string, ev protocol.Event) {
	for _, id := range userIDs {
		h.sendTo(id, ev)
	}
}

// broadcastRoom delivers ev to the room's sessions, skipping those of
// exceptUser.
func (h *hub) broadcastRoom(room, exceptUser string, ev protocol.Event) {
	frame := h.encode(ev)
	if frame == nil {
		return
	}
	h.mu.RLock()
	var targets []*session
	for _, s := range h.rooms[room] {
		if s.userID != exceptUser {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()
	for _, s := range targets {
		s.enqueue(frame)
	}
}

// broadcastAll delivers ev to every connected session except exceptUser's.
func (h *hub) broadcastAll(exceptUser string, ev protocol.Event) {
	frame := h.encode(ev)
	if frame == nil {
		return
	}
	h.mu.RLock()
	var targets []*session
	for userID, sessions := range h.sessions {
		if userID == exceptUser {
			continue
		}
		for _, s := range sessions {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()
	for _, s := range targets {
		s.enqueue(frame)
	}
}

// serveRealtime upgrades the request and authenticates it from the bearer
// token. A bad token still upgrades so the client receives
// authentication_error over the socket.
func (b *Backend) serveRealtime(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	user, authErr := b.authenticate(c.Request)
	if authErr != nil {
		frame, _ := protocol.Encode(protocol.AuthenticationError{Message: authErr.Error()})
		_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
		_ = ws.WriteMessage(websocket.TextMessage, frame)
		_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication failed"), time.Now().Add(writeWait))
		_ = ws.Close()
		return
	}

	s := newSession(user.ID, ws)
	b.hub.attach(s)
	go s.writeLoop()
	defer func() {
		b.hub.detach(s)
		s.close(websocket.CloseNormalClosure, "session closed")
		b.logger.Debug("realtime session closed", zap.String("user", user.ID), zap.String("session", s.id))
	}()

	ws.SetReadLimit(1 << 20)
	_ = ws.SetReadDeadline(time.Now().Add(readTimeout))
	ws.SetPingHandler(func(data string) error {
		_ = ws.SetReadDeadline(time.Now().Add(readTimeout))
		return ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})
	s.enqueue(b.hub.encode(protocol.Authenticated{UserID: user.ID, Username: user.Name}))
	b.logger.Debug("realtime session opened", zap.String("user", user.ID), zap.String("session", s.id))

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) &&
				!errors.Is(err, websocket.ErrCloseSent) {
				b.logger.Debug("realtime read", zap.String("user", user.ID), zap.Error(err))
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(readTimeout))
		env, err := protocol.DecodeEnvelope(data)
		if err != nil {
			b.logger.Debug("bad realtime frame", zap.Error(err))
			continue
		}
		b.handleFrame(s, user, env)
	}
}

func (b *Backend) authenticate(r *http.Request) (protocol.User, error) {
	raw, ok := bearer(r.Header.Get("Authorization"))
	if !ok {
		raw = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if raw == "" {
		return protocol.User{}, errBadToken
	}
	return b.verify(raw)
}

func (b *Backend) handleFrame(s *session, user protocol.User, env protocol.Envelope) {
	switch env.Event {
	case protocol.EventPing:
		s.enqueue(b.hub.encode(protocol.Pong{}))
	case protocol.EventJoinConversation:
		var ev protocol.JoinConversation
		if decode(env.Data, &ev) && b.member(ev.ConversationID, user.ID) {
			b.hub.join(conversationRoom(ev.ConversationID), s)
		}
	case protocol.EventLeaveConversation:
		var ev protocol.LeaveConversation
		if decode(env.Data, &ev) {
			b.hub.leave(conversationRoom(ev.ConversationID), s)
		}
	case protocol.EventTypingStart:
		var ev protocol.TypingStart
		if decode(env.Data, &ev) {
			ev.UserID = user.ID
			b.hub.broadcastRoom(conversationRoom(ev.ConversationID), user.ID, ev)
		}
	case protocol.EventTypingStop:
		var ev protocol.TypingStop
		if decode(env.Data, &ev) {
			ev.UserID = user.ID
			b.hub.broadcastRoom(conversationRoom(ev.ConversationID), user.ID, ev)
		}
	case protocol.EventMarkMessagesRead:
		var ev protocol.MarkMessagesRead
		if !decode(env.Data, &ev) {
			return
		}
		if _, err := b.markMessagesRead(user.ID, ev.ConversationID, ev.MessageIDs); err == nil {
			b.broadcastRead(ev.ConversationID, user.ID, ev.MessageIDs)
		}
	case protocol.EventJoinCall:
		var ev protocol.JoinCall
		if decode(env.Data, &ev) {
			b.hub.join(callRoom(ev.CallID), s)
		}
	case protocol.EventLeaveCall:
		var ev protocol.LeaveCall
		if decode(env.Data, &ev) {
			b.hub.leave(callRoom(ev.CallID), s)
		}
	case protocol.EventJoinStatusFeed:
		b.hub.join(feedRoom, s)
	case protocol.EventLeaveStatusFeed:
		b.hub.leave(feedRoom, s)
	case protocol.EventMarkStatusViewed:
		var ev protocol.MarkStatusViewed
		if decode(env.Data, &ev) {
			b.markStatusViewed(ev.StatusID, user.ID)
		}
	case protocol.EventUpdateUserStatus:
		var ev protocol.UpdateUserStatus
		if decode(env.Data, &ev) {
			b.hub.broadcastAll(user.ID, protocol.UserStatusUpdated{UserID: user.ID, Status: ev.Status, LastSeen: protocol.At(time.Now())})
		}
	case protocol.EventWebRTCOffer, protocol.EventWebRTCAnswer, protocol.EventWebRTCICECandidate:
		var sig protocol.Signal
		if !decode(env.Data, &sig) || sig.TargetUserID == "" {
			return
		}
		sig.FromUserID = user.ID
		target := sig.TargetUserID
		sig.TargetUserID = ""
		var ev protocol.Event
		switch env.Event {
		case protocol.EventWebRTCOffer:
			ev = protocol.WebRTCOffer{Signal: sig}
		case protocol.EventWebRTCAnswer:
			ev = protocol.WebRTCAnswer{Signal: sig}
		default:
			ev = protocol.WebRTCICECandidate{Signal: sig}
		}
		b.hub.sendTo(target, ev)
	default:
		b.logger.Debug("unhandled realtime event", zap.String("event", env.Event))
	}
}

func decode(data json.RawMessage, v any) bool {
	if len(data) == 0 {
		return true
	}
	return json.Unmarshal(data, v) == nil
}

func (b *Backend) member(conversationID, userID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.conversations[conversationID]
	return ok && isParticipant(c, userID)
}

// markStatusViewed records the view once and notifies the author.
func (b *Backend) markStatusViewed(statusID, viewerID string) {
	b.mu.Lock()
	var author string
	for i := range b.stories {
		s := &b.stories[i]
		if s.ID != statusID || s.Author.ID == viewerID {
			continue
		}
		author = s.Author.ID
		if !slices.Contains(s.Views, viewerID) {
			s.Views = append(s.Views, viewerID)
		}
	}
	b.mu.Unlock()
	if author != "" {
		b.hub.sendTo(author, protocol.StatusViewed{StatusID: statusID, UserID: viewerID})
	}
}
