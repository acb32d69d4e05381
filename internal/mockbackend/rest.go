package mockbackend

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/spf13/cast"

	"github.com/cydjerr/speakjerr/internal/protocol"
)

const userKey = "user"

var (
	errNotFound  = errors.New("not found")
	errForbidden = errors.New("forbidden")
)

func (b *Backend) routes(api *gin.RouterGroup) {
	api.GET("/messages/conversations", b.listConversations)
	api.GET("/messages/conversations/:id", b.listMessages)
	api.POST("/messages", b.sendMessage)
	api.PUT("/messages/:id/read", b.markRead)

	api.GET("/posts", b.listPosts)
	api.POST("/posts", b.createPost)

	api.GET("/calls", b.listCalls)
	api.POST("/calls", b.initiateCall)
	api.POST("/calls/:id/:action", b.callAction)

	api.GET("/groups", b.listGroups)
	api.POST("/groups/:id/join", b.joinGroup)
	api.POST("/groups/:id/leave", b.leaveGroup)
	api.POST("/groups/:id/admins", b.promote)
}

func (b *Backend) requireToken(c *gin.Context) {
	raw, ok := bearer(c.GetHeader("Authorization"))
	if !ok {
		abort(c, http.StatusUnauthorized, "authentication", "missing bearer token")
		return
	}
	u, err := b.verify(raw)
	if err != nil {
		abort(c, http.StatusUnauthorized, "authentication", err.Error())
		return
	}
	c.Set(userKey, u)
	c.Next()
}

func bearer(header string) (string, bool) {
	token, ok := strings.CutPrefix(header, "Bearer ")
	return token, ok && token != ""
}

func currentUser(c *gin.Context) protocol.User {
	return c.MustGet(userKey).(protocol.User)
}

func abort(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{"code": code, "message": message})
}

func fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, errNotFound):
		abort(c, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, errForbidden):
		abort(c, http.StatusForbidden, "forbidden", err.Error())
	default:
		abort(c, http.StatusBadRequest, "validation", err.Error())
	}
}

func respond(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"data": data})
}

func pageParam(c *gin.Context) int {
	return cast.ToInt(c.DefaultQuery("page", "1"))
}

func (b *Backend) listConversations(c *gin.Context) {
	me := currentUser(c)
	b.mu.Lock()
	var out []protocol.Conversation
	for _, conv := range b.conversations {
		if isParticipant(conv, me.ID) {
			out = append(out, *conv)
		}
	}
	b.mu.Unlock()
	slices.SortFunc(out, func(x, y protocol.Conversation) int { return strings.Compare(x.ID, y.ID) })
	respond(c, page(out, pageParam(c)))
}

// listMessages pages newest first, as the real backend does.
func (b *Backend) listMessages(c *gin.Context) {
	me := currentUser(c)
	id := c.Param("id")
	b.mu.Lock()
	conv, found := b.conversations[id]
	if !found || !isParticipant(conv, me.ID) {
		b.mu.Unlock()
		fail(c, errNotFound)
		return
	}
	msgs := slices.Clone(b.messages[id])
	b.mu.Unlock()
	slices.Reverse(msgs)
	respond(c, page(msgs, pageParam(c)))
}

type sendMessageBody struct {
	ConversationID string               `json:"conversationId" binding:"required"`
	Content        string               `json:"content"`
	Type           protocol.MessageType `json:"type"`
}

func (b *Backend) sendMessage(c *gin.Context) {
	var body sendMessageBody
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, err)
		return
	}
	if body.Type == "" {
		body.Type = protocol.MessageText
	}
	me := currentUser(c)
	b.mu.Lock()
	conv, found := b.conversations[body.ConversationID]
	member := found && isParticipant(conv, me.ID)
	b.mu.Unlock()
	if !member {
		fail(c, errNotFound)
		return
	}
	m, err := b.PostMessage(me.ID, body.ConversationID, body.Type, body.Content)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": m})
}

func (b *Backend) markRead(c *gin.Context) {
	me := currentUser(c)
	id := c.Param("id")
	conversationID, err := b.markMessagesRead(me.ID, "", []string{id})
	if err != nil {
		fail(c, err)
		return
	}
	b.broadcastRead(conversationID, me.ID, []string{id})
	respond(c, nil)
}

// markMessagesRead advances the listed messages, or every message in
// conversationID when ids is empty, to read. It returns the conversation
// the messages belong to.
func (b *Backend) markMessagesRead(readerID, conversationID string, ids []string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if conversationID == "" && len(ids) > 0 {
		for cid, msgs := range b.messages {
			if slices.ContainsFunc(msgs, func(m protocol.Message) bool { return m.ID == ids[0] }) {
				conversationID = cid
				break
			}
		}
	}
	conv, found := b.conversations[conversationID]
	if !found || !isParticipant(conv, readerID) {
		return "", errNotFound
	}
	msgs := b.messages[conversationID]
	for i := range msgs {
		if msgs[i].Sender.ID == readerID {
			continue
		}
		if len(ids) == 0 || slices.Contains(ids, msgs[i].ID) {
			msgs[i].Status = protocol.StatusRead
		}
	}
	conv.UnreadCount = 0
	return conversationID, nil
}

func (b *Backend) broadcastRead(conversationID, readerID string, ids []string) {
	b.mu.Lock()
	conv := b.conversations[conversationID]
	var recipients []string
	if conv != nil {
		recipients = participantIDs(conv)
	}
	b.mu.Unlock()
	b.hub.notify(recipients, protocol.MessageRead{ConversationID: conversationID, MessageIDs: ids, Reader: readerID})
}

func (b *Backend) listPosts(c *gin.Context) {
	me := currentUser(c)
	mine := c.Query("author") == "me"
	b.mu.Lock()
	var out []protocol.Story
	for _, s := range slices.Backward(b.stories) {
		if mine == (s.Author.ID == me.ID) {
			out = append(out, s)
		}
	}
	b.mu.Unlock()
	respond(c, page(out, pageParam(c)))
}

func (b *Backend) createPost(c *gin.Context) {
	me := currentUser(c)
	s := protocol.Story{
		ID:        uuid.NewString(),
		Author:    me,
		CreatedAt: protocol.At(time.Now()),
	}
	if raw := c.PostForm("content"); raw != "" && raw != "null" {
		content, err := protocol.UnmarshalStoryContent(json.RawMessage(raw))
		if err != nil {
			fail(c, err)
			return
		}
		s.Content = content
	}
	if fh, err := c.FormFile("media"); err == nil {
		s.Media = &protocol.Media{URL: "/uploads/" + uuid.NewString() + "/" + fh.Filename, Type: fh.Header.Get("Content-Type")}
	}
	if s.Content == nil && s.Media == nil {
		abort(c, http.StatusBadRequest, "validation", "status needs content or media")
		return
	}
	b.mu.Lock()
	b.stories = append(b.stories, s)
	b.mu.Unlock()

	b.hub.broadcastRoom(feedRoom, me.ID, protocol.NewStatus{Story: s})
	c.JSON(http.StatusCreated, gin.H{"data": s})
}

func (b *Backend) listCalls(c *gin.Context) {
	me := currentUser(c)
	b.mu.Lock()
	var out []protocol.Call
	for _, call := range b.calls {
		if call.Caller.ID == me.ID || slices.ContainsFunc(call.Participants, func(u protocol.User) bool { return u.ID == me.ID }) {
			out = append(out, *call)
		}
	}
	b.mu.Unlock()
	slices.SortFunc(out, func(x, y protocol.Call) int { return y.StartedAt.Compare(x.StartedAt.Time) })
	respond(c, page(out, pageParam(c)))
}

type initiateCallBody struct {
	Recipient   string            `json:"recipientId" binding:"required"`
	CallType    protocol.CallType `json:"callType"`
	IsGroupCall bool              `json:"isGroupCall"`
}

func (b *Backend) initiateCall(c *gin.Context) {
	var body initiateCallBody
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, err)
		return
	}
	me := currentUser(c)
	b.mu.Lock()
	callee, found := b.users[body.Recipient]
	if !found {
		b.mu.Unlock()
		fail(c, errNotFound)
		return
	}
	call := &protocol.Call{
		ID:           uuid.NewString(),
		Type:         body.CallType,
		Caller:       me,
		Participants: []protocol.User{me, callee},
		Status:       protocol.CallRinging,
		IsGroupCall:  body.IsGroupCall,
		StartedAt:    protocol.At(time.Now()),
		ICEServers:   []protocol.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
	}
	if call.Type == "" {
		call.Type = protocol.CallAudio
	}
	b.calls[call.ID] = call
	snapshot := *call
	b.mu.Unlock()

	b.hub.sendTo(callee.ID, protocol.IncomingCall{Call: snapshot})
	c.JSON(http.StatusCreated, gin.H{"data": snapshot})
}

func (b *Backend) callAction(c *gin.Context) {
	me := currentUser(c)
	id := c.Param("id")
	b.mu.Lock()
	call, found := b.calls[id]
	if !found {
		b.mu.Unlock()
		fail(c, errNotFound)
		return
	}
	var ev protocol.Event
	now := time.Now()
	switch c.Param("action") {
	case "answer":
		if call.Status != protocol.CallRinging {
			b.mu.Unlock()
			abort(c, http.StatusConflict, "validation", "call is not ringing")
			return
		}
		call.Status = protocol.CallActive
		call.StartedAt = protocol.At(now)
		ev = protocol.CallAnswered{CallID: id, UserID: me.ID, StartedAt: call.StartedAt}
	case "decline":
		if call.Status != protocol.CallRinging {
			b.mu.Unlock()
			abort(c, http.StatusConflict, "validation", "call is not ringing")
			return
		}
		call.Status = protocol.CallDeclined
		ev = protocol.CallDeclinedEvent{CallID: id, UserID: me.ID}
	case "end":
		switch call.Status {
		case protocol.CallRinging:
			call.Status = protocol.CallMissed
		case protocol.CallActive:
			call.Status = protocol.CallCompleted
			call.Duration = int64(now.Sub(call.StartedAt.Time) / time.Second)
		}
		ev = protocol.CallEnded{CallID: id, EndedBy: me.ID, Status: call.Status}
	default:
		b.mu.Unlock()
		abort(c, http.StatusNotFound, "not_found", "unknown call action")
		return
	}
	snapshot := *call
	b.mu.Unlock()

	b.hub.broadcastRoom(callRoom(id), "", ev)
	respond(c, snapshot)
}

func (b *Backend) listGroups(c *gin.Context) {
	b.mu.Lock()
	out := make([]protocol.Group, 0, len(b.groups))
	for _, g := range b.groups {
		out = append(out, *g)
	}
	b.mu.Unlock()
	slices.SortFunc(out, func(x, y protocol.Group) int { return strings.Compare(x.ID, y.ID) })
	respond(c, page(out, pageParam(c)))
}

func (b *Backend) joinGroup(c *gin.Context) {
	me := currentUser(c)
	b.mu.Lock()
	g, found := b.groups[c.Param("id")]
	if !found {
		b.mu.Unlock()
		fail(c, errNotFound)
		return
	}
	if !slices.ContainsFunc(g.Members, func(u protocol.User) bool { return u.ID == me.ID }) {
		g.Members = append(g.Members, me)
	}
	if conv, ok := b.conversations[g.ID]; ok && !isParticipant(conv, me.ID) {
		conv.Participants = append(conv.Participants, me)
	}
	snapshot := *g
	b.mu.Unlock()
	respond(c, snapshot)
}

func (b *Backend) leaveGroup(c *gin.Context) {
	me := currentUser(c)
	b.mu.Lock()
	defer b.mu.Unlock()
	g, found := b.groups[c.Param("id")]
	if !found {
		fail(c, errNotFound)
		return
	}
	g.Members = slices.DeleteFunc(g.Members, func(u protocol.User) bool { return u.ID == me.ID })
	g.Admins = slices.DeleteFunc(g.Admins, func(id string) bool { return id == me.ID })
	if conv, ok := b.conversations[g.ID]; ok {
		conv.Participants = slices.DeleteFunc(conv.Participants, func(u protocol.User) bool { return u.ID == me.ID })
	}
	respond(c, nil)
}

type promoteBody struct {
	UserID string `json:"userId" binding:"required"`
}

func (b *Backend) promote(c *gin.Context) {
	var body promoteBody
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, err)
		return
	}
	me := currentUser(c)
	b.mu.Lock()
	g, found := b.groups[c.Param("id")]
	if !found {
		b.mu.Unlock()
		fail(c, errNotFound)
		return
	}
	if !slices.Contains(g.Admins, me.ID) {
		b.mu.Unlock()
		fail(c, errForbidden)
		return
	}
	if !slices.Contains(g.Admins, body.UserID) {
		g.Admins = append(g.Admins, body.UserID)
	}
	snapshot := *g
	b.mu.Unlock()
	respond(c, snapshot)
}
