package protocol

import (
	"encoding/json"
	"fmt"
)

// User is a reference to an account.
type User struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

// MessageType is the kind of a message body.
type MessageType string

const (
	MessageText     MessageType = "text"
	MessageImage    MessageType = "image"
	MessageVideo    MessageType = "video"
	MessageAudio    MessageType = "audio"
	MessageFile     MessageType = "file"
	MessageLocation MessageType = "location"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageVideo, MessageAudio, MessageFile, MessageLocation:
		return true
	}
	return false
}

// MessageStatus is a message's delivery status.
type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// Rank orders the forward delivery sequence. Failed ranks zero because it
// sits outside the sequence.
func (s MessageStatus) Rank() int {
	switch s {
	case StatusSending:
		return 1
	case StatusSent:
		return 2
	case StatusDelivered:
		return 3
	case StatusRead:
		return 4
	}
	return 0
}

// CanAdvance reports whether a message in status s may move to next.
// Status moves only forward through sending, sent, delivered, read. Failed
// is terminal and reachable only from sending or sent.
func (s MessageStatus) CanAdvance(next MessageStatus) bool {
	if s == StatusFailed {
		return false
	}
	if next == StatusFailed {
		return s == StatusSending || s == StatusSent
	}
	return next.Rank() > s.Rank()
}

// Reaction is a single user's reaction.
type Reaction struct {
	Type string `json:"type"`
	User string `json:"user"`
}

// Message is a chat message.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversationId"`
	Sender         User          `json:"sender"`
	Type           MessageType   `json:"type"`
	Content        string        `json:"content"`
	Status         MessageStatus `json:"status"`
	CreatedAt      Time          `json:"createdAt"`
	Seq            int64         `json:"seq,omitempty"`
	Reactions      []Reaction    `json:"reactions,omitempty"`
}

// Before reports whether m sorts before o: by createdAt, then server
// sequence, then ID.
func (m Message) Before(o Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt.Time) {
		return m.CreatedAt.Before(o.CreatedAt.Time)
	}
	if m.Seq != o.Seq {
		return m.Seq < o.Seq
	}
	return m.ID < o.ID
}

// Conversation is a direct or group thread.
type Conversation struct {
	ID           string   `json:"id"`
	IsGroup      bool     `json:"isGroup"`
	Name         string   `json:"name,omitempty"`
	Participants []User   `json:"participants"`
	LastMessage  *Message `json:"lastMessage,omitempty"`
	UnreadCount  int      `json:"unreadCount"`
}

// CallType is audio or video.
type CallType string

const (
	CallAudio CallType = "audio"
	CallVideo CallType = "video"
)

// CallStatus is the lifecycle status of a call.
type CallStatus string

const (
	CallRinging   CallStatus = "ringing"
	CallActive    CallStatus = "active"
	CallDeclined  CallStatus = "declined"
	CallMissed    CallStatus = "missed"
	CallFailed    CallStatus = "failed"
	CallCompleted CallStatus = "completed"
)

// Terminal reports whether no further transitions are possible.
func (s CallStatus) Terminal() bool {
	switch s {
	case CallDeclined, CallMissed, CallFailed, CallCompleted:
		return true
	}
	return false
}

// ICEServer is an ICE server entry as returned by the backend.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// Call is a call record.
type Call struct {
	ID           string      `json:"id"`
	Type         CallType    `json:"type"`
	Caller       User        `json:"caller"`
	Participants []User      `json:"participants"`
	Status       CallStatus  `json:"status"`
	IsGroupCall  bool        `json:"isGroupCall,omitempty"`
	StartedAt    Time        `json:"startedAt"`
	Duration     int64       `json:"duration"`
	ICEServers   []ICEServer `json:"iceServers,omitempty"`
}

// Media is an attachment on a story.
type Media struct {
	URL  string `json:"url"`
	Type string `json:"type,omitempty"`
}

// Story is an ephemeral status post.
type Story struct {
	ID        string
	Author    User
	Content   StoryContent
	Media     *Media
	CreatedAt Time
	Views     []string
	Reactions []Reaction
}

type storyWire struct {
	ID        string          `json:"id"`
	Author    User            `json:"author"`
	Content   json.RawMessage `json:"content,omitempty"`
	Media     *Media          `json:"media,omitempty"`
	CreatedAt Time            `json:"createdAt"`
	Views     []string        `json:"views,omitempty"`
	Reactions []Reaction      `json:"reactions,omitempty"`
}

func (s Story) MarshalJSON() ([]byte, error) {
	content, err := MarshalStoryContent(s.Content)
	if err != nil {
		return nil, err
	}
	return json.Marshal(storyWire{
		ID:        s.ID,
		Author:    s.Author,
		Content:   content,
		Media:     s.Media,
		CreatedAt: s.CreatedAt,
		Views:     s.Views,
		Reactions: s.Reactions,
	})
}

func (s *Story) UnmarshalJSON(b []byte) error {
	var w storyWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	content, err := UnmarshalStoryContent(w.Content)
	if err != nil {
		return fmt.Errorf("story %s: %w", w.ID, err)
	}
	*s = Story{
		ID:        w.ID,
		Author:    w.Author,
		Content:   content,
		Media:     w.Media,
		CreatedAt: w.CreatedAt,
		Views:     w.Views,
		Reactions: w.Reactions,
	}
	return nil
}

// Group is a group chat's membership record.
type Group struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Members   []User   `json:"members"`
	Admins    []string `json:"admins"`
	IsPrivate bool     `json:"isPrivate"`
}

// PresenceStatus is a user's availability.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceOffline PresenceStatus = "offline"
	PresenceAway    PresenceStatus = "away"
	PresenceBusy    PresenceStatus = "busy"
)
