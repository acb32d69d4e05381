package rest

import (
	"context"
	"net/http"
	"net/url"

	"github.com/cydjerr/speakjerr/internal/apperr"
	"github.com/cydjerr/speakjerr/internal/protocol"
)

// ListConversations fetches a page of the conversation list.
func (c *Client) ListConversations(ctx context.Context, page int) ([]protocol.Conversation, error) {
	var out []protocol.Conversation
	err := c.do(ctx, http.MethodGet, "/messages/conversations", pageQuery(page), nil, &out)
	return out, err
}

// ListMessages fetches a page of a conversation's messages.
func (c *Client) ListMessages(ctx context.Context, conversationID string, page int) ([]protocol.Message, error) {
	var out []protocol.Message
	err := c.do(ctx, http.MethodGet, "/messages/conversations/"+url.PathEscape(conversationID), pageQuery(page), nil, &out)
	return out, err
}

// SendMessageRequest is the body of POST /messages.
type SendMessageRequest struct {
	ConversationID string               `json:"conversationId"`
	Content        string               `json:"content"`
	Type           protocol.MessageType `json:"type"`
}

// SendMessage creates a message and returns the server's record.
func (c *Client) SendMessage(ctx context.Context, req SendMessageRequest) (protocol.Message, error) {
	if req.ConversationID == "" {
		return protocol.Message{}, apperr.New(apperr.CodeValidation, "conversation id is required")
	}
	if req.Type == "" {
		req.Type = protocol.MessageText
	}
	if !req.Type.Valid() {
		return protocol.Message{}, apperr.New(apperr.CodeValidation, "unknown message type "+string(req.Type))
	}
	var out protocol.Message
	err := c.do(ctx, http.MethodPost, "/messages", nil, req, &out)
	return out, err
}

// MarkMessageRead acknowledges a message as read.
func (c *Client) MarkMessageRead(ctx context.Context, messageID string) error {
	return c.do(ctx, http.MethodPut, "/messages/"+url.PathEscape(messageID)+"/read", nil, nil, nil)
}

// ListStatuses fetches a page of statuses. mine restricts the list to the
// current user's posts.
func (c *Client) ListStatuses(ctx context.Context, mine bool, page int) ([]protocol.Story, error) {
	q := pageQuery(page)
	q.Set("type", "status")
	if mine {
		q.Set("author", "me")
	}
	var out []protocol.Story
	err := c.do(ctx, http.MethodGet, "/posts", q, nil, &out)
	return out, err
}

// CreateStatusRequest is the multipart body of POST /posts.
type CreateStatusRequest struct {
	Content protocol.StoryContent
	Media   *Upload
}

// CreateStatus uploads a status under the upload timeout.
func (c *Client) CreateStatus(ctx context.Context, req CreateStatusRequest) (protocol.Story, error) {
	if req.Content == nil && req.Media == nil {
		return protocol.Story{}, apperr.New(apperr.CodeValidation, "status needs content or media")
	}
	content, err := protocol.MarshalStoryContent(req.Content)
	if err != nil {
		return protocol.Story{}, apperr.Wrap(apperr.CodeValidation, "encode status content", err)
	}
	fields := map[string]string{
		"type":    "status",
		"content": string(content),
	}
	if req.Media != nil && req.Media.FieldName == "" {
		req.Media.FieldName = "media"
	}
	var out protocol.Story
	err = c.doMultipart(ctx, "/posts", fields, req.Media, &out)
	return out, err
}

// ListCalls fetches a page of the call history.
func (c *Client) ListCalls(ctx context.Context, page int) ([]protocol.Call, error) {
	var out []protocol.Call
	err := c.do(ctx, http.MethodGet, "/calls", pageQuery(page), nil, &out)
	return out, err
}

// InitiateCallRequest is the body of POST /calls.
type InitiateCallRequest struct {
	Recipient   string            `json:"recipientId"`
	CallType    protocol.CallType `json:"callType"`
	IsGroupCall bool              `json:"isGroupCall"`
}

// InitiateCall creates an outgoing call.
func (c *Client) InitiateCall(ctx context.Context, req InitiateCallRequest) (protocol.Call, error) {
	if req.Recipient == "" {
		return protocol.Call{}, apperr.New(apperr.CodeValidation, "recipient is required")
	}
	if req.CallType == "" {
		req.CallType = protocol.CallAudio
	}
	var out protocol.Call
	err := c.do(ctx, http.MethodPost, "/calls", nil, req, &out)
	return out, err
}

// CallAction is an action on an existing call.
type CallAction string

const (
	ActionAnswer  CallAction = "answer"
	ActionDecline CallAction = "decline"
	ActionEnd     CallAction = "end"
)

// CallAction performs action on a call.
func (c *Client) CallAction(ctx context.Context, callID string, action CallAction) (protocol.Call, error) {
	var out protocol.Call
	err := c.do(ctx, http.MethodPost, "/calls/"+url.PathEscape(callID)+"/"+string(action), nil, nil, &out)
	return out, err
}

// ListGroups fetches a page of groups.
func (c *Client) ListGroups(ctx context.Context, page int) ([]protocol.Group, error) {
	var out []protocol.Group
	err := c.do(ctx, http.MethodGet, "/groups", pageQuery(page), nil, &out)
	return out, err
}

// JoinGroup joins a group and returns its updated record.
func (c *Client) JoinGroup(ctx context.Context, groupID string) (protocol.Group, error) {
	var out protocol.Group
	err := c.do(ctx, http.MethodPost, "/groups/"+url.PathEscape(groupID)+"/join", nil, nil, &out)
	return out, err
}

// LeaveGroup leaves a group.
func (c *Client) LeaveGroup(ctx context.Context, groupID string) error {
	return c.do(ctx, http.MethodPost, "/groups/"+url.PathEscape(groupID)+"/leave", nil, nil, nil)
}

// PromoteMember makes userID an admin of the group.
func (c *Client) PromoteMember(ctx context.Context, groupID, userID string) (protocol.Group, error) {
	var out protocol.Group
	body := map[string]string{"userId": userID}
	err := c.do(ctx, http.MethodPost, "/groups/"+url.PathEscape(groupID)+"/admins", nil, body, &out)
	return out, err
}
