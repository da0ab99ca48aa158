package kbapi

import (
	"context"
	"net/http"
	"net/url"

	"github.com/user/kbdesk/internal/types"
)

// SendMessage posts a chat message. An empty conversationID starts a new
// conversation; the server allocates its id and returns it in the response.
func (c *Client) SendMessage(ctx context.Context, text string, conversationID types.ID) (*types.ChatResponse, error) {
	req := types.ChatRequest{Message: text}
	if conversationID != "" {
		id := conversationID
		req.ConversationID = &id
	}

	resp, err := c.Do(ctx, http.MethodPost, "/chat/", JSONBody(req), nil)
	if err != nil {
		return nil, err
	}
	var out types.ChatResponse
	if err := resp.Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Conversations lists the caller's conversations.
func (c *Client) Conversations(ctx context.Context) ([]types.Conversation, error) {
	var convs []types.Conversation
	if err := c.getJSON(ctx, "/chat/conversations", &convs); err != nil {
		return nil, err
	}
	return convs, nil
}

// ConversationMessages returns the ordered messages of one conversation.
func (c *Client) ConversationMessages(ctx context.Context, id types.ID) ([]types.Message, error) {
	var msgs []types.Message
	if err := c.getJSON(ctx, "/chat/conversations/"+url.PathEscape(id.String())+"/messages", &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// DeleteConversation removes a conversation and its messages.
func (c *Client) DeleteConversation(ctx context.Context, id types.ID) error {
	_, err := c.Do(ctx, http.MethodDelete, "/chat/conversations/"+url.PathEscape(id.String()), nil, nil)
	return err
}
