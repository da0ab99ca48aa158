package views

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/user/kbdesk/internal/query"
	"github.com/user/kbdesk/internal/types"
	"github.com/user/kbdesk/pkg/kbapi"
)

// ErrNoConversation is returned by Messages when nothing is selected.
var ErrNoConversation = errors.New("views: no conversation selected")

// KeyConversations is the conversation list entry.
var KeyConversations = query.Key{"conversations"}

// MessagesKey is the message list entry of one conversation.
func MessagesKey(id types.ID) query.Key {
	return query.Key{"messages", id.String()}
}

// ChatAPI is the part of the API surface the chat screen uses.
type ChatAPI interface {
	SendMessage(ctx context.Context, text string, conversationID types.ID) (*types.ChatResponse, error)
	Conversations(ctx context.Context) ([]types.Conversation, error)
	ConversationMessages(ctx context.Context, id types.ID) ([]types.Message, error)
	DeleteConversation(ctx context.Context, id types.ID) error
}

// ChatOption configures a Chat view.
type ChatOption func(*Chat)

// WithSelectionStore persists the active conversation.
func WithSelectionStore(s types.SelectionStore) ChatOption {
	return func(c *Chat) { c.selection = s }
}

// WithChatLogger sets the logger.
func WithChatLogger(logger *slog.Logger) ChatOption {
	return func(c *Chat) { c.logger = logger }
}

// Chat is the conversation screen. The messages query is keyed by the
// active conversation and disabled while none is selected.
type Chat struct {
	api       ChatAPI
	cache     *query.Client
	selection types.SelectionStore
	logger    *slog.Logger

	convs *query.Query[[]types.Conversation]

	mu     sync.Mutex
	active types.ID
	msgs   *query.Query[[]types.Message]
}

// NewChat creates the view and restores the persisted selection.
func NewChat(api ChatAPI, cache *query.Client, opts ...ChatOption) *Chat {
	c := &Chat{api: api, cache: cache, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	c.convs = query.New(cache, query.Options[[]types.Conversation]{
		Key:   KeyConversations,
		Fetch: api.Conversations,
	})
	if c.selection != nil {
		id, err := c.selection.Selected()
		if err != nil {
			c.logger.Warn("restore selected conversation failed", "error", err)
		}
		c.active = id
	}
	c.msgs = c.messagesQuery(c.active)
	return c
}

func (c *Chat) messagesQuery(id types.ID) *query.Query[[]types.Message] {
	return query.New(c.cache, query.Options[[]types.Message]{
		Key:     MessagesKey(id),
		Enabled: func() bool { return id != "" },
		Fetch: func(ctx context.Context) ([]types.Message, error) {
			return c.api.ConversationMessages(ctx, id)
		},
	})
}

// Active returns the selected conversation, or "".
func (c *Chat) Active() types.ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Select makes id the active conversation. An empty id clears the selection.
func (c *Chat) Select(id types.ID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selectLocked(id)
}

func (c *Chat) selectLocked(id types.ID) error {
	if id == c.active {
		return nil
	}
	c.active = id
	c.msgs.Close()
	c.msgs = c.messagesQuery(id)
	if c.selection != nil {
		if err := c.selection.Select(id); err != nil {
			return err
		}
	}
	return nil
}

// Conversations returns the conversation list.
func (c *Chat) Conversations(ctx context.Context) ([]types.Conversation, error) {
	return c.convs.Get(ctx)
}

// Messages returns the messages of the active conversation.
func (c *Chat) Messages(ctx context.Context) ([]types.Message, error) {
	c.mu.Lock()
	q := c.msgs
	c.mu.Unlock()

	msgs, err := q.Get(ctx)
	if errors.Is(err, query.ErrDisabled) {
		return nil, ErrNoConversation
	}
	return msgs, err
}

// Send posts a message to the active conversation, or starts a new one.
// A newly allocated conversation becomes active if nothing was selected in
// the meantime. The conversation list and the conversation's messages are
// invalidated.
func (c *Chat) Send(ctx context.Context, text string) (*types.ChatResponse, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, &kbapi.ValidationError{Field: "message", Message: "a message is required"}
	}

	sentTo := c.Active()
	resp, err := c.api.SendMessage(ctx, text, sentTo)
	if err != nil {
		return nil, err
	}

	target := sentTo
	if target == "" {
		target = resp.ConversationID
		c.mu.Lock()
		if c.active == "" {
			if err := c.selectLocked(resp.ConversationID); err != nil {
				c.logger.Warn("persist selected conversation failed", "error", err)
			}
		}
		c.mu.Unlock()
	}

	c.cache.Invalidate(KeyConversations)
	c.cache.Invalidate(MessagesKey(target))
	return resp, nil
}

// DeleteConversation removes a conversation. If it was active the selection
// is cleared.
func (c *Chat) DeleteConversation(ctx context.Context, id types.ID) error {
	if err := c.api.DeleteConversation(ctx, id); err != nil {
		return err
	}

	c.mu.Lock()
	var selErr error
	if c.active == id {
		selErr = c.selectLocked("")
	}
	c.mu.Unlock()

	c.cache.Remove(MessagesKey(id))
	c.cache.Invalidate(KeyConversations)
	return selErr
}

// NewConversation clears the selection and empties the messages of the
// previously active conversation. The next Send starts a new conversation.
func (c *Chat) NewConversation() error {
	c.mu.Lock()
	prev := c.active
	err := c.selectLocked("")
	c.mu.Unlock()

	if prev != "" {
		c.cache.SetData(MessagesKey(prev), []types.Message{})
	}
	c.cache.Invalidate(KeyConversations)
	return err
}

// Close stops every query owned by the view.
func (c *Chat) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs.Close()
	c.convs.Close()
}
