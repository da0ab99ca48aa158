// internal/types/models.go
package types

import (
	"time"
)

// DocumentStatus is the server-authoritative processing state of a document.
type DocumentStatus string

const (
	StatusProcessing DocumentStatus = "processing"
	StatusCompleted  DocumentStatus = "completed"
	StatusError      DocumentStatus = "error"
	// StatusFailed is what the backend actually writes when processing fails.
	StatusFailed DocumentStatus = "failed"
)

// IsError reports whether the status is a terminal failure.
func (s DocumentStatus) IsError() bool {
	return s == StatusError || s == StatusFailed
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type User struct {
	ID        ID         `json:"id"`
	Email     string     `json:"email"`
	FullName  string     `json:"full_name,omitempty"`
	IsActive  bool       `json:"is_active"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

type Document struct {
	ID          ID             `json:"id"`
	UserID      ID             `json:"user_id,omitempty"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Filename    string         `json:"filename"`
	FileType    string         `json:"file_type,omitempty"`
	FileSize    int64          `json:"file_size,omitempty"`
	Status      DocumentStatus `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   *time.Time     `json:"updated_at,omitempty"`
}

// DocumentContent is the preview payload for a processed document.
type DocumentContent struct {
	Document *Document `json:"document,omitempty"`
	Content  string    `json:"content"`
}

type Conversation struct {
	ID        ID         `json:"id"`
	Title     string     `json:"title"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

type Message struct {
	ID             ID         `json:"id"`
	ConversationID ID         `json:"conversation_id"`
	Role           Role       `json:"role"`
	Content        string     `json:"content"`
	CreatedAt      time.Time  `json:"created_at"`
	Citations      []Citation `json:"citations,omitempty"`
}

type Citation struct {
	ID             ID        `json:"id"`
	MessageID      ID        `json:"message_id"`
	DocumentID     ID        `json:"document_id"`
	ChunkID        ID        `json:"chunk_id"`
	RelevanceScore float64   `json:"relevance_score"`
	Document       *Document `json:"document,omitempty"`
}

// Token is the result of a successful credential exchange.
type Token struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type,omitempty"`
}

type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name,omitempty"`
}

type UserUpdate struct {
	FullName *string `json:"full_name,omitempty"`
	Password *string `json:"password,omitempty"`
}

// ChatRequest is the body of POST /chat/. ConversationID is omitted when a
// new conversation should be started.
type ChatRequest struct {
	Message        string `json:"message"`
	ConversationID *ID    `json:"conversation_id,omitempty"`
}

// ChatResponse carries the assistant reply and the (possibly newly
// allocated) conversation id.
type ChatResponse struct {
	Response       string     `json:"response"`
	ConversationID ID         `json:"conversation_id"`
	MessageID      ID         `json:"message_id"`
	Citations      []Citation `json:"citations,omitempty"`
}
