package domain

import "time"

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one turn of a conversation. Role never changes after creation.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      Timestamp `json:"created_at"`

	// Body is derived from Content once the message is complete.
	Body Body `json:"-"`
}

// Conversation is a chat session together with its ordered message history.
type Conversation struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	Title       *string    `json:"title"`
	IsCompleted bool       `json:"is_completed"`
	CreatedAt   Timestamp  `json:"created_at"`
	UpdatedAt   *Timestamp `json:"updated_at"`
	Messages    []Message  `json:"messages"`
}

// ConversationSummary is the list-view shape of a conversation.
type ConversationSummary struct {
	ID           string    `json:"id"`
	Title        *string   `json:"title"`
	IsCompleted  bool      `json:"is_completed"`
	CreatedAt    Timestamp `json:"created_at"`
	MessageCount int       `json:"message_count"`
}

// Summary returns the list-view shape of c.
func (c Conversation) Summary() ConversationSummary {
	return ConversationSummary{
		ID:           c.ID,
		Title:        c.Title,
		IsCompleted:  c.IsCompleted,
		CreatedAt:    c.CreatedAt,
		MessageCount: len(c.Messages),
	}
}

// Clone returns a copy of c whose message slice can be appended to or
// modified without affecting c.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	out.Messages = append([]Message(nil), c.Messages...)
	return &out
}

// ConversationMeta is the archived state of a conversation next to its
// message history.
type ConversationMeta struct {
	ConversationID string
	Title          string
	IsCompleted    bool
	DialogueState  string
	Schema         TaskSchema
	Turns          int
	LastActivity   time.Time
}
