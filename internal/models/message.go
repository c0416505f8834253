package models

import (
	"time"

	"github.com/google/uuid"
)

// Message is a stored chat message. The body is immutable except for the
// edit and soft-delete transitions, both restricted to the author.
type Message struct {
	ID            uuid.UUID  `db:"id" json:"id"`
	ChatID        uuid.UUID  `db:"chat_id" json:"chat_id"`
	SenderID      uuid.UUID  `db:"sender_id" json:"sender_id"`
	Body          string     `db:"body" json:"body"`
	IsEdited      bool       `db:"is_edited" json:"is_edited"`
	IsDeleted     bool       `db:"is_deleted" json:"is_deleted"`
	ReplyToID     *uuid.UUID `db:"reply_to_id" json:"reply_to_id,omitempty"`
	ForwardedFrom *uuid.UUID `db:"forwarded_from" json:"forwarded_from,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
}

// ChatMessage is the visible-history snapshot row returned by get_messages
// and cached per chat.
type ChatMessage struct {
	From      string    `db:"from" json:"from"`
	Body      string    `db:"body" json:"body"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Reaction is an emoji reaction keyed by (message, user).
type Reaction struct {
	MessageID uuid.UUID `db:"message_id" json:"message_id"`
	UserID    uuid.UUID `db:"user_id" json:"user_id"`
	Emoji     string    `db:"emoji" json:"emoji"`
}
