package models

import (
	"time"

	"github.com/google/uuid"
)

// Chat is a conversation with a mutable member set.
type Chat struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Name      *string   `db:"name" json:"name,omitempty"`
	ChatType  string    `db:"chat_type" json:"chat_type"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// ChatSummary provides the wire view of a chat for get_my_chats.
type ChatSummary struct {
	ChatID    uuid.UUID `db:"id" json:"chat_id"`
	Name      *string   `db:"name" json:"name,omitempty"`
	ChatType  string    `db:"chat_type" json:"chat_type"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
