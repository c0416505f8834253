package models

import "github.com/google/uuid"

// Event is pushed over websocket connections to chat members.
type Event struct {
	Type      string     `json:"type"`
	ChatID    uuid.UUID  `json:"chat_id"`
	From      string     `json:"from,omitempty"`
	Body      string     `json:"body,omitempty"`
	MessageID *uuid.UUID `json:"message_id,omitempty"`
	UserID    *uuid.UUID `json:"user_id,omitempty"`
}
