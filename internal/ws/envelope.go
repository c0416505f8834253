package ws

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Envelope is the tagged request unit exchanged over the transport.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Command types accepted by the dispatcher.
const (
	cmdAuth           = "auth"
	cmdRegister       = "register"
	cmdLogin          = "login"
	cmdSendMessage    = "send_message"
	cmdGetMessages    = "get_messages"
	cmdEditMessage    = "edit_message"
	cmdDeleteMessage  = "delete_message"
	cmdReact          = "react"
	cmdForwardMessage = "forward_message"
	cmdCreateChat     = "create_chat"
	cmdAddToChat      = "add_to_chat"
	cmdRemoveFromChat = "remove_from_chat"
	cmdGetChatMembers = "get_chat_members"
	cmdGetMyChats     = "get_my_chats"
)

// Wire error kinds. Closed set, serialized as the reply's "error" field.
const (
	errUnauthorized    = "unauthorized"
	errInvalidToken    = "invalid_token"
	errBadCredentials  = "bad_credentials"
	errInvalidPayload  = "invalid_payload"
	errNotInChat       = "not_in_chat"
	errUserNotFound    = "user_not_found"
	errUserNotInChat   = "user_not_in_chat"
	errMessageNotFound = "message_not_found"
	errUsernameTaken   = "username_taken"
	errOperationFailed = "operation_failed"
	errUnknownCommand  = "unknown_command"
)

type authPayload struct {
	Token string `json:"token"`
}

type registerPayload struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	PublicKey string `json:"public_key"`
}

type loginPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type sendMessagePayload struct {
	ChatID    uuid.UUID  `json:"chat_id"`
	Body      string     `json:"body"`
	ReplyToID *uuid.UUID `json:"reply_to_id,omitempty"`
}

type getMessagesPayload struct {
	ChatID uuid.UUID `json:"chat_id"`
	Limit  int       `json:"limit,omitempty"`
}

type editMessagePayload struct {
	MessageID uuid.UUID `json:"message_id"`
	Body      string    `json:"body"`
}

type deleteMessagePayload struct {
	MessageID uuid.UUID `json:"message_id"`
	ForAll    bool      `json:"for_all,omitempty"`
}

type reactPayload struct {
	MessageID uuid.UUID `json:"message_id"`
	Emoji     string    `json:"emoji"`
}

type forwardMessagePayload struct {
	ChatID    uuid.UUID `json:"chat_id"`
	MessageID uuid.UUID `json:"message_id"`
}

type createChatPayload struct {
	Name     *string     `json:"name,omitempty"`
	ChatType string      `json:"chat_type,omitempty"`
	Members  []uuid.UUID `json:"members,omitempty"`
}

type chatUserPayload struct {
	ChatID uuid.UUID `json:"chat_id"`
	UserID uuid.UUID `json:"user_id"`
}

type chatPayload struct {
	ChatID uuid.UUID `json:"chat_id"`
}
