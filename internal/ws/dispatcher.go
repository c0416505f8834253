package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"quantum-server/internal/auth"
	"quantum-server/internal/cache"
	"quantum-server/internal/membership"
	"quantum-server/internal/models"
	"quantum-server/internal/observability"
	"quantum-server/internal/repositories"
	"quantum-server/internal/telemetry"
)

// errCloseConnection signals the read loop to tear the connection down.
var errCloseConnection = errors.New("close connection")

const outcomeOK = "ok"

// Dispatcher is the per-connection command state machine. A connection is
// either unauthenticated, in which case only auth, register and login are
// accepted, or bound to one identity for its remaining lifetime.
type Dispatcher struct {
	hub       *Hub
	oracle    *membership.Oracle
	users     repositories.UserRepository
	chats     repositories.ChatRepository
	messages  repositories.MessageRepository
	reactions repositories.ReactionRepository
	tokens    *auth.TokenManager
	history   *cache.MessageCache
	audit     *telemetry.AuditEmitter
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(
	hub *Hub,
	oracle *membership.Oracle,
	users repositories.UserRepository,
	chats repositories.ChatRepository,
	messages repositories.MessageRepository,
	reactions repositories.ReactionRepository,
	tokens *auth.TokenManager,
	history *cache.MessageCache,
	audit *telemetry.AuditEmitter,
) *Dispatcher {
	return &Dispatcher{
		hub:       hub,
		oracle:    oracle,
		users:     users,
		chats:     chats,
		messages:  messages,
		reactions: reactions,
		tokens:    tokens,
		history:   history,
		audit:     audit,
	}
}

// Dispatch handles one inbound frame. It returns errCloseConnection when the
// protocol requires tearing the connection down; every other failure is
// answered on the connection and swallowed.
func (d *Dispatcher) Dispatch(ctx context.Context, c *Client, frame []byte) error {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil || env.Type == "" {
		d.replyError(c, errInvalidPayload, "malformed envelope")
		observability.IncCommand("invalid", errInvalidPayload)
		return nil
	}

	outcome, err := d.dispatch(ctx, c, env)
	observability.IncCommand(env.Type, outcome)
	d.emitAudit(ctx, c, env.Type, outcome)
	return err
}

func (d *Dispatcher) dispatch(ctx context.Context, c *Client, env Envelope) (string, error) {
	switch env.Type {
	case cmdAuth:
		return d.handleAuth(ctx, c, env.Payload)
	case cmdRegister:
		return d.handleRegister(ctx, c, env.Payload), nil
	case cmdLogin:
		return d.handleLogin(ctx, c, env.Payload), nil
	}

	userID, authed := c.Identity()
	if !authed {
		return d.replyError(c, errUnauthorized, "authentication required"), nil
	}

	switch env.Type {
	case cmdSendMessage:
		return d.handleSendMessage(ctx, c, userID, env.Payload), nil
	case cmdGetMessages:
		return d.handleGetMessages(ctx, c, userID, env.Payload), nil
	case cmdEditMessage:
		return d.handleEditMessage(ctx, c, userID, env.Payload), nil
	case cmdDeleteMessage:
		return d.handleDeleteMessage(ctx, c, userID, env.Payload), nil
	case cmdReact:
		return d.handleReact(ctx, c, userID, env.Payload), nil
	case cmdForwardMessage:
		return d.handleForwardMessage(ctx, c, userID, env.Payload), nil
	case cmdCreateChat:
		return d.handleCreateChat(ctx, c, userID, env.Payload), nil
	case cmdAddToChat:
		return d.handleAddToChat(ctx, c, userID, env.Payload), nil
	case cmdRemoveFromChat:
		return d.handleRemoveFromChat(ctx, c, userID, env.Payload), nil
	case cmdGetChatMembers:
		return d.handleGetChatMembers(ctx, c, userID, env.Payload), nil
	case cmdGetMyChats:
		return d.handleGetMyChats(ctx, c, userID), nil
	default:
		return d.replyError(c, errUnknownCommand, env.Type), nil
	}
}

func (d *Dispatcher) handleAuth(ctx context.Context, c *Client, raw json.RawMessage) (string, error) {
	var p authPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.Token == "" {
		return d.replyError(c, errInvalidPayload, "token required"), nil
	}
	if _, authed := c.Identity(); authed {
		return d.replyError(c, errInvalidPayload, "already authenticated"), nil
	}

	userID, err := d.tokens.Verify(p.Token)
	if err != nil {
		// Invalid token on auth is fatal for the connection.
		d.replyError(c, errInvalidToken, "")
		return errInvalidToken, errCloseConnection
	}

	user, err := d.users.GetUser(ctx, userID)
	if err != nil {
		return d.replyError(c, errOperationFailed, err.Error()), nil
	}

	d.establish(c, user)
	d.reply(c, map[string]any{"status": "authenticated", "user_id": user.ID})
	return outcomeOK, nil
}

func (d *Dispatcher) handleRegister(ctx context.Context, c *Client, raw json.RawMessage) string {
	var p registerPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.Username == "" || p.Password == "" {
		return d.replyError(c, errInvalidPayload, "username and password required")
	}
	if _, authed := c.Identity(); authed {
		return d.replyError(c, errInvalidPayload, "already authenticated")
	}

	digest, err := auth.HashPassword(p.Password)
	if err != nil {
		return d.replyError(c, errOperationFailed, err.Error())
	}

	user, err := d.users.CreateUser(ctx, p.Username, digest, p.PublicKey)
	if err != nil {
		if errors.Is(err, repositories.ErrUsernameTaken) {
			return d.replyError(c, errUsernameTaken, p.Username)
		}
		return d.replyError(c, errOperationFailed, err.Error())
	}

	token, err := d.tokens.Issue(user.ID)
	if err != nil {
		return d.replyError(c, errOperationFailed, err.Error())
	}

	d.establish(c, user)
	d.reply(c, map[string]any{"status": "registered", "user_id": user.ID, "token": token})
	return outcomeOK
}

func (d *Dispatcher) handleLogin(ctx context.Context, c *Client, raw json.RawMessage) string {
	var p loginPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.Username == "" || p.Password == "" {
		return d.replyError(c, errInvalidPayload, "username and password required")
	}
	if _, authed := c.Identity(); authed {
		return d.replyError(c, errInvalidPayload, "already authenticated")
	}

	user, err := d.users.FindByUsername(ctx, p.Username)
	if err != nil {
		if errors.Is(err, repositories.ErrUserNotFound) {
			return d.replyError(c, errBadCredentials, "")
		}
		return d.replyError(c, errOperationFailed, err.Error())
	}
	if !auth.CheckPassword(p.Password, user.PasswordHash) {
		return d.replyError(c, errBadCredentials, "")
	}

	token, err := d.tokens.Issue(user.ID)
	if err != nil {
		return d.replyError(c, errOperationFailed, err.Error())
	}

	d.establish(c, user)
	d.reply(c, map[string]any{"status": "logged_in", "user_id": user.ID, "token": token})
	return outcomeOK
}

func (d *Dispatcher) handleSendMessage(ctx context.Context, c *Client, userID uuid.UUID, raw json.RawMessage) string {
	var p sendMessagePayload
	if err := json.Unmarshal(raw, &p); err != nil || p.ChatID == uuid.Nil || p.Body == "" {
		return d.replyError(c, errInvalidPayload, "chat_id and body required")
	}

	if kind := d.requireMember(ctx, c, p.ChatID, userID); kind != "" {
		return kind
	}

	msg, err := d.messages.CreateMessage(ctx, p.ChatID, userID, p.Body, p.ReplyToID)
	if err != nil {
		return d.replyError(c, errOperationFailed, err.Error())
	}

	// The cache entry must be gone before anyone can observe the send.
	d.history.Invalidate(ctx, p.ChatID)

	d.notifyMembers(ctx, p.ChatID, models.Event{
		Type:      "new_message",
		ChatID:    p.ChatID,
		From:      c.username,
		Body:      msg.Body,
		MessageID: &msg.ID,
	})

	d.reply(c, map[string]any{
		"status":     "message_saved",
		"message_id": msg.ID,
		"timestamp":  msg.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	return outcomeOK
}

func (d *Dispatcher) handleGetMessages(ctx context.Context, c *Client, userID uuid.UUID, raw json.RawMessage) string {
	var p getMessagesPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.ChatID == uuid.Nil {
		return d.replyError(c, errInvalidPayload, "chat_id required")
	}

	if kind := d.requireMember(ctx, c, p.ChatID, userID); kind != "" {
		return kind
	}

	// The cache always holds the full visible history; limits are applied
	// after the read so every call site shares one snapshot per chat.
	msgs, err := d.history.ReadThrough(ctx, p.ChatID, func(ctx context.Context) ([]models.ChatMessage, error) {
		return d.messages.ListVisibleMessages(ctx, p.ChatID, 0)
	})
	if err != nil {
		return d.replyError(c, errOperationFailed, err.Error())
	}
	if p.Limit > 0 && len(msgs) > p.Limit {
		msgs = msgs[len(msgs)-p.Limit:]
	}
	if msgs == nil {
		msgs = []models.ChatMessage{}
	}

	d.reply(c, map[string]any{"status": "messages", "chat_id": p.ChatID, "messages": msgs})
	return outcomeOK
}

func (d *Dispatcher) handleEditMessage(ctx context.Context, c *Client, userID uuid.UUID, raw json.RawMessage) string {
	var p editMessagePayload
	if err := json.Unmarshal(raw, &p); err != nil || p.MessageID == uuid.Nil || p.Body == "" {
		return d.replyError(c, errInvalidPayload, "message_id and body required")
	}

	msg, err := d.messages.GetMessage(ctx, p.MessageID)
	if err != nil {
		if errors.Is(err, repositories.ErrMessageNotFound) {
			return d.replyError(c, errMessageNotFound, "")
		}
		return d.replyError(c, errOperationFailed, err.Error())
	}

	// The author-only rule is enforced by the storage predicate: zero rows
	// affected means the requester is not the sender.
	if err := d.messages.EditMessage(ctx, p.MessageID, userID, p.Body); err != nil {
		if errors.Is(err, repositories.ErrMessageNotFound) {
			return d.replyError(c, errMessageNotFound, "not the author")
		}
		return d.replyError(c, errOperationFailed, err.Error())
	}

	d.history.Invalidate(ctx, msg.ChatID)

	d.notifyMembers(ctx, msg.ChatID, models.Event{
		Type:      "message_edited",
		ChatID:    msg.ChatID,
		From:      c.username,
		Body:      p.Body,
		MessageID: &p.MessageID,
	})

	d.reply(c, map[string]any{"status": "message_edited", "message_id": p.MessageID})
	return outcomeOK
}

func (d *Dispatcher) handleDeleteMessage(ctx context.Context, c *Client, userID uuid.UUID, raw json.RawMessage) string {
	var p deleteMessagePayload
	if err := json.Unmarshal(raw, &p); err != nil || p.MessageID == uuid.Nil {
		return d.replyError(c, errInvalidPayload, "message_id required")
	}

	msg, err := d.messages.GetMessage(ctx, p.MessageID)
	if err != nil {
		if errors.Is(err, repositories.ErrMessageNotFound) {
			return d.replyError(c, errMessageNotFound, "")
		}
		return d.replyError(c, errOperationFailed, err.Error())
	}

	if err := d.messages.DeleteMessage(ctx, p.MessageID, userID, p.ForAll); err != nil {
		if errors.Is(err, repositories.ErrMessageNotFound) {
			return d.replyError(c, errMessageNotFound, "not the author")
		}
		return d.replyError(c, errOperationFailed, err.Error())
	}

	d.history.Invalidate(ctx, msg.ChatID)

	if p.ForAll {
		d.notifyMembers(ctx, msg.ChatID, models.Event{
			Type:      "message_deleted",
			ChatID:    msg.ChatID,
			MessageID: &p.MessageID,
		})
	}

	d.reply(c, map[string]any{"status": "message_deleted", "message_id": p.MessageID})
	return outcomeOK
}

func (d *Dispatcher) handleReact(ctx context.Context, c *Client, userID uuid.UUID, raw json.RawMessage) string {
	var p reactPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.MessageID == uuid.Nil || p.Emoji == "" {
		return d.replyError(c, errInvalidPayload, "message_id and emoji required")
	}

	msg, err := d.messages.GetMessage(ctx, p.MessageID)
	if err != nil {
		if errors.Is(err, repositories.ErrMessageNotFound) {
			return d.replyError(c, errMessageNotFound, "")
		}
		return d.replyError(c, errOperationFailed, err.Error())
	}

	if kind := d.requireMember(ctx, c, msg.ChatID, userID); kind != "" {
		return kind
	}

	if err := d.reactions.SetReaction(ctx, p.MessageID, userID, p.Emoji); err != nil {
		return d.replyError(c, errOperationFailed, err.Error())
	}

	// Reactions do not change the visible message set, so no invalidation.
	d.reply(c, map[string]any{"status": "reaction_set", "message_id": p.MessageID})
	return outcomeOK
}

func (d *Dispatcher) handleForwardMessage(ctx context.Context, c *Client, userID uuid.UUID, raw json.RawMessage) string {
	var p forwardMessagePayload
	if err := json.Unmarshal(raw, &p); err != nil || p.ChatID == uuid.Nil || p.MessageID == uuid.Nil {
		return d.replyError(c, errInvalidPayload, "chat_id and message_id required")
	}

	if kind := d.requireMember(ctx, c, p.ChatID, userID); kind != "" {
		return kind
	}

	forwarded, err := d.messages.ForwardMessage(ctx, p.ChatID, userID, p.MessageID)
	if err != nil {
		if errors.Is(err, repositories.ErrMessageNotFound) {
			return d.replyError(c, errMessageNotFound, "")
		}
		return d.replyError(c, errOperationFailed, err.Error())
	}

	d.history.Invalidate(ctx, p.ChatID)

	d.notifyMembers(ctx, p.ChatID, models.Event{
		Type:      "new_message",
		ChatID:    p.ChatID,
		From:      c.username,
		Body:      forwarded.Body,
		MessageID: &forwarded.ID,
	})

	d.reply(c, map[string]any{"status": "message_forwarded", "message_id": forwarded.ID})
	return outcomeOK
}

func (d *Dispatcher) handleCreateChat(ctx context.Context, c *Client, userID uuid.UUID, raw json.RawMessage) string {
	var p createChatPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return d.replyError(c, errInvalidPayload, "malformed payload")
	}
	chatType := p.ChatType
	if chatType == "" {
		chatType = "private"
	}
	if chatType != "private" && chatType != "group" {
		return d.replyError(c, errInvalidPayload, "chat_type must be private or group")
	}

	for _, memberID := range p.Members {
		exists, err := d.oracle.MemberExists(ctx, memberID)
		if err != nil {
			return d.replyError(c, errOperationFailed, err.Error())
		}
		if !exists {
			return d.replyError(c, errUserNotFound, memberID.String())
		}
	}

	chat, err := d.chats.CreateChat(ctx, userID, p.Name, chatType, p.Members)
	if err != nil {
		return d.replyError(c, errOperationFailed, err.Error())
	}

	d.reply(c, map[string]any{"status": "chat_created", "chat_id": chat.ID})
	return outcomeOK
}

func (d *Dispatcher) handleAddToChat(ctx context.Context, c *Client, userID uuid.UUID, raw json.RawMessage) string {
	var p chatUserPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.ChatID == uuid.Nil || p.UserID == uuid.Nil {
		return d.replyError(c, errInvalidPayload, "chat_id and user_id required")
	}

	if kind := d.requireMember(ctx, c, p.ChatID, userID); kind != "" {
		return kind
	}

	exists, err := d.oracle.MemberExists(ctx, p.UserID)
	if err != nil {
		return d.replyError(c, errOperationFailed, err.Error())
	}
	if !exists {
		return d.replyError(c, errUserNotFound, p.UserID.String())
	}

	if err := d.chats.AddMember(ctx, p.ChatID, p.UserID); err != nil {
		return d.replyError(c, errOperationFailed, err.Error())
	}

	d.notifyMembers(ctx, p.ChatID, models.Event{
		Type:   "user_added",
		ChatID: p.ChatID,
		From:   c.username,
		UserID: &p.UserID,
	})

	d.reply(c, map[string]any{"status": "user_added", "chat_id": p.ChatID, "user_id": p.UserID})
	return outcomeOK
}

func (d *Dispatcher) handleRemoveFromChat(ctx context.Context, c *Client, userID uuid.UUID, raw json.RawMessage) string {
	var p chatUserPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.ChatID == uuid.Nil || p.UserID == uuid.Nil {
		return d.replyError(c, errInvalidPayload, "chat_id and user_id required")
	}

	if kind := d.requireMember(ctx, c, p.ChatID, userID); kind != "" {
		return kind
	}

	if err := d.chats.RemoveMember(ctx, p.ChatID, p.UserID); err != nil {
		if errors.Is(err, repositories.ErrNotMember) {
			return d.replyError(c, errUserNotInChat, p.UserID.String())
		}
		return d.replyError(c, errOperationFailed, err.Error())
	}

	// The removed user is told as well as the remaining members.
	event := models.Event{
		Type:   "user_removed",
		ChatID: p.ChatID,
		From:   c.username,
		UserID: &p.UserID,
	}
	if members, err := d.oracle.Members(ctx, p.ChatID); err == nil {
		d.hub.Notify(append(members, p.UserID), event)
	} else {
		log.Printf("fanout member lookup failed chat=%s: %v", p.ChatID, err)
	}

	d.reply(c, map[string]any{"status": "user_removed", "chat_id": p.ChatID, "user_id": p.UserID})
	return outcomeOK
}

func (d *Dispatcher) handleGetChatMembers(ctx context.Context, c *Client, userID uuid.UUID, raw json.RawMessage) string {
	var p chatPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.ChatID == uuid.Nil {
		return d.replyError(c, errInvalidPayload, "chat_id required")
	}

	if kind := d.requireMember(ctx, c, p.ChatID, userID); kind != "" {
		return kind
	}

	members, err := d.oracle.Members(ctx, p.ChatID)
	if err != nil {
		return d.replyError(c, errOperationFailed, err.Error())
	}

	d.reply(c, map[string]any{"status": "members", "chat_id": p.ChatID, "members": members})
	return outcomeOK
}

func (d *Dispatcher) handleGetMyChats(ctx context.Context, c *Client, userID uuid.UUID) string {
	chats, err := d.chats.ListChatsForUser(ctx, userID)
	if err != nil {
		return d.replyError(c, errOperationFailed, err.Error())
	}
	if chats == nil {
		chats = []models.ChatSummary{}
	}

	d.reply(c, map[string]any{"status": "chats", "chats": chats})
	return outcomeOK
}

// requireMember replies not_in_chat (or operation_failed) and returns the
// outcome when the user is not a current member; empty string means proceed.
func (d *Dispatcher) requireMember(ctx context.Context, c *Client, chatID, userID uuid.UUID) string {
	member, err := d.oracle.IsMember(ctx, chatID, userID)
	if err != nil {
		return d.replyError(c, errOperationFailed, err.Error())
	}
	if !member {
		return d.replyError(c, errNotInChat, chatID.String())
	}
	return ""
}

func (d *Dispatcher) notifyMembers(ctx context.Context, chatID uuid.UUID, event models.Event) {
	members, err := d.oracle.Members(ctx, chatID)
	if err != nil {
		log.Printf("fanout member lookup failed chat=%s: %v", chatID, err)
		return
	}
	d.hub.Notify(members, event)
}

func (d *Dispatcher) establish(c *Client, user models.User) {
	c.setIdentity(user.ID, user.Username)
	d.hub.Register(user.ID, c)
}

func (d *Dispatcher) reply(c *Client, v any) {
	if err := c.PushJSON(v); err != nil {
		log.Printf("reply push failed conn=%s: %v", c.info.ConnID, err)
	}
}

func (d *Dispatcher) replyError(c *Client, kind, detail string) string {
	reply := map[string]any{"error": kind}
	if detail != "" {
		reply["detail"] = detail
	}
	d.reply(c, reply)
	return kind
}

func (d *Dispatcher) emitAudit(ctx context.Context, c *Client, command, outcome string) {
	var userID *string
	if id, ok := c.Identity(); ok {
		s := id.String()
		userID = &s
	}
	d.audit.Emit(ctx, command, outcome, "", userID)
}
