package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"quantum-server/internal/models"
)

var (
	ErrChatNotFound = errors.New("chat not found")
	ErrNotMember    = errors.New("user not in chat")
)

// ChatRepository abstracts chat and membership persistence.
type ChatRepository interface {
	CreateChat(ctx context.Context, creatorID uuid.UUID, name *string, chatType string, memberIDs []uuid.UUID) (models.Chat, error)
	GetChat(ctx context.Context, chatID uuid.UUID) (models.Chat, error)
	IsMember(ctx context.Context, chatID, userID uuid.UUID) (bool, error)
	ListMembers(ctx context.Context, chatID uuid.UUID) ([]uuid.UUID, error)
	ListChatsForUser(ctx context.Context, userID uuid.UUID) ([]models.ChatSummary, error)
	AddMember(ctx context.Context, chatID, userID uuid.UUID) error
	RemoveMember(ctx context.Context, chatID, userID uuid.UUID) error
}

// ChatRepo is a sqlx implementation of ChatRepository.
type ChatRepo struct {
	db *sqlx.DB
}

// NewChatRepo constructs a ChatRepo.
func NewChatRepo(db *sqlx.DB) *ChatRepo {
	return &ChatRepo{db: db}
}

// CreateChat creates a chat and its initial member set atomically. The
// creator is always included regardless of the member list.
func (r *ChatRepo) CreateChat(ctx context.Context, creatorID uuid.UUID, name *string, chatType string, memberIDs []uuid.UUID) (models.Chat, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Chat{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var chat models.Chat
	if err = tx.QueryRowxContext(ctx, `INSERT INTO chats (name, chat_type) VALUES ($1, $2) RETURNING id, name, chat_type, created_at`, name, chatType).
		StructScan(&chat); err != nil {
		return models.Chat{}, err
	}

	memberSet := map[uuid.UUID]struct{}{creatorID: {}}
	for _, id := range memberIDs {
		memberSet[id] = struct{}{}
	}

	for id := range memberSet {
		if _, err = tx.ExecContext(ctx, `INSERT INTO chat_members (chat_id, user_id) VALUES ($1, $2)`, chat.ID, id); err != nil {
			return models.Chat{}, err
		}
	}

	if err = tx.Commit(); err != nil {
		return models.Chat{}, err
	}
	return chat, nil
}

// GetChat fetches a chat by id.
func (r *ChatRepo) GetChat(ctx context.Context, chatID uuid.UUID) (models.Chat, error) {
	var chat models.Chat
	err := r.db.GetContext(ctx, &chat, `SELECT id, name, chat_type, created_at FROM chats WHERE id=$1`, chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Chat{}, ErrChatNotFound
	}
	return chat, err
}

// IsMember checks membership.
func (r *ChatRepo) IsMember(ctx context.Context, chatID, userID uuid.UUID) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM chat_members WHERE chat_id=$1 AND user_id=$2)`, chatID, userID)
	return exists, err
}

// ListMembers returns the current member ids of a chat.
func (r *ChatRepo) ListMembers(ctx context.Context, chatID uuid.UUID) ([]uuid.UUID, error) {
	var members []uuid.UUID
	err := r.db.SelectContext(ctx, &members, `SELECT user_id FROM chat_members WHERE chat_id=$1`, chatID)
	return members, err
}

// ListChatsForUser returns chats that include the user.
func (r *ChatRepo) ListChatsForUser(ctx context.Context, userID uuid.UUID) ([]models.ChatSummary, error) {
	var chats []models.ChatSummary
	err := r.db.SelectContext(ctx, &chats, `SELECT c.id, c.name, c.chat_type, c.created_at FROM chats c
        INNER JOIN chat_members cm ON cm.chat_id = c.id WHERE cm.user_id=$1 ORDER BY c.created_at DESC`, userID)
	return chats, err
}

// AddMember inserts the membership row, ignoring duplicates.
func (r *ChatRepo) AddMember(ctx context.Context, chatID, userID uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO chat_members (chat_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, chatID, userID)
	return err
}

// RemoveMember deletes the membership row. Removing a non-member is an error
// so the caller can reject without mutating state.
func (r *ChatRepo) RemoveMember(ctx context.Context, chatID, userID uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM chat_members WHERE chat_id=$1 AND user_id=$2`, chatID, userID)
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrNotMember
	}
	return nil
}
