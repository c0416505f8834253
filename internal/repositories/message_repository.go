package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"quantum-server/internal/models"
)

var ErrMessageNotFound = errors.New("message not found")

const messageColumns = `id, chat_id, sender_id, body, is_edited, is_deleted, reply_to_id, forwarded_from, created_at`

// MessageRepository defines interactions for chat messages.
type MessageRepository interface {
	CreateMessage(ctx context.Context, chatID, senderID uuid.UUID, body string, replyToID *uuid.UUID) (models.Message, error)
	GetMessage(ctx context.Context, messageID uuid.UUID) (models.Message, error)
	ListVisibleMessages(ctx context.Context, chatID uuid.UUID, limit int) ([]models.ChatMessage, error)
	EditMessage(ctx context.Context, messageID, senderID uuid.UUID, body string) error
	DeleteMessage(ctx context.Context, messageID, senderID uuid.UUID, forAll bool) error
	ForwardMessage(ctx context.Context, chatID, senderID, originalID uuid.UUID) (models.Message, error)
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

// CreateMessage stores a new message.
func (r *MessageRepo) CreateMessage(ctx context.Context, chatID, senderID uuid.UUID, body string, replyToID *uuid.UUID) (models.Message, error) {
	var msg models.Message
	err := r.db.QueryRowxContext(ctx, `INSERT INTO messages (chat_id, sender_id, body, reply_to_id)
        VALUES ($1, $2, $3, $4) RETURNING `+messageColumns, chatID, senderID, body, replyToID).
		StructScan(&msg)
	return msg, err
}

// GetMessage retrieves a single message.
func (r *MessageRepo) GetMessage(ctx context.Context, messageID uuid.UUID) (models.Message, error) {
	var msg models.Message
	err := r.db.GetContext(ctx, &msg, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	return msg, err
}

// ListVisibleMessages returns the chronological visible history of a chat
// joined with sender usernames. A positive limit keeps only the newest rows.
func (r *MessageRepo) ListVisibleMessages(ctx context.Context, chatID uuid.UUID, limit int) ([]models.ChatMessage, error) {
	query := `SELECT u.username AS "from", m.body, m.created_at
        FROM messages m
        JOIN users u ON m.sender_id = u.id
        WHERE m.chat_id=$1 AND m.is_deleted = FALSE
        ORDER BY m.created_at ASC`
	var msgs []models.ChatMessage
	if limit > 0 {
		query = `SELECT "from", body, created_at FROM (
            SELECT u.username AS "from", m.body, m.created_at
            FROM messages m
            JOIN users u ON m.sender_id = u.id
            WHERE m.chat_id=$1 AND m.is_deleted = FALSE
            ORDER BY m.created_at DESC LIMIT $2
        ) sub ORDER BY created_at ASC`
		err := r.db.SelectContext(ctx, &msgs, query, chatID, limit)
		return msgs, err
	}
	err := r.db.SelectContext(ctx, &msgs, query, chatID)
	return msgs, err
}

// EditMessage replaces the body and sets the edit flag, author only.
func (r *MessageRepo) EditMessage(ctx context.Context, messageID, senderID uuid.UUID, body string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE messages SET body=$1, is_edited = TRUE WHERE id=$2 AND sender_id=$3`, body, messageID, senderID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// DeleteMessage soft-deletes a message, author only. With forAll the body is
// redacted for every reader, otherwise only the delete flag is set.
func (r *MessageRepo) DeleteMessage(ctx context.Context, messageID, senderID uuid.UUID, forAll bool) error {
	query := `UPDATE messages SET is_deleted = TRUE WHERE id=$1 AND sender_id=$2`
	if forAll {
		query = `UPDATE messages SET is_deleted = TRUE, body = '[deleted]' WHERE id=$1 AND sender_id=$2`
	}
	res, err := r.db.ExecContext(ctx, query, messageID, senderID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// ForwardMessage copies the original body into a new message in the target
// chat, recording the original message id in forwarded_from.
func (r *MessageRepo) ForwardMessage(ctx context.Context, chatID, senderID, originalID uuid.UUID) (models.Message, error) {
	original, err := r.GetMessage(ctx, originalID)
	if err != nil {
		return models.Message{}, err
	}

	var forwarded models.Message
	err = r.db.QueryRowxContext(ctx, `INSERT INTO messages (chat_id, sender_id, body, forwarded_from)
        VALUES ($1, $2, $3, $4) RETURNING `+messageColumns, chatID, senderID, original.Body, originalID).
		StructScan(&forwarded)
	return forwarded, err
}

func requireRow(res sql.Result) error {
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrMessageNotFound
	}
	return nil
}
