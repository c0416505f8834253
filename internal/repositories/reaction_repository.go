package repositories

import (
	"context"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// ReactionRepository stores emoji reactions.
type ReactionRepository interface {
	SetReaction(ctx context.Context, messageID, userID uuid.UUID, emoji string) error
}

// ReactionRepo is a sqlx implementation of ReactionRepository.
type ReactionRepo struct {
	db *sqlx.DB
}

// NewReactionRepo constructs a ReactionRepo.
func NewReactionRepo(db *sqlx.DB) *ReactionRepo {
	return &ReactionRepo{db: db}
}

// SetReaction upserts the reaction keyed by (message, user).
func (r *ReactionRepo) SetReaction(ctx context.Context, messageID, userID uuid.UUID, emoji string) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO message_reactions (message_id, user_id, emoji) VALUES ($1, $2, $3)
        ON CONFLICT (message_id, user_id) DO UPDATE SET emoji = EXCLUDED.emoji`, messageID, userID, emoji)
	return err
}
