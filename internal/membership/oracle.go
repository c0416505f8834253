package membership

import (
	"context"

	"github.com/google/uuid"

	"quantum-server/internal/repositories"
)

// Oracle answers membership questions. It is read-only; all mutation goes
// through the repositories directly.
type Oracle struct {
	chatRepo repositories.ChatRepository
	userRepo repositories.UserRepository
}

// NewOracle constructs an Oracle.
func NewOracle(chatRepo repositories.ChatRepository, userRepo repositories.UserRepository) *Oracle {
	return &Oracle{chatRepo: chatRepo, userRepo: userRepo}
}

// IsMember reports whether the user currently belongs to the chat.
func (o *Oracle) IsMember(ctx context.Context, chatID, userID uuid.UUID) (bool, error) {
	return o.chatRepo.IsMember(ctx, chatID, userID)
}

// Members returns all current member ids of the chat.
func (o *Oracle) Members(ctx context.Context, chatID uuid.UUID) ([]uuid.UUID, error) {
	return o.chatRepo.ListMembers(ctx, chatID)
}

// MemberExists reports whether the user id refers to a known account.
func (o *Oracle) MemberExists(ctx context.Context, userID uuid.UUID) (bool, error) {
	return o.userRepo.UserExists(ctx, userID)
}
