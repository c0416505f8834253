package models

import (
	"time"

	"github.com/google/uuid"
)

// User is a registered account.
type User struct {
	ID           uuid.UUID `db:"id" json:"id"`
	Username     string    `db:"username" json:"username"`
	PasswordHash string    `db:"password_hash" json:"-"`
	PublicKey    string    `db:"public_key" json:"public_key"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}
