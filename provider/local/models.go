package local

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/goliatone/go-onboard"
)

// identityRecord is the row persisted for every identity.
type identityRecord struct {
	bun.BaseModel `bun:"table:identities,alias:idn"`

	ID            uuid.UUID      `bun:"id,pk,type:uuid" json:"id"`
	Email         string         `bun:"email,notnull,unique" json:"email"`
	DisplayName   string         `bun:"display_name" json:"display_name"`
	PasswordHash  string         `bun:"password_hash,notnull" json:"-"`
	EmailVerified bool           `bun:"email_verified,notnull,default:false" json:"email_verified"`
	Claims        onboard.Claims `bun:"claims" json:"claims"`
	LoginAttempts int            `bun:"login_attempts,notnull,default:0" json:"login_attempts"`
	LastLoginAt   *time.Time     `bun:"last_login_at,nullzero" json:"last_login_at,omitempty"`
	CreatedAt     time.Time      `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt     time.Time      `bun:"updated_at,notnull" json:"updated_at"`
}

func (r *identityRecord) toIdentity() *onboard.Identity {
	if r == nil {
		return nil
	}
	return &onboard.Identity{
		ID:            r.ID.String(),
		Email:         r.Email,
		DisplayName:   r.DisplayName,
		EmailVerified: r.EmailVerified,
		Claims:        r.Claims,
	}
}
