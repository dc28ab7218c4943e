package onboard

import (
	"context"
	"fmt"
	"time"
)

type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// Identity holds the provider owned attributes this package reads
type Identity struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	DisplayName   string `json:"display_name"`
	EmailVerified bool   `json:"email_verified"`
	Claims        Claims `json:"claims"`
}

// IdentityProvider is the authoritative credential store. Implementations
// own password hashing, claim storage and provider level sessions.
type IdentityProvider interface {
	// LookupByEmail returns ErrIdentityNotFound when no identity exists
	LookupByEmail(ctx context.Context, email string) (*Identity, error)
	CreateIdentity(ctx context.Context, email, password, displayName string) (*Identity, error)
	// VerifyCredential returns ErrInvalidCredentials on mismatch
	VerifyCredential(ctx context.Context, email, password string) (*Identity, error)
	SetClaims(ctx context.Context, identityID string, claims Claims) error
	GetClaims(ctx context.Context, identityID string, forceRefresh bool) (Claims, error)
	InvalidateSession(ctx context.Context, identityID string) error
	SendVerificationChallenge(ctx context.Context, identityID string) error
	MarkEmailVerified(ctx context.Context, identityID string) error
}

// SessionSource is implemented by providers that push session changes
type SessionSource interface {
	SubscribeSessions(ctx context.Context) (*SessionSubscription, error)
}

// SessionOpener is implemented by providers that announce a sign in only
// once every login gate has passed.
type SessionOpener interface {
	OpenSession(ctx context.Context, identityID string) error
}

// Notifier delivers one time codes out of band. Delivery is fire and forget.
type Notifier interface {
	SendOTP(ctx context.Context, email, code string) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, email, code string) error

// SendOTP implements Notifier.
func (f NotifierFunc) SendOTP(ctx context.Context, email, code string) error {
	if f == nil {
		return nil
	}
	return f(ctx, email, code)
}

// Config holds onboarding options
type Config interface {
	GetOTPTTL() time.Duration
	GetOTPRequestsPerMinute() int
	GetSigningKey() string
	GetIssuer() string
	GetTokenExpiration() time.Duration
	GetSealingKey() string
	GetPhoneRegion() string
}

type defLogger struct{}

func (d defLogger) Error(format string, args ...any) {
	fmt.Printf("[ERR] ONBOARD "+newline(format), args...)
}

func (d defLogger) Warn(format string, args ...any) {
	fmt.Printf("[WRN] ONBOARD "+newline(format), args...)
}

func (d defLogger) Info(format string, args ...any) {
	fmt.Printf("[INF] ONBOARD "+newline(format), args...)
}

func (d defLogger) Debug(format string, args ...any) {
	fmt.Printf("[DBG] ONBOARD "+newline(format), args...)
}

func newline(s string) string {
	if len(s) > 0 && s[len(s)-1] != '\n' {
		s += "\n"
	}
	return s
}

func normalizeLogger(l Logger) Logger {
	if l == nil {
		return defLogger{}
	}
	return l
}
