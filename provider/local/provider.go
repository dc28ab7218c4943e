// Package local is a self contained onboard.IdentityProvider backed by a
// SQL database through bun. It keeps bcrypt password hashes, claims as
// JSON and the email verified flag, and pushes sign in and sign out events
// to SessionSource subscribers.
package local

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-repository-bun"
	"github.com/goliatone/hashid/pkg/hashid"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"golang.org/x/crypto/bcrypt"

	"github.com/goliatone/go-onboard"
)

// DefaultChallengeTTL is how long an email verification code stays valid.
const DefaultChallengeTTL = 30 * time.Minute

type challenge struct {
	code      string
	expiresAt time.Time
}

// Provider implements onboard.IdentityProvider and onboard.SessionSource.
type Provider struct {
	db         *bun.DB
	identities repository.Repository[*identityRecord]
	hub        *sessionHub
	notifier   onboard.Notifier
	logger     onboard.Logger
	now        func() time.Time
	hashCost   int
	hashedIDs  bool

	mu         sync.RWMutex
	claims     map[string]onboard.Claims
	sessions   map[string]time.Time
	challenges map[string]challenge
}

var (
	_ onboard.IdentityProvider = (*Provider)(nil)
	_ onboard.SessionSource    = (*Provider)(nil)
	_ onboard.SessionOpener    = (*Provider)(nil)
)

// Option configures Provider.
type Option func(*Provider)

func WithLogger(logger onboard.Logger) Option {
	return func(p *Provider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithNotifier delivers email verification codes.
func WithNotifier(n onboard.Notifier) Option {
	return func(p *Provider) {
		p.notifier = n
	}
}

// WithHashCost sets the bcrypt cost. Out of range values are ignored.
func WithHashCost(cost int) Option {
	return func(p *Provider) {
		if cost >= bcrypt.MinCost && cost <= bcrypt.MaxCost {
			p.hashCost = cost
		}
	}
}

// WithHashedIDs derives identity ids from the email instead of random UUIDs.
func WithHashedIDs(enabled bool) Option {
	return func(p *Provider) {
		p.hashedIDs = enabled
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Provider) {
		if now != nil {
			p.now = now
		}
	}
}

// New creates a Provider on db.
func New(db *bun.DB, opts ...Option) *Provider {
	p := &Provider{
		db:         db,
		identities: newIdentityRepository(db),
		now:        time.Now,
		hashCost:   bcrypt.DefaultCost,
		claims:     make(map[string]onboard.Claims),
		sessions:   make(map[string]time.Time),
		challenges: make(map[string]challenge),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.logger == nil {
		p.logger = nopLogger{}
	}
	if p.notifier == nil {
		p.notifier = undelivered(p.logger)
	}
	p.hub = newSessionHub(p.logger)
	return p
}

func newIdentityRepository(db *bun.DB) repository.Repository[*identityRecord] {
	handlers := repository.ModelHandlers[*identityRecord]{
		NewRecord: func() *identityRecord {
			return &identityRecord{}
		},
		GetID: func(record *identityRecord) uuid.UUID {
			if record == nil {
				return uuid.Nil
			}
			return record.ID
		},
		SetID: func(record *identityRecord, id uuid.UUID) {
			record.ID = id
		},
		GetIdentifier: func() string {
			return "email"
		},
	}
	return repository.NewRepository(db, handlers)
}

// CreateTable creates the identities table when missing.
func (p *Provider) CreateTable(ctx context.Context) error {
	_, err := p.db.NewCreateTable().
		Model((*identityRecord)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to create identities table")
	}
	return nil
}

// LookupByEmail implements onboard.IdentityProvider.
func (p *Provider) LookupByEmail(ctx context.Context, email string) (*onboard.Identity, error) {
	record, err := p.byEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	return record.toIdentity(), nil
}

// CreateIdentity implements onboard.IdentityProvider.
func (p *Provider) CreateIdentity(ctx context.Context, email, password, displayName string) (*onboard.Identity, error) {
	email = onboard.NormalizeEmail(email)
	if email == "" {
		return nil, onboard.Annotate(onboard.ErrValidation, "email required", nil)
	}

	hash, err := hashPassword(password, p.hashCost)
	if err != nil {
		if _, ok := onboard.Known(err); ok {
			return nil, err
		}
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to hash password")
	}

	id := uuid.New()
	if p.hashedIDs {
		if hid, err := hashid.NewUUID(email); err == nil {
			id = hid
		}
	}

	now := p.now()
	record := &identityRecord{
		ID:           id,
		Email:        email,
		DisplayName:  strings.TrimSpace(displayName),
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	created, err := p.identities.CreateTx(ctx, p.db, record)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, onboard.ErrDuplicateAccount
		}
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "could not create identity")
	}

	p.logger.Debug("created identity %s", created.ID)
	return created.toIdentity(), nil
}

// VerifyCredential implements onboard.IdentityProvider. It does not open a
// session, see OpenSession.
func (p *Provider) VerifyCredential(ctx context.Context, email, password string) (*onboard.Identity, error) {
	record, err := p.byEmail(ctx, email)
	if err != nil {
		if errors.Is(err, onboard.ErrIdentityNotFound) {
			return nil, onboard.ErrInvalidCredentials
		}
		return nil, err
	}

	if err := comparePasswordAndHash(password, record.PasswordHash); err != nil {
		record.LoginAttempts++
		record.UpdatedAt = p.now()
		if uerr := p.update(ctx, record); uerr != nil {
			p.logger.Warn("failed to track login attempt for %s: %v", record.ID, uerr)
		}
		if errors.Is(err, onboard.ErrInvalidCredentials) {
			return nil, err
		}
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to compare password")
	}

	now := p.now()
	record.LoginAttempts = 0
	record.LastLoginAt = &now
	record.UpdatedAt = now
	if err := p.update(ctx, record); err != nil {
		p.logger.Warn("failed to track successful login for %s: %v", record.ID, err)
	}

	return record.toIdentity(), nil
}

// OpenSession implements onboard.SessionOpener. Subscribers see the sign in
// with the identity as currently stored.
func (p *Provider) OpenSession(ctx context.Context, identityID string) error {
	record, err := p.byID(ctx, identityID)
	if err != nil {
		return err
	}

	now := p.now()
	p.mu.Lock()
	p.sessions[identityID] = now
	p.mu.Unlock()

	p.hub.publish(record.toIdentity(), now)
	return nil
}

// SetClaims implements onboard.IdentityProvider.
func (p *Provider) SetClaims(ctx context.Context, identityID string, claims onboard.Claims) error {
	if err := claims.Validate(); err != nil {
		return onboard.Annotate(onboard.ErrValidation, err.Error(), nil)
	}

	record, err := p.byID(ctx, identityID)
	if err != nil {
		return err
	}

	record.Claims = claims
	record.UpdatedAt = p.now()
	if err := p.update(ctx, record); err != nil {
		return err
	}

	p.mu.Lock()
	p.claims[identityID] = claims
	p.mu.Unlock()
	return nil
}

// GetClaims implements onboard.IdentityProvider. Claims are cached after
// the first read, forceRefresh reloads them from the database.
func (p *Provider) GetClaims(ctx context.Context, identityID string, forceRefresh bool) (onboard.Claims, error) {
	if !forceRefresh {
		p.mu.RLock()
		claims, ok := p.claims[identityID]
		p.mu.RUnlock()
		if ok {
			return claims, nil
		}
	}

	record, err := p.byID(ctx, identityID)
	if err != nil {
		return onboard.Claims{}, err
	}

	p.mu.Lock()
	p.claims[identityID] = record.Claims
	p.mu.Unlock()
	return record.Claims, nil
}

// InvalidateSession implements onboard.IdentityProvider.
func (p *Provider) InvalidateSession(ctx context.Context, identityID string) error {
	p.mu.Lock()
	_, active := p.sessions[identityID]
	delete(p.sessions, identityID)
	p.mu.Unlock()

	if active {
		p.hub.publish(nil, p.now())
	}
	return nil
}

// HasSession reports whether identityID holds an open session.
func (p *Provider) HasSession(identityID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.sessions[identityID]
	return ok
}

// SendVerificationChallenge implements onboard.IdentityProvider. The code
// is delivered through the configured notifier.
func (p *Provider) SendVerificationChallenge(ctx context.Context, identityID string) error {
	record, err := p.byID(ctx, identityID)
	if err != nil {
		return err
	}
	if record.EmailVerified {
		return nil
	}

	code, err := onboard.GenerateCode()
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to generate verification code")
	}

	p.mu.Lock()
	p.challenges[identityID] = challenge{code: code, expiresAt: p.now().Add(DefaultChallengeTTL)}
	p.mu.Unlock()

	if err := p.notifier.SendOTP(ctx, record.Email, code); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryOperation, "failed to deliver verification code")
	}
	return nil
}

// ConfirmVerification marks the email verified when code matches the last
// challenge sent to identityID.
func (p *Provider) ConfirmVerification(ctx context.Context, identityID, code string) error {
	p.mu.Lock()
	ch, ok := p.challenges[identityID]
	if ok && p.now().Before(ch.expiresAt) && onboard.CodesEqual(ch.code, code) {
		delete(p.challenges, identityID)
	} else {
		ok = false
	}
	p.mu.Unlock()

	if !ok {
		return onboard.ErrInvalidOTP
	}
	return p.MarkEmailVerified(ctx, identityID)
}

// MarkEmailVerified implements onboard.IdentityProvider.
func (p *Provider) MarkEmailVerified(ctx context.Context, identityID string) error {
	record, err := p.byID(ctx, identityID)
	if err != nil {
		return err
	}
	if record.EmailVerified {
		return nil
	}

	record.EmailVerified = true
	record.UpdatedAt = p.now()
	return p.update(ctx, record)
}

// SubscribeSessions implements onboard.SessionSource.
func (p *Provider) SubscribeSessions(ctx context.Context) (*onboard.SessionSubscription, error) {
	return p.hub.subscribe(ctx), nil
}

func (p *Provider) byEmail(ctx context.Context, email string) (*identityRecord, error) {
	email = onboard.NormalizeEmail(email)
	if email == "" {
		return nil, onboard.ErrIdentityNotFound
	}

	record, err := p.identities.GetByIdentifierTx(ctx, p.db, email)
	if err != nil {
		if repository.IsRecordNotFound(err) || errors.Is(err, sql.ErrNoRows) {
			return nil, onboard.ErrIdentityNotFound
		}
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "could not load identity")
	}
	return record, nil
}

func (p *Provider) byID(ctx context.Context, identityID string) (*identityRecord, error) {
	id, err := uuid.Parse(identityID)
	if err != nil {
		return nil, onboard.ErrIdentityNotFound
	}

	record := new(identityRecord)
	err = p.db.NewSelect().
		Model(record).
		Where("id = ?", id).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, onboard.ErrIdentityNotFound
		}
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "could not load identity")
	}
	return record, nil
}

func (p *Provider) update(ctx context.Context, record *identityRecord) error {
	_, err := p.identities.UpdateTx(ctx, p.db, record, repository.UpdateByID(record.ID.String()))
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, fmt.Sprintf("could not update identity %s", record.ID))
	}
	return nil
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key")
}

// undelivered drops verification codes, logging only the recipient.
func undelivered(logger onboard.Logger) onboard.Notifier {
	return onboard.NotifierFunc(func(_ context.Context, email, _ string) error {
		logger.Warn("no notifier configured, verification code for %s was not delivered", email)
		return nil
	})
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
