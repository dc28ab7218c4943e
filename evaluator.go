package onboard

import (
	"context"
	"errors"
	"slices"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"go.opentelemetry.io/otel/attribute"
)

// Decision is the outcome of a route guard.
type Decision string

const (
	// DecisionPending means claims are still loading.
	DecisionPending         Decision = "pending"
	DecisionUnauthenticated Decision = "unauthenticated"
	DecisionUnauthorized    Decision = "unauthorized"
	DecisionAuthorized      Decision = "authorized"
)

// LoginRequest is the sign in form.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Validate will run validation rules
func (r LoginRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required, is.Email),
		validation.Field(&r.Password, validation.Required),
	)
}

// LoginResult is returned on a successful sign in.
type LoginResult struct {
	Identity  *Identity `json:"identity"`
	Claims    Claims    `json:"claims"`
	Token     string    `json:"token,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Authorizer decides whether claims satisfy allowed. The package level
// Authorize is the default rule, policy engines can replace it.
type Authorizer interface {
	Authorize(ctx context.Context, claims Claims, allowed []string) error
}

// AuthorizerFunc adapts a function to the Authorizer interface.
type AuthorizerFunc func(ctx context.Context, claims Claims, allowed []string) error

// Authorize implements Authorizer.
func (f AuthorizerFunc) Authorize(ctx context.Context, claims Claims, allowed []string) error {
	return f(ctx, claims, allowed)
}

// DefaultAuthorizer applies Authorize.
var DefaultAuthorizer Authorizer = AuthorizerFunc(func(_ context.Context, claims Claims, allowed []string) error {
	return Authorize(claims, allowed)
})

// AdminAuthorizer decides access to administrative operations. The role
// check of AuthorizeAdmin always runs first, implementations can only narrow it.
type AdminAuthorizer interface {
	AuthorizeAdmin(ctx context.Context, claims Claims) error
}

// StatusReader resolves the approval status of an identity.
type StatusReader interface {
	Status(ctx context.Context, identityID string) (ApprovalStatus, error)
}

// Evaluator runs the sign in gates and per resource authorization.
type Evaluator struct {
	provider IdentityProvider
	status   StatusReader
	tokens   *TokenService
	sink     ActivitySink
	logger   Logger
	now      func() time.Time
	resend   bool
}

// EvaluatorOption configures Evaluator.
type EvaluatorOption func(*Evaluator)

// WithTokenService makes Login return a signed session token.
func WithTokenService(ts *TokenService) EvaluatorOption {
	return func(e *Evaluator) {
		e.tokens = ts
	}
}

// WithResendVerification sends a fresh verification challenge when the
// email gate fails.
func WithResendVerification(enabled bool) EvaluatorOption {
	return func(e *Evaluator) {
		e.resend = enabled
	}
}

func WithEvaluatorActivitySink(sink ActivitySink) EvaluatorOption {
	return func(e *Evaluator) {
		e.sink = normalizeActivitySink(sink)
	}
}

func WithEvaluatorLogger(logger Logger) EvaluatorOption {
	return func(e *Evaluator) {
		e.logger = normalizeLogger(logger)
	}
}

func WithEvaluatorClock(now func() time.Time) EvaluatorOption {
	return func(e *Evaluator) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEvaluator creates an Evaluator.
func NewEvaluator(provider IdentityProvider, status StatusReader, opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{
		provider: provider,
		status:   status,
		sink:     noopActivitySink{},
		logger:   defLogger{},
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Login checks credentials, email verification and approval status in that
// order. Every gate after the credential check invalidates the provider
// session when it fails. Providers implementing SessionOpener open the
// session after the last gate.
func (e *Evaluator) Login(ctx context.Context, email, password string) (_ *LoginResult, err error) {
	ctx, span := tracer.Start(ctx, "onboard.evaluator.login")
	defer func() {
		spanError(span, err)
		span.End()
	}()

	email = NormalizeEmail(email)

	identity, err := e.provider.VerifyCredential(ctx, email, password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) || errors.Is(err, ErrIdentityNotFound) {
			e.loginFailed(ctx, "", email, ErrInvalidCredentials)
			return nil, ErrInvalidCredentials
		}
		return nil, providerError("verify credential", err)
	}
	span.SetAttributes(attribute.String("onboard.identity_id", identity.ID))

	if !identity.EmailVerified {
		e.invalidate(ctx, identity.ID)
		if e.resend {
			if err := e.provider.SendVerificationChallenge(ctx, identity.ID); err != nil {
				e.logger.Warn("verification challenge for %s failed: %v", identity.ID, err)
			}
		}
		e.loginFailed(ctx, identity.ID, email, ErrEmailNotVerified)
		return nil, ErrEmailNotVerified
	}

	status, err := e.status.Status(ctx, identity.ID)
	if err != nil {
		if errors.Is(err, ErrProfileNotFound) {
			e.invalidate(ctx, identity.ID)
			e.loginFailed(ctx, identity.ID, email, ErrProfileNotFound)
			return nil, ErrProfileNotFound
		}
		e.invalidate(ctx, identity.ID)
		return nil, providerError("approval status", err)
	}

	if status != StatusActive {
		e.invalidate(ctx, identity.ID)
		e.loginFailed(ctx, identity.ID, email, ErrPendingApproval)
		return nil, ErrPendingApproval
	}

	claims, err := e.provider.GetClaims(ctx, identity.ID, false)
	if err != nil {
		e.invalidate(ctx, identity.ID)
		return nil, providerError("get claims", err)
	}
	identity.Claims = claims

	result := &LoginResult{Identity: identity, Claims: claims}
	if e.tokens != nil {
		token, err := e.tokens.Generate(identity, claims)
		if err != nil {
			e.invalidate(ctx, identity.ID)
			return nil, providerError("sign session token", err)
		}
		result.Token = token
		result.ExpiresAt = e.now().Add(e.tokens.expiration)
	}

	if opener, ok := e.provider.(SessionOpener); ok {
		if err := opener.OpenSession(ctx, identity.ID); err != nil {
			e.invalidate(ctx, identity.ID)
			return nil, providerError("open session", err)
		}
	}

	recordActivity(ctx, e.sink, e.logger, e.now, ActivityEvent{
		EventType: ActivityEventLoginSuccess,
		UserID:    identity.ID,
		Email:     email,
		Metadata:  map[string]any{"role": claims.Role},
	})

	return result, nil
}

// Authorize grants access when allowed is empty or contains the role or the
// department of claims.
func (e *Evaluator) Authorize(claims Claims, allowed []string) error {
	return Authorize(claims, allowed)
}

// Guard maps the synchronized state onto a route decision.
func (e *Evaluator) Guard(state AuthState, allowed []string) Decision {
	return Guard(state, allowed)
}

// Authorize grants access when allowed is empty or contains the role or the
// department of claims. Role and department share one namespace.
func Authorize(claims Claims, allowed []string) error {
	if len(allowed) == 0 {
		return nil
	}
	if claims.Role != "" && slices.Contains(allowed, string(claims.Role)) {
		return nil
	}
	if claims.Department != "" && slices.Contains(allowed, claims.Department) {
		return nil
	}
	return ErrAuthorizationDenied
}

// AuthorizeAdmin grants administrative access to RoleAdmin only. Unlike
// Authorize, a department never matches.
func AuthorizeAdmin(claims Claims) error {
	if !claims.Role.IsAdmin() {
		return ErrAuthorizationDenied
	}
	return nil
}

// Guard returns the decision for state against allowed.
func Guard(state AuthState, allowed []string) Decision {
	if state.Loading {
		return DecisionPending
	}
	if state.Identity == nil {
		return DecisionUnauthenticated
	}
	if err := Authorize(state.Claims(), allowed); err != nil {
		return DecisionUnauthorized
	}
	return DecisionAuthorized
}

func (e *Evaluator) invalidate(ctx context.Context, identityID string) {
	if err := e.provider.InvalidateSession(ctx, identityID); err != nil {
		e.logger.Error("invalidate session for %s failed: %v", identityID, err)
	}
}

func (e *Evaluator) loginFailed(ctx context.Context, identityID, email string, reason error) {
	recordActivity(ctx, e.sink, e.logger, e.now, ActivityEvent{
		EventType: ActivityEventLoginFailure,
		UserID:    identityID,
		Email:     email,
		Metadata:  map[string]any{"reason": TextCode(reason)},
	})
}
