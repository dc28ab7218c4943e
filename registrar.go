package onboard

import (
	"context"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"go.opentelemetry.io/otel/attribute"
)

// RegistrationResult describes the outcome of a verified signup.
type RegistrationResult struct {
	Identity *Identity
	Claims   Claims
	Profile  *Profile
	// Incomplete is set when the identity exists but claims or profile
	// could not be written.
	Incomplete bool
}

// Registrar turns a verified code into an identity, claims and a PENDING
// profile.
type Registrar struct {
	otp      *OTPChallenge
	provider IdentityProvider
	issuer   *ClaimsIssuer
	gate     *ApprovalGate
	sink     ActivitySink
	logger   Logger
	now      func() time.Time
	timeout  time.Duration
}

// RegistrarOption configures Registrar.
type RegistrarOption func(*Registrar)

func WithRegistrarLogger(logger Logger) RegistrarOption {
	return func(r *Registrar) {
		r.logger = normalizeLogger(logger)
	}
}

func WithRegistrarActivitySink(sink ActivitySink) RegistrarOption {
	return func(r *Registrar) {
		r.sink = normalizeActivitySink(sink)
	}
}

func WithRegistrarClock(now func() time.Time) RegistrarOption {
	return func(r *Registrar) {
		if now != nil {
			r.now = now
		}
	}
}

// WithRegistrarTimeout bounds the provider calls made after verification.
func WithRegistrarTimeout(d time.Duration) RegistrarOption {
	return func(r *Registrar) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// NewRegistrar wires the registration pipeline.
func NewRegistrar(otp *OTPChallenge, provider IdentityProvider, issuer *ClaimsIssuer, gate *ApprovalGate, opts ...RegistrarOption) *Registrar {
	r := &Registrar{
		otp:      otp,
		provider: provider,
		issuer:   issuer,
		gate:     gate,
		sink:     noopActivitySink{},
		logger:   defLogger{},
		now:      time.Now,
		timeout:  10 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Execute verifies msg and completes the registration.
func (r *Registrar) Execute(ctx context.Context, msg VerifyOTPMessage) (*RegistrationResult, error) {
	select {
	case <-ctx.Done():
		return nil, goerrors.Wrap(
			ctx.Err(),
			goerrors.CategoryOperation,
			"context cancelled during registration",
		)
	default:
		return r.execute(ctx, msg)
	}
}

func (r *Registrar) execute(ctx context.Context, msg VerifyOTPMessage) (_ *RegistrationResult, err error) {
	ctx, span := tracer.Start(ctx, "onboard.registrar.execute")
	defer func() {
		spanError(span, err)
		span.End()
	}()

	if err := msg.Validate(); err != nil {
		return nil, validationError(err)
	}

	rec, err := r.otp.VerifyOTP(ctx, msg.Email, msg.Code)
	if err != nil {
		return nil, err
	}

	password, err := r.otp.Password(rec)
	if err != nil {
		r.logger.Error("could not open password for %s: %v", rec.Email, err)
		return nil, err
	}

	// the code is spent, a cancelled caller has to request a new one
	select {
	case <-ctx.Done():
		return nil, goerrors.Wrap(
			ctx.Err(),
			goerrors.CategoryOperation,
			"context cancelled before identity creation",
		)
	default:
	}

	createCtx, cancel := context.WithTimeout(ctx, r.timeout)
	identity, err := r.provider.CreateIdentity(createCtx, rec.Email, password, rec.Name)
	cancel()
	if err != nil {
		r.logger.Error("create identity failed for %s: %v", rec.Email, err)
		return nil, providerError("create identity", err)
	}
	span.SetAttributes(attribute.String("onboard.identity_id", identity.ID))

	result := &RegistrationResult{Identity: identity}

	// no rollback past this point
	bctx, bcancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer bcancel()

	if err := r.provider.MarkEmailVerified(bctx, identity.ID); err != nil {
		r.logger.Warn("mark email verified failed for %s: %v", identity.ID, err)
	} else {
		identity.EmailVerified = true
	}

	claims, err := r.issuer.Issue(bctx, identity.ID, rec.Department)
	if err != nil {
		r.orphaned(bctx, identity, "claims", err)
		result.Incomplete = true
		return result, err
	}
	result.Claims = claims
	identity.Claims = claims

	profile, err := r.gate.Register(bctx, identity.ID, ProfileInput{
		Name:       rec.Name,
		Email:      rec.Email,
		Phone:      rec.Phone,
		Department: rec.Department,
		Role:       claims.Role,
	})
	if err != nil {
		r.orphaned(bctx, identity, "profile", err)
		result.Incomplete = true
		return result, err
	}
	result.Profile = profile

	recordActivity(bctx, r.sink, r.logger, r.now, ActivityEvent{
		EventType: ActivityEventRegistrationCompleted,
		UserID:    identity.ID,
		Email:     identity.Email,
		ToStatus:  StatusPending,
		Metadata: map[string]any{
			"role":       claims.Role,
			"department": claims.Department,
		},
	})

	r.logger.Info("registered identity %s with role %s", identity.ID, claims.Role)
	return result, nil
}

func (r *Registrar) orphaned(ctx context.Context, identity *Identity, step string, err error) {
	r.logger.Error("identity %s created but %s step failed: %v", identity.ID, step, err)
	recordActivity(ctx, r.sink, r.logger, r.now, ActivityEvent{
		EventType: ActivityEventRegistrationOrphaned,
		UserID:    identity.ID,
		Email:     identity.Email,
		Metadata:  map[string]any{"step": step, "error": err.Error()},
	})
}
