package onboard

import (
	"context"
	"errors"
	"strings"
	"time"
)

// TransitionContext is passed into hooks for additional processing.
type TransitionContext struct {
	Actor   ActorRef
	Profile *Profile
	From    ApprovalStatus
	To      ApprovalStatus
	Reason  string
}

// TransitionHook is executed before or after an approval.
type TransitionHook func(ctx context.Context, tc TransitionContext) error

// TransitionHookPhase identifies whether a hook ran before or after persistence.
type TransitionHookPhase string

const (
	HookPhaseBefore TransitionHookPhase = "before_transition"
	HookPhaseAfter  TransitionHookPhase = "after_transition"
)

// HookErrorHandler handles errors surfaced by transition hooks.
type HookErrorHandler func(ctx context.Context, phase TransitionHookPhase, err error, tc TransitionContext) error

// ApprovalOption customizes ApprovalGate construction.
type ApprovalOption func(*ApprovalGate)

// WithApprovalClock injects a custom clock (useful for tests).
func WithApprovalClock(clock func() time.Time) ApprovalOption {
	return func(g *ApprovalGate) {
		if clock != nil {
			g.now = clock
		}
	}
}

// WithApprovalActivitySink sets the ActivitySink used to publish approvals.
func WithApprovalActivitySink(sink ActivitySink) ApprovalOption {
	return func(g *ApprovalGate) {
		g.sink = normalizeActivitySink(sink)
	}
}

func WithApprovalLogger(logger Logger) ApprovalOption {
	return func(g *ApprovalGate) {
		g.logger = normalizeLogger(logger)
	}
}

// WithBeforeApprovalHook adds a hook executed before the status update.
// A hook error aborts the approval.
func WithBeforeApprovalHook(h TransitionHook) ApprovalOption {
	return func(g *ApprovalGate) {
		if h != nil {
			g.beforeHooks = append(g.beforeHooks, h)
		}
	}
}

// WithAfterApprovalHook adds a hook executed after the status update succeeds.
func WithAfterApprovalHook(h TransitionHook) ApprovalOption {
	return func(g *ApprovalGate) {
		if h != nil {
			g.afterHooks = append(g.afterHooks, h)
		}
	}
}

// WithApprovalHookErrorHandler overrides how hook failures are propagated.
func WithApprovalHookErrorHandler(handler HookErrorHandler) ApprovalOption {
	return func(g *ApprovalGate) {
		if handler != nil {
			g.hookErrorHandler = handler
		}
	}
}

// ApprovalGate owns the PENDING to ACTIVE lifecycle of profiles.
type ApprovalGate struct {
	store            ProfileStore
	transitions      map[ApprovalStatus]map[ApprovalStatus]struct{}
	locks            *keyedMutex
	now              func() time.Time
	sink             ActivitySink
	logger           Logger
	beforeHooks      []TransitionHook
	afterHooks       []TransitionHook
	hookErrorHandler HookErrorHandler
}

// NewApprovalGate returns a gate backed by store.
func NewApprovalGate(store ProfileStore, opts ...ApprovalOption) *ApprovalGate {
	g := &ApprovalGate{
		store: store,
		transitions: map[ApprovalStatus]map[ApprovalStatus]struct{}{
			StatusPending: {
				StatusActive: {},
			},
		},
		locks:  newKeyedMutex(),
		now:    time.Now,
		sink:   noopActivitySink{},
		logger: defLogger{},
		hookErrorHandler: func(_ context.Context, _ TransitionHookPhase, err error, _ TransitionContext) error {
			return err
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Register creates a PENDING profile for identityID.
func (g *ApprovalGate) Register(ctx context.Context, identityID string, in ProfileInput) (*Profile, error) {
	ctx, span := tracer.Start(ctx, "onboard.approval.register")
	defer span.End()

	identityID = strings.TrimSpace(identityID)
	if identityID == "" {
		return nil, Annotate(ErrValidation, "identity id required", nil)
	}

	role := in.Role
	if !role.IsValid() {
		role = DeriveClaims(in.Department).Role
	}

	profile := &Profile{
		ID:           identityID,
		Name:         in.Name,
		Email:        NormalizeEmail(in.Email),
		Phone:        in.Phone,
		Department:   in.Department,
		Role:         role,
		Status:       StatusPending,
		RegisteredAt: g.now(),
	}

	created, err := g.store.Create(ctx, profile)
	if err != nil {
		g.logger.Error("failed to register profile %s: %v", identityID, err)
		return nil, providerError("create profile", err)
	}
	return created, nil
}

// Approve moves identityID from PENDING to ACTIVE. ErrAlreadyActive is
// returned, with the status unchanged, when the profile is already active.
func (g *ApprovalGate) Approve(ctx context.Context, actor ActorRef, identityID string) (*Profile, error) {
	ctx, span := tracer.Start(ctx, "onboard.approval.approve")
	defer span.End()

	unlock := g.locks.Lock(identityID)
	defer unlock()

	current, err := g.store.GetByID(ctx, identityID)
	if err != nil {
		return nil, providerError("get profile", err)
	}

	if current.Status == StatusActive {
		return current, ErrAlreadyActive
	}

	if !g.canTransition(current.Status, StatusActive) {
		return nil, Annotate(ErrInvalidTransition, "", map[string]any{
			"from": current.Status,
			"to":   StatusActive,
		})
	}

	tc := TransitionContext{
		Actor:   actor,
		Profile: current,
		From:    current.Status,
		To:      StatusActive,
	}

	if err := g.runHooks(ctx, g.beforeHooks, tc, HookPhaseBefore); err != nil {
		return nil, err
	}

	updated, err := g.store.UpdateStatus(ctx, identityID, StatusChange{
		From:  current.Status,
		To:    StatusActive,
		Actor: actor,
		At:    g.now(),
	})
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			// lost a race with another process approving the same profile
			if latest, gerr := g.store.GetByID(ctx, identityID); gerr == nil && latest.Status == StatusActive {
				return latest, ErrAlreadyActive
			}
		}
		return nil, providerError("update profile status", err)
	}

	tc.Profile = updated
	if err := g.runHooks(ctx, g.afterHooks, tc, HookPhaseAfter); err != nil {
		return nil, err
	}

	recordActivity(ctx, g.sink, g.logger, g.now, ActivityEvent{
		EventType:  ActivityEventProfileApproved,
		Actor:      actor,
		UserID:     identityID,
		Email:      updated.Email,
		FromStatus: tc.From,
		ToStatus:   tc.To,
	})

	return updated, nil
}

// Status returns the approval status of identityID.
func (g *ApprovalGate) Status(ctx context.Context, identityID string) (ApprovalStatus, error) {
	profile, err := g.Profile(ctx, identityID)
	if err != nil {
		return "", err
	}
	return profile.Status, nil
}

// Profile returns the stored profile of identityID.
func (g *ApprovalGate) Profile(ctx context.Context, identityID string) (*Profile, error) {
	profile, err := g.store.GetByID(ctx, identityID)
	if err != nil {
		return nil, providerError("get profile", err)
	}
	return profile, nil
}

// ListPending returns the profiles awaiting approval, oldest first.
func (g *ApprovalGate) ListPending(ctx context.Context) ([]*Profile, error) {
	profiles, err := g.store.ListByStatus(ctx, StatusPending)
	if err != nil {
		return nil, providerError("list pending profiles", err)
	}
	return profiles, nil
}

func (g *ApprovalGate) canTransition(from, to ApprovalStatus) bool {
	if allowed, ok := g.transitions[from]; ok {
		_, exists := allowed[to]
		return exists
	}
	return false
}

func (g *ApprovalGate) runHooks(ctx context.Context, hooks []TransitionHook, tc TransitionContext, phase TransitionHookPhase) error {
	for _, hook := range hooks {
		if hook == nil {
			continue
		}
		if err := hook(ctx, tc); err != nil {
			if g.hookErrorHandler == nil {
				return err
			}
			return g.hookErrorHandler(ctx, phase, err, tc)
		}
	}
	return nil
}
