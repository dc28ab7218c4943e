package onboard

import (
	"context"
	"sync"
	"time"
)

// SessionEvent is pushed by a SessionSource on sign in and sign out.
// A nil Identity means no one is signed in.
type SessionEvent struct {
	Identity   *Identity
	OccurredAt time.Time
}

// SessionSubscription is a live feed of session events.
type SessionSubscription struct {
	events <-chan SessionEvent
	cancel func()
	once   sync.Once
}

// NewSessionSubscription wraps events, cancel releases the feed.
func NewSessionSubscription(events <-chan SessionEvent, cancel func()) *SessionSubscription {
	return &SessionSubscription{events: events, cancel: cancel}
}

// Events returns the feed, closed once the subscription is released.
func (s *SessionSubscription) Events() <-chan SessionEvent {
	return s.events
}

// Close releases the subscription, safe to call more than once.
func (s *SessionSubscription) Close() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
}

// AuthState is the locally mirrored authentication state.
type AuthState struct {
	Identity   *Identity `json:"identity,omitempty"`
	Role       Role      `json:"role,omitempty"`
	Department string    `json:"department,omitempty"`
	Loading    bool      `json:"loading"`
}

// Claims returns the role and department of the state.
func (s AuthState) Claims() Claims {
	return Claims{Role: s.Role, Department: s.Department}
}

// Authenticated reports whether an identity is signed in.
func (s AuthState) Authenticated() bool {
	return s.Identity != nil
}

// SessionSynchronizer keeps one subscription to a SessionSource and
// refreshes claims on every session change.
type SessionSynchronizer struct {
	source   SessionSource
	provider IdentityProvider
	logger   Logger

	mu       sync.RWMutex
	state    AuthState
	sub      *SessionSubscription
	cancel   context.CancelFunc
	done     chan struct{}
	watchers map[int]chan AuthState
	nextID   int
}

// SynchronizerOption configures SessionSynchronizer.
type SynchronizerOption func(*SessionSynchronizer)

func WithSynchronizerLogger(logger Logger) SynchronizerOption {
	return func(s *SessionSynchronizer) {
		s.logger = normalizeLogger(logger)
	}
}

// NewSessionSynchronizer creates a synchronizer in the loading state.
func NewSessionSynchronizer(source SessionSource, provider IdentityProvider, opts ...SynchronizerOption) *SessionSynchronizer {
	s := &SessionSynchronizer{
		source:   source,
		provider: provider,
		logger:   defLogger{},
		state:    AuthState{Loading: true},
		watchers: make(map[int]chan AuthState),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Start opens the subscription. A second Start without Stop returns
// ErrAlreadySubscribed.
func (s *SessionSynchronizer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sub != nil {
		return ErrAlreadySubscribed
	}

	runCtx, cancel := context.WithCancel(ctx)
	sub, err := s.source.SubscribeSessions(runCtx)
	if err != nil {
		cancel()
		return providerError("subscribe sessions", err)
	}

	s.sub = sub
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(runCtx, sub, s.done)
	return nil
}

// Stop releases the subscription and waits for the event loop to exit.
func (s *SessionSynchronizer) Stop() {
	s.mu.Lock()
	sub, cancel, done := s.sub, s.cancel, s.done
	s.sub, s.cancel, s.done = nil, nil, nil
	s.mu.Unlock()

	if sub == nil {
		return
	}
	cancel()
	sub.Close()
	<-done
}

// State returns a snapshot of the current state.
func (s *SessionSynchronizer) State() AuthState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Guard evaluates the current state against allowed.
func (s *SessionSynchronizer) Guard(allowed []string) Decision {
	return Guard(s.State(), allowed)
}

// Watch returns a channel receiving the latest state after every change.
// Slow readers only observe the most recent state. The release func closes
// the channel.
func (s *SessionSynchronizer) Watch() (<-chan AuthState, func()) {
	ch := make(chan AuthState, 1)

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = ch
	ch <- s.state
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.watchers, id)
			close(ch)
			s.mu.Unlock()
		})
	}
}

func (s *SessionSynchronizer) run(ctx context.Context, sub *SessionSubscription, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			s.handle(ctx, ev)
		}
	}
}

func (s *SessionSynchronizer) handle(ctx context.Context, ev SessionEvent) {
	if ev.Identity == nil {
		s.publish(AuthState{})
		return
	}

	claims, err := s.provider.GetClaims(ctx, ev.Identity.ID, true)
	if err != nil {
		s.logger.Warn("claims refresh for %s failed, using fallback: %v", ev.Identity.ID, err)
		claims = FallbackClaims()
	}

	identity := *ev.Identity
	identity.Claims = claims
	s.publish(AuthState{
		Identity:   &identity,
		Role:       claims.Role,
		Department: claims.Department,
		Loading:    false,
	})
}

func (s *SessionSynchronizer) publish(state AuthState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = state
	for _, ch := range s.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- state
	}
}
