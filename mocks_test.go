package onboard_test

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/goliatone/go-onboard"
)

// MockProvider implements onboard.IdentityProvider
type MockProvider struct {
	mock.Mock
}

func (m *MockProvider) LookupByEmail(ctx context.Context, email string) (*onboard.Identity, error) {
	args := m.Called(ctx, email)
	identity, _ := args.Get(0).(*onboard.Identity)
	return identity, args.Error(1)
}

func (m *MockProvider) CreateIdentity(ctx context.Context, email, password, displayName string) (*onboard.Identity, error) {
	args := m.Called(ctx, email, password, displayName)
	identity, _ := args.Get(0).(*onboard.Identity)
	return identity, args.Error(1)
}

func (m *MockProvider) VerifyCredential(ctx context.Context, email, password string) (*onboard.Identity, error) {
	args := m.Called(ctx, email, password)
	identity, _ := args.Get(0).(*onboard.Identity)
	return identity, args.Error(1)
}

func (m *MockProvider) SetClaims(ctx context.Context, identityID string, claims onboard.Claims) error {
	args := m.Called(ctx, identityID, claims)
	return args.Error(0)
}

func (m *MockProvider) GetClaims(ctx context.Context, identityID string, forceRefresh bool) (onboard.Claims, error) {
	args := m.Called(ctx, identityID, forceRefresh)
	claims, _ := args.Get(0).(onboard.Claims)
	return claims, args.Error(1)
}

func (m *MockProvider) InvalidateSession(ctx context.Context, identityID string) error {
	args := m.Called(ctx, identityID)
	return args.Error(0)
}

func (m *MockProvider) SendVerificationChallenge(ctx context.Context, identityID string) error {
	args := m.Called(ctx, identityID)
	return args.Error(0)
}

func (m *MockProvider) MarkEmailVerified(ctx context.Context, identityID string) error {
	args := m.Called(ctx, identityID)
	return args.Error(0)
}

// MockStatusReader implements onboard.StatusReader
type MockStatusReader struct {
	mock.Mock
}

func (m *MockStatusReader) Status(ctx context.Context, identityID string) (onboard.ApprovalStatus, error) {
	args := m.Called(ctx, identityID)
	status, _ := args.Get(0).(onboard.ApprovalStatus)
	return status, args.Error(1)
}

// MockLogger implements onboard.Logger and accepts any call
type MockLogger struct{}

func (MockLogger) Debug(string, ...any) {}
func (MockLogger) Info(string, ...any)  {}
func (MockLogger) Warn(string, ...any)  {}
func (MockLogger) Error(string, ...any) {}

// recordingSink collects activity events.
type recordingSink struct {
	mu     sync.Mutex
	events []onboard.ActivityEvent
}

func (s *recordingSink) Record(_ context.Context, event onboard.ActivityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSink) Types() []onboard.ActivityEventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]onboard.ActivityEventType, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.EventType)
	}
	return out
}

func (s *recordingSink) Last() onboard.ActivityEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) == 0 {
		return onboard.ActivityEvent{}
	}
	return s.events[len(s.events)-1]
}

// codeOutbox is a notifier that keeps the last code per email.
type codeOutbox struct {
	mu    sync.Mutex
	codes map[string]string
	sent  chan string
}

func newCodeOutbox() *codeOutbox {
	return &codeOutbox{codes: map[string]string{}, sent: make(chan string, 16)}
}

func (o *codeOutbox) SendOTP(_ context.Context, email, code string) error {
	o.mu.Lock()
	o.codes[email] = code
	o.mu.Unlock()
	o.sent <- email
	return nil
}

func (o *codeOutbox) Code(email string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.codes[email]
}

// sessionFeed is a SessionSource driven by the test.
type sessionFeed struct {
	mu            sync.Mutex
	subscriptions int
	events        chan onboard.SessionEvent
	err           error
}

func newSessionFeed() *sessionFeed {
	return &sessionFeed{events: make(chan onboard.SessionEvent, 8)}
}

func (f *sessionFeed) SubscribeSessions(context.Context) (*onboard.SessionSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.subscriptions++
	return onboard.NewSessionSubscription(f.events, func() {}), nil
}

func (f *sessionFeed) Subscriptions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscriptions
}

func (f *sessionFeed) Push(identity *onboard.Identity) {
	f.events <- onboard.SessionEvent{Identity: identity}
}
