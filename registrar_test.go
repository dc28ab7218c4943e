package onboard_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-onboard"
)

type registrarFixture struct {
	provider *MockProvider
	store    *onboard.MemoryPendingStore
	profiles *onboard.MemoryProfileStore
	gate     *onboard.ApprovalGate
	sink     *recordingSink
	reg      *onboard.Registrar
}

func newRegistrarFixture(t *testing.T, department string) *registrarFixture {
	t.Helper()

	f := &registrarFixture{
		provider: new(MockProvider),
		store:    onboard.NewMemoryPendingStore(),
		profiles: onboard.NewMemoryProfileStore(),
		sink:     &recordingSink{},
	}
	f.provider.On("LookupByEmail", mock.Anything, mock.Anything).Return(nil, onboard.ErrIdentityNotFound)

	otp := onboard.NewOTPChallenge(f.store, f.provider,
		onboard.WithCodeGenerator(fixedCodes("123456")),
		onboard.WithOTPLogger(MockLogger{}),
	)
	f.gate = onboard.NewApprovalGate(f.profiles, onboard.WithApprovalLogger(MockLogger{}))
	f.reg = onboard.NewRegistrar(otp, f.provider,
		onboard.NewClaimsIssuer(f.provider, MockLogger{}),
		f.gate,
		onboard.WithRegistrarLogger(MockLogger{}),
		onboard.WithRegistrarActivitySink(f.sink),
	)

	msg := signupRequest("ann@acme.io")
	msg.Department = department
	require.NoError(t, otp.RequestOTP(context.Background(), msg))
	return f
}

func TestRegistrar_Execute(t *testing.T) {
	f := newRegistrarFixture(t, "Director")

	f.provider.On("CreateIdentity", mock.Anything, "ann@acme.io", "secret123", "Ann Example").
		Return(&onboard.Identity{ID: "id-1", Email: "ann@acme.io"}, nil)
	f.provider.On("MarkEmailVerified", mock.Anything, "id-1").Return(nil)
	f.provider.On("SetClaims", mock.Anything, "id-1", onboard.Claims{Role: onboard.RoleAdmin, Department: "Director"}).Return(nil)

	result, err := f.reg.Execute(context.Background(), onboard.VerifyOTPMessage{Email: "ann@acme.io", Code: "123456"})
	require.NoError(t, err)

	assert.False(t, result.Incomplete)
	assert.True(t, result.Identity.EmailVerified)
	assert.Equal(t, onboard.RoleAdmin, result.Claims.Role)
	require.NotNil(t, result.Profile)
	assert.Equal(t, onboard.StatusPending, result.Profile.Status)
	assert.Equal(t, onboard.RoleAdmin, result.Profile.Role)

	assert.Equal(t, onboard.ActivityEventRegistrationCompleted, f.sink.Last().EventType)
	assert.Equal(t, 0, f.store.Len())
	f.provider.AssertExpectations(t)
}

func TestRegistrar_ExecuteRejectsBadCode(t *testing.T) {
	f := newRegistrarFixture(t, "Sales")

	_, err := f.reg.Execute(context.Background(), onboard.VerifyOTPMessage{Email: "ann@acme.io", Code: "654321"})
	require.ErrorIs(t, err, onboard.ErrInvalidOTP)
	assert.Equal(t, 1, f.store.Len())

	_, err = f.reg.Execute(context.Background(), onboard.VerifyOTPMessage{Email: "ann@acme.io", Code: "12"})
	require.ErrorIs(t, err, onboard.ErrValidation)

	f.provider.AssertNotCalled(t, "CreateIdentity", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRegistrar_ExecuteDuplicateIdentity(t *testing.T) {
	f := newRegistrarFixture(t, "Sales")
	f.provider.On("CreateIdentity", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, onboard.ErrDuplicateAccount)

	result, err := f.reg.Execute(context.Background(), onboard.VerifyOTPMessage{Email: "ann@acme.io", Code: "123456"})
	require.ErrorIs(t, err, onboard.ErrDuplicateAccount)
	assert.Nil(t, result)
}

func TestRegistrar_ExecuteClaimsFailureIsIncomplete(t *testing.T) {
	f := newRegistrarFixture(t, "Sales")

	f.provider.On("CreateIdentity", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(&onboard.Identity{ID: "id-1", Email: "ann@acme.io"}, nil)
	f.provider.On("MarkEmailVerified", mock.Anything, "id-1").Return(nil)
	f.provider.On("SetClaims", mock.Anything, "id-1", mock.Anything).Return(errors.New("provider down"))

	result, err := f.reg.Execute(context.Background(), onboard.VerifyOTPMessage{Email: "ann@acme.io", Code: "123456"})
	require.ErrorIs(t, err, onboard.ErrProvider)
	require.NotNil(t, result)
	assert.True(t, result.Incomplete)
	assert.Equal(t, "id-1", result.Identity.ID)

	_, err = f.gate.Status(context.Background(), "id-1")
	assert.ErrorIs(t, err, onboard.ErrProfileNotFound)

	event := f.sink.Last()
	assert.Equal(t, onboard.ActivityEventRegistrationOrphaned, event.EventType)
	assert.Equal(t, "claims", event.Metadata["step"])
}

func TestRegistrar_ExecuteProfileFailureIsIncomplete(t *testing.T) {
	f := newRegistrarFixture(t, "Sales")

	_, err := f.profiles.Create(context.Background(), &onboard.Profile{ID: "id-1", Status: onboard.StatusPending})
	require.NoError(t, err)

	f.provider.On("CreateIdentity", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(&onboard.Identity{ID: "id-1", Email: "ann@acme.io"}, nil)
	f.provider.On("MarkEmailVerified", mock.Anything, "id-1").Return(errors.New("flaky"))
	f.provider.On("SetClaims", mock.Anything, "id-1", mock.Anything).Return(nil)

	result, err := f.reg.Execute(context.Background(), onboard.VerifyOTPMessage{Email: "ann@acme.io", Code: "123456"})
	require.Error(t, err)
	require.NotNil(t, result)
	assert.True(t, result.Incomplete)
	assert.False(t, result.Identity.EmailVerified)
	assert.Equal(t, onboard.RoleStaff, result.Claims.Role)
	assert.Equal(t, "profile", f.sink.Last().Metadata["step"])
}

func TestRegistrar_ExecuteCancelledContext(t *testing.T) {
	f := newRegistrarFixture(t, "Sales")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.reg.Execute(ctx, onboard.VerifyOTPMessage{Email: "ann@acme.io", Code: "123456"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, f.store.Len(), "code is not consumed")
}
