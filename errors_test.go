package onboard_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	goerrors "github.com/goliatone/go-errors"
	"github.com/stretchr/testify/assert"

	"github.com/goliatone/go-onboard"
)

func TestAnnotateKeepsSentinel(t *testing.T) {
	err := onboard.Annotate(onboard.ErrValidation, "email required", map[string]any{"field": "email"})

	assert.ErrorIs(t, err, onboard.ErrValidation)
	assert.NotErrorIs(t, err, onboard.ErrInvalidTransition)
	assert.Equal(t, "invalid request payload", onboard.ErrValidation.Message, "sentinel must not be mutated")

	var rich *goerrors.Error
	assert.True(t, errors.As(err, &rich))
	assert.Equal(t, "email required", rich.Message)
	assert.Equal(t, "email", rich.Metadata["field"])
}

func TestKnownAndTextCode(t *testing.T) {
	wrapped := fmt.Errorf("login: %w", onboard.ErrPendingApproval)

	sentinel, ok := onboard.Known(wrapped)
	assert.True(t, ok)
	assert.Same(t, onboard.ErrPendingApproval, sentinel)
	assert.Equal(t, onboard.TextCodePendingApproval, onboard.TextCode(wrapped))

	_, ok = onboard.Known(errors.New("boom"))
	assert.False(t, ok)
	assert.Empty(t, onboard.TextCode(nil))
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{onboard.ErrValidation, http.StatusBadRequest},
		{onboard.ErrDuplicateAccount, http.StatusBadRequest},
		{onboard.ErrNoPendingChallenge, http.StatusBadRequest},
		{onboard.ErrInvalidOTP, http.StatusBadRequest},
		{onboard.ErrInvalidCredentials, http.StatusUnauthorized},
		{onboard.ErrEmailNotVerified, http.StatusForbidden},
		{onboard.ErrPendingApproval, http.StatusForbidden},
		{onboard.ErrProfileNotFound, http.StatusNotFound},
		{onboard.ErrAuthorizationDenied, http.StatusForbidden},
		{onboard.ErrUnauthenticated, http.StatusUnauthorized},
		{onboard.ErrTooManyRequests, http.StatusTooManyRequests},
		{onboard.Annotate(onboard.ErrProvider, "create identity: timeout", nil), http.StatusBadGateway},
		{context.Canceled, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		name := "nil"
		if tt.err != nil {
			name = tt.err.Error()
		}
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.want, onboard.StatusForError(tt.err))
		})
	}
}

func TestMessageForError(t *testing.T) {
	assert.Empty(t, onboard.MessageForError(nil))
	assert.Equal(t, "user already exists", onboard.MessageForError(onboard.ErrDuplicateAccount))
	assert.Equal(t, "invalid or expired OTP", onboard.MessageForError(onboard.ErrNoPendingChallenge))
	assert.Equal(t, "email: must be a valid email address.",
		onboard.MessageForError(onboard.Annotate(onboard.ErrValidation, "email: must be a valid email address.", nil)))
	assert.Equal(t, "identity provider error",
		onboard.MessageForError(onboard.Annotate(onboard.ErrProvider, "set claims: secret detail", nil)))
	assert.Equal(t, "An unexpected server error occurred", onboard.MessageForError(errors.New("boom")))
}
