package onboard

import (
	"errors"
	"fmt"

	goerrors "github.com/goliatone/go-errors"
)

const (
	TextCodeValidation         = "VALIDATION_ERROR"
	TextCodeDuplicateAccount   = "DUPLICATE_ACCOUNT"
	TextCodeNoPendingChallenge = "NO_PENDING_CHALLENGE"
	TextCodeInvalidOTP         = "INVALID_OTP"
	TextCodeInvalidCredentials = "INVALID_CREDENTIALS"
	TextCodeEmailNotVerified   = "EMAIL_NOT_VERIFIED"
	TextCodeProfileNotFound    = "PROFILE_NOT_FOUND"
	TextCodePendingApproval    = "PENDING_APPROVAL"
	TextCodeAlreadyActive      = "ALREADY_ACTIVE"
	TextCodeProviderError      = "PROVIDER_ERROR"
	TextCodeAuthorization      = "AUTHORIZATION_DENIED"
	TextCodeTooManyRequests    = "TOO_MANY_REQUESTS"
	TextCodeIdentityNotFound   = "IDENTITY_NOT_FOUND"
	TextCodeUnauthenticated    = "UNAUTHENTICATED"
	TextCodeTokenInvalid       = "TOKEN_INVALID"
	TextCodeAlreadySubscribed  = "ALREADY_SUBSCRIBED"
	TextCodeInvalidTransition  = "INVALID_PROFILE_TRANSITION"
)

// ErrValidation is returned when a payload fails validation rules.
var ErrValidation = goerrors.New("invalid request payload", goerrors.CategoryValidation).
	WithTextCode(TextCodeValidation).
	WithCode(goerrors.CodeBadRequest)

// ErrDuplicateAccount is returned when an identity already exists for the email.
var ErrDuplicateAccount = goerrors.New("user already exists", goerrors.CategoryConflict).
	WithTextCode(TextCodeDuplicateAccount).
	WithCode(goerrors.CodeBadRequest)

// ErrNoPendingChallenge is returned when no unexpired code exists for the email.
var ErrNoPendingChallenge = goerrors.New("invalid or expired OTP", goerrors.CategoryNotFound).
	WithTextCode(TextCodeNoPendingChallenge).
	WithCode(goerrors.CodeBadRequest)

// ErrInvalidOTP is returned when the submitted code does not match.
var ErrInvalidOTP = goerrors.New("invalid OTP", goerrors.CategoryBadInput).
	WithTextCode(TextCodeInvalidOTP).
	WithCode(goerrors.CodeBadRequest)

var ErrInvalidCredentials = goerrors.New("invalid email or password", goerrors.CategoryAuth).
	WithTextCode(TextCodeInvalidCredentials).
	WithCode(goerrors.CodeUnauthorized)

var ErrEmailNotVerified = goerrors.New("please verify your email address before signing in", goerrors.CategoryAuth).
	WithTextCode(TextCodeEmailNotVerified).
	WithCode(goerrors.CodeForbidden)

var ErrProfileNotFound = goerrors.New("user profile not found", goerrors.CategoryNotFound).
	WithTextCode(TextCodeProfileNotFound).
	WithCode(goerrors.CodeNotFound)

var ErrPendingApproval = goerrors.New("account is pending administrator approval", goerrors.CategoryAuthz).
	WithTextCode(TextCodePendingApproval).
	WithCode(goerrors.CodeForbidden)

// ErrAlreadyActive is informational: the profile was already approved.
var ErrAlreadyActive = goerrors.New("account is already active", goerrors.CategoryConflict).
	WithTextCode(TextCodeAlreadyActive).
	WithCode(goerrors.CodeConflict)

// ErrProvider wraps failures from the identity provider or profile store.
var ErrProvider = goerrors.New("identity provider error", goerrors.CategoryOperation).
	WithTextCode(TextCodeProviderError).
	WithCode(goerrors.CodeInternal)

var ErrAuthorizationDenied = goerrors.New("insufficient privilege for this resource", goerrors.CategoryAuthz).
	WithTextCode(TextCodeAuthorization).
	WithCode(goerrors.CodeForbidden)

var ErrTooManyRequests = goerrors.New("too many code requests, try again later", goerrors.CategoryRateLimit).
	WithTextCode(TextCodeTooManyRequests)

// ErrIdentityNotFound is returned by providers when no identity matches.
var ErrIdentityNotFound = goerrors.New("identity not found", goerrors.CategoryNotFound).
	WithTextCode(TextCodeIdentityNotFound).
	WithCode(goerrors.CodeNotFound)

var ErrUnauthenticated = goerrors.New("authentication required", goerrors.CategoryAuth).
	WithTextCode(TextCodeUnauthenticated).
	WithCode(goerrors.CodeUnauthorized)

var ErrTokenInvalid = goerrors.New("invalid or expired token", goerrors.CategoryAuth).
	WithTextCode(TextCodeTokenInvalid).
	WithCode(goerrors.CodeUnauthorized)

var ErrAlreadySubscribed = goerrors.New("session synchronizer already started", goerrors.CategoryOperation).
	WithTextCode(TextCodeAlreadySubscribed)

// ErrInvalidTransition is returned for profile status changes outside the graph.
var ErrInvalidTransition = goerrors.New("invalid profile status transition", goerrors.CategoryValidation).
	WithTextCode(TextCodeInvalidTransition).
	WithCode(goerrors.CodeBadRequest)

var taxonomy = []*goerrors.Error{
	ErrValidation,
	ErrDuplicateAccount,
	ErrNoPendingChallenge,
	ErrInvalidOTP,
	ErrInvalidCredentials,
	ErrEmailNotVerified,
	ErrProfileNotFound,
	ErrPendingApproval,
	ErrAlreadyActive,
	ErrProvider,
	ErrAuthorizationDenied,
	ErrTooManyRequests,
	ErrIdentityNotFound,
	ErrUnauthenticated,
	ErrTokenInvalid,
	ErrAlreadySubscribed,
	ErrInvalidTransition,
	ErrSealedPassword,
}

// Known returns the taxonomy sentinel err resolves to, if any.
func Known(err error) (*goerrors.Error, bool) {
	if err == nil {
		return nil, false
	}
	for _, sentinel := range taxonomy {
		if errors.Is(err, sentinel) {
			return sentinel, true
		}
	}
	return nil, false
}

// TextCode returns the text code of the taxonomy error err resolves to.
func TextCode(err error) string {
	if sentinel, ok := Known(err); ok {
		return sentinel.TextCode
	}
	return ""
}

// Annotate clones a sentinel keeping it reachable through errors.Is.
func Annotate(sentinel *goerrors.Error, message string, metadata map[string]any) error {
	clone := sentinel.Clone()
	if clone == nil {
		return sentinel
	}
	if message != "" {
		clone.Message = message
	}
	clone.Source = sentinel
	if len(metadata) == 0 {
		return clone
	}
	return clone.WithMetadata(metadata)
}

// providerError keeps taxonomy errors intact and folds everything else
// into ErrProvider.
func providerError(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := Known(err); ok {
		return err
	}
	return Annotate(ErrProvider, fmt.Sprintf("%s: %v", op, err), map[string]any{
		"operation": op,
		"cause":     err.Error(),
	})
}
