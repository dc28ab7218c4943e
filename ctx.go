package onboard

import "context"

var claimsCtxKey = &contextKey{"claims"}
var stateCtxKey = &contextKey{"auth_state"}

type contextKey struct {
	name string
}

// WithClaimsContext sets the session claims in the given context
func WithClaimsContext(ctx context.Context, claims *SessionClaims) context.Context {
	return context.WithValue(ctx, claimsCtxKey, claims)
}

// ClaimsFromContext extracts the session claims from the context
func ClaimsFromContext(ctx context.Context) (*SessionClaims, bool) {
	raw, ok := ctx.Value(claimsCtxKey).(*SessionClaims)
	return raw, ok && raw != nil
}

// WithAuthState stores a synchronized AuthState in the context
func WithAuthState(ctx context.Context, state AuthState) context.Context {
	return context.WithValue(ctx, stateCtxKey, state)
}

// AuthStateFromContext returns the AuthState, loading when absent.
func AuthStateFromContext(ctx context.Context) AuthState {
	if state, ok := ctx.Value(stateCtxKey).(AuthState); ok {
		return state
	}
	return AuthState{Loading: true}
}

// Can authorizes the claims found in ctx against allowed.
func Can(ctx context.Context, allowed ...string) error {
	return CanWith(ctx, DefaultAuthorizer, allowed...)
}

// CanWith is Can evaluated by authz.
func CanWith(ctx context.Context, authz Authorizer, allowed ...string) error {
	claims, ok := ClaimsFromContext(ctx)
	if !ok {
		return ErrUnauthenticated
	}
	if authz == nil {
		authz = DefaultAuthorizer
	}
	return authz.Authorize(ctx, claims.Claims(), allowed)
}

// CanAdmin checks that the claims in ctx carry RoleAdmin, then consults authz.
// An authz without AuthorizeAdmin is asked for the admin role.
func CanAdmin(ctx context.Context, authz Authorizer) error {
	claims, ok := ClaimsFromContext(ctx)
	if !ok {
		return ErrUnauthenticated
	}
	if err := AuthorizeAdmin(claims.Claims()); err != nil {
		return err
	}
	if admin, ok := authz.(AdminAuthorizer); ok {
		return admin.AuthorizeAdmin(ctx, claims.Claims())
	}
	if authz != nil {
		return authz.Authorize(ctx, claims.Claims(), []string{string(RoleAdmin)})
	}
	return nil
}
