package onboard_test

import (
	"context"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-onboard"
)

func sessionClaims(id string, role onboard.Role, department string) *onboard.SessionClaims {
	return &onboard.SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: id},
		Email:            id + "@acme.io",
		Role:             role,
		Department:       department,
	}
}

func TestClaimsContext(t *testing.T) {
	_, ok := onboard.ClaimsFromContext(context.Background())
	assert.False(t, ok)

	_, ok = onboard.ClaimsFromContext(onboard.WithClaimsContext(context.Background(), nil))
	assert.False(t, ok)

	ctx := onboard.WithClaimsContext(context.Background(), sessionClaims("id-1", onboard.RoleAdmin, "Director"))
	claims, ok := onboard.ClaimsFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "id-1", claims.Subject())
}

func TestAuthStateContext(t *testing.T) {
	assert.True(t, onboard.AuthStateFromContext(context.Background()).Loading)

	state := onboard.AuthState{Identity: &onboard.Identity{ID: "id-1"}, Role: onboard.RoleStaff}
	got := onboard.AuthStateFromContext(onboard.WithAuthState(context.Background(), state))
	assert.Equal(t, state, got)
	assert.True(t, got.Authenticated())
}

func TestCan(t *testing.T) {
	assert.ErrorIs(t, onboard.Can(context.Background(), "admin"), onboard.ErrUnauthenticated)

	staff := onboard.WithClaimsContext(context.Background(), sessionClaims("id-1", onboard.RoleStaff, "Sales"))
	assert.NoError(t, onboard.Can(staff))
	assert.NoError(t, onboard.Can(staff, "Sales"))
	assert.ErrorIs(t, onboard.Can(staff, "admin"), onboard.ErrAuthorizationDenied)
}

func TestCanWith(t *testing.T) {
	var gotAllowed []string
	denyAll := onboard.AuthorizerFunc(func(_ context.Context, _ onboard.Claims, allowed []string) error {
		gotAllowed = allowed
		return onboard.ErrAuthorizationDenied
	})

	admin := onboard.WithClaimsContext(context.Background(), sessionClaims("id-1", onboard.RoleAdmin, "Director"))

	err := onboard.CanWith(admin, denyAll, "admin")
	assert.ErrorIs(t, err, onboard.ErrAuthorizationDenied)
	assert.Equal(t, []string{"admin"}, gotAllowed)

	assert.NoError(t, onboard.CanWith(admin, nil, "admin"), "nil authorizer uses the default rule")
}

type narrowingAdminAuthorizer struct {
	onboard.Authorizer
	calls int
}

func (a *narrowingAdminAuthorizer) AuthorizeAdmin(_ context.Context, claims onboard.Claims) error {
	a.calls++
	if claims.Department == "Director" {
		return nil
	}
	return onboard.ErrAuthorizationDenied
}

func TestCanAdmin(t *testing.T) {
	assert.ErrorIs(t, onboard.CanAdmin(context.Background(), nil), onboard.ErrUnauthenticated)

	staffAdminDept := onboard.WithClaimsContext(context.Background(), sessionClaims("id-1", onboard.RoleStaff, "admin"))
	assert.ErrorIs(t, onboard.CanAdmin(staffAdminDept, nil), onboard.ErrAuthorizationDenied)
	assert.ErrorIs(t, onboard.CanAdmin(staffAdminDept, onboard.DefaultAuthorizer), onboard.ErrAuthorizationDenied)
	assert.NoError(t, onboard.Can(staffAdminDept, "admin"), "resource checks keep the shared namespace")

	admin := onboard.WithClaimsContext(context.Background(), sessionClaims("id-2", onboard.RoleAdmin, "Director"))
	assert.NoError(t, onboard.CanAdmin(admin, nil))
	assert.NoError(t, onboard.CanAdmin(admin, onboard.DefaultAuthorizer))

	narrowing := &narrowingAdminAuthorizer{Authorizer: onboard.DefaultAuthorizer}
	assert.NoError(t, onboard.CanAdmin(admin, narrowing))
	assert.ErrorIs(t, onboard.CanAdmin(staffAdminDept, narrowing), onboard.ErrAuthorizationDenied)
	assert.Equal(t, 1, narrowing.calls, "role check runs before the authorizer")

	otherAdmin := onboard.WithClaimsContext(context.Background(), sessionClaims("id-3", onboard.RoleAdmin, "Sales"))
	assert.ErrorIs(t, onboard.CanAdmin(otherAdmin, narrowing), onboard.ErrAuthorizationDenied)
}
