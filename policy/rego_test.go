package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-onboard"
)

func TestRegoAuthorizer_MatchesBuiltinRule(t *testing.T) {
	ctx := context.Background()
	authz, err := NewRegoAuthorizer(ctx)
	require.NoError(t, err)

	cases := []struct {
		name    string
		claims  onboard.Claims
		allowed []string
	}{
		{"empty allowed", onboard.Claims{Role: onboard.RoleStaff, Department: "Sales"}, nil},
		{"role match", onboard.Claims{Role: onboard.RoleAdmin, Department: "Director"}, []string{"admin"}},
		{"department match", onboard.Claims{Role: onboard.RoleStaff, Department: "HR"}, []string{"admin", "HR"}},
		{"no match", onboard.Claims{Role: onboard.RoleStaff, Department: "Sales"}, []string{"admin", "HR"}},
		{"empty claims", onboard.Claims{}, []string{"admin"}},
		{"department named like a role", onboard.Claims{Role: onboard.RoleStaff, Department: "admin"}, []string{"admin"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			want := onboard.Authorize(tc.claims, tc.allowed)
			got := authz.Authorize(ctx, tc.claims, tc.allowed)
			if want == nil {
				assert.NoError(t, got)
				return
			}
			assert.ErrorIs(t, got, onboard.ErrAuthorizationDenied)
		})
	}
}

func TestRegoAuthorizer_Guard(t *testing.T) {
	ctx := context.Background()
	authz, err := NewRegoAuthorizer(ctx)
	require.NoError(t, err)

	assert.Equal(t, onboard.DecisionPending, authz.Guard(ctx, onboard.AuthState{Loading: true}, nil))
	assert.Equal(t, onboard.DecisionUnauthenticated, authz.Guard(ctx, onboard.AuthState{}, nil))

	state := onboard.AuthState{
		Identity:   &onboard.Identity{ID: "u1"},
		Role:       onboard.RoleStaff,
		Department: "Sales",
	}
	assert.Equal(t, onboard.DecisionAuthorized, authz.Guard(ctx, state, nil))
	assert.Equal(t, onboard.DecisionUnauthorized, authz.Guard(ctx, state, []string{"admin"}))
}

func TestRegoAuthorizer_CustomModule(t *testing.T) {
	ctx := context.Background()

	module := `package acme.access

default permit := false

permit if {
	input.claims.role == "admin"
}
`
	authz, err := NewRegoAuthorizer(ctx, WithModule("acme.access", module), WithRule("permit"))
	require.NoError(t, err)

	require.NoError(t, authz.Authorize(ctx, onboard.Claims{Role: onboard.RoleAdmin, Department: "Director"}, []string{"HR"}))
	require.ErrorIs(t, authz.Authorize(ctx, onboard.Claims{Role: onboard.RoleStaff, Department: "HR"}, []string{"HR"}), onboard.ErrAuthorizationDenied)
}

func TestRegoAuthorizer_LoadKeepsPreviousPolicyOnError(t *testing.T) {
	ctx := context.Background()
	authz, err := NewRegoAuthorizer(ctx)
	require.NoError(t, err)

	err = authz.Load(ctx, DefaultPackage, "package broken\n\nallow if {")
	require.Error(t, err)

	require.NoError(t, authz.Authorize(ctx, onboard.Claims{Role: onboard.RoleAdmin}, []string{"admin"}))
}

func TestRegoAuthorizer_GuardsControllerRoutes(t *testing.T) {
	ctx := context.Background()
	authz, err := NewRegoAuthorizer(ctx)
	require.NoError(t, err)

	_, ok := interface{}(authz).(onboard.Authorizer)
	require.True(t, ok)

	claims := &onboard.SessionClaims{Role: onboard.RoleStaff, Department: "HR"}
	reqCtx := onboard.WithClaimsContext(ctx, claims)

	require.NoError(t, onboard.CanWith(reqCtx, authz, "HR"))
	require.ErrorIs(t, onboard.CanWith(reqCtx, authz, "admin"), onboard.ErrAuthorizationDenied)
	require.ErrorIs(t, onboard.CanWith(ctx, authz, "admin"), onboard.ErrUnauthenticated)
}

func TestRegoAuthorizer_AdminRequiresRole(t *testing.T) {
	ctx := context.Background()
	authz, err := NewRegoAuthorizer(ctx)
	require.NoError(t, err)

	staffAdminDept := onboard.Claims{Role: onboard.RoleStaff, Department: "admin"}
	require.NoError(t, authz.Authorize(ctx, staffAdminDept, []string{"admin"}))
	require.ErrorIs(t, authz.AuthorizeAdmin(ctx, staffAdminDept), onboard.ErrAuthorizationDenied)

	require.NoError(t, authz.AuthorizeAdmin(ctx, onboard.Claims{Role: onboard.RoleAdmin, Department: "Director"}))

	reqCtx := onboard.WithClaimsContext(ctx, &onboard.SessionClaims{Role: onboard.RoleStaff, Department: "admin"})
	require.ErrorIs(t, onboard.CanAdmin(reqCtx, authz), onboard.ErrAuthorizationDenied)
}

func TestRegoAuthorizer_AdminRuleNarrowsAdmins(t *testing.T) {
	ctx := context.Background()

	module := `package acme.access

default allow := false

allow if {
	count(input.allowed) == 0
}

default admin := false

admin if {
	input.claims.role == "admin"
	input.claims.department == "Director"
}

admin if {
	input.claims.department == "admin"
}
`
	authz, err := NewRegoAuthorizer(ctx, WithModule("acme.access", module))
	require.NoError(t, err)

	require.NoError(t, authz.AuthorizeAdmin(ctx, onboard.Claims{Role: onboard.RoleAdmin, Department: "Director"}))
	require.ErrorIs(t, authz.AuthorizeAdmin(ctx, onboard.Claims{Role: onboard.RoleAdmin, Department: "Sales"}), onboard.ErrAuthorizationDenied)
	require.ErrorIs(t, authz.AuthorizeAdmin(ctx, onboard.Claims{Role: onboard.RoleStaff, Department: "admin"}), onboard.ErrAuthorizationDenied,
		"a policy cannot widen admin access past the role")
}
