package onboard

import (
	"context"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel/attribute"
)

// Claims is the authorization metadata attached to an identity.
type Claims struct {
	Role       Role   `json:"role"`
	Department string `json:"department"`
}

// Validate ensures the claims can be written to a provider.
func (c Claims) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Role, validation.Required, validation.In(RoleAdmin, RoleStaff)),
		validation.Field(&c.Department, validation.Required, validation.Length(1, 120)),
	)
}

// IsZero reports whether no claims were set.
func (c Claims) IsZero() bool {
	return c.Role == "" && c.Department == ""
}

// FallbackClaims are applied when claims cannot be refreshed.
func FallbackClaims() Claims {
	return Claims{Role: RoleStaff, Department: DepartmentFallback}
}

// DeriveClaims maps a department to claims. "Director" is the only
// department that yields RoleAdmin, the comparison is exact.
func DeriveClaims(department string) Claims {
	role := RoleStaff
	if department == DepartmentDirector {
		role = RoleAdmin
	}
	return Claims{Role: role, Department: department}
}

// SessionClaims are the JWT claims signed by TokenService.
type SessionClaims struct {
	jwt.RegisteredClaims
	Email      string `json:"email,omitempty"`
	Role       Role   `json:"role,omitempty"`
	Department string `json:"department,omitempty"`
}

// Subject returns the identity id
func (c *SessionClaims) Subject() string {
	return c.RegisteredClaims.Subject
}

// Claims returns the authorization claims carried by the token
func (c *SessionClaims) Claims() Claims {
	return Claims{Role: c.Role, Department: c.Department}
}

// Expires returns the expiration time
func (c *SessionClaims) Expires() time.Time {
	if c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time
}

// ClaimsIssuer writes derived claims to the identity provider.
type ClaimsIssuer struct {
	provider IdentityProvider
	logger   Logger
}

// NewClaimsIssuer creates a ClaimsIssuer backed by provider.
func NewClaimsIssuer(provider IdentityProvider, logger Logger) *ClaimsIssuer {
	return &ClaimsIssuer{
		provider: provider,
		logger:   normalizeLogger(logger),
	}
}

// Issue derives claims for department and attaches them to identityID.
func (ci *ClaimsIssuer) Issue(ctx context.Context, identityID, department string) (Claims, error) {
	ctx, span := tracer.Start(ctx, "onboard.claims.issue")
	defer span.End()

	claims := DeriveClaims(department)
	span.SetAttributes(attribute.String("onboard.role", claims.Role.String()))

	if err := claims.Validate(); err != nil {
		return Claims{}, Annotate(ErrValidation, "invalid claims: "+err.Error(), nil)
	}

	if err := ci.provider.SetClaims(ctx, identityID, claims); err != nil {
		ci.logger.Error("set claims failed for identity %s: %v", identityID, err)
		return Claims{}, providerError("set claims", err)
	}

	ci.logger.Debug("issued role %s to identity %s", claims.Role, identityID)
	return claims, nil
}
