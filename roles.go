package onboard

import "strings"

// Role is the coarse permission class stored in claims.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleStaff Role = "staff"
)

// DepartmentDirector is the only department granted RoleAdmin.
const DepartmentDirector = "Director"

// DepartmentFallback is used when claims cannot be refreshed.
const DepartmentFallback = "Employee"

// IsValid checks if the role is one of the predefined valid roles
func (r Role) IsValid() bool {
	switch r {
	case RoleAdmin, RoleStaff:
		return true
	default:
		return false
	}
}

func (r Role) String() string {
	return string(r)
}

// IsAdmin reports whether the role grants administrative access
func (r Role) IsAdmin() bool {
	return r == RoleAdmin
}

// ParseRole normalizes a raw role value, unknown values resolve to RoleStaff.
func ParseRole(raw string) Role {
	r := Role(strings.ToLower(strings.TrimSpace(raw)))
	if r.IsValid() {
		return r
	}
	return RoleStaff
}
