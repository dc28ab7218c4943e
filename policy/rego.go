// Package policy evaluates authorization decisions with Open Policy Agent.
//
// The default policy grants access when the allowed list is empty or holds
// the role or the department of the caller, the same rule applied by
// onboard.Authorize. Administrative access is a separate rule granted by
// role only. Deployments can load their own Rego module as long as it
// defines both queried rules.
package policy

import (
	"context"
	"fmt"
	"sync"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/goliatone/go-onboard"
)

const (
	DefaultPackage   = "onboard.authz"
	DefaultRule      = "allow"
	DefaultAdminRule = "admin"
)

// DefaultPolicy mirrors onboard.Authorize and onboard.AuthorizeAdmin.
const DefaultPolicy = `package onboard.authz

default allow := false

allow if {
	count(input.allowed) == 0
}

allow if {
	input.claims.role != ""
	input.allowed[_] == input.claims.role
}

allow if {
	input.claims.department != ""
	input.allowed[_] == input.claims.department
}

default admin := false

admin if {
	input.claims.role == "admin"
}
`

// RegoAuthorizer implements onboard.Authorizer on a prepared Rego query.
type RegoAuthorizer struct {
	pkg       string
	rule      string
	adminRule string
	module    string
	logger    onboard.Logger

	mu         sync.RWMutex
	query      rego.PreparedEvalQuery
	adminQuery rego.PreparedEvalQuery
}

var (
	_ onboard.Authorizer      = (*RegoAuthorizer)(nil)
	_ onboard.AdminAuthorizer = (*RegoAuthorizer)(nil)
)

// Option configures RegoAuthorizer.
type Option func(*RegoAuthorizer)

// WithModule replaces DefaultPolicy. pkg is the Rego package it declares.
func WithModule(pkg, module string) Option {
	return func(a *RegoAuthorizer) {
		if pkg != "" && module != "" {
			a.pkg = pkg
			a.module = module
		}
	}
}

// WithRule sets the boolean rule queried inside the package.
func WithRule(rule string) Option {
	return func(a *RegoAuthorizer) {
		if rule != "" {
			a.rule = rule
		}
	}
}

// WithAdminRule sets the rule queried for administrative operations.
func WithAdminRule(rule string) Option {
	return func(a *RegoAuthorizer) {
		if rule != "" {
			a.adminRule = rule
		}
	}
}

func WithLogger(logger onboard.Logger) Option {
	return func(a *RegoAuthorizer) {
		a.logger = logger
	}
}

// NewRegoAuthorizer compiles the policy and prepares the query.
func NewRegoAuthorizer(ctx context.Context, opts ...Option) (*RegoAuthorizer, error) {
	a := &RegoAuthorizer{
		pkg:       DefaultPackage,
		rule:      DefaultRule,
		adminRule: DefaultAdminRule,
		module:    DefaultPolicy,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	if err := a.Load(ctx, a.pkg, a.module); err != nil {
		return nil, err
	}
	return a, nil
}

// Load compiles module and swaps it in. The previous policy stays active
// when compilation fails.
func (a *RegoAuthorizer) Load(ctx context.Context, pkg, module string) error {
	compiler, err := ast.CompileModules(map[string]string{"authz.rego": module})
	if err != nil {
		return fmt.Errorf("compile policy: %w", err)
	}

	query, err := prepare(ctx, compiler, pkg, a.rule)
	if err != nil {
		return err
	}
	adminQuery, err := prepare(ctx, compiler, pkg, a.adminRule)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.pkg = pkg
	a.module = module
	a.query = query
	a.adminQuery = adminQuery
	a.mu.Unlock()
	return nil
}

func prepare(ctx context.Context, compiler *ast.Compiler, pkg, rule string) (rego.PreparedEvalQuery, error) {
	query, err := rego.New(
		rego.Query(fmt.Sprintf("data.%s.%s", pkg, rule)),
		rego.Compiler(compiler),
	).PrepareForEval(ctx)
	if err != nil {
		return rego.PreparedEvalQuery{}, fmt.Errorf("prepare policy query %s: %w", rule, err)
	}
	return query, nil
}

// Authorize implements onboard.Authorizer. Evaluation failures deny access.
func (a *RegoAuthorizer) Authorize(ctx context.Context, claims onboard.Claims, allowed []string) error {
	if allowed == nil {
		allowed = []string{}
	}

	input := map[string]any{
		"claims": map[string]any{
			"role":       string(claims.Role),
			"department": claims.Department,
		},
		"allowed": allowed,
	}

	a.mu.RLock()
	query := a.query
	a.mu.RUnlock()

	return a.eval(ctx, query, input)
}

// AuthorizeAdmin implements onboard.AdminAuthorizer. Claims without
// onboard.RoleAdmin are denied before the policy runs.
func (a *RegoAuthorizer) AuthorizeAdmin(ctx context.Context, claims onboard.Claims) error {
	if err := onboard.AuthorizeAdmin(claims); err != nil {
		return err
	}

	input := map[string]any{
		"claims": map[string]any{
			"role":       string(claims.Role),
			"department": claims.Department,
		},
		"allowed": []string{string(onboard.RoleAdmin)},
	}

	a.mu.RLock()
	query := a.adminQuery
	a.mu.RUnlock()

	return a.eval(ctx, query, input)
}

func (a *RegoAuthorizer) eval(ctx context.Context, query rego.PreparedEvalQuery, input map[string]any) error {
	rs, err := query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		a.warn("policy evaluation failed: %v", err)
		return onboard.Annotate(onboard.ErrAuthorizationDenied, "", map[string]any{"cause": err.Error()})
	}

	if rs.Allowed() {
		return nil
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		a.warn("policy query returned no result")
	}
	return onboard.ErrAuthorizationDenied
}

// Guard maps state onto a route decision using the policy.
func (a *RegoAuthorizer) Guard(ctx context.Context, state onboard.AuthState, allowed []string) onboard.Decision {
	if state.Loading {
		return onboard.DecisionPending
	}
	if !state.Authenticated() {
		return onboard.DecisionUnauthenticated
	}
	if err := a.Authorize(ctx, state.Claims(), allowed); err != nil {
		return onboard.DecisionUnauthorized
	}
	return onboard.DecisionAuthorized
}

func (a *RegoAuthorizer) warn(format string, args ...any) {
	if a.logger != nil {
		a.logger.Warn(format, args...)
	}
}
