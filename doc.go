// Package onboard provides staged employee registration with one time codes,
// department based role assignment, administrator approval and role based
// access decisions.
//
// Registration:
//   - OTPChallenge.RequestOTP validates the submitted profile, rejects emails
//     already known to the IdentityProvider and stores a PendingRegistration
//     keyed by the lower cased email. At most one code is live per email and
//     records expire after a configurable TTL.
//   - Registrar consumes the code exactly once, creates the identity, issues
//     claims through ClaimsIssuer and registers a PENDING profile through
//     ApprovalGate. Steps after identity creation are best effort and are not
//     rolled back.
//
// Roles:
//   - DeriveClaims is the only rule that assigns a role: the "Director"
//     department maps to RoleAdmin, everything else to RoleStaff.
//   - Authorize grants access when the allowed set is empty or contains
//     either the role or the department of the caller.
//
// Sign in:
//   - Evaluator.Login checks credentials, email verification and approval
//     status in that order and invalidates the provider session whenever a
//     gate fails after the credential check.
//   - SessionSynchronizer mirrors provider session changes into an AuthState
//     that route guards can read without blocking.
//
// Activity sinks:
//   - ActivitySink receives audit events for code requests, registrations,
//     approvals and sign in attempts. Sinks run best effort.
package onboard
