package models

import "errors"

// Error taxonomy for the orchestration core. Handlers map these to HTTP
// status codes; internal callers branch with errors.Is.
//
// ErrAuthFailure deliberately covers both "wrong credential" and "disabled
// instance" — the distinction is audit-log-only, never client-facing.
var (
	// ErrAuthFailure is returned for a bad or disabled credential.
	ErrAuthFailure = errors.New("authentication failure")

	// ErrForbidden is returned for a role or ownership violation.
	ErrForbidden = errors.New("forbidden")

	// ErrNotFound is returned for an unknown tenant, instance, or thread.
	ErrNotFound = errors.New("not found")

	// ErrValidation is returned for malformed input, such as an escalation
	// with missing required parameters.
	ErrValidation = errors.New("validation error")

	// ErrDependencyUnavailable is returned when the secret store, ticketing
	// executor, or an AI provider is unreachable or timed out.
	ErrDependencyUnavailable = errors.New("dependency unavailable")

	// ErrDecryption is returned when credential recovery fails because the
	// master key no longer matches the stored ciphertext. Always surfaced,
	// never silently recovered.
	ErrDecryption = errors.New("decryption error")

	// ErrConflict is returned when issuing a credential for a tenant and
	// agent type that already has a non-disabled instance.
	ErrConflict = errors.New("conflict")

	// ErrHandoffFailed is returned when the ticketing executor rejected or
	// never acknowledged a work-item creation. The caller must surface this;
	// a reply never claims escalation succeeded without a work-item ref.
	ErrHandoffFailed = errors.New("handoff failed")
)
