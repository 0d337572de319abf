// Package billing gates lifecycle actions on organization entitlements.
// The gateway only consults the policy; enforcement wiring to the real
// billing backend is provided by the embedding platform.
package billing

import "context"

// Actions the gateway checks.
const (
	ActionSessionResume = "session_resume"
)

// Decision is the policy outcome. Message is shown to the user when the
// action is denied.
type Decision struct {
	Allowed bool
	Message string
}

// Gate answers whether an organization may perform an action. An error
// means the policy could not be evaluated; callers treat that as retryable
// rather than as a denial.
type Gate interface {
	Check(ctx context.Context, orgID, action string) (Decision, error)
}

// GateFunc adapts a function to the Gate interface.
type GateFunc func(ctx context.Context, orgID, action string) (Decision, error)

func (f GateFunc) Check(ctx context.Context, orgID, action string) (Decision, error) {
	return f(ctx, orgID, action)
}

// AllowAll approves everything. The default when no billing backend is
// configured.
type AllowAll struct{}

func (AllowAll) Check(context.Context, string, string) (Decision, error) {
	return Decision{Allowed: true}, nil
}
