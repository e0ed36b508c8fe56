// Package access decides whether a credential may pass an access point and
// signals the outcome to an Admitter.
package access

import (
	"context"
	"errors"
	"fmt"

	"github.com/somakeit/checkpoint/admitter"
	"github.com/somakeit/checkpoint/credential"
)

// Verdict is the outcome of a decision.
type Verdict int

const (
	// Deny is the zero Verdict so that anything undecided is denied.
	Deny Verdict = iota
	Grant
)

func (v Verdict) String() string {
	if v == Grant {
		return "grant"
	}
	return "deny"
}

var (
	// ErrUserNotFound is the deny reason when no user has the fingerprint.
	ErrUserNotFound = errors.New("user not found")
	// ErrRoleNotPermitted is the deny reason when the user's role has no
	// grant at the access point.
	ErrRoleNotPermitted = errors.New("role not permitted")
)

// Registry is the read side of the user and permission store.
type Registry interface {
	FindUserRole(ctx context.Context, fp credential.Fingerprint) (role string, found bool, err error)
	IsRoleAllowed(ctx context.Context, accessPoint, role string) (bool, error)
}

// Engine decides access attempts.
type Engine struct {
	registry Registry
	gate     admitter.Admitter
}

// New returns an Engine which looks users up in registry and signals every
// verdict exactly once to gate.
func New(registry Registry, gate admitter.Admitter) *Engine {
	return &Engine{
		registry: registry,
		gate:     gate,
	}
}

// Decide fingerprints c and checks it against accessPoint. Any registry
// error is a Deny. Decide runs to completion even if ctx is cancelled, the
// returned error is only from signalling the verdict and never changes it.
func (e *Engine) Decide(ctx context.Context, c credential.Credential, accessPoint string) (Verdict, error) {
	ctx = context.WithoutCancel(ctx)
	ctx = context.WithValue(ctx, admitter.ID, string(c.Fingerprint()))
	ctx = context.WithValue(ctx, admitter.Reader, accessPoint)

	verdict, msg, reason := e.check(ctx, c.Fingerprint(), accessPoint)

	if verdict == Grant {
		if err := e.gate.Allow(ctx, msg); err != nil {
			return verdict, fmt.Errorf("failed to allow access: %w", err)
		}
		return verdict, nil
	}
	if err := e.gate.Deny(ctx, msg, reason); err != nil {
		return verdict, fmt.Errorf("failed to deny access: %w", err)
	}
	return verdict, nil
}

// check performs the lookups while the gate is told the credential is being
// interrogated.
func (e *Engine) check(ctx context.Context, fp credential.Fingerprint, accessPoint string) (Verdict, string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.gate.Interrogating(ctx, "Checking tag...")

	role, found, err := e.registry.FindUserRole(ctx, fp)
	if err != nil {
		return Deny, "error finding user", err
	}
	if !found {
		return Deny, "user not found", fmt.Errorf("%w: %w", admitter.AccessDenied, ErrUserNotFound)
	}

	allowed, err := e.registry.IsRoleAllowed(ctx, accessPoint, role)
	if err != nil {
		return Deny, "error checking permission", err
	}
	if !allowed {
		return Deny, fmt.Sprintf("role %s not permitted at %s", role, accessPoint),
			fmt.Errorf("%w: %w", admitter.AccessDenied, ErrRoleNotPermitted)
	}

	return Grant, fmt.Sprintf("user with role %s granted access to %s", role, accessPoint), nil
}
