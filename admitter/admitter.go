// Admitters are packages which implement the consequences of granted or
// denied access attempts, such as; lighting a lamp, recording the attempt, or
// logging a message.
package admitter

import (
	"context"
	"errors"
)

type contextKey string

const (
	// ID is the context key used to store the fingerprint of the credential
	// being checked. The raw credential is never put on the context.
	ID contextKey = "fingerprint"
	// Reader is the context key used to store the ID of the reader, which is
	// also the access point ID.
	Reader contextKey = "reader"
)

var (
	// AccessDenied is the reason error used if access was denied
	AccessDenied = errors.New("access denied")
)

// Admitter is the interface for consequences of access attempts, it may be
// one output such as a lamp or a mux of many; such as an audit log and lamps.
type Admitter interface {
	// Interrogating is called once after a credential is read and before it
	// is checked. Implementations should return immediately. The context
	// will contain the ID and Reader values and will be cancelled as soon as
	// the decision is made.
	Interrogating(ctx context.Context, message string)
	// Deny is called exactly once if an attempt was denied or could not be
	// checked. The reason wraps AccessDenied, or is the lookup error.
	Deny(ctx context.Context, message string, reason error) error
	// Allow is called exactly once if an attempt was granted.
	Allow(ctx context.Context, message string) error
}

// Fingerprint returns the fingerprint stored on ctx.
func Fingerprint(ctx context.Context) string {
	s, _ := ctx.Value(ID).(string)
	return s
}

// ReaderID returns the reader stored on ctx.
func ReaderID(ctx context.Context) string {
	s, _ := ctx.Value(Reader).(string)
	return s
}

// Mux is a container for multiple Admitters, each is called sequentially in
// order. Every admitter is called even if an earlier one fails.
type Mux []Admitter

func (m Mux) Interrogating(ctx context.Context, message string) {
	for _, a := range m {
		a.Interrogating(ctx, message)
	}
}

func (m Mux) Deny(ctx context.Context, message string, reason error) error {
	var errs []error
	for _, a := range m {
		if err := a.Deny(ctx, message, reason); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Mux) Allow(ctx context.Context, message string) error {
	var errs []error
	for _, a := range m {
		if err := a.Allow(ctx, message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
