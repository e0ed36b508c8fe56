// Package static is an in-memory registry for bench testing readers and
// lamps without a database.
package static

import (
	"context"
	"sync"
	"time"

	"github.com/somakeit/checkpoint/credential"
	"github.com/somakeit/checkpoint/registry"
)

// Static is a very basic registry for testing
type Static struct {
	// Delay is added to every lookup to simulate a slow store.
	Delay time.Duration

	mux      sync.Mutex
	users    map[credential.Fingerprint]string
	grants   map[registry.Grant]bool
	attempts []registry.Attempt
}

// New returns an empty Static.
func New() *Static {
	return &Static{
		users:  map[credential.Fingerprint]string{},
		grants: map[registry.Grant]bool{},
	}
}

// AddUser registers c with role, an existing user wins.
func (s *Static) AddUser(c credential.Credential, role string) {
	s.mux.Lock()
	defer s.mux.Unlock()
	if _, ok := s.users[c.Fingerprint()]; !ok {
		s.users[c.Fingerprint()] = role
	}
}

// Grant allows role through accessPoint.
func (s *Static) Grant(accessPoint, role string) {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.grants[registry.Grant{AccessPoint: accessPoint, Role: role}] = true
}

func (s *Static) FindUserRole(ctx context.Context, fp credential.Fingerprint) (string, bool, error) {
	if err := s.wait(ctx); err != nil {
		return "", false, err
	}
	s.mux.Lock()
	defer s.mux.Unlock()
	role, ok := s.users[fp]
	return role, ok, nil
}

func (s *Static) IsRoleAllowed(ctx context.Context, accessPoint, role string) (bool, error) {
	if err := s.wait(ctx); err != nil {
		return false, err
	}
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.grants[registry.Grant{AccessPoint: accessPoint, Role: role}], nil
}

// AppendAttempt keeps a in memory.
func (s *Static) AppendAttempt(ctx context.Context, a registry.Attempt) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	a.ID = int64(len(s.attempts) + 1)
	a.Time = time.Now()
	s.attempts = append(s.attempts, a)
	return nil
}

// Attempts returns every attempt appended so far, oldest first.
func (s *Static) Attempts() []registry.Attempt {
	s.mux.Lock()
	defer s.mux.Unlock()
	return append([]registry.Attempt(nil), s.attempts...)
}

func (s *Static) wait(ctx context.Context) error {
	if s.Delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(s.Delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
