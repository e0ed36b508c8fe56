package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/somakeit/checkpoint/credential"
)

const (
	findUserRoleSQL  = "SELECT role FROM users WHERE fingerprint = ?"
	isRoleAllowedSQL = "SELECT 1 FROM access_permissions WHERE access_point_id = ? AND allowed_role = ?"
	appendAttemptSQL = "INSERT INTO access_logs (fingerprint, access_point_id, result, message) VALUES (?, ?, ?, ?)"
)

// FindUserRole returns the role of the user with fingerprint fp, found is
// false if there is no such user.
func (s *Store) FindUserRole(ctx context.Context, fp credential.Fingerprint) (role string, found bool, err error) {
	err = s.withConn(ctx, func(ctx context.Context, conn *sql.Conn) error {
		err := conn.QueryRowContext(ctx, s.query(findUserRoleSQL), string(fp)).Scan(&role)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to find user: %w", err)
		}
		found = true
		return nil
	})
	if err != nil {
		return "", false, err
	}
	return role, found, nil
}

// IsRoleAllowed reports whether role has been granted at accessPoint.
func (s *Store) IsRoleAllowed(ctx context.Context, accessPoint, role string) (bool, error) {
	var allowed bool
	err := s.withConn(ctx, func(ctx context.Context, conn *sql.Conn) error {
		var one int
		err := conn.QueryRowContext(ctx, s.query(isRoleAllowedSQL), accessPoint, role).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to check permission: %w", err)
		}
		allowed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return allowed, nil
}

// AppendAttempt adds a to the access log. The store assigns the time, any
// ID or Time on a is ignored.
func (s *Store) AppendAttempt(ctx context.Context, a Attempt) error {
	if a.Result != Success && a.Result != Failure {
		return fmt.Errorf("invalid attempt result %q", a.Result)
	}
	return s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.query(appendAttemptSQL),
			string(a.Fingerprint), a.AccessPoint, string(a.Result), a.Message,
		); err != nil {
			return fmt.Errorf("failed to append attempt: %w", err)
		}
		return nil
	})
}
