package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/somakeit/checkpoint/credential"
)

// ErrInvalid is returned for empty roles, access points or credentials.
var ErrInvalid = errors.New("invalid argument")

const (
	revokeSQL      = "DELETE FROM access_permissions WHERE access_point_id = ? AND allowed_role = ?"
	usersSQL       = "SELECT fingerprint, role FROM users ORDER BY role, fingerprint"
	grantsSQL      = "SELECT access_point_id, allowed_role FROM access_permissions ORDER BY access_point_id, allowed_role"
	attemptsSQL    = "SELECT id, fingerprint, access_point_id, result, message, logged_at FROM access_logs ORDER BY id DESC LIMIT ?"
	defaultListMax = 50
)

// CreateUser registers the holder of c with role. If the credential is
// already registered the existing user wins and created is false.
func (s *Store) CreateUser(ctx context.Context, c credential.Credential, role string) (created bool, err error) {
	role = strings.TrimSpace(role)
	if c == "" || role == "" {
		return false, fmt.Errorf("%w: credential and role are required", ErrInvalid)
	}
	q := s.insertIgnore("users", []string{"fingerprint", "role"}, []string{"fingerprint"})
	return s.execChanged(ctx, q, "failed to create user", string(c.Fingerprint()), role)
}

// GrantRole allows role through accessPoint. Granting an existing pair is a
// no-op and created is false.
func (s *Store) GrantRole(ctx context.Context, accessPoint, role string) (created bool, err error) {
	accessPoint, role = strings.TrimSpace(accessPoint), strings.TrimSpace(role)
	if accessPoint == "" || role == "" {
		return false, fmt.Errorf("%w: access point and role are required", ErrInvalid)
	}
	q := s.insertIgnore("access_permissions", []string{"access_point_id", "allowed_role"},
		[]string{"access_point_id", "allowed_role"})
	return s.execChanged(ctx, q, "failed to grant role", accessPoint, role)
}

// RevokeRole removes the grant of role at accessPoint, removed is false if
// there was no such grant.
func (s *Store) RevokeRole(ctx context.Context, accessPoint, role string) (removed bool, err error) {
	return s.execChanged(ctx, s.query(revokeSQL), "failed to revoke role",
		strings.TrimSpace(accessPoint), strings.TrimSpace(role))
}

func (s *Store) execChanged(ctx context.Context, q, msg string, args ...interface{}) (changed bool, err error) {
	err = s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return fmt.Errorf("%s: %w", msg, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("%s: %w", msg, err)
		}
		changed = n > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	return changed, nil
}

// Users lists every registered user.
func (s *Store) Users(ctx context.Context) ([]User, error) {
	var users []User
	err := s.withConn(ctx, func(ctx context.Context, conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, s.query(usersSQL))
		if err != nil {
			return fmt.Errorf("failed to list users: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var u User
			if err := rows.Scan(&u.Fingerprint, &u.Role); err != nil {
				return fmt.Errorf("error scanning user: %w", err)
			}
			users = append(users, u)
		}
		return rows.Err()
	})
	return users, err
}

// Grants lists every permission grant.
func (s *Store) Grants(ctx context.Context) ([]Grant, error) {
	var grants []Grant
	err := s.withConn(ctx, func(ctx context.Context, conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, s.query(grantsSQL))
		if err != nil {
			return fmt.Errorf("failed to list grants: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var g Grant
			if err := rows.Scan(&g.AccessPoint, &g.Role); err != nil {
				return fmt.Errorf("error scanning grant: %w", err)
			}
			grants = append(grants, g)
		}
		return rows.Err()
	})
	return grants, err
}

// Attempts returns up to limit access log entries, newest first. A limit of
// zero or less returns the latest 50.
func (s *Store) Attempts(ctx context.Context, limit int) ([]Attempt, error) {
	if limit <= 0 {
		limit = defaultListMax
	}
	var attempts []Attempt
	err := s.withConn(ctx, func(ctx context.Context, conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, s.query(attemptsSQL), limit)
		if err != nil {
			return fmt.Errorf("failed to list attempts: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var (
				a      Attempt
				result string
				at     interface{}
			)
			if err := rows.Scan(&a.ID, &a.Fingerprint, &a.AccessPoint, &result, &a.Message, &at); err != nil {
				return fmt.Errorf("error scanning attempt: %w", err)
			}
			a.Result = Result(result)
			if a.Time, err = parseTime(at); err != nil {
				return fmt.Errorf("error scanning attempt %d: %w", a.ID, err)
			}
			attempts = append(attempts, a)
		}
		return rows.Err()
	})
	return attempts, err
}

// parseTime accepts the forms drivers return timestamps in when they are
// not configured to parse them.
func parseTime(v interface{}) (time.Time, error) {
	var s string
	switch t := v.(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return t, nil
	case []byte:
		s = string(t)
	case string:
		s = t
	default:
		return time.Time{}, fmt.Errorf("unexpected timestamp type %T", v)
	}
	for _, layout := range []string{
		"2006-01-02 15:04:05",
		"2006-01-02 15:04:05.999999999",
		time.RFC3339Nano,
		"2006-01-02 15:04:05.999999999-07:00",
	} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}
