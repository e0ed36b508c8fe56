package static

import (
	"context"
	"testing"
	"time"

	"github.com/somakeit/checkpoint/credential"
	"github.com/somakeit/checkpoint/registry"
	"github.com/stretchr/testify/require"
)

func TestStatic(t *testing.T) {
	s := New()
	s.AddUser("42", "Engineer")
	s.AddUser("42", "Guest")
	s.Grant("door1", "Engineer")
	ctx := context.Background()

	role, ok, err := s.FindUserRole(ctx, credential.Of("42"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Engineer", role, "existing user wins")

	_, ok, err = s.FindUserRole(ctx, credential.Of("43"))
	require.NoError(t, err)
	require.False(t, ok)

	allowed, err := s.IsRoleAllowed(ctx, "door1", "Engineer")
	require.NoError(t, err)
	require.True(t, allowed)
	allowed, err = s.IsRoleAllowed(ctx, "door2", "Engineer")
	require.NoError(t, err)
	require.False(t, allowed)

	require.NoError(t, s.AppendAttempt(ctx, registry.Attempt{AccessPoint: "door1", Result: registry.Success}))
	got := s.Attempts()
	require.Len(t, got, 1)
	require.Equal(t, int64(1), got[0].ID)
	require.False(t, got[0].Time.IsZero())
}

func TestStaticDelay(t *testing.T) {
	s := New()
	s.Delay = time.Hour
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, _, err := s.FindUserRole(ctx, credential.Of("42"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	_, err = s.IsRoleAllowed(ctx, "door1", "Engineer")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
