package contextlogger

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/somakeit/checkpoint/admitter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdmitter(t *testing.T) {
	ctx := context.WithValue(context.Background(), admitter.Reader, "door1")
	ctx = context.WithValue(ctx, admitter.ID, "ba7816bf")

	for name, test := range map[string]struct {
		call      func(c *ContextLogger)
		wantLevel logrus.Level
		wantMsg   string
	}{
		"interrogating": {
			call:      func(c *ContextLogger) { c.Interrogating(ctx, "Checking tag...") },
			wantLevel: logrus.InfoLevel,
			wantMsg:   "Interrogating: Checking tag...",
		},
		"allow": {
			call:      func(c *ContextLogger) { _ = c.Allow(ctx, "Welcome") },
			wantLevel: logrus.InfoLevel,
			wantMsg:   "Allowed: Welcome",
		},
		"deny": {
			call: func(c *ContextLogger) {
				_ = c.Deny(ctx, "user not found", fmt.Errorf("%w: nope", admitter.AccessDenied))
			},
			wantLevel: logrus.InfoLevel,
			wantMsg:   "Denied: user not found, reason: access denied: nope",
		},
		"deny on error": {
			call: func(c *ContextLogger) {
				_ = c.Deny(ctx, "error finding user", errors.New("connection refused"))
			},
			wantLevel: logrus.ErrorLevel,
			wantMsg:   "Denied: error finding user, reason: connection refused",
		},
	} {
		t.Run(name, func(t *testing.T) {
			log, hook := logtest.NewNullLogger()
			test.call(&ContextLogger{Logger: log})

			entry := hook.LastEntry()
			require.NotNil(t, entry)
			assert.Equal(t, test.wantLevel, entry.Level)
			assert.Equal(t, test.wantMsg, entry.Message)
			assert.Equal(t, logrus.Fields{"reader": "door1", "fingerprint": "ba7816bf"}, entry.Data)
		})
	}
}

func TestNoFields(t *testing.T) {
	log, hook := logtest.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	c := &ContextLogger{Logger: log}

	c.Debug(context.Background(), "no card")
	c.Error(context.Background(), "bad ", "thing")

	require.Len(t, hook.Entries, 2)
	assert.Empty(t, hook.Entries[0].Data)
	assert.Equal(t, "bad thing", hook.Entries[1].Message)
}
