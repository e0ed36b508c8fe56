package contextlogger

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
	"github.com/somakeit/checkpoint/admitter"
)

// ContextLogger is an adapter to logrus for the log calls in this module. It
// also directly impliments the admitter interface.
type ContextLogger struct {
	Logger *logrus.Logger
}

func (c *ContextLogger) Fatal(ctx context.Context, args ...interface{}) {
	c.Logger.WithFields(c.fields(ctx)).Fatal(args...)
}

func (c *ContextLogger) Error(ctx context.Context, args ...interface{}) {
	c.Logger.WithFields(c.fields(ctx)).Error(args...)
}

func (c *ContextLogger) Info(ctx context.Context, args ...interface{}) {
	c.Logger.WithFields(c.fields(ctx)).Info(args...)
}

func (c *ContextLogger) Debug(ctx context.Context, args ...interface{}) {
	c.Logger.WithFields(c.fields(ctx)).Debug(args...)
}

func (c *ContextLogger) Interrogating(ctx context.Context, msg string) {
	c.Logger.WithFields(c.fields(ctx)).Info("Interrogating: ", msg)
}

// Deny logs at error level if the attempt could not be checked, so that a
// downed registry is visible to the operator.
func (c *ContextLogger) Deny(ctx context.Context, msg string, reason error) error {
	entry := c.Logger.WithFields(c.fields(ctx))
	if errors.Is(reason, admitter.AccessDenied) {
		entry.Infof("Denied: %s, reason: %s", msg, reason)
		return nil
	}
	entry.Errorf("Denied: %s, reason: %s", msg, reason)
	return nil
}

func (c *ContextLogger) Allow(ctx context.Context, msg string) error {
	c.Logger.WithFields(c.fields(ctx)).Info("Allowed: ", msg)
	return nil
}

func (c *ContextLogger) fields(ctx context.Context) logrus.Fields {
	fields := logrus.Fields{}
	if reader := admitter.ReaderID(ctx); reader != "" {
		fields[string(admitter.Reader)] = reader
	}
	if fp := admitter.Fingerprint(ctx); fp != "" {
		fields[string(admitter.ID)] = fp
	}
	return fields
}
