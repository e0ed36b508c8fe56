// Package guard runs the poll loop: it sweeps every reader on the bus in
// turn and has each presented credential decided before moving on.
package guard

import (
	"context"
	"time"

	"github.com/somakeit/checkpoint/access"
	"github.com/somakeit/checkpoint/admitter"
	"github.com/somakeit/checkpoint/credential"
)

const defaultSweepInterval = 500 * time.Millisecond

// Logger can be used to interface any logger to this package, by default
// all logs are discarded.
var Logger ContextLogger = logDiscarder{}

// ContextLogger is the logger needed by guard
type ContextLogger interface {
	Debug(ctx context.Context, args ...interface{})
	Error(ctx context.Context, args ...interface{})
}

type logDiscarder struct{}

func (logDiscarder) Debug(context.Context, ...interface{}) {}
func (logDiscarder) Error(context.Context, ...interface{}) {}

// Poller is the reader bus, such as a *bus.Multiplexer.
type Poller interface {
	Readers() []string
	Poll(ctx context.Context, id string) (c credential.Credential, present bool, err error)
}

// Decider decides access for a credential at an access point, such as an
// *access.Engine.
type Decider interface {
	Decide(ctx context.Context, c credential.Credential, accessPoint string) (access.Verdict, error)
}

// Guard polls readers and decides access one credential at a time. It is
// not safe to run more than one Guard on the same bus.
type Guard struct {
	// SweepInterval is the pause after each sweep over all readers, the
	// default is 500 milliseconds.
	SweepInterval time.Duration
	// IgnoreRepeats makes a tag left on a reader be decided only once, until
	// the reader reads nothing or a different tag.
	IgnoreRepeats bool

	poller  Poller
	decider Decider

	lastTag map[string]credential.Credential
}

// New returns a Guard over the readers of poller.
func New(poller Poller, decider Decider) *Guard {
	return &Guard{
		SweepInterval: defaultSweepInterval,
		poller:        poller,
		decider:       decider,
		lastTag:       map[string]credential.Credential{},
	}
}

// Guard begins guarding until ctx is cancelled. Cancellation is only
// observed between polls and decisions, a decision in progress always
// finishes. It returns ctx's error.
func (g *Guard) Guard(ctx context.Context) error {
	for {
		if err := g.sweep(ctx); err != nil {
			return err
		}

		timer := time.NewTimer(g.SweepInterval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// sweep polls each reader once in registration order.
func (g *Guard) sweep(ctx context.Context) error {
	for _, id := range g.poller.Readers() {
		if err := ctx.Err(); err != nil {
			return err
		}
		g.guard(ctx, id)
	}
	return ctx.Err()
}

// guard is one poll of reader id
func (g *Guard) guard(ctx context.Context, id string) {
	ctx = context.WithValue(ctx, admitter.Reader, id)

	c, present, err := g.poller.Poll(ctx, id)
	if err != nil {
		Logger.Error(ctx, "Failed to poll reader: ", err)
		delete(g.lastTag, id)
		return
	}
	if !present {
		delete(g.lastTag, id)
		return
	}

	if g.IgnoreRepeats {
		if last, ok := g.lastTag[id]; ok && last == c {
			Logger.Debug(ctx, "Ignoring repeated tag")
			return
		}
		g.lastTag[id] = c
	}

	verdict, err := g.decider.Decide(ctx, c, id)
	if err != nil {
		Logger.Error(ctx, "Failed to signal ", verdict, ": ", err)
	}
}
