// Package audit records every decided access attempt in the access log. It
// is an Admitter so that it can be placed in the same Mux as lamps and
// loggers.
package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/somakeit/checkpoint/admitter"
	"github.com/somakeit/checkpoint/credential"
	"github.com/somakeit/checkpoint/registry"
)

const (
	defaultRetries = 3
	defaultBackoff = 100 * time.Millisecond
)

// ErrClosed is returned by Record after Close.
var ErrClosed = errors.New("audit log closed")

// Logger can be used to interface any logger to this package, by default
// all logs are discarded.
var Logger ContextLogger = logDiscarder{}

// ContextLogger is the logger needed by audit
type ContextLogger interface {
	Error(ctx context.Context, args ...interface{})
}

type logDiscarder struct{}

func (logDiscarder) Error(context.Context, ...interface{}) {}

// Appender persists attempts, it is satisfied by *registry.Store.
type Appender interface {
	AppendAttempt(ctx context.Context, a registry.Attempt) error
}

// Log writes attempts to an Appender. A Log made by New writes in the
// caller's goroutine, one made by NewAsync queues attempts and writes them in
// order from a single worker.
type Log struct {
	// Retries is the number of times a failed write is retried.
	Retries uint64
	// Backoff is the first wait between retries, it grows exponentially.
	Backoff time.Duration

	store Appender

	mux    sync.RWMutex
	closed bool
	jobs   chan job
	done   chan struct{}
}

type job struct {
	ctx context.Context
	a   registry.Attempt
}

// New returns a synchronous Log.
func New(store Appender) *Log {
	return &Log{
		Retries: defaultRetries,
		Backoff: defaultBackoff,
		store:   store,
	}
}

// NewAsync returns a Log with a queue of length queue and a running worker.
// Close must be called to drain the queue.
func NewAsync(store Appender, queue int) *Log {
	l := New(store)
	l.jobs = make(chan job, queue)
	l.done = make(chan struct{})
	go l.loop()
	return l
}

// Record writes a to the store. For an asynchronous Log it returns as soon
// as a is queued, blocking only while the queue is full.
func (l *Log) Record(ctx context.Context, a registry.Attempt) error {
	l.mux.RLock()
	defer l.mux.RUnlock()
	if l.closed {
		return ErrClosed
	}

	if l.jobs == nil {
		return l.write(ctx, a)
	}

	// the worker must not stop when the decision's context does
	j := job{ctx: context.WithoutCancel(ctx), a: a}
	select {
	case l.jobs <- j:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to queue attempt: %w", ctx.Err())
	}
}

// Close stops accepting attempts and waits for any queued attempts to be
// written.
func (l *Log) Close() error {
	l.mux.Lock()
	if l.closed {
		l.mux.Unlock()
		return nil
	}
	l.closed = true
	l.mux.Unlock()

	if l.jobs != nil {
		close(l.jobs)
		<-l.done
	}
	return nil
}

func (l *Log) loop() {
	defer close(l.done)
	for j := range l.jobs {
		if err := l.write(j.ctx, j.a); err != nil {
			Logger.Error(j.ctx, "Lost access attempt: ", err)
		}
	}
}

// write appends a, retrying with exponential backoff.
func (l *Log) write(ctx context.Context, a registry.Attempt) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.Backoff
	b.MaxElapsedTime = 0

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := l.store.AppendAttempt(ctx, a)
		if err != nil && uint64(attempt) <= l.Retries {
			Logger.Error(ctx, "Failed to record access attempt, retrying: ", err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, l.Retries), ctx))
	if err != nil {
		return fmt.Errorf("failed to record access attempt: %w", err)
	}
	return nil
}

func (l *Log) Interrogating(ctx context.Context, msg string) {}

func (l *Log) Deny(ctx context.Context, msg string, reason error) error {
	return l.Record(ctx, attempt(ctx, registry.Failure, msg))
}

func (l *Log) Allow(ctx context.Context, msg string) error {
	return l.Record(ctx, attempt(ctx, registry.Success, msg))
}

func attempt(ctx context.Context, result registry.Result, msg string) registry.Attempt {
	return registry.Attempt{
		Fingerprint: credential.Fingerprint(admitter.Fingerprint(ctx)),
		AccessPoint: admitter.ReaderID(ctx),
		Result:      result,
		Message:     msg,
	}
}
