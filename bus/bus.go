// Package bus multiplexes several RFID readers sharing one SPI bus. Each
// reader has a select line, at most one select line is active at a time and
// the bus is released again after every poll.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/somakeit/checkpoint/credential"
	"periph.io/x/conn/v3/gpio"
)

const (
	defaultSettle          = 100 * time.Millisecond
	defaultPresenceTimeout = 50 * time.Millisecond
)

var (
	// ErrUnknownReader is returned when a reader ID was never registered.
	ErrUnknownReader = errors.New("unknown reader")
	// ErrDuplicateReader is returned when a reader ID is registered twice.
	ErrDuplicateReader = errors.New("reader already registered")
)

// Logger can be used to interface any logger to this package, by default
// it discards all logs.
var Logger ContextLogger = logDiscarder{}

// ContextLogger is the logger needed by bus
type ContextLogger interface {
	Debug(ctx context.Context, args ...interface{})
	Error(ctx context.Context, args ...interface{})
}

type logDiscarder struct{}

func (logDiscarder) Debug(context.Context, ...interface{}) {}
func (logDiscarder) Error(context.Context, ...interface{}) {}

// Session is a freshly initialised sensor on the active bus.
type Session interface {
	// ReadUID must return within roughly timeout, an error means no tag.
	ReadUID(timeout time.Duration) (uid []byte, err error)
	Close() error
}

// Opener starts a new Session with the currently selected reader. The
// reader's select line is passed because readers like the MFRC522 are
// selected through their reset line.
type Opener interface {
	Open(line gpio.PinOut) (Session, error)
}

// Multiplexer owns the select lines of all readers on one bus.
type Multiplexer struct {
	// Settle is the time the bus is given after switching readers before it
	// is used. The readers need about 100 milliseconds.
	Settle time.Duration
	// PresenceTimeout bounds each presence check, the default is 50
	// milliseconds.
	PresenceTimeout time.Duration
	// ActiveLevel is the select line level which enables a reader, the
	// default is gpio.High.
	ActiveLevel gpio.Level

	opener Opener

	mux   sync.Mutex
	order []string
	lines map[string]gpio.PinOut
}

// New returns a Multiplexer with no readers.
func New(opener Opener) *Multiplexer {
	return &Multiplexer{
		Settle:          defaultSettle,
		PresenceTimeout: defaultPresenceTimeout,
		ActiveLevel:     gpio.High,
		opener:          opener,
		lines:           map[string]gpio.PinOut{},
	}
}

// Register binds a reader ID to its select line and drives the line
// inactive. Registering an ID twice is rejected with ErrDuplicateReader, the
// first binding stays in place.
func (m *Multiplexer) Register(id string, line gpio.PinOut) error {
	m.mux.Lock()
	defer m.mux.Unlock()

	if _, ok := m.lines[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateReader, id)
	}
	if err := line.Out(m.inactive()); err != nil {
		return fmt.Errorf("failed to deselect reader %s: %w", id, err)
	}
	m.lines[id] = line
	m.order = append(m.order, id)
	return nil
}

// Readers returns the registered reader IDs in registration order.
func (m *Multiplexer) Readers() []string {
	m.mux.Lock()
	defer m.mux.Unlock()
	return append([]string(nil), m.order...)
}

// Activate selects reader id, deselecting all others first, and waits for
// the bus to settle.
func (m *Multiplexer) Activate(id string) error {
	m.mux.Lock()
	defer m.mux.Unlock()

	if err := m.activate(id); err != nil {
		return err
	}
	time.Sleep(m.Settle)
	return nil
}

// Poll checks reader id for a tag without waiting for one. The reader is
// selected, a new sensor session is started, presence is checked once and the
// bus is released before Poll returns. No tag is not an error, ok is false.
func (m *Multiplexer) Poll(ctx context.Context, id string) (cred credential.Credential, ok bool, err error) {
	m.mux.Lock()
	defer m.mux.Unlock()

	line, known := m.lines[id]
	if !known {
		return "", false, fmt.Errorf("%w: %s", ErrUnknownReader, id)
	}

	defer func() {
		if errR := m.release(); errR != nil {
			Logger.Error(ctx, "Failed to release bus: ", errR)
			if err == nil {
				err = errR
			}
		}
	}()

	if err := m.activate(id); err != nil {
		return "", false, err
	}
	time.Sleep(m.Settle)

	session, err := m.opener.Open(line)
	if err != nil {
		return "", false, fmt.Errorf("failed to start session on reader %s: %w", id, err)
	}
	defer func() {
		if errC := session.Close(); errC != nil {
			Logger.Error(ctx, "Failed to close reader session: ", errC)
		}
	}()

	uid, err := session.ReadUID(m.PresenceTimeout)
	if err != nil || len(uid) == 0 {
		// There was no tag, or we couldn't read the tag
		Logger.Debug(ctx, "No tag: ", err)
		return "", false, nil
	}
	return credential.FromUID(uid), true, nil
}

// Release deselects every reader.
func (m *Multiplexer) Release() error {
	m.mux.Lock()
	defer m.mux.Unlock()
	return m.release()
}

// activate must be called with mux held. Every other line is driven
// inactive before the target becomes active so two readers are never
// selected together.
func (m *Multiplexer) activate(id string) error {
	target, ok := m.lines[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownReader, id)
	}
	for _, other := range m.order {
		if other == id {
			continue
		}
		if err := m.lines[other].Out(m.inactive()); err != nil {
			// Never select a reader while another may still be selected
			errR := m.release()
			return fmt.Errorf("failed to deselect reader %s: %w (release: %v)", other, err, errR)
		}
	}
	if err := target.Out(m.ActiveLevel); err != nil {
		errR := m.release()
		return fmt.Errorf("failed to select reader %s: %w (release: %v)", id, err, errR)
	}
	return nil
}

// release must be called with mux held, it tries every line even if some
// fail.
func (m *Multiplexer) release() error {
	var errs []error
	for _, id := range m.order {
		if err := m.lines[id].Out(m.inactive()); err != nil {
			errs = append(errs, fmt.Errorf("reader %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Multiplexer) inactive() gpio.Level {
	return !m.ActiveLevel
}
