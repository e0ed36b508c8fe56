// lamp is an Admitter for an indicator lamp which is lit for a while after
// either a granted or a denied attempt.
package lamp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"
)

const (
	defaultHoldTime = 2 * time.Second
)

// Pin is a GPIO pin attached to the lamp
type Pin interface {
	Out(gpio.Level) error
}

// LogicLevel is used to indicate the intent of the Pin, true is lit
type LogicLevel map[bool]gpio.Level

var (
	ActiveHigh = LogicLevel{true: gpio.High, false: gpio.Low}
	ActiveLow  = LogicLevel{true: gpio.Low, false: gpio.High}
)

// Outcome selects which attempts light a Lamp.
type Outcome int

const (
	// Granted lamps light on Allow
	Granted Outcome = iota
	// Denied lamps light on Deny
	Denied
)

type Lamp struct {
	// HoldFor is how long the lamp stays lit, default is 2 seconds.
	HoldFor time.Duration
	// Logic is either ActiveHigh or ActiveLow, active being lit. The default
	// is ActiveHigh.
	Logic LogicLevel

	on  Outcome
	mux sync.Mutex
	pin Pin
}

// New returns a Lamp lit by on.
func New(pin Pin, on Outcome) *Lamp {
	return &Lamp{
		HoldFor: defaultHoldTime,
		Logic:   ActiveHigh,
		on:      on,
		pin:     pin,
	}
}

// Interrogating has no effect on a lamp
func (l *Lamp) Interrogating(context.Context, string) {}

// Deny lights a Denied lamp for HoldFor
func (l *Lamp) Deny(ctx context.Context, msg string, reason error) error {
	if l.on != Denied {
		return nil
	}
	return l.light()
}

// Allow lights a Granted lamp for HoldFor
func (l *Lamp) Allow(ctx context.Context, msg string) error {
	if l.on != Granted {
		return nil
	}
	return l.light()
}

// Off turns the lamp off.
func (l *Lamp) Off() error {
	l.mux.Lock()
	defer l.mux.Unlock()
	if err := l.pin.Out(l.Logic[false]); err != nil {
		return fmt.Errorf("failed to turn lamp off: %w", err)
	}
	return nil
}

// light blocks for HoldFor, the lamp is always turned off again before it
// returns.
func (l *Lamp) light() error {
	timer := time.After(l.HoldFor)
	l.mux.Lock()
	defer l.mux.Unlock()

	if err := l.pin.Out(l.Logic[true]); err != nil {
		// Try to turn the lamp off even though I/O apparently failed
		errS := l.pin.Out(l.Logic[false])
		return fmt.Errorf("failed to light lamp: %w (turn off: %v)", err, errS)
	}

	<-timer

	if err := l.pin.Out(l.Logic[false]); err != nil {
		return fmt.Errorf("failed to turn lamp off: %w", err)
	}

	return nil
}
