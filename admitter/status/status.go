// status is an Admitter for a single status LED. While idle it gives a short
// heartbeat. While a tag is checked it flashes once per position of the
// reader in use, so with the LED alone an operator can tell which reader
// fired. The outcome is then shown for a while: lit for granted, dark for
// denied and a flicker when the registry could not be asked.
package status

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/somakeit/checkpoint/admitter"
	"github.com/somakeit/checkpoint/admitter/lamp"
	"periph.io/x/conn/v3/gpio"
)

// Pin is a GPIO pin attached to the LED
type Pin interface {
	Out(gpio.Level) error
}

type outcome int

const (
	none outcome = iota
	granted
	denied
	fault
)

// step is one lit or dark period of a pattern.
type step struct {
	lit bool
	d   time.Duration
}

// timing sets the LED patterns, all durations must be positive.
type timing struct {
	Heartbeat, Rest time.Duration
	Flash, Gap      time.Duration
	Pause           time.Duration
	Flicker         time.Duration
	// Show is how long an outcome is shown after the verdict.
	Show time.Duration
}

// defaultTiming is readable from across a room.
var defaultTiming = timing{
	Heartbeat: 50 * time.Millisecond,
	Rest:      4950 * time.Millisecond,
	Flash:     120 * time.Millisecond,
	Gap:       180 * time.Millisecond,
	Pause:     900 * time.Millisecond,
	Flicker:   40 * time.Millisecond,
	Show:      time.Second,
}

// LED is an Admitter driving a status LED
type LED struct {
	timing   timing
	pin      Pin
	logic    lamp.LogicLevel
	position map[string]int

	mux      sync.Mutex
	checking string
	shown    outcome
	until    time.Time

	changed   chan struct{}
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

// New returns a running LED for the readers in bus order. logic is
// lamp.ActiveHigh or lamp.ActiveLow.
func New(pin Pin, logic lamp.LogicLevel, readers []string) *LED {
	return start(pin, logic, readers, defaultTiming)
}

func start(pin Pin, logic lamp.LogicLevel, readers []string, t timing) *LED {
	l := &LED{
		timing:   t,
		pin:      pin,
		logic:    logic,
		position: map[string]int{},
		changed:  make(chan struct{}, 1),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for i, id := range readers {
		l.position[id] = i + 1
	}
	go l.run()
	return l
}

func (l *LED) Interrogating(ctx context.Context, msg string) {
	reader := admitter.ReaderID(ctx)
	l.mux.Lock()
	l.checking = reader
	l.mux.Unlock()
	l.notify()

	go func() {
		<-ctx.Done()
		l.mux.Lock()
		if l.checking == reader {
			l.checking = ""
		}
		l.mux.Unlock()
		l.notify()
	}()
}

// Deny shows a fault rather than a denial if the reason is not a plain
// refusal, such as a registry that could not be reached.
func (l *LED) Deny(ctx context.Context, msg string, reason error) error {
	if errors.Is(reason, admitter.AccessDenied) {
		l.show(denied)
	} else {
		l.show(fault)
	}
	return nil
}

func (l *LED) Allow(ctx context.Context, msg string) error {
	l.show(granted)
	return nil
}

// Close stops the LED and turns it off.
func (l *LED) Close() error {
	l.closeOnce.Do(func() { close(l.done) })
	<-l.stopped
	return l.pin.Out(l.logic[false])
}

func (l *LED) show(o outcome) {
	l.mux.Lock()
	l.checking = ""
	l.shown = o
	l.until = time.Now().Add(l.timing.Show)
	l.mux.Unlock()
	l.notify()
}

// notify wakes run, it never blocks.
func (l *LED) notify() {
	select {
	case l.changed <- struct{}{}:
	default:
	}
}

func (l *LED) run() {
	defer close(l.stopped)
	for {
		if !l.play(l.pattern(time.Now())) {
			return
		}
	}
}

// play outputs steps in order. It returns early when the state changes and
// false once the LED is closed.
func (l *LED) play(steps []step) bool {
	for _, s := range steps {
		_ = l.pin.Out(l.logic[s.lit])
		timer := time.NewTimer(s.d)
		select {
		case <-timer.C:
		case <-l.changed:
			timer.Stop()
			return true
		case <-l.done:
			timer.Stop()
			return false
		}
	}
	return true
}

// pattern is what the LED should show at now.
func (l *LED) pattern(now time.Time) []step {
	l.mux.Lock()
	defer l.mux.Unlock()
	t := l.timing

	if remaining := l.until.Sub(now); l.shown != none && remaining > 0 {
		switch l.shown {
		case granted:
			return []step{{true, remaining}}
		case denied:
			return []step{{false, remaining}}
		case fault:
			return []step{{true, t.Flicker}, {false, t.Flicker}}
		}
	}

	if l.checking != "" {
		n := l.position[l.checking]
		if n == 0 {
			n = 1
		}
		steps := make([]step, 0, 2*n)
		for i := 0; i < n; i++ {
			steps = append(steps, step{true, t.Flash}, step{false, t.Gap})
		}
		steps[len(steps)-1].d = t.Pause
		return steps
	}

	return []step{{true, t.Heartbeat}, {false, t.Rest}}
}
