package status

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/somakeit/checkpoint/admitter"
	"github.com/somakeit/checkpoint/admitter/lamp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/gpio"
)

var testTiming = timing{
	Heartbeat: 1 * time.Millisecond,
	Rest:      2 * time.Millisecond,
	Flash:     3 * time.Millisecond,
	Gap:       4 * time.Millisecond,
	Pause:     5 * time.Millisecond,
	Flicker:   6 * time.Millisecond,
	Show:      time.Hour,
}

func readerContext(ctx context.Context, reader string) context.Context {
	return context.WithValue(ctx, admitter.Reader, reader)
}

func TestPattern(t *testing.T) {
	for name, test := range map[string]struct {
		calls func(l *LED)
		want  []step
	}{
		"heartbeat when idle": {
			calls: func(l *LED) {},
			want:  []step{{true, 1 * time.Millisecond}, {false, 2 * time.Millisecond}},
		},
		"one flash for the first reader": {
			calls: func(l *LED) {
				l.Interrogating(readerContext(context.Background(), "door1"), "Checking tag...")
			},
			want: []step{{true, 3 * time.Millisecond}, {false, 5 * time.Millisecond}},
		},
		"three flashes for the third reader": {
			calls: func(l *LED) {
				l.Interrogating(readerContext(context.Background(), "door3"), "Checking tag...")
			},
			want: []step{
				{true, 3 * time.Millisecond}, {false, 4 * time.Millisecond},
				{true, 3 * time.Millisecond}, {false, 4 * time.Millisecond},
				{true, 3 * time.Millisecond}, {false, 5 * time.Millisecond},
			},
		},
		"unknown reader flashes once": {
			calls: func(l *LED) {
				l.Interrogating(readerContext(context.Background(), "gate9"), "Checking tag...")
			},
			want: []step{{true, 3 * time.Millisecond}, {false, 5 * time.Millisecond}},
		},
		"flicker when the registry fails": {
			calls: func(l *LED) {
				_ = l.Deny(context.Background(), "error finding user", errors.New("connection refused"))
			},
			want: []step{{true, 6 * time.Millisecond}, {false, 6 * time.Millisecond}},
		},
		"outcome replaces checking": {
			calls: func(l *LED) {
				l.Interrogating(readerContext(context.Background(), "door3"), "Checking tag...")
				_ = l.Deny(context.Background(), "error finding user", errors.New("timeout"))
			},
			want: []step{{true, 6 * time.Millisecond}, {false, 6 * time.Millisecond}},
		},
	} {
		t.Run(name, func(t *testing.T) {
			l := start(&recordingPin{}, lamp.ActiveHigh, []string{"door1", "door2", "door3"}, testTiming)
			defer l.Close()

			test.calls(l)
			assert.Equal(t, test.want, l.pattern(time.Now()))
		})
	}
}

func TestPatternOutcome(t *testing.T) {
	for name, test := range map[string]struct {
		call   func(l *LED) error
		wantLt bool
	}{
		"granted is lit": {
			call:   func(l *LED) error { return l.Allow(context.Background(), "welcome") },
			wantLt: true,
		},
		"denied is dark": {
			call: func(l *LED) error {
				return l.Deny(context.Background(), "user not found", fmt.Errorf("%w: no user", admitter.AccessDenied))
			},
		},
	} {
		t.Run(name, func(t *testing.T) {
			l := start(&recordingPin{}, lamp.ActiveHigh, nil, testTiming)
			defer l.Close()

			require.NoError(t, test.call(l))
			now := time.Now()
			got := l.pattern(now)
			require.Len(t, got, 1)
			assert.Equal(t, test.wantLt, got[0].lit)
			assert.InDelta(t, time.Hour, got[0].d, float64(time.Second))

			// shown until Show has passed, then back to the heartbeat
			assert.Equal(t, []step{{true, 1 * time.Millisecond}, {false, 2 * time.Millisecond}},
				l.pattern(now.Add(2*time.Hour)))
		})
	}
}

func TestCheckingEndsWithDecision(t *testing.T) {
	l := start(&recordingPin{}, lamp.ActiveHigh, []string{"door1", "door2"}, testTiming)
	defer l.Close()

	ctx, cancel := context.WithCancel(readerContext(context.Background(), "door2"))
	l.Interrogating(ctx, "Checking tag...")
	require.Len(t, l.pattern(time.Now()), 4)

	cancel()
	assert.Eventually(t, func() bool {
		return len(l.pattern(time.Now())) == 2 && l.pattern(time.Now())[0].d == testTiming.Heartbeat
	}, time.Second, time.Millisecond)
}

func TestLogic(t *testing.T) {
	for name, test := range map[string]struct {
		logic   lamp.LogicLevel
		wantLit gpio.Level
		wantOff gpio.Level
	}{
		"active high": {
			logic:   lamp.ActiveHigh,
			wantLit: gpio.High,
			wantOff: gpio.Low,
		},
		"active low": {
			logic:   lamp.ActiveLow,
			wantLit: gpio.Low,
			wantOff: gpio.High,
		},
	} {
		t.Run(name, func(t *testing.T) {
			pin := &recordingPin{}
			l := start(pin, test.logic, []string{"door1"}, testTiming)

			require.NoError(t, l.Allow(context.Background(), "welcome"))
			assert.Eventually(t, func() bool {
				levels := pin.levels()
				return len(levels) > 0 && levels[len(levels)-1] == test.wantLit
			}, time.Second, time.Millisecond)

			require.NoError(t, l.Close())
			levels := pin.levels()
			assert.Equal(t, test.wantOff, levels[len(levels)-1], "LED must be off after close")
		})
	}
}

func TestCloseTwice(t *testing.T) {
	l := New(&recordingPin{}, lamp.ActiveHigh, nil)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())
	// outcomes after close must not block
	require.NoError(t, l.Allow(context.Background(), "late"))
}

func TestIsAdmitter(t *testing.T) {
	var _ admitter.Admitter = &LED{}
}

type recordingPin struct {
	mux  sync.Mutex
	outs []gpio.Level
}

func (p *recordingPin) Out(level gpio.Level) error {
	p.mux.Lock()
	defer p.mux.Unlock()
	p.outs = append(p.outs, level)
	return nil
}

func (p *recordingPin) levels() []gpio.Level {
	p.mux.Lock()
	defer p.mux.Unlock()
	return append([]gpio.Level(nil), p.outs...)
}
