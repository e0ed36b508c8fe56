package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/somakeit/checkpoint/credential"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
)

func newTestMultiplexer(t *testing.T, opener Opener) (*Multiplexer, *gpiotest.Pin, *gpiotest.Pin) {
	a := &gpiotest.Pin{N: "GPIO25", Num: 25, L: gpio.High}
	b := &gpiotest.Pin{N: "GPIO23", Num: 23, L: gpio.High}
	m := New(opener)
	m.Settle = time.Millisecond
	require.NoError(t, m.Register("A", a))
	require.NoError(t, m.Register("B", b))
	return m, a, b
}

func TestRegister(t *testing.T) {
	m, a, b := newTestMultiplexer(t, nil)
	assert.Equal(t, gpio.Low, a.Read(), "registered lines start inactive")
	assert.Equal(t, gpio.Low, b.Read(), "registered lines start inactive")
	assert.Equal(t, []string{"A", "B"}, m.Readers())

	c := &gpiotest.Pin{N: "GPIO5", Num: 5}
	err := m.Register("A", c)
	require.ErrorIs(t, err, ErrDuplicateReader)
	require.Equal(t, []string{"A", "B"}, m.Readers())

	bad := &testLine{}
	bad.Test(t)
	defer bad.AssertExpectations(t)
	bad.On("Out", gpio.Low).Return(errors.New("no gpio")).Once()
	require.Error(t, m.Register("C", bad))
	require.Equal(t, []string{"A", "B"}, m.Readers())
}

func TestActivate(t *testing.T) {
	m, a, b := newTestMultiplexer(t, nil)

	require.NoError(t, m.Activate("A"))
	assert.Equal(t, gpio.High, a.Read())
	assert.Equal(t, gpio.Low, b.Read())

	require.NoError(t, m.Activate("B"))
	assert.Equal(t, gpio.Low, a.Read())
	assert.Equal(t, gpio.High, b.Read())

	require.ErrorIs(t, m.Activate("C"), ErrUnknownReader)
	assert.Equal(t, gpio.High, b.Read(), "unknown reader must not change the selection")

	require.NoError(t, m.Release())
	assert.Equal(t, gpio.Low, a.Read())
	assert.Equal(t, gpio.Low, b.Read())
}

func TestActivateExactlyOne(t *testing.T) {
	m := New(nil)
	m.Settle = 0
	var pins []*gpiotest.Pin
	for i, id := range []string{"r1", "r2", "r3", "r4", "r5"} {
		p := &gpiotest.Pin{Num: i}
		pins = append(pins, p)
		require.NoError(t, m.Register(id, p))
	}

	for i, id := range m.Readers() {
		require.NoError(t, m.Activate(id))
		for j, p := range pins {
			assert.Equal(t, gpio.Level(i == j), p.Read(), "reader %s active, pin %d", id, j)
		}
	}
}

func TestActivateNeverOverlaps(t *testing.T) {
	rec := &levelRecorder{}
	m := New(nil)
	m.Settle = 0
	require.NoError(t, m.Register("A", rec.line("A")))
	require.NoError(t, m.Register("B", rec.line("B")))
	require.NoError(t, m.Register("C", rec.line("C")))

	for _, id := range []string{"A", "B", "C", "A", "C"} {
		require.NoError(t, m.Activate(id))
	}
	require.LessOrEqual(t, rec.maxActive, 1, "more than one reader was selected at once")
}

func TestActivateActiveLow(t *testing.T) {
	a := &gpiotest.Pin{}
	b := &gpiotest.Pin{}
	m := New(nil)
	m.Settle = 0
	m.ActiveLevel = gpio.Low
	require.NoError(t, m.Register("A", a))
	require.NoError(t, m.Register("B", b))
	assert.Equal(t, gpio.High, a.Read())

	require.NoError(t, m.Activate("B"))
	assert.Equal(t, gpio.High, a.Read())
	assert.Equal(t, gpio.Low, b.Read())
}

func TestPoll(t *testing.T) {
	for name, test := range map[string]struct {
		reader  string
		openErr error
		uid     []byte
		readErr error

		want     credential.Credential
		wantOK   bool
		wantErr  error
		wantOpen bool
	}{
		"tag present": {
			reader:   "A",
			uid:      []byte{0x00, 0x01, 0xf6, 0x80},
			want:     "32931959",
			wantOK:   true,
			wantOpen: true,
		},
		"no tag": {
			reader:   "B",
			readErr:  errors.New("timeout"),
			wantOpen: true,
		},
		"empty uid": {
			reader:   "B",
			uid:      []byte{},
			wantOpen: true,
		},
		"unknown reader": {
			reader:  "C",
			wantErr: ErrUnknownReader,
		},
		"session fails": {
			reader:  "A",
			openErr: errors.New("spi busy"),
			wantErr: errors.New("spi busy"),
		},
	} {
		t.Run(name, func(t *testing.T) {
			session := &testSession{}
			session.Test(t)
			defer session.AssertExpectations(t)
			opener := &testOpener{}
			opener.Test(t)
			defer opener.AssertExpectations(t)

			m, a, b := newTestMultiplexer(t, opener)
			m.PresenceTimeout = 7 * time.Millisecond
			lines := map[string]*gpiotest.Pin{"A": a, "B": b}

			if test.wantOpen || test.openErr != nil {
				opener.On("Open", mock.MatchedBy(func(line gpio.PinOut) bool {
					// The reader must be selected, and only it, when its
					// session starts.
					for id, p := range lines {
						if (id == test.reader) != (p.Read() == gpio.High) {
							return false
						}
					}
					return line == lines[test.reader]
				})).Return(session, test.openErr).Once()
			}
			if test.wantOpen {
				session.On("ReadUID", 7*time.Millisecond).Return(test.uid, test.readErr).Once()
				session.On("Close").Return(nil).Once()
			}

			got, ok, err := m.Poll(context.Background(), test.reader)
			if test.wantErr != nil {
				require.Error(t, err)
				if errors.Is(test.wantErr, ErrUnknownReader) {
					require.ErrorIs(t, err, ErrUnknownReader)
				} else {
					require.Contains(t, err.Error(), test.wantErr.Error())
				}
			} else {
				require.NoError(t, err)
			}
			require.Equal(t, test.wantOK, ok)
			require.Equal(t, test.want, got)

			assert.Equal(t, gpio.Low, a.Read(), "bus left selected after poll")
			assert.Equal(t, gpio.Low, b.Read(), "bus left selected after poll")
		})
	}
}

func TestPollSessionPerPoll(t *testing.T) {
	opener := &testOpener{}
	opener.Test(t)
	defer opener.AssertExpectations(t)
	m, _, _ := newTestMultiplexer(t, opener)

	for i := 0; i < 3; i++ {
		session := &testSession{}
		session.Test(t)
		session.On("ReadUID", mock.Anything).Return(nil, errors.New("no tag")).Once()
		session.On("Close").Return(errors.New("already closed")).Once()
		opener.On("Open", mock.Anything).Return(session, nil).Once()

		_, ok, err := m.Poll(context.Background(), "A")
		require.NoError(t, err, "close errors are only logged")
		require.False(t, ok)
		session.AssertExpectations(t)
	}
}

type testOpener struct {
	mock.Mock
}

func (o *testOpener) Open(line gpio.PinOut) (Session, error) {
	args := o.Called(line)
	s, _ := args.Get(0).(Session)
	if args.Error(1) != nil {
		return nil, args.Error(1)
	}
	return s, nil
}

type testSession struct {
	mock.Mock
}

func (s *testSession) ReadUID(timeout time.Duration) ([]byte, error) {
	args := s.Called(timeout)
	b, _ := args.Get(0).([]byte)
	return b, args.Error(1)
}

func (s *testSession) Close() error {
	return s.Called().Error(0)
}

type testLine struct {
	gpiotest.Pin
	mock.Mock
}

func (l *testLine) String() string {
	return l.Pin.String()
}

func (l *testLine) Out(level gpio.Level) error {
	return l.Called(level).Error(0)
}

// levelRecorder tracks how many of its lines are high at once.
type levelRecorder struct {
	high      map[string]bool
	maxActive int
}

func (r *levelRecorder) line(id string) gpio.PinOut {
	return &recordingLine{id: id, r: r}
}

type recordingLine struct {
	gpiotest.Pin
	id string
	r  *levelRecorder
}

func (l *recordingLine) Out(level gpio.Level) error {
	if l.r.high == nil {
		l.r.high = map[string]bool{}
	}
	l.r.high[l.id] = bool(level)
	active := 0
	for _, h := range l.r.high {
		if h {
			active++
		}
	}
	if active > l.r.maxActive {
		l.r.maxActive = active
	}
	return nil
}
