package lxi

import (
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SimplyPrint/lxi-agent/internal/driver"
	"github.com/SimplyPrint/lxi-agent/internal/driver/sim"
)

// recordingSession captures the arguments passed to Connect.
type recordingSession struct {
	driver.SessionDriver
	port      uint32
	timeoutMs uint32
}

func (r *recordingSession) Connect(board uint32, address string, port uint32, timeoutMs uint32) (int32, uint32) {
	r.port = port
	r.timeoutMs = timeoutMs
	return r.SessionDriver.Connect(board, address, port, timeoutMs)
}

func TestConnect_Defaults(t *testing.T) {
	d := sim.New().Drivers()
	rec := &recordingSession{SessionDriver: d.Session}
	d.Session = rec

	sess, err := Connect(d, 0, Endpoint{Address: "10.0.0.5"})
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, rec.port)
	assert.Equal(t, uint32(3000), rec.timeoutMs)
	assert.Equal(t, "10.0.0.5:1024", sess.Endpoint().String())
	assert.True(t, sess.Live())
}

func TestConnect_TimeoutInMilliseconds(t *testing.T) {
	tests := []struct {
		name     string
		timeout  time.Duration
		expected uint32
	}{
		{"whole milliseconds", 1500 * time.Millisecond, 1500},
		{"sub-millisecond rounds up", 500 * time.Microsecond, 1},
		{"fraction rounds up", 1500*time.Millisecond + time.Microsecond, 1501},
		{"saturates", 100 * 24 * time.Hour, math.MaxUint32},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := sim.New().Drivers()
			rec := &recordingSession{SessionDriver: d.Session}
			d.Session = rec

			_, err := Connect(d, 0, Endpoint{Address: "host", Port: 2000, Timeout: tt.timeout})
			require.NoError(t, err)

			assert.Equal(t, uint32(2000), rec.port)
			assert.Equal(t, tt.expected, rec.timeoutMs)
		})
	}
}

func TestConnect_InvalidEndpoint(t *testing.T) {
	tests := []struct {
		name string
		ep   Endpoint
	}{
		{"empty address", Endpoint{}},
		{"blank address", Endpoint{Address: "   "}},
		{"nul in address", Endpoint{Address: "10.0.0.5\x00evil"}},
		{"negative timeout", Endpoint{Address: "host", Timeout: -time.Second}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chassis := sim.New()
			_, err := Connect(chassis.Drivers(), 0, tt.ep)
			assert.ErrorIs(t, err, ErrInvalidEndpoint)
			assert.Zero(t, chassis.Count("Connect"))
		})
	}
}

func TestSession_CloseOnce(t *testing.T) {
	chassis := sim.New()
	sess, err := Connect(chassis.Drivers(), 0, Endpoint{Address: "host"})
	require.NoError(t, err)

	require.NoError(t, sess.Close())
	assert.False(t, sess.Live())

	assert.ErrorIs(t, sess.Close(), ErrSessionClosed)
	assert.Equal(t, 1, chassis.Count("Disconnect"))
}

func TestSession_CloseFailureStillKillsSession(t *testing.T) {
	chassis := sim.New().WithDisconnectError(6)
	sess, err := Connect(chassis.Drivers(), 0, Endpoint{Address: "host"})
	require.NoError(t, err)

	err = sess.Close()
	var se *SessionError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "disconnect", se.Op)

	assert.ErrorIs(t, sess.Close(), ErrSessionClosed)
	assert.Equal(t, 1, chassis.Count("Disconnect"))
}

func TestSession_CloseRefusedWhileCardOpen(t *testing.T) {
	chassis := sim.NewDemo()
	sess, err := Connect(chassis.Drivers(), 0, Endpoint{Address: "host"})
	require.NoError(t, err)

	card, err := sess.OpenCard(CardLocation{Bus: 3, Slot: 5})
	require.NoError(t, err)

	assert.ErrorIs(t, sess.Close(), ErrCardStillOpen)
	assert.Zero(t, chassis.Count("Disconnect"))
	assert.True(t, sess.Live())

	require.NoError(t, card.Close())
	require.NoError(t, sess.Close())
}

func TestCard_OnlyOnePerSession(t *testing.T) {
	chassis := sim.NewDemo()
	sess, err := Connect(chassis.Drivers(), 0, Endpoint{Address: "host"})
	require.NoError(t, err)

	_, err = sess.OpenCard(CardLocation{Bus: 3, Slot: 5})
	require.NoError(t, err)

	_, err = sess.OpenCard(CardLocation{Bus: 3, Slot: 6})
	assert.ErrorIs(t, err, ErrCardAlreadyOpen)
	assert.Equal(t, 1, chassis.Count("OpenSpecifiedCard"))
}

func TestCard_OpenOnClosedSession(t *testing.T) {
	chassis := sim.NewDemo()
	sess, err := Connect(chassis.Drivers(), 0, Endpoint{Address: "host"})
	require.NoError(t, err)
	require.NoError(t, sess.Close())

	_, err = sess.OpenCard(CardLocation{Bus: 3, Slot: 5})
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.Zero(t, chassis.Count("OpenSpecifiedCard"))
}

func TestCard_CloseOnce(t *testing.T) {
	chassis := sim.NewDemo()
	sess, _ := Connect(chassis.Drivers(), 0, Endpoint{Address: "host"})
	card, err := sess.OpenCard(CardLocation{Bus: 3, Slot: 5})
	require.NoError(t, err)

	require.NoError(t, card.Close())
	assert.False(t, card.Live())
	assert.ErrorIs(t, card.Close(), ErrCardClosed)
	assert.Equal(t, 1, chassis.Count("CloseSpecifiedCard"))

	_, err = card.Identify()
	assert.ErrorIs(t, err, ErrCardClosed)
}

func TestCard_CloseFailureReleasesSession(t *testing.T) {
	chassis := sim.NewDemo().WithCloseError(7)
	sess, _ := Connect(chassis.Drivers(), 0, Endpoint{Address: "host"})
	card, err := sess.OpenCard(CardLocation{Bus: 3, Slot: 5})
	require.NoError(t, err)

	assert.True(t, IsCardError(card.Close()))
	assert.NoError(t, sess.Close())
}

func TestCard_IdentifyFailureKeepsCardOpen(t *testing.T) {
	chassis := sim.NewDemo().WithIdentifyError(13)
	sess, _ := Connect(chassis.Drivers(), 0, Endpoint{Address: "host"})
	card, err := sess.OpenCard(CardLocation{Bus: 3, Slot: 5})
	require.NoError(t, err)

	_, err = card.Identify()
	var ce *CardError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "identify", ce.Op)
	assert.Equal(t, uint32(13), ce.Code)

	assert.True(t, card.Live())
	assert.NoError(t, card.Close())
	assert.NoError(t, sess.Close())
}

func TestCard_IdentifyTruncatesLongIdentity(t *testing.T) {
	long := strings.Repeat("A", 400)
	chassis := sim.New().WithCard(1, 1, long)
	sess, _ := Connect(chassis.Drivers(), 0, Endpoint{Address: "host"})
	card, err := sess.OpenCard(CardLocation{Bus: 1, Slot: 1})
	require.NoError(t, err)

	id, err := card.Identify()
	require.NoError(t, err)
	assert.Len(t, id, driver.TextBufferSize-1)
}

func TestCard_Accessors(t *testing.T) {
	sess, _ := Connect(sim.NewDemo().Drivers(), 0, Endpoint{Address: "host"})
	card, err := sess.OpenCard(CardLocation{Bus: 3, Slot: 6})
	require.NoError(t, err)

	assert.Same(t, sess, card.Session())
	assert.Equal(t, CardLocation{Bus: 3, Slot: 6}, card.Location())
	assert.Equal(t, "Bus=3 Slot=6", card.Location().String())
	assert.NotZero(t, card.Number())
}
