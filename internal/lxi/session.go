package lxi

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/SimplyPrint/lxi-agent/internal/driver"
	"github.com/SimplyPrint/lxi-agent/internal/logging"
)

const (
	// DefaultPort is the ClientBridge server port on LXI chassis
	DefaultPort uint32 = 1024
	// DefaultTimeout bounds the connect phase
	DefaultTimeout = 3000 * time.Millisecond
)

// Endpoint is the network location of an LXI chassis.
type Endpoint struct {
	Address string
	Port    uint32
	Timeout time.Duration
}

// String returns the formatted address:port string.
func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Address, e.Port)
}

func (e Endpoint) validate() error {
	if strings.TrimSpace(e.Address) == "" {
		return fmt.Errorf("%w: empty address", ErrInvalidEndpoint)
	}
	if strings.ContainsRune(e.Address, 0) {
		return fmt.Errorf("%w: address contains NUL", ErrInvalidEndpoint)
	}
	if e.Timeout < 0 {
		return fmt.Errorf("%w: negative timeout %s", ErrInvalidEndpoint, e.Timeout)
	}
	return nil
}

func (e Endpoint) withDefaults() Endpoint {
	if e.Port == 0 {
		e.Port = DefaultPort
	}
	if e.Timeout == 0 {
		e.Timeout = DefaultTimeout
	}
	return e
}

// timeoutMillis converts d to whole milliseconds for the driver, rounding up
// so a sub-millisecond timeout never becomes zero, and saturating at the
// largest value the driver accepts.
func timeoutMillis(d time.Duration) uint32 {
	ms := d / time.Millisecond
	if d%time.Millisecond != 0 {
		ms++
	}
	if ms > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(ms)
}

// Session owns one connected ClientBridge session.
// A Session is not safe for concurrent use.
type Session struct {
	drivers    driver.Drivers
	translator *Translator
	endpoint   Endpoint
	board      uint32
	id         int32
	card       *Card // open card derived from this session, if any
	closed     bool
	runID      string
}

// Connect opens a session to the chassis at ep through local adapter board
// (normally 0). A zero port or timeout is replaced by the defaults.
func Connect(d driver.Drivers, board uint32, ep Endpoint) (*Session, error) {
	return connect(d, board, ep, "")
}

// connect tags every log entry of the session and its card with runID when
// it is set.
func connect(d driver.Drivers, board uint32, ep Endpoint, runID string) (*Session, error) {
	if err := ep.validate(); err != nil {
		return nil, err
	}
	ep = ep.withDefaults()

	tr := NewTranslator(d)
	sid, code := d.Session.Connect(board, ep.Address, ep.Port, timeoutMillis(ep.Timeout))
	if code != 0 {
		return nil, &SessionError{Op: "connect", Code: code, translator: tr}
	}

	s := &Session{
		drivers:    d,
		translator: tr,
		endpoint:   ep,
		board:      board,
		id:         sid,
		runID:      runID,
	}
	logging.Info(logging.CatSession, "Session established", s.logData(map[string]any{
		"sid":     sid,
		"address": ep.String(),
		"board":   board,
	}))
	return s, nil
}

func (s *Session) logData(data map[string]any) map[string]any {
	if s.runID != "" {
		data["run"] = s.runID
	}
	return data
}

// ID returns the driver session id.
func (s *Session) ID() int32 {
	return s.id
}

// Endpoint returns the endpoint the session was connected to.
func (s *Session) Endpoint() Endpoint {
	return s.endpoint
}

// Live reports whether the session has not been closed yet.
func (s *Session) Live() bool {
	return !s.closed
}

// Translator returns the translator bound to the session's drivers.
func (s *Session) Translator() *Translator {
	return s.translator
}

// Close disconnects the session. It calls the driver at most once: later
// calls return ErrSessionClosed. It refuses with ErrCardStillOpen, without
// touching the driver, while a card opened on this session is still open.
// The session is dead after the driver call even if it reported an error.
func (s *Session) Close() error {
	if s.closed {
		return ErrSessionClosed
	}
	if s.card != nil {
		return fmt.Errorf("%w: card %d", ErrCardStillOpen, s.card.num)
	}

	s.closed = true
	if code := s.drivers.Session.Disconnect(s.id); code != 0 {
		return &SessionError{Op: "disconnect", Code: code, translator: s.translator}
	}

	logging.Info(logging.CatSession, "Session closed", s.logData(map[string]any{"sid": s.id}))
	return nil
}
