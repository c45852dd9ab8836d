package lxi

import (
	"errors"
	"fmt"

	"github.com/SimplyPrint/lxi-agent/internal/driver"
	"github.com/SimplyPrint/lxi-agent/internal/logging"
)

// UnknownErrorText is shown when the driver cannot resolve a status code.
const UnknownErrorText = "Unknown error code"

var (
	// ErrSessionClosed indicates the session was already disconnected
	ErrSessionClosed = errors.New("session is closed")
	// ErrCardClosed indicates the card was already closed
	ErrCardClosed = errors.New("card is closed")
	// ErrCardStillOpen indicates a disconnect was refused because a card is open
	ErrCardStillOpen = errors.New("card still open on session")
	// ErrCardAlreadyOpen indicates the session already holds an open card
	ErrCardAlreadyOpen = errors.New("a card is already open on this session")
	// ErrInvalidEndpoint indicates the endpoint cannot be passed to the driver
	ErrInvalidEndpoint = errors.New("invalid endpoint")
)

// Subsystem identifies which half of the driver produced a status code.
// The two subsystems have disjoint code spaces.
type Subsystem int

const (
	SubsystemSession Subsystem = iota
	SubsystemCard
)

func (s Subsystem) String() string {
	switch s {
	case SubsystemSession:
		return "session"
	case SubsystemCard:
		return "card"
	default:
		return "unknown"
	}
}

// Prefix is the tag shown in front of a status code, e.g. PICMLX5.
func (s Subsystem) Prefix() string {
	switch s {
	case SubsystemSession:
		return "PICMLX"
	case SubsystemCard:
		return "PIPLX"
	default:
		return "LXI"
	}
}

// ResolveError is returned when the driver's own error lookup fails.
// Code is the status of the lookup call, not the code being resolved.
type ResolveError struct {
	Subsystem Subsystem
	Code      uint32
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("%s error lookup failed with %s%d", e.Subsystem, e.Subsystem.Prefix(), e.Code)
}

// Translator turns subsystem status codes into driver-provided text.
type Translator struct {
	drivers driver.Drivers
}

// NewTranslator returns a Translator backed by d.
func NewTranslator(d driver.Drivers) *Translator {
	return &Translator{drivers: d}
}

// Resolve asks the subsystem that produced code for its message.
// Session codes are never looked up through the card driver, and vice versa.
func (t *Translator) Resolve(sub Subsystem, code uint32) (string, error) {
	buf := make([]byte, driver.TextBufferSize)

	var rc uint32
	switch sub {
	case SubsystemSession:
		rc = t.drivers.Session.ErrorCodeToMessage(code, buf)
	case SubsystemCard:
		rc = t.drivers.Card.ErrorCodeToMessage(code, buf)
	default:
		return "", fmt.Errorf("unknown subsystem %d", sub)
	}

	if rc != 0 {
		return "", &ResolveError{Subsystem: sub, Code: rc}
	}
	return driver.DecodeText(buf), nil
}

// Describe renders code as "PREFIXcode: text". A failed lookup degrades to
// UnknownErrorText and never produces a second error.
func (t *Translator) Describe(sub Subsystem, code uint32) string {
	text := UnknownErrorText
	if t != nil {
		resolved, err := t.Resolve(sub, code)
		if err != nil {
			logging.Debug(logging.CatDriver, "Error code lookup failed", map[string]any{
				"subsystem": sub.String(),
				"code":      code,
				"error":     err.Error(),
			})
		} else {
			text = resolved
		}
	}
	return fmt.Sprintf("%s%d: %s", sub.Prefix(), code, text)
}

// SessionError is a nonzero status returned by the session subsystem.
type SessionError struct {
	Op   string // "connect" or "disconnect"
	Code uint32

	translator *Translator
}

func (e *SessionError) Error() string {
	return e.translator.Describe(SubsystemSession, e.Code)
}

// CardError is a nonzero status returned by the card subsystem.
type CardError struct {
	Op   string // "open card", "identify" or "close card"
	Code uint32

	translator *Translator
}

func (e *CardError) Error() string {
	return e.translator.Describe(SubsystemCard, e.Code)
}

// IsSessionError returns true if err carries a session subsystem status code.
func IsSessionError(err error) bool {
	var se *SessionError
	return errors.As(err, &se)
}

// IsCardError returns true if err carries a card subsystem status code.
func IsCardError(err error) bool {
	var ce *CardError
	return errors.As(err, &ce)
}
