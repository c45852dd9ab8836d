package driver

import (
	"bytes"
	"errors"
	"strings"
)

// TextBufferSize is the size of every text buffer handed to the driver
// (error messages, card identities). Longer text is truncated by the driver.
const TextBufferSize = 256

// ErrUnavailable is returned by Open when the ClientBridge libraries cannot be used.
var ErrUnavailable = errors.New("ClientBridge driver not available")

// VersionInfo mirrors the VERSION_INFO structure returned by the GetVersionEx calls.
type VersionInfo struct {
	Major uint32
	Minor uint32
	Patch uint32
}

// SessionDriver is the session (PICMLX) subsystem of ClientBridge.
// All calls return a status code where 0 means success.
type SessionDriver interface {
	Version() uint32
	VersionEx() VersionInfo
	Connect(board uint32, address string, port uint32, timeoutMs uint32) (sid int32, code uint32)
	Disconnect(sid int32) uint32
	ErrorCodeToMessage(code uint32, buf []byte) uint32
}

// CardDriver is the card (PIPLX) subsystem of ClientBridge.
// Its error codes are a separate space from the session subsystem's.
type CardDriver interface {
	Version() uint32
	VersionEx() VersionInfo
	OpenSpecifiedCard(sid int32, bus, slot uint32) (cardNum uint32, code uint32)
	CloseSpecifiedCard(sid int32, cardNum uint32) uint32
	CardID(sid int32, cardNum uint32, buf []byte) uint32
	ErrorCodeToMessage(code uint32, buf []byte) uint32
}

// Drivers bundles both subsystems of one ClientBridge installation.
type Drivers struct {
	Session SessionDriver
	Card    CardDriver
}

// Factory opens a Drivers pair.
// This allows for dependency injection of the simulated chassis.
type Factory interface {
	Open() (Drivers, error)
}

// DefaultFactory opens the native ClientBridge libraries.
type DefaultFactory struct{}

func (DefaultFactory) Open() (Drivers, error) {
	return Open()
}

// DecodeText converts a NUL-terminated driver buffer into a string.
// Everything after the first NUL is ignored; a buffer without a terminator is
// taken whole. Invalid UTF-8 is replaced rather than reported.
func DecodeText(buf []byte) string {
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		buf = buf[:i]
	}
	return strings.ToValidUTF8(string(buf), "\uFFFD")
}

// EncodeText writes s into buf as a NUL-terminated string, truncating it to
// fit. It returns the number of text bytes written.
func EncodeText(buf []byte, s string) int {
	if len(buf) == 0 {
		return 0
	}
	n := copy(buf[:len(buf)-1], s)
	buf[n] = 0
	return n
}
