// Package sim provides an in-memory LXI chassis that implements both
// ClientBridge subsystems. It backs the --simulate mode and the tests, and
// records every driver call so ordering can be checked afterwards.
package sim

import (
	"fmt"
	"sync"

	"github.com/SimplyPrint/lxi-agent/internal/driver"
)

// Session subsystem status codes produced by the simulator.
const (
	CodeSessionTimeout     uint32 = 5
	CodeInvalidSession     uint32 = 6
	CodeCardsStillOpen     uint32 = 9
	CodeSessionUnknownCode uint32 = 0x7f
)

// Card subsystem status codes produced by the simulator.
const (
	CodeCardClose       uint32 = 7
	CodeCardNotFound    uint32 = 12
	CodeCardInvalidNum  uint32 = 13
	CodeCardInvalidSID  uint32 = 14
	CodeCardUnknownCode uint32 = 0x7f
)

// Call is one recorded driver invocation.
type Call struct {
	Subsystem string // "session" or "card"
	Name      string
	SID       int32
	Card      uint32
	Code      uint32
}

func (c Call) String() string {
	return fmt.Sprintf("%s.%s(sid=%d card=%d) = %d", c.Subsystem, c.Name, c.SID, c.Card, c.Code)
}

type location struct {
	bus, slot uint32
}

type openCard struct {
	loc location
	sid int32
}

// Chassis is a simulated LXI chassis. It is safe for concurrent use.
type Chassis struct {
	mu sync.Mutex

	cards    map[location]string
	sessions map[int32]bool
	open     map[uint32]openCard
	nextSID  int32
	nextCard uint32

	connectCode    uint32
	disconnectCode uint32
	openCode       uint32
	closeCode      uint32
	identifyCode   uint32

	sessionMessages map[uint32]string
	cardMessages    map[uint32]string
	failLookups     bool

	sessionVersion driver.VersionInfo
	cardVersion    driver.VersionInfo

	calls []Call
}

// New returns an empty chassis with the default message tables.
func New() *Chassis {
	return &Chassis{
		cards:    make(map[location]string),
		sessions: make(map[int32]bool),
		open:     make(map[uint32]openCard),
		nextSID:  1,
		nextCard: 1,
		sessionMessages: map[uint32]string{
			CodeSessionTimeout: "Timeout while waiting for response from LXI device",
			CodeInvalidSession: "Invalid session ID",
			CodeCardsStillOpen: "Session still has open cards",
		},
		cardMessages: map[uint32]string{
			CodeCardClose:      "Unable to close card",
			CodeCardNotFound:   "Card not found at specified bus and slot",
			CodeCardInvalidNum: "Invalid card number",
			CodeCardInvalidSID: "Invalid session ID",
		},
		sessionVersion: driver.VersionInfo{Major: 1, Minor: 12, Patch: 3},
		cardVersion:    driver.VersionInfo{Major: 1, Minor: 12, Patch: 1},
	}
}

// NewDemo returns a chassis populated with a few cards, used by --simulate.
func NewDemo() *Chassis {
	return New().
		WithCard(1, 15, "40-412-001,0000017,1.00").
		WithCard(3, 5, "40-260-001,0123456,2.01").
		WithCard(3, 6, "40-613-022,0098765,1.04")
}

// WithCard installs a card with the given identity at (bus, slot).
func (c *Chassis) WithCard(bus, slot uint32, id string) *Chassis {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cards[location{bus, slot}] = id
	return c
}

// WithConnectError makes every Connect fail with code.
func (c *Chassis) WithConnectError(code uint32) *Chassis {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectCode = code
	return c
}

// WithDisconnectError makes every Disconnect fail with code. The session is
// still torn down, as the real driver does.
func (c *Chassis) WithDisconnectError(code uint32) *Chassis {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCode = code
	return c
}

// WithOpenError makes every OpenSpecifiedCard fail with code.
func (c *Chassis) WithOpenError(code uint32) *Chassis {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.openCode = code
	return c
}

// WithCloseError makes every CloseSpecifiedCard fail with code. The card is
// still released.
func (c *Chassis) WithCloseError(code uint32) *Chassis {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCode = code
	return c
}

// WithIdentifyError makes every CardID fail with code.
func (c *Chassis) WithIdentifyError(code uint32) *Chassis {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.identifyCode = code
	return c
}

// WithSessionMessage sets the text returned for a session error code.
func (c *Chassis) WithSessionMessage(code uint32, text string) *Chassis {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionMessages[code] = text
	return c
}

// WithCardMessage sets the text returned for a card error code.
func (c *Chassis) WithCardMessage(code uint32, text string) *Chassis {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cardMessages[code] = text
	return c
}

// WithFailingLookups makes both ErrorCodeToMessage calls fail for every code.
func (c *Chassis) WithFailingLookups() *Chassis {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failLookups = true
	return c
}

// WithVersions overrides the structured versions reported by both subsystems.
func (c *Chassis) WithVersions(session, card driver.VersionInfo) *Chassis {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionVersion = session
	c.cardVersion = card
	return c
}

// Drivers returns both subsystems of the chassis.
func (c *Chassis) Drivers() driver.Drivers {
	return driver.Drivers{
		Session: (*sessionDriver)(c),
		Card:    (*cardDriver)(c),
	}
}

// Open implements driver.Factory.
func (c *Chassis) Open() (driver.Drivers, error) {
	return c.Drivers(), nil
}

// Calls returns a copy of the recorded call log.
func (c *Chassis) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Call, len(c.calls))
	copy(out, c.calls)
	return out
}

// CallNames returns the names of the recorded calls, in order.
// Version and error lookup calls are left out.
func (c *Chassis) CallNames() []string {
	var names []string
	for _, call := range c.Calls() {
		switch call.Name {
		case "Version", "VersionEx", "ErrorCodeToMessage":
			continue
		}
		names = append(names, call.Name)
	}
	return names
}

// Count returns how many times the named call was made.
func (c *Chassis) Count(name string) int {
	n := 0
	for _, call := range c.Calls() {
		if call.Name == name {
			n++
		}
	}
	return n
}

// OpenSessions returns the number of sessions not yet disconnected.
func (c *Chassis) OpenSessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// OpenCards returns the number of cards not yet closed.
func (c *Chassis) OpenCards() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.open)
}

// Reset clears the call log.
func (c *Chassis) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = nil
}

func (c *Chassis) record(call Call) uint32 {
	c.calls = append(c.calls, call)
	return call.Code
}

func rawVersion(v driver.VersionInfo) uint32 {
	return v.Major*10000 + v.Minor*100 + v.Patch
}

func lookup(messages map[uint32]string, fail bool, code uint32, unknown uint32, buf []byte) uint32 {
	if fail {
		return unknown
	}
	text, ok := messages[code]
	if !ok {
		return unknown
	}
	driver.EncodeText(buf, text)
	return 0
}
