package lxi

import (
	"fmt"

	"github.com/SimplyPrint/lxi-agent/internal/driver"
	"github.com/SimplyPrint/lxi-agent/internal/logging"
)

// CardLocation identifies a physical card inside the chassis.
type CardLocation struct {
	Bus  uint32
	Slot uint32
}

func (l CardLocation) String() string {
	return fmt.Sprintf("Bus=%d Slot=%d", l.Bus, l.Slot)
}

// Card is an open card borrowed from its Session. It is only usable while
// that session is live, and the session cannot be closed until the card is.
type Card struct {
	session *Session
	num     uint32
	loc     CardLocation
	closed  bool
}

// OpenCard opens the card at loc. Only one card may be open per session.
func (s *Session) OpenCard(loc CardLocation) (*Card, error) {
	if s.closed {
		return nil, ErrSessionClosed
	}
	if s.card != nil {
		return nil, ErrCardAlreadyOpen
	}

	num, code := s.drivers.Card.OpenSpecifiedCard(s.id, loc.Bus, loc.Slot)
	if code != 0 {
		return nil, &CardError{Op: "open card", Code: code, translator: s.translator}
	}

	c := &Card{session: s, num: num, loc: loc}
	s.card = c

	logging.Info(logging.CatCard, "Card opened", s.logData(map[string]any{
		"sid":     s.id,
		"cardNum": num,
		"bus":     loc.Bus,
		"slot":    loc.Slot,
	}))
	return c, nil
}

// Number returns the driver card number.
func (c *Card) Number() uint32 {
	return c.num
}

// Location returns where the card was opened.
func (c *Card) Location() CardLocation {
	return c.loc
}

// Session returns the session the card belongs to.
func (c *Card) Session() *Session {
	return c.session
}

// Live reports whether the card is still open on a live session.
func (c *Card) Live() bool {
	return c.usable() == nil
}

func (c *Card) usable() error {
	if c.closed {
		return ErrCardClosed
	}
	if c.session.closed {
		return ErrSessionClosed
	}
	return nil
}

// Identify returns the card identity string, truncated to the driver buffer
// size. A failure leaves the card open.
func (c *Card) Identify() (string, error) {
	if err := c.usable(); err != nil {
		return "", err
	}

	buf := make([]byte, driver.TextBufferSize)
	if code := c.session.drivers.Card.CardID(c.session.id, c.num, buf); code != 0 {
		return "", &CardError{Op: "identify", Code: code, translator: c.session.translator}
	}
	return driver.DecodeText(buf), nil
}

// Close closes the card. It calls the driver at most once: later calls
// return ErrCardClosed. The card is released from its session even when the
// driver reports an error, so the session can still be disconnected.
func (c *Card) Close() error {
	if err := c.usable(); err != nil {
		return err
	}

	c.closed = true
	c.session.card = nil
	if code := c.session.drivers.Card.CloseSpecifiedCard(c.session.id, c.num); code != 0 {
		return &CardError{Op: "close card", Code: code, translator: c.session.translator}
	}

	logging.Info(logging.CatCard, "Card closed", c.session.logData(map[string]any{
		"sid":     c.session.id,
		"cardNum": c.num,
	}))
	return nil
}
