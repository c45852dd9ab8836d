package sim

import "github.com/SimplyPrint/lxi-agent/internal/driver"

type sessionDriver Chassis

var _ driver.SessionDriver = (*sessionDriver)(nil)

func (s *sessionDriver) chassis() *Chassis { return (*Chassis)(s) }

func (s *sessionDriver) Version() uint32 {
	c := s.chassis()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record(Call{Subsystem: "session", Name: "Version"})
	return rawVersion(c.sessionVersion)
}

func (s *sessionDriver) VersionEx() driver.VersionInfo {
	c := s.chassis()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record(Call{Subsystem: "session", Name: "VersionEx"})
	return c.sessionVersion
}

func (s *sessionDriver) Connect(board uint32, address string, port uint32, timeoutMs uint32) (int32, uint32) {
	c := s.chassis()
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connectCode != 0 {
		return 0, c.record(Call{Subsystem: "session", Name: "Connect", Code: c.connectCode})
	}

	sid := c.nextSID
	c.nextSID++
	c.sessions[sid] = true
	return sid, c.record(Call{Subsystem: "session", Name: "Connect", SID: sid})
}

func (s *sessionDriver) Disconnect(sid int32) uint32 {
	c := s.chassis()
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.sessions[sid] {
		return c.record(Call{Subsystem: "session", Name: "Disconnect", SID: sid, Code: CodeInvalidSession})
	}
	for _, oc := range c.open {
		if oc.sid == sid {
			return c.record(Call{Subsystem: "session", Name: "Disconnect", SID: sid, Code: CodeCardsStillOpen})
		}
	}

	delete(c.sessions, sid)
	return c.record(Call{Subsystem: "session", Name: "Disconnect", SID: sid, Code: c.disconnectCode})
}

func (s *sessionDriver) ErrorCodeToMessage(code uint32, buf []byte) uint32 {
	c := s.chassis()
	c.mu.Lock()
	defer c.mu.Unlock()
	rc := lookup(c.sessionMessages, c.failLookups, code, CodeSessionUnknownCode, buf)
	return c.record(Call{Subsystem: "session", Name: "ErrorCodeToMessage", Code: rc})
}

type cardDriver Chassis

var _ driver.CardDriver = (*cardDriver)(nil)

func (d *cardDriver) chassis() *Chassis { return (*Chassis)(d) }

func (d *cardDriver) Version() uint32 {
	c := d.chassis()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record(Call{Subsystem: "card", Name: "Version"})
	return rawVersion(c.cardVersion)
}

func (d *cardDriver) VersionEx() driver.VersionInfo {
	c := d.chassis()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record(Call{Subsystem: "card", Name: "VersionEx"})
	return c.cardVersion
}

func (d *cardDriver) OpenSpecifiedCard(sid int32, bus, slot uint32) (uint32, uint32) {
	c := d.chassis()
	c.mu.Lock()
	defer c.mu.Unlock()

	call := Call{Subsystem: "card", Name: "OpenSpecifiedCard", SID: sid}
	switch {
	case !c.sessions[sid]:
		call.Code = CodeCardInvalidSID
	case c.openCode != 0:
		call.Code = c.openCode
	default:
		loc := location{bus, slot}
		if _, ok := c.cards[loc]; !ok {
			call.Code = CodeCardNotFound
			break
		}
		call.Card = c.nextCard
		c.nextCard++
		c.open[call.Card] = openCard{loc: loc, sid: sid}
	}
	return call.Card, c.record(call)
}

func (d *cardDriver) CloseSpecifiedCard(sid int32, cardNum uint32) uint32 {
	c := d.chassis()
	c.mu.Lock()
	defer c.mu.Unlock()

	call := Call{Subsystem: "card", Name: "CloseSpecifiedCard", SID: sid, Card: cardNum}
	oc, ok := c.open[cardNum]
	switch {
	case !c.sessions[sid]:
		call.Code = CodeCardInvalidSID
	case !ok || oc.sid != sid:
		call.Code = CodeCardInvalidNum
	default:
		delete(c.open, cardNum)
		call.Code = c.closeCode
	}
	return c.record(call)
}

func (d *cardDriver) CardID(sid int32, cardNum uint32, buf []byte) uint32 {
	c := d.chassis()
	c.mu.Lock()
	defer c.mu.Unlock()

	call := Call{Subsystem: "card", Name: "CardID", SID: sid, Card: cardNum}
	oc, ok := c.open[cardNum]
	switch {
	case !c.sessions[sid]:
		call.Code = CodeCardInvalidSID
	case !ok || oc.sid != sid:
		call.Code = CodeCardInvalidNum
	case c.identifyCode != 0:
		call.Code = c.identifyCode
	default:
		driver.EncodeText(buf, c.cards[oc.loc])
	}
	return c.record(call)
}

func (d *cardDriver) ErrorCodeToMessage(code uint32, buf []byte) uint32 {
	c := d.chassis()
	c.mu.Lock()
	defer c.mu.Unlock()
	rc := lookup(c.cardMessages, c.failLookups, code, CodeCardUnknownCode, buf)
	return c.record(Call{Subsystem: "card", Name: "ErrorCodeToMessage", Code: rc})
}
