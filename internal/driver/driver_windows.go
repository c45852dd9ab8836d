//go:build windows

package driver

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

// libraryName returns the ClientBridge DLL name matching the process bitness,
// e.g. Picmlx_w64.dll.
func libraryName(base string) string {
	if unsafe.Sizeof(uintptr(0)) == 8 {
		return base + "_w64.dll"
	}
	return base + "_w32.dll"
}

type picmlx struct {
	getVersion         *windows.LazyProc
	getVersionEx       *windows.LazyProc
	connect            *windows.LazyProc
	disconnect         *windows.LazyProc
	errorCodeToMessage *windows.LazyProc
}

type piplx struct {
	getVersion         *windows.LazyProc
	getVersionEx       *windows.LazyProc
	openSpecifiedCard  *windows.LazyProc
	closeSpecifiedCard *windows.LazyProc
	cardID             *windows.LazyProc
	errorCodeToMessage *windows.LazyProc
}

// Open loads Picmlx and Piplx from the system directory and resolves every
// entry point up front, so a broken installation fails here instead of
// halfway through a session.
func Open() (Drivers, error) {
	mlx := windows.NewLazySystemDLL(libraryName("Picmlx"))
	plx := windows.NewLazySystemDLL(libraryName("Piplx"))

	s := &picmlx{
		getVersion:         mlx.NewProc("PICMLX_GetVersion"),
		getVersionEx:       mlx.NewProc("PICMLX_GetVersionEx"),
		connect:            mlx.NewProc("PICMLX_Connect"),
		disconnect:         mlx.NewProc("PICMLX_Disconnect"),
		errorCodeToMessage: mlx.NewProc("PICMLX_ErrorCodeToMessage"),
	}
	c := &piplx{
		getVersion:         plx.NewProc("PIPLX_GetVersion"),
		getVersionEx:       plx.NewProc("PIPLX_GetVersionEx"),
		openSpecifiedCard:  plx.NewProc("PIPLX_OpenSpecifiedCard"),
		closeSpecifiedCard: plx.NewProc("PIPLX_CloseSpecifiedCard"),
		cardID:             plx.NewProc("PIPLX_CardId"),
		errorCodeToMessage: plx.NewProc("PIPLX_ErrorCodeToMessage"),
	}

	procs := []*windows.LazyProc{
		s.getVersion, s.getVersionEx, s.connect, s.disconnect, s.errorCodeToMessage,
		c.getVersion, c.getVersionEx, c.openSpecifiedCard, c.closeSpecifiedCard, c.cardID, c.errorCodeToMessage,
	}
	for _, p := range procs {
		if err := p.Find(); err != nil {
			return Drivers{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}

	return Drivers{Session: s, Card: c}, nil
}

func (p *picmlx) Version() uint32 {
	r, _, _ := p.getVersion.Call()
	return uint32(r)
}

// VERSION_INFO is larger than a register, so the callee writes it through a
// hidden pointer passed as the first argument.
func (p *picmlx) VersionEx() VersionInfo {
	var v VersionInfo
	p.getVersionEx.Call(uintptr(unsafe.Pointer(&v)))
	return v
}

func (p *picmlx) Connect(board uint32, address string, port uint32, timeoutMs uint32) (int32, uint32) {
	addr := append([]byte(address), 0)
	var sid int32
	r, _, _ := p.connect.Call(
		uintptr(board),
		uintptr(unsafe.Pointer(&addr[0])),
		uintptr(port),
		uintptr(timeoutMs),
		uintptr(unsafe.Pointer(&sid)),
	)
	return sid, uint32(r)
}

func (p *picmlx) Disconnect(sid int32) uint32 {
	r, _, _ := p.disconnect.Call(uintptr(sid))
	return uint32(r)
}

func (p *picmlx) ErrorCodeToMessage(code uint32, buf []byte) uint32 {
	return callText(p.errorCodeToMessage, buf, uintptr(code))
}

func (c *piplx) Version() uint32 {
	r, _, _ := c.getVersion.Call()
	return uint32(r)
}

func (c *piplx) VersionEx() VersionInfo {
	var v VersionInfo
	c.getVersionEx.Call(uintptr(unsafe.Pointer(&v)))
	return v
}

func (c *piplx) OpenSpecifiedCard(sid int32, bus, slot uint32) (uint32, uint32) {
	var cardNum uint32
	r, _, _ := c.openSpecifiedCard.Call(
		uintptr(sid),
		uintptr(bus),
		uintptr(slot),
		uintptr(unsafe.Pointer(&cardNum)),
	)
	return cardNum, uint32(r)
}

func (c *piplx) CloseSpecifiedCard(sid int32, cardNum uint32) uint32 {
	r, _, _ := c.closeSpecifiedCard.Call(uintptr(sid), uintptr(cardNum))
	return uint32(r)
}

func (c *piplx) CardID(sid int32, cardNum uint32, buf []byte) uint32 {
	return callText(c.cardID, buf, uintptr(sid), uintptr(cardNum))
}

func (c *piplx) ErrorCodeToMessage(code uint32, buf []byte) uint32 {
	return callText(c.errorCodeToMessage, buf, uintptr(code))
}

// callText invokes a proc whose last two parameters are (LPCHAR buf, DWORD len).
func callText(proc *windows.LazyProc, buf []byte, args ...uintptr) uint32 {
	if len(buf) == 0 {
		buf = make([]byte, TextBufferSize)
	}
	buf[0] = 0
	args = append(args, uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf)))
	r, _, _ := proc.Call(args...)
	return uint32(r)
}
