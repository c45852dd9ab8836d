package lxi

import (
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/SimplyPrint/lxi-agent/internal/driver"
	"github.com/SimplyPrint/lxi-agent/internal/logging"
)

// State is a step of the identify sequence.
type State int

const (
	StateIdle State = iota
	StateConnected
	StateCardOpen
	StateCardClosed
	StateDisconnected
	StateDone
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnected:
		return "connected"
	case StateCardOpen:
		return "card-open"
	case StateCardClosed:
		return "card-closed"
	case StateDisconnected:
		return "disconnected"
	case StateDone:
		return "done"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Request describes one identify run.
type Request struct {
	Board    uint32
	Endpoint Endpoint
	Location CardLocation
}

// Result collects what a run observed. It is filled in even when Run
// returns an error.
type Result struct {
	RunID       string // correlates the log entries of one run
	SessionID   int32
	CardNumber  uint32
	CardID      string
	IdentifyErr error   // non-fatal identify failure
	Cleanup     []error // close/disconnect failures, never the primary error
	States      []State
}

// State returns the last state the run reached.
func (r *Result) State() State {
	if len(r.States) == 0 {
		return StateIdle
	}
	return r.States[len(r.States)-1]
}

func (r *Result) enter(s State) {
	r.States = append(r.States, s)
}

// Option configures Run.
type Option func(*runner)

// WithProgress writes human-readable progress lines to w.
func WithProgress(w io.Writer) Option {
	return func(r *runner) {
		if w != nil {
			r.progress = w
		}
	}
}

type runner struct {
	progress io.Writer
	runID    string
}

func (r *runner) printf(format string, args ...any) {
	fmt.Fprintf(r.progress, format, args...)
}

// Run connects, opens the requested card, reads its identity, then closes
// the card and disconnects, in that order, on every exit path.
//
// The returned error is the primary failure (connect or open card) and is
// nil when the sequence completed. An identify failure is reported in
// Result.IdentifyErr; cleanup failures are reported in Result.Cleanup. Neither
// replaces the primary result.
func Run(d driver.Drivers, req Request, opts ...Option) (res *Result, err error) {
	r := &runner{progress: io.Discard}
	for _, opt := range opts {
		opt(r)
	}

	r.runID = uuid.NewString()
	res = &Result{RunID: r.runID, States: []State{StateIdle}}
	logging.Debug(logging.CatSession, "Run started", map[string]any{
		"run":  r.runID,
		"bus":  req.Location.Bus,
		"slot": req.Location.Slot,
	})

	r.printf("Connecting to LXI on %s...\n", req.Endpoint.withDefaults())
	sess, err := connect(d, req.Board, req.Endpoint, r.runID)
	if err != nil {
		res.enter(StateError)
		logging.Error(logging.CatSession, "Connect failed", map[string]any{
			"run":     r.runID,
			"address": req.Endpoint.String(),
			"error":   err.Error(),
		})
		return res, err
	}
	res.SessionID = sess.ID()
	res.enter(StateConnected)
	r.printf("Got Session: %d\n", sess.ID())

	// completed stays false if a panic unwinds through the deferred teardown.
	completed := false
	defer func() {
		r.disconnect(sess, res)
		if err != nil || !completed {
			res.enter(StateError)
		} else {
			res.enter(StateDone)
		}
		logging.Debug(logging.CatSession, "Run finished", map[string]any{
			"run":   r.runID,
			"state": res.State().String(),
		})
	}()

	r.printf("Opening Card at %s\n", req.Location)
	card, err := sess.OpenCard(req.Location)
	if err != nil {
		logging.Error(logging.CatCard, "Open card failed", map[string]any{
			"run":   r.runID,
			"sid":   sess.ID(),
			"bus":   req.Location.Bus,
			"slot":  req.Location.Slot,
			"error": err.Error(),
		})
		return res, err
	}
	res.CardNumber = card.Number()
	res.enter(StateCardOpen)
	r.printf("Got CardNum=%d\n", card.Number())

	defer r.closeCard(card, res)

	id, idErr := card.Identify()
	if idErr != nil {
		res.IdentifyErr = idErr
		logging.Warn(logging.CatCard, "Card identify failed", map[string]any{
			"run":     r.runID,
			"cardNum": card.Number(),
			"error":   idErr.Error(),
		})
		r.printf("Card ID lookup failed: %v\n", idErr)
	} else {
		res.CardID = id
		r.printf("Card ID is '%s'\n", id)
	}

	completed = true
	return res, nil
}

func (r *runner) closeCard(card *Card, res *Result) {
	r.printf("Cleanup: Closing card %d...\n", card.Number())
	if err := card.Close(); err != nil {
		res.Cleanup = append(res.Cleanup, err)
		logging.Warn(logging.CatCard, "Cleanup: close card failed", map[string]any{
			"run":     r.runID,
			"cardNum": card.Number(),
			"error":   err.Error(),
		})
		r.printf("Cleanup: ERROR: closing card returned error %v\n", err)
	}
	res.enter(StateCardClosed)
	r.printf("Cleanup: Done. Card with CardNum=%d closed.\n", card.Number())
}

func (r *runner) disconnect(sess *Session, res *Result) {
	r.printf("Cleanup: Closing session %d...\n", sess.ID())
	if err := sess.Close(); err != nil {
		res.Cleanup = append(res.Cleanup, err)
		logging.Warn(logging.CatSession, "Cleanup: disconnect failed", map[string]any{
			"run":   r.runID,
			"sid":   sess.ID(),
			"error": err.Error(),
		})
		r.printf("Cleanup: ERROR: LXI Disconnect returned error %v\n", err)
	}
	res.enter(StateDisconnected)
	r.printf("Cleanup: Done. Session %d closed.\n", sess.ID())
}
