package client

import (
	"slices"

	pkgerrors "github.com/absmach/fedmesh/pkg/errors"
)

// Phase is the client's round lifecycle state.
type Phase uint8

const (
	Idle Phase = iota
	Advertising
	Assembling
	Training
	Settling
	Done
	Aborted
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "Idle"
	case Advertising:
		return "Advertising"
	case Assembling:
		return "Assembling"
	case Training:
		return "Training"
	case Settling:
		return "Settling"
	case Done:
		return "Done"
	case Aborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

// validTransitions encodes the round lifecycle. Aborted is reachable from
// every non-terminal phase; Done and Aborted are terminal. Assembling may
// move straight to Settling when a restarted client finds the task already
// settled on the ledger.
var validTransitions = map[Phase][]Phase{
	Idle:        {Advertising, Aborted},
	Advertising: {Assembling, Aborted},
	Assembling:  {Training, Settling, Aborted},
	Training:    {Settling, Aborted},
	Settling:    {Done, Aborted},
	Done:        {},
	Aborted:     {},
}

// ValidateTransition reports whether the round may move from one phase to
// another.
func ValidateTransition(from, to Phase) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}

	return slices.Contains(allowed, to)
}

// transition mutates the round's phase after validation. Only the state
// machine goroutine calls it.
func (r *round) transition(to Phase) error {
	if !ValidateTransition(r.phase, to) {
		return pkgerrors.ErrInvalidStateTransition
	}
	r.phase = to

	return nil
}
