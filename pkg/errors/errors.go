package errors

import "errors"

var (
	// ErrNoTrainers is returned when a round is started while no trainer
	// is subscribed to the round topic.
	ErrNoTrainers = errors.New("no trainers in mesh")

	// ErrTaskNotFound is returned when the ledger reports a task as
	// non-existent.
	ErrTaskNotFound = errors.New("task does not exist on ledger")

	// ErrInvalidStateTransition is returned on a round transition the
	// state machine does not allow.
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrRoundDeadline is returned when a round's wall-clock deadline
	// elapses before settlement.
	ErrRoundDeadline = errors.New("round deadline elapsed")

	// ErrUnknownCommand is returned for commands the control surface does
	// not recognise.
	ErrUnknownCommand = errors.New("unknown command")

	// ErrInvalidArgs is returned when a command's arguments do not match
	// its expected shape.
	ErrInvalidArgs = errors.New("invalid command arguments")

	// ErrNoPeers is returned when a publish reaches no mesh members.
	ErrNoPeers = errors.New("no peers in topic mesh")

	// ErrStorage wraps permanent object-store failures.
	ErrStorage = errors.New("storage error")

	// ErrLedgerRevert marks non-retriable contract failures.
	ErrLedgerRevert = errors.New("contract reverted")

	// ErrChunkMismatch is returned when the manifest entry count does not
	// match the task's declared chunk total.
	ErrChunkMismatch = errors.New("chunk count mismatch")
)
