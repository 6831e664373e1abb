package types

import "errors"

// Sentinel errors shared across the runtime. Handlers map these onto the
// messages sent to the acting client; infrastructure failures stay wrapped and
// are never matched by clients.
var (
	// Surfaced to the acting client.
	ErrNotInRoom     = errors.New("not in room")
	ErrNotYourTurn   = errors.New("not your turn")
	ErrRoomFull      = errors.New("room is full")
	ErrRoomNotFound  = errors.New("room not found")
	ErrUnknownAction = errors.New("unknown action")
	ErrIllegalMove   = errors.New("illegal move")

	// Economy failures; retry is the caller's choice.
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrDuplicateTransaction = errors.New("duplicate transaction")
	ErrConcurrencyConflict  = errors.New("concurrency conflict")

	// The dispatcher could not enqueue; the client must back off.
	ErrSystemOverloaded = errors.New("system overloaded")

	// Another worker holds the room lock; transient.
	ErrLockContention = errors.New("lock contention")

	// The worker is draining; pending commands resolve with this.
	ErrShuttingDown = errors.New("shutting down")
)
