// internal/room/errors.go
package room

import (
	"errors"
	"fmt"
)

// Sentinel errors for registry and room operations. The coordinator maps
// each of these onto exactly one outbound notification (or silence, for
// passive actions like voting against an unknown room).
var (
	ErrRoomExists = errors.New("room already exists")
	ErrNotMember  = errors.New("user is not a member of the room")
	ErrWrongPhase = errors.New("operation not allowed in current phase")
	ErrNoVote     = errors.New("no vote recorded for user")
)

// NotAuthorizedError is surfaced to the requester with a human-readable
// title/message pair describing the denied action.
type NotAuthorizedError struct {
	Title   string
	Message string
}

func (e *NotAuthorizedError) Error() string {
	return fmt.Sprintf("not authorized: %s", e.Title)
}
