package domain

import (
	"errors"
	"fmt"
)

var (
	ErrIdentityTaken    = errors.New("identity already taken")
	ErrPeerUnavailable  = errors.New("peer unavailable")
	ErrInvalidRoomID    = errors.New("invalid room id")
	ErrSessionActive    = errors.New("session already has a room")
	ErrSessionClosed    = errors.New("session closed")
	ErrChannelClosed    = errors.New("channel closed")
	ErrEndpointClosed   = errors.New("endpoint closed")
	ErrMalformedMessage = errors.New("malformed message")
	ErrUnknownMessage   = errors.New("unknown message kind")

	ErrNotHost         = errors.New("operation requires the host")
	ErrPlayerNotFound  = errors.New("player not found")
	ErrNotYourTurn     = errors.New("not your turn")
	ErrNoRollsLeft     = errors.New("no rolls left")
	ErrMustRollFirst   = errors.New("dice must be rolled first")
	ErrInvalidDice     = errors.New("invalid dice")
	ErrCategoryUsed    = errors.New("category already scored")
	ErrUnknownCategory = errors.New("unknown category")
	ErrWrongPhase      = errors.New("action not allowed in this phase")
	ErrRollInProgress  = errors.New("roll in progress")
)

// ConnectErrorKind separates the ways establishing a session can fail.
type ConnectErrorKind string

const (
	ConnectRoomNotFound ConnectErrorKind = "room-not-found"
	ConnectTimeout      ConnectErrorKind = "timeout"
	ConnectRejected     ConnectErrorKind = "rejected"
)

type ConnectError struct {
	Kind   ConnectErrorKind
	RoomID RoomID
	Err    error
}

func (e *ConnectError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("connect to room %s: %s: %v", e.RoomID, e.Kind, e.Err)
	}
	return fmt.Sprintf("connect to room %s: %s", e.RoomID, e.Kind)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// ConnectErrorKindOf returns the kind of the first ConnectError in err's chain.
func ConnectErrorKindOf(err error) (ConnectErrorKind, bool) {
	var ce *ConnectError
	if errors.As(err, &ce) {
		return ce.Kind, true
	}
	return "", false
}
