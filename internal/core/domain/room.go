package domain

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

// RoomAlphabet omits 0, 1, I and O so codes survive being read aloud.
const RoomAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const RoomIDLength = 6

type RoomID string

type Room struct {
	ID          RoomID
	HostPeerID  PeerID
	IsLocalHost bool
}

// NewRoomID draws RoomIDLength characters uniformly from RoomAlphabet.
func NewRoomID() (RoomID, error) {
	var b strings.Builder
	max := big.NewInt(int64(len(RoomAlphabet)))
	for i := 0; i < RoomIDLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to generate room id: %w", err)
		}
		b.WriteByte(RoomAlphabet[n.Int64()])
	}
	return RoomID(b.String()), nil
}

// ParseRoomID normalizes user input and rejects codes outside the alphabet.
func ParseRoomID(s string) (RoomID, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if len(s) != RoomIDLength {
		return "", fmt.Errorf("%w: %q must be %d characters", ErrInvalidRoomID, s, RoomIDLength)
	}
	for _, r := range s {
		if !strings.ContainsRune(RoomAlphabet, r) {
			return "", fmt.Errorf("%w: %q contains %q", ErrInvalidRoomID, s, r)
		}
	}
	return RoomID(s), nil
}

// HostIdentity is the transport identity a host binds for a room, so joiners
// can reach it without a directory lookup.
func HostIdentity(prefix string, id RoomID) PeerID {
	return PeerID(prefix + string(id))
}
