package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

type MessageKind string

const (
	KindJoin          MessageKind = "join"
	KindSync          MessageKind = "sync"
	KindGameStart     MessageKind = "game-start"
	KindPlayerLeft    MessageKind = "player-left"
	KindActionRoll    MessageKind = "action-roll"
	KindActionHold    MessageKind = "action-hold"
	KindActionScore   MessageKind = "action-score"
	KindRollStart     MessageKind = "roll-start"
	KindRollEnd       MessageKind = "roll-end"
	KindKicked        MessageKind = "kicked"
	KindRoomFull      MessageKind = "room-full"
	KindGameStarted   MessageKind = "game-started"
	KindRoomClosed    MessageKind = "room-closed"
	KindLatencyUpdate MessageKind = "latency-update"
	KindGameOver      MessageKind = "game-over"
	KindPing          MessageKind = "ping"
	KindPong          MessageKind = "pong"
)

var knownKinds = map[MessageKind]struct{}{
	KindJoin: {}, KindSync: {}, KindGameStart: {}, KindPlayerLeft: {},
	KindActionRoll: {}, KindActionHold: {}, KindActionScore: {},
	KindRollStart: {}, KindRollEnd: {}, KindKicked: {}, KindRoomFull: {},
	KindGameStarted: {}, KindRoomClosed: {}, KindLatencyUpdate: {},
	KindGameOver: {}, KindPing: {}, KindPong: {},
}

func (k MessageKind) Valid() bool {
	_, ok := knownKinds[k]
	return ok
}

func (k MessageKind) IsHeartbeat() bool {
	return k == KindPing || k == KindPong
}

// IsIntent reports whether the kind is a client action only the host applies.
func (k MessageKind) IsIntent() bool {
	return k == KindActionRoll || k == KindActionHold || k == KindActionScore
}

// GameMessage is the wire envelope. Heartbeats leave Payload and PlayerID
// empty so they encode as {type, timestamp}.
type GameMessage struct {
	Type      MessageKind     `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	PlayerID  PeerID          `json:"playerId,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// NewMessage stamps sender and time onto an encoded payload. A nil payload
// becomes an empty object for non-heartbeat kinds.
func NewMessage(kind MessageKind, sender PeerID, payload any, now time.Time) (GameMessage, error) {
	msg := GameMessage{
		Type:      kind,
		PlayerID:  sender,
		Timestamp: now.UnixMilli(),
	}
	if payload == nil {
		msg.Payload = json.RawMessage("{}")
		return msg, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return GameMessage{}, fmt.Errorf("failed to marshal %s payload: %w", kind, err)
	}
	msg.Payload = raw
	return msg, nil
}

func NewPing(now time.Time) GameMessage {
	return GameMessage{Type: KindPing, Timestamp: now.UnixMilli()}
}

// NewPong echoes the ping's timestamp.
func NewPong(echo int64) GameMessage {
	return GameMessage{Type: KindPong, Timestamp: echo}
}

func (m GameMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

func (m GameMessage) DecodePayload(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%w: %s has no payload", ErrMalformedMessage, m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformedMessage, m.Type, err)
	}
	return nil
}

func (m GameMessage) Time() time.Time {
	return time.UnixMilli(m.Timestamp)
}

func DecodeMessage(data []byte) (GameMessage, error) {
	var msg GameMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return GameMessage{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if msg.Type == "" {
		return GameMessage{}, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}
	if !msg.Type.Valid() {
		return GameMessage{}, fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
	}
	return msg, nil
}

type PlayerInfo struct {
	ID   PeerID `json:"id"`
	Name string `json:"name"`
}

type JoinPayload struct {
	Player PlayerInfo `json:"player"`
}

type PlayerLeftPayload struct {
	PlayerID   PeerID `json:"playerId"`
	PlayerName string `json:"playerName,omitempty"`
}

type RollPayload struct {
	DiceResult []int `json:"diceResult,omitempty"`
}

type HoldPayload struct {
	DiceID int `json:"diceId"`
}

type ScorePayload struct {
	Category Category `json:"category"`
}

type RollStartPayload struct {
	PlayerID PeerID `json:"playerId"`
}

type RollEndPayload struct {
	DiceResult []int `json:"diceResult"`
	RollsLeft  int   `json:"rollsLeft"`
}

// LatencyPayload maps peer ids to their last RTT in milliseconds.
type LatencyPayload struct {
	Latencies map[PeerID]int64 `json:"latencies"`
}

type GameOverPayload struct {
	FinalPlayers []Player `json:"finalPlayers"`
}
