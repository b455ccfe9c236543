package domain

// DisconnectReason is attached to every terminal disconnect event.
type DisconnectReason string

const (
	ReasonSelfNetwork        DisconnectReason = "self_network"
	ReasonPeerNetwork        DisconnectReason = "peer_network"
	ReasonPeerLeft           DisconnectReason = "peer_left"
	ReasonHostLeft           DisconnectReason = "host_left"
	ReasonHostNetwork        DisconnectReason = "host_network"
	ReasonKicked             DisconnectReason = "kicked"
	ReasonRoomFull           DisconnectReason = "room_full"
	ReasonGameAlreadyStarted DisconnectReason = "game_already_started"
	ReasonUnknown            DisconnectReason = "unknown"
)

// LossCause is the raw observation that ended a peer connection, before
// classification.
type LossCause string

const (
	// CauseTimeout: the peer went silent past the hard timeout or exhausted
	// its probes.
	CauseTimeout LossCause = "timeout"
	// CauseChannelClosed: the channel closed while heartbeats were fresh and
	// the reconnect grace expired.
	CauseChannelClosed LossCause = "channel_closed"
	// CauseChannelClosedStale: the channel closed after heartbeats had
	// already gone stale.
	CauseChannelClosedStale LossCause = "channel_closed_stale"
	CauseLeaveNotice        LossCause = "leave_notice"
	CauseRoomClosed         LossCause = "room_closed"
	CauseKicked             LossCause = "kicked"
	CauseRoomFull           LossCause = "room_full"
	CauseGameStarted        LossCause = "game_started"
	CauseEndpointLost       LossCause = "endpoint_lost"
)

type DisconnectEvent struct {
	PeerID PeerID
	Role   PeerRole
	Reason DisconnectReason
}

type StatusEvent struct {
	PeerID PeerID
	Status ConnectionStatus
	// Reason is set only for StatusDisconnected.
	Reason *DisconnectReason
}

type LatencyEvent struct {
	Latencies map[PeerID]int64
}
