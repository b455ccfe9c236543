package services

import "yahtzee/internal/core/domain"

// ClassifyInput is everything the classifier looks at.
type ClassifyInput struct {
	LocalIsHost bool
	Role        domain.PeerRole
	Cause       domain.LossCause
}

// ClassifyDisconnect maps a terminal loss observation to the reason shown
// to the player. Explicit protocol causes win over liveness causes.
func ClassifyDisconnect(in ClassifyInput) domain.DisconnectReason {
	switch in.Cause {
	case domain.CauseKicked:
		return domain.ReasonKicked
	case domain.CauseRoomFull:
		return domain.ReasonRoomFull
	case domain.CauseGameStarted:
		return domain.ReasonGameAlreadyStarted
	case domain.CauseEndpointLost:
		return domain.ReasonSelfNetwork
	}

	if !in.LocalIsHost && in.Role == domain.RoleHost {
		switch in.Cause {
		case domain.CauseTimeout, domain.CauseChannelClosedStale:
			return domain.ReasonHostNetwork
		case domain.CauseRoomClosed, domain.CauseChannelClosed, domain.CauseLeaveNotice:
			return domain.ReasonHostLeft
		}
		return domain.ReasonUnknown
	}

	switch in.Cause {
	case domain.CauseChannelClosed, domain.CauseLeaveNotice:
		return domain.ReasonPeerLeft
	case domain.CauseTimeout, domain.CauseChannelClosedStale:
		return domain.ReasonPeerNetwork
	case domain.CauseRoomClosed:
		return domain.ReasonHostLeft
	}
	return domain.ReasonUnknown
}
