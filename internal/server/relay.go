package server

import (
	"go.uber.org/zap"

	"github.com/Tyrowin/gochat-live/internal/logger"
	"github.com/Tyrowin/gochat-live/internal/protocol"
)

// Relay broadcasts transient typing signals to the sessions in a room.
// Nothing is acknowledged or stored; a lost signal is cleared by the
// receiver's own timeout.
type Relay struct {
	rooms RoomDirectory
}

// NewRelay returns a relay resolving room members through rooms.
func NewRelay(rooms RoomDirectory) *Relay {
	return &Relay{rooms: rooms}
}

// RelayTyping sends a typing or stopTyping signal from userID to every
// session in roomID. The originating session, identified by originID, is
// skipped only when excludeOrigin is set.
func (r *Relay) RelayTyping(roomID string, action protocol.Action, userID, originID string, excludeOrigin bool) Delivery {
	var result Delivery
	if !protocol.IsTyping(action) {
		return result
	}

	payload, err := protocol.Encode(protocol.TypingEvent(action, roomID, userID))
	if err != nil {
		logger.Error("typing relay: encode failed", zap.String("room", roomID), zap.Error(err))
		return result
	}

	for _, s := range r.rooms.SessionsIn(roomID) {
		if excludeOrigin && s.ID() == originID {
			continue
		}
		result.record(s, s.Deliver(payload))
	}
	return result
}
