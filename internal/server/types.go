// Package server defines shared delivery types, collaborator interfaces and
// utility helpers that are reused across session and hub logic.
package server

import (
	"context"
	"strings"

	"github.com/Tyrowin/gochat-live/internal/protocol"
)

// Delivery summarizes one fan-out: how many sessions accepted the frame and
// which ones could not take it and must be evicted.
type Delivery struct {
	Delivered int
	Failed    []*Session
}

func (d *Delivery) record(s *Session, ok bool) {
	if ok {
		d.Delivered++
		return
	}
	d.Failed = append(d.Failed, s)
}

// Bus carries routable frames between server nodes. When a hub has a bus,
// every node (the publisher included) routes frames as they arrive from it.
type Bus interface {
	Publish(ctx context.Context, f protocol.Frame) error
	Subscribe(handler func(protocol.Frame)) error
	Close() error
}

// PresenceTracker is told when a user gains a first session or loses the
// last one. Implementations must not block the caller.
type PresenceTracker interface {
	Online(userID string)
	Offline(userID string)
}

// PresenceLookup answers whether a user is online and on which node.
type PresenceLookup interface {
	Lookup(ctx context.Context, userID string) (nodeID string, online bool, err error)
}

// inboundFrame is a decoded client frame queued for the hub loop. A frame
// with closed set marks the session's disconnect; it shares the queue so it
// is handled after everything the session sent before it.
type inboundFrame struct {
	session *Session
	frame   protocol.Frame
	closed  bool
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
