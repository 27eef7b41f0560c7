package server

import (
	"go.uber.org/zap"

	"github.com/Tyrowin/gochat-live/internal/logger"
	"github.com/Tyrowin/gochat-live/internal/protocol"
)

// Router fans a newly persisted message out to the live sessions of every
// conversation member except the sender.
type Router struct {
	dir SessionDirectory
}

// NewRouter returns a router resolving members through dir.
func NewRouter(dir SessionDirectory) *Router {
	return &Router{dir: dir}
}

// RouteNewMessage delivers env to each live session of each distinct member
// in env.Members other than env.Sender. Deliveries are best effort: a
// session that cannot accept the frame is reported in Failed and not
// retried. Callers invoke it once per persisted message; nothing is
// deduplicated here.
func (r *Router) RouteNewMessage(env protocol.Envelope) Delivery {
	var result Delivery

	payload, err := protocol.Encode(protocol.MessageReceived(env))
	if err != nil {
		logger.Error("router: encode failed", zap.String("chat", env.ChatID), zap.Error(err))
		return result
	}

	seen := make(map[string]struct{}, len(env.Members))
	for _, member := range env.Members {
		if member == "" || member == env.Sender {
			continue
		}
		if _, dup := seen[member]; dup {
			continue
		}
		seen[member] = struct{}{}

		for _, s := range r.dir.SessionsFor(member) {
			result.record(s, s.Deliver(payload))
		}
	}

	logger.Debug("router: message routed",
		zap.String("chat", env.ChatID),
		zap.String("sender", env.Sender),
		zap.Int("delivered", result.Delivered),
		zap.Int("failed", len(result.Failed)))
	return result
}
