// Package bus carries routable frames between delivery nodes so a message
// reaches a recipient regardless of which node holds their sessions.
package bus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Tyrowin/gochat-live/internal/logger"
	"github.com/Tyrowin/gochat-live/internal/protocol"
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("bus closed")

// Config describes the NATS connection.
type Config struct {
	URL           string
	Subject       string
	Name          string
	ReconnectWait time.Duration
	Timeout       time.Duration
}

func (c Config) withDefaults() Config {
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = 2 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	return c
}

// NATS publishes frames on a single core NATS subject. Every node subscribes
// to the same subject, so each frame reaches every node once, the publisher
// included.
type NATS struct {
	nc      *nats.Conn
	subject string

	mu     sync.Mutex
	subs   []*nats.Subscription
	closed bool
	log    *zap.Logger
}

// Connect dials NATS. The connection reconnects forever in the background.
func Connect(cfg Config) (*NATS, error) {
	cfg = cfg.withDefaults()
	log := logger.Named("bus").With(zap.String("subject", cfg.Subject))

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("disconnected from nats", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("reconnected to nats", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			log.Error("nats async error", zap.Error(err))
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "bus: connect %s", cfg.URL)
	}
	log.Info("connected to nats", zap.String("url", nc.ConnectedUrl()))
	return &NATS{nc: nc, subject: cfg.Subject, log: log}, nil
}

// Publish sends f to every node.
func (b *NATS) Publish(ctx context.Context, f protocol.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}

	data, err := json.Marshal(f)
	if err != nil {
		return errors.Wrapf(err, "bus: encode %s", f.Action)
	}
	if err := b.nc.Publish(b.subject, data); err != nil {
		return errors.Wrap(err, "bus: publish")
	}
	return nil
}

// Subscribe calls handler for each frame on the subject. Handlers run on the
// subscription's goroutine and must not block.
func (b *NATS) Subscribe(handler func(protocol.Frame)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	sub, err := b.nc.Subscribe(b.subject, func(m *nats.Msg) {
		var f protocol.Frame
		if err := json.Unmarshal(m.Data, &f); err != nil {
			b.log.Warn("discarding undecodable bus frame", zap.Error(err))
			return
		}
		handler(f)
	})
	if err != nil {
		return errors.Wrap(err, "bus: subscribe")
	}
	b.subs = append(b.subs, sub)
	return nil
}

// Close unsubscribes and drains the connection.
func (b *NATS) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			b.log.Warn("unsubscribe", zap.Error(err))
		}
	}
	if err := b.nc.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return errors.Wrap(err, "bus: drain")
	}
	return nil
}
