package bus

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Tyrowin/gochat-live/internal/logger"
	"github.com/Tyrowin/gochat-live/internal/protocol"
)

const localQueueSize = 256

// Local is an in-process bus. Hubs sharing one Local behave like nodes on
// one NATS subject: frames go through the same JSON encoding, each
// subscriber has its own queue, and a full queue drops the frame the way a
// slow NATS consumer would.
type Local struct {
	mu     sync.Mutex
	subs   []*localSub
	closed bool
	wg     sync.WaitGroup
}

type localSub struct {
	queue   chan []byte
	handler func(protocol.Frame)
}

// NewLocal returns an empty in-process bus.
func NewLocal() *Local {
	return &Local{}
}

// Publish hands f to every subscriber's queue.
func (b *Local) Publish(ctx context.Context, f protocol.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(f)
	if err != nil {
		return errors.Wrapf(err, "bus: encode %s", f.Action)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	for _, sub := range b.subs {
		select {
		case sub.queue <- data:
		default:
			logger.Warn("bus: local subscriber queue full, dropping frame",
				zap.String("action", string(f.Action)))
		}
	}
	return nil
}

// Subscribe registers handler and starts its delivery goroutine.
func (b *Local) Subscribe(handler func(protocol.Frame)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	sub := &localSub{queue: make(chan []byte, localQueueSize), handler: handler}
	b.subs = append(b.subs, sub)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for data := range sub.queue {
			var f protocol.Frame
			if err := json.Unmarshal(data, &f); err != nil {
				logger.Warn("bus: discarding undecodable frame", zap.Error(err))
				continue
			}
			sub.handler(f)
		}
	}()
	return nil
}

// Close stops delivery after queued frames are handed to their handlers.
func (b *Local) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.queue)
	}
	b.subs = nil
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}
