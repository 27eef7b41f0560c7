// Package presence publishes which node holds each online user to Redis so
// other nodes and the HTTP API can answer "is this user online".
//
// Key layout: im:presence:<user> holds the node id, with a TTL the owning
// node keeps renewing while the user has a live session there.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Tyrowin/gochat-live/internal/logger"
)

const (
	keyPrefix   = "im:presence:"
	queueSize   = 1024
	writeBudget = 2 * time.Second
)

// Config describes the Redis connection.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Connect opens a client and checks it with PING.
func Connect(ctx context.Context, c Config) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: c.Addr, Password: c.Password, DB: c.DB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrapf(err, "presence: ping redis at %s", c.Addr)
	}
	return rdb, nil
}

func presenceKey(user string) string { return keyPrefix + user }

// releaseScript deletes the key only while it still names this node, so a
// user who moved to another node is not marked offline by the old one.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type op struct {
	user   string
	online bool
}

// Tracker writes presence changes on its own goroutine so callers never
// wait on Redis.
type Tracker struct {
	rdb    *redis.Client
	nodeID string
	ttl    time.Duration

	ops    chan op
	online map[string]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *zap.Logger
}

// NewTracker returns a tracker that marks users online under nodeID.
func NewTracker(rdb *redis.Client, nodeID string, ttl time.Duration) *Tracker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Tracker{
		rdb:    rdb,
		nodeID: nodeID,
		ttl:    ttl,
		ops:    make(chan op, queueSize),
		online: make(map[string]struct{}),
		ctx:    ctx,
		cancel: cancel,
		log:    logger.Named("presence").With(zap.String("node", nodeID)),
	}
}

// Start launches the writer.
func (t *Tracker) Start() {
	t.wg.Add(1)
	go t.run()
}

// Online records that userID gained its first session on this node.
func (t *Tracker) Online(userID string) { t.enqueue(op{user: userID, online: true}) }

// Offline records that userID lost its last session on this node.
func (t *Tracker) Offline(userID string) { t.enqueue(op{user: userID, online: false}) }

func (t *Tracker) enqueue(o op) {
	select {
	case t.ops <- o:
	default:
		t.log.Warn("queue full, dropping presence update",
			zap.String("user", o.user), zap.Bool("online", o.online))
	}
}

// Lookup reports whether userID is online and which node holds it.
func (t *Tracker) Lookup(ctx context.Context, userID string) (string, bool, error) {
	val, err := t.rdb.Get(ctx, presenceKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "presence: lookup %s", userID)
	}
	return val, true, nil
}

// Close applies queued updates and stops the writer.
func (t *Tracker) Close() error {
	t.cancel()
	t.wg.Wait()
	return nil
}

func (t *Tracker) run() {
	defer t.wg.Done()

	renew := time.NewTicker(t.ttl / 2)
	defer renew.Stop()

	for {
		select {
		case o := <-t.ops:
			t.apply(o)
		case <-renew.C:
			t.renew()
		case <-t.ctx.Done():
			t.drain()
			return
		}
	}
}

func (t *Tracker) drain() {
	for {
		select {
		case o := <-t.ops:
			t.apply(o)
		default:
			return
		}
	}
}

func (t *Tracker) apply(o op) {
	ctx, cancel := context.WithTimeout(context.Background(), writeBudget)
	defer cancel()

	key := presenceKey(o.user)
	if o.online {
		t.online[o.user] = struct{}{}
		if err := t.rdb.Set(ctx, key, t.nodeID, t.ttl).Err(); err != nil {
			t.log.Error("mark online", zap.String("user", o.user), zap.Error(err))
		}
		return
	}

	delete(t.online, o.user)
	if err := releaseScript.Run(ctx, t.rdb, []string{key}, t.nodeID).Err(); err != nil && !errors.Is(err, redis.Nil) {
		t.log.Error("mark offline", zap.String("user", o.user), zap.Error(err))
	}
}

// renew refreshes the TTL of every user online here.
func (t *Tracker) renew() {
	if len(t.online) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeBudget)
	defer cancel()

	pipe := t.rdb.Pipeline()
	for user := range t.online {
		pipe.Set(ctx, presenceKey(user), t.nodeID, t.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		t.log.Error("renew presence", zap.Int("users", len(t.online)), zap.Error(err))
	}
}
