// Package broker provides the reference adapters behind the curium.Conn
// contract: RedisConn over a Redis pub/sub broker and Memory/MemConn for
// in-process buses and tests. Both use the same addressing trick: a publish
// to destinations {d1..dn} goes to the single topic |d1|...|dn| and a join
// of channel name subscribes to the pattern *|name|*, so the broker fans
// out one publish to every subscriber whose channel appears between the
// delimiters.
package broker

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/susautw/rin-curium/public/curium"
)

const (
	defaultNamespace         = "curium"
	defaultExpire            = 120 * time.Second
	defaultSendTimeout       = 10 * time.Second
	defaultHeartbeatInterval = time.Second

	// internalTimeout slices blocking receives so close stays responsive.
	internalTimeout = time.Second

	// pingPayload distinguishes the send liveness ping from other pongs on
	// the subscription session.
	pingPayload = "curium-send-ping"
)

// RedisConn implements the curium.Conn contract over a Redis client.
//
// Identity: Connect claims the key <namespace>:<nid> with an
// INCR + EXPIRE NX pipeline, accepting a generated nid only when INCR
// returned 1, and a heartbeat goroutine rewrites the key with SETEX every
// heartbeat interval. If the broker is lost the key expires and observers
// consider the node dead.
//
// Receiving: a pump goroutine drains the pub/sub session, forwarding
// message payloads to Recv and consuming control frames (subscription acks
// and pongs) internally.
type RedisConn struct {
	client redis.UniversalClient
	logger *zap.Logger

	namespace         string
	expire            time.Duration
	sendTimeout       time.Duration
	pingWhileSending  bool
	heartbeatInterval time.Duration

	mu       sync.Mutex
	pubsub   *redis.PubSub
	uid      string
	uidKey   string
	patterns map[string]struct{}
	pumpStop chan struct{}
	hbStop   chan struct{}
	closed   bool

	msgCh chan []byte
	errCh chan error

	// sendMu serializes the clear-pong, ping, await-pong, publish sequence
	// so one send's pong cannot satisfy another's wait.
	sendMu sync.Mutex
	pongMu sync.Mutex
	pongCh chan struct{}
}

// RedisOption customizes a RedisConn.
type RedisOption func(*RedisConn)

// WithNamespace sets the key prefix isolating this deployment
// (default "curium").
func WithNamespace(ns string) RedisOption {
	return func(c *RedisConn) { c.namespace = ns }
}

// WithExpire sets the identity key TTL (default 120s).
func WithExpire(d time.Duration) RedisOption {
	return func(c *RedisConn) { c.expire = d }
}

// WithSendTimeout bounds the wait for the liveness pong before a publish
// (default 10s).
func WithSendTimeout(d time.Duration) RedisOption {
	return func(c *RedisConn) { c.sendTimeout = d }
}

// WithPingWhileSending toggles the pre-publish liveness ping (default on).
// Disable it only when the broker guarantees session liveness synchronously.
func WithPingWhileSending(ping bool) RedisOption {
	return func(c *RedisConn) { c.pingWhileSending = ping }
}

// WithHeartbeatInterval tunes the identity refresh period (default 1s).
func WithHeartbeatInterval(d time.Duration) RedisOption {
	return func(c *RedisConn) { c.heartbeatInterval = d }
}

// WithRedisLogger sets the structured logger (default no-op).
func WithRedisLogger(l *zap.Logger) RedisOption {
	return func(c *RedisConn) { c.logger = l }
}

// NewRedisConn wraps an existing Redis client. The client is not closed by
// Close; the caller owns it.
func NewRedisConn(client redis.UniversalClient, opts ...RedisOption) *RedisConn {
	c := &RedisConn{
		client:            client,
		logger:            zap.NewNop(),
		namespace:         defaultNamespace,
		expire:            defaultExpire,
		sendTimeout:       defaultSendTimeout,
		pingWhileSending:  true,
		heartbeatInterval: defaultHeartbeatInterval,
		patterns:          make(map[string]struct{}),
		msgCh:             make(chan []byte, 128),
		errCh:             make(chan error, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DialRedis builds a RedisConn from a Redis URL
// (redis://[user:pass@]host:port/db).
func DialRedis(url string, opts ...RedisOption) (*RedisConn, error) {
	ropts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	return NewRedisConn(redis.NewClient(ropts), opts...), nil
}

// Connect verifies the broker is reachable, claims a unique identity key
// and starts the heartbeat and receive pump.
func (c *RedisConn) Connect(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pubsub != nil {
		c.logger.Warn(fmt.Sprintf("Already connected. uid: %s", c.uid))
		return c.uid, nil
	}

	if err := c.client.Ping(ctx).Err(); err != nil {
		return "", fmt.Errorf("%w: %v", curium.ErrConnectionFailed, err)
	}

	// Claim an identity: INCR proves first-writer, EXPIRE NX arms the TTL
	// only on the claiming write. Collisions retry with a fresh candidate.
	var uid, uidKey string
	for {
		uid = uuid.NewString()
		uidKey = c.namespace + ":" + uid
		pipe := c.client.Pipeline()
		incr := pipe.Incr(ctx, uidKey)
		pipe.ExpireNX(ctx, uidKey, c.expire)
		if _, err := pipe.Exec(ctx); err != nil {
			return "", fmt.Errorf("%w: %v", curium.ErrConnectionFailed, err)
		}
		if incr.Val() == 1 {
			break
		}
	}

	c.uid = uid
	c.uidKey = uidKey
	c.pubsub = c.client.PSubscribe(ctx)
	c.pumpStop = make(chan struct{})
	c.hbStop = make(chan struct{})
	go c.pump(c.pubsub, c.pumpStop)
	go c.heartbeat(c.hbStop)
	return uid, nil
}

// Reconnect re-asserts the identity key claimed by Connect and rebuilds the
// subscription session with every pattern recorded by Join.
func (c *RedisConn) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.uid == "" || c.closed {
		return fmt.Errorf("%w: no previous connection", curium.ErrNotConnected)
	}

	if err := c.client.SetEx(ctx, c.uidKey, 1, c.expire).Err(); err != nil {
		return fmt.Errorf("%w: %v", curium.ErrConnectionFailed, err)
	}

	// Tear down the stale session and start over with the recorded patterns.
	if c.pumpStop != nil {
		close(c.pumpStop)
	}
	if c.pubsub != nil {
		_ = c.pubsub.Close()
	}
	c.drainStale()

	c.pubsub = c.client.PSubscribe(ctx)
	for pattern := range c.patterns {
		if err := c.pubsub.PSubscribe(ctx, pattern); err != nil {
			return fmt.Errorf("%w: %v", curium.ErrConnectionFailed, err)
		}
	}
	c.pumpStop = make(chan struct{})
	go c.pump(c.pubsub, c.pumpStop)
	return nil
}

// drainStale discards buffered errors and messages left by a dead session.
func (c *RedisConn) drainStale() {
	for {
		select {
		case <-c.errCh:
		case <-c.msgCh:
		default:
			return
		}
	}
}

// Close stops the heartbeat and pump, tears down the subscription session
// and deletes the identity key. Broker errors during deletion are
// suppressed. Calling Close on a never-connected adapter is a no-op.
func (c *RedisConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.pubsub == nil {
		c.closed = true
		return nil
	}
	c.closed = true
	close(c.hbStop)
	close(c.pumpStop)
	_ = c.pubsub.Close()
	c.pubsub = nil

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.client.Del(ctx, c.uidKey).Err(); err != nil {
		c.logger.Warn("failed to delete identity key", zap.String("key", c.uidKey), zap.Error(err))
	}
	return nil
}

// Join subscribes to the channel's pattern and records it for Reconnect.
func (c *RedisConn) Join(ctx context.Context, name string) error {
	if err := curium.ValidateChannel(name); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.verifyConnectedLocked(); err != nil {
		return err
	}
	pattern := curium.Pattern(name)
	if err := c.pubsub.PSubscribe(ctx, pattern); err != nil {
		return fmt.Errorf("%w: %v", curium.ErrServerDisconnected, err)
	}
	c.patterns[pattern] = struct{}{}
	return nil
}

// Leave unsubscribes from the channel's pattern.
func (c *RedisConn) Leave(ctx context.Context, name string) error {
	if err := curium.ValidateChannel(name); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.verifyConnectedLocked(); err != nil {
		return err
	}
	pattern := curium.Pattern(name)
	if err := c.pubsub.PUnsubscribe(ctx, pattern); err != nil {
		return fmt.Errorf("%w: %v", curium.ErrServerDisconnected, err)
	}
	delete(c.patterns, pattern)
	return nil
}

// Send normalizes the destination set and publishes data to its topic in a
// single publish, returning the number of matched subscriptions. With
// ping-while-sending on, the publish is preceded by a pub/sub PING whose
// pong must be observed by the receive pump within the send timeout;
// otherwise the session is considered dead and Send fails with
// ErrServerDisconnected. Redis reports publish success locally even when
// the subscriber session silently died, which the ping roundtrip detects.
func (c *RedisConn) Send(ctx context.Context, data []byte, destinations []string) (int, error) {
	destinations = curium.NormalizeDestinations(destinations, c.logger)
	if len(destinations) == 0 {
		c.logger.Warn("no destinations specified, nothing sent")
		return 0, nil
	}
	for _, d := range destinations {
		if err := curium.ValidateChannel(d); err != nil {
			return 0, err
		}
	}
	c.mu.Lock()
	pubsub := c.pubsub
	c.mu.Unlock()
	if pubsub == nil {
		return 0, fmt.Errorf("%w: operation before connect", curium.ErrNotConnected)
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.pingWhileSending {
		if err := c.awaitPong(ctx, pubsub); err != nil {
			return 0, err
		}
	}

	count, err := c.client.Publish(ctx, curium.Topic(destinations), data).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", curium.ErrServerDisconnected, err)
	}
	return int(count), nil
}

// awaitPong arms the pong latch, pings the subscription session and waits
// for the pump to observe the answer. Runs with sendMu held.
func (c *RedisConn) awaitPong(ctx context.Context, pubsub *redis.PubSub) error {
	pong := make(chan struct{})
	c.pongMu.Lock()
	c.pongCh = pong
	c.pongMu.Unlock()

	if err := pubsub.Ping(ctx, pingPayload); err != nil {
		return fmt.Errorf("%w: %v", curium.ErrServerDisconnected, err)
	}

	timer := time.NewTimer(c.sendTimeout)
	defer timer.Stop()
	select {
	case <-pong:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: no pong within send timeout", curium.ErrServerDisconnected)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *RedisConn) signalPong() {
	c.pongMu.Lock()
	if c.pongCh != nil {
		close(c.pongCh)
		c.pongCh = nil
	}
	c.pongMu.Unlock()
}

// Recv returns one message payload delivered by the pump, nil on timeout.
func (c *RedisConn) Recv(ctx context.Context, block bool, timeout time.Duration) ([]byte, error) {
	c.mu.Lock()
	connected := c.pubsub != nil
	c.mu.Unlock()
	if !connected {
		return nil, fmt.Errorf("%w: operation before connect", curium.ErrNotConnected)
	}

	if !block {
		select {
		case data := <-c.msgCh:
			return data, nil
		case err := <-c.errCh:
			return nil, err
		default:
			return nil, nil
		}
	}

	var expire <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expire = timer.C
	}
	select {
	case data := <-c.msgCh:
		return data, nil
	case err := <-c.errCh:
		return nil, err
	case <-expire:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// pump drains the subscription session in internalTimeout slices, routing
// payloads to Recv and consuming control frames. A hard receive error ends
// the pump and surfaces through Recv as ErrServerDisconnected.
func (c *RedisConn) pump(pubsub *redis.PubSub, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}

		msg, err := pubsub.ReceiveTimeout(context.Background(), internalTimeout)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-stop:
			case c.errCh <- fmt.Errorf("%w: %v", curium.ErrServerDisconnected, err):
			default:
			}
			return
		}

		switch m := msg.(type) {
		case *redis.Message:
			select {
			case c.msgCh <- []byte(m.Payload):
			case <-stop:
				return
			}
		case *redis.Pong:
			// Some brokers answer a subscriber-mode ping without echoing
			// the payload; accept both.
			if m.Payload == pingPayload || m.Payload == "" {
				c.signalPong()
			}
		case *redis.Subscription:
			// Subscription ack, consumed internally.
		}
	}
}

// heartbeat rewrites the identity key every interval so it outlives the TTL
// while the node is up, logging one-shot disconnected/reconnected
// transitions.
func (c *RedisConn) heartbeat(stop chan struct{}) {
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()
	down := false
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.heartbeatInterval)
			err := c.client.SetEx(ctx, c.uidKey, 1, c.expire).Err()
			cancel()
			if err != nil {
				if !down {
					down = true
					c.logger.Warn("Server disconnected")
				}
			} else if down {
				down = false
				c.logger.Warn("Server reconnected")
			}
		}
	}
}

func (c *RedisConn) verifyConnectedLocked() error {
	if c.pubsub == nil {
		return fmt.Errorf("%w: operation before connect", curium.ErrNotConnected)
	}
	return nil
}
