package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/susautw/rin-curium/public/curium"
)

// Memory is an in-process hub with the same addressing semantics as the
// Redis adapter: one publish to topic |d1|...|dn| reaches every connection
// joined to any of the listed channels, once per matching channel. It backs
// single-process buses and tests that need no external broker.
type Memory struct {
	mu     sync.Mutex
	conns  map[string]*MemConn
	closed bool
}

func NewMemory() *Memory {
	return &Memory{conns: make(map[string]*MemConn)}
}

// NewConn returns an unconnected connection bound to this hub.
func (h *Memory) NewConn(opts ...MemOption) *MemConn {
	c := &MemConn{
		hub:    h,
		logger: zap.NewNop(),
		joined: make(map[string]struct{}),
		msgCh:  make(chan []byte, 256),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Stop disconnects the hub from all connections: subsequent operations on
// them fail with ErrServerDisconnected until the hub is started again.
// Tests use the Stop/Start pair to simulate a broker outage.
func (h *Memory) Stop() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
}

// Start reverses Stop.
func (h *Memory) Start() {
	h.mu.Lock()
	h.closed = false
	h.mu.Unlock()
}

// publish delivers data to every matching (connection, channel) pair and
// returns the number of matches, mirroring what Redis reports for pattern
// subscriptions.
func (h *Memory) publish(topic string, data []byte) (int, error) {
	names := strings.Split(strings.Trim(topic, "|"), "|")

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return 0, fmt.Errorf("%w: hub stopped", curium.ErrServerDisconnected)
	}
	conns := make([]*MemConn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	matched := 0
	for _, c := range conns {
		matched += c.deliver(names, data)
	}
	return matched, nil
}

func (h *Memory) register(c *MemConn) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return "", fmt.Errorf("%w: hub stopped", curium.ErrConnectionFailed)
	}
	uid := uuid.NewString()
	h.conns[uid] = c
	return uid, nil
}

func (h *Memory) reattach(uid string, c *MemConn) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return fmt.Errorf("%w: hub stopped", curium.ErrConnectionFailed)
	}
	h.conns[uid] = c
	return nil
}

func (h *Memory) unregister(uid string) {
	h.mu.Lock()
	delete(h.conns, uid)
	h.mu.Unlock()
}

func (h *Memory) stopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// MemConn implements the curium.Conn contract against a Memory hub.
type MemConn struct {
	hub    *Memory
	logger *zap.Logger

	mu        sync.Mutex
	uid       string
	connected bool
	closed    bool
	joined    map[string]struct{}

	msgCh chan []byte
}

// MemOption customizes a MemConn.
type MemOption func(*MemConn)

// WithMemLogger sets the structured logger (default no-op).
func WithMemLogger(l *zap.Logger) MemOption {
	return func(c *MemConn) { c.logger = l }
}

func (c *MemConn) Connect(_ context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		c.logger.Warn(fmt.Sprintf("Already connected. uid: %s", c.uid))
		return c.uid, nil
	}
	uid, err := c.hub.register(c)
	if err != nil {
		return "", err
	}
	c.uid = uid
	c.connected = true
	return uid, nil
}

func (c *MemConn) Reconnect(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.uid == "" || c.closed {
		return fmt.Errorf("%w: no previous connection", curium.ErrNotConnected)
	}
	if err := c.hub.reattach(c.uid, c); err != nil {
		return err
	}
	c.connected = true
	return nil
}

func (c *MemConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || !c.connected {
		c.closed = true
		return nil
	}
	c.closed = true
	c.connected = false
	c.hub.unregister(c.uid)
	return nil
}

func (c *MemConn) Join(_ context.Context, name string) error {
	if err := curium.ValidateChannel(name); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.verifyLocked(); err != nil {
		return err
	}
	c.joined[name] = struct{}{}
	return nil
}

func (c *MemConn) Leave(_ context.Context, name string) error {
	if err := curium.ValidateChannel(name); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.verifyLocked(); err != nil {
		return err
	}
	delete(c.joined, name)
	return nil
}

func (c *MemConn) Send(_ context.Context, data []byte, destinations []string) (int, error) {
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
	if err := c.verifyLocked(); err != nil {
		c.mu.Unlock()
		return 0, err
	}
	c.mu.Unlock()
	return c.hub.publish(curium.Topic(destinations), data)
}

func (c *MemConn) Recv(ctx context.Context, block bool, timeout time.Duration) ([]byte, error) {
	c.mu.Lock()
	if err := c.verifyLocked(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.mu.Unlock()

	if c.hub.stopped() {
		return nil, fmt.Errorf("%w: hub stopped", curium.ErrServerDisconnected)
	}
	if !block {
		select {
		case data := <-c.msgCh:
			return data, nil
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
	case <-expire:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// deliver queues one copy of data per joined channel listed in names and
// returns how many copies were queued. A full buffer drops the message, as
// best-effort pub/sub does.
func (c *MemConn) deliver(names []string, data []byte) int {
	c.mu.Lock()
	matches := 0
	for _, name := range names {
		if _, ok := c.joined[name]; ok {
			matches++
		}
	}
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return 0
	}

	for i := 0; i < matches; i++ {
		select {
		case c.msgCh <- data:
		default:
			c.logger.Warn("receive buffer full, dropping message")
		}
	}
	return matches
}

func (c *MemConn) verifyLocked() error {
	if !c.connected {
		return fmt.Errorf("%w: operation before connect", curium.ErrNotConnected)
	}
	return nil
}
