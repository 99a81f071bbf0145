package curium

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultSweepInterval = 10 * time.Millisecond

// Node is a bus participant. It owns a broker adapter and a codec, claims a
// node identity at Connect, executes incoming commands and correlates the
// responses of its own sends.
//
// A Node connects at most once and may not be reused after Close. All public
// methods are safe for concurrent use.
type Node struct {
	conn   Conn
	codec  Codec
	logger *zap.Logger

	sweepInterval time.Duration

	nid        string
	cidCounter atomic.Int64

	rhMu     sync.Mutex
	handlers map[string]ResponseHandler

	ctxMu    sync.Mutex
	contexts map[string]any

	stateMu   sync.Mutex
	connected bool
	closed    bool
	closedCh  chan struct{}

	sweeperDone chan struct{}
}

// NodeOption customizes a Node at construction.
type NodeOption func(*Node)

// WithCodec replaces the default JSON codec.
func WithCodec(c Codec) NodeOption {
	return func(n *Node) { n.codec = c }
}

// WithLogger sets the structured logger; the default is a no-op logger.
func WithLogger(l *zap.Logger) NodeOption {
	return func(n *Node) { n.logger = l }
}

// WithSweepInterval tunes the response-handler sweeper period
// (default 10ms).
func WithSweepInterval(d time.Duration) NodeOption {
	return func(n *Node) { n.sweepInterval = d }
}

// NewNode builds a node over the given adapter. The wrapper and reply
// envelopes plus the default commands are registered immediately, with the
// codec stored as the wrapper's command context.
func NewNode(conn Conn, opts ...NodeOption) *Node {
	n := &Node{
		conn:          conn,
		codec:         NewJSONCodec(),
		logger:        zap.NewNop(),
		sweepInterval: defaultSweepInterval,
		handlers:      make(map[string]ResponseHandler),
		contexts:      make(map[string]any),
		closedCh:      make(chan struct{}),
		sweeperDone:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}

	// These registrations touch a fresh registry and cannot collide.
	_ = n.RegisterCmdWithContext(&CommandWrapper{}, n.codec)
	_ = n.RegisterCmd(&AddResponse{})
	for _, cmd := range DefaultCommands() {
		_ = n.RegisterCmd(cmd)
	}
	return n
}

// Nid returns the node identity acquired at Connect, or "" before it.
func (n *Node) Nid() string {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.nid
}

// Connect claims the node identity, joins the private channel and, unless
// sendOnly, the broadcast channel, then starts the sweeper. A second call,
// including after Close, logs a warning and is a no-op.
func (n *Node) Connect(ctx context.Context, sendOnly bool) error {
	n.stateMu.Lock()
	if n.connected || n.closed {
		n.stateMu.Unlock()
		n.logger.Warn("connection already connected or closed")
		return nil
	}
	n.stateMu.Unlock()

	nid, err := n.conn.Connect(ctx)
	if err != nil {
		return err
	}
	if err := n.conn.Join(ctx, nid); err != nil {
		return err
	}
	if !sendOnly {
		if err := n.conn.Join(ctx, ChannelAll); err != nil {
			return err
		}
	}

	n.stateMu.Lock()
	n.nid = nid
	n.connected = true
	n.stateMu.Unlock()

	go n.sweepLoop()
	return nil
}

// Close is idempotent: it latches the closed state, stops the sweeper and
// closes the adapter.
func (n *Node) Close() error {
	n.stateMu.Lock()
	if n.closed {
		n.stateMu.Unlock()
		return nil
	}
	n.closed = true
	wasConnected := n.connected
	close(n.closedCh)
	n.stateMu.Unlock()

	if wasConnected {
		<-n.sweeperDone
	}
	return n.conn.Close()
}

func (n *Node) isClosed() bool {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.closed
}

// Join subscribes the node to a channel.
func (n *Node) Join(ctx context.Context, name string) error {
	return n.conn.Join(ctx, name)
}

// Leave unsubscribes the node from a channel.
func (n *Node) Leave(ctx context.Context, name string) error {
	return n.conn.Leave(ctx, name)
}

// RegisterCmd adds a command type to the node's codec registry.
func (n *Node) RegisterCmd(proto Command) error {
	return n.codec.Register(proto)
}

// RegisterCmdWithContext registers the command and stores ctx under the
// command's name for lookup during execution.
func (n *Node) RegisterCmdWithContext(proto Command, ctx any) error {
	if err := n.codec.Register(proto); err != nil {
		return err
	}
	n.ctxMu.Lock()
	n.contexts[proto.CmdName()] = ctx
	n.ctxMu.Unlock()
	return nil
}

// CmdContext returns the context registered for a command. key is either a
// command name or a Command value (its CmdName is used).
func (n *Node) CmdContext(key any) (any, error) {
	var name string
	switch k := key.(type) {
	case string:
		name = k
	case Command:
		name = k.CmdName()
	default:
		return nil, fmt.Errorf("cmd context key must be a string or a Command, got %T", key)
	}
	n.ctxMu.Lock()
	defer n.ctxMu.Unlock()
	ctx, ok := n.contexts[name]
	if !ok {
		return nil, fmt.Errorf("no context registered for command %q", name)
	}
	return ctx, nil
}

// SendOption parameterizes a Send call.
type SendOption func(*sendOptions)

type sendOptions struct {
	handler ResponseHandler
	timeout time.Duration
	hasTO   bool
}

// WithResponseHandler supplies the aggregation strategy for the send. It is
// an error to combine this with WithResponseTimeout.
func WithResponseHandler(h ResponseHandler) SendOption {
	return func(o *sendOptions) { o.handler = h }
}

// WithResponseTimeout bounds the default BlockUntilAllReceived handler.
func WithResponseTimeout(d time.Duration) SendOption {
	return func(o *sendOptions) {
		o.timeout = d
		o.hasTO = true
	}
}

// Send wraps cmd in an envelope carrying the node identity and a fresh
// correlation id, publishes it, and returns the response handler collecting
// the replies. The publish happens before the handler is registered: no
// response can exist before the publish, and the publish reports the
// receiver count the handler is parameterized with. A reply racing ahead of
// the registration is dropped with a warning.
func (n *Node) Send(ctx context.Context, cmd Command, destinations []string, opts ...SendOption) (ResponseHandler, error) {
	var o sendOptions
	for _, opt := range opts {
		opt(&o)
	}
	rh, err := n.createResponseHandler(o)
	if err != nil {
		return nil, err
	}
	if b, ok := rh.(interface{ bindLogger(*zap.Logger) }); ok {
		b.bindLogger(n.logger)
	}

	cid := strconv.FormatInt(n.cidCounter.Add(1)-1, 10)
	inner, err := n.codec.EncodeMap(cmd)
	if err != nil {
		return nil, err
	}
	wrapper := &CommandWrapper{Nid: n.Nid(), Cid: cid, Cmd: inner}

	numReceivers, err := n.SendNoResponse(ctx, wrapper, destinations)
	if err != nil {
		return nil, err
	}
	rh.SetNumReceivers(numReceivers)

	n.rhMu.Lock()
	n.handlers[cid] = rh
	n.rhMu.Unlock()
	return rh, nil
}

func (n *Node) createResponseHandler(o sendOptions) (ResponseHandler, error) {
	if o.handler == nil {
		return NewBlockUntilAllReceived(o.timeout), nil
	}
	if o.hasTO {
		return nil, errors.New("cannot set both response handler and response timeout")
	}
	return o.handler, nil
}

// SendNoResponse publishes cmd to the normalized destination set without
// registering a response handler. It returns the broker's matched
// subscription count (-1 when unknown). An empty destination set is a
// warned no-op returning 0.
func (n *Node) SendNoResponse(ctx context.Context, cmd Command, destinations []string) (int, error) {
	destinations = NormalizeDestinations(destinations, n.logger)
	if len(destinations) == 0 {
		n.logger.Warn("no destinations specified, nothing sent",
			zap.String("cmd", cmd.CmdName()))
		return 0, nil
	}
	data, err := n.codec.Encode(cmd)
	if err != nil {
		return 0, err
	}
	return n.conn.Send(ctx, data, destinations)
}

// Recv receives and decodes one command. It returns nil, nil on timeout.
func (n *Node) Recv(ctx context.Context, block bool, timeout time.Duration) (Command, error) {
	raw, err := n.conn.Recv(ctx, block, timeout)
	if err != nil || raw == nil {
		return nil, err
	}
	return n.codec.Decode(raw)
}

// AddResponse feeds a response value to the handler registered under cid.
// Late or unknown correlation ids are dropped with a warning.
func (n *Node) AddResponse(cid string, v any) {
	n.rhMu.Lock()
	rh, ok := n.handlers[cid]
	n.rhMu.Unlock()
	if !ok {
		n.logger.Warn(fmt.Sprintf("Received response %s, but command %s not found", truncate(fmt.Sprint(v), 80), cid))
		return
	}
	rh.AddResponse(v)
}

// NumResponseHandlers reports how many sends still await responses.
func (n *Node) NumResponseHandlers() int {
	n.rhMu.Lock()
	defer n.rhMu.Unlock()
	return len(n.handlers)
}

// sweepLoop periodically finalizes and removes satisfied handlers. It runs
// from Connect until Close.
func (n *Node) sweepLoop() {
	defer close(n.sweeperDone)
	ticker := time.NewTicker(n.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.closedCh:
			return
		case <-ticker.C:
			n.sweep()
		}
	}
}

func (n *Node) sweep() {
	n.rhMu.Lock()
	snapshot := make(map[string]ResponseHandler, len(n.handlers))
	for cid, rh := range n.handlers {
		snapshot[cid] = rh
	}
	n.rhMu.Unlock()

	for cid, rh := range snapshot {
		if rh.Finalize() {
			n.rhMu.Lock()
			delete(n.handlers, cid)
			n.rhMu.Unlock()
		}
	}
}

// ErrorHandler consumes command execution failures surfaced by
// RecvUntilClose.
type ErrorHandler func(*CommandExecutionError)

// ErrorLogging is the default error handler: it logs the failed command and
// its cause.
func ErrorLogging(logger *zap.Logger) ErrorHandler {
	return func(err *CommandExecutionError) {
		logger.Error(fmt.Sprintf("An Exception raised in the command execution: %v", err.Cmd),
			zap.Error(err.Cause))
	}
}

// RecvOption parameterizes RecvUntilClose.
type RecvOption func(*recvOptions)

type recvOptions struct {
	sleep             time.Duration
	numWorkers        int
	closeWhenExit     bool
	reconnectMaxTries int
	reconnectInterval time.Duration
	errorHandler      ErrorHandler
}

// WithSleep sets the per-iteration receive timeout (default 0.5s). It bounds
// how long a close takes to be observed.
func WithSleep(d time.Duration) RecvOption {
	return func(o *recvOptions) { o.sleep = d }
}

// WithNumWorkers sizes the command execution pool
// (default max(NumCPU, 3)).
func WithNumWorkers(n int) RecvOption {
	return func(o *recvOptions) { o.numWorkers = n }
}

// WithCloseWhenExit controls whether the node is closed when the loop
// returns (default true).
func WithCloseWhenExit(close bool) RecvOption {
	return func(o *recvOptions) { o.closeWhenExit = close }
}

// WithReconnectPolicy bounds the reconnect loop entered on connection
// errors (defaults: 10 tries, 10s apart).
func WithReconnectPolicy(maxTries int, interval time.Duration) RecvOption {
	return func(o *recvOptions) {
		o.reconnectMaxTries = maxTries
		o.reconnectInterval = interval
	}
}

// WithErrorHandler replaces the default execution error handler.
func WithErrorHandler(h ErrorHandler) RecvOption {
	return func(o *recvOptions) { o.errorHandler = h }
}

// RecvUntilClose is the node's event loop: it receives commands until the
// node closes and executes each on a worker pool so command bodies run
// concurrently with the loop and with each other.
//
// An error raised by a command body is wrapped in *CommandExecutionError and
// handed to the error handler; it never terminates the loop. Decode failures
// are logged and skipped. A connection error triggers the bounded reconnect
// loop; when it exhausts, RecvUntilClose returns wrapping
// ErrServerDisconnected.
func (n *Node) RecvUntilClose(ctx context.Context, opts ...RecvOption) error {
	o := recvOptions{
		sleep:             500 * time.Millisecond,
		numWorkers:        max(runtime.NumCPU(), 3),
		closeWhenExit:     true,
		reconnectMaxTries: 10,
		reconnectInterval: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.errorHandler == nil {
		o.errorHandler = ErrorLogging(n.logger)
	}

	// Fixed workers draining a job channel: submission stays select-able, so
	// a close or cancellation is observed even while every worker is busy.
	jobs := make(chan Command)
	pool := new(errgroup.Group)
	for i := 0; i < o.numWorkers; i++ {
		pool.Go(func() error {
			for cmd := range jobs {
				if _, execErr := cmd.Execute(n); execErr != nil {
					o.errorHandler(&CommandExecutionError{Cmd: cmd, Cause: execErr})
				}
			}
			return nil
		})
	}
	defer func() {
		close(jobs)
		_ = pool.Wait()
		if o.closeWhenExit {
			if err := n.Close(); err != nil {
				n.logger.Warn("close after recv loop failed", zap.Error(err))
			}
		}
	}()

	for {
		select {
		case <-n.closedCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		cmd, err := n.Recv(ctx, true, o.sleep)
		if err != nil {
			if IsConnectionError(err) {
				if n.isClosed() {
					return nil
				}
				if rerr := n.reconnectLoop(ctx, o.reconnectMaxTries, o.reconnectInterval); rerr != nil {
					return rerr
				}
				continue
			}
			var formatErr *InvalidFormatError
			var unregErr *CommandNotRegisteredError
			if errors.As(err, &formatErr) || errors.As(err, &unregErr) {
				n.logger.Error("failed to decode incoming command", zap.Error(err))
				continue
			}
			return err
		}
		if cmd == nil {
			continue
		}

		select {
		case jobs <- cmd:
		case <-n.closedCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (n *Node) reconnectLoop(ctx context.Context, maxTries int, interval time.Duration) error {
	for i := 1; i <= maxTries; i++ {
		if n.isClosed() {
			return nil
		}
		err := n.conn.Reconnect(ctx)
		if err == nil {
			n.logger.Info("reconnected to broker", zap.Int("attempt", i))
			return nil
		}
		n.logger.Warn("reconnect attempt failed",
			zap.Int("attempt", i), zap.Int("max_tries", maxTries), zap.Error(err))

		if i == maxTries {
			break
		}
		timer := time.NewTimer(interval)
		select {
		case <-timer.C:
		case <-n.closedCh:
			timer.Stop()
			return nil
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	return fmt.Errorf("reconnect attempts exhausted: %w", ErrServerDisconnected)
}

// truncate cuts s to at most limit bytes on a rune boundary, so a cut never
// produces invalid UTF-8.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
