package curium

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// ResponseHandler aggregates the responses of one Send call. The node keeps
// each handler under the correlation id of the send until the sweeper
// finalizes it, then removes it from the map.
//
// SetNumReceivers records how many subscriptions the publish matched; a
// negative value means the broker could not report a count. Finalize is
// idempotent and reports whether the handler is finalized after the call.
type ResponseHandler interface {
	AddResponse(v any)
	SetNumReceivers(n int)
	Finalize() bool
	// Get returns a snapshot of the collected responses. With block it waits
	// up to timeout (timeout <= 0 waits forever) for finalization; ok
	// reports whether the handler was finalized when the snapshot was taken.
	Get(block bool, timeout time.Duration) (results []any, ok bool)
	NumReceivedResults() int
	IsFinalized() bool
}

// ResponseHandlerBase carries the state shared by all handler strategies:
// the result list, the receiver count, the one-shot finalization latch and
// the streaming cursor. Strategies embed it and install their completion
// predicate via the policy field.
type ResponseHandlerBase struct {
	mu           sync.Mutex
	cond         *sync.Cond
	results      []any
	numReceivers int // negative = unknown
	done         bool
	doneCh       chan struct{}
	streaming    bool
	streamHead   int

	// policy is evaluated with mu held and decides whether the handler is
	// complete. nil never completes (the degenerate-case warning still
	// applies through the strategies).
	policy func() bool

	logger *zap.Logger
}

func (h *ResponseHandlerBase) init() {
	h.numReceivers = -1
	h.doneCh = make(chan struct{})
	h.logger = zap.NewNop()
}

// bindLogger is called by the node when it takes ownership of the handler so
// handler warnings land in the node's log.
func (h *ResponseHandlerBase) bindLogger(logger *zap.Logger) {
	h.mu.Lock()
	h.logger = logger
	h.mu.Unlock()
}

func (h *ResponseHandlerBase) AddResponse(v any) {
	h.add(v, nil)
}

// add appends v unless the handler is already finalized and reports whether
// the append happened. onEnqueue runs with mu still held, so strategies can
// couple bookkeeping (like a deadline refresh) to the append atomically; a
// sweep can never observe the response without the bookkeeping.
func (h *ResponseHandlerBase) add(v any, onEnqueue func()) bool {
	h.mu.Lock()
	if h.done {
		h.mu.Unlock()
		h.logger.Warn("response handler already finalized, dropping response")
		return false
	}
	h.results = append(h.results, v)
	if onEnqueue != nil {
		onEnqueue()
	}
	h.cond.Broadcast()
	h.mu.Unlock()
	return true
}

func (h *ResponseHandlerBase) SetNumReceivers(n int) {
	h.mu.Lock()
	h.numReceivers = n
	h.mu.Unlock()
}

func (h *ResponseHandlerBase) Finalize() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done {
		return true
	}
	if h.policy == nil || !h.policy() {
		return false
	}
	h.finalizeLocked()
	return true
}

// Discard finalizes the handler unconditionally. Callers use it to signal
// disinterest so the next sweep removes the handler even when no completion
// evidence will ever arrive.
func (h *ResponseHandlerBase) Discard() {
	h.mu.Lock()
	if !h.done {
		h.finalizeLocked()
	}
	h.mu.Unlock()
}

func (h *ResponseHandlerBase) finalizeLocked() {
	h.done = true
	close(h.doneCh)
	h.cond.Broadcast()
}

func (h *ResponseHandlerBase) Get(block bool, timeout time.Duration) ([]any, bool) {
	if block {
		if timeout > 0 {
			timer := time.NewTimer(timeout)
			defer timer.Stop()
			select {
			case <-h.doneCh:
			case <-timer.C:
			}
		} else {
			<-h.doneCh
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.streaming {
		h.logger.Warn("responses were consumed through Stream, Get results may be incomplete")
	}
	results := make([]any, len(h.results))
	copy(results, h.results)
	return results, h.done
}

// Stream returns a channel yielding responses as they arrive. The channel
// is closed once the handler is finalized and every queued response has been
// delivered. After the first Stream call, Get snapshots are potentially
// incomplete.
func (h *ResponseHandlerBase) Stream() <-chan any {
	out := make(chan any)
	h.mu.Lock()
	h.streaming = true
	h.mu.Unlock()
	go func() {
		defer close(out)
		for {
			h.mu.Lock()
			for h.streamHead >= len(h.results) && !h.done {
				h.cond.Wait()
			}
			if h.streamHead >= len(h.results) && h.done {
				h.mu.Unlock()
				return
			}
			v := h.results[h.streamHead]
			h.streamHead++
			h.mu.Unlock()
			out <- v
		}
	}()
	return out
}

func (h *ResponseHandlerBase) NumReceivedResults() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.results)
}

func (h *ResponseHandlerBase) IsFinalized() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.done
}

// BlockUntilAllReceived finalizes once every receiver answered
// (received >= numReceivers) or the deadline passed. A handler that ends up
// with neither a receiver count nor a timeout would wait forever; the policy
// detects that, warns and finalizes it so the sweeper can drop it.
type BlockUntilAllReceived struct {
	ResponseHandlerBase
	deadline time.Time // zero = no timeout
}

// NewBlockUntilAllReceived builds the default handler strategy. timeout <= 0
// means no deadline; the deadline is anchored at construction (send) time.
func NewBlockUntilAllReceived(timeout time.Duration) *BlockUntilAllReceived {
	h := &BlockUntilAllReceived{}
	h.ResponseHandlerBase.init()
	h.cond = sync.NewCond(&h.mu)
	if timeout > 0 {
		h.deadline = time.Now().Add(timeout)
	}
	h.policy = h.complete
	return h
}

// complete runs with mu held.
func (h *BlockUntilAllReceived) complete() bool {
	if h.numReceivers < 0 && h.deadline.IsZero() {
		h.logger.Warn("response handler has neither receiver count nor timeout, dropping it")
		return true
	}
	if h.numReceivers >= 0 && len(h.results) >= h.numReceivers {
		return true
	}
	return !h.deadline.IsZero() && time.Now().After(h.deadline)
}

// UpdateTimeoutPerReceive behaves like BlockUntilAllReceived but pushes the
// deadline to now + timeout on every response, so a trickle of answers keeps
// the handler alive.
type UpdateTimeoutPerReceive struct {
	BlockUntilAllReceived
	timeout time.Duration
}

func NewUpdateTimeoutPerReceive(timeout time.Duration) *UpdateTimeoutPerReceive {
	h := &UpdateTimeoutPerReceive{timeout: timeout}
	h.ResponseHandlerBase.init()
	h.cond = sync.NewCond(&h.mu)
	if timeout > 0 {
		h.deadline = time.Now().Add(timeout)
	}
	h.policy = h.complete
	return h
}

func (h *UpdateTimeoutPerReceive) AddResponse(v any) {
	h.add(v, func() {
		if h.timeout > 0 {
			h.deadline = time.Now().Add(h.timeout)
		}
	})
}

// Callback extends BlockUntilAllReceived by invoking fn synchronously for
// each response, after it has been enqueued.
type Callback struct {
	BlockUntilAllReceived
	fn func(v any)
}

func NewCallback(fn func(v any), timeout time.Duration) *Callback {
	h := &Callback{fn: fn}
	h.ResponseHandlerBase.init()
	h.cond = sync.NewCond(&h.mu)
	if timeout > 0 {
		h.deadline = time.Now().Add(timeout)
	}
	h.policy = h.complete
	return h
}

// AddResponse invokes fn only when the response was actually enqueued; a
// response dropped after finalization triggers no callback.
func (h *Callback) AddResponse(v any) {
	if h.add(v, nil) {
		h.fn(v)
	}
}
