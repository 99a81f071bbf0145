package curium

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ChannelAll is the broadcast channel every node joins by default.
const ChannelAll = "all"

// Conn is the broker adapter contract. An adapter owns one broker session:
// it claims a unique node identity on Connect, keeps the identity alive with
// a heartbeat, turns Join/Leave into pattern subscriptions and Send into a
// single multi-destination publish.
//
// Errors are classified with the connection sentinels (ErrConnectionFailed,
// ErrNotConnected, ErrServerDisconnected) plus *InvalidChannelError; see the
// method comments for which apply.
type Conn interface {
	// Connect establishes the session and returns the broker-unique node id.
	// Fails with ErrConnectionFailed when the broker is unreachable. Calling
	// Connect on an already connected adapter logs a warning and returns the
	// existing id.
	Connect(ctx context.Context) (nid string, err error)

	// Reconnect re-asserts the identity claimed by Connect and restores all
	// pattern subscriptions after a transient broker outage. Fails with
	// ErrNotConnected when Connect never succeeded, ErrConnectionFailed when
	// the broker still refuses.
	Reconnect(ctx context.Context) error

	// Close is idempotent. It stops the heartbeat, deletes the identity key
	// (best effort) and tears down the subscription session.
	Close() error

	// Join subscribes to the channel; Leave unsubscribes. Errors:
	// ErrNotConnected, *InvalidChannelError, ErrServerDisconnected.
	Join(ctx context.Context, name string) error
	Leave(ctx context.Context, name string) error

	// Send publishes data to the destination set in one publish and returns
	// the broker's count of matched subscriptions (-1 when the broker cannot
	// report one). An empty destination set is a warned no-op returning 0.
	Send(ctx context.Context, data []byte, destinations []string) (int, error)

	// Recv returns one pattern-matched message payload, or nil on timeout.
	// block=false forces an immediate poll regardless of timeout; timeout <=
	// 0 with block means wait forever. Control frames are consumed
	// internally and never returned.
	Recv(ctx context.Context, block bool, timeout time.Duration) ([]byte, error)
}

// ValidateChannel rejects names containing the reserved delimiter.
func ValidateChannel(name string) error {
	if strings.Contains(name, "|") {
		return &InvalidChannelError{Name: name}
	}
	return nil
}

// Topic encodes a destination set into the single broker topic the
// adapters publish to: |d1|d2|...|dn|.
func Topic(destinations []string) string {
	return "|" + strings.Join(destinations, "|") + "|"
}

// Pattern returns the subscription pattern matching every topic that lists
// the channel between delimiters.
func Pattern(name string) string {
	return "*|" + name + "|*"
}

// NormalizeDestinations collapses a destination list to set semantics:
// duplicates are dropped (first occurrence order kept) and "all" alongside
// any other name reduces to just "all", with a warning. The result is safe
// to pass again; a normalized list comes back unchanged and silent.
func NormalizeDestinations(destinations []string, logger *zap.Logger) []string {
	seen := make(map[string]struct{}, len(destinations))
	deduped := destinations[:0:0]
	hasAll := false
	for _, d := range destinations {
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		deduped = append(deduped, d)
		if d == ChannelAll {
			hasAll = true
		}
	}
	if hasAll && len(deduped) > 1 {
		logger.Warn("destinations contain \"all\", collapsing to broadcast",
			zap.Strings("destinations", destinations))
		return []string{ChannelAll}
	}
	return deduped
}
