package broker_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/susautw/rin-curium/public/broker"
	"github.com/susautw/rin-curium/public/curium"
)

type echoCmd struct {
	Msg string `json:"msg"`
}

func (e *echoCmd) CmdName() string { return "echo" }

func (e *echoCmd) Execute(_ *curium.Node) (any, error) {
	return strings.ToUpper(e.Msg), nil
}

type slowEchoCmd struct {
	Msg     string `json:"msg"`
	DelayMS int    `json:"delay_ms"`
}

func (s *slowEchoCmd) CmdName() string { return "slow_echo" }

func (s *slowEchoCmd) Execute(_ *curium.Node) (any, error) {
	time.Sleep(time.Duration(s.DelayMS) * time.Millisecond)
	return strings.ToUpper(s.Msg), nil
}

// startNode connects a node to the hub and runs its event loop until the
// test ends. sendOnly nodes keep off the broadcast channel.
func startNode(t *testing.T, hub *broker.Memory, sendOnly bool, opts ...curium.NodeOption) *curium.Node {
	t.Helper()
	node := curium.NewNode(hub.NewConn(), opts...)
	require.NoError(t, node.RegisterCmd(&echoCmd{}))
	require.NoError(t, node.RegisterCmd(&slowEchoCmd{}))
	require.NoError(t, node.Connect(context.Background(), sendOnly))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = node.RecvUntilClose(context.Background(),
			curium.WithSleep(20*time.Millisecond),
			curium.WithReconnectPolicy(50, 10*time.Millisecond),
		)
	}()
	t.Cleanup(func() {
		node.Close()
		<-done
	})
	return node
}

func observedNodeLogger(level zapcore.Level) (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(level)
	return zap.New(core), logs
}

func TestBus_BroadcastEcho(t *testing.T) {
	hub := broker.NewMemory()
	startNode(t, hub, false)
	startNode(t, hub, false)
	sender := startNode(t, hub, true)

	rh, err := sender.Send(context.Background(), &echoCmd{Msg: "hi"}, []string{"all"},
		curium.WithResponseTimeout(2*time.Second))
	require.NoError(t, err)

	results, ok := rh.Get(true, 2*time.Second)
	require.True(t, ok)
	assert.ElementsMatch(t, []any{"HI", "HI"}, results)
}

func TestBus_TargetedNodeInfos(t *testing.T) {
	hub := broker.NewMemory()
	receiver := startNode(t, hub, false)
	startNode(t, hub, false)
	sender := startNode(t, hub, true)

	rh, err := sender.Send(context.Background(), &curium.GetNodeInfos{},
		[]string{receiver.Nid()}, curium.WithResponseTimeout(2*time.Second))
	require.NoError(t, err)

	results, ok := rh.Get(true, 2*time.Second)
	require.True(t, ok)
	require.Len(t, results, 1)

	info, isMap := results[0].(map[string]any)
	require.True(t, isMap, "response round-trips as a mapping, got %T", results[0])
	assert.Equal(t, receiver.Nid(), info["nid"])
	assert.Contains(t, info, "num_response_handlers")
}

func TestBus_UnknownCommandKeepsLoopAlive(t *testing.T) {
	hub := broker.NewMemory()
	logger, logs := observedNodeLogger(zap.ErrorLevel)
	receiver := startNode(t, hub, false, curium.WithLogger(logger))
	sender := startNode(t, hub, true)

	// Inject a payload whose command name nobody registered.
	raw := hub.NewConn()
	_, err := raw.Connect(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })
	_, err = raw.Send(context.Background(), []byte(`{"__cmd_name__":"nope"}`), []string{"all"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for _, entry := range logs.All() {
			if entry.Message == "failed to decode incoming command" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	// The loop is still serving commands.
	rh, err := sender.Send(context.Background(), &echoCmd{Msg: "alive"},
		[]string{receiver.Nid()}, curium.WithResponseTimeout(2*time.Second))
	require.NoError(t, err)
	results, ok := rh.Get(true, 2*time.Second)
	require.True(t, ok)
	assert.Equal(t, []any{"ALIVE"}, results)
}

func TestBus_LateResponseDropped(t *testing.T) {
	hub := broker.NewMemory()
	receiver := startNode(t, hub, false)
	logger, logs := observedNodeLogger(zap.WarnLevel)
	sender := startNode(t, hub, true, curium.WithLogger(logger),
		curium.WithSweepInterval(5*time.Millisecond))

	rh, err := sender.Send(context.Background(), &slowEchoCmd{Msg: "late", DelayMS: 150},
		[]string{receiver.Nid()}, curium.WithResponseTimeout(10*time.Millisecond))
	require.NoError(t, err)

	results, ok := rh.Get(true, time.Second)
	require.True(t, ok)
	assert.Empty(t, results)

	// The reply lands after the sweeper removed the handler.
	require.Eventually(t, func() bool {
		for _, entry := range logs.All() {
			if strings.Contains(entry.Message, "not found") {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, sender.NumResponseHandlers())
}

func TestBus_RecoversFromOutage(t *testing.T) {
	hub := broker.NewMemory()
	receiver := startNode(t, hub, false)
	sender := startNode(t, hub, true)

	hub.Stop()
	time.Sleep(100 * time.Millisecond)
	hub.Start()

	var results []any
	require.Eventually(t, func() bool {
		rh, err := sender.Send(context.Background(), &echoCmd{Msg: "back"},
			[]string{receiver.Nid()}, curium.WithResponseTimeout(500*time.Millisecond))
		if err != nil {
			return false
		}
		var ok bool
		results, ok = rh.Get(true, time.Second)
		return ok && len(results) == 1
	}, 5*time.Second, 50*time.Millisecond)
	assert.Equal(t, []any{"BACK"}, results)
}
