package curium

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wrapFor encodes cmd the way Node.Send does and returns the wrapper a
// receiving node would decode.
func wrapFor(t *testing.T, node *Node, senderNid, cid string, cmd Command) *CommandWrapper {
	t.Helper()
	inner, err := node.codec.EncodeMap(cmd)
	require.NoError(t, err)
	return &CommandWrapper{Nid: senderNid, Cid: cid, Cmd: inner}
}

func TestCommandWrapper_EnvelopeRoundTrip(t *testing.T) {
	codec := NewJSONCodec()
	require.NoError(t, codec.Register(&CommandWrapper{}))
	require.NoError(t, codec.Register(&myCommand{}))

	inner, err := codec.EncodeMap(&myCommand{X: 8, Y: []int{4}})
	require.NoError(t, err)
	data, err := codec.Encode(&CommandWrapper{Nid: "A", Cid: "5", Cmd: inner})
	require.NoError(t, err)

	cmd, err := codec.Decode(data)
	require.NoError(t, err)
	wrapper, ok := cmd.(*CommandWrapper)
	require.True(t, ok)
	assert.Equal(t, "A", wrapper.Nid)
	assert.Equal(t, "5", wrapper.Cid)

	decoded, err := codec.DecodeMap(wrapper.Cmd)
	require.NoError(t, err)
	require.IsType(t, &myCommand{}, decoded)
	assert.Equal(t, 8, decoded.(*myCommand).X)
	assert.Equal(t, []int{4}, decoded.(*myCommand).Y)
}

func TestCommandWrapper_Loopback(t *testing.T) {
	node, _ := setupNode(t, nil)
	require.NoError(t, node.RegisterCmd(&upperCommand{}))
	require.NoError(t, node.Connect(context.Background(), false))

	// The sender addressed itself: the response goes straight to the local
	// handler without touching the broker.
	rh := NewBlockUntilAllReceived(time.Second)
	node.rhMu.Lock()
	node.handlers["9"] = rh
	node.rhMu.Unlock()

	wrapper := wrapFor(t, node, node.Nid(), "9", &upperCommand{Msg: "hi"})
	result, err := wrapper.Execute(node)
	require.NoError(t, err)
	assert.Equal(t, NoResponse, result)

	results, _ := rh.Get(false, 0)
	assert.Equal(t, []any{"HI"}, results)
}

func TestCommandWrapper_RemoteReply(t *testing.T) {
	conn := newFakeConn("B")
	node, _ := setupNode(t, conn)
	require.NoError(t, node.RegisterCmd(&upperCommand{}))
	require.NoError(t, node.Connect(context.Background(), false))

	wrapper := wrapFor(t, node, "A", "3", &upperCommand{Msg: "hey"})
	_, err := wrapper.Execute(node)
	require.NoError(t, err)

	// The reply is an AddResponse published to the sender's private channel.
	sends := conn.sentRecords()
	require.Len(t, sends, 1)
	assert.Equal(t, []string{"A"}, sends[0].destinations)

	codec := NewJSONCodec()
	require.NoError(t, codec.Register(&AddResponse{}))
	cmd, err := codec.Decode(sends[0].data)
	require.NoError(t, err)
	reply, ok := cmd.(*AddResponse)
	require.True(t, ok)
	assert.Equal(t, "3", reply.Cid)
	assert.Equal(t, "HEY", reply.Response)
}

func TestCommandWrapper_NoResponseSendsNothing(t *testing.T) {
	conn := newFakeConn("B")
	node, _ := setupNode(t, conn)
	require.NoError(t, node.RegisterCmd(&myCommand{}))
	require.NoError(t, node.Connect(context.Background(), false))

	wrapper := wrapFor(t, node, "A", "0", &myCommand{X: 1})
	result, err := wrapper.Execute(node)
	require.NoError(t, err)
	assert.Equal(t, NoResponse, result)
	assert.Empty(t, conn.sentRecords())
}

func TestCommandWrapper_InnerDecodedOnce(t *testing.T) {
	node, _ := setupNode(t, nil)
	require.NoError(t, node.RegisterCmd(&myCommand{}))

	wrapper := wrapFor(t, node, "A", "0", &myCommand{X: 1})
	first, err := wrapper.innerCmd(node)
	require.NoError(t, err)
	second, err := wrapper.innerCmd(node)
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestAddResponse_Execute(t *testing.T) {
	node, _ := setupNode(t, nil)
	require.NoError(t, node.RegisterCmd(&myCommand{}))
	require.NoError(t, node.Connect(context.Background(), false))

	rh, err := node.Send(context.Background(), &myCommand{}, []string{"x"},
		WithResponseTimeout(time.Second))
	require.NoError(t, err)

	reply := &AddResponse{Cid: "0", Response: "pong"}
	result, err := reply.Execute(node)
	require.NoError(t, err)
	assert.Equal(t, NoResponse, result)
	assert.Equal(t, 1, rh.NumReceivedResults())
}

func TestGetNodeInfos_Execute(t *testing.T) {
	node, _ := setupNode(t, nil)
	require.NoError(t, node.Connect(context.Background(), false))

	result, err := (&GetNodeInfos{}).Execute(node)
	require.NoError(t, err)
	assert.Equal(t, NodeInfo{Nid: "UID", NumResponseHandlers: 0}, result)
}

func TestDefaultRegistrations(t *testing.T) {
	node, _ := setupNode(t, nil)

	// Wrapper, reply carrier and default commands are registered at
	// construction; registering the same types again is a no-op.
	require.NoError(t, node.RegisterCmd(&CommandWrapper{}))
	require.NoError(t, node.RegisterCmd(&AddResponse{}))
	require.NoError(t, node.RegisterCmd(&GetNodeInfos{}))

	// The wrapper's command context is the node's codec.
	ctx, err := node.CmdContext(CmdWrapperName)
	require.NoError(t, err)
	assert.Same(t, node.codec, ctx)
}
