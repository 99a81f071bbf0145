package curium

import (
	"context"
	"fmt"
	"sync"
)

// Wire names of the built-in commands.
const (
	CmdWrapperName      = "__cmd_wrapper__"
	CmdAddResponseName  = "__cmd_add_response__"
	CmdGetNodeInfosName = "get_node_infos"
)

// DefaultCommands lists the commands every node registers at construction,
// in addition to CommandWrapper and AddResponse.
func DefaultCommands() []Command {
	return []Command{&GetNodeInfos{}}
}

// CommandWrapper is the request envelope: it carries the sender identity,
// the correlation id and the inner command in already-encoded mapping form,
// so encoding a wrapper never re-encodes its payload.
//
// On the receiving node it decodes and runs the inner command and routes a
// non-NoResponse result back to the sender: directly into the local handler
// when the sender was itself a destination, otherwise as an AddResponse
// publish to the sender's private channel.
type CommandWrapper struct {
	Nid string         `json:"nid"`
	Cid string         `json:"cid"`
	Cmd map[string]any `json:"cmd"`

	innerOnce sync.Once
	inner     Command
	innerErr  error
}

func (w *CommandWrapper) CmdName() string { return CmdWrapperName }

func (w *CommandWrapper) Execute(node *Node) (any, error) {
	cmd, err := w.innerCmd(node)
	if err != nil {
		return nil, err
	}
	result, err := cmd.Execute(node)
	if err != nil {
		return nil, err
	}
	if _, none := result.(NoResponseType); none {
		return NoResponse, nil
	}

	if w.Nid == node.Nid() {
		// Loopback: the sender addressed itself, skip the broker round trip.
		node.AddResponse(w.Cid, result)
		return NoResponse, nil
	}
	reply := &AddResponse{Cid: w.Cid, Response: result}
	if _, err := node.SendNoResponse(context.Background(), reply, []string{w.Nid}); err != nil {
		return nil, fmt.Errorf("failed to send response for command %s: %w", w.Cid, err)
	}
	return NoResponse, nil
}

// innerCmd decodes the embedded command once per wrapper instance, using the
// codec stored as the wrapper's command context.
func (w *CommandWrapper) innerCmd(node *Node) (Command, error) {
	w.innerOnce.Do(func() {
		ctx, err := node.CmdContext(CmdWrapperName)
		if err != nil {
			w.innerErr = err
			return
		}
		codec, ok := ctx.(Codec)
		if !ok {
			w.innerErr = fmt.Errorf("context of %s is %T, expected a Codec", CmdWrapperName, ctx)
			return
		}
		w.inner, w.innerErr = codec.DecodeMap(w.Cmd)
	})
	return w.inner, w.innerErr
}

// AddResponse is the reply envelope: it carries one response value back to
// the sending node, addressed to its private channel, and feeds it to the
// handler registered under the correlation id.
type AddResponse struct {
	Cid      string `json:"cid"`
	Response any    `json:"response"`
}

func (a *AddResponse) CmdName() string { return CmdAddResponseName }

func (a *AddResponse) Execute(node *Node) (any, error) {
	node.AddResponse(a.Cid, a.Response)
	return NoResponse, nil
}

// NodeInfo is the response of GetNodeInfos.
type NodeInfo struct {
	Nid                 string `json:"nid"`
	NumResponseHandlers int    `json:"num_response_handlers"`
}

// GetNodeInfos asks a node to report its identity and how many of its own
// sends still await responses.
type GetNodeInfos struct{}

func (g *GetNodeInfos) CmdName() string { return CmdGetNodeInfosName }

func (g *GetNodeInfos) Execute(node *Node) (any, error) {
	return NodeInfo{
		Nid:                 node.Nid(),
		NumResponseHandlers: node.NumResponseHandlers(),
	}, nil
}
