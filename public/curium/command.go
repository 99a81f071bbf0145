// Package curium implements a distributed command bus on top of a
// publish/subscribe broker. Processes participate as nodes: each node owns a
// broker-unique identity (nid), joins named channels, and exchanges typed
// commands with the other nodes. A command sent through Node.Send is wrapped
// in an envelope carrying the sender identity and a correlation id, executed
// on every receiving node, and its return value travels back to the sender's
// private channel where a response handler collects it.
//
// The broker itself is abstracted behind the Conn interface; the reference
// adapters (Redis and in-memory) live in the broker package.
package curium

// Version of the rin-curium module.
const Version = "0.2.0"

// NoResponseType is the type of the NoResponse sentinel.
type NoResponseType struct{}

// NoResponse is returned by a command execution that has nothing to send
// back to the sender. It is distinct from a nil result: nil is a legitimate
// response value and will be delivered.
var NoResponse = NoResponseType{}

// Command is a unit of work exchanged on the bus. Implementations are plain
// structs whose exported, json-tagged fields round-trip through the codec.
//
// CmdName returns the stable wire name stored in the __cmd_name__ field of
// every encoded command. Names must be unique per codec registry and must
// not change between releases, or peers stop understanding each other.
//
// Execute runs the command on the node that received it. The returned value
// is delivered to the sender as a response unless it is NoResponse.
type Command interface {
	CmdName() string
	Execute(ctx *Node) (any, error)
}

// PostLoader is implemented by commands that carry derived fields. The codec
// calls PostLoad after decoding so those fields can be recomputed from the
// transmitted ones; they are never part of the wire form.
type PostLoader interface {
	PostLoad() error
}
