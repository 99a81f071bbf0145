package curium

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"
)

// myCommand mirrors a typical user command: two option fields that travel
// on the wire and two derived fields recomputed by PostLoad.
type myCommand struct {
	X int   `json:"x"`
	Y []int `json:"y"`

	Z float64 `json:"-"`
	P bool    `json:"-"`
}

func (*myCommand) CmdName() string { return "my_command" }

func (c *myCommand) PostLoad() error {
	c.Z = float64(c.X) / 2
	c.P = true
	return nil
}

func (c *myCommand) Execute(_ *Node) (any, error) {
	return NoResponse, nil
}

// anotherCommand reuses myCommand's name to provoke registry collisions.
type anotherCommand struct{}

func (*anotherCommand) CmdName() string { return "my_command" }

func (*anotherCommand) Execute(_ *Node) (any, error) {
	return NoResponse, nil
}

// upperCommand returns its message upper-cased.
type upperCommand struct {
	Msg string `json:"msg"`
}

func (*upperCommand) CmdName() string { return "upper" }

func (c *upperCommand) Execute(_ *Node) (any, error) {
	return strings.ToUpper(c.Msg), nil
}

// failingCommand always fails.
type failingCommand struct{}

func (*failingCommand) CmdName() string { return "failing" }

func (*failingCommand) Execute(_ *Node) (any, error) {
	return nil, errors.New("an Exception")
}

// slowCommand sleeps before answering.
type slowCommand struct {
	SleepMS int `json:"sleep_ms"`
}

func (*slowCommand) CmdName() string { return "slow" }

func (c *slowCommand) Execute(_ *Node) (any, error) {
	time.Sleep(time.Duration(c.SleepMS) * time.Millisecond)
	return 42, nil
}

// badPostLoadCommand decodes fine but fails recomputing derived state.
type badPostLoadCommand struct {
	X int `json:"x"`
}

func (*badPostLoadCommand) CmdName() string { return "bad_post_load" }

func (*badPostLoadCommand) PostLoad() error {
	return errors.New("bad derived state")
}

func (*badPostLoadCommand) Execute(_ *Node) (any, error) {
	return NoResponse, nil
}

// gateCommand blocks until its context's release channel closes; tests use
// it to pin down the worker pool.
type gateCtx struct {
	started atomic.Int32
	release chan struct{}
}

type gateCommand struct{}

func (*gateCommand) CmdName() string { return "gate" }

func (*gateCommand) Execute(node *Node) (any, error) {
	ctx, err := node.CmdContext("gate")
	if err != nil {
		return nil, err
	}
	g := ctx.(*gateCtx)
	g.started.Add(1)
	<-g.release
	return NoResponse, nil
}

// unserializableCommand carries a field the JSON codec rejects.
type unserializableCommand struct {
	Ch chan int `json:"ch"`
}

func (*unserializableCommand) CmdName() string { return "unserializable" }

func (*unserializableCommand) Execute(_ *Node) (any, error) {
	return NoResponse, nil
}
