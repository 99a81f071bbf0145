package curium

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// MsgpackCodec encodes commands as msgpack mappings with the same
// __cmd_name__ tagging and registry semantics as JSONCodec. Command structs
// are declared once: the codec reads the json struct tags, so a type
// registered with JSONCodec works here unchanged.
//
// All nodes on a bus must agree on the codec; msgpack and JSON peers do not
// interoperate.
type MsgpackCodec struct {
	registry *cmdRegistry
}

func NewMsgpackCodec() *MsgpackCodec {
	return &MsgpackCodec{registry: newCmdRegistry()}
}

func (c *MsgpackCodec) Register(proto Command) error {
	return c.registry.register(proto)
}

func (c *MsgpackCodec) Encode(cmd Command) ([]byte, error) {
	m, err := c.EncodeMap(cmd)
	if err != nil {
		return nil, err
	}
	data, err := marshalMsgpack(m)
	if err != nil {
		return nil, &UnsupportedObjectError{Cause: err}
	}
	return data, nil
}

func (c *MsgpackCodec) EncodeMap(cmd Command) (map[string]any, error) {
	data, err := marshalMsgpack(cmd)
	if err != nil {
		return nil, &UnsupportedObjectError{Cause: err}
	}
	var m map[string]any
	if err := unmarshalMsgpack(data, &m); err != nil {
		return nil, &UnsupportedObjectError{Cause: err}
	}
	m[CmdNameField] = cmd.CmdName()
	return m, nil
}

func (c *MsgpackCodec) Decode(data []byte) (Command, error) {
	var m map[string]any
	if err := unmarshalMsgpack(data, &m); err != nil {
		return nil, &InvalidFormatError{Reason: "not a msgpack mapping", Cause: err}
	}
	return c.DecodeMap(m)
}

func (c *MsgpackCodec) DecodeMap(m map[string]any) (Command, error) {
	name, cmd, err := c.registry.pop(m)
	if err != nil {
		return nil, err
	}
	data, err := marshalMsgpack(withoutCmdName(m))
	if err != nil {
		return nil, &InvalidFormatError{Reason: "cannot re-encode mapping", Cause: err}
	}
	if err := unmarshalMsgpack(data, cmd); err != nil {
		return nil, &InvalidFormatError{Reason: fmt.Sprintf("bad fields for command %s", name), Cause: err}
	}
	if err := postLoad(cmd); err != nil {
		return nil, err
	}
	return cmd, nil
}

func marshalMsgpack(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func unmarshalMsgpack(data []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	return dec.Decode(v)
}
