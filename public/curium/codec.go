package curium

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
)

// CmdNameField is the wire field carrying the command name in every encoded
// command mapping.
const CmdNameField = "__cmd_name__"

// Codec turns commands into bytes and back. Implementations keep a
// name→type registry so the receiving side can reconstruct the concrete
// command type from the __cmd_name__ tag.
//
// EncodeMap/DecodeMap expose the intermediate mapping form: the node uses
// them to embed an already-encoded inner command inside a CommandWrapper
// without recursive byte-encoding.
type Codec interface {
	// Register adds a command type to the registry, keyed by CmdName.
	// Registering the same type twice is a no-op; registering a different
	// type under a taken name fails with *CommandHasRegisteredError.
	Register(proto Command) error

	Encode(cmd Command) ([]byte, error)
	EncodeMap(cmd Command) (map[string]any, error)
	Decode(data []byte) (Command, error)
	DecodeMap(m map[string]any) (Command, error)
}

// cmdRegistry is the shared name→type table used by the codecs.
type cmdRegistry struct {
	mu    sync.Mutex
	types map[string]reflect.Type
}

func newCmdRegistry() *cmdRegistry {
	return &cmdRegistry{types: make(map[string]reflect.Type)}
}

// register stores the struct type behind proto. proto is a prototype value,
// typically a zero-valued pointer such as &Echo{}.
func (r *cmdRegistry) register(proto Command) error {
	typ := reflect.TypeOf(proto)
	for typ.Kind() == reflect.Pointer {
		typ = typ.Elem()
	}
	name := proto.CmdName()

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.types[name]; ok {
		if existing == typ {
			return nil
		}
		return &CommandHasRegisteredError{Name: name}
	}
	r.types[name] = typ
	return nil
}

// lookup returns a fresh addressable instance of the command registered
// under name.
func (r *cmdRegistry) lookup(name string) (Command, error) {
	r.mu.Lock()
	typ, ok := r.types[name]
	r.mu.Unlock()
	if !ok {
		return nil, &CommandNotRegisteredError{Name: name}
	}
	cmd, ok := reflect.New(typ).Interface().(Command)
	if !ok {
		// Registration only accepts Command values, so the pointer type
		// always satisfies the interface.
		return nil, fmt.Errorf("registered type %s is not a Command", typ)
	}
	return cmd, nil
}

// JSONCodec is the reference codec: every message is the UTF-8 JSON encoding
// of a mapping with a required __cmd_name__ string. Option fields are the
// exported, json-tagged fields of the command struct; unexported and
// json:"-" fields are recomputed on decode via PostLoad.
type JSONCodec struct {
	registry *cmdRegistry
}

// NewJSONCodec returns a codec with an empty registry.
func NewJSONCodec() *JSONCodec {
	return &JSONCodec{registry: newCmdRegistry()}
}

func (c *JSONCodec) Register(proto Command) error {
	return c.registry.register(proto)
}

func (c *JSONCodec) Encode(cmd Command) ([]byte, error) {
	m, err := c.EncodeMap(cmd)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, &UnsupportedObjectError{Cause: err}
	}
	return data, nil
}

func (c *JSONCodec) EncodeMap(cmd Command) (map[string]any, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, &UnsupportedObjectError{Cause: err}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, &UnsupportedObjectError{Cause: err}
	}
	m[CmdNameField] = cmd.CmdName()
	return m, nil
}

func (c *JSONCodec) Decode(data []byte) (Command, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, &InvalidFormatError{Reason: "not a JSON mapping", Cause: err}
	}
	return c.DecodeMap(m)
}

func (c *JSONCodec) DecodeMap(m map[string]any) (Command, error) {
	name, cmd, err := c.registry.pop(m)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(withoutCmdName(m))
	if err != nil {
		return nil, &InvalidFormatError{Reason: "cannot re-encode mapping", Cause: err}
	}
	if err := json.Unmarshal(data, cmd); err != nil {
		return nil, &InvalidFormatError{Reason: fmt.Sprintf("bad fields for command %s", name), Cause: err}
	}
	if err := postLoad(cmd); err != nil {
		return nil, err
	}
	return cmd, nil
}

// pop reads __cmd_name__ from m and allocates the matching command instance.
// The caller's mapping is not modified; a wrapper's embedded command stays
// decodable more than once.
func (r *cmdRegistry) pop(m map[string]any) (string, Command, error) {
	raw, ok := m[CmdNameField]
	if !ok {
		return "", nil, &InvalidFormatError{Reason: fmt.Sprintf("%v does not contain %s", m, CmdNameField)}
	}
	name, ok := raw.(string)
	if !ok {
		return "", nil, &InvalidFormatError{Reason: fmt.Sprintf("%s is not a string: %v", CmdNameField, raw)}
	}
	cmd, err := r.lookup(name)
	if err != nil {
		return "", nil, err
	}
	return name, cmd, nil
}

// withoutCmdName returns a shallow copy of m minus the name field, so the
// remainder unmarshals straight into the command instance.
func withoutCmdName(m map[string]any) map[string]any {
	fields := make(map[string]any, len(m))
	for k, v := range m {
		if k == CmdNameField {
			continue
		}
		fields[k] = v
	}
	return fields
}

// postLoad recomputes derived fields after decoding. A PostLoad failure is a
// decode failure: it classifies as *InvalidFormatError so the receive loop
// skips the frame instead of terminating.
func postLoad(cmd Command) error {
	if pl, ok := cmd.(PostLoader); ok {
		if err := pl.PostLoad(); err != nil {
			return &InvalidFormatError{
				Reason: fmt.Sprintf("post load of command %s failed", cmd.CmdName()),
				Cause:  err,
			}
		}
	}
	return nil
}
