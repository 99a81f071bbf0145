package curium

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONCodec_RoundTrip(t *testing.T) {
	codec := NewJSONCodec()
	require.NoError(t, codec.Register(&myCommand{}))

	data, err := codec.Encode(&myCommand{X: 4, Y: []int{1, 2, 3}})
	require.NoError(t, err)

	cmd, err := codec.Decode(data)
	require.NoError(t, err)

	decoded, ok := cmd.(*myCommand)
	require.True(t, ok)
	assert.Equal(t, 4, decoded.X)
	assert.Equal(t, []int{1, 2, 3}, decoded.Y)
	// Derived fields are recomputed by PostLoad, not transmitted.
	assert.Equal(t, 2.0, decoded.Z)
	assert.True(t, decoded.P)
}

func TestJSONCodec_EncodeMapIncludesName(t *testing.T) {
	codec := NewJSONCodec()
	require.NoError(t, codec.Register(&myCommand{}))

	m, err := codec.EncodeMap(&myCommand{X: 1})
	require.NoError(t, err)
	assert.Equal(t, "my_command", m[CmdNameField])
	assert.Contains(t, m, "x")
	assert.NotContains(t, m, "Z")
}

func TestJSONCodec_DecodeMapDoesNotMutateInput(t *testing.T) {
	codec := NewJSONCodec()
	require.NoError(t, codec.Register(&myCommand{}))

	m := map[string]any{CmdNameField: "my_command", "x": 2.0, "y": []any{1.0}}
	_, err := codec.DecodeMap(m)
	require.NoError(t, err)
	assert.Equal(t, "my_command", m[CmdNameField])
}

func TestJSONCodec_Decode_MissingCmdName(t *testing.T) {
	codec := NewJSONCodec()
	_, err := codec.Decode([]byte(`{"x": 1}`))

	var formatErr *InvalidFormatError
	require.ErrorAs(t, err, &formatErr)
	assert.Contains(t, err.Error(), "does not contain __cmd_name__")
}

func TestJSONCodec_Decode_Malformed(t *testing.T) {
	codec := NewJSONCodec()
	_, err := codec.Decode([]byte(`not json`))

	var formatErr *InvalidFormatError
	assert.ErrorAs(t, err, &formatErr)
}

func TestJSONCodec_Decode_NotRegistered(t *testing.T) {
	codec := NewJSONCodec()
	_, err := codec.Decode([]byte(`{"__cmd_name__": "unknown"}`))

	var unregErr *CommandNotRegisteredError
	require.ErrorAs(t, err, &unregErr)
	assert.Equal(t, "unknown", unregErr.Name)
}

func TestJSONCodec_Decode_PostLoadFailureIsInvalidFormat(t *testing.T) {
	codec := NewJSONCodec()
	require.NoError(t, codec.Register(&badPostLoadCommand{}))

	_, err := codec.Decode([]byte(`{"__cmd_name__":"bad_post_load","x":1}`))
	var formatErr *InvalidFormatError
	require.ErrorAs(t, err, &formatErr)
	assert.Contains(t, err.Error(), "post load of command bad_post_load")
}

func TestJSONCodec_Register_IdempotentForSameType(t *testing.T) {
	codec := NewJSONCodec()
	require.NoError(t, codec.Register(&myCommand{}))
	assert.NoError(t, codec.Register(&myCommand{}))
}

func TestJSONCodec_Register_NameCollision(t *testing.T) {
	codec := NewJSONCodec()
	require.NoError(t, codec.Register(&myCommand{}))

	err := codec.Register(&anotherCommand{})
	var regErr *CommandHasRegisteredError
	require.ErrorAs(t, err, &regErr)
	assert.Equal(t, "my_command", regErr.Name)
}

func TestJSONCodec_Encode_UnsupportedObject(t *testing.T) {
	codec := NewJSONCodec()
	require.NoError(t, codec.Register(&unserializableCommand{}))

	_, err := codec.Encode(&unserializableCommand{Ch: make(chan int)})
	var unsupErr *UnsupportedObjectError
	assert.ErrorAs(t, err, &unsupErr)
}

func TestMsgpackCodec_RoundTrip(t *testing.T) {
	codec := NewMsgpackCodec()
	require.NoError(t, codec.Register(&myCommand{}))

	data, err := codec.Encode(&myCommand{X: 6, Y: []int{9}})
	require.NoError(t, err)

	cmd, err := codec.Decode(data)
	require.NoError(t, err)

	decoded, ok := cmd.(*myCommand)
	require.True(t, ok)
	assert.Equal(t, 6, decoded.X)
	assert.Equal(t, []int{9}, decoded.Y)
	assert.Equal(t, 3.0, decoded.Z)
}

func TestMsgpackCodec_RegistrySemantics(t *testing.T) {
	codec := NewMsgpackCodec()
	require.NoError(t, codec.Register(&myCommand{}))

	var regErr *CommandHasRegisteredError
	assert.ErrorAs(t, codec.Register(&anotherCommand{}), &regErr)

	_, err := codec.Decode([]byte{0x80}) // empty msgpack map
	var formatErr *InvalidFormatError
	assert.ErrorAs(t, err, &formatErr)
}
