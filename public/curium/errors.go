package curium

import (
	"errors"
	"fmt"
)

// Connection error kinds. Adapters wrap these sentinels with fmt.Errorf and
// %w so callers classify failures with errors.Is while keeping the broker
// detail in the message.
var (
	// ErrConnectionFailed reports a refused initial or reconnect handshake.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrNotConnected reports an operation that requires a session, invoked
	// before Connect or after Close.
	ErrNotConnected = errors.New("not connected")

	// ErrServerDisconnected reports a session dropped mid-operation,
	// including a ping timeout during send.
	ErrServerDisconnected = errors.New("server disconnected")
)

// IsConnectionError reports whether err belongs to the connection error
// class. The node's receive loop treats these as reconnect triggers.
func IsConnectionError(err error) bool {
	return errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrNotConnected) ||
		errors.Is(err, ErrServerDisconnected)
}

// InvalidChannelError reports a channel name the bus cannot address.
type InvalidChannelError struct {
	Name string
}

func (e *InvalidChannelError) Error() string {
	return fmt.Sprintf("character '|' shouldn't appear in channel name: %s", e.Name)
}

// UnsupportedObjectError reports a command that carries a field the codec
// cannot serialize.
type UnsupportedObjectError struct {
	Cause error
}

func (e *UnsupportedObjectError) Error() string {
	return fmt.Sprintf("unsupported object: %v", e.Cause)
}

func (e *UnsupportedObjectError) Unwrap() error { return e.Cause }

// InvalidFormatError reports incoming bytes that are not decodable or that
// lack the __cmd_name__ field.
type InvalidFormatError struct {
	Reason string
	Cause  error
}

func (e *InvalidFormatError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("invalid format: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("invalid format: %s", e.Reason)
}

func (e *InvalidFormatError) Unwrap() error { return e.Cause }

// CommandNotRegisteredError reports a command name with no registered type.
type CommandNotRegisteredError struct {
	Name string
}

func (e *CommandNotRegisteredError) Error() string {
	return fmt.Sprintf("command %s is not registered", e.Name)
}

// CommandHasRegisteredError reports a name collision: a different type tried
// to reuse an already registered command name.
type CommandHasRegisteredError struct {
	Name string
}

func (e *CommandHasRegisteredError) Error() string {
	return fmt.Sprintf("command %s has been registered", e.Name)
}

// CommandExecutionError wraps an error raised by a command body inside the
// receive loop. It only surfaces through the loop's error handler and never
// terminates the loop itself.
type CommandExecutionError struct {
	Cmd   Command
	Cause error
}

func (e *CommandExecutionError) Error() string {
	return fmt.Sprintf("command execution failed: %v: %v", e.Cmd, e.Cause)
}

func (e *CommandExecutionError) Unwrap() error { return e.Cause }
