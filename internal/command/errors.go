package command

import "errors"

var (
	// ErrTransportUnavailable means the publish to the broker failed.
	// No Command row exists; the caller should retry.
	ErrTransportUnavailable = errors.New("command: transport unavailable")

	// ErrCommandNotFound indicates no command row for the given id.
	ErrCommandNotFound = errors.New("command: not found")

	// ErrInvalidAction rejects verbs outside lock/unlock.
	ErrInvalidAction = errors.New("command: invalid action")
)
