package store

import "errors"

var (
	// ErrUnknownDriver is returned by Open for an unsupported engine name.
	ErrUnknownDriver = errors.New("unknown store driver")

	// ErrUnknownSession is returned when messages are appended to a session
	// that was never allocated.
	ErrUnknownSession = errors.New("session does not exist")

	ErrEmptyTurn = errors.New("no messages to append")
)
