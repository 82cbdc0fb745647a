package config

import "errors"

// Validation errors returned by Config.validate.
var (
	ErrInvalidBackendURL = errors.New("invalid backend url")
	ErrInvalidStore      = errors.New("invalid store driver")
	ErrInvalidModel      = errors.New("invalid default model")
	ErrInvalidKeepAlive  = errors.New("invalid keep-alive")
)
