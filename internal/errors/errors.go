package errors

import "errors"

// Storage errors.
var (
	ErrStoreUnavailable = errors.New("offline storage unavailable")
)

// Action errors.
var (
	ErrActionBlocked = errors.New("action cannot be performed while offline")
	ErrUnknownAction = errors.New("unknown action type")
	ErrInvalidAction = errors.New("invalid action")
)

// Server/transport errors.
var (
	ErrNotFound       = errors.New("entity not found on server")
	ErrServerRejected = errors.New("server rejected request")
)
