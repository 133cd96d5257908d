package guest

import "errors"

var (
	ErrMalformed       = errors.New("malformed guest module")
	ErrIncompatible    = errors.New("guest module incompatible with host imports")
	ErrMissingEntry    = errors.New("guest exports neither run nor _start")
	ErrMissingDispatch = errors.New("guest does not export " + ExportDispatch)
	ErrExited          = errors.New("guest exited")
	ErrNoHost          = errors.New("no host attached")
	ErrRuntimeClosed   = errors.New("runtime closed")
	ErrGuestFailure    = errors.New("guest failure")
	ErrGuestTrapped    = errors.New("guest trapped")
)
