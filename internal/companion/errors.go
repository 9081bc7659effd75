package companion

import "errors"

var (
	// ErrCompanionNotFound is returned when the companion executable is missing
	ErrCompanionNotFound = errors.New("companion executable not found")

	// ErrAlreadyRunning is returned when Start is called on a running process
	ErrAlreadyRunning = errors.New("companion already running")

	// ErrStartFailed is returned when the executable exists but cannot be started
	ErrStartFailed = errors.New("companion failed to start")
)
