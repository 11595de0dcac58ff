package shared

import "errors"

var (
	// ErrLockBusy indicates a critical section already held elsewhere.
	ErrLockBusy = errors.New("lock busy")
	// ErrInvalidCredentials indicates a failed admin password check.
	ErrInvalidCredentials = errors.New("invalid credentials")
)
