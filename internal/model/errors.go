package model

import (
	"errors"
)

var (
	// ErrCorruptStore means the jobs database exists but cannot be parsed.
	// Callers degrade to an empty job list, the file itself is preserved.
	ErrCorruptStore = errors.New("corrupt jobs database")

	ErrRunNotStarted = errors.New("run not started")
	ErrRunInProgress = errors.New("run in progress")
)
