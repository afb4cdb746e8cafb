package storage

import "errors"

// ErrNotFound is returned when a persona, turn, or memory does not exist.
var ErrNotFound = errors.New("storage: not found")
