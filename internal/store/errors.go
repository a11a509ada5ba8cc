package store

import "errors"

var (
	ErrNotFound    = errors.New("record not found")
	ErrConflict    = errors.New("version conflict")
	ErrUnavailable = errors.New("store unavailable")
)
