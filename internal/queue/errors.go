package queue

import "errors"

var (
	ErrLocationNotFound  = errors.New("location not found")
	ErrTicketNotFound    = errors.New("ticket not found")
	ErrQueueEmpty        = errors.New("no tickets waiting")
	ErrInvalidTransition = errors.New("invalid ticket transition")
	ErrLocationBusy      = errors.New("location has active tickets")
	ErrContended         = errors.New("too many concurrent updates")
	ErrSequenceExhausted = errors.New("ticket numbers exhausted")
)
