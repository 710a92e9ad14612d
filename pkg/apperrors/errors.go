package apperrors

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrResponseAlreadySet = errors.New("query response already set")
	ErrNoAcknowledgement  = errors.New("no acknowledgement from remote agent")
)
