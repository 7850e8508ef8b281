package domain

import "errors"

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionFull       = errors.New("session is full")
	ErrNotParticipant    = errors.New("user is not a participant of the session")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrInvalidUpdate     = errors.New("invalid update payload")
	ErrUnknownUpdateType = errors.New("unknown update type")
	ErrUnauthorized      = errors.New("unauthorized")
)
