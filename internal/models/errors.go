package models

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("not found")

	ErrTransportUnavailable = errors.New("transport unavailable")
	ErrInvokeFailed         = errors.New("invoke failed")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrCannotKickCreator    = errors.New("the room creator cannot be kicked")
	ErrKicked               = errors.New("removed from room")
	ErrHistoryLoadFailed    = errors.New("history load failed")

	ErrNotConnected   = errors.New("not connected")
	ErrSessionClosed  = errors.New("session closed")
	ErrSelfTarget     = errors.New("cannot target yourself")
	ErrMessagePending = errors.New("message is not confirmed yet")
)

// Ack error codes sent by the server.
const (
	CodeUnauthorized      = "unauthorized"
	CodeCannotKickCreator = "cannot_kick_creator"
	CodeInvalidTarget     = "invalid_target"
	CodeNotMember         = "not_member"
	CodeRoomFull          = "room_full"
	CodeRateLimited       = "rate_limited"
	CodeBadRequest        = "bad_request"
	CodeNotFound          = "not_found"
	CodeInternal          = "internal"
)

// CommandError is a command rejected by the server.
type CommandError struct {
	Command CommandName
	Code    string
	Message string
}

func (e *CommandError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s rejected: %s", e.Command, e.Code)
	}
	return fmt.Sprintf("%s rejected: %s: %s", e.Command, e.Code, e.Message)
}

func (e *CommandError) Unwrap() error {
	switch e.Code {
	case CodeUnauthorized:
		return ErrUnauthorized
	case CodeCannotKickCreator:
		return ErrCannotKickCreator
	default:
		return ErrInvokeFailed
	}
}
