package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidMagic       = errors.New("protocol: invalid magic")
	ErrUnsupportedVersion = errors.New("protocol: unsupported version")
	ErrInvalidHeaderLen   = errors.New("protocol: invalid header length")
	ErrPayloadTooLarge    = errors.New("protocol: payload too large")
	ErrTruncated          = errors.New("protocol: truncated data")
	ErrInvalidLength      = errors.New("protocol: invalid length")
	ErrFieldTypeMismatch  = errors.New("protocol: field type mismatch")
	ErrUnknownMessageType = errors.New("protocol: unknown message type")
	ErrMissingTerminator  = errors.New("protocol: missing null terminator")
	ErrInvalidText        = errors.New("protocol: invalid text encoding")
)

// FieldError reports a frame whose payload could not be split into fields.
// The frame was consumed in full, so the reader can continue with the next.
type FieldError struct {
	Header Header
	Err    error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("protocol: fields of %s id=%d: %v", e.Header.MessageType, e.Header.MessageID, e.Err)
}

func (e *FieldError) Unwrap() error { return e.Err }
