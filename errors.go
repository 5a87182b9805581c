package chatexchange

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyMember is returned when joining a room this client has
	// already joined.
	ErrAlreadyMember = errors.New("chatexchange: already a member of this room")

	// ErrMessageTooLong is returned when a message cannot be split into
	// legal parts, because a non-breaking span covers its whole head.
	ErrMessageTooLong = errors.New("chatexchange: message cannot be split into legal parts")

	// ErrClosed is returned by operations on a room that was left.
	ErrClosed = errors.New("chatexchange: room session is closed")

	// ErrNotAnImage is returned by UploadImage when the stream does not
	// look like an image.
	ErrNotAnImage = errors.New("chatexchange: upload payload is not an image")
)

// TransportError wraps an I/O failure reaching the platform at all.
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("chatexchange: %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError reports that an expected page structure or field was
// missing, which usually means the session is no longer authenticated
// or the room does not exist.
type ProtocolError struct {
	What string
	Err  error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("chatexchange: %s: %v", e.What, e.Err)
	}
	return "chatexchange: " + e.What
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// CommandFailedError reports a command the platform rejected: a
// non-"ok" acknowledgement or an exhausted throttle retry budget. Body
// carries the raw server message.
type CommandFailedError struct {
	Body string
}

func (e *CommandFailedError) Error() string {
	return "chatexchange: the chat operation failed with the message: " + e.Body
}
