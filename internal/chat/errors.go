package chat

import (
	"errors"
	"fmt"
)

var (
	ErrRoomNotFound      = errors.New("chat room not found")
	ErrMessageNotFound   = errors.New("message not found")
	ErrInvalidTransition = errors.New("invalid message status transition")
	ErrNotConnected      = errors.New("transport not connected")
	ErrEmptyContent      = errors.New("message content is empty")
	ErrInvalidRoom       = errors.New("invalid room: job id and both participants are required")
	ErrNotParticipant    = errors.New("sender is not a participant of the room")
	ErrNotResendable     = errors.New("only failed messages can be resent")
	ErrInvalidSender     = errors.New("sender type must be client or engineer")
	ErrMetadataMismatch  = errors.New("metadata does not match message type")
	ErrConnectAborted    = errors.New("connection attempt aborted by disconnect")
)

// ConnectionError is returned by ConnectionManager.Connect when a handshake
// fails. Terminal is set once the retry budget is spent.
type ConnectionError struct {
	Attempt  int
	Terminal bool
	Err      error
}

func (e *ConnectionError) Error() string {
	if e.Terminal {
		return fmt.Sprintf("connection failed after %d attempts: %v", e.Attempt, e.Err)
	}
	return fmt.Sprintf("connection attempt %d failed: %v", e.Attempt, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// SendFailure records why one message ended in the failed state.
type SendFailure struct {
	RoomID    string
	MessageID string
	Stage     MessageStatus
	Err       error
}

func (e *SendFailure) Error() string {
	return fmt.Sprintf("send %s/%s failed while %s: %v", e.RoomID, e.MessageID, e.Stage, e.Err)
}

func (e *SendFailure) Unwrap() error { return e.Err }

// UploadFailure is returned by SendFile/SendImage. No message exists when it
// is returned.
type UploadFailure struct {
	Name string
	Err  error
}

func (e *UploadFailure) Error() string {
	return fmt.Sprintf("upload %q failed: %v", e.Name, e.Err)
}

func (e *UploadFailure) Unwrap() error { return e.Err }
