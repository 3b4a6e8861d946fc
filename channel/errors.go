package channel

import (
	"errors"
	"fmt"
)

var ErrClosed = errors.New("channel closed")

// SendFailure means the end-of-stream signal could not be delivered.
type SendFailure struct {
	Err error
}

func (e *SendFailure) Error() string {
	return fmt.Sprintf("could not finish sending audio: %v", e.Err)
}

func (e *SendFailure) Unwrap() error { return e.Err }

// BackendError carries an error reported by the server, verbatim.
type BackendError struct {
	Message string
	Status  int // HTTP status for batch uploads, 0 otherwise
}

func (e *BackendError) Error() string {
	if e.Message == "" {
		return "the server reported an error"
	}
	return e.Message
}

// MalformedPayload is a frame that could not be decoded. It is logged and
// dropped, never terminal.
type MalformedPayload struct {
	Raw []byte
	Err error
}

func (e *MalformedPayload) Error() string {
	return fmt.Sprintf("malformed payload: %v", e.Err)
}

func (e *MalformedPayload) Unwrap() error { return e.Err }
