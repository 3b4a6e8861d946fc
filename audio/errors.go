package audio

import (
	"errors"
	"io/fs"
	"strings"
)

type DeviceErrorKind int

const (
	NoDevice DeviceErrorKind = iota + 1
	PermissionDenied
)

func (k DeviceErrorKind) String() string {
	switch k {
	case NoDevice:
		return "no_device"
	case PermissionDenied:
		return "permission_denied"
	}
	return "unknown"
}

// DeviceUnavailableError is returned when the microphone cannot be acquired.
// Kind tells the user what to fix.
type DeviceUnavailableError struct {
	Kind DeviceErrorKind
	Err  error
}

func (e *DeviceUnavailableError) Error() string {
	msg := "no microphone found; connect an input device and try again"
	if e.Kind == PermissionDenied {
		msg = "microphone access was denied; grant permission and try again"
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *DeviceUnavailableError) Unwrap() error { return e.Err }

// IsPermissionDenied reports whether err is a DeviceUnavailableError caused
// by the OS refusing microphone access.
func IsPermissionDenied(err error) bool {
	var de *DeviceUnavailableError
	return errors.As(err, &de) && de.Kind == PermissionDenied
}

var deniedHints = []string{"denied", "permission", "not authorized", "not permitted"}

// classify wraps a backend error. Backends report denial as plain text,
// so the message is inspected when no typed error is available.
func classify(err error) *DeviceUnavailableError {
	var de *DeviceUnavailableError
	if errors.As(err, &de) {
		return de
	}
	if errors.Is(err, fs.ErrPermission) {
		return &DeviceUnavailableError{Kind: PermissionDenied, Err: err}
	}
	lower := strings.ToLower(err.Error())
	for _, h := range deniedHints {
		if strings.Contains(lower, h) {
			return &DeviceUnavailableError{Kind: PermissionDenied, Err: err}
		}
	}
	return &DeviceUnavailableError{Kind: NoDevice, Err: err}
}
