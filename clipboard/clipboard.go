// Package clipboard moves approved notes to the system clipboard so they
// can be pasted into the EHR.
package clipboard

import (
	"errors"

	cb "github.com/atotto/clipboard"
)

// ErrUnsupported means no clipboard utility was found (xclip, xsel or
// wl-clipboard on Linux).
var ErrUnsupported = errors.New("no clipboard utility available")

func Available() bool { return !cb.Unsupported }

func Copy(text string) error {
	if cb.Unsupported {
		return ErrUnsupported
	}
	return cb.WriteAll(text)
}

func Read() (string, error) {
	if cb.Unsupported {
		return "", ErrUnsupported
	}
	return cb.ReadAll()
}
