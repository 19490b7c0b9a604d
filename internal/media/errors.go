package media

import (
	"errors"
	"fmt"
)

// Error taxonomy. Components wrap these with %w; callers match with errors.Is.
var (
	// ErrCrypto covers a bad key, shared secret or ciphertext. Never retried.
	ErrCrypto = errors.New("crypto error")
	// ErrIO covers disk reads, writes and write-completion timeouts.
	ErrIO = errors.New("io error")
	// ErrTranscode is a failed external codec step. Fatal for that video.
	ErrTranscode = errors.New("transcode error")
	// ErrNotFound is a missing header, thumb or payload.
	ErrNotFound = errors.New("not found")
	// ErrClosed is use of a blob after Close.
	ErrClosed = errors.New("blob closed")
)

// RefError attaches the payload reference to a failed operation so it can be
// logged without retrying.
type RefError struct {
	Op  string
	Ref PayloadReference
	Err error
}

func (e *RefError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Ref, e.Err)
}

func (e *RefError) Unwrap() error { return e.Err }
