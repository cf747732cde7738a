// Package apperr defines the error taxonomy shared by the client core and the
// relay server. Every error produced by a domain operation is an *Error with a
// Kind, so callers can branch with errors.Is(err, apperr.Decryption).
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error. Kind itself implements error so it can be used as
// an errors.Is target.
type Kind uint8

const (
	Unknown Kind = iota
	// Encryption: key derivation or encryption failed. Fatal to the send,
	// no retry without new key material.
	Encryption
	// Decryption: the message cannot be read. Recoverable with a placeholder.
	Decryption
	// Validation: user input rejected, always recoverable.
	Validation
	// Connection: network or store unavailable, retryable.
	Connection
	// Authentication: session invalid, forces re-authentication.
	Authentication
	NotFound
	Conflict
	Forbidden
)

var kindNames = map[Kind]string{
	Unknown:        "unknown",
	Encryption:     "encryption",
	Decryption:     "decryption",
	Validation:     "validation",
	Connection:     "connection",
	Authentication: "authentication",
	NotFound:       "not found",
	Conflict:       "conflict",
	Forbidden:      "forbidden",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

func (k Kind) Error() string { return k.String() + " error" }

// Error is a classified error with a user-facing message and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is the Kind of e.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// New returns an error of the given kind.
func New(kind Kind, message string) error {
	return &Error{Kind: kind, Message: message}
}

// Wrap returns an error of the given kind caused by cause.
func Wrap(kind Kind, message string, cause error) error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf returns the kind of the first *Error in err's chain, or Unknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// MessageOf returns the user-facing message of err.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// IsRetryable reports whether the operation that produced err may succeed if
// attempted again with the same input.
func IsRetryable(err error) bool {
	return KindOf(err) == Connection
}
