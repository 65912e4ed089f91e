// Package errors implements the error taxonomy shared by the conversation core
// and the reply text each kind maps to.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an error by how a conversation turn reacts to it.
type Kind int

const (
	// KindUnknown is the zero value; it is treated like a persistence failure
	// when shown to a user.
	KindUnknown Kind = iota

	// KindValidation covers rejected input: empty utterances, oversized
	// personas, illegal record names. No state is mutated.
	KindValidation

	// KindTransient covers completion, search and retrieval failures.
	KindTransient

	// KindDecode covers malformed completion payloads.
	KindDecode

	// KindPersistence covers save/load I/O failures and corrupt files.
	KindPersistence

	// KindRateLimit is an informative rejection carrying the remaining wait.
	KindRateLimit

	// KindNotFound is returned when a named record or document is absent.
	KindNotFound

	// KindConflict is returned when a save would overwrite an existing record.
	KindConflict
)

var kindNames = map[Kind]string{
	KindUnknown:     "unknown",
	KindValidation:  "validation",
	KindTransient:   "transient",
	KindDecode:      "decode",
	KindPersistence: "persistence",
	KindRateLimit:   "rate_limit",
	KindNotFound:    "not_found",
	KindConflict:    "conflict",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Error wraps an error with its kind and the operation that produced it.
type Error struct {
	Kind       Kind
	Op         string
	Msg        string
	Err        error
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *Error) Error() string {
	prefix := fmt.Sprintf("[%s]", e.Kind)
	if e.Op != "" {
		prefix += " " + e.Op
	}
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", prefix, e.Msg, e.Err)
	case e.Msg != "":
		return prefix + ": " + e.Msg
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", prefix, e.Err)
	}
	return prefix
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind with no message,
// so the package sentinels match any error of their kind.
func (e *Error) Is(target error) bool {
	var te *Error
	if !errors.As(target, &te) {
		return false
	}
	return te.Kind == e.Kind && te.Msg == "" && te.Op == ""
}

// New creates a new Error with the given kind and message.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap wraps err with a kind. A nil err returns nil. An err that already
// carries a kind keeps it.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		kind = te.Kind
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// RateLimited builds the rejection returned while a cooldown is pending.
func RateLimited(op string, remaining time.Duration) *Error {
	return &Error{Kind: KindRateLimit, Op: op, RetryAfter: remaining}
}

// KindOf extracts the Kind from an error, defaulting to KindUnknown.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindUnknown
}

// Kind sentinels; match with errors.Is.
var (
	ErrValidation  = &Error{Kind: KindValidation}
	ErrTransient   = &Error{Kind: KindTransient}
	ErrDecode      = &Error{Kind: KindDecode}
	ErrPersistence = &Error{Kind: KindPersistence}
	ErrRateLimit   = &Error{Kind: KindRateLimit}
	ErrNotFound    = &Error{Kind: KindNotFound}
	ErrConflict    = &Error{Kind: KindConflict}
)
