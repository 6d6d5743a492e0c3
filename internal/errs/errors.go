// Package errs defines the typed failures surfaced by swapbytes commands.
//
// Every failure a command can return carries an ErrorCode so the console
// (and tests) can branch on the kind of failure without string matching.
// Peer-level and protocol-level failures are always returned as values;
// nothing in the core terminates the process because of them.
package errs

import (
	"errors"
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"
)

// ErrorCode identifies the type of error for programmatic handling.
type ErrorCode int

const (
	// CodeUnknown indicates an unknown or unclassified error.
	CodeUnknown ErrorCode = iota

	// CodeNotFound indicates a hash, nickname or trade lookup miss.
	CodeNotFound

	// CodeAmbiguousNickname indicates more than one live peer uses a nickname.
	CodeAmbiguousNickname

	// CodeInvalidFileHash indicates a trade referenced a file the party does not own.
	CodeInvalidFileHash

	// CodeOfferAlreadyOutstanding indicates an unresolved offer exists for the pair.
	CodeOfferAlreadyOutstanding

	// CodeNotRecipient indicates the initiator tried to answer their own offer.
	CodeNotRecipient

	// CodePeerUnreachable indicates no live connection or route to the peer.
	CodePeerUnreachable

	// CodeIOFailure indicates a storage boundary failure.
	CodeIOFailure

	// CodeTimeout indicates a trade or transfer stalled past its deadline.
	CodeTimeout

	// CodeTransportFailure indicates an adapter-level failure.
	CodeTransportFailure

	// CodeInvalidState indicates the operation is not valid in the trade's current state.
	CodeInvalidState

	// CodeInvalidArgument indicates a malformed command.
	CodeInvalidArgument
)

// String returns a human-readable name for the error code.
func (c ErrorCode) String() string {
	switch c {
	case CodeUnknown:
		return "Unknown"
	case CodeNotFound:
		return "NotFound"
	case CodeAmbiguousNickname:
		return "AmbiguousNickname"
	case CodeInvalidFileHash:
		return "InvalidFileHash"
	case CodeOfferAlreadyOutstanding:
		return "OfferAlreadyOutstanding"
	case CodeNotRecipient:
		return "NotRecipient"
	case CodePeerUnreachable:
		return "PeerUnreachable"
	case CodeIOFailure:
		return "IOFailure"
	case CodeTimeout:
		return "Timeout"
	case CodeTransportFailure:
		return "TransportFailure"
	case CodeInvalidState:
		return "InvalidState"
	case CodeInvalidArgument:
		return "InvalidArgument"
	default:
		return fmt.Sprintf("ErrorCode(%d)", c)
	}
}

// Error is a swapbytes failure with enough context to render and to branch on.
type Error struct {
	// Code identifies the type of error.
	Code ErrorCode

	// Message is a human-readable description of the error.
	Message string

	// PeerID is the peer associated with the error, if any.
	PeerID peer.ID

	// Cause is the underlying error, if any.
	Cause error

	// Retriable indicates whether the operation can be retried.
	Retriable bool
}

// Error returns a human-readable error message.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code.String()
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error.
// Two errors are considered equal if they have the same error code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New creates an Error with the given code and message.
func New(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error with the given code, message and cause.
func Wrap(code ErrorCode, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// ForPeer creates an Error associated with a specific peer.
func ForPeer(code ErrorCode, message string, id peer.ID) *Error {
	return &Error{Code: code, Message: message, PeerID: id}
}

// CodeOf returns the code of the first *Error in err's chain,
// or CodeUnknown when there is none.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// IsRetriable returns true if the error indicates a retriable operation.
func IsRetriable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retriable
	}
	return false
}

// Sentinels for errors.Is comparisons. Matching is by code only.
var (
	ErrNotFound                = New(CodeNotFound, "not found")
	ErrAmbiguousNickname       = New(CodeAmbiguousNickname, "ambiguous nickname")
	ErrInvalidFileHash         = New(CodeInvalidFileHash, "invalid file hash")
	ErrOfferAlreadyOutstanding = New(CodeOfferAlreadyOutstanding, "offer already outstanding")
	ErrNotRecipient            = New(CodeNotRecipient, "not the offer recipient")
	ErrPeerUnreachable         = New(CodePeerUnreachable, "peer unreachable")
	ErrIOFailure               = New(CodeIOFailure, "i/o failure")
	ErrTimeout                 = New(CodeTimeout, "timeout")
	ErrTransportFailure        = New(CodeTransportFailure, "transport failure")
	ErrInvalidState            = New(CodeInvalidState, "invalid state")
	ErrInvalidArgument         = New(CodeInvalidArgument, "invalid argument")
)
