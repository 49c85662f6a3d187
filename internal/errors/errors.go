package errors

import (
	"errors"
	"fmt"
)

// Transport and credential errors.
var (
	ErrAuth      = errors.New("authentication failed")
	ErrTransport = errors.New("transport unavailable")
	ErrLoggedOut = errors.New("session logged out")
)

// Codec errors.
var (
	ErrUnrecognized = errors.New("unrecognized message type")
	ErrMalformed    = errors.New("malformed message")
)

// Crypto errors.
var (
	ErrDecrypt      = errors.New("message could not be decrypted")
	ErrPeerNotFound = errors.New("peer not found")
	ErrInvalidCard  = errors.New("invalid peer card")
)

// Store errors.
var (
	ErrStorage          = errors.New("storage failure")
	ErrNotFound         = errors.New("not found")
	ErrExists           = errors.New("already exists")
	ErrInvalidStatus    = errors.New("invalid status transition")
	ErrNoCurrentAccount = errors.New("no current account")
)

// Transfer errors.
var (
	ErrCancelled          = errors.New("transfer cancelled")
	ErrNetworkFailure     = errors.New("transfer network failure")
	ErrVerificationFailed = errors.New("transfer verification failed")
)

// AuthError reports a credential or token failure. It is never retried
// automatically; the caller must re-derive credentials.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, ErrAuth)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, ErrAuth, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

func (e *AuthError) Is(target error) bool { return target == ErrAuth }

// CodecError reports a wire envelope that could not be decoded. Kind is
// ErrUnrecognized or ErrMalformed.
type CodecError struct {
	Kind error
	Type string
	Err  error
}

func (e *CodecError) Error() string {
	msg := e.Kind.Error()
	if e.Type != "" {
		msg += fmt.Sprintf(" %q", e.Type)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CodecError) Unwrap() error { return e.Err }

func (e *CodecError) Is(target error) bool { return target == e.Kind }

// StorageError wraps an I/O or encoding failure in the persistent store.
// The store never retries; retry policy belongs to the caller.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// TransferError reports the terminal failure of a media transfer. Kind is
// ErrCancelled, ErrNetworkFailure or ErrVerificationFailed.
type TransferError struct {
	Kind error
	Hash string
	Err  error
}

func (e *TransferError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("transfer %s: %v", short(e.Hash), e.Kind)
	}
	return fmt.Sprintf("transfer %s: %v: %v", short(e.Hash), e.Kind, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

func (e *TransferError) Is(target error) bool { return target == e.Kind }

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
