package errors

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func allSentinels() []error {
	return []error{
		ErrAuth,
		ErrTransport,
		ErrLoggedOut,
		ErrUnrecognized,
		ErrMalformed,
		ErrDecrypt,
		ErrPeerNotFound,
		ErrInvalidCard,
		ErrStorage,
		ErrNotFound,
		ErrExists,
		ErrInvalidStatus,
		ErrNoCurrentAccount,
		ErrCancelled,
		ErrNetworkFailure,
		ErrVerificationFailed,
	}
}

func TestSentinelErrors_AreDistinct(t *testing.T) {
	sentinels := allSentinels()
	for i := 0; i < len(sentinels); i++ {
		assert.NotEmpty(t, sentinels[i].Error())
		for j := i + 1; j < len(sentinels); j++ {
			assert.NotEqual(t, sentinels[i], sentinels[j],
				"sentinel errors should be distinct: %q vs %q", sentinels[i], sentinels[j])
		}
	}
}

func TestAuthError_MatchesSentinelAndCause(t *testing.T) {
	err := fmt.Errorf("connecting: %w", &AuthError{Op: "sasl", Err: io.ErrUnexpectedEOF})

	assert.ErrorIs(t, err, ErrAuth)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.NotErrorIs(t, err, ErrTransport)

	var ae *AuthError
	assert.True(t, errors.As(err, &ae))
	assert.Equal(t, "sasl", ae.Op)
}

func TestAuthError_NilCause(t *testing.T) {
	err := &AuthError{Op: "token"}
	assert.Equal(t, "token: authentication failed", err.Error())
}

func TestCodecError_KindSelectsSentinel(t *testing.T) {
	unrec := &CodecError{Kind: ErrUnrecognized, Type: "bogus"}
	assert.ErrorIs(t, unrec, ErrUnrecognized)
	assert.NotErrorIs(t, unrec, ErrMalformed)
	assert.Contains(t, unrec.Error(), `"bogus"`)

	mal := &CodecError{Kind: ErrMalformed, Err: io.EOF}
	assert.ErrorIs(t, mal, ErrMalformed)
	assert.ErrorIs(t, mal, io.EOF)
}

func TestStorageError_Wraps(t *testing.T) {
	err := &StorageError{Op: "append message", Err: io.ErrClosedPipe}
	assert.ErrorIs(t, err, ErrStorage)
	assert.ErrorIs(t, err, io.ErrClosedPipe)
	assert.Equal(t, "storage append message: io: read/write on closed pipe", err.Error())
}

func TestTransferError_ShortensHash(t *testing.T) {
	err := &TransferError{Kind: ErrCancelled, Hash: "0123456789abcdef0123"}
	assert.ErrorIs(t, err, ErrCancelled)
	assert.NotErrorIs(t, err, ErrNetworkFailure)
	assert.Equal(t, "transfer 0123456789ab: transfer cancelled", err.Error())
}
