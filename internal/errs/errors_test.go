package errs

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorCode_String(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want string
	}{
		{CodeNotFound, "NotFound"},
		{CodeAmbiguousNickname, "AmbiguousNickname"},
		{CodeInvalidFileHash, "InvalidFileHash"},
		{CodeOfferAlreadyOutstanding, "OfferAlreadyOutstanding"},
		{CodeNotRecipient, "NotRecipient"},
		{CodePeerUnreachable, "PeerUnreachable"},
		{CodeIOFailure, "IOFailure"},
		{CodeTimeout, "Timeout"},
		{CodeTransportFailure, "TransportFailure"},
		{ErrorCode(99), "ErrorCode(99)"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.code.String())
	}
}

func TestError_IsMatchesByCode(t *testing.T) {
	err := Newf(CodeNotFound, "no file with hash %s", "abc")
	wrapped := fmt.Errorf("lookup: %w", err)

	assert.True(t, errors.Is(wrapped, ErrNotFound))
	assert.False(t, errors.Is(wrapped, ErrTimeout))
	assert.Equal(t, CodeNotFound, CodeOf(wrapped))
	assert.True(t, IsCode(wrapped, CodeNotFound))
}

func TestError_UnwrapCause(t *testing.T) {
	err := Wrap(CodeIOFailure, "read upload", io.ErrUnexpectedEOF)

	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Equal(t, "read upload: unexpected EOF", err.Error())
}

func TestCodeOf_PlainError(t *testing.T) {
	assert.Equal(t, CodeUnknown, CodeOf(errors.New("boom")))
	assert.False(t, IsCode(nil, CodeUnknown))
}

func TestError_EmptyMessageFallsBackToCode(t *testing.T) {
	assert.Equal(t, "PeerUnreachable", (&Error{Code: CodePeerUnreachable}).Error())
}
