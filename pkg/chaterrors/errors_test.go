package chaterrors

import (
	"io"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestKindsSurviveWrapping(t *testing.T) {
	net := errors.Wrap(&NetworkError{Op: "fetch history", Err: io.ErrUnexpectedEOF}, "refresh")
	require.True(t, IsNetwork(net))
	require.False(t, IsServer(net))
	require.ErrorIs(t, net, io.ErrUnexpectedEOF)

	srv := errors.Wrap(&ServerError{Op: "post message", Status: 500}, "submit")
	require.True(t, IsServer(srv))
	require.False(t, IsNetwork(srv))

	send := errors.WithMessage(&SendError{Reason: "channel not open"}, "announce")
	require.True(t, IsSend(send))

	require.True(t, IsValidation(&ValidationError{Field: "text", Reason: "must not be empty"}))
	require.False(t, IsValidation(nil))
}

func TestMessages(t *testing.T) {
	require.Equal(t, "post message: server returned status 409: taken",
		(&ServerError{Op: "post message", Status: 409, Body: "taken"}).Error())
	require.Equal(t, "fetch history: network error",
		(&NetworkError{Op: "fetch history"}).Error())
	require.Equal(t, "invalid name: must not be empty",
		(&ValidationError{Field: "name", Reason: "must not be empty"}).Error())
	require.Equal(t, "live channel send failed: write: boom",
		(&SendError{Reason: "write", Err: errors.New("boom")}).Error())
}
