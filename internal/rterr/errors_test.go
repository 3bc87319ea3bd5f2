package rterr

import (
	"errors"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewError(t *testing.T) {
	err := New("await", CodeInvalid, "bad buffer length")
	require.Equal(t, "await", err.Op)
	require.Equal(t, CodeInvalid, err.Code)
	require.Equal(t, "zedio: await: bad buffer length", err.Error())
}

func TestFromErrno(t *testing.T) {
	err := FromErrno("await", syscall.ECANCELED)
	require.Equal(t, syscall.ECANCELED, err.Errno)
	require.Equal(t, CodeCancelled, err.Code)
}

func TestWrapPreservesInnerCodeAndErrno(t *testing.T) {
	inner := New("spawn", CodeResourceExhausted, "ring full")
	err := Wrap("await", inner)
	require.Equal(t, "await", err.Op)
	require.Equal(t, CodeResourceExhausted, err.Code)
	require.ErrorIs(t, err, inner)
}

func TestWrapSyscallErrno(t *testing.T) {
	err := Wrap("close", syscall.EBADF)
	require.Equal(t, CodeClosed, err.Code)
	require.True(t, errors.Is(err, syscall.EBADF))
}

func TestWrapNilReturnsNil(t *testing.T) {
	require.Nil(t, Wrap("op", nil))
}

func TestIsCode(t *testing.T) {
	err := New("test", CodeTimeout, "operation timed out")
	require.True(t, IsCode(err, CodeTimeout))
	require.False(t, IsCode(err, CodeInvalid))
	require.False(t, IsCode(nil, CodeTimeout))
}

func TestErrnoMapping(t *testing.T) {
	cases := []struct {
		errno syscall.Errno
		want  Code
	}{
		{syscall.ECANCELED, CodeCancelled},
		{syscall.EINTR, CodeCancelled},
		{syscall.EBADF, CodeClosed},
		{syscall.EPIPE, CodeClosed},
		{syscall.ENOMEM, CodeResourceExhausted},
		{syscall.EAGAIN, CodeResourceExhausted},
		{syscall.ETIMEDOUT, CodeTimeout},
		{syscall.EINVAL, CodeInvalid},
		{syscall.EIO, CodeSystemError},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, mapErrnoToCode(tc.errno), "errno %v", tc.errno)
	}
}
