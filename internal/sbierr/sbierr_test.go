package sbierr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCodeOfNilIsSuccess(t *testing.T) {
	require.Equal(t, Success, CodeOf(nil))
}

func TestCodeOfWrappedError(t *testing.T) {
	err := Wrap(Denied, errors.New("pmp region overlaps"))
	require.Equal(t, Denied, CodeOf(err))
}

func TestCodeOfUnwrapsThroughFmtErrorf(t *testing.T) {
	err := fmt.Errorf("convert_pages: %w", Wrap(AlreadyAvailable, nil))
	require.Equal(t, AlreadyAvailable, CodeOf(err))
}

func TestCodeOfUnrecognizedErrorIsFailure(t *testing.T) {
	require.Equal(t, Failure, CodeOf(errors.New("not ours")))
}

func TestErrorStringIncludesCause(t *testing.T) {
	err := Wrap(InvalidState, errors.New("tvm not finalized"))
	require.Contains(t, err.Error(), "INVALID_STATE")
	require.Contains(t, err.Error(), "tvm not finalized")
}

func TestErrorStringWithoutCause(t *testing.T) {
	err := Wrap(BadRange, nil)
	require.Equal(t, "BAD_RANGE", err.Error())
}

func TestCodeStringUnknown(t *testing.T) {
	require.Equal(t, "UNKNOWN(-99)", Code(-99).String())
}
