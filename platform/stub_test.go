package platform

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStubCSRRoundTrip(t *testing.T) {
	s, err := NewStub(0x80000000, PageSize)
	require.NoError(t, err)
	defer s.Close()

	s.WriteCSR(HGATP, 0xdeadbeef)
	require.Equal(t, uint64(0xdeadbeef), s.ReadCSR(HGATP))
	require.Zero(t, s.ReadCSR(SEPC))
}

func TestStubPMPDeniesAccess(t *testing.T) {
	s, err := NewStub(0x80000000, 4*PageSize)
	require.NoError(t, err)
	defer s.Close()

	require.True(t, s.CheckAccess(0x80000000, PMPRead|PMPWrite))

	require.NoError(t, s.InstallPMPRegion(0x80000000, 12, PMPNone))
	require.False(t, s.CheckAccess(0x80000000, PMPRead))
	require.True(t, s.CheckAccess(0x80001000, PMPRead))
}

func TestStubReadWriteByte(t *testing.T) {
	s, err := NewStub(0x80000000, PageSize)
	require.NoError(t, err)
	defer s.Close()

	s.WriteByte(0x80000010, 0x42)
	require.Equal(t, byte(0x42), s.ReadByte(0x80000010))
}

func TestStubOutOfRangePanics(t *testing.T) {
	s, err := NewStub(0x80000000, PageSize)
	require.NoError(t, err)
	defer s.Close()

	require.Panics(t, func() { s.ReadByte(0x90000000) })
}

func TestStubFlushCounted(t *testing.T) {
	s, err := NewStub(0x80000000, PageSize)
	require.NoError(t, err)
	defer s.Close()

	require.Zero(t, s.Flushes())
	s.FlushTLB()
	s.FlushTLB()
	require.Equal(t, uint64(2), s.Flushes())
}
