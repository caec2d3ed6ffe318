package pool

import (
	"testing"

	"github.com/hisa-team/shadowfax/internal/sbierr"
	"github.com/hisa-team/shadowfax/platform"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, pages uintptr) (*Pool, *platform.Stub) {
	t.Helper()
	stub, err := platform.NewStub(0x82000000, pages*platform.PageSize)
	require.NoError(t, err)
	t.Cleanup(func() { stub.Close() })
	return New(stub, stub.Base(), pages), stub
}

func TestConvertAssignFillReclaimRoundTrip(t *testing.T) {
	p, stub := newTestPool(t, 4)
	base := p.Base()

	epoch, err := p.Convert(base, 4)
	require.NoError(t, err)
	require.Equal(t, uint64(1), epoch)
	require.True(t, stub.Flushes() >= 1)

	st, _, err := p.State(base)
	require.NoError(t, err)
	require.Equal(t, Converting, st)

	require.NoError(t, p.AssignToTVM(7, base, 4))
	st, owner, err := p.State(base)
	require.NoError(t, err)
	require.Equal(t, Confidential, st)
	require.Equal(t, uint64(7), owner)

	payload := []byte("guest code")
	require.NoError(t, p.Fill(7, 0x1000, base, payload))
	for i, b := range payload {
		require.Equal(t, b, stub.ReadByte(base+uintptr(i)))
	}

	regions := p.MarkReclaiming(7)
	require.Len(t, regions, 1)
	require.Equal(t, base, regions[0].HostPA)
	require.Equal(t, 4*uintptr(platform.PageSize), regions[0].Length)

	require.NoError(t, p.Reclaim(base, 4))
	st, _, err = p.State(base)
	require.NoError(t, err)
	require.Equal(t, Host, st)
	require.Equal(t, byte(0), stub.ReadByte(base))
	require.True(t, stub.CheckAccess(base, platform.PMPRead|platform.PMPWrite))
}

func TestDoubleConvertRejected(t *testing.T) {
	p, _ := newTestPool(t, 2)
	base := p.Base()

	_, err := p.Convert(base, 2)
	require.NoError(t, err)

	_, err = p.Convert(base, 2)
	require.Error(t, err)
	require.Equal(t, sbierr.AlreadyAvailable, sbierr.CodeOf(err))
}

func TestZeroLengthIsInvalidParam(t *testing.T) {
	p, _ := newTestPool(t, 2)
	_, err := p.Convert(p.Base(), 0)
	require.Equal(t, sbierr.InvalidParam, sbierr.CodeOf(err))
}

func TestUnalignedAddressIsInvalidAddress(t *testing.T) {
	p, _ := newTestPool(t, 2)
	_, err := p.Convert(p.Base()+1, 1)
	require.Equal(t, sbierr.InvalidAddress, sbierr.CodeOf(err))
}

func TestExceedingCapacityIsBadRange(t *testing.T) {
	p, _ := newTestPool(t, 2)
	_, err := p.Convert(p.Base(), 3)
	require.Equal(t, sbierr.BadRange, sbierr.CodeOf(err))
}

func TestConvertOverlappingStaticRegionIsDenied(t *testing.T) {
	p, _ := newTestPool(t, 4)
	base := p.Base()
	p.SetStaticRegion(base+2*platform.PageSize, 2)

	_, err := p.Convert(base+1*platform.PageSize, 2)
	require.Equal(t, sbierr.Denied, sbierr.CodeOf(err))

	st, _, err := p.State(base + 1*platform.PageSize)
	require.NoError(t, err)
	require.Equal(t, Host, st, "a denied convert must leave the range untouched")
}

func TestConvertNotOverlappingStaticRegionSucceeds(t *testing.T) {
	p, _ := newTestPool(t, 4)
	base := p.Base()
	p.SetStaticRegion(base+2*platform.PageSize, 2)

	_, err := p.Convert(base, 2)
	require.NoError(t, err)
}

func TestEscapeAttemptDeniedByPMP(t *testing.T) {
	p, _ := newTestPool(t, 1)
	base := p.Base()
	_, err := p.Convert(base, 1)
	require.NoError(t, err)
	require.NoError(t, p.AssignToTVM(1, base, 1))

	require.True(t, p.DeniedByPMP(base, platform.PMPRead))
}
