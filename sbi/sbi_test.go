package sbi

import (
	"testing"

	"github.com/hisa-team/shadowfax/internal/sbierr"
	"github.com/stretchr/testify/require"
)

func TestGetSpecVersion(t *testing.T) {
	d := NewDispatcher()
	reply := d.Dispatch(Args{EID: ExtBase, FID: BaseGetSpecVersion})
	require.Equal(t, sbierr.Success, reply.Error)
	require.Equal(t, uint64(SpecVersion), reply.Value)
}

func TestGetImplID(t *testing.T) {
	d := NewDispatcher()
	reply := d.Dispatch(Args{EID: ExtBase, FID: BaseGetImplID})
	require.Equal(t, sbierr.Success, reply.Error)
	require.Equal(t, ImplID, reply.Value)
}

func TestProbeExtensionReportsRegistered(t *testing.T) {
	d := NewDispatcher()
	d.Register(ExtCOVH, func(Args) Reply { return Reply{Error: sbierr.Success} })

	reply := d.Dispatch(Args{EID: ExtBase, FID: BaseProbeExtension, A0: uint64(ExtCOVH)})
	require.Equal(t, uint64(1), reply.Value)

	reply = d.Dispatch(Args{EID: ExtBase, FID: BaseProbeExtension, A0: uint64(ExtCOVG)})
	require.Equal(t, uint64(0), reply.Value)

	reply = d.Dispatch(Args{EID: ExtBase, FID: BaseProbeExtension, A0: uint64(ExtBase)})
	require.Equal(t, uint64(1), reply.Value)
}

func TestUnknownExtensionIsNotSupported(t *testing.T) {
	d := NewDispatcher()
	reply := d.Dispatch(Args{EID: Extension(0xFFFFFFFF), FID: 0})
	require.Equal(t, sbierr.NotSupported, reply.Error)
}

func TestUnknownBaseFunctionIsNotSupported(t *testing.T) {
	d := NewDispatcher()
	reply := d.Dispatch(Args{EID: ExtBase, FID: 0xFF})
	require.Equal(t, sbierr.NotSupported, reply.Error)
}

func TestRegisteredExtensionRoutesArgsThrough(t *testing.T) {
	d := NewDispatcher()
	d.Register(ExtCOVG, func(a Args) Reply {
		return Reply{Error: sbierr.Success, Value: a.A0 + a.A1}
	})
	reply := d.Dispatch(Args{EID: ExtCOVG, FID: 7, A0: 2, A1: 3})
	require.Equal(t, uint64(5), reply.Value)
}

func TestReplyFromWrapsError(t *testing.T) {
	reply := ReplyFrom(0, sbierr.Wrap(sbierr.InvalidParam, errTest))
	require.Equal(t, sbierr.InvalidParam, reply.Error)
}

var errTest = &testError{}

type testError struct{}

func (*testError) Error() string { return "test error" }
