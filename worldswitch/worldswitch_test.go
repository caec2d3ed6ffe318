package worldswitch

import (
	"testing"

	"github.com/hisa-team/shadowfax/platform"
	"github.com/hisa-team/shadowfax/pool"
	"github.com/hisa-team/shadowfax/sbi"
	"github.com/hisa-team/shadowfax/tvm"
	"github.com/stretchr/testify/require"
)

type fakeGuestHandler struct {
	called     bool
	functionID uint64
}

func (f *fakeGuestHandler) HandleGuestECALL(h tvm.Handle, functionID uint64, gprs *[31]uint64) error {
	f.called = true
	f.functionID = functionID
	return nil
}

func setup(t *testing.T) (*Machine, *tvm.Store, tvm.Handle, *tvm.VCPUContext) {
	t.Helper()
	stub, err := platform.NewStub(0x82000000, platform.PageSize)
	require.NoError(t, err)
	t.Cleanup(func() { stub.Close() })

	store := tvm.NewStore()
	h := store.CreateTVM(nil)
	require.NoError(t, store.AddRegion(h, pool.Region{GuestPA: 0x1000, HostPA: stub.Base(), Length: platform.PageSize}))
	require.NoError(t, store.AddVCPU(h, 0x1000))
	ctrl, err := store.Get(h)
	require.NoError(t, err)
	require.NoError(t, store.Finalize(h, func(m tvm.Measurement) ([]byte, []byte, error) {
		return m[:], m[:], nil
	}))
	vc := ctrl.VCPU(0)
	require.NotNil(t, vc)

	handler := &fakeGuestHandler{}
	return New(stub, store, handler), store, h, vc
}

func TestRunCOVGEcallSetsA0AndExits(t *testing.T) {
	m, _, h, vc := setup(t)

	program := []GuestOp{
		{Kind: OpLoadImm, Reg: 9, Imm: 0xDEAD}, // a0 = 0xDEAD
		{Kind: OpECALL, ExtensionID: uint64(sbi.ExtCOVG), FunctionID: 0},
		{Kind: OpHalt},
	}

	reason, pc, err := m.Run(h, vc, program, 0)
	require.NoError(t, err)
	require.Equal(t, ExitCOVG, reason)
	require.Equal(t, uint64(0xDEAD), vc.GPR[9])

	reason, _, err = m.Run(h, vc, program, pc)
	require.NoError(t, err)
	require.Equal(t, ExitHalt, reason)
}

func TestRunHostECALLExits(t *testing.T) {
	m, _, h, vc := setup(t)
	program := []GuestOp{
		{Kind: OpECALL, ExtensionID: 0xAAAAAAAA, FunctionID: 0},
	}
	reason, _, err := m.Run(h, vc, program, 0)
	require.NoError(t, err)
	require.Equal(t, ExitHostECALL, reason)
}

func TestRunOutOfRegionTouchFaults(t *testing.T) {
	m, _, h, vc := setup(t)
	program := []GuestOp{
		{Kind: OpTouch, FaultAddr: 0x9000},
	}
	reason, _, err := m.Run(h, vc, program, 0)
	require.NoError(t, err)
	require.Equal(t, ExitPageFault, reason)
}

func TestRunIllegalInstructionTerminates(t *testing.T) {
	m, _, h, vc := setup(t)
	program := []GuestOp{{Kind: OpIllegal}}
	reason, _, err := m.Run(h, vc, program, 0)
	require.NoError(t, err)
	require.Equal(t, ExitIllegalInstruction, reason)
}

func TestRunReturnsToFinalizedAfterExit(t *testing.T) {
	m, store, h, vc := setup(t)
	program := []GuestOp{{Kind: OpHalt}}
	_, _, err := m.Run(h, vc, program, 0)
	require.NoError(t, err)

	ctrl, err := store.Get(h)
	require.NoError(t, err)
	require.Equal(t, tvm.Finalized, ctrl.State())
}
