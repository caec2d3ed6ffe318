package covh

import (
	"testing"

	"github.com/hisa-team/shadowfax/attest"
	"github.com/hisa-team/shadowfax/covg"
	"github.com/hisa-team/shadowfax/internal/sbierr"
	"github.com/hisa-team/shadowfax/platform"
	"github.com/hisa-team/shadowfax/pool"
	"github.com/hisa-team/shadowfax/supd"
	"github.com/hisa-team/shadowfax/tvm"
	"github.com/hisa-team/shadowfax/worldswitch"
	"github.com/stretchr/testify/require"
)

func newTestCore(t *testing.T, pages uintptr) (*Core, *platform.Stub) {
	t.Helper()
	base := uintptr(0x82000000)
	stub, err := platform.NewStub(base, pages*platform.PageSize)
	require.NoError(t, err)
	t.Cleanup(func() { stub.Close() })

	p := pool.New(stub, base, pages)
	store := tvm.NewStore()
	chain, err := attest.NewChain([]byte("root"), []byte("fw"), []byte("tsm"))
	require.NoError(t, err)
	domains := supd.New()

	guest := &covg.Handler{Store: store, Chain: chain, Hart: stub}
	core := New(stub, p, domains, store, chain, guest)
	return core, stub
}

func TestFunctionIDsArePinned(t *testing.T) {
	require.Equal(t, uint64(0), FIDGetTSMInfo)
	require.Equal(t, uint64(9), FIDRunTVMVCPU)
}

func TestGetTSMInfo(t *testing.T) {
	core, _ := newTestCore(t, 4)
	info, err := core.GetTSMInfo()
	require.NoError(t, err)
	require.False(t, info.MPTActive)
	require.True(t, info.Implemented.Has(supd.CapCoveH))
}

func TestConvertCreateFillFinalizeRunDestroy(t *testing.T) {
	core, stub := newTestCore(t, 4)

	h, err := core.CreateTVM()
	require.NoError(t, err)

	base := stub.Base()
	require.NoError(t, core.ConvertPages(base, 1))
	require.NoError(t, core.AddTVMMemoryRegion(h, 0x1000, base, platform.PageSize))
	require.NoError(t, core.AddTVMPage(h, 0x1000, base, []byte("guest-entry-code")))
	require.NoError(t, core.CreateTVMVCPU(h, 0x1000))
	require.NoError(t, core.FinalizeTVM(h))

	program := []worldswitch.GuestOp{{Kind: worldswitch.OpHalt}}
	reason, _, err := core.RunVCPU(h, program, 0)
	require.NoError(t, err)
	require.Equal(t, worldswitch.ExitHalt, reason)

	require.NoError(t, core.DestroyTVM(h))

	st, _, err := core.Pool.State(base)
	require.NoError(t, err)
	require.Equal(t, pool.Reclaiming, st)
}

func TestConvertPagesRejectsAlreadyConverted(t *testing.T) {
	core, stub := newTestCore(t, 2)
	base := stub.Base()
	require.NoError(t, core.ConvertPages(base, 1))
	err := core.ConvertPages(base, 1)
	require.Error(t, err)
	require.Equal(t, sbierr.AlreadyAvailable, sbierr.CodeOf(err))
}

func TestDestroyAfterRunReturnsToFinalizedFirst(t *testing.T) {
	core, stub := newTestCore(t, 4)
	h, err := core.CreateTVM()
	require.NoError(t, err)
	base := stub.Base()
	require.NoError(t, core.ConvertPages(base, 1))
	require.NoError(t, core.AddTVMMemoryRegion(h, 0x1000, base, platform.PageSize))
	require.NoError(t, core.CreateTVMVCPU(h, 0x1000))
	require.NoError(t, core.FinalizeTVM(h))

	// Run halts immediately, which worldswitch.Run unwinds back to
	// FINALIZED before returning (spec §4.5's EndRun-on-exit rule), so
	// destroy_tvm is legal again right after.
	program := []worldswitch.GuestOp{{Kind: worldswitch.OpHalt}}
	_, _, err = core.RunVCPU(h, program, 0)
	require.NoError(t, err)
	require.NoError(t, core.DestroyTVM(h))
}

func TestRunVCPURejectsUnknownHandle(t *testing.T) {
	core, _ := newTestCore(t, 4)
	_, _, err := core.RunVCPU(tvm.Handle{}, nil, 0)
	require.Error(t, err)
}
