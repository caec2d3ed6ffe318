package covg

import (
	"testing"

	"github.com/hisa-team/shadowfax/attest"
	"github.com/hisa-team/shadowfax/platform"
	"github.com/hisa-team/shadowfax/pool"
	"github.com/hisa-team/shadowfax/tvm"
	"github.com/stretchr/testify/require"
)

func TestFunctionIDsArePinned(t *testing.T) {
	require.Equal(t, uint64(7), FIDGetEvidence)
}

func setupRunningTVM(t *testing.T) (*Handler, tvm.Handle, *platform.Stub) {
	t.Helper()
	stub, err := platform.NewStub(0x82000000, 4*platform.PageSize)
	require.NoError(t, err)
	t.Cleanup(func() { stub.Close() })

	chain, err := attest.NewChain([]byte("root"), []byte("fw"), []byte("tsm"))
	require.NoError(t, err)

	store := tvm.NewStore()
	h := store.CreateTVM(nil)
	require.NoError(t, store.AddRegion(h, pool.Region{GuestPA: 0x1000, HostPA: stub.Base(), Length: 4 * platform.PageSize}))
	require.NoError(t, store.AddVCPU(h, 0x1000))
	require.NoError(t, store.Finalize(h, func(m tvm.Measurement) ([]byte, []byte, error) {
		return chain.DeriveLeaf(m[:])
	}))
	require.NoError(t, store.BeginRun(h))

	return &Handler{Store: store, Chain: chain, Hart: stub}, h, stub
}

func writeGuestBytes(stub *platform.Stub, hostAddr uintptr, data []byte) {
	for i, b := range data {
		stub.WriteByte(hostAddr+uintptr(i), b)
	}
}

func TestGetEvidenceViaGuestECALL(t *testing.T) {
	handler, h, stub := setupRunningTVM(t)

	pubKey := []byte("guest-attestation-public-key...")
	writeGuestBytes(stub, stub.Base(), pubKey)
	nonce := []byte("nonce")
	writeGuestBytes(stub, stub.Base()+0x1000, nonce)

	var gprs [31]uint64
	gprs[regA0] = uint64(0x1000)                    // guest PA of pubkey == region base
	gprs[regA1] = uint64(len(pubKey))
	gprs[regA2] = uint64(0x2000)                    // guest PA of nonce
	gprs[regA3] = uint64(len(nonce))
	gprs[regA4] = uint64(0x3000)                    // guest PA of output buffer
	gprs[regA5] = uint64(2048)

	err := handler.HandleGuestECALL(h, FIDGetEvidence, &gprs)
	require.NoError(t, err)
	require.EqualValues(t, 0, gprs[regA0])
	require.Greater(t, gprs[regA1], uint64(0))

	outHostAddr := stub.Base() + (0x3000 - 0x1000)
	n := gprs[regA1]
	encoded := make([]byte, n)
	for i := range encoded {
		encoded[i] = stub.ReadByte(outHostAddr + uintptr(i))
	}
	ev, err := attest.DecodeEvidence(encoded)
	require.NoError(t, err)
	require.Equal(t, pubKey, ev.RequestedPublicKey)
	require.Equal(t, nonce, ev.Nonce)
}

func TestGetEvidenceRejectedBeforeRunning(t *testing.T) {
	stub, err := platform.NewStub(0x82000000, platform.PageSize)
	require.NoError(t, err)
	defer stub.Close()
	chain, err := attest.NewChain([]byte("root"), []byte("fw"), []byte("tsm"))
	require.NoError(t, err)
	store := tvm.NewStore()
	h := store.CreateTVM(nil)

	handler := &Handler{Store: store, Chain: chain, Hart: stub}
	var gprs [31]uint64
	err = handler.HandleGuestECALL(h, FIDGetEvidence, &gprs)
	require.Error(t, err)
}
