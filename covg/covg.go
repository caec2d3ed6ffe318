// Package covg implements the guest-side CoVE ECALL surface (spec §4.6,
// component G's ECALL entry point): COVG.get_evidence, invoked by a TVM
// from inside a running vCPU via TEECALL (spec §4.5) and serviced
// synchronously on the same hart.
//
// covg.Handler implements worldswitch.GuestECALLHandler so package
// worldswitch can call back into it without importing covg; covg in turn
// satisfies the interface structurally and does not import worldswitch
// (the same inversion gVisor uses between its platform interface and the
// sentry kernel that drives it).
package covg

import (
	"fmt"

	"github.com/hisa-team/shadowfax/attest"
	"github.com/hisa-team/shadowfax/internal/sbierr"
	"github.com/hisa-team/shadowfax/internal/tsmlog"
	"github.com/hisa-team/shadowfax/platform"
	"github.com/hisa-team/shadowfax/tvm"
)

// Function ids within the COVG extension. Spec §9 flags that the exact
// COVH/COVG FID numbering "varies across drafts (FID 7 vs FID 8 appears
// for get_evidence)"; this build pins get_evidence to FID 7 and asserts
// the choice in TestFunctionIDsArePinned.
const (
	FIDGetEvidence uint64 = 7
)

// GPR indices for the guest's a0..a5 argument registers, within the
// 31-entry GPR array (index 0 holds x1; a0 is x10, hence offset 9).
const (
	regA0 = 9
	regA1 = 10
	regA2 = 11
	regA3 = 12
	regA4 = 13
	regA5 = 14
)

// Handler answers COVG ECALLs. Store and Hart give it access to a TVM's
// regions and sealed measurement and to guest memory; Chain is the
// boot-time DICE chain.
type Handler struct {
	Store *tvm.Store
	Chain *attest.Chain
	Hart  platform.Hart
}

// HandleGuestECALL implements worldswitch.GuestECALLHandler.
func (h *Handler) HandleGuestECALL(handle tvm.Handle, functionID uint64, gprs *[31]uint64) error {
	log := tsmlog.Attestation()
	switch functionID {
	case FIDGetEvidence:
		value, err := h.getEvidence(handle, gprs)
		if err != nil {
			log.Warn().Err(err).Msg("get_evidence failed")
			return err
		}
		gprs[regA0] = uint64(sbierr.Success)
		gprs[regA1] = value
		return nil
	default:
		return sbierr.Wrap(sbierr.NotSupported, fmt.Errorf("covg: unknown function id %d", functionID))
	}
}

// getEvidence decodes COVG.get_evidence's guest-register arguments
// (attestation-public-key, challenge, certificate-format selector,
// output buffer — spec §4.6) and invokes package attest to build the
// certificate.
//
// Register layout (this build's choice, since spec §4.6 names the
// arguments but not their register packing): a0 = public-key guest
// physical address (page-aligned), a1 = public-key length, a2 = nonce
// guest physical address, a3 = nonce length, a4 = output buffer guest
// physical address (page-aligned), a5 = output buffer length. The
// certificate-format selector is fixed to CBOR in this build (spec §4.6:
// "CBOR baseline"), so no register carries it.
func (h *Handler) getEvidence(handle tvm.Handle, gprs *[31]uint64) (uint64, error) {
	ctrl, err := h.Store.Get(handle)
	if err != nil {
		return 0, err
	}
	if ctrl.State() != tvm.Running {
		return 0, sbierr.Wrap(sbierr.InvalidState, fmt.Errorf("covg: get_evidence is only valid from inside a running TVM"))
	}

	pubKeyAddr := uintptr(gprs[regA0])
	pubKeyLen := gprs[regA1]
	nonceAddr := uintptr(gprs[regA2])
	nonceLen := gprs[regA3]
	outBufAddr := uintptr(gprs[regA4])
	outBufLen := gprs[regA5]

	if pubKeyAddr%platform.PageSize != 0 || outBufAddr%platform.PageSize != 0 {
		return 0, sbierr.Wrap(sbierr.InvalidParam, fmt.Errorf("covg: public key / output buffer address must be page-aligned"))
	}
	if pubKeyLen == 0 || nonceLen == 0 || outBufLen == 0 {
		return 0, sbierr.Wrap(sbierr.InvalidParam, fmt.Errorf("covg: zero-length argument"))
	}

	outHostAddr, ok := translateGuestAddr(ctrl, outBufAddr, uintptr(outBufLen))
	if !ok {
		return 0, sbierr.Wrap(sbierr.NoShmem, fmt.Errorf("covg: output buffer is not within a confidential region owned by this TVM"))
	}
	pubKeyHostAddr, ok := translateGuestAddr(ctrl, pubKeyAddr, uintptr(pubKeyLen))
	if !ok {
		return 0, sbierr.Wrap(sbierr.InvalidAddress, fmt.Errorf("covg: public key buffer is not within a declared region"))
	}
	nonceHostAddr, ok := translateGuestAddr(ctrl, nonceAddr, uintptr(nonceLen))
	if !ok {
		return 0, sbierr.Wrap(sbierr.InvalidAddress, fmt.Errorf("covg: nonce buffer is not within a declared region"))
	}

	pubKey := h.readGuestBytes(pubKeyHostAddr, pubKeyLen)
	nonce := h.readGuestBytes(nonceHostAddr, nonceLen)
	outBuf := make([]byte, outBufLen)

	measurement := ctrl.Measurement()
	encoded, err := attest.GetEvidence(h.Chain, ctrl.LeafPrivateKey, measurement[:], pubKey, nonce, attest.FormatCBOR, outBuf)
	if err != nil {
		return 0, err
	}

	for i, b := range encoded {
		h.Hart.WriteByte(outHostAddr+uintptr(i), b)
	}
	return uint64(len(encoded)), nil
}

func (h *Handler) readGuestBytes(hostAddr uintptr, n uint64) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = h.Hart.ReadByte(hostAddr + uintptr(i))
	}
	return buf
}

// translateGuestAddr resolves a guest-physical [addr, addr+length) range
// to the host-physical address backing it, provided it falls entirely
// within one of the TVM's declared confidential regions.
func translateGuestAddr(ctrl *tvm.Control, addr uintptr, length uintptr) (uintptr, bool) {
	for _, r := range ctrl.Regions() {
		if addr >= r.GuestPA && addr+length <= r.GuestPA+r.Length {
			return r.HostPA + (addr - r.GuestPA), true
		}
	}
	return 0, false
}
