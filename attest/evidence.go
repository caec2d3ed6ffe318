package attest

import (
	"crypto/ed25519"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/hisa-team/shadowfax/internal/sbierr"
	"github.com/hisa-team/shadowfax/platform"
)

// Format selects the wire encoding of a requested evidence certificate.
// Spec §4.6 names CBOR as the baseline; Format is a closed enum so a
// future format addition is a compile-time-visible switch, not a string
// comparison scattered through the handler.
type Format uint8

const (
	FormatCBOR Format = iota
)

// Evidence is the structure COVG.get_evidence serializes into the
// guest-supplied output buffer: the requested public key and nonce
// bound together, and the certificate chain in root-to-leaf order (root,
// firmware, TSM, per-TVM leaf); the TVM's sealed measurement is carried in
// the leaf certificate.
type Evidence struct {
	RequestedPublicKey []byte        `cbor:"requested_public_key"`
	Nonce              []byte        `cbor:"nonce"`
	Chain              []Certificate `cbor:"chain"`
}

// MaxEvidenceInputSize bounds the attestation-public-key and nonce sizes
// accepted by GetEvidence; spec §4.6 requires both to be validated for
// "alignment/size".
const MaxEvidenceInputSize = platform.PageSize

// GetEvidence implements COVG.get_evidence (spec §4.6). chain is the
// boot-time DICE chain; leafPriv/measurement are the calling TVM's own
// leaf key and sealed measurement (read from its control block); outBuf
// is the guest's confidential output buffer, which the caller (package
// covg) has already validated is page-aligned and backed by a
// Confidential page before this is invoked — GetEvidence itself only
// checks the logical size/format constraints and returns NoShmem if
// outBuf is nil, representing "buffer not confidential".
func GetEvidence(chain *Chain, leafPriv ed25519.PrivateKey, measurement []byte, pubKey, nonce []byte, format Format, outBuf []byte) ([]byte, error) {
	if outBuf == nil {
		return nil, sbierr.Wrap(sbierr.NoShmem, fmt.Errorf("output buffer is not a confidential page"))
	}
	if len(pubKey) == 0 || len(pubKey) > MaxEvidenceInputSize || len(nonce) == 0 || len(nonce) > MaxEvidenceInputSize {
		return nil, sbierr.Wrap(sbierr.InvalidParam, fmt.Errorf("public key or nonce size out of bounds"))
	}
	if format != FormatCBOR {
		return nil, sbierr.Wrap(sbierr.NotSupported, fmt.Errorf("unsupported certificate format %d", format))
	}

	leafCert := chain.LeafCertificate(leafPriv, measurement)
	ev := Evidence{
		RequestedPublicKey: pubKey,
		Nonce:              nonce,
		Chain:              append(chain.ChainCertificates(), leafCert),
	}

	encoded, err := cbor.Marshal(ev)
	if err != nil {
		return nil, sbierr.Wrap(sbierr.Failure, err)
	}
	if len(encoded) > len(outBuf) {
		return nil, sbierr.Wrap(sbierr.InvalidParam, fmt.Errorf("evidence (%d bytes) exceeds output buffer (%d bytes)", len(encoded), len(outBuf)))
	}
	copy(outBuf, encoded)
	return encoded, nil
}

// VerifyCertificateChain checks that each certificate in chain (expected
// root-to-leaf order) is correctly signed by the preceding certificate's
// subject key, and that the root is self-consistent. Used by
// conformance tests (spec §8 scenario 4) and available to any verifier
// embedding this package.
func VerifyCertificateChain(chain []Certificate) error {
	if len(chain) == 0 {
		return fmt.Errorf("attest: empty certificate chain")
	}
	for i, cert := range chain {
		var issuerKey ed25519.PublicKey
		if i == 0 {
			issuerKey = ed25519.PublicKey(cert.Subject)
		} else {
			issuerKey = ed25519.PublicKey(chain[i-1].Subject)
		}
		if !ed25519.Verify(issuerKey, preimage(cert.Issuer, cert.Subject, cert.Measurement), cert.Signature) {
			return fmt.Errorf("attest: certificate %d failed signature verification", i)
		}
	}
	return nil
}

// DecodeEvidence parses a CBOR evidence certificate produced by
// GetEvidence, for use by tests and external verifiers.
func DecodeEvidence(buf []byte) (Evidence, error) {
	var ev Evidence
	if err := cbor.Unmarshal(buf, &ev); err != nil {
		return Evidence{}, fmt.Errorf("attest: decode evidence: %w", err)
	}
	return ev, nil
}
