// Package attest implements the DICE-style measurement chain (spec §4.6,
// component G): a linear compound-device-identifier chain rooted in a
// platform key, yielding a per-TVM identity, plus the COVG get_evidence
// certificate assembly.
//
// The chain construction (child private key = KDF(parent private key,
// child measurement), child certificate signed by the parent, embedding
// the child's public key and measurement) follows spec §4.6 verbatim.
// The key-derivation step is grounded the way scrtlabs/reproduce-mr and
// flashbots/dstack-mr-gcp build their own measurement/report chains: a
// running SHA-2 extend over the parent secret and the child's measured
// content, here SHA-512 so the 64-byte output can seed an Ed25519 key
// pair directly via ed25519.NewKeyFromSeed's 32-byte requirement (the
// first 32 bytes of the extend).
package attest

import (
	"crypto/ed25519"
	"crypto/sha512"
	"fmt"
)

// Node is one link in the DICE chain (spec §3's "DICE chain").
type Node struct {
	Label       string
	PublicKey   ed25519.PublicKey
	privateKey  ed25519.PrivateKey
	Measurement []byte
	// Certificate is this node's own certificate, signed by its parent
	// (the root node's Certificate is self-signed, since it has no
	// parent in this boot's chain).
	Certificate Certificate
}

// kdf derives a child Ed25519 seed from a parent's private key material
// and the child's measurement, per spec §4.6's
// "KDF(parent_private_key, child_measurement)".
func kdf(parentPriv ed25519.PrivateKey, childMeasurement []byte) ed25519.PrivateKey {
	h := sha512.New()
	h.Write([]byte("shadowfax-dice-kdf-v1"))
	h.Write(parentPriv.Seed())
	h.Write(childMeasurement)
	sum := h.Sum(nil)
	return ed25519.NewKeyFromSeed(sum[:ed25519.SeedSize])
}

// Certificate is the signed statement binding a public key to a
// measurement and to its issuer (spec §4.6: "the child certificate is
// signed by the parent private key and embeds the child public key and
// the child measurement").
type Certificate struct {
	Subject     []byte `cbor:"subject"`
	Issuer      []byte `cbor:"issuer"`
	Measurement []byte `cbor:"measurement"`
	Signature   []byte `cbor:"signature"`
}

// preimage is the canonical byte sequence a certificate's signature
// covers: issuer || subject || measurement, in that fixed order, so two
// calls with identical inputs are always signed over identical bytes
// (needed for the determinism property of spec §8).
func preimage(issuer, subject, measurement []byte) []byte {
	buf := make([]byte, 0, len(issuer)+len(subject)+len(measurement))
	buf = append(buf, issuer...)
	buf = append(buf, subject...)
	buf = append(buf, measurement...)
	return buf
}

func newNode(label string, parent *Node, measurement []byte) *Node {
	var priv ed25519.PrivateKey
	var issuer []byte
	if parent == nil {
		// Root node: derive deterministically from an all-zero parent key
		// and the measurement;
		// production firmware instead loads this from the platform-provisioned
		// key file (spec §6's "DICE platform keys").
		priv = kdf(make(ed25519.PrivateKey, ed25519.PrivateKeySize), measurement)
		issuer = nil
	} else {
		priv = kdf(parent.privateKey, measurement)
		issuer = parent.PublicKey
	}
	pub := priv.Public().(ed25519.PublicKey)
	cert := Certificate{
		Subject:     pub,
		Issuer:      issuer,
		Measurement: measurement,
	}
	signer := priv
	if parent != nil {
		signer = parent.privateKey
	}
	cert.Signature = ed25519.Sign(signer, preimage(cert.Issuer, cert.Subject, cert.Measurement))
	return &Node{Label: label, PublicKey: pub, privateKey: priv, Measurement: measurement, Certificate: cert}
}

// Chain is the boot-time DICE chain: root, firmware, and TSM nodes (spec
// §3). Per-TVM leaves are derived on demand by DeriveLeaf and are not
// stored here, since "Only the leaf is exposed through COVG" and each
// TVM's leaf lifetime matches the TVM's own (spec §4.6).
type Chain struct {
	Root     *Node
	Firmware *Node
	TSM      *Node
}

// NewChain builds the boot-time chain from a provisioned root seed, the
// firmware image's content hash, and the (signed) TSM image hash (spec
// §4.6: "The root node's private key comes from a platform-provisioned
// file... The firmware node is derived at boot from the firmware image's
// content hash... the TSM node from the signed TSM image hash").
func NewChain(rootSeed, firmwareImageHash, tsmImageHash []byte) (*Chain, error) {
	if len(rootSeed) == 0 {
		return nil, fmt.Errorf("attest: empty root seed")
	}
	rootPriv := kdf(padSeed(rootSeed), []byte("root"))
	root := &Node{Label: "root", PublicKey: rootPriv.Public().(ed25519.PublicKey), privateKey: rootPriv}
	root.Certificate = Certificate{
		Subject:     root.PublicKey,
		Measurement: []byte("root-of-trust"),
	}
	root.Certificate.Signature = ed25519.Sign(rootPriv, preimage(nil, root.Certificate.Subject, root.Certificate.Measurement))

	firmware := newNode("firmware", root, firmwareImageHash)
	tsm := newNode("tsm", firmware, tsmImageHash)

	return &Chain{Root: root, Firmware: firmware, TSM: tsm}, nil
}

func padSeed(seed []byte) ed25519.PrivateKey {
	var priv ed25519.PrivateKey = make(ed25519.PrivateKey, ed25519.PrivateKeySize)
	h := sha512.Sum512(seed)
	copy(priv, h[:])
	return priv
}

// DeriveLeaf derives the per-TVM DICE leaf from the sealed TVM
// measurement (spec §4.6: "the per-TVM node from the sealed
// measurement"), returning its public and private key bytes for storage
// in the TVM's control block (package tvm calls this at finalize_tvm
// time).
func (c *Chain) DeriveLeaf(measurement []byte) (pub, priv []byte, err error) {
	leaf := newNode("tvm", c.TSM, measurement)
	return leaf.PublicKey, leaf.privateKey, nil
}

// LeafCertificate rebuilds the leaf's own certificate deterministically
// from its stored private key and measurement, so get_evidence does not
// need to keep the Node alive — only the raw key bytes the TVM control
// block already stores.
func (c *Chain) LeafCertificate(leafPriv ed25519.PrivateKey, measurement []byte) Certificate {
	pub := leafPriv.Public().(ed25519.PublicKey)
	cert := Certificate{
		Subject:     pub,
		Issuer:      c.TSM.PublicKey,
		Measurement: measurement,
	}
	cert.Signature = ed25519.Sign(c.TSM.privateKey, preimage(cert.Issuer, cert.Subject, cert.Measurement))
	return cert
}

// ChainCertificates returns [root, firmware, tsm] certificates in
// root-to-leaf order, the prefix every evidence certificate chains
// through (spec §4.6: "a certificate... that chains to the root of trust").
func (c *Chain) ChainCertificates() []Certificate {
	return []Certificate{c.Root.Certificate, c.Firmware.Certificate, c.TSM.Certificate}
}
