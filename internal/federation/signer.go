// Package federation exchanges incident summaries with peer defense nodes
// over a gossip protocol. No node is authoritative: peer intelligence feeds
// local scoring but never overrides a local decision.
package federation

import (
	"crypto/ed25519"
	"errors"
)

// Signer is the pluggable signing capability for outbound messages.
type Signer interface {
	Sign(data []byte) ([]byte, error)
}

// Verifier checks an inbound message signature against the sender's declared
// node identity. Unverifiable messages are discarded, never trusted.
type Verifier interface {
	Verify(data, sig []byte, nodeID string) bool
}

// Ed25519Signer signs with a static node key.
type Ed25519Signer struct {
	priv ed25519.PrivateKey
}

// NewEd25519Signer wraps an Ed25519 private key.
func NewEd25519Signer(priv ed25519.PrivateKey) (*Ed25519Signer, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, errors.New("invalid ed25519 private key size")
	}
	return &Ed25519Signer{priv: priv}, nil
}

func (s *Ed25519Signer) Sign(data []byte) ([]byte, error) {
	return ed25519.Sign(s.priv, data), nil
}

// Ed25519Verifier verifies against a static map of peer public keys.
type Ed25519Verifier struct {
	keys map[string]ed25519.PublicKey
}

// NewEd25519Verifier wraps a node-id to public-key map.
func NewEd25519Verifier(keys map[string]ed25519.PublicKey) *Ed25519Verifier {
	return &Ed25519Verifier{keys: keys}
}

func (v *Ed25519Verifier) Verify(data, sig []byte, nodeID string) bool {
	pub, ok := v.keys[nodeID]
	if !ok {
		return false
	}
	return ed25519.Verify(pub, data, sig)
}
