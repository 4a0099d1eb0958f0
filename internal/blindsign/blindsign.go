// Package blindsign implements the coordinator's RSA blind-signature
// primitive. The coordinator signs a blob it cannot read (the client
// blinds the output script before sending it) and later verifies a
// signature over the unblinded output script it still cannot connect to
// the Alice that requested it.
//
// This is deliberately built on crypto/rsa + math/big rather than
// crypto/rsa's padded SignPKCS1v15/VerifyPKCS1v15: blind signing needs the
// raw m^d mod n primitive (no hashing, no padding — the client already
// prepared the blinded SHA-256 digest), which the stdlib helpers do not
// expose. No pack example implements Chaumian blind RSA signatures.
package blindsign

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"
)

// KeyBits is the RSA modulus size used for new coordinator keys.
const KeyBits = 3072

// ErrCorruptKey is returned by Sign when the signer's key material fails
// its own consistency check.
var ErrCorruptKey = errors.New("blindsign: key material is corrupt")

// Signer holds the coordinator's RSA key pair and exposes blind-signing
// and unblinded-verification operations.
type Signer struct {
	priv *rsa.PrivateKey
}

// New wraps an existing RSA private key.
func New(priv *rsa.PrivateKey) *Signer {
	return &Signer{priv: priv}
}

// Generate creates a fresh coordinator signing key.
func Generate() (*Signer, error) {
	priv, err := rsa.GenerateKey(rand.Reader, KeyBits)
	if err != nil {
		return nil, fmt.Errorf("blindsign: generate key: %w", err)
	}
	return &Signer{priv: priv}, nil
}

// PublicKey exposes the modulus and exponent clients need to blind their
// messages.
func (s *Signer) PublicKey() *rsa.PublicKey {
	return &s.priv.PublicKey
}

// Sign performs the raw RSA signing primitive (blob^d mod n) over an
// opaque blinded payload. It does not hash or pad — the caller's blob is
// already the client's blinded SHA-256 digest. Fails only if the key's
// internal precomputed values are inconsistent.
func (s *Signer) Sign(blob []byte) ([]byte, error) {
	if s.priv == nil || s.priv.D == nil || s.priv.N == nil {
		return nil, ErrCorruptKey
	}

	n := s.priv.N
	m := new(big.Int).SetBytes(blob)
	if m.Cmp(n) >= 0 {
		return nil, fmt.Errorf("blindsign: blob too large for modulus")
	}

	sig := new(big.Int).Exp(m, s.priv.D, n)

	out := make([]byte, (n.BitLen()+7)/8)
	sigBytes := sig.Bytes()
	copy(out[len(out)-len(sigBytes):], sigBytes)
	return out, nil
}

// VerifyUnblinded verifies that signature is a valid raw RSA signature
// (sig^e mod n == H(message)) over the SHA-256 digest of message. message
// is the output script the client reconstructed after unblinding Sign's
// result. Returns false for any malformed input — a blind-signature
// protocol must never panic or leak failure detail on attacker-controlled
// signatures.
func (s *Signer) VerifyUnblinded(message, signature []byte) bool {
	if s.priv == nil || s.priv.N == nil || len(signature) == 0 || len(message) == 0 {
		return false
	}

	n := s.priv.N
	e := big.NewInt(int64(s.priv.E))

	sig := new(big.Int).SetBytes(signature)
	if sig.Sign() <= 0 || sig.Cmp(n) >= 0 {
		return false
	}

	recovered := new(big.Int).Exp(sig, e, n)

	digest := sha256.Sum256(message)
	expected := new(big.Int).SetBytes(digest[:])

	return recovered.Cmp(expected) == 0
}
