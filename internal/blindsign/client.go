package blindsign

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
	"math/big"
)

// Blind and Unblind implement the client half of the protocol. The core
// never calls these — they exist so round-trip tests (§8) can exercise
// the full blind/sign/unblind/verify cycle without a separate client
// binary, and so the HTTP adapter's documentation has something concrete
// to point at.

// Blind randomizes H(message) by a fresh factor r^e mod n. The returned
// unblinder must be kept by the client and later passed to Unblind.
func Blind(pub *rsa.PublicKey, message []byte) (blinded []byte, unblinder *big.Int, err error) {
	n := pub.N
	e := big.NewInt(int64(pub.E))

	r, err := rand.Int(rand.Reader, n)
	if err != nil {
		return nil, nil, fmt.Errorf("blindsign: sample blinding factor: %w", err)
	}
	if r.Sign() == 0 {
		r.SetInt64(1)
	}

	digest := sha256.Sum256(message)
	h := new(big.Int).SetBytes(digest[:])

	rE := new(big.Int).Exp(r, e, n)
	blindedInt := new(big.Int).Mod(new(big.Int).Mul(h, rE), n)

	out := make([]byte, (n.BitLen()+7)/8)
	b := blindedInt.Bytes()
	copy(out[len(out)-len(b):], b)

	return out, r, nil
}

// Unblind removes the blinding factor from a coordinator signature,
// yielding a signature valid over H(message) alone.
func Unblind(pub *rsa.PublicKey, blindSig []byte, unblinder *big.Int) []byte {
	n := pub.N
	rInv := new(big.Int).ModInverse(unblinder, n)
	if rInv == nil {
		return nil
	}

	s := new(big.Int).SetBytes(blindSig)
	unblinded := new(big.Int).Mod(new(big.Int).Mul(s, rInv), n)

	out := make([]byte, (n.BitLen()+7)/8)
	b := unblinded.Bytes()
	copy(out[len(out)-len(b):], b)
	return out
}
