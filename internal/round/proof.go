package round

import (
	"encoding/base64"
	"encoding/hex"

	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// messageMagicPrefix is the standard Bitcoin signed-message prefix used by
// signmessage/verifymessage, applied before double-SHA256.
const messageMagicPrefix = "Bitcoin Signed Message:\n"

// verifyInputProof checks rule 3h: the proof must be a recoverable ECDSA
// signature over message (the requester's blinded_output_hex), whose
// recovered public key hashes (HASH160) to the 20-byte witness program
// embedded in scriptHex — i.e. the signer controls the private key behind
// this P2WPKH UTXO.
func verifyInputProof(scriptHex string, message []byte, signatureHex string) bool {
	script, err := hex.DecodeString(scriptHex)
	if err != nil {
		return false
	}
	// A P2WPKH scriptPubKey is exactly OP_0 <20-byte-hash>: 0x00 0x14 <20 bytes>.
	if len(script) != 22 || script[0] != 0x00 || script[1] != 0x14 {
		return false
	}
	witnessProgram := script[2:]

	sig, err := decodeSignature(signatureHex)
	if err != nil {
		return false
	}

	digest := signedMessageDigest(message)

	pub, _, err := ecdsa.RecoverCompact(sig, digest)
	if err != nil || pub == nil {
		return false
	}

	compressed := btcutil.Hash160(pub.SerializeCompressed())
	if hash160Equal(compressed, witnessProgram) {
		return true
	}
	uncompressed := btcutil.Hash160(pub.SerializeUncompressed())
	return hash160Equal(uncompressed, witnessProgram)
}

// decodeSignature accepts either hex (the wire encoding this spec uses
// everywhere else) or base64 (the legacy Bitcoin Core signmessage output
// format), since client wallets commonly produce the latter.
func decodeSignature(signatureHex string) ([]byte, error) {
	if sig, err := hex.DecodeString(signatureHex); err == nil {
		return sig, nil
	}
	return base64.StdEncoding.DecodeString(signatureHex)
}

func signedMessageDigest(message []byte) []byte {
	var buf []byte
	buf = append(buf, byte(len(messageMagicPrefix)))
	buf = append(buf, messageMagicPrefix...)
	buf = appendVarInt(buf, uint64(len(message)))
	buf = append(buf, message...)
	return chainhash.DoubleHashB(buf)
}

func appendVarInt(buf []byte, n uint64) []byte {
	switch {
	case n < 0xfd:
		return append(buf, byte(n))
	case n <= 0xffff:
		return append(buf, 0xfd, byte(n), byte(n>>8))
	case n <= 0xffffffff:
		return append(buf, 0xfe, byte(n), byte(n>>8), byte(n>>16), byte(n>>24))
	default:
		return append(buf, 0xff,
			byte(n), byte(n>>8), byte(n>>16), byte(n>>24),
			byte(n>>32), byte(n>>40), byte(n>>48), byte(n>>56))
	}
}

func hash160Equal(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
