// Package models holds the wire-format types shared between the coordinator
// core and the HTTP transport adapter. Nothing in this package depends on
// gin, pgx, or btcd RPC types — it is pure data.
package models

import "fmt"

// Outpoint identifies a single spendable Bitcoin UTXO.
type Outpoint struct {
	Hash string `json:"hash"` // hex-encoded transaction hash, big-endian display order
	Vout uint32 `json:"n"`
}

// String renders an outpoint as "hash:vout" for logging and map keys.
func (o Outpoint) String() string {
	return fmt.Sprintf("%s:%d", o.Hash, o.Vout)
}

// InputProof binds ownership of a UTXO's private key to a round session:
// the signed message is always the requester's blinded output script hex.
type InputProof struct {
	Outpoint  Outpoint `json:"input"`
	Signature string   `json:"proof"` // hex or base64-encoded recoverable signature
}

// ScriptKind classifies a scriptPubKey template. Only WitnessV0KeyHash
// inputs are accepted into a round (see Round.RegisterAlice rule 3g).
type ScriptKind int

const (
	ScriptKindUnknown ScriptKind = iota
	ScriptKindWitnessV0KeyHash
	ScriptKindWitnessV0ScriptHash
	ScriptKindPubKeyHash
	ScriptKindScriptHash
	ScriptKindTaproot
)

func (k ScriptKind) String() string {
	switch k {
	case ScriptKindWitnessV0KeyHash:
		return "witness_v0_keyhash"
	case ScriptKindWitnessV0ScriptHash:
		return "witness_v0_scripthash"
	case ScriptKindPubKeyHash:
		return "pubkeyhash"
	case ScriptKindScriptHash:
		return "scripthash"
	case ScriptKindTaproot:
		return "witness_v1_taproot"
	default:
		return "unknown"
	}
}
