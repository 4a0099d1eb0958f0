package models

// RoundState is the public, read-only summary returned by
// GET /api/v1/rounds/states — the wire shape of internal/round.Round,
// deliberately flattened so the transport layer never leaks internal
// pointers or lock state.
type RoundState struct {
	RoundID               int64   `json:"round_id"`
	Phase                 string  `json:"phase"`
	Status                string  `json:"status"`
	Network               string  `json:"network"`
	DenominationSats      int64   `json:"denomination_sats"`
	AnonymitySet          int     `json:"anonymity_set"`
	RegisteredAliceCount  int     `json:"registered_alice_count"`
	CoordinatorFeePercent float64 `json:"coordinator_fee_percent"`
}

// InputRegistrationRequest is the POST /api/v1/rounds/{round_id}/inputs
// body.
type InputRegistrationRequest struct {
	BlindedOutputHex    string       `json:"blinded_output_hex"`
	ChangeOutputScript  string       `json:"change_output_script"`
	Inputs              []InputProof `json:"inputs"`
}

// InputRegistrationResponse is returned on successful admission; clients
// unblind BlindSignatureHex locally and present the result during output
// registration.
type InputRegistrationResponse struct {
	UniqueID         string `json:"unique_id"`
	BlindSignatureHex string `json:"blind_signature_hex"`
}

// ConnectionConfirmationResponse is returned by
// POST /api/v1/rounds/{round_id}/confirmation once the round has left
// InputRegistration (during InputRegistration the endpoint answers 204 with
// no body). RoundHashHex stays empty until every Alice has confirmed and
// the round has entered OutputRegistration.
type ConnectionConfirmationResponse struct {
	RoundHashHex string `json:"round_hash_hex,omitempty"`
}

// OutputRegistrationRequest is the POST /api/v1/rounds/{round_id}/output
// body. RoundHashHex must match the round's currently published hash.
type OutputRegistrationRequest struct {
	RoundHashHex           string `json:"round_hash_hex"`
	OutputScriptHex        string `json:"output_script_hex"`
	UnblindedSignatureHex  string `json:"unblinded_signature_hex"`
}

// SignatureEntry is one posted witness, addressed by its position among
// the Alice's own registered inputs (not the transaction's flat index,
// which the client never learns).
type SignatureEntry struct {
	InputIndex int      `json:"input_index"`
	WitnessHex []string `json:"witness_hex"`
}

// PostSignaturesRequest is the POST /api/v1/rounds/{round_id}/signatures
// body.
type PostSignaturesRequest struct {
	UniqueID   string           `json:"unique_id"`
	Signatures []SignatureEntry `json:"signatures"`
}

// ErrorResponse is the JSON body returned alongside every non-2xx
// response; Kind mirrors internal/round.RejectionKind.String().
type ErrorResponse struct {
	Kind    string         `json:"kind"`
	Message string         `json:"message"`
	Detail  map[string]any `json:"detail,omitempty"`
}

// CoordinatorStats backs GET /health.
type CoordinatorStats struct {
	RunningRounds   int    `json:"running_rounds"`
	UptimeSeconds   int64  `json:"uptime_seconds"`
	Network         string `json:"network"`
	ChainOracleOK   bool   `json:"chain_oracle_ok"`
	BanStoreOK      bool   `json:"ban_store_ok"`
}
