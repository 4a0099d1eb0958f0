// Package round implements the four-phase CoinJoin round state machine:
// input registration, connection confirmation, output registration, and
// signing. This is the core the spec describes — cryptographic protocol,
// UTXO validation, and concurrent multi-party admission control in one
// package.
package round

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/google/uuid"

	"github.com/rawblock/coinjoin-coordinator/internal/ban"
	"github.com/rawblock/coinjoin-coordinator/internal/blindsign"
	"github.com/rawblock/coinjoin-coordinator/internal/chain"
	"github.com/rawblock/coinjoin-coordinator/pkg/models"
)

// EventKind distinguishes the round-lifecycle notifications pushed to the
// coordinator's event callback, which in turn feeds the websocket hub
// (grounded on the teacher's scanner.CoinJoinAlert / alertFunc pattern).
type EventKind int

const (
	EventCreated EventKind = iota
	EventPhaseAdvanced
	EventSucceeded
	EventFailed
)

// Event is pushed on every round lifecycle transition.
type Event struct {
	RoundID   int64
	Phase     Phase
	Status    Status
	Kind      EventKind
	Timestamp time.Time
	Detail    string
}

// RegisterAliceRequest is the decoded POST inputs payload.
type RegisterAliceRequest struct {
	BlindedOutputHex string
	ChangeScript     string
	Inputs           []RegisterAliceInput
}

type RegisterAliceInput struct {
	Outpoint models.Outpoint
	Proof    string // hex/base64 recoverable signature over BlindedOutputHex
}

// RegisterAliceResult is returned on successful admission.
type RegisterAliceResult struct {
	UniqueID       string
	BlindSignature []byte
	RoundID        int64
}

// Round is the per-round state machine. All mutation goes through its
// exported operations, each of which takes the round's own lock; the two
// coordinator-wide locks (InputsLock, OutputLock) are held by the caller
// for RegisterAlice/RegisterBob respectively, per §5.
type Round struct {
	mu sync.RWMutex

	id     int64
	cfg    Config
	phase  Phase
	status Status

	alices map[string]*Alice // by unique_id
	bobs   map[string]*Bob   // by output_script

	roundHash  []byte
	unsignedTx *wire.MsgTx
	// inputIndex maps an Alice's unique_id to her inputs' positions in
	// unsignedTx.TxIn, fixed when the tx is built at Signing entry.
	inputIndex map[string][]int

	partialSigs map[string]bool // unique_id -> has submitted valid signatures

	phaseDeadline  time.Time
	extensionsUsed int

	issuedBlindSigs map[string]bool // blinded_output_hex -> signature issued (invariant 7)

	signer   *blindsign.Signer
	oracle   chain.Oracle
	banStore ban.Store
	emit     func(Event)
}

// New creates a round in InputRegistration/Running with a fresh deadline.
func New(id int64, cfg Config, signer *blindsign.Signer, oracle chain.Oracle, banStore ban.Store, emit func(Event)) *Round {
	if emit == nil {
		emit = func(Event) {}
	}
	r := &Round{
		id:              id,
		cfg:             cfg,
		phase:           InputRegistration,
		status:          Running,
		alices:          make(map[string]*Alice),
		bobs:            make(map[string]*Bob),
		partialSigs:     make(map[string]bool),
		issuedBlindSigs: make(map[string]bool),
		signer:          signer,
		oracle:          oracle,
		banStore:        banStore,
		emit:            emit,
	}
	r.phaseDeadline = time.Now().Add(cfg.AliceRegistrationTimeout)
	emit(Event{RoundID: id, Phase: r.phase, Status: r.status, Kind: EventCreated, Timestamp: time.Now()})
	return r
}

// ID returns the round's immutable id. Snapshot and Config are read-only
// views for status reporting; each takes the read lock.
func (r *Round) ID() int64 { return r.id }

func (r *Round) Snapshot() (Phase, Status, int, int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.phase, r.status, len(r.alices), r.cfg.AnonymitySet
}

func (r *Round) Config() Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

// RoundHash returns the frozen commitment, or nil if not yet published.
func (r *Round) RoundHash() []byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.roundHash
}

// HasOutpoint reports whether any Alice in this round currently claims op.
// Used by the coordinator for cross-round uniqueness (invariant 1).
func (r *Round) HasOutpoint(op models.Outpoint) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.alices {
		for _, in := range a.Inputs {
			if in.Outpoint == op {
				return true
			}
		}
	}
	return false
}

// IsRunning reports whether the round can still accept operations at all.
func (r *Round) IsRunning() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status == Running
}

// ---- RegisterAlice (§4.4) ----
//
// Caller must hold the coordinator's InputsLock. crossRoundConflict
// reports whether op is claimed by an Alice in some OTHER running round;
// the coordinator supplies this while holding InputsLock so the check and
// the eventual admission are atomic across the whole round fleet.
func (r *Round) RegisterAlice(ctx context.Context, req RegisterAliceRequest, crossRoundConflict func(models.Outpoint) bool) (*RegisterAliceResult, *Error) {
	// 1. Request shape.
	if len(req.Inputs) == 0 || len(req.Inputs) > r.cfg.MaxInputsPerAlice {
		return nil, newErrf(InvalidRequest, "inputs must be 1..%d, got %d", r.cfg.MaxInputsPerAlice, len(req.Inputs))
	}
	if req.BlindedOutputHex == "" || req.ChangeScript == "" {
		return nil, NewError(InvalidRequest, "blinded_output_hex and change_output_script are required", nil)
	}

	r.mu.RLock()
	phaseOK := r.phase == InputRegistration && r.status == Running
	r.mu.RUnlock()
	if !phaseOK {
		return nil, NewError(Transient, "round is not accepting input registrations", nil)
	}

	// 3a. No duplicate outpoints within the request.
	seen := make(map[models.Outpoint]bool, len(req.Inputs))
	for _, in := range req.Inputs {
		if seen[in.Outpoint] {
			return nil, newErrf(InvalidRequest, "duplicate outpoint %s in request", in.Outpoint)
		}
		seen[in.Outpoint] = true
	}

	// 3b/3c: find same-round replacement targets and cross-round conflicts.
	r.mu.RLock()
	var replace []string // unique_ids to remove atomically on success
	for _, in := range req.Inputs {
		for uid, a := range r.alices {
			for _, existing := range a.Inputs {
				if existing.Outpoint == in.Outpoint {
					replace = append(replace, uid)
				}
			}
		}
	}
	r.mu.RUnlock()

	replaceSet := make(map[string]bool, len(replace))
	for _, uid := range replace {
		replaceSet[uid] = true
	}

	for _, in := range req.Inputs {
		if r.HasOutpoint(in.Outpoint) {
			continue // claimed in this round — handled via replacement above
		}
		if crossRoundConflict(in.Outpoint) {
			return nil, NewError(InputDisallowed, "outpoint already registered in another round", map[string]any{"outpoint": in.Outpoint.String()})
		}
	}

	// 2. blinded_output_hex uniqueness within this round (ignore the
	// Alices we are about to replace).
	r.mu.RLock()
	for uid, a := range r.alices {
		if replaceSet[uid] {
			continue
		}
		if a.BlindedOutputHex == req.BlindedOutputHex {
			r.mu.RUnlock()
			return nil, NewError(InvalidRequest, "blinded_output_hex already registered in this round", nil)
		}
	}
	r.mu.RUnlock()

	inputs := make([]AliceInput, 0, len(req.Inputs))
	for _, in := range req.Inputs {
		// 3d: ban check, lazily unbanning expired entries.
		if r.banStore != nil {
			minutesLeft, banned, err := r.banStore.IsBanned(ctx, in.Outpoint, time.Now())
			if err != nil {
				return nil, newErrf(Transient, "ban lookup failed: %v", err)
			}
			if banned {
				return nil, NewError(InputDisallowed, "outpoint is banned", map[string]any{
					"outpoint":         in.Outpoint.String(),
					"minutes_remaining": minutesLeft,
				})
			}
		}

		// 3e/3f/3g: UTXO must exist, maturity, script type.
		info, err := r.oracle.GetTxOut(ctx, in.Outpoint, true)
		if err == chain.ErrNotFound {
			return nil, NewError(InputDisallowed, "outpoint is not a known unspent output", map[string]any{"outpoint": in.Outpoint.String()})
		}
		if err != nil {
			return nil, newErrf(Transient, "chain lookup failed: %v", err)
		}

		if info.Confirmations <= 0 {
			isCJ, err := r.oracle.ContainsCoinJoin(ctx, in.Outpoint.Hash)
			if err != nil {
				return nil, newErrf(Transient, "coinjoin lookup failed: %v", err)
			}
			unconfirmedCount, err := r.oracle.UnconfirmedCoinJoinCount(ctx)
			if err != nil {
				return nil, newErrf(Transient, "unconfirmed coinjoin count failed: %v", err)
			}
			if !isCJ || unconfirmedCount >= r.cfg.MaxUnconfirmedCoinJoins {
				return nil, NewError(InputDisallowed, "unconfirmed input does not spend a known CoinJoin within budget", map[string]any{"outpoint": in.Outpoint.String()})
			}
		}

		if info.IsCoinbase && info.Confirmations <= 100 {
			return nil, NewError(InputDisallowed, "coinbase input has not matured", map[string]any{"outpoint": in.Outpoint.String(), "confirmations": info.Confirmations})
		}

		if info.ScriptKind != models.ScriptKindWitnessV0KeyHash {
			return nil, NewError(InputDisallowed, "input script must be native SegWit P2WPKH", map[string]any{"outpoint": in.Outpoint.String(), "kind": info.ScriptKind.String()})
		}

		// 3h: message-signature proof.
		if !verifyInputProof(info.Script, []byte(req.BlindedOutputHex), in.Proof) {
			return nil, NewError(InvalidProof, "input ownership proof failed to verify", map[string]any{"outpoint": in.Outpoint.String()})
		}

		inputs = append(inputs, AliceInput{Outpoint: in.Outpoint, Value: info.Value, Script: info.Script})
	}

	// 4. Sum must cover denomination + network fee.
	var total int64
	for _, in := range inputs {
		total += in.Value
	}
	fee := r.cfg.NetworkFee(len(inputs))
	required := r.cfg.Denomination + fee
	if total < required {
		return nil, NewError(InsufficientFunds, "inputs do not cover denomination plus network fee", map[string]any{
			"input_total_sats": total,
			"required_sats":    required,
			"shortfall_sats":   required - total,
		})
	}

	// 5. Admit.
	uniqueID := uuid.NewString()
	alice := &Alice{
		UniqueID:         uniqueID,
		Inputs:           inputs,
		ChangeScript:     req.ChangeScript,
		BlindedOutputHex: req.BlindedOutputHex,
		NetworkFeeOwed:   fee,
		State:            InputsRegistered,
		LastSeen:         time.Now(),
	}

	blob, err := hex.DecodeString(req.BlindedOutputHex)
	if err != nil {
		return nil, NewError(InvalidRequest, "blinded_output_hex is not valid hex", nil)
	}

	r.mu.Lock()
	// Re-verify phase under lock before mutating (rule 6).
	if r.phase != InputRegistration || r.status != Running {
		r.mu.Unlock()
		return nil, NewError(Transient, "round phase changed during registration", nil)
	}

	// Invariant 7: at most one blind signature per blinded_output_hex.
	if r.issuedBlindSigs[req.BlindedOutputHex] {
		r.mu.Unlock()
		return nil, NewError(InvalidRequest, "blinded_output_hex has already been signed in this round", nil)
	}

	blindSig, err := r.signer.Sign(blob)
	if err != nil {
		r.mu.Unlock()
		return nil, newErrf(Fatal, "blind signing failed: %v", err)
	}
	r.issuedBlindSigs[req.BlindedOutputHex] = true

	for _, uid := range replace {
		delete(r.alices, uid)
	}
	r.alices[uniqueID] = alice

	// 7. If at capacity, evict spent-input Alices then maybe transition.
	r.maybeAdvanceFromInputRegistrationLocked(ctx)
	r.mu.Unlock()

	return &RegisterAliceResult{UniqueID: uniqueID, BlindSignature: blindSig, RoundID: r.id}, nil
}

// maybeAdvanceFromInputRegistrationLocked implements rule 7. Caller must
// hold the write lock.
func (r *Round) maybeAdvanceFromInputRegistrationLocked(ctx context.Context) {
	if r.phase != InputRegistration || len(r.alices) < r.cfg.AnonymitySet {
		return
	}

	r.evictSpentAlicesLocked(ctx)

	if len(r.alices) >= r.cfg.AnonymitySet {
		r.advancePhaseLocked(ConnectionConfirmation)
	}
}

// evictSpentAlicesLocked removes any Alice whose inputs are no longer
// unspent, per the chain oracle. Caller must hold the write lock.
func (r *Round) evictSpentAlicesLocked(ctx context.Context) {
	for uid, a := range r.alices {
		for _, in := range a.Inputs {
			if _, err := r.oracle.GetTxOut(ctx, in.Outpoint, true); err == chain.ErrNotFound {
				delete(r.alices, uid)
				break
			}
		}
	}
}

// ---- ConfirmConnection (§4.4) ----

// ConfirmConnectionResult communicates which of the two documented
// response shapes applies.
type ConfirmConnectionResult struct {
	StillRegistering bool // true => 204 NoContent, false => 200 with RoundHash
	RoundHash        []byte
}

func (r *Round) ConfirmConnection(ctx context.Context, uniqueID string) (*ConfirmConnectionResult, *Error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status != Running {
		return nil, NewError(PhaseMismatch, "round is not running", nil)
	}

	alice, ok := r.alices[uniqueID]
	if !ok {
		return nil, NewError(NotFound, "unknown alice", nil)
	}

	switch r.phase {
	case InputRegistration:
		alice.LastSeen = time.Now()
		return &ConfirmConnectionResult{StillRegistering: true}, nil

	case ConnectionConfirmation:
		if alice.State == ConnectionConfirmed {
			// Re-confirmation is a no-op (Open Question resolved — see DESIGN.md).
			return &ConfirmConnectionResult{RoundHash: r.roundHash}, nil
		}
		alice.State = ConnectionConfirmed
		alice.LastSeen = time.Now()

		if r.allConfirmedLocked() {
			r.settleConnectionConfirmationLocked(ctx)
		}
		return &ConfirmConnectionResult{RoundHash: r.roundHash}, nil

	default:
		if alice.State == ConnectionConfirmed {
			// Re-confirmation after the round has moved on is still a no-op.
			return &ConfirmConnectionResult{RoundHash: r.roundHash}, nil
		}
		return nil, NewError(PhaseMismatch, "connection confirmation is closed", nil)
	}
}

func (r *Round) allConfirmedLocked() bool {
	for _, a := range r.alices {
		if a.State != ConnectionConfirmed {
			return false
		}
	}
	return true
}

// settleConnectionConfirmationLocked evicts now-spent Alices, bans their
// outpoints at severity 1, and either fails the round or advances to
// OutputRegistration with a shrunk anonymity set. Caller must hold the
// write lock.
func (r *Round) settleConnectionConfirmationLocked(ctx context.Context) {
	var evictedOutpoints []models.Outpoint
	for uid, a := range r.alices {
		stillUnspent := true
		for _, in := range a.Inputs {
			if _, err := r.oracle.GetTxOut(ctx, in.Outpoint, true); err == chain.ErrNotFound {
				stillUnspent = false
				break
			}
		}
		if !stillUnspent {
			evictedOutpoints = append(evictedOutpoints, a.Outpoints()...)
			delete(r.alices, uid)
		}
	}

	if len(evictedOutpoints) > 0 && r.banStore != nil {
		until := time.Now().Add(r.cfg.BanDuration)
		if err := r.banStore.Ban(ctx, evictedOutpoints, until, ban.SeverityDroppedMidRound, "input spent during connection confirmation"); err != nil {
			log.Printf("round %d: failed to ban evicted outpoints: %v", r.id, err)
		}
	}

	if len(r.alices) < 2 {
		r.failLocked("fewer than 2 alices remained after connection confirmation")
		return
	}

	r.cfg.AnonymitySet = len(r.alices)
	r.advancePhaseLocked(OutputRegistration)
}

// ---- UnregisterAlice (§4.4) ----

func (r *Round) UnregisterAlice(uniqueID string) *Error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.phase != InputRegistration {
		return NewError(PhaseMismatch, "unregistration is only allowed during input registration", nil)
	}
	if _, ok := r.alices[uniqueID]; !ok {
		return NewError(NotFound, "unknown alice", nil)
	}
	delete(r.alices, uniqueID)
	return nil
}

// ---- RegisterBob (§4.4) ----
//
// Caller must hold the coordinator's OutputLock.
func (r *Round) RegisterBob(ctx context.Context, outputScript, unblindedSignatureHex string) *Error {
	sigBytes, err := decodeHexOrBase64(unblindedSignatureHex)
	if err != nil {
		return NewError(InvalidRequest, "signature is not valid hex/base64", nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.phase != OutputRegistration || r.status != Running {
		return NewError(PhaseMismatch, "round is not accepting output registrations", nil)
	}

	if !r.signer.VerifyUnblinded([]byte(outputScript), sigBytes) {
		return NewError(InvalidProof, "unblinded signature does not verify", nil)
	}

	if _, exists := r.bobs[outputScript]; exists {
		return NewError(InputDisallowed, "output script already registered", nil)
	}

	r.bobs[outputScript] = &Bob{OutputScript: outputScript}

	if len(r.bobs) == r.cfg.AnonymitySet {
		if err := r.buildUnsignedTxLocked(); err != nil {
			r.failLocked(fmt.Sprintf("failed to build unsigned transaction: %v", err))
			return nil
		}
		r.advancePhaseLocked(Signing)
	}
	return nil
}

// ---- GetCoinJoin (§4.4) ----

func (r *Round) GetCoinJoin(uniqueID string) ([]byte, *Error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.alices[uniqueID]; !ok {
		return nil, NewError(NotFound, "unknown alice", nil)
	}
	if r.phase < Signing || r.unsignedTx == nil {
		return nil, NewError(PhaseMismatch, "transaction is not yet available", nil)
	}

	var buf bytes.Buffer
	if err := r.unsignedTx.Serialize(&buf); err != nil {
		return nil, newErrf(Fatal, "serialize unsigned tx: %v", err)
	}
	return buf.Bytes(), nil
}

// ---- PostSignatures (§4.4) ----

// InputSignature is a single input's witness stack (for P2WPKH: exactly
// [signature, pubkey]).
type InputSignature struct {
	InputIndex int // index into the Alice's own Inputs slice, not the tx
	Witness    [][]byte
}

func (r *Round) PostSignatures(ctx context.Context, uniqueID string, sigs []InputSignature) *Error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.phase != Signing || r.status != Running {
		return NewError(PhaseMismatch, "round is not in the signing phase", nil)
	}

	alice, ok := r.alices[uniqueID]
	if !ok {
		return NewError(NotFound, "unknown alice", nil)
	}
	if r.partialSigs[uniqueID] {
		return nil // already submitted; idempotent no-op
	}
	if len(sigs) != len(alice.Inputs) {
		return NewError(InvalidRequest, "must submit exactly one signature per registered input", nil)
	}

	txIndices, ok := r.inputIndex[uniqueID]
	if !ok {
		return newErrf(Fatal, "no tx input mapping for alice %s", uniqueID)
	}

	for _, sig := range sigs {
		if sig.InputIndex < 0 || sig.InputIndex >= len(alice.Inputs) {
			return NewError(InvalidRequest, "signature input_index out of range", nil)
		}
		txIdx := txIndices[sig.InputIndex]
		if err := r.verifyWitnessLocked(txIdx, alice.Inputs[sig.InputIndex], sig.Witness); err != nil {
			return NewError(InvalidProof, fmt.Sprintf("signature for input %d failed to verify: %v", sig.InputIndex, err), nil)
		}
		r.unsignedTx.TxIn[txIdx].Witness = sig.Witness
	}

	r.partialSigs[uniqueID] = true

	if len(r.partialSigs) == len(r.alices) {
		r.finalizeAndBroadcastLocked(ctx)
	}
	return nil
}

func (r *Round) verifyWitnessLocked(txIdx int, in AliceInput, witness [][]byte) error {
	prevScript, err := hex.DecodeString(in.Script)
	if err != nil {
		return fmt.Errorf("decode prevout script: %w", err)
	}

	txCopy := r.unsignedTx.Copy()
	txCopy.TxIn[txIdx].Witness = witness

	fetcher := txscript.NewCannedPrevOutputFetcher(prevScript, in.Value)
	sigHashes := txscript.NewTxSigHashes(txCopy, fetcher)

	engine, err := txscript.NewEngine(prevScript, txCopy, txIdx, txscript.StandardVerifyFlags, nil, sigHashes, in.Value, fetcher)
	if err != nil {
		return err
	}
	return engine.Execute()
}

// finalizeAndBroadcastLocked assembles the final transaction and
// broadcasts it. Caller must hold the write lock.
func (r *Round) finalizeAndBroadcastLocked(ctx context.Context) {
	var buf bytes.Buffer
	if err := r.unsignedTx.Serialize(&buf); err != nil {
		r.failLocked(fmt.Sprintf("final serialize failed: %v", err))
		return
	}

	if err := r.oracle.Broadcast(ctx, hex.EncodeToString(buf.Bytes())); err != nil {
		r.failLocked(fmt.Sprintf("broadcast failed: %v", err))
		return
	}

	r.status = Succeeded
	r.emit(Event{RoundID: r.id, Phase: r.phase, Status: r.status, Kind: EventSucceeded, Timestamp: time.Now()})
}

// ---- phase transitions, timeouts, failure ----

// advancePhaseLocked moves to the next phase, starts its timer, and
// snapshots whatever state that phase needs. Caller must hold the write
// lock. Transitions are one-way.
func (r *Round) advancePhaseLocked(next Phase) {
	r.phase = next
	switch next {
	case ConnectionConfirmation:
		r.phaseDeadline = time.Now().Add(r.cfg.ConnectionConfirmTimeout)
	case OutputRegistration:
		r.roundHash = r.computeRoundHashLocked()
		r.phaseDeadline = time.Now().Add(r.cfg.OutputRegistrationTimeout)
	case Signing:
		r.phaseDeadline = time.Now().Add(r.cfg.SigningTimeout)
	}
	r.emit(Event{RoundID: r.id, Phase: r.phase, Status: r.status, Kind: EventPhaseAdvanced, Timestamp: time.Now()})
}

// computeRoundHashLocked commits to the confirmed Alice set and the round
// parameters at the moment OutputRegistration is entered (rule 6). Bobs
// present this value back to the coordinator to prove they are targeting
// this specific round; the hash cannot encode the Bob set itself because
// no Bobs exist yet when it is computed — see DESIGN.md for this
// resolution of the spec's ambiguous wording.
func (r *Round) computeRoundHashLocked() []byte {
	ids := make([]string, 0, len(r.alices))
	for uid := range r.alices {
		ids = append(ids, uid)
	}
	sort.Strings(ids)

	h := sha256.New()
	_ = binary.Write(h, binary.BigEndian, r.id)
	_ = binary.Write(h, binary.BigEndian, r.cfg.Denomination)
	_ = binary.Write(h, binary.BigEndian, int64(r.cfg.AnonymitySet))
	for _, uid := range ids {
		h.Write([]byte(uid))
	}
	return h.Sum(nil)
}

// failLocked marks the round Failed and releases every input claim (the
// coordinator's cross-round index is keyed off IsRunning()/HasOutpoint,
// so clearing alices here is sufficient to free the outpoints). Caller
// must hold the write lock.
func (r *Round) failLocked(reason string) {
	r.status = Failed
	r.alices = make(map[string]*Alice)
	r.emit(Event{RoundID: r.id, Phase: r.phase, Status: r.status, Kind: EventFailed, Timestamp: time.Now(), Detail: reason})
	log.Printf("round %d failed: %s", r.id, reason)
}

// Fail is the exported, lock-acquiring form of failLocked, for use by the
// coordinator's fatal-error paths.
func (r *Round) Fail(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failLocked(reason)
}

// buildUnsignedTxLocked constructs the proposed transaction once the Bob
// set is complete: one input per Alice UTXO, one denomination output per
// Bob, one change output per Alice with leftover value. Caller must hold
// the write lock.
func (r *Round) buildUnsignedTxLocked() error {
	tx := wire.NewMsgTx(2)

	r.inputIndex = make(map[string][]int, len(r.alices))

	uids := make([]string, 0, len(r.alices))
	for uid := range r.alices {
		uids = append(uids, uid)
	}
	sort.Strings(uids) // deterministic ordering

	for _, uid := range uids {
		a := r.alices[uid]
		indices := make([]int, 0, len(a.Inputs))
		for _, in := range a.Inputs {
			hash, err := chainhash.NewHashFromStr(in.Outpoint.Hash)
			if err != nil {
				return fmt.Errorf("alice %s: bad outpoint hash: %w", uid, err)
			}
			tx.AddTxIn(&wire.TxIn{
				PreviousOutPoint: wire.OutPoint{Hash: *hash, Index: in.Outpoint.Vout},
				Sequence:         wire.MaxTxInSequenceNum,
			})
			indices = append(indices, len(tx.TxIn)-1)
		}
		r.inputIndex[uid] = indices

		change := a.TotalInputValue() - r.cfg.Denomination - a.NetworkFeeOwed
		if change > 0 {
			script, err := hex.DecodeString(a.ChangeScript)
			if err != nil {
				return fmt.Errorf("alice %s: bad change script: %w", uid, err)
			}
			tx.AddTxOut(wire.NewTxOut(change, script))
		}
	}

	bobScripts := make([]string, 0, len(r.bobs))
	for script := range r.bobs {
		bobScripts = append(bobScripts, script)
	}
	sort.Strings(bobScripts) // deterministic ordering, avoids leaking registration order

	for _, scriptHex := range bobScripts {
		script, err := hex.DecodeString(scriptHex)
		if err != nil {
			return fmt.Errorf("bad bob output script: %w", err)
		}
		tx.AddTxOut(wire.NewTxOut(r.cfg.Denomination, script))
	}

	r.unsignedTx = tx
	return nil
}

// ---- timeout sweep, called by the coordinator's ticker ----

// Tick checks the active phase's deadline and applies §4.4's timeout
// semantics. It is a no-op if the deadline has not passed.
func (r *Round) Tick(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status != Running || time.Now().Before(r.phaseDeadline) {
		return
	}

	switch r.phase {
	case InputRegistration:
		r.evictIdleAlicesLocked()
		if len(r.alices) >= 2 {
			r.advancePhaseLocked(ConnectionConfirmation)
			return
		}
		if r.extensionsUsed >= r.cfg.MaxInputRegistrationExtensions {
			r.failLocked("input registration exhausted its timeout extensions with fewer than 2 alices")
			return
		}
		r.extensionsUsed++
		r.phaseDeadline = time.Now().Add(r.cfg.AliceRegistrationTimeout)

	case ConnectionConfirmation:
		for uid, a := range r.alices {
			if a.State != ConnectionConfirmed {
				delete(r.alices, uid)
			}
		}
		if len(r.alices) < 2 {
			r.failLocked("fewer than 2 alices confirmed connection before timeout")
			return
		}
		r.cfg.AnonymitySet = len(r.alices)
		r.advancePhaseLocked(OutputRegistration)

	case OutputRegistration:
		if len(r.bobs) < r.cfg.AnonymitySet {
			r.failLocked("output registration timed out with an incomplete bob set")
		}

	case Signing:
		var unbanned []models.Outpoint
		for uid, a := range r.alices {
			if !r.partialSigs[uid] {
				unbanned = append(unbanned, a.Outpoints()...)
			}
		}
		if len(unbanned) > 0 && r.banStore != nil {
			until := time.Now().Add(r.cfg.BanDuration)
			if err := r.banStore.Ban(ctx, unbanned, until, ban.SeverityDroppedMidRound, "failed to sign before timeout"); err != nil {
				log.Printf("round %d: failed to ban non-signing outpoints: %v", r.id, err)
			}
		}
		r.failLocked("signing timed out")
	}
}

func (r *Round) evictIdleAlicesLocked() {
	cutoff := time.Now().Add(-r.cfg.AliceRegistrationTimeout)
	for uid, a := range r.alices {
		if a.LastSeen.Before(cutoff) {
			delete(r.alices, uid)
		}
	}
}

func decodeHexOrBase64(s string) ([]byte, error) {
	if b, err := hex.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.StdEncoding.DecodeString(s)
}
