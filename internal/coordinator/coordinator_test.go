package coordinator

import (
	"context"
	"encoding/hex"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/rawblock/coinjoin-coordinator/internal/ban/memstore"
	"github.com/rawblock/coinjoin-coordinator/internal/blindsign"
	"github.com/rawblock/coinjoin-coordinator/internal/chain"
	"github.com/rawblock/coinjoin-coordinator/internal/round"
	"github.com/rawblock/coinjoin-coordinator/pkg/models"
)

func messagePrefixedDigest(message []byte) []byte {
	const magic = "Bitcoin Signed Message:\n"
	buf := []byte{byte(len(magic))}
	buf = append(buf, magic...)
	buf = append(buf, byte(len(message)))
	buf = append(buf, message...)
	return chainhash.DoubleHashB(buf)
}

func newTestCoordinator(t *testing.T, anonymitySet int) *Coordinator {
	t.Helper()
	signer, err := blindsign.Generate()
	if err != nil {
		t.Fatalf("generate signer: %v", err)
	}
	cfg := round.DefaultConfig()
	cfg.AnonymitySet = anonymitySet
	cfg.Denomination = 100_000
	cfg.AliceRegistrationTimeout = time.Minute
	cfg.ConnectionConfirmTimeout = time.Minute
	cfg.OutputRegistrationTimeout = time.Minute
	cfg.SigningTimeout = time.Minute

	return New(cfg, signer, chain.NewFakeOracle(), memstore.New(), nil)
}

type wallet struct {
	priv      *btcec.PrivateKey
	scriptHex string
}

func newWallet(t *testing.T) wallet {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("new key: %v", err)
	}
	hash := btcutil.Hash160(priv.PubKey().SerializeCompressed())
	script := append([]byte{0x00, 0x14}, hash...)
	return wallet{priv: priv, scriptHex: hex.EncodeToString(script)}
}

func (w wallet) sign(message []byte) string {
	sig := btcecdsa.SignCompact(w.priv, messagePrefixedDigest(message), true)
	return hex.EncodeToString(sig)
}

func TestAnyRunningRoundContainsInputIsCrossRound(t *testing.T) {
	c := newTestCoordinator(t, 2)
	r1 := c.StartRound()
	r2 := c.StartRound()

	oracle := c.oracle.(*chain.FakeOracle)
	w := newWallet(t)
	op := models.Outpoint{Hash: "shared", Vout: 0}
	oracle.AddUTXO(op, chain.TxOutInfo{Value: 200_000, Script: w.scriptHex, Confirmations: 10, ScriptKind: models.ScriptKindWitnessV0KeyHash})

	blindedHex := hex.EncodeToString([]byte("blinded-shared-outpoint"))
	proof := w.sign([]byte(blindedHex))

	req := round.RegisterAliceRequest{
		BlindedOutputHex: blindedHex,
		ChangeScript:     w.scriptHex,
		Inputs:           []round.RegisterAliceInput{{Outpoint: op, Proof: proof}},
	}

	if _, rejErr := c.RegisterAlice(context.Background(), r1.ID(), req); rejErr != nil {
		t.Fatalf("first round registration rejected: %v", rejErr)
	}

	// Same outpoint presented to a different round must be rejected —
	// invariant 1 is cross-round, not per-round.
	_, rejErr := c.RegisterAlice(context.Background(), r2.ID(), req)
	if rejErr == nil || rejErr.Kind != round.InputDisallowed {
		t.Fatalf("expected InputDisallowed for cross-round duplicate, got %v", rejErr)
	}
}

func TestRegisterAliceUnknownRound(t *testing.T) {
	c := newTestCoordinator(t, 2)
	_, rejErr := c.RegisterAlice(context.Background(), 999, round.RegisterAliceRequest{})
	if rejErr == nil || rejErr.Kind != round.NotFound {
		t.Fatalf("expected NotFound for unknown round id, got %v", rejErr)
	}
}

func TestRetireExpiredDropsOldTerminalRounds(t *testing.T) {
	c := newTestCoordinator(t, 2)
	r := c.StartRound()
	r.Fail("test forced failure")

	c.retireAt[r.ID()] = time.Now().Add(-time.Second) // simulate grace window already elapsed
	c.retireExpired()

	if _, ok := c.TryGetRound(r.ID()); ok {
		t.Fatalf("expected round to be retired after its grace window passed")
	}
}

func TestStatsReportsRunningRounds(t *testing.T) {
	c := newTestCoordinator(t, 2)
	c.StartRound()
	c.StartRound()

	stats := c.Stats()
	if stats.RunningRounds != 2 {
		t.Fatalf("expected 2 running rounds, got %d", stats.RunningRounds)
	}
}
