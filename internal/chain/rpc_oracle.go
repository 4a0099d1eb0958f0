package chain

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcd/btcutil"

	"github.com/rawblock/coinjoin-coordinator/pkg/models"
)

// Config holds the Bitcoin Core RPC connection parameters.
type Config struct {
	Host string
	User string
	Pass string
}

// RPCOracle is the production Oracle, backed by a single shared
// *rpcclient.Client. The client is safe for concurrent use, matching
// Bitcoin Core's own RPC server concurrency model.
type RPCOracle struct {
	rpc *rpcclient.Client

	mu             sync.Mutex
	knownCoinjoins map[string]bool // txids this coordinator has broadcast
}

// NewRPCOracle dials the node and verifies the connection with a
// getblockcount round-trip before returning, mirroring the teacher's
// connect-then-verify sequencing.
func NewRPCOracle(cfg Config) (*RPCOracle, error) {
	connCfg := &rpcclient.ConnConfig{
		Host:         cfg.Host,
		User:         cfg.User,
		Pass:         cfg.Pass,
		HTTPPostMode: true,
		DisableTLS:   true,
	}

	log.Printf("[chain] connecting to Bitcoin RPC at %s...", cfg.Host)
	client, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: dial rpc: %w", err)
	}

	blockCount, err := client.GetBlockCount()
	if err != nil {
		client.Shutdown()
		return nil, fmt.Errorf("chain: verify connection: %w", err)
	}
	log.Printf("[chain] connected, current block height: %d", blockCount)

	return &RPCOracle{
		rpc:            client,
		knownCoinjoins: make(map[string]bool),
	}, nil
}

// Shutdown releases the underlying RPC connection.
func (o *RPCOracle) Shutdown() {
	o.rpc.Shutdown()
}

// RecordCoinJoin marks txHash as a transaction this coordinator produced,
// so future registrations of its outputs can be admitted while unconfirmed.
// Broadcast calls it itself once the node accepts the transaction.
func (o *RPCOracle) RecordCoinJoin(txHash string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.knownCoinjoins[txHash] = true
}

func (o *RPCOracle) GetTxOut(_ context.Context, op models.Outpoint, includeMempool bool) (*TxOutInfo, error) {
	hash, err := chainhash.NewHashFromStr(op.Hash)
	if err != nil {
		return nil, fmt.Errorf("chain: invalid outpoint hash: %w", err)
	}

	result, err := o.rpc.GetTxOut(hash, op.Vout, includeMempool)
	if err != nil {
		return nil, fmt.Errorf("chain: gettxout: %w", err)
	}
	if result == nil {
		return nil, ErrNotFound
	}

	return &TxOutInfo{
		Value:         btcjsonAmountToSats(result.Value),
		Script:        result.ScriptPubKey.Hex,
		Confirmations: result.Confirmations,
		IsCoinbase:    result.Coinbase,
		ScriptKind:    classifyScript(result.ScriptPubKey.Hex),
	}, nil
}

func (o *RPCOracle) ContainsCoinJoin(_ context.Context, txHash string) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.knownCoinjoins[txHash], nil
}

func (o *RPCOracle) UnconfirmedCoinJoinCount(_ context.Context) (int, error) {
	rawResp, err := o.rpc.GetRawMempool()
	if err != nil {
		return 0, fmt.Errorf("chain: getrawmempool: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	count := 0
	for _, h := range rawResp {
		if o.knownCoinjoins[h.String()] {
			count++
		}
	}
	return count, nil
}

func (o *RPCOracle) Broadcast(_ context.Context, rawTxHex string) error {
	raw, err := hex.DecodeString(rawTxHex)
	if err != nil {
		return fmt.Errorf("chain: broadcast: invalid tx hex: %w", err)
	}

	var msgTx wire.MsgTx
	if err := msgTx.Deserialize(bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("chain: broadcast: deserialize tx: %w", err)
	}

	hash, err := o.rpc.SendRawTransaction(&msgTx, false)
	if err != nil {
		return fmt.Errorf("chain: broadcast: %w", err)
	}

	o.RecordCoinJoin(hash.String())
	return nil
}

// btcjsonAmountToSats converts the BTC float gettxout returns into an
// integer-safe satoshi count using btcutil.NewAmount's correct IEEE-754
// rounding, the same helper the teacher uses for every BTC->sat conversion.
func btcjsonAmountToSats(btc float64) int64 {
	amt, err := btcutil.NewAmount(btc)
	if err != nil {
		return 0
	}
	return int64(amt)
}

// classifyScript maps a hex scriptPubKey onto the coarse ScriptKind the
// round state machine validates against (rule 3g requires
// witness_v0_keyhash).
func classifyScript(scriptHex string) models.ScriptKind {
	script, err := hex.DecodeString(scriptHex)
	if err != nil {
		return models.ScriptKindUnknown
	}

	class := txscript.GetScriptClass(script)
	switch class {
	case txscript.WitnessV0PubKeyHashTy:
		return models.ScriptKindWitnessV0KeyHash
	case txscript.WitnessV0ScriptHashTy:
		return models.ScriptKindWitnessV0ScriptHash
	case txscript.PubKeyHashTy:
		return models.ScriptKindPubKeyHash
	case txscript.ScriptHashTy:
		return models.ScriptKindScriptHash
	case txscript.WitnessV1TaprootTy:
		return models.ScriptKindTaproot
	default:
		return models.ScriptKindUnknown
	}
}
