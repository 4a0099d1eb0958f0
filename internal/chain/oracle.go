// Package chain defines the narrow view of the Bitcoin network the round
// state machine needs: UTXO lookups, mempool-coinjoin tracking, and
// broadcast. The core never talks to a node directly — it only ever holds
// an Oracle.
package chain

import (
	"context"
	"errors"

	"github.com/rawblock/coinjoin-coordinator/pkg/models"
)

// ErrNotFound is returned by GetTxOut when the outpoint is unknown to the
// node (already spent, never existed, or pruned).
var ErrNotFound = errors.New("chain: outpoint not found")

// TxOutInfo describes a single unspent output as seen by the node.
type TxOutInfo struct {
	Value         int64 // satoshis
	Script        string
	Confirmations int64
	IsCoinbase    bool
	ScriptKind    models.ScriptKind
}

// Oracle is the external collaborator the spec calls ChainOracle.
// Implementations must be safe for concurrent use.
type Oracle interface {
	// GetTxOut looks up a UTXO. includeMempool=true also searches
	// unconfirmed transactions. Returns ErrNotFound if the output does
	// not exist or is already spent.
	GetTxOut(ctx context.Context, op models.Outpoint, includeMempool bool) (*TxOutInfo, error)

	// ContainsCoinJoin reports whether txHash is a transaction this
	// coordinator (or a prior round) has previously broadcast as a
	// CoinJoin. Used to admit unconfirmed post-mix outputs.
	ContainsCoinJoin(ctx context.Context, txHash string) (bool, error)

	// UnconfirmedCoinJoinCount returns how many CoinJoin transactions
	// are currently unconfirmed, to bound chained-mix exposure.
	UnconfirmedCoinJoinCount(ctx context.Context) (int, error)

	// Broadcast submits a finalized transaction to the network.
	Broadcast(ctx context.Context, rawTxHex string) error
}
