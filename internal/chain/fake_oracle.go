package chain

import (
	"context"
	"sync"

	"github.com/rawblock/coinjoin-coordinator/pkg/models"
)

// FakeOracle is an in-memory Oracle double for round/coordinator tests.
// The teacher has no generated-mock dependency (no go.uber.org/mock use
// outside its indirect closure); it favors hand-written fakes, so this
// repo does too.
type FakeOracle struct {
	mu         sync.Mutex
	utxos      map[string]*TxOutInfo
	coinjoins  map[string]bool
	spent      map[string]bool
	broadcasts []string
}

func NewFakeOracle() *FakeOracle {
	return &FakeOracle{
		utxos:     make(map[string]*TxOutInfo),
		coinjoins: make(map[string]bool),
		spent:     make(map[string]bool),
	}
}

// AddUTXO registers a synthetic unspent output for a test scenario.
func (f *FakeOracle) AddUTXO(op models.Outpoint, info TxOutInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.utxos[op.String()] = &info
}

// MarkSpent simulates the outpoint having been spent on-chain.
func (f *FakeOracle) MarkSpent(op models.Outpoint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spent[op.String()] = true
}

// MarkCoinJoin pre-seeds a txid as a previously-coordinated CoinJoin.
func (f *FakeOracle) MarkCoinJoin(txHash string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.coinjoins[txHash] = true
}

func (f *FakeOracle) Broadcasts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.broadcasts))
	copy(out, f.broadcasts)
	return out
}

func (f *FakeOracle) GetTxOut(_ context.Context, op models.Outpoint, _ bool) (*TxOutInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.spent[op.String()] {
		return nil, ErrNotFound
	}
	info, ok := f.utxos[op.String()]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *info
	return &cp, nil
}

func (f *FakeOracle) ContainsCoinJoin(_ context.Context, txHash string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.coinjoins[txHash], nil
}

func (f *FakeOracle) UnconfirmedCoinJoinCount(_ context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.coinjoins), nil
}

func (f *FakeOracle) Broadcast(_ context.Context, rawTxHex string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, rawTxHex)
	return nil
}
