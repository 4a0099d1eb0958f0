package round

import (
	"time"

	"github.com/rawblock/coinjoin-coordinator/pkg/models"
)

// AliceState tracks an input-side participant's progress through the
// first two phases.
type AliceState int

const (
	InputsRegistered AliceState = iota
	ConnectionConfirmed
)

func (s AliceState) String() string {
	if s == ConnectionConfirmed {
		return "connection_confirmed"
	}
	return "inputs_registered"
}

// AliceInput is one of an Alice's 1-7 registered UTXOs.
type AliceInput struct {
	Outpoint models.Outpoint
	Value    int64
	Script   string
}

// Alice is a per-round input-side participant. unique_id is a fresh
// opaque handle — a collision-resistant random token, carrying no
// linkable identity beyond the round.
type Alice struct {
	UniqueID         string
	Inputs           []AliceInput
	ChangeScript     string
	BlindedOutputHex string
	NetworkFeeOwed   int64
	State            AliceState
	LastSeen         time.Time
}

// TotalInputValue sums every registered input's value.
func (a *Alice) TotalInputValue() int64 {
	var total int64
	for _, in := range a.Inputs {
		total += in.Value
	}
	return total
}

// Outpoints returns every outpoint this Alice claims.
func (a *Alice) Outpoints() []models.Outpoint {
	ops := make([]models.Outpoint, len(a.Inputs))
	for i, in := range a.Inputs {
		ops[i] = in.Outpoint
	}
	return ops
}
