// Package ban tracks banned outpoints with expiry. It is the concrete home
// for the spec's BanStore external collaborator.
package ban

import (
	"context"
	"time"

	"github.com/rawblock/coinjoin-coordinator/pkg/models"
)

// DefaultDuration is the ban window applied to anti-Sybil evictions unless
// the caller specifies otherwise.
const DefaultDuration = 30 * 24 * time.Hour

// Severity levels recorded alongside a ban.
const (
	SeverityDroppedMidRound = 1 // participated but dropped mid-round
)

// Record is a single ban entry, also the persisted row shape for the
// Postgres-backed implementation.
type Record struct {
	Outpoint models.Outpoint
	BannedAt time.Time
	Until    time.Time
	Severity int
	Reason   string
}

// Store is the BanStore external collaborator. Implementations must be
// safe for concurrent use; a single-writer design is acceptable per §5.
type Store interface {
	// Ban records a ban for every outpoint in the slice, expiring at
	// until.
	Ban(ctx context.Context, outpoints []models.Outpoint, until time.Time, severity int, reason string) error

	// IsBanned reports whether outpoint is currently banned as of now,
	// and if so how many minutes remain. Expired entries are evicted
	// lazily by the implementation (no background sweep required).
	IsBanned(ctx context.Context, outpoint models.Outpoint, now time.Time) (minutesRemaining int, banned bool, err error)
}
