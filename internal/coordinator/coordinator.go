// Package coordinator owns the fleet of concurrently running rounds: the
// two coordinator-wide locks the spec names (InputsLock, OutputLock), the
// background phase-expiry sweep, and round retirement.
package coordinator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rawblock/coinjoin-coordinator/internal/ban"
	"github.com/rawblock/coinjoin-coordinator/internal/blindsign"
	"github.com/rawblock/coinjoin-coordinator/internal/chain"
	"github.com/rawblock/coinjoin-coordinator/internal/round"
	"github.com/rawblock/coinjoin-coordinator/pkg/models"
)

// retirementGrace is how long a terminal round (Succeeded or Failed)
// stays visible to GET /coinjoin/{unique_id} and the status feed before
// the coordinator drops it, per §4.5.
const retirementGrace = 10 * time.Minute

// Coordinator is the top-level object the HTTP adapter holds. It is safe
// for concurrent use.
type Coordinator struct {
	// InputsLock serializes every RegisterAlice call across the entire
	// fleet — the cross-round outpoint-uniqueness check (invariant 1)
	// only holds if no two registrations can race each other. OutputLock
	// does the same for RegisterBob, so two concurrent Bobs cannot both
	// take the last free slot (invariant 5). The two are deliberately distinct: input traffic
	// and output traffic touch disjoint invariants and would otherwise
	// serialize against each other for no reason — see DESIGN.md.
	InputsLock sync.Mutex
	OutputLock sync.Mutex

	mu       sync.RWMutex
	rounds   map[int64]*round.Round
	retireAt map[int64]time.Time // set once a round goes terminal

	nextID int64

	cfg      round.Config
	signer   *blindsign.Signer
	oracle   chain.Oracle
	banStore ban.Store
	emit     func(round.Event)

	startedAt time.Time
}

// New creates a coordinator with no rounds running; call StartRound to
// open the first one.
func New(cfg round.Config, signer *blindsign.Signer, oracle chain.Oracle, banStore ban.Store, emit func(round.Event)) *Coordinator {
	if emit == nil {
		emit = func(round.Event) {}
	}
	return &Coordinator{
		rounds:    make(map[int64]*round.Round),
		retireAt:  make(map[int64]time.Time),
		cfg:       cfg,
		signer:    signer,
		oracle:    oracle,
		banStore:  banStore,
		emit:      emit,
		startedAt: time.Now(),
	}
}

// StartRound opens a new round and adds it to the fleet.
func (c *Coordinator) StartRound() *round.Round {
	id := atomic.AddInt64(&c.nextID, 1)
	r := round.New(id, c.cfg, c.signer, c.oracle, c.banStore, c.emit)

	c.mu.Lock()
	c.rounds[id] = r
	c.mu.Unlock()
	return r
}

// TryGetRound looks up a round by id among those still tracked (running
// or within their retirement grace window).
func (c *Coordinator) TryGetRound(id int64) (*round.Round, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.rounds[id]
	return r, ok
}

// TryGetRoundByHash finds the running round whose published round_hash
// matches hash — the lookup a Bob's POST output request performs.
func (c *Coordinator) TryGetRoundByHash(hash []byte) (*round.Round, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, r := range c.rounds {
		rh := r.RoundHash()
		if rh == nil || len(rh) != len(hash) {
			continue
		}
		match := true
		for i := range rh {
			if rh[i] != hash[i] {
				match = false
				break
			}
		}
		if match {
			return r, true
		}
	}
	return nil, false
}

// CurrentInputRegisteringRound returns the one round (if any) currently
// open for input registration — the round new Alices should target.
func (c *Coordinator) CurrentInputRegisteringRound() (*round.Round, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, r := range c.rounds {
		phase, status, _, _ := r.Snapshot()
		if status == round.Running && phase == round.InputRegistration {
			return r, true
		}
	}
	return nil, false
}

// RunningRounds lists every round the coordinator still considers live
// (running, or terminal but within its retirement grace window).
func (c *Coordinator) RunningRounds() []*round.Round {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*round.Round, 0, len(c.rounds))
	for _, r := range c.rounds {
		out = append(out, r)
	}
	return out
}

// AnyRunningRoundContainsInput is the cross-round half of invariant 1:
// whether op is claimed by an Alice in some round other than exclude.
// Callers must hold InputsLock.
func (c *Coordinator) AnyRunningRoundContainsInput(op models.Outpoint, exclude *round.Round) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, r := range c.rounds {
		if r == exclude || !r.IsRunning() {
			continue
		}
		if r.HasOutpoint(op) {
			return true
		}
	}
	return false
}

// ContainsCoinJoin reports whether any round has broadcast txHash, for
// the unconfirmed-chained-mix admission rule (3e). Delegates to the
// chain oracle, which is the system of record for broadcast history.
func (c *Coordinator) ContainsCoinJoin(ctx context.Context, txHash string) (bool, error) {
	return c.oracle.ContainsCoinJoin(ctx, txHash)
}

// RegisterAlice is the coordinator-level entry point: it resolves the
// target round, holds InputsLock for the whole admission decision, and
// supplies the cross-round conflict check that round.RegisterAlice needs.
func (c *Coordinator) RegisterAlice(ctx context.Context, roundID int64, req round.RegisterAliceRequest) (*round.RegisterAliceResult, *round.Error) {
	r, ok := c.TryGetRound(roundID)
	if !ok {
		return nil, round.NewError(round.NotFound, "unknown round", nil)
	}

	c.InputsLock.Lock()
	defer c.InputsLock.Unlock()

	return r.RegisterAlice(ctx, req, func(op models.Outpoint) bool {
		return c.AnyRunningRoundContainsInput(op, r)
	})
}

// RegisterBob is the coordinator-level entry point for output
// registration, holding OutputLock for the verify-and-admit decision.
func (c *Coordinator) RegisterBob(ctx context.Context, roundHash []byte, outputScript, unblindedSignatureHex string) *round.Error {
	r, ok := c.TryGetRoundByHash(roundHash)
	if !ok {
		return round.NewError(round.NotFound, "no round matches round_hash", nil)
	}

	c.OutputLock.Lock()
	defer c.OutputLock.Unlock()

	return r.RegisterBob(ctx, outputScript, unblindedSignatureHex)
}

// GetCoinJoin searches every tracked round for uniqueID and returns its
// serialized transaction once available. unique_id handles are generated
// fresh per Alice (invariant: unlinkable across rounds), so at most one
// round can recognize a given id.
func (c *Coordinator) GetCoinJoin(uniqueID string) ([]byte, *round.Error) {
	for _, r := range c.RunningRounds() {
		tx, err := r.GetCoinJoin(uniqueID)
		if err == nil {
			return tx, nil
		}
		if err.Kind != round.NotFound {
			return nil, err
		}
	}
	return nil, round.NewError(round.NotFound, "unknown alice", nil)
}

// Tick sweeps every tracked round: live rounds get a phase-deadline
// check, and rounds that went terminal more than retirementGrace ago are
// dropped from the fleet.
func (c *Coordinator) Tick(ctx context.Context) {
	for _, r := range c.RunningRounds() {
		if r.IsRunning() {
			r.Tick(ctx)
		}
	}
	c.retireExpired()
}

func (c *Coordinator) retireExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for id, r := range c.rounds {
		if r.IsRunning() {
			delete(c.retireAt, id)
			continue
		}
		at, tracked := c.retireAt[id]
		if !tracked {
			c.retireAt[id] = now.Add(retirementGrace)
			continue
		}
		if now.After(at) {
			delete(c.rounds, id)
			delete(c.retireAt, id)
		}
	}
}

// Run starts the background ticker loop (grounded on the teacher's
// mempool poller and rate-limiter cleanup loop, both a
// time.NewTicker-driven select against ctx.Done()). It blocks until ctx
// is cancelled.
func (c *Coordinator) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Tick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Stats backs GET /health.
func (c *Coordinator) Stats() models.CoordinatorStats {
	running := 0
	for _, r := range c.RunningRounds() {
		if r.IsRunning() {
			running++
		}
	}
	return models.CoordinatorStats{
		RunningRounds: running,
		UptimeSeconds: int64(time.Since(c.startedAt).Seconds()),
		Network:       c.cfg.Network,
	}
}
