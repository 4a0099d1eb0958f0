// Package memstore is an in-memory ban.Store, grounded on the teacher's
// AddressWatchlist: a single sync.RWMutex guarding a map, reads are safe to
// take concurrently while writes (new bans) are serialized.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/rawblock/coinjoin-coordinator/internal/ban"
	"github.com/rawblock/coinjoin-coordinator/pkg/models"
)

type Store struct {
	mu      sync.RWMutex
	records map[string]ban.Record // keyed by outpoint string
}

func New() *Store {
	return &Store{records: make(map[string]ban.Record)}
}

func (s *Store) Ban(_ context.Context, outpoints []models.Outpoint, until time.Time, severity int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for _, op := range outpoints {
		s.records[op.String()] = ban.Record{
			Outpoint: op,
			BannedAt: now,
			Until:    until,
			Severity: severity,
			Reason:   reason,
		}
	}
	return nil
}

func (s *Store) IsBanned(_ context.Context, outpoint models.Outpoint, now time.Time) (int, bool, error) {
	key := outpoint.String()

	s.mu.RLock()
	rec, ok := s.records[key]
	s.mu.RUnlock()
	if !ok {
		return 0, false, nil
	}

	if !now.Before(rec.Until) {
		// Expired — evict lazily on read.
		s.mu.Lock()
		delete(s.records, key)
		s.mu.Unlock()
		return 0, false, nil
	}

	remaining := int(rec.Until.Sub(now).Minutes())
	return remaining, true, nil
}
