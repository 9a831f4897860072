// Package bans implements the TempChanBan store (§3 "TempChanBan"):
// a short-lived exclusion list of scids that the candidate selector
// and path finder both consult, aged out by the scheduler on a fixed
// cadence (§4.I "clear temp-bans older than 600 s").
//
// Adapted from the teacher's routing.missionControl prune view: the
// same "record a failure with a timestamp, decay it out on read"
// shape that mission control used for its edge/vertex prune view,
// generalized here from an in-flight payment-routing cache to the
// rebalance engine's own tempban/bad-fwd-node bookkeeping.
package bans

import (
	"sync"
	"time"

	"github.com/btcsuite/btclog"
	"github.com/lightningnetwork/sling/logsub"
	"github.com/lightningnetwork/sling/scid"
)

var log btclog.Logger = logsub.Logger("TBAN")

// DefaultTTL is how long a temp-ban lasts before the scheduler's aging
// job clears it (§3 TempChanBan lifecycle: "cleared after >= 600s").
const DefaultTTL = 600 * time.Second

// Store is the scid -> banned-at map backing TempChanBan. It is safe
// for concurrent use; every operation is a short critical section
// under a single mutex, matching §5's "no lock held across an I/O
// suspension point" rule.
type Store struct {
	mu  sync.Mutex
	at  map[scid.ID]time.Time
	ttl time.Duration
}

// New returns an empty Store that ages entries out after ttl.
func New(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{at: make(map[scid.ID]time.Time), ttl: ttl}
}

// Ban records id as temporarily excluded as of now.
func (s *Store) Ban(id scid.ID, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.at[id] = now
	log.Debugf("temp-banned channel %s", id)
}

// Clear removes id's ban immediately, used when a task learns the
// underlying condition no longer holds (e.g. the peer reconnected).
func (s *Store) Clear(id scid.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.at, id)
}

// IsBanned reports whether id is currently banned, without pruning.
func (s *Store) IsBanned(id scid.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.at[id]
	return ok
}

// Snapshot returns a value copy of every currently-banned scid, for
// the candidate selector and path finder to consult without holding
// the store's lock for their whole filter pass (§9 "owning vs.
// viewing").
func (s *Store) Snapshot() map[scid.ID]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[scid.ID]struct{}, len(s.at))
	for id := range s.at {
		out[id] = struct{}{}
	}
	return out
}

// Prune drops every ban older than the store's ttl as of now, the
// body of the scheduler's periodic "clear temp-bans" job (§4.I, run
// every 100 s against a 600 s ttl).
func (s *Store) Prune(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	pruned := 0
	for id, at := range s.at {
		if now.Sub(at) >= s.ttl {
			delete(s.at, id)
			pruned++
		}
	}
	if pruned > 0 {
		log.Debugf("pruned %d expired temp-bans", pruned)
	}
	return pruned
}

// Len reports how many scids are currently banned, unpruned.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.at)
}
