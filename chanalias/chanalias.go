// Package chanalias implements the AliasMap shared resource named in
// §5's concurrency model: the real-scid ↔ local-alias correspondence
// CLN assigns to a channel before it is deep enough to gossip its real
// short_channel_id. The candidate selector's reuse check (§4.F step 4)
// and the HTLC settler (§4.H) both need to recognize either form as
// the same channel.
package chanalias

import (
	"sync"

	"github.com/lightningnetwork/sling/scid"
)

// Map is the real-scid -> alias-scid table, safe for concurrent use
// behind one short-critical-section mutex (§5).
type Map struct {
	mu      sync.Mutex
	toAlias map[scid.ID]scid.ID
	toReal  map[scid.ID]scid.ID
}

// New returns an empty Map.
func New() *Map {
	return &Map{
		toAlias: make(map[scid.ID]scid.ID),
		toReal:  make(map[scid.ID]scid.ID),
	}
}

// Set records that real is currently known under alias, replacing any
// prior mapping for either id (a channel that gains confirmations is
// re-announced under its real scid, but the alias may still appear in
// flight for some time).
func (m *Map) Set(real, alias scid.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.toAlias[real] = alias
	m.toReal[alias] = real
}

// Alias returns the alias scid currently recorded for real, if any.
func (m *Map) Alias(real scid.ID) (scid.ID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.toAlias[real]
	return a, ok
}

// Real returns the real scid an alias currently resolves to, if any.
func (m *Map) Real(alias scid.ID) (scid.ID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.toReal[alias]
	return r, ok
}

// Matches reports whether candidate equals want, or is its recorded
// alias, or resolves to it as a real scid — the "matching by scid or
// by local alias of that scid" rule §4.F step 4 applies to route
// reuse.
func (m *Map) Matches(want, candidate scid.ID) bool {
	if want == candidate {
		return true
	}
	if alias, ok := m.Alias(want); ok && alias == candidate {
		return true
	}
	if real, ok := m.Real(want); ok && real == candidate {
		return true
	}
	return false
}
