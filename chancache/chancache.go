// Package chancache implements the PeerChannels shared resource named
// in §5: a short-critical-section snapshot of listpeerchannels that
// the scheduler refreshes on a 5 s cadence (§4.I) and every rebalance
// task reads once per loop iteration, so a slow RPC round trip never
// happens while a task holds any lock of its own.
package chancache

import (
	"sync"

	"github.com/lightningnetwork/sling/graph"
	"github.com/lightningnetwork/sling/rpc"
)

// Cache holds the most recent listpeerchannels snapshot.
type Cache struct {
	mu   sync.Mutex
	rows []rpc.PeerChannel
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{}
}

// Set replaces the snapshot, called by the scheduler's refresh job.
func (c *Cache) Set(rows []rpc.PeerChannel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rows = rows
}

// Get returns a copy of the current snapshot.
func (c *Cache) Get() []rpc.PeerChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]rpc.PeerChannel, len(c.rows))
	copy(out, c.rows)
	return out
}

// ByPeer returns the first entry for peer, if any.
func (c *Cache) ByPeer(peer graph.PubKey) (rpc.PeerChannel, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.rows {
		if r.Peer == peer {
			return r, true
		}
	}
	return rpc.PeerChannel{}, false
}
