// Package graph implements the directed-multigraph channel index (§4.B)
// and its learned-liquidity bookkeeping (§4.C). It is the teacher's
// channeldb.ChannelGraph generalized from a disk-backed bolt store to
// an in-memory index the gossip decoder and the path finder share
// behind a single mutex, matching §5's "short critical section" rule.
package graph

import (
	"sync"
	"time"

	"github.com/btcsuite/btclog"
	"github.com/davecgh/go-spew/spew"
	"github.com/lightningnetwork/sling/logsub"
	"github.com/lightningnetwork/sling/scid"
)

var log btclog.Logger = logsub.Logger("GRPH")

// decayInterval is the liquidity-learning half-life (§4.B decay): an
// edge whose learned liquidity hasn't been refreshed in this long is
// reset to half its htlc_max, the conservative assumption for a
// channel we haven't observed recently.
const decayInterval = 6 * time.Hour

// partial buffers gossip records that have not yet formed a complete,
// admissible channel: a channel_announcement plus both directions'
// channel_update (I1).
type partial struct {
	ann *Announcement
	upd [2]*PolicyUpdate
}

func (p *partial) ready() bool {
	return p.ann != nil && p.upd[0] != nil && p.upd[1] != nil
}

// Graph is the live directed-multigraph: every (scid, direction) that
// has been fully announced and updated on both sides, plus an
// adjacency index for O(degree) neighbor iteration.
type Graph struct {
	mu sync.Mutex

	edges     map[scid.ID][2]*EdgeState
	adjacency map[PubKey][]scid.Key
	pending   map[scid.ID]*partial
}

// New returns an empty Graph sized for a full public-network listing
// (§3: "initial capacity high, ≥ 65k channels").
func New() *Graph {
	return &Graph{
		edges:     make(map[scid.ID][2]*EdgeState, 65_000),
		adjacency: make(map[PubKey][]scid.Key),
		pending:   make(map[scid.ID]*partial),
	}
}

// Len returns the number of live channels (not directed edges).
func (g *Graph) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.edges)
}

// Live reports whether both directions of scid are admitted (I4).
func (g *Graph) Live(id scid.ID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.edges[id]
	return ok
}

// Get returns the two directed edges for scid, if live.
func (g *Graph) Get(id scid.ID) (dir0, dir1 EdgeState, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	pair, found := g.edges[id]
	if !found {
		return EdgeState{}, EdgeState{}, false
	}
	return *pair[0], *pair[1], true
}

// UpsertAnnouncement ingests a channel_announcement. If the channel is
// already live, the endpoints are immutable so this is a no-op; else
// it buffers into the incomplete set and promotes if both updates
// already arrived.
func (g *Graph) UpsertAnnouncement(ann Announcement, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.edges[ann.SCID]; ok {
		return
	}

	p, ok := g.pending[ann.SCID]
	if !ok {
		p = &partial{}
		g.pending[ann.SCID] = p
	}
	p.ann = &ann

	g.promoteLocked(ann.SCID, now)
}

// UpsertUpdate ingests a channel_update. If the edge is already live,
// the policy is merged in place; otherwise it is buffered until the
// matching announcement and sibling-direction update arrive (§4.A/B).
func (g *Graph) UpsertUpdate(id scid.ID, upd PolicyUpdate, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if pair, ok := g.edges[id]; ok {
		pair[upd.Direction].applyPolicy(upd)
		return
	}

	p, ok := g.pending[id]
	if !ok {
		p = &partial{}
		g.pending[id] = p
	}
	u := upd
	p.upd[upd.Direction] = &u

	g.promoteLocked(id, now)
}

// promoteLocked moves a pending channel into the live graph once its
// announcement and both directions' updates are present. Caller holds
// g.mu.
func (g *Graph) promoteLocked(id scid.ID, now time.Time) {
	p, ok := g.pending[id]
	if !ok || !p.ready() {
		return
	}

	nowSecs := uint64(now.Unix())
	dir0 := newEdge(*p.ann, scid.DirZero, *p.upd[0], nowSecs)
	dir1 := newEdge(*p.ann, scid.DirOne, *p.upd[1], nowSecs)

	g.edges[id] = [2]*EdgeState{dir0, dir1}
	delete(g.pending, id)

	g.adjacency[dir0.Source] = append(g.adjacency[dir0.Source], dir0.Key())
	g.adjacency[dir1.Source] = append(g.adjacency[dir1.Source], dir1.Key())

	log.Debugf("promoted channel %s (%s <-> %s) to live graph", id, dir0.Source, dir1.Source)
}

// Remove drops both directions of scid from the live graph and the
// incomplete buffer (gossip delete_channel / chan_dying records).
func (g *Graph) Remove(id scid.ID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.removeLocked(id)
}

func (g *Graph) removeLocked(id scid.ID) {
	pair, ok := g.edges[id]
	if ok {
		delete(g.edges, id)
		for _, e := range pair {
			g.adjacency[e.Source] = removeKey(g.adjacency[e.Source], e.Key())
		}
	}
	delete(g.pending, id)
}

func removeKey(keys []scid.Key, target scid.Key) []scid.Key {
	for i, k := range keys {
		if k == target {
			return append(keys[:i], keys[i+1:]...)
		}
	}
	return keys
}

// Neighbors returns a snapshot of every directed edge originating at
// node, in adjacency order, for O(degree) expansion during path
// finding. Copies are returned so callers never race the graph's
// mutex (§9 "owning vs. viewing").
func (g *Graph) Neighbors(node PubKey) []EdgeState {
	g.mu.Lock()
	defer g.mu.Unlock()

	keys := g.adjacency[node]
	out := make([]EdgeState, 0, len(keys))
	for _, k := range keys {
		pair, ok := g.edges[k.SCID]
		if !ok {
			continue
		}
		out = append(out, *pair[k.Dir])
	}
	return out
}

// SetLiquidity overwrites the learned liquidity bound for an edge
// (monotonic in the sense that it always reflects the most recent
// observation, not that the value itself only moves one way).
func (g *Graph) SetLiquidity(key scid.Key, valueMsat uint64, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	pair, ok := g.edges[key.SCID]
	if !ok {
		return
	}
	e := pair[key.Dir]
	e.LiquidityMsat = valueMsat
	e.LiquidityAge = uint64(now.Unix())
}

// Decay resets the learned liquidity of every live edge whose
// liquidity_age is older than decayInterval back to htlc_max/2, the
// conservative "no recent information" assumption (§4.B, scenario 2).
func (g *Graph) Decay(now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	cutoff := uint64(now.Add(-decayInterval).Unix())
	nowSecs := uint64(now.Unix())

	for _, pair := range g.edges {
		for _, e := range pair {
			if e.LiquidityAge <= cutoff {
				e.LiquidityMsat = e.HTLCMaxMsat / 2
				e.LiquidityAge = nowSecs
			}
		}
	}
}

// ChannelListing is one entry of a full-graph listing (e.g. `lightning-cli
// listchannels`), used to reconcile the in-memory graph against ground
// truth (§4.B "Full-graph reconcile").
type ChannelListing struct {
	Ann Announcement
	Upd [2]PolicyUpdate
}

// Reconcile replaces the live graph's membership and policy with an
// authoritative full listing, while preserving each edge's learned
// liquidity where the scid was already live (§4.B).
func (g *Graph) Reconcile(listing []ChannelListing, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	log.Tracef("reconcile listing: %s", spew.Sdump(listing))

	keep := make(map[scid.ID]struct{}, len(listing))
	nowSecs := uint64(now.Unix())

	for _, ch := range listing {
		keep[ch.Ann.SCID] = struct{}{}

		var prevLiquidity [2]*uint64
		var prevAge [2]uint64
		if pair, ok := g.edges[ch.Ann.SCID]; ok {
			for d := 0; d < 2; d++ {
				l := pair[d].LiquidityMsat
				prevLiquidity[d] = &l
				prevAge[d] = pair[d].LiquidityAge
			}
		}

		dir0 := newEdge(ch.Ann, scid.DirZero, ch.Upd[0], nowSecs)
		dir1 := newEdge(ch.Ann, scid.DirOne, ch.Upd[1], nowSecs)
		if prevLiquidity[0] != nil {
			dir0.LiquidityMsat = *prevLiquidity[0]
			dir0.LiquidityAge = prevAge[0]
		}
		if prevLiquidity[1] != nil {
			dir1.LiquidityMsat = *prevLiquidity[1]
			dir1.LiquidityAge = prevAge[1]
		}

		if _, ok := g.edges[ch.Ann.SCID]; ok {
			for _, e := range g.edges[ch.Ann.SCID] {
				g.adjacency[e.Source] = removeKey(g.adjacency[e.Source], e.Key())
			}
		}
		g.edges[ch.Ann.SCID] = [2]*EdgeState{dir0, dir1}
		g.adjacency[dir0.Source] = append(g.adjacency[dir0.Source], dir0.Key())
		g.adjacency[dir1.Source] = append(g.adjacency[dir1.Source], dir1.Key())
	}

	for id := range g.edges {
		if _, ok := keep[id]; !ok {
			g.removeLocked(id)
		}
	}

	log.Infof("full-graph reconcile: %d live channels", len(g.edges))
}
