// Package pathfind implements the amount-aware Dijkstra search that
// turns a rebalance job's sling edge into a concrete, fee-bounded
// route (§4.E, component E). It is grounded on the teacher's
// mission-control-era pathfinding idiom (a min-heap over candidate
// nodes, stale-entry pop-and-skip instead of a decrease-key) and
// ported from original_source/src/dijkstra.rs's algorithm.
package pathfind

import (
	"container/heap"

	"github.com/lightningnetwork/sling/feerate"
	"github.com/lightningnetwork/sling/graph"
	"github.com/lightningnetwork/sling/job"
	"github.com/lightningnetwork/sling/scid"
)

// Hop is one leg of a constructed route: the amount to forward over
// SCID, arriving at Node, with the CLTV delta accumulated so far.
type Hop struct {
	SCID       scid.ID
	Node       graph.PubKey
	AmountMsat uint64
	Delay      uint16
}

// baseCLTVDelta is the final-hop delay the original adds before
// accumulating each channel's own cltv_delta.
const baseCLTVDelta = 20

// tieBreak is added to every non-zero edge cost so that a chain of
// free (own-node) edges never ties with, and loses to, a single
// cheap-but-nonzero edge; it also keeps the heap from treating
// zero-fee edges as equally good regardless of hop count.
const tieBreak = 2

// Params bundles one search's inputs (§4.E).
type Params struct {
	Graph   *graph.Graph
	MyPubKey graph.PubKey

	Start graph.PubKey
	Goal  graph.PubKey

	// SlingEdge is the job's own channel, in the direction that closes
	// the loop; it is prepended (Pull) or appended (Push) to the
	// Dijkstra-internal path during reconstruction.
	SlingEdge    graph.EdgeState
	SatDirection job.SatDirection

	AmountMsat uint64
	MaxPPM     uint32
	MaxHops    uint8

	Excepts    map[scid.Key]struct{}
	Candidates map[scid.ID]struct{}
}

// Find runs the iterative hop-cap deepening loop from §4.E: it calls
// the single-hop-limit search with limits 3, 4, ... up to MaxHops,
// stopping as soon as a route exists whose effective ppm is within
// MaxPPM. If every hop limit is exhausted, it returns the last route
// found (possibly empty, possibly over-budget) so the caller can
// distinguish NoRoute from TooExp.
func Find(p Params) []Hop {
	var route []Hop

	for hops := 3; hops <= int(p.MaxHops); hops++ {
		route = search(p, uint8(hops))
		if len(route) == 0 {
			continue
		}
		if effectivePPM(route) <= p.MaxPPM {
			break
		}
	}
	return route
}

// effectivePPM computes the route's realized ppm from its first and
// last forwarded amounts (the sender pays route[0].AmountMsat and the
// goal receives route[len-1].AmountMsat).
func effectivePPM(route []Hop) uint32 {
	if len(route) == 0 {
		return 0
	}
	sent := route[0].AmountMsat
	received := route[len(route)-1].AmountMsat
	if sent < received {
		return 0
	}
	return uint32(feerate.EffectiveFromAmounts(sent, received))
}

// heapItem is a (cost, node) pair ordered as a min-heap.
type heapItem struct {
	cost uint64
	node graph.PubKey
}

type nodeHeap []heapItem

func (h nodeHeap) Len() int            { return len(h) }
func (h nodeHeap) Less(i, j int) bool  { return h[i].cost < h[j].cost }
func (h nodeHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *nodeHeap) Push(x interface{}) { *h = append(*h, x.(heapItem)) }
func (h *nodeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// scored is the per-node bookkeeping the original keeps in its
// DijkstraNode: the edge that reached this node, the score, and the
// hop count along that path.
type scored struct {
	edge  graph.EdgeState
	score uint64
	hops  uint8
}

// search runs one fixed-hop-limit Dijkstra pass from p.Start to
// p.Goal and reconstructs the route, or returns nil if unreachable.
func search(p Params, hopLimit uint8) []Hop {
	visited := make(map[graph.PubKey]struct{})
	scores := make(map[graph.PubKey]scored)
	predecessor := make(map[graph.PubKey]graph.PubKey)

	pending := &nodeHeap{{cost: 0, node: p.Start}}
	heap.Init(pending)

	for pending.Len() > 0 {
		top := heap.Pop(pending).(heapItem)
		node := top.node

		if _, done := visited[node]; done {
			continue
		}
		if node == p.Goal {
			break
		}

		currentHops := scores[node].hops
		if int(currentHops)+2 > int(hopLimit) {
			continue
		}

		for _, edge := range p.Graph.Neighbors(node) {
			if !admissible(p, edge) {
				continue
			}
			next := edge.Destination
			if _, done := visited[next]; done {
				continue
			}

			var nextScore uint64
			if edge.Source == p.MyPubKey {
				nextScore = 0
			} else {
				nextScore = top.cost + edgeCost(edge, p.AmountMsat)
			}

			prior, exists := scores[next]
			if exists && nextScore >= prior.score {
				continue
			}

			scores[next] = scored{edge: edge, score: nextScore, hops: currentHops + 1}
			predecessor[next] = node
			heap.Push(pending, heapItem{cost: nextScore, node: next})
		}

		visited[node] = struct{}{}
	}

	return buildRoute(p, scores, predecessor)
}

// edgeCost is the expansion cost of traversing edge for amountMsat
// (§4.E): the ceiling-rounded total fee plus a fixed tie-break.
func edgeCost(e graph.EdgeState, amountMsat uint64) uint64 {
	return feerate.FeeMsat(e.FeePPM, e.BaseFeeMsat, amountMsat) + tieBreak
}

// admissible applies the §4.E edge filter.
func admissible(p Params, e graph.EdgeState) bool {
	if _, banned := p.Excepts[e.Key()]; banned {
		return false
	}
	if e.LiquidityMsat < p.AmountMsat {
		return false
	}
	if e.HTLCMinMsat > p.AmountMsat || e.HTLCMaxMsat < p.AmountMsat {
		return false
	}
	if e.Source == p.MyPubKey || e.Destination == p.MyPubKey {
		if _, ok := p.Candidates[e.SCID]; !ok {
			return false
		}
	}
	return true
}

// buildRoute walks the predecessor map from goal back to start,
// splices in the sling edge, and forward-accumulates amounts and CLTV
// deltas over that goal-to-start order (§4.E "Route reconstruction"),
// then reverses once to the start-to-goal order sendpay expects.
func buildRoute(p Params, scores map[graph.PubKey]scored, predecessor map[graph.PubKey]graph.PubKey) []Hop {
	prev, ok := predecessor[p.Goal]
	if !ok {
		return nil
	}

	// dijkstraPath walks goal back to start: index 0 is the edge that
	// arrives at goal, the last index is the edge leaving start.
	dijkstraPath := []scored{scores[p.Goal]}
	for prev != p.Start {
		dijkstraPath = append(dijkstraPath, scores[prev])
		prev = predecessor[prev]
	}

	slingHop := scored{edge: p.SlingEdge}
	var processing []scored
	switch p.SatDirection {
	case job.Pull:
		processing = append([]scored{slingHop}, dijkstraPath...)
	default:
		processing = append(dijkstraPath, slingHop)
	}

	amounts := make([]uint64, len(processing))
	delays := make([]uint16, len(processing))
	amounts[0] = p.AmountMsat
	delays[0] = baseCLTVDelta
	for i := 1; i < len(processing); i++ {
		prevEdge := processing[i-1].edge
		amounts[i] = amounts[i-1] + feerate.FeeMsat(prevEdge.FeePPM, prevEdge.BaseFeeMsat, amounts[i-1])
		delays[i] = delays[i-1] + prevEdge.CLTVDelta
	}

	route := make([]Hop, len(processing))
	for i, hop := range processing {
		route[len(processing)-1-i] = Hop{
			SCID:       hop.edge.SCID,
			Node:       hop.edge.Destination,
			AmountMsat: amounts[i],
			Delay:      delays[i],
		}
	}
	return route
}
