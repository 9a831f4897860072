package pathfind

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightningnetwork/sling/graph"
	"github.com/lightningnetwork/sling/job"
	"github.com/lightningnetwork/sling/scid"
)

func pk(b byte) graph.PubKey {
	var p graph.PubKey
	p[0] = 0x02
	p[32] = b
	return p
}

// addChannel promotes a fully-announced, both-directions-updated
// channel into g, matching the promotion rules in package graph.
func addChannel(t *testing.T, g *graph.Graph, id scid.ID, a, b graph.PubKey, baseFee, feePPM uint32, amount uint64) {
	t.Helper()
	now := time.Unix(1_700_000_000, 0)
	g.UpsertAnnouncement(graph.Announcement{SCID: id, NodeA: a, NodeB: b, CapacityMsat: amount}, now)
	for _, dir := range []scid.Direction{scid.DirZero, scid.DirOne} {
		g.UpsertUpdate(id, graph.PolicyUpdate{
			Direction:   dir,
			Active:      true,
			BaseFeeMsat: baseFee,
			FeePPM:      feePPM,
			CLTVDelta:   40,
			HTLCMinMsat: 1,
			HTLCMaxMsat: amount,
			LastUpdate:  1,
		}, now)
	}
	dir0, dir1, ok := g.Get(id)
	require.True(t, ok)
	// Both directions start with htlc_max/2 worth of learned liquidity;
	// bump it to the full capacity so tests aren't filtered by it.
	g.SetLiquidity(dir0.Key(), amount, now)
	g.SetLiquidity(dir1.Key(), amount, now)
}

// slingEdge builds the job's own channel edge in the direction that
// delivers back to mypubkey (used as Params.SlingEdge).
func slingEdge(id scid.ID, from, to graph.PubKey) graph.EdgeState {
	return graph.EdgeState{
		SCID:        id,
		Source:      from,
		Destination: to,
		BaseFeeMsat: 0,
		FeePPM:      0,
		CLTVDelta:   40,
		HTLCMaxMsat: 1_000_000_000,
	}
}

func TestFindOptimalAtHopCap(t *testing.T) {
	// B (other_peer) -- sling --> A (mypubkey); two parallel 2-hop
	// routes A-C-B (expensive) and A-D-B (cheap) both reachable at the
	// minimum hop_limit of 3; the cheap one must win.
	a, b, c, d := pk(1), pk(2), pk(3), pk(4)
	g := graph.New()

	addChannel(t, g, scid.New(1, 1, 0), a, c, 0, 5000, 1_000_000_000)
	addChannel(t, g, scid.New(1, 2, 0), c, b, 0, 5000, 1_000_000_000)
	addChannel(t, g, scid.New(1, 3, 0), a, d, 0, 10, 1_000_000_000)
	addChannel(t, g, scid.New(1, 4, 0), d, b, 0, 10, 1_000_000_000)

	candidates := map[scid.ID]struct{}{
		scid.New(1, 1, 0): {},
		scid.New(1, 3, 0): {},
	}

	p := Params{
		Graph:        g,
		MyPubKey:     a,
		Start:        a,
		Goal:         b,
		SlingEdge:    slingEdge(scid.New(9, 9, 0), b, a),
		SatDirection: job.Pull,
		AmountMsat:   100_000_000,
		MaxPPM:       1_000_000,
		MaxHops:      8,
		Excepts:      map[scid.Key]struct{}{},
		Candidates:   candidates,
	}

	route := Find(p)
	require.Len(t, route, 3)
	// The cheap A-D-B leg must be the one chosen.
	assert.Equal(t, scid.New(1, 3, 0), route[0].SCID)
	assert.Equal(t, scid.New(1, 4, 0), route[1].SCID)
	assert.Equal(t, scid.New(9, 9, 0), route[2].SCID)
	// Final hop delivers exactly the job amount back to mypubkey.
	assert.Equal(t, p.AmountMsat, route[2].AmountMsat)
}

func TestHopCapMonotonicEnlargement(t *testing.T) {
	// Only a 3-hop path exists (A-C-D-B); it must be absent at
	// hop_limit=3 and present at hop_limit=4 (P6).
	a, b, c, d := pk(1), pk(2), pk(3), pk(4)
	g := graph.New()

	addChannel(t, g, scid.New(1, 1, 0), a, c, 0, 100, 1_000_000_000)
	addChannel(t, g, scid.New(1, 2, 0), c, d, 0, 100, 1_000_000_000)
	addChannel(t, g, scid.New(1, 3, 0), d, b, 0, 100, 1_000_000_000)

	candidates := map[scid.ID]struct{}{scid.New(1, 1, 0): {}}

	p := Params{
		Graph:        g,
		MyPubKey:     a,
		Start:        a,
		Goal:         b,
		SlingEdge:    slingEdge(scid.New(9, 9, 0), b, a),
		SatDirection: job.Pull,
		AmountMsat:   100_000_000,
		MaxPPM:       1_000_000,
		Excepts:      map[scid.Key]struct{}{},
		Candidates:   candidates,
	}

	p.MaxHops = 3
	assert.Empty(t, Find(p))

	p.MaxHops = 4
	route := Find(p)
	require.Len(t, route, 4)
	assert.Equal(t, scid.New(1, 1, 0), route[0].SCID)
	assert.Equal(t, scid.New(1, 2, 0), route[1].SCID)
	assert.Equal(t, scid.New(1, 3, 0), route[2].SCID)
	assert.Equal(t, scid.New(9, 9, 0), route[3].SCID)
}

func TestAdmissibleFiltersExcepts(t *testing.T) {
	a, b := pk(1), pk(2)
	g := graph.New()
	addChannel(t, g, scid.New(1, 1, 0), a, b, 0, 10, 1_000_000_000)
	dir0, _, _ := g.Get(scid.New(1, 1, 0))

	p := Params{MyPubKey: pk(9), AmountMsat: 1000, Excepts: map[scid.Key]struct{}{dir0.Key(): {}}, Candidates: map[scid.ID]struct{}{}}
	assert.False(t, admissible(p, dir0))
}
