package candidates

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

func addChannel(t *testing.T, g *graph.Graph, id scid.ID, a, b graph.PubKey, feePPM uint32) {
	t.Helper()
	now := time.Unix(1_700_000_000, 0)
	g.UpsertAnnouncement(graph.Announcement{SCID: id, NodeA: a, NodeB: b, CapacityMsat: 1_000_000_000}, now)
	for _, dir := range []scid.Direction{scid.DirZero, scid.DirOne} {
		g.UpsertUpdate(id, graph.PolicyUpdate{
			Direction:   dir,
			Active:      true,
			FeePPM:      feePPM,
			HTLCMinMsat: 1,
			HTLCMaxMsat: 1_000_000_000,
			LastUpdate:  1,
		}, now)
	}
}

func baseInput(t *testing.T) (Input, graph.PubKey, graph.PubKey) {
	me, peer := pk(1), pk(2)
	id := scid.New(500_000, 1, 0)
	g := graph.New()
	addChannel(t, g, id, me, peer, 100)

	outppm := uint64(500)
	j := &job.Job{
		SatDirection: job.Pull,
		AmountMsat:   1_000_000,
		MaxPPM:       10_000,
		OutPPM:       &outppm,
	}

	in := Input{
		Job:      j,
		OwnSCID:  scid.New(1, 1, 0),
		MyPubKey: me,
		Channels: []LocalChannel{{
			SCID:      id,
			Peer:      peer,
			State:     StateNormal,
			Connected: true,
			ToUsMsat:  900_000_000,
			TotalMsat: 1_000_000_000,
		}},
		Graph:                  g,
		CurrentBlock:           500_100,
		CandidatesMinAgeBlocks: 10,
		MaxHTLCCount:           5,
		TempBans:               map[scid.ID]struct{}{},
		BadFwdNodes:            map[graph.PubKey]struct{}{},
		Excepts:                map[scid.Key]struct{}{},
	}
	return in, me, peer
}

func TestSelectAcceptsHealthyChannel(t *testing.T) {
	in, _, _ := baseInput(t)
	got := Select(in)
	require.Len(t, got, 1)
	assert.Equal(t, in.Channels[0].SCID, got[0])
}

func TestSelectExcludesOwnChannel(t *testing.T) {
	in, _, _ := baseInput(t)
	in.OwnSCID = in.Channels[0].SCID
	assert.Empty(t, Select(in))
}

func TestSelectRespectsAllowlist(t *testing.T) {
	in, _, _ := baseInput(t)
	in.Job.Candidates = map[scid.ID]struct{}{scid.New(9, 9, 0): {}}
	assert.Empty(t, Select(in))
}

func TestSelectSkipsDisconnectedOrAbnormal(t *testing.T) {
	in, _, _ := baseInput(t)
	in.Channels[0].Connected = false
	assert.Empty(t, Select(in))

	in, _, _ = baseInput(t)
	in.Channels[0].State = StateOther
	assert.Empty(t, Select(in))
}

func TestSelectEnforcesMinAge(t *testing.T) {
	in, _, _ := baseInput(t)
	in.CurrentBlock = in.Channels[0].SCID.Block() + 5 // younger than CandidatesMinAgeBlocks
	assert.Empty(t, Select(in))
}

// TestTempbanMonotonicity is P7: adding a scid to temp_chan_bans can
// only remove candidates, never add one.
func TestTempbanMonotonicity(t *testing.T) {
	in, _, _ := baseInput(t)
	before := Select(in)
	require.NotEmpty(t, before)

	in.TempBans[in.Channels[0].SCID] = struct{}{}
	after := Select(in)

	assert.Subset(t, before, after)
	assert.Empty(t, after)
}

func TestSelectPushRequiresGoodFwdNode(t *testing.T) {
	in, _, peer := baseInput(t)
	in.Job.SatDirection = job.Push
	in.Job.OutPPM = nil // isolate the bad-fwd-node gate from the outppm bound
	in.Channels[0].ToUsMsat = 100_000_000 // leaves plenty on the "total-to_us" side
	in.BadFwdNodes[peer] = struct{}{}
	assert.Empty(t, Select(in))

	delete(in.BadFwdNodes, peer)
	assert.NotEmpty(t, Select(in))
}
