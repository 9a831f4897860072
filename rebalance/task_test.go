package rebalance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/lightningnetwork/sling/bans"
	"github.com/lightningnetwork/sling/chanalias"
	"github.com/lightningnetwork/sling/graph"
	"github.com/lightningnetwork/sling/htlcsettle"
	"github.com/lightningnetwork/sling/job"
	"github.com/lightningnetwork/sling/rpc"
	"github.com/lightningnetwork/sling/scid"
	"github.com/lightningnetwork/sling/taskregistry"
)

func pk(b byte) graph.PubKey {
	var p graph.PubKey
	p[0] = 0x02
	p[32] = b
	return p
}

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
	g.SetLiquidity(dir0.Key(), amount, now)
	g.SetLiquidity(dir1.Key(), amount, now)
}

type fakeRecorder struct {
	successes []SuccessReb
	failures  []FailureReb
}

func (f *fakeRecorder) RecordSuccess(_ scid.ID, rec SuccessReb) {
	f.successes = append(f.successes, rec)
}

func (f *fakeRecorder) RecordFailure(_ scid.ID, rec FailureReb) {
	f.failures = append(f.failures, rec)
}

// instantSleep never actually waits; it lets tests drive Run() to
// completion without depending on real time.
func instantSleep(_ context.Context, _ time.Duration, stop func() bool) bool {
	return stop()
}

// harness wires a 3-node Pull triangle: the job's own channel (a<->b),
// one candidate channel (a<->c), and one external hop closing the
// loop. Amounts/fees are zero so every route is trivially within
// maxppm.
type harness struct {
	g         *graph.Graph
	ownSCID   scid.ID
	candSCID  scid.ID
	extSCID   scid.ID
	a, b, c   graph.PubKey
	fakeRPC   *rpc.Fake
	recorder  *fakeRecorder
	registry  *taskregistry.Registry
	tempBans  *bans.Store
	badFwd    *htlcsettle.BadFwdNodes
	pending   *htlcsettle.Table
	aliases   *chanalias.Map
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	a, b, c := pk(1), pk(2), pk(3)
	g := graph.New()

	ownSCID := scid.New(1, 1, 0)
	candSCID := scid.New(1, 2, 0)
	extSCID := scid.New(1, 3, 0)

	addChannel(t, g, ownSCID, a, b, 0, 0, 2_000_000_000)
	addChannel(t, g, candSCID, a, c, 0, 0, 2_000_000_000)
	addChannel(t, g, extSCID, c, b, 0, 0, 2_000_000_000)

	h := &harness{
		g:        g,
		ownSCID:  ownSCID,
		candSCID: candSCID,
		extSCID:  extSCID,
		a:        a,
		b:        b,
		c:        c,
		fakeRPC:  rpc.NewFake(),
		recorder: &fakeRecorder{},
		registry: taskregistry.New(),
		tempBans: bans.New(bans.DefaultTTL),
		badFwd:   htlcsettle.NewBadFwdNodes(),
		pending:  htlcsettle.NewTable(),
		aliases:  chanalias.New(),
	}
	h.fakeRPC.MyPubKey = a
	h.fakeRPC.Peers = []rpc.PeerChannel{
		{
			Peer: b, SCID: ownSCID, State: "CHANNELD_NORMAL", Connected: true,
			ToUsMsat: 100_000_000, TotalMsat: 2_000_000_000,
			SpendableMsat: 1_800_000_000, ReceivableMsat: 1_800_000_000,
		},
		{
			Peer: c, SCID: candSCID, State: "CHANNELD_NORMAL", Connected: true,
			ToUsMsat: 1_900_000_000, TotalMsat: 2_000_000_000,
			SpendableMsat: 1_900_000_000, ReceivableMsat: 90_000_000,
		},
	}
	return h
}

func (h *harness) newJob() *job.Job {
	return &job.Job{
		SatDirection:          job.Pull,
		AmountMsat:            1_000_000,
		MaxPPM:                1_000_000,
		MaxHops:               8,
		DepleteUpToPercent:    0.1,
		DepleteUpToAmountMsat: 10_000_000_000,
		ParallelJobs:          1,
	}
}

func (h *harness) newTask(j *job.Job) *Task {
	return &Task{
		ID:  taskregistry.Identifier{ChanID: h.ownSCID, Slot: 0},
		Job: j,
		Deps: Deps{
			RPC:         h.fakeRPC,
			Graph:       h.g,
			Oracle:      graph.NewOracle(h.g, nil, rate.Inf),
			Registry:    h.registry,
			TempBans:    h.tempBans,
			BadFwdNodes: h.badFwd,
			Pending:     h.pending,
			Aliases:     h.aliases,
			Recorder:    h.recorder,
			MyPubKey:    h.a,
			PeerChannels: func() []rpc.PeerChannel {
				return h.fakeRPC.Peers
			},
			BlockHeight:       func() uint32 { return 1000 },
			MaxHTLCCount:      5,
			TimeoutPaySeconds: 60,
			Now:               func() time.Time { return time.Unix(1_700_001_000, 0) },
			Sleep:             instantSleep,
		},
	}
}

func TestSlingTopologyPull(t *testing.T) {
	h := newHarness(t)
	task := h.newTask(h.newJob())

	start, goal, sling := task.slingTopology(h.fakeRPC.Peers[0])
	assert.Equal(t, h.a, start)
	assert.Equal(t, h.b, goal)
	assert.Equal(t, h.ownSCID, sling.SCID)
	assert.Equal(t, h.b, sling.Source)
	assert.Equal(t, h.a, sling.Destination)
}

func TestSlingTopologyPush(t *testing.T) {
	h := newHarness(t)
	j := h.newJob()
	j.SatDirection = job.Push
	task := h.newTask(j)

	start, goal, sling := task.slingTopology(h.fakeRPC.Peers[0])
	assert.Equal(t, h.b, start)
	assert.Equal(t, h.a, goal)
	assert.Equal(t, h.ownSCID, sling.SCID)
	assert.Equal(t, h.a, sling.Source)
	assert.Equal(t, h.b, sling.Destination)
}

func TestSelectRouteClosesTheLoop(t *testing.T) {
	h := newHarness(t)
	task := h.newTask(h.newJob())

	cands := []scid.ID{h.candSCID}
	candSet := map[scid.ID]struct{}{h.candSCID: {}}
	route := task.selectRoute(cands, candSet, h.fakeRPC.Peers[0])

	require.Len(t, route, 3)
	assert.Equal(t, h.candSCID, route[0].SCID)
	assert.Equal(t, h.extSCID, route[1].SCID)
	assert.Equal(t, h.ownSCID, route[2].SCID)
	assert.Equal(t, task.Job.AmountMsat, route[2].AmountMsat)
}

func TestAttemptSuccessRecordsPartnerSCIDAndIncomingLeg(t *testing.T) {
	h := newHarness(t)
	task := h.newTask(h.newJob())

	route := task.selectRoute([]scid.ID{h.candSCID}, map[scid.ID]struct{}{h.candSCID: {}}, h.fakeRPC.Peers[0])
	require.Len(t, route, 3)

	h.fakeRPC.WaitResults = []rpc.WaitResult{{Outcome: rpc.WaitSuccess, AmountMsat: task.Job.AmountMsat}}

	stop, fatal := task.attempt(context.Background(), route)
	assert.False(t, stop)
	assert.False(t, fatal)

	require.Len(t, h.recorder.successes, 1)
	rec := h.recorder.successes[0]
	assert.Equal(t, h.candSCID, rec.PartnerSCID, "Pull partner scid is the candidate departure hop")
	assert.Equal(t, 2, rec.Hops)

	require.Len(t, h.fakeRPC.SentRoutes, 1)
	sent := h.fakeRPC.SentRoutes[0]
	assert.Equal(t, h.ownSCID, sent[len(sent)-1].SCID, "the final sendpay hop is always the job's own channel for Pull")
}

func TestAttemptTimeoutZeroesMidRouteLiquidityOnly(t *testing.T) {
	h := newHarness(t)
	// Replace the direct c->b shortcut with a two-hop detour through x,
	// so the path found has two genuine middle hops that touch neither
	// our own node nor the job's peer.
	h.g = graph.New()
	addChannel(t, h.g, h.ownSCID, h.a, h.b, 0, 0, 2_000_000_000)
	addChannel(t, h.g, h.candSCID, h.a, h.c, 0, 0, 2_000_000_000)
	x := pk(9)
	xSCID := scid.New(1, 4, 0)
	addChannel(t, h.g, xSCID, h.c, x, 0, 0, 2_000_000_000)
	bSCID := scid.New(1, 5, 0)
	addChannel(t, h.g, bSCID, x, h.b, 0, 0, 2_000_000_000)

	task := h.newTask(h.newJob())
	task.Job.MaxHops = 10

	route := task.selectRoute([]scid.ID{h.candSCID}, map[scid.ID]struct{}{h.candSCID: {}}, h.fakeRPC.Peers[0])
	require.Len(t, route, 4, "candidate -> c-x -> x-b -> sling")

	h.fakeRPC.WaitResults = []rpc.WaitResult{{Outcome: rpc.WaitTimeout}}

	stop, fatal := task.attempt(context.Background(), route)
	assert.False(t, stop)
	assert.False(t, fatal)

	for i := 1; i < len(route)-1; i++ {
		dir := graph.DirectionOf(route[i-1].Node, route[i].Node)
		dir0, dir1, ok := h.g.Get(route[i].SCID)
		require.True(t, ok)
		got := dir0
		if dir == scid.DirOne {
			got = dir1
		}
		assert.Zero(t, got.LiquidityMsat, "mid-route edge %s must be zeroed on timeout", route[i].SCID)
	}

	// The candidate departure hop and the sling hop touch our own node
	// and must be untouched by the timeout zeroing rule.
	candDir0, candDir1, _ := h.g.Get(h.candSCID)
	assert.NotZero(t, candDir0.LiquidityMsat)
	assert.NotZero(t, candDir1.LiquidityMsat)

	require.Len(t, h.recorder.failures, 1)
	assert.Equal(t, ReasonWaitsendpayTimeout, h.recorder.failures[0].Reason)
}

func TestAttemptMiddleHopFailureSetsLiquidityAndInforms(t *testing.T) {
	h := newHarness(t)
	task := h.newTask(h.newJob())

	route := task.selectRoute([]scid.ID{h.candSCID}, map[scid.ID]struct{}{h.candSCID: {}}, h.fakeRPC.Peers[0])
	require.Len(t, route, 3)

	h.fakeRPC.WaitResults = []rpc.WaitResult{{
		Outcome:       rpc.WaitFailed,
		ErringIndex:   1,
		ErringChannel: h.extSCID,
		ErringNodeID:  h.c,
		Message:       "temporary channel failure",
	}}

	stop, fatal := task.attempt(context.Background(), route)
	assert.False(t, stop)
	assert.False(t, fatal)

	dir := graph.DirectionOf(route[0].Node, route[1].Node)
	dir0, dir1, ok := h.g.Get(h.extSCID)
	require.True(t, ok)
	got := dir0
	if dir == scid.DirOne {
		got = dir1
	}
	assert.Equal(t, route[1].AmountMsat-1, got.LiquidityMsat)

	require.Len(t, h.recorder.failures, 1)
	assert.Equal(t, ReasonMiddleHopFailure, h.recorder.failures[0].Reason)
}

func TestAttemptFirstHopFailureTempBans(t *testing.T) {
	h := newHarness(t)
	task := h.newTask(h.newJob())

	route := task.selectRoute([]scid.ID{h.candSCID}, map[scid.ID]struct{}{h.candSCID: {}}, h.fakeRPC.Peers[0])
	require.Len(t, route, 3)

	h.fakeRPC.WaitResults = []rpc.WaitResult{{
		Outcome:      rpc.WaitFailed,
		ErringIndex:  0,
		ErringNodeID: h.c,
		Message:      "temporary channel failure",
	}}

	stop, fatal := task.attempt(context.Background(), route)
	assert.False(t, stop)
	assert.False(t, fatal)
	assert.True(t, h.tempBans.IsBanned(h.candSCID))
	require.Len(t, h.recorder.failures, 1)
	assert.Equal(t, ReasonFirstHopFailure, h.recorder.failures[0].Reason)
}

func TestAttemptOwnNodeRejectionIsFatal(t *testing.T) {
	h := newHarness(t)
	task := h.newTask(h.newJob())

	route := task.selectRoute([]scid.ID{h.candSCID}, map[scid.ID]struct{}{h.candSCID: {}}, h.fakeRPC.Peers[0])
	require.Len(t, route, 3)

	h.fakeRPC.WaitResults = []rpc.WaitResult{{
		Outcome:      rpc.WaitFailed,
		ErringIndex:  -1,
		ErringNodeID: h.a,
		Message:      "WIRE_INCORRECT_OR_UNKNOWN_PAYMENT_DETAILS",
	}}

	stop, fatal := task.attempt(context.Background(), route)
	assert.False(t, stop)
	assert.True(t, fatal)
	require.Len(t, h.recorder.failures, 1)
	assert.Equal(t, ReasonOwnNodeRejected, h.recorder.failures[0].Reason)
}

func TestReserveParallelBanPicksInteriorHop(t *testing.T) {
	h := newHarness(t)
	task := h.newTask(h.newJob())

	route := task.selectRoute([]scid.ID{h.candSCID}, map[scid.ID]struct{}{h.candSCID: {}}, h.fakeRPC.Peers[0])
	require.Len(t, route, 3)

	task.reserveParallelBan(route)

	st, ok := h.registry.GetTask(task.ID)
	require.True(t, ok)
	require.NotNil(t, st.ParallelBan)
	assert.Equal(t, h.extSCID, st.ParallelBan.SCID, "the only interior hop is the external c->b leg")
}

func TestOnceModeStopsAfterCumulativeCap(t *testing.T) {
	h := newHarness(t)
	j := h.newJob()
	once := 3 * j.AmountMsat
	j.OnceAmountMsat = &once
	task := h.newTask(j)

	h.fakeRPC.WaitResults = []rpc.WaitResult{
		{Outcome: rpc.WaitSuccess},
		{Outcome: rpc.WaitSuccess},
		{Outcome: rpc.WaitSuccess},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	task.Run(ctx)

	assert.Len(t, h.recorder.successes, 3)
	st, ok := h.registry.GetTask(task.ID)
	require.True(t, ok)
	assert.False(t, st.Active)
	assert.Equal(t, taskregistry.Stopped, st.Message)
}
