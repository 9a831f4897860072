// Package rebalance implements the long-running per-(channel, slot)
// state machine that drives one circular payment at a time (§4.F,
// component F). It is grounded on the teacher's chanfitness/watchtower
// client shape: an injectable clock and RPC collaborator, a single
// goroutine per unit of work, and cooperative cancellation polled at
// the top of every loop iteration rather than forcibly killed.
package rebalance

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/btcsuite/btclog"
	"github.com/davecgh/go-spew/spew"

	"github.com/lightningnetwork/sling/bans"
	"github.com/lightningnetwork/sling/candidates"
	"github.com/lightningnetwork/sling/chanalias"
	"github.com/lightningnetwork/sling/graph"
	"github.com/lightningnetwork/sling/htlcsettle"
	"github.com/lightningnetwork/sling/job"
	"github.com/lightningnetwork/sling/logsub"
	"github.com/lightningnetwork/sling/pathfind"
	"github.com/lightningnetwork/sling/rpc"
	"github.com/lightningnetwork/sling/scid"
	"github.com/lightningnetwork/sling/taskregistry"
)

var log btclog.Logger = logsub.Logger("RBAL")

const (
	gossipGateSleep    = 600 * time.Second
	noCandidatesSleep  = 600 * time.Second
	noRouteSleep       = 600 * time.Second
	tooExpSleep        = 600 * time.Second
	healthCheckSleep   = 60 * time.Second
	tooManyHTLCsPause  = 10 * time.Second
	betweenIterations  = 1 * time.Second

	// incorrectPaymentDetails is the message fragment CLN reports when
	// the final node rejects a payment for a payment_hash/amount it
	// doesn't recognize (§4.F step 7).
	incorrectPaymentDetails = "incorrect_or_unknown_payment_details"
	tooManyHTLCsFragment    = "too many htlcs"
	peerNotReadyFragment    = "not ready"
)

// SleepFunc performs an interruptible sleep: it should return early,
// with stopped=true, if ctx is cancelled or stop() reports true before
// d elapses. The default implementation polls at 1 s granularity
// (§5 "my_sleep").
type SleepFunc func(ctx context.Context, d time.Duration, stop func() bool) (stopped bool)

func defaultSleep(ctx context.Context, d time.Duration, stop func() bool) bool {
	deadline := time.Now().Add(d)
	for {
		if stop() {
			return true
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		tick := time.Second
		if remaining < tick {
			tick = remaining
		}
		timer := time.NewTimer(tick)
		select {
		case <-ctx.Done():
			timer.Stop()
			return true
		case <-timer.C:
		}
	}
}

// Deps bundles every collaborator a Task shares with the rest of the
// plugin (§5's shared-resource list, minus TaskRegistry's own slot,
// which the Task owns by identity).
type Deps struct {
	RPC         rpc.NodeRPC
	Graph       *graph.Graph
	Oracle      *graph.Oracle
	Registry    *taskregistry.Registry
	TempBans    *bans.Store
	BadFwdNodes *htlcsettle.BadFwdNodes
	Pending     *htlcsettle.Table
	Aliases     *chanalias.Map
	Recorder    Recorder

	MyPubKey graph.PubKey

	// PeerChannels returns the scheduler-refreshed listpeerchannels
	// snapshot (§4.I "refresh channel listing (5s)").
	PeerChannels func() []rpc.PeerChannel
	// BlockHeight returns the most recently observed block height.
	BlockHeight func() uint32
	// GlobalExcepts returns the current excepts.json-backed except set,
	// keyed by directed (scid,dir). May be nil.
	GlobalExcepts func() map[scid.Key]struct{}

	CandidatesMinAgeBlocks uint32
	MaxHTLCCount           int
	TimeoutPaySeconds      uint16

	Now   func() time.Time
	Sleep SleepFunc
}

func (d *Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d *Deps) sleep(ctx context.Context, dur time.Duration, stop func() bool) bool {
	fn := d.Sleep
	if fn == nil {
		fn = defaultSleep
	}
	return fn(ctx, dur, stop)
}

// Task drives one (chan_id, slot) rebalance loop.
type Task struct {
	ID  taskregistry.Identifier
	Job *job.Job

	Deps Deps

	lastRoute      []pathfind.Hop
	parallelBan    *scid.Key
	sentOnceMsat   uint64
}

// Run executes the state machine until the registry asks this slot to
// stop, a fatal condition is hit, or once-mode's cumulative cap is
// reached. It returns when the task is fully retired.
func (t *Task) Run(ctx context.Context) {
	t.Deps.Registry.UpsertSlot(t.ID.ChanID, t.ID.Slot, taskregistry.State{
		Message: taskregistry.Starting,
		Active:  true,
	})

	for {
		if t.shouldStop(ctx) {
			t.retire(taskregistry.Stopped)
			return
		}

		if t.Deps.Graph.Len() == 0 {
			t.setState(taskregistry.GraphEmpty)
			if t.sleepOrStop(ctx, gossipGateSleep) {
				t.retire(taskregistry.Stopped)
				return
			}
			continue
		}

		rows := t.Deps.PeerChannels()
		own, health, ok := t.healthCheck(rows)
		if !ok {
			t.setState(health)
			if t.sleepOrStop(ctx, healthCheckSleep) {
				t.retire(taskregistry.Stopped)
				return
			}
			continue
		}

		cands := t.buildCandidates(rows, own)
		if len(cands) == 0 {
			t.setState(taskregistry.NoCandidates)
			if t.sleepOrStop(ctx, noCandidatesSleep) {
				t.retire(taskregistry.Stopped)
				return
			}
			continue
		}
		candSet := make(map[scid.ID]struct{}, len(cands))
		for _, c := range cands {
			candSet[c] = struct{}{}
		}

		route := t.selectRoute(cands, candSet, own)
		if len(route) == 0 {
			t.setState(taskregistry.NoRoute)
			if t.sleepOrStop(ctx, noRouteSleep) {
				t.retire(taskregistry.Stopped)
				return
			}
			continue
		}
		if effectivePPM(route) > t.Job.MaxPPM {
			t.lastRoute = nil
			t.setState(taskregistry.TooExp)
			if t.sleepOrStop(ctx, tooExpSleep) {
				t.retire(taskregistry.Stopped)
				return
			}
			continue
		}

		t.reserveParallelBan(route)
		t.setState(taskregistry.Rebalancing)

		stop, fatal := t.attempt(ctx, route)
		if fatal {
			t.setState(taskregistry.TaskError)
			t.Deps.Registry.SetParallelBan(t.ID, nil)
			t.Deps.Registry.SetActive(t.ID, false)
			return
		}
		if stop {
			t.retire(taskregistry.Stopped)
			return
		}

		if t.sleepOrStop(ctx, betweenIterations) {
			t.retire(taskregistry.Stopped)
			return
		}
	}
}

func (t *Task) shouldStop(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	return t.Deps.Registry.ShouldStop(t.ID)
}

func (t *Task) sleepOrStop(ctx context.Context, d time.Duration) bool {
	return t.Deps.sleep(ctx, d, func() bool { return t.shouldStop(ctx) })
}

func (t *Task) setState(msg taskregistry.JobMessage) {
	t.Deps.Registry.SetState(t.ID, msg)
}

func (t *Task) retire(msg taskregistry.JobMessage) {
	t.setState(msg)
	t.Deps.Registry.SetParallelBan(t.ID, nil)
	t.Deps.Registry.SetActive(t.ID, false)
}

// healthCheck implements §4.F step 2.
func (t *Task) healthCheck(rows []rpc.PeerChannel) (rpc.PeerChannel, taskregistry.JobMessage, bool) {
	var own rpc.PeerChannel
	found := false
	for _, r := range rows {
		if r.SCID == t.ID.ChanID {
			own = r
			found = true
			break
		}
	}
	if !found {
		return rpc.PeerChannel{}, taskregistry.PeerNotFound, false
	}
	if !own.Connected {
		return own, taskregistry.Disconnected, false
	}
	if own.State != "CHANNELD_NORMAL" && own.State != "CHANNELD_AWAITING_SPLICE" {
		return own, taskregistry.ChanNotNormal, false
	}
	if t.Deps.BadFwdNodes.IsBad(own.Peer) {
		return own, taskregistry.PeerBad, false
	}
	if own.PendingHTLCs >= t.Deps.MaxHTLCCount {
		return own, taskregistry.HTLCcapped, false
	}
	if t.Job.IsBalanced(own.ToUsMsat, own.TotalMsat) {
		return own, taskregistry.Balanced, false
	}
	switch t.Job.SatDirection {
	case job.Pull:
		if own.ReceivableMsat < t.Job.AmountMsat {
			return own, taskregistry.Balanced, false
		}
	case job.Push:
		if own.SpendableMsat < t.Job.AmountMsat {
			return own, taskregistry.Balanced, false
		}
	}
	return own, taskregistry.Starting, true
}

// buildCandidates implements §4.F step 3 (delegated to component D).
func (t *Task) buildCandidates(rows []rpc.PeerChannel, own rpc.PeerChannel) []scid.ID {
	locals := make([]candidates.LocalChannel, 0, len(rows))
	for _, r := range rows {
		locals = append(locals, candidates.LocalChannel{
			SCID:         r.SCID,
			Peer:         r.Peer,
			State:        candidateState(r.State),
			Connected:    r.Connected,
			ToUsMsat:     r.ToUsMsat,
			TotalMsat:    r.TotalMsat,
			PendingHTLCs: r.PendingHTLCs,
		})
	}

	excepts := map[scid.Key]struct{}{}
	if t.Deps.GlobalExcepts != nil {
		for k := range t.Deps.GlobalExcepts() {
			excepts[k] = struct{}{}
		}
	}

	return candidates.Select(candidates.Input{
		Job:                    t.Job,
		OwnSCID:                t.ID.ChanID,
		MyPubKey:                t.Deps.MyPubKey,
		Channels:               locals,
		Graph:                  t.Deps.Graph,
		CurrentBlock:           t.blockHeight(),
		CandidatesMinAgeBlocks: t.Deps.CandidatesMinAgeBlocks,
		MaxHTLCCount:           t.Deps.MaxHTLCCount,
		TempBans:               t.Deps.TempBans.Snapshot(),
		BadFwdNodes:            t.Deps.BadFwdNodes.Snapshot(),
		Excepts:                excepts,
	})
}

func (t *Task) blockHeight() uint32 {
	if t.Deps.BlockHeight != nil {
		return t.Deps.BlockHeight()
	}
	return 0
}

func candidateState(s string) candidates.State {
	switch s {
	case "CHANNELD_NORMAL":
		return candidates.StateNormal
	case "CHANNELD_AWAITING_SPLICE":
		return candidates.StateAwaitingSplice
	default:
		return candidates.StateOther
	}
}

// partnerIndex returns the route position that carries the external
// candidate's scid: first hop for Pull, last hop for Push (§4.F steps
// 4 and 7's "first (Pull) / last (Push)" convention).
func partnerIndex(dir job.SatDirection, routeLen int) int {
	if dir == job.Pull {
		return 0
	}
	return routeLen - 1
}

// selectRoute implements §4.F step 4: reuse the cached route if its
// candidate-facing hop is still eligible, else invalidate and re-run
// path finding.
func (t *Task) selectRoute(cands []scid.ID, candSet map[scid.ID]struct{}, own rpc.PeerChannel) []pathfind.Hop {
	if len(t.lastRoute) > 0 {
		idx := partnerIndex(t.Job.SatDirection, len(t.lastRoute))
		want := t.lastRoute[idx].SCID
		reusable := false
		for c := range candSet {
			if t.Deps.Aliases.Matches(want, c) {
				reusable = true
				break
			}
		}
		if reusable {
			return t.lastRoute
		}
		t.lastRoute = nil
	}

	start, goal, slingEdge := t.slingTopology(own)

	candidateSet := make(map[scid.ID]struct{}, len(cands))
	for _, c := range cands {
		candidateSet[c] = struct{}{}
	}

	excepts := map[scid.Key]struct{}{}
	if t.Deps.GlobalExcepts != nil {
		for k := range t.Deps.GlobalExcepts() {
			excepts[k] = struct{}{}
		}
	}
	for k := range t.Deps.Registry.GetParallelBans(t.ID.ChanID, t.ID.Slot) {
		excepts[k] = struct{}{}
	}

	return pathfind.Find(pathfind.Params{
		Graph:        t.Deps.Graph,
		MyPubKey:     t.Deps.MyPubKey,
		Start:        start,
		Goal:         goal,
		SlingEdge:    slingEdge,
		SatDirection: t.Job.SatDirection,
		AmountMsat:   t.Job.AmountMsat,
		MaxPPM:       t.Job.MaxPPM,
		MaxHops:      t.Job.EffectiveMaxHops(),
		Excepts:      excepts,
		Candidates:   candidateSet,
	})
}

// slingTopology derives the Start/Goal/SlingEdge triple pathfind needs
// from the job's own channel: for Pull the network leg departs us and
// arrives at our own channel's peer, closed by the sling edge flowing
// peer->us; Push is the mirror (§4.E, confirmed against pathfind's own
// test fixtures, which are the ground truth for this convention since
// the spec's prose scenario is not hop-order-exact).
func (t *Task) slingTopology(own rpc.PeerChannel) (start, goal graph.PubKey, sling graph.EdgeState) {
	dir0, dir1, _ := t.Deps.Graph.Get(t.ID.ChanID)
	peerToUs, usToPeer := dir0, dir1
	if dir0.Destination != t.Deps.MyPubKey {
		peerToUs, usToPeer = dir1, dir0
	}

	switch t.Job.SatDirection {
	case job.Pull:
		return t.Deps.MyPubKey, own.Peer, peerToUs
	default:
		return own.Peer, t.Deps.MyPubKey, usToPeer
	}
}

func effectivePPM(route []pathfind.Hop) uint32 {
	if len(route) == 0 {
		return 0
	}
	sent := route[0].AmountMsat
	received := route[len(route)-1].AmountMsat
	if sent < received {
		return 0
	}
	diff := sent - received
	if received == 0 {
		return 0
	}
	return uint32((diff * 1_000_000) / received)
}

// reserveParallelBan implements §4.F step 5.
func (t *Task) reserveParallelBan(route []pathfind.Hop) {
	if len(route) < 3 {
		t.Deps.Registry.SetParallelBan(t.ID, nil)
		t.parallelBan = nil
		return
	}
	idx := len(route) / 2
	if idx < 1 {
		idx = 1
	}
	if idx > len(route)-2 {
		idx = len(route) - 2
	}

	from := route[idx-1].Node
	to := route[idx].Node
	key := scid.Key{SCID: route[idx].SCID, Dir: graph.DirectionOf(from, to)}
	t.parallelBan = &key
	t.Deps.Registry.SetParallelBan(t.ID, &key)
}

// attempt implements §4.F steps 6 and 7. It returns (stop, fatal):
// stop means once-mode's cumulative cap was reached; fatal means the
// task must flip to Error and never restart implicitly.
func (t *Task) attempt(ctx context.Context, route []pathfind.Hop) (stop, fatal bool) {
	preimage := make([]byte, 32)
	if _, err := rand.Read(preimage); err != nil {
		log.Errorf("task %s: preimage generation failed: %v", t.ID.ChanID, err)
		return false, true
	}
	preimageHex := hex.EncodeToString(preimage)
	hash := sha256.Sum256(preimage)
	paymentHash := hex.EncodeToString(hash[:])

	incomingSCID := route[len(route)-1].SCID
	var incomingAlias *scid.ID
	if a, ok := t.Deps.Aliases.Alias(incomingSCID); ok {
		incomingAlias = &a
	}

	t.Deps.Pending.Register(paymentHash, htlcsettle.PendingPay{
		PreimageHex:   preimageHex,
		IncomingSCID:  incomingSCID,
		IncomingAlias: incomingAlias,
	})

	hops := make([]rpc.SendpayHop, len(route))
	for i, h := range route {
		hops[i] = rpc.SendpayHop{
			AmountMsat: h.AmountMsat,
			NodeID:     h.Node,
			Delay:      h.Delay,
			SCID:       h.SCID,
		}
	}

	log.Tracef("task %s: route for %s: %s", t.ID.ChanID, paymentHash, spew.Sdump(hops))

	if _, err := t.Deps.RPC.SendPay(ctx, hops, paymentHash); err != nil {
		t.Deps.Pending.Forget(paymentHash)
		if strings.Contains(strings.ToLower(err.Error()), peerNotReadyFragment) {
			t.Deps.TempBans.Ban(route[0].SCID, t.Deps.now())
			t.recordFailure(route, ReasonFirstPeerNotReady, graph.PubKey{})
			t.setState(taskregistry.PeerNotReady)
			return false, false
		}
		log.Errorf("task %s: sendpay failed fatally: %v", t.ID.ChanID, err)
		t.recordFailure(route, ReasonSendpayError, graph.PubKey{})
		return false, true
	}

	result, err := t.Deps.RPC.WaitSendPay(ctx, paymentHash, t.Deps.TimeoutPaySeconds)
	t.Deps.Pending.Forget(paymentHash)
	if err != nil {
		log.Errorf("task %s: waitsendpay transport error: %v", t.ID.ChanID, err)
		return false, false
	}

	switch result.Outcome {
	case rpc.WaitSuccess:
		t.recordSuccess(route, result)
		t.lastRoute = route
		if t.Job.OnceAmountMsat != nil {
			t.sentOnceMsat += t.Job.AmountMsat
			if t.sentOnceMsat >= *t.Job.OnceAmountMsat {
				return true, false
			}
		}
		return false, false

	case rpc.WaitTimeout:
		now := t.Deps.now()
		for i := 1; i < len(route)-1; i++ {
			key := scid.Key{SCID: route[i].SCID, Dir: graph.DirectionOf(route[i-1].Node, route[i].Node)}
			t.Deps.Graph.SetLiquidity(key, 0, now)
		}
		t.recordFailure(route, ReasonWaitsendpayTimeout, graph.PubKey{})
		return false, false

	default: // rpc.WaitFailed
		return t.handleFailure(ctx, route, result)
	}
}

func (t *Task) handleFailure(ctx context.Context, route []pathfind.Hop, result rpc.WaitResult) (stop, fatal bool) {
	msg := strings.ToLower(result.Message)

	if result.ErringIndex < 0 || result.ErringNodeID == t.Deps.MyPubKey {
		t.recordFailure(route, ReasonOwnNodeRejected, result.ErringNodeID)
		if strings.Contains(msg, incorrectPaymentDetails) {
			log.Errorf("task %s: own node rejected payment, fatal: %s", t.ID.ChanID, result.Message)
		}
		return false, true
	}

	idx := result.ErringIndex
	if idx == 0 || idx == len(route)-1 {
		if strings.Contains(msg, tooManyHTLCsFragment) {
			t.sleepOrStop(ctx, tooManyHTLCsPause)
			return false, false
		}
		reason := ReasonFirstHopFailure
		if idx == len(route)-1 {
			reason = ReasonLastHopFailure
		}
		t.Deps.TempBans.Ban(route[idx].SCID, t.Deps.now())
		t.recordFailure(route, reason, result.ErringNodeID)
		return false, false
	}

	// Middle hop.
	now := t.Deps.now()
	erringAmount := route[idx].AmountMsat
	var newLiquidity uint64
	if erringAmount > 0 {
		newLiquidity = erringAmount - 1
	}
	key := scid.Key{SCID: route[idx].SCID, Dir: graph.DirectionOf(route[idx-1].Node, route[idx].Node)}
	t.Deps.Graph.SetLiquidity(key, newLiquidity, now)
	t.Deps.Oracle.Inform(ctx, key, newLiquidity)
	t.recordFailure(route, ReasonMiddleHopFailure, result.ErringNodeID)
	return false, false
}

func (t *Task) recordSuccess(route []pathfind.Hop, result rpc.WaitResult) {
	if t.Deps.Recorder == nil {
		return
	}
	idx := partnerIndex(t.Job.SatDirection, len(route))
	t.Deps.Recorder.RecordSuccess(t.ID.ChanID, SuccessReb{
		AmountMsat:   t.Job.AmountMsat,
		EffectivePPM: uint64(effectivePPM(route)),
		PartnerSCID:  route[idx].SCID,
		Hops:         len(route) - 1,
		CompletedAt:  t.Deps.now(),
	})
}

func (t *Task) recordFailure(route []pathfind.Hop, reason FailureReason, node graph.PubKey) {
	if t.Deps.Recorder == nil {
		return
	}
	idx := partnerIndex(t.Job.SatDirection, len(route))
	t.Deps.Recorder.RecordFailure(t.ID.ChanID, FailureReb{
		AmountMsat:  t.Job.AmountMsat,
		Hops:        len(route) - 1,
		PartnerSCID: route[idx].SCID,
		Timestamp:   t.Deps.now(),
		Reason:      reason,
		FailureNode: node,
	})
}
