// Package candidates implements the candidate-selector filter chain
// (§4.D, component D): turning a job and the live local channel view
// into an ordered set of scids eligible to close the rebalance loop.
// Grounded on original_source/src/sling.rs's build_candidatelist, with
// the age/state/htlc-count checks the distilled spec adds back in.
package candidates

import (
	"github.com/btcsuite/btclog"
	"github.com/lightningnetwork/sling/feerate"
	"github.com/lightningnetwork/sling/graph"
	"github.com/lightningnetwork/sling/job"
	"github.com/lightningnetwork/sling/logsub"
	"github.com/lightningnetwork/sling/scid"
)

var log btclog.Logger = logsub.Logger("CAND")

// State mirrors the subset of CLN's listpeerchannels channel states
// the selector cares about (§4.D step 5).
type State int

const (
	// StateNormal is CHANNELD_NORMAL.
	StateNormal State = iota
	// StateAwaitingSplice is CHANNELD_AWAITING_SPLICE.
	StateAwaitingSplice
	// StateOther covers every other lifecycle state (opening, closing,
	// shutting down) and is never eligible.
	StateOther
)

// LocalChannel is the live local view of one of our own channels, the
// per-scid facts the selector needs beyond what the gossip graph
// already knows (§4.D inputs).
type LocalChannel struct {
	SCID         scid.ID
	Peer         graph.PubKey
	State        State
	Connected    bool
	ToUsMsat     uint64
	TotalMsat    uint64
	PendingHTLCs int
}

// Input bundles everything the selector consults for one job.
type Input struct {
	Job      *job.Job
	OwnSCID  scid.ID
	MyPubKey graph.PubKey
	Channels []LocalChannel
	Graph    *graph.Graph

	CurrentBlock           uint32
	CandidatesMinAgeBlocks uint32
	MaxHTLCCount           int

	TempBans    map[scid.ID]struct{}
	BadFwdNodes map[graph.PubKey]struct{}
	Excepts     map[scid.Key]struct{}
}

// Select runs the §4.D filter chain over in.Channels, in order, and
// returns the scids that survive every step.
func Select(in Input) []scid.ID {
	var out []scid.ID

	for _, ch := range in.Channels {
		if !eligible(in, ch) {
			continue
		}
		out = append(out, ch.SCID)
	}
	return out
}

func eligible(in Input, ch LocalChannel) bool {
	// 1. Exclude the job's own channel.
	if ch.SCID == in.OwnSCID {
		return false
	}

	// 2. Explicit candidate allowlist, if the job sets one.
	if len(in.Job.Candidates) > 0 {
		if _, ok := in.Job.Candidates[ch.SCID]; !ok {
			return false
		}
	}

	localDir := graph.DirectionOf(in.MyPubKey, ch.Peer)

	// 3. Direction-aware excepts.
	exceptDir := localDir
	if in.Job.SatDirection == job.Push {
		exceptDir = localDir.Opposite()
	}
	if _, banned := in.Excepts[scid.Key{SCID: ch.SCID, Dir: exceptDir}]; banned {
		return false
	}

	// 4. Push jobs never route through a peer with a bad forwarding
	// history.
	if in.Job.SatDirection == job.Push {
		if _, bad := in.BadFwdNodes[ch.Peer]; bad {
			return false
		}
	}

	// 5. Channel lifecycle state and connectivity.
	if ch.State != StateNormal && ch.State != StateAwaitingSplice {
		return false
	}
	if !ch.Connected {
		return false
	}

	// 6. Minimum channel age.
	if ch.SCID.Block() > in.CurrentBlock-in.CandidatesMinAgeBlocks {
		return false
	}

	dir0, dir1, ok := in.Graph.Get(ch.SCID)
	if !ok {
		return false
	}
	remote, local := dir0, dir1
	if remote.Source != ch.Peer {
		remote, local = dir1, dir0
	}

	// 7. Remote ppm at the job amount.
	remotePPM := feerate.EffectivePPM(remote.FeePPM, remote.BaseFeeMsat, in.Job.AmountMsat)
	if in.Job.SatDirection == job.Push && remotePPM > uint64(in.Job.MaxPPM) {
		return false
	}

	// 8. Local outbound ppm bound.
	localPPM := feerate.EffectivePPM(local.FeePPM, local.BaseFeeMsat, in.Job.AmountMsat)
	if in.Job.OutPPM != nil {
		switch in.Job.SatDirection {
		case job.Pull:
			if localPPM > *in.Job.OutPPM {
				return false
			}
		case job.Push:
			if localPPM < *in.Job.OutPPM {
				return false
			}
		}
	}

	// 9. Liquidity depletion headroom.
	target := in.Job.LiquidityTarget(ch.TotalMsat)
	switch in.Job.SatDirection {
	case job.Pull:
		if ch.ToUsMsat < target {
			return false
		}
	case job.Push:
		if ch.TotalMsat-ch.ToUsMsat < target {
			return false
		}
	}

	// 10. Pending HTLC headroom.
	if ch.PendingHTLCs >= in.MaxHTLCCount {
		return false
	}

	if _, banned := in.TempBans[ch.SCID]; banned {
		return false
	}

	return true
}
