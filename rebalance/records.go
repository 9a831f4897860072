package rebalance

import (
	"time"

	"github.com/lightningnetwork/sling/graph"
	"github.com/lightningnetwork/sling/scid"
)

// FailureReason names the §4.F failure category a FailureReb records,
// matching the branches the state machine's waitsendpay handling
// switches on.
type FailureReason string

const (
	ReasonFirstPeerNotReady  FailureReason = "first_peer_not_ready"
	ReasonWaitsendpayTimeout FailureReason = "waitsendpay_timeout"
	ReasonTooManyHTLCs       FailureReason = "too_many_htlcs"
	ReasonLastHopFailure     FailureReason = "last_hop_failure"
	ReasonFirstHopFailure    FailureReason = "first_hop_failure"
	ReasonMiddleHopFailure   FailureReason = "middle_hop_failure"
	ReasonOwnNodeRejected    FailureReason = "own_node_rejected"
	ReasonSendpayError       FailureReason = "sendpay_error"
)

// SuccessReb is one completed rebalance, appended to <scid>_successes.json
// (§3, §6).
type SuccessReb struct {
	AmountMsat   uint64
	EffectivePPM uint64
	PartnerSCID  scid.ID
	Hops         int
	CompletedAt  time.Time
}

// FailureReb is one failed rebalance attempt, appended to
// <scid>_failures.json (§3, §6).
type FailureReb struct {
	AmountMsat  uint64
	Hops        int
	PartnerSCID scid.ID
	Timestamp   time.Time
	Reason      FailureReason
	FailureNode graph.PubKey
}

// Recorder is the persistence collaborator the task writes outcomes
// to; package persist implements it against <scid>_successes.json /
// <scid>_failures.json (§6).
type Recorder interface {
	RecordSuccess(ownSCID scid.ID, rec SuccessReb)
	RecordFailure(ownSCID scid.ID, rec FailureReb)
}

// NopRecorder discards everything; useful for tests that only assert
// on TaskRegistry state and RPC call sequencing.
type NopRecorder struct{}

func (NopRecorder) RecordSuccess(scid.ID, SuccessReb) {}
func (NopRecorder) RecordFailure(scid.ID, FailureReb) {}
