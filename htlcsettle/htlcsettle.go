// Package htlcsettle implements the incoming-HTLC hook side of a
// circular rebalance (§4.H, component H): matching an accepted HTLC
// against the pending-pays table the rebalance task registered before
// calling sendpay, and releasing the preimage only if it arrived over
// the expected return leg. Grounded on original_source/src/htlc.rs.
package htlcsettle

import (
	"sync"
	"time"

	"github.com/btcsuite/btclog"
	"github.com/lightningnetwork/sling/graph"
	"github.com/lightningnetwork/sling/logsub"
	"github.com/lightningnetwork/sling/scid"
)

var log btclog.Logger = logsub.Logger("HTLC")

// Outcome is the verdict handed back to the CLN htlc_accepted hook.
type Outcome int

const (
	// OutcomeContinue means this HTLC isn't one of ours; let CLN
	// forward it normally.
	OutcomeContinue Outcome = iota
	// OutcomeResolve releases PreimageHex, settling the loop.
	OutcomeResolve
	// OutcomeFail rejects the HTLC with WIRE_TEMPORARY_CHANNEL_FAILURE
	// (failure_message "1007"), because it arrived over the wrong leg.
	OutcomeFail
)

// Response is what Handle returns; the plugin package turns it into
// the htlc_accepted hook's JSON reply.
type Response struct {
	Outcome     Outcome
	PreimageHex string
}

// PendingPay is what the rebalance task registers before calling
// sendpay: the preimage it generated, and the scid (plus an optional
// local alias) the payment is expected to return over.
type PendingPay struct {
	PreimageHex   string
	IncomingSCID  scid.ID
	IncomingAlias *scid.ID
}

// Table is the payment_hash → PendingPay map the HTLC hook consults.
// Every method, Handle included, takes the write lock: a lookup that
// matches deletes its entry, so a preimage is released at most once.
type Table struct {
	mu   sync.RWMutex
	pays map[string]PendingPay
}

// NewTable returns an empty pending-pays table.
func NewTable() *Table {
	return &Table{pays: make(map[string]PendingPay)}
}

// Register records a payment this task is about to send, keyed by its
// hex-encoded payment hash.
func (t *Table) Register(paymentHash string, p PendingPay) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pays[paymentHash] = p
}

// Forget removes a payment_hash once the task is done with it
// (success, failure, or abandonment), so stale entries don't linger.
func (t *Table) Forget(paymentHash string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pays, paymentHash)
}

// PeerResolver looks up which peer a local scid connects to, used to
// decide which node to mark as a bad forwarder on a mismatch.
type PeerResolver func(id scid.ID) (graph.PubKey, bool)

// BadFwdNodes is the set of peers that have forwarded an HTLC over the
// wrong return leg of one of our loops (§4.D step 4: Push jobs must
// avoid routing through them).
type BadFwdNodes struct {
	mu    sync.Mutex
	nodes map[graph.PubKey]time.Time
}

// NewBadFwdNodes returns an empty set.
func NewBadFwdNodes() *BadFwdNodes {
	return &BadFwdNodes{nodes: make(map[graph.PubKey]time.Time)}
}

// Record marks peer as a bad forwarder as of now.
func (b *BadFwdNodes) Record(peer graph.PubKey, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nodes[peer] = now
}

// IsBad reports whether peer is currently recorded.
func (b *BadFwdNodes) IsBad(peer graph.PubKey) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.nodes[peer]
	return ok
}

// Snapshot returns a value copy of the current bad-forwarder set, for
// the candidate selector to consult without holding the lock for the
// whole filter pass.
func (b *BadFwdNodes) Snapshot() map[graph.PubKey]struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[graph.PubKey]struct{}, len(b.nodes))
	for p := range b.nodes {
		out[p] = struct{}{}
	}
	return out
}

// Prune drops entries recorded before the cutoff, used by the
// scheduler's periodic temp-ban clearing job. The original never aged these out
// within a single run; the distilled spec's scheduler (§4.I) adds a
// cadence for this, so this mirrors the graph's own decay shape rather
// than inventing a new one.
func (b *BadFwdNodes) Prune(cutoff time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for p, at := range b.nodes {
		if at.Before(cutoff) {
			delete(b.nodes, p)
		}
	}
}

// Handle implements the htlc_accepted hook body (§4.H): look up
// paymentHash; if this isn't one of ours, continue. If it is, resolve
// only when the HTLC arrived over the expected incoming scid (or its
// local alias); otherwise record the forwarding peer as bad and fail
// the HTLC so it doesn't hang.
func (t *Table) Handle(htlcSCID scid.ID, paymentHash string, resolvePeer PeerResolver, bad *BadFwdNodes, now time.Time) Response {
	t.mu.Lock()
	pi, ok := t.pays[paymentHash]
	if !ok {
		t.mu.Unlock()
		return Response{Outcome: OutcomeContinue}
	}
	delete(t.pays, paymentHash)
	t.mu.Unlock()

	if htlcSCID == pi.IncomingSCID || (pi.IncomingAlias != nil && htlcSCID == *pi.IncomingAlias) {
		log.Debugf("resolving htlc, payment_hash=%s", paymentHash)
		return Response{Outcome: OutcomeResolve, PreimageHex: pi.PreimageHex}
	}

	if peer, found := resolvePeer(htlcSCID); found {
		log.Infof("not resolving htlc from %s: wrong scid %s, expected %s, payment_hash=%s",
			peer, htlcSCID, pi.IncomingSCID, paymentHash)
		bad.Record(peer, now)
	}

	// Put the pending pay back: the real settlement attempt may still
	// arrive over the correct leg afterwards.
	t.Register(paymentHash, pi)
	return Response{Outcome: OutcomeFail}
}
