// Package rpc defines the node-control surface the rest of sling
// drives: listing peer channels, listing the public graph, and
// sending/awaiting a rebalance payment (§6 "External Interfaces").
// NodeRPC is implemented for real by clnclient (a CLN JSON-RPC-over-
// unix-socket client, grounded on original_source/src/rpc.rs's call
// shapes) and for tests by Fake.
package rpc

import (
	"context"

	"github.com/lightningnetwork/sling/graph"
	"github.com/lightningnetwork/sling/scid"
)

// PeerChannel is one entry of listpeerchannels, the live local view
// the candidate selector and health check consult.
type PeerChannel struct {
	Peer           graph.PubKey
	SCID           scid.ID
	State          string // CHANNELD_NORMAL, CHANNELD_AWAITING_SPLICE, ...
	Connected      bool
	ToUsMsat       uint64
	TotalMsat      uint64
	SpendableMsat  uint64
	ReceivableMsat uint64
	PendingHTLCs   int

	// AliasLocal is the scid CLN assigns a channel before it is deep
	// enough to gossip its real one; it keeps appearing here alongside
	// SCID once the real id exists (§6 "alias { local, remote }").
	AliasLocal *scid.ID
}

// ChannelListing is one directed entry of listchannels, used to
// rebuild the gossip graph from an authoritative full snapshot.
type ChannelListing struct {
	SCID        scid.ID
	Source      graph.PubKey
	Destination graph.PubKey
	CapacityMsat uint64
	BaseFeeMsat uint32
	FeePPM      uint32
	CLTVDelta   uint16
	HTLCMinMsat uint64
	HTLCMaxMsat uint64
	Active      bool
	LastUpdate  uint32
}

// SendpayHop is one leg of a sendpay route, shaped like CLN's
// SendpayRoute.
type SendpayHop struct {
	AmountMsat uint64
	NodeID     graph.PubKey
	Delay      uint16
	SCID       scid.ID
}

// SendpayResult is what CLN's sendpay call returns immediately
// (before the payment resolves).
type SendpayResult struct {
	PaymentHash string
}

// WaitOutcome discriminates a resolved waitsendpay call.
type WaitOutcome int

const (
	// WaitSuccess: the payment completed.
	WaitSuccess WaitOutcome = iota
	// WaitTimeout is CLN error code 200: still pending after timeout.
	WaitTimeout
	// WaitFailed: the payment failed somewhere along the route.
	WaitFailed
)

// WaitResult is the outcome of a waitsendpay call (§4.F step 7). On
// failure it carries the raw erring-hop facts CLN reports; the
// rebalance task (which alone knows the route it sent and which hop
// is its own) classifies first/last/middle/our-node from these.
type WaitResult struct {
	Outcome WaitOutcome

	// Success fields.
	AmountMsat     uint64
	AmountSentMsat uint64
	CompletedAt    uint64

	// Failure fields.
	Message string
	// ErringIndex is the 0-based position of the failing hop in the
	// route that was sent, or -1 if CLN didn't report one (e.g. our
	// own node rejected the payment before forwarding).
	ErringIndex   int
	ErringChannel scid.ID
	ErringNodeID  graph.PubKey
}

// NodeInfo is what GetInfo returns: our identity plus the facts the
// scheduler needs to gate version-dependent calls (§9 "version
// gating").
type NodeInfo struct {
	MyPubKey    graph.PubKey
	BlockHeight uint32
	Version     string
	LightningDir string
}

// NodeAlias is one entry of listnodes, used to resolve a peer's alias
// for stats and log output.
type NodeAlias struct {
	NodeID graph.PubKey
	Alias  string
}

// NodeRPC is every call the rebalance engine makes against the host
// lightning node (§6 "Host node RPC").
type NodeRPC interface {
	GetInfo(ctx context.Context) (NodeInfo, error)
	ListPeerChannels(ctx context.Context) ([]PeerChannel, error)
	ListChannels(ctx context.Context) ([]ChannelListing, error)
	ListNodes(ctx context.Context) ([]NodeAlias, error)
	SendPay(ctx context.Context, route []SendpayHop, paymentHash string) (SendpayResult, error)
	WaitSendPay(ctx context.Context, paymentHash string, timeoutSeconds uint16) (WaitResult, error)
	DelPay(ctx context.Context, paymentHash, status string) error
	Disconnect(ctx context.Context, peer graph.PubKey) error

	// AskreneInformChannel pushes a learned liquidity constraint to the
	// host's askrene layer. Only called when the host's reported
	// version is >= 24.11 (§9 "version gating"); callers below that
	// version never invoke this.
	AskreneInformChannel(ctx context.Context, key scid.Key, amountMsat uint64, layer string) error
}
