package rpc

import (
	"context"
	"sync"

	"github.com/lightningnetwork/sling/graph"
	"github.com/lightningnetwork/sling/scid"
)

// Fake is an in-memory NodeRPC used by the rebalance task's end-to-end
// scenario tests: it lets a test script the exact sequence of
// SendPay/WaitSendPay outcomes a scenario needs without a live node.
type Fake struct {
	mu sync.Mutex

	MyPubKey    graph.PubKey
	BlockHeight uint32
	Version     string
	Peers       []PeerChannel
	Channels    []ChannelListing
	Nodes       []NodeAlias

	// SendPayErr, if set, is returned by every SendPay call.
	SendPayErr error
	// WaitResults is consumed in order, one per WaitSendPay call; the
	// last entry repeats once exhausted.
	WaitResults []WaitResult

	SentRoutes   [][]SendpayHop
	DelPayCalls  []string
	Disconnected []graph.PubKey
	Informed     []scid.Key

	waitCalls int
}

func NewFake() *Fake {
	return &Fake{}
}

func (f *Fake) GetInfo(ctx context.Context) (NodeInfo, error) {
	return NodeInfo{MyPubKey: f.MyPubKey, BlockHeight: f.BlockHeight, Version: f.Version}, nil
}

func (f *Fake) ListPeerChannels(ctx context.Context) ([]PeerChannel, error) {
	return f.Peers, nil
}

func (f *Fake) ListChannels(ctx context.Context) ([]ChannelListing, error) {
	return f.Channels, nil
}

func (f *Fake) ListNodes(ctx context.Context) ([]NodeAlias, error) {
	return f.Nodes, nil
}

func (f *Fake) AskreneInformChannel(ctx context.Context, key scid.Key, amountMsat uint64, layer string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Informed = append(f.Informed, key)
	return nil
}

func (f *Fake) SendPay(ctx context.Context, route []SendpayHop, paymentHash string) (SendpayResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SentRoutes = append(f.SentRoutes, route)
	if f.SendPayErr != nil {
		return SendpayResult{}, f.SendPayErr
	}
	return SendpayResult{PaymentHash: paymentHash}, nil
}

func (f *Fake) WaitSendPay(ctx context.Context, paymentHash string, timeoutSeconds uint16) (WaitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.WaitResults) == 0 {
		return WaitResult{Outcome: WaitSuccess}, nil
	}
	idx := f.waitCalls
	if idx >= len(f.WaitResults) {
		idx = len(f.WaitResults) - 1
	}
	f.waitCalls++
	return f.WaitResults[idx], nil
}

func (f *Fake) DelPay(ctx context.Context, paymentHash, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.DelPayCalls = append(f.DelPayCalls, paymentHash)
	return nil
}

func (f *Fake) Disconnect(ctx context.Context, peer graph.PubKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Disconnected = append(f.Disconnected, peer)
	return nil
}

var _ NodeRPC = (*Fake)(nil)
