package graph

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightningnetwork/sling/scid"
)

// PubKey is a 33-byte compressed public key, the node identity format
// used throughout the gossip protocol.
type PubKey [33]byte

// ParsePubKey validates b as a compressed secp256k1 public key — the
// node-identity encoding both the gossip wire format and the host RPC
// use — and returns it in the graph's native PubKey form. A bare
// length check accepts 33 arbitrary bytes; this additionally rejects
// anything that isn't a point on the curve, the same validation the
// teacher's btcec-backed identity keys get everywhere else in lnd.
func ParsePubKey(b []byte) (PubKey, error) {
	key, err := btcec.ParsePubKey(b)
	if err != nil {
		return PubKey{}, fmt.Errorf("graph: invalid node public key: %w", err)
	}
	var p PubKey
	copy(p[:], key.SerializeCompressed())
	return p, nil
}

// Less reports whether p sorts before other in the lexicographic order
// that fixes the direction convention (I4/P4).
func (p PubKey) Less(other PubKey) bool {
	return bytes.Compare(p[:], other[:]) < 0
}

// DirectionOf returns the direction assigned to an edge running from
// source to destination: 0 iff source < destination lexicographically.
func DirectionOf(source, destination PubKey) scid.Direction {
	if source.Less(destination) {
		return scid.DirZero
	}
	return scid.DirOne
}

// Announcement is the endpoint/capacity data carried by a
// channel_announcement gossip record, shared by both directions of a
// channel.
type Announcement struct {
	SCID        scid.ID
	NodeA       PubKey
	NodeB       PubKey
	CapacityMsat uint64
}

// PolicyUpdate is the fee/htlc-bound data carried by a channel_update
// gossip record, specific to one direction of a channel.
type PolicyUpdate struct {
	Direction      scid.Direction
	BaseFeeMsat    uint32
	FeePPM         uint32
	CLTVDelta      uint16
	HTLCMinMsat    uint64
	HTLCMaxMsat    uint64
	Active         bool
	LastUpdate     uint32
}

// EdgeState is the full directed-edge record held live in the graph:
// identity, policy, and learned liquidity bounds (§3).
type EdgeState struct {
	SCID        scid.ID
	Direction   scid.Direction
	Source      PubKey
	Destination PubKey

	BaseFeeMsat uint32
	FeePPM      uint32
	CLTVDelta   uint16
	HTLCMinMsat uint64
	HTLCMaxMsat uint64
	AmountMsat  uint64 // channel capacity
	Active      bool
	LastUpdate  uint32

	LiquidityMsat uint64
	LiquidityAge  uint64 // unix seconds
}

// Key returns the (scid, direction) identity of the edge.
func (e *EdgeState) Key() scid.Key {
	return scid.Key{SCID: e.SCID, Dir: e.Direction}
}

// Validate checks the data-model invariants that must hold for any
// edge admitted to the live graph (I2, I3).
func (e *EdgeState) Validate() error {
	if e.HTLCMinMsat > e.HTLCMaxMsat {
		return fmt.Errorf("edge %s: htlc_min %d > htlc_max %d", e.Key(), e.HTLCMinMsat, e.HTLCMaxMsat)
	}
	if e.HTLCMaxMsat > e.AmountMsat {
		return fmt.Errorf("edge %s: htlc_max %d > capacity %d", e.Key(), e.HTLCMaxMsat, e.AmountMsat)
	}
	if e.LiquidityMsat > e.HTLCMaxMsat {
		return fmt.Errorf("edge %s: liquidity %d > htlc_max %d", e.Key(), e.LiquidityMsat, e.HTLCMaxMsat)
	}
	return nil
}

// applyPolicy merges a channel_update into the edge's policy fields.
func (e *EdgeState) applyPolicy(u PolicyUpdate) {
	e.BaseFeeMsat = u.BaseFeeMsat
	e.FeePPM = u.FeePPM
	e.CLTVDelta = u.CLTVDelta
	e.HTLCMinMsat = u.HTLCMinMsat
	e.HTLCMaxMsat = u.HTLCMaxMsat
	e.Active = u.Active
	e.LastUpdate = u.LastUpdate

	if e.LiquidityMsat > e.HTLCMaxMsat {
		e.LiquidityMsat = e.HTLCMaxMsat
	}
}

func newEdge(ann Announcement, dir scid.Direction, u PolicyUpdate, now uint64) *EdgeState {
	// Normalize to the lexicographic order regardless of the wire order
	// the two node ids arrived in (I4/P4).
	srcZero, dstZero := ann.NodeA, ann.NodeB
	if DirectionOf(ann.NodeA, ann.NodeB) != scid.DirZero {
		srcZero, dstZero = ann.NodeB, ann.NodeA
	}
	src, dst := srcZero, dstZero
	if dir == scid.DirOne {
		src, dst = dstZero, srcZero
	}

	e := &EdgeState{
		SCID:        ann.SCID,
		Direction:   dir,
		Source:      src,
		Destination: dst,
		AmountMsat:  ann.CapacityMsat,
		BaseFeeMsat: u.BaseFeeMsat,
		FeePPM:      u.FeePPM,
		CLTVDelta:   u.CLTVDelta,
		HTLCMinMsat: u.HTLCMinMsat,
		HTLCMaxMsat: u.HTLCMaxMsat,
		Active:      u.Active,
		LastUpdate:  u.LastUpdate,
		LiquidityAge: now,
	}
	e.LiquidityMsat = e.HTLCMaxMsat / 2
	return e
}
