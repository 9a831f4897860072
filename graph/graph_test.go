package graph

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/lightningnetwork/sling/scid"
)

func pk(b byte) PubKey {
	var p PubKey
	p[0] = 0x02
	p[32] = b
	return p
}

func TestDirectionConvention(t *testing.T) {
	a, b := pk(1), pk(2)
	require.True(t, a.Less(b))
	assert.Equal(t, scid.DirZero, DirectionOf(a, b))
	assert.Equal(t, scid.DirOne, DirectionOf(b, a))
}

func TestPromotionRequiresBothDirections(t *testing.T) {
	g := New()
	now := time.Unix(1_700_000_000, 0)
	id := scid.New(800_000, 1, 0)
	a, b := pk(1), pk(2)

	g.UpsertAnnouncement(Announcement{SCID: id, NodeA: a, NodeB: b, CapacityMsat: 1_000_000_000}, now)
	assert.False(t, g.Live(id))

	g.UpsertUpdate(id, PolicyUpdate{Direction: scid.DirZero, HTLCMaxMsat: 500_000_000, FeePPM: 10}, now)
	assert.False(t, g.Live(id), "still missing direction 1's update")

	g.UpsertUpdate(id, PolicyUpdate{Direction: scid.DirOne, HTLCMaxMsat: 400_000_000, FeePPM: 50}, now)
	require.True(t, g.Live(id))

	dir0, dir1, ok := g.Get(id)
	require.True(t, ok)
	assert.Equal(t, a, dir0.Source)
	assert.Equal(t, b, dir0.Destination)
	assert.Equal(t, b, dir1.Source)
	assert.Equal(t, a, dir1.Destination)
	// Seeded to half of htlc_max on promotion.
	assert.Equal(t, uint64(250_000_000), dir0.LiquidityMsat)
}

func TestDecayResetsStaleLiquidity(t *testing.T) {
	g := New()
	base := time.Unix(1_700_000_000, 0)
	id := scid.New(800_000, 1, 0)
	a, b := pk(1), pk(2)
	g.UpsertAnnouncement(Announcement{SCID: id, NodeA: a, NodeB: b, CapacityMsat: 1_000_000_000}, base)
	g.UpsertUpdate(id, PolicyUpdate{Direction: scid.DirZero, HTLCMaxMsat: 500_000_000}, base)
	g.UpsertUpdate(id, PolicyUpdate{Direction: scid.DirOne, HTLCMaxMsat: 400_000_000}, base)

	key0 := scid.Key{SCID: id, Dir: scid.DirZero}
	g.SetLiquidity(key0, 1, base)

	// Not yet stale.
	g.Decay(base.Add(5 * time.Hour))
	dir0, _, _ := g.Get(id)
	assert.Equal(t, uint64(1), dir0.LiquidityMsat)

	// Past the 6h decay window.
	g.Decay(base.Add(7 * time.Hour))
	dir0, _, _ = g.Get(id)
	assert.Equal(t, uint64(250_000_000), dir0.LiquidityMsat)
}

func TestReconcilePreservesLearnedLiquidity(t *testing.T) {
	g := New()
	now := time.Unix(1_700_000_000, 0)
	id := scid.New(800_000, 1, 0)
	a, b := pk(1), pk(2)
	g.UpsertAnnouncement(Announcement{SCID: id, NodeA: a, NodeB: b, CapacityMsat: 1_000_000_000}, now)
	g.UpsertUpdate(id, PolicyUpdate{Direction: scid.DirZero, HTLCMaxMsat: 500_000_000}, now)
	g.UpsertUpdate(id, PolicyUpdate{Direction: scid.DirOne, HTLCMaxMsat: 400_000_000}, now)
	g.SetLiquidity(scid.Key{SCID: id, Dir: scid.DirZero}, 123, now)

	other := scid.New(800_001, 1, 0)
	listing := []ChannelListing{
		{
			Ann: Announcement{SCID: id, NodeA: a, NodeB: b, CapacityMsat: 1_000_000_000},
			Upd: [2]PolicyUpdate{
				{Direction: scid.DirZero, HTLCMaxMsat: 500_000_000, FeePPM: 5},
				{Direction: scid.DirOne, HTLCMaxMsat: 400_000_000, FeePPM: 6},
			},
		},
		{
			Ann: Announcement{SCID: other, NodeA: a, NodeB: b, CapacityMsat: 2_000_000_000},
			Upd: [2]PolicyUpdate{
				{Direction: scid.DirZero, HTLCMaxMsat: 900_000_000},
				{Direction: scid.DirOne, HTLCMaxMsat: 800_000_000},
			},
		},
	}
	// id is no longer present in the listing's successor call -> dropped.
	g.Reconcile(listing, now)
	dir0, _, ok := g.Get(id)
	require.True(t, ok)
	assert.Equal(t, uint64(123), dir0.LiquidityMsat, "learned liquidity preserved across reconcile")
	assert.Equal(t, uint32(5), dir0.FeePPM, "policy refreshed from listing")

	g.Reconcile([]ChannelListing{listing[1]}, now)
	assert.False(t, g.Live(id), "dropped when absent from the next full listing")
	assert.True(t, g.Live(other))
}
