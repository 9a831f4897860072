package persist

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightningnetwork/sling/graph"
	"github.com/lightningnetwork/sling/job"
	"github.com/lightningnetwork/sling/rebalance"
	"github.com/lightningnetwork/sling/scid"
)

func TestJobStoreRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jobs.json")

	ownSCID := scid.New(100, 1, 0)
	candSCID := scid.New(200, 1, 0)
	target := 0.6
	j := job.Job{
		SatDirection:          job.Pull,
		AmountMsat:            1_000_000,
		MaxPPM:                500,
		MaxHops:                6,
		Candidates:             map[scid.ID]struct{}{candSCID: {}},
		Target:                 &target,
		DepleteUpToPercent:     0.1,
		DepleteUpToAmountMsat:  10_000_000_000,
		ParallelJobs:           2,
	}

	store := NewJobStore(path)
	store.Set(ownSCID, j)
	require.NoError(t, store.Flush())

	reloaded := NewJobStore(path)
	require.NoError(t, reloaded.Load())

	got, ok := reloaded.Get(ownSCID)
	require.True(t, ok)
	assert.Equal(t, job.Pull, got.SatDirection)
	assert.Equal(t, uint64(1_000_000), got.AmountMsat)
	assert.Equal(t, uint8(6), got.MaxHops)
	assert.Equal(t, uint16(2), got.ParallelJobs)
	require.NotNil(t, got.Target)
	assert.Equal(t, 0.6, *got.Target)
	_, hasCandidate := got.Candidates[candSCID]
	assert.True(t, hasCandidate)
}

func TestJobStoreDelete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.json")
	store := NewJobStore(path)
	id := scid.New(1, 1, 0)
	store.Set(id, job.Job{SatDirection: job.Push, AmountMsat: 1, MaxPPM: 1, OutPPM: ptr(uint64(1))})

	store.Delete(id)
	_, ok := store.Get(id)
	assert.False(t, ok)
}

func TestJobStoreLoadMissingFileStartsEmpty(t *testing.T) {
	store := NewJobStore(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, store.Load())
	assert.Empty(t, store.All())
}

func TestExceptStoreRoundTrips(t *testing.T) {
	dir := t.TempDir()
	store := NewExceptStore(filepath.Join(dir, "excepts.json"), filepath.Join(dir, "excepts_peers.json"))

	id := scid.New(5, 1, 0)
	var peer graph.PubKey
	peer[0] = 0x02
	peer[1] = 0xaa

	store.AddChan(id)
	store.AddPeer(peer)
	require.NoError(t, store.Flush())

	reloaded := NewExceptStore(filepath.Join(dir, "excepts.json"), filepath.Join(dir, "excepts_peers.json"))
	require.NoError(t, reloaded.Load())

	_, hasChan := reloaded.Chans()[id]
	assert.True(t, hasChan)
	_, hasPeer := reloaded.Peers()[peer]
	assert.True(t, hasPeer)
}

func TestExceptStoreRemove(t *testing.T) {
	store := NewExceptStore(filepath.Join(t.TempDir(), "a.json"), filepath.Join(t.TempDir(), "b.json"))
	id := scid.New(1, 1, 0)
	store.AddChan(id)
	store.RemoveChan(id)
	_, ok := store.Chans()[id]
	assert.False(t, ok)
}

func TestRecordStoreRoundTrips(t *testing.T) {
	dir := t.TempDir()
	store := NewRecordStore(dir)
	ownSCID := scid.New(1, 1, 0)
	partnerSCID := scid.New(2, 1, 0)

	store.RecordSuccess(ownSCID, rebalance.SuccessReb{
		AmountMsat: 1000, EffectivePPM: 50, PartnerSCID: partnerSCID, Hops: 3,
		CompletedAt: time.Unix(1000, 0),
	})
	store.RecordSuccess(ownSCID, rebalance.SuccessReb{
		AmountMsat: 2000, EffectivePPM: 75, PartnerSCID: partnerSCID, Hops: 4,
		CompletedAt: time.Unix(2000, 0),
	})
	store.RecordFailure(ownSCID, rebalance.FailureReb{
		AmountMsat: 500, Hops: 2, PartnerSCID: partnerSCID,
		Timestamp: time.Unix(1500, 0), Reason: rebalance.ReasonMiddleHopFailure,
	})

	successes, err := store.ReadSuccesses(ownSCID)
	require.NoError(t, err)
	require.Len(t, successes, 2)
	assert.Equal(t, uint64(1000), successes[0].AmountMsat)
	assert.Equal(t, uint64(2000), successes[1].AmountMsat)

	failures, err := store.ReadFailures(ownSCID)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, rebalance.ReasonMiddleHopFailure, failures[0].Reason)
}

func TestRecordStorePruneBySize(t *testing.T) {
	dir := t.TempDir()
	store := NewRecordStore(dir)
	ownSCID := scid.New(1, 1, 0)

	for i := 0; i < 5; i++ {
		store.RecordSuccess(ownSCID, rebalance.SuccessReb{
			AmountMsat: uint64(i), CompletedAt: time.Unix(int64(1000+i), 0),
		})
	}

	require.NoError(t, store.PruneAll(time.Unix(10_000, 0), PruneConfig{SuccessesMaxSize: 2}))

	successes, err := store.ReadSuccesses(ownSCID)
	require.NoError(t, err)
	require.Len(t, successes, 2)
	assert.Equal(t, uint64(3), successes[0].AmountMsat)
	assert.Equal(t, uint64(4), successes[1].AmountMsat)
}

func TestRecordStorePruneByAge(t *testing.T) {
	dir := t.TempDir()
	store := NewRecordStore(dir)
	ownSCID := scid.New(1, 1, 0)

	store.RecordFailure(ownSCID, rebalance.FailureReb{Timestamp: time.Unix(0, 0)})
	store.RecordFailure(ownSCID, rebalance.FailureReb{Timestamp: time.Unix(1_000_000, 0)})

	now := time.Unix(1_000_000, 0)
	require.NoError(t, store.PruneAll(now, PruneConfig{FailuresMaxAge: time.Hour}))

	failures, err := store.ReadFailures(ownSCID)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, int64(1_000_000), failures[0].Timestamp.Unix())
}

func ptr[T any](v T) *T { return &v }
