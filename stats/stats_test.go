package stats

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightningnetwork/sling/persist"
	"github.com/lightningnetwork/sling/rebalance"
	"github.com/lightningnetwork/sling/scid"
)

func TestBuildAggregatesSuccessesAndFailures(t *testing.T) {
	dir := t.TempDir()
	store := persist.NewRecordStore(dir)
	id := scid.New(1, 1, 0)

	store.RecordSuccess(id, rebalance.SuccessReb{AmountMsat: 1_000_000, EffectivePPM: 100, CompletedAt: time.Unix(100, 0)})
	store.RecordSuccess(id, rebalance.SuccessReb{AmountMsat: 2_000_000, EffectivePPM: 200, CompletedAt: time.Unix(200, 0)})
	store.RecordFailure(id, rebalance.FailureReb{Timestamp: time.Unix(150, 0)})

	summaries, err := Build(store, []scid.ID{id})
	require.NoError(t, err)
	require.Len(t, summaries, 1)

	s := summaries[0]
	assert.Equal(t, 2, s.SuccessCount)
	assert.Equal(t, 1, s.FailureCount)
	assert.Equal(t, uint64(3_000_000), s.SuccessAmountMsat)
	assert.Equal(t, float64(150), s.AvgEffectivePPM)
	require.NotNil(t, s.LastSuccess)
	assert.Equal(t, int64(200), s.LastSuccess.Unix())
}

func TestFormatTableAndJSONProduceOutput(t *testing.T) {
	summaries := []Summary{{SCID: scid.New(1, 1, 0), SuccessCount: 1, FailureCount: 0, SuccessAmountMsat: 1_000_000}}

	var table bytes.Buffer
	require.NoError(t, FormatTable(&table, summaries))
	assert.Contains(t, table.String(), "SCID")

	var js bytes.Buffer
	require.NoError(t, FormatJSON(&js, summaries))
	assert.Contains(t, js.String(), "success_count")
}

func TestBuildEmptyLogsYieldsZeroSummary(t *testing.T) {
	dir := t.TempDir()
	store := persist.NewRecordStore(dir)
	id := scid.New(9, 1, 0)

	summaries, err := Build(store, []scid.ID{id})
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, 0, summaries[0].SuccessCount)
	assert.Equal(t, "never", lastActivity(summaries[0]))
}
