package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, 3600*time.Second, cfg.RefreshAliasMapInterval)
	assert.Equal(t, 360*time.Second, cfg.ResetLiquidityInterval)
	assert.Equal(t, 0.2, cfg.DepleteUpToPercent)
	assert.Equal(t, uint64(2_000_000_000), cfg.DepleteUpToAmountMsat)
	assert.Equal(t, uint8(8), cfg.MaxHops)
	assert.Equal(t, uint16(1), cfg.ParallelJobs)
	assert.Equal(t, 120*time.Second, cfg.TimeoutPay)
	assert.Equal(t, 5, cfg.MaxHTLCCount)
	assert.Equal(t, []string{"xpay"}, cfg.InformLayers)
	assert.False(t, cfg.AutoGo)
}

func TestLoadOverridesFromOpts(t *testing.T) {
	cfg, err := Load(map[string]string{
		KeyMaxHops:            "6",
		KeyDepleteUpToPercent: "0.35",
		KeyAutoGo:             "true",
	})
	require.NoError(t, err)

	assert.Equal(t, uint8(6), cfg.MaxHops)
	assert.Equal(t, 0.35, cfg.DepleteUpToPercent)
	assert.True(t, cfg.AutoGo)
}

func TestLoadRejectsInvalidMaxHops(t *testing.T) {
	_, err := Load(map[string]string{KeyMaxHops: "1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), KeyMaxHops)
}

func TestLoadRejectsMalformedPercent(t *testing.T) {
	_, err := Load(map[string]string{KeyDepleteUpToPercent: "not-a-float"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), KeyDepleteUpToPercent)
}

func TestLoadRejectsOutOfRangePercent(t *testing.T) {
	_, err := Load(map[string]string{KeyDepleteUpToPercent: "1.5"})
	require.Error(t, err)
}

func TestLoadRejectsEmptyInformLayers(t *testing.T) {
	_, err := Load(map[string]string{KeyInformLayers: ""})
	require.Error(t, err)
}
