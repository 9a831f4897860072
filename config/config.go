// Package config holds the dynamic plugin options named in §6's Config
// table, bound through github.com/spf13/viper the way gocryptotrader
// layers its own runtime config. CLN hands the host process option
// key/value pairs at init; Load binds them onto defaults and validates
// the result, per §9 "Config — invalid option at startup -> disable
// plugin with a human message."
package config

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

// Keys are the plugin option names CLN's init RPC call hands over,
// exactly as spelled in §6.
const (
	KeyRefreshAliasMapInterval = "refresh-aliasmap-interval"
	KeyResetLiquidityInterval  = "reset-liquidity-interval"
	KeyDepleteUpToPercent      = "depleteuptopercent"
	KeyDepleteUpToAmount       = "depleteuptoamount"
	KeyMaxHops                 = "maxhops"
	KeyCandidatesMinAge        = "candidates-min-age"
	KeyParallelJobs            = "paralleljobs"
	KeyTimeoutPay              = "timeoutpay"
	KeyMaxHTLCCount            = "max-htlc-count"
	KeyStatsDeleteFailuresAge  = "stats-delete-failures-age"
	KeyStatsDeleteFailuresSize = "stats-delete-failures-size"
	KeyStatsDeleteSuccessesAge = "stats-delete-successes-age"
	KeyStatsDeleteSuccessesSize = "stats-delete-successes-size"
	KeyInformLayers            = "inform-layers"
	KeyAutoGo                  = "autogo"
)

// Config is the validated, typed view of every dynamic option in §6.
type Config struct {
	RefreshAliasMapInterval time.Duration
	ResetLiquidityInterval  time.Duration

	DepleteUpToPercent    float64
	DepleteUpToAmountMsat uint64

	MaxHops          uint8
	CandidatesMinAge uint32
	ParallelJobs     uint16
	TimeoutPay       time.Duration
	MaxHTLCCount     int

	StatsDeleteFailuresAge    time.Duration
	StatsDeleteFailuresSize   int
	StatsDeleteSuccessesAge   time.Duration
	StatsDeleteSuccessesSize  int

	InformLayers []string
	AutoGo       bool
}

// defaults seeds v with every §6 default before options are bound, so a
// host that never sets a key still gets a valid Config.
func defaults(v *viper.Viper) {
	v.SetDefault(KeyRefreshAliasMapInterval, 3600)
	v.SetDefault(KeyResetLiquidityInterval, 360)
	v.SetDefault(KeyDepleteUpToPercent, "0.2")
	v.SetDefault(KeyDepleteUpToAmount, 2_000_000_000)
	v.SetDefault(KeyMaxHops, 8)
	v.SetDefault(KeyCandidatesMinAge, 0)
	v.SetDefault(KeyParallelJobs, 1)
	v.SetDefault(KeyTimeoutPay, 120)
	v.SetDefault(KeyMaxHTLCCount, 5)
	v.SetDefault(KeyStatsDeleteFailuresAge, 30)
	v.SetDefault(KeyStatsDeleteFailuresSize, 10_000)
	v.SetDefault(KeyStatsDeleteSuccessesAge, 30)
	v.SetDefault(KeyStatsDeleteSuccessesSize, 10_000)
	v.SetDefault(KeyInformLayers, []string{"xpay"})
	v.SetDefault(KeyAutoGo, false)
}

// Load binds opts (the raw option key/value strings the host init RPC
// handed over) on top of the §6 defaults and returns a validated
// Config. A malformed or out-of-range value is reported as a single
// wrapped error naming the offending key, so the caller can disable
// the plugin with one human-readable message rather than panicking.
func Load(opts map[string]string) (*Config, error) {
	v := viper.New()
	defaults(v)
	for k, val := range opts {
		v.Set(k, val)
	}

	percent, err := strconv.ParseFloat(fmt.Sprint(v.Get(KeyDepleteUpToPercent)), 64)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", KeyDepleteUpToPercent, err)
	}

	cfg := &Config{
		RefreshAliasMapInterval: time.Duration(v.GetInt64(KeyRefreshAliasMapInterval)) * time.Second,
		ResetLiquidityInterval:  time.Duration(v.GetInt64(KeyResetLiquidityInterval)) * time.Second,
		DepleteUpToPercent:      percent,
		DepleteUpToAmountMsat:   v.GetUint64(KeyDepleteUpToAmount),
		MaxHops:                 uint8(v.GetUint32(KeyMaxHops)),
		CandidatesMinAge:        v.GetUint32(KeyCandidatesMinAge),
		ParallelJobs:            uint16(v.GetUint32(KeyParallelJobs)),
		TimeoutPay:              time.Duration(v.GetInt64(KeyTimeoutPay)) * time.Second,
		MaxHTLCCount:            v.GetInt(KeyMaxHTLCCount),
		StatsDeleteFailuresAge:  time.Duration(v.GetInt64(KeyStatsDeleteFailuresAge)) * 24 * time.Hour,
		StatsDeleteFailuresSize: v.GetInt(KeyStatsDeleteFailuresSize),
		StatsDeleteSuccessesAge: time.Duration(v.GetInt64(KeyStatsDeleteSuccessesAge)) * 24 * time.Hour,
		StatsDeleteSuccessesSize: v.GetInt(KeyStatsDeleteSuccessesSize),
		InformLayers:            v.GetStringSlice(KeyInformLayers),
		AutoGo:                  v.GetBool(KeyAutoGo),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every bound invariant from §6's Config options table.
func (c *Config) Validate() error {
	if c.RefreshAliasMapInterval <= 0 {
		return fmt.Errorf("config: %s must be > 0", KeyRefreshAliasMapInterval)
	}
	if c.ResetLiquidityInterval <= 0 {
		return fmt.Errorf("config: %s must be > 0", KeyResetLiquidityInterval)
	}
	if c.DepleteUpToPercent < 0 || c.DepleteUpToPercent > 1 {
		return fmt.Errorf("config: %s must be in [0,1]", KeyDepleteUpToPercent)
	}
	if c.MaxHops < 2 {
		return fmt.Errorf("config: %s must be >= 2", KeyMaxHops)
	}
	if c.ParallelJobs < 1 {
		return fmt.Errorf("config: %s must be >= 1", KeyParallelJobs)
	}
	if c.TimeoutPay <= 0 {
		return fmt.Errorf("config: %s must be > 0", KeyTimeoutPay)
	}
	if c.MaxHTLCCount <= 0 {
		return fmt.Errorf("config: %s must be > 0", KeyMaxHTLCCount)
	}
	if len(c.InformLayers) == 0 {
		return fmt.Errorf("config: %s must name at least one layer", KeyInformLayers)
	}
	return nil
}
