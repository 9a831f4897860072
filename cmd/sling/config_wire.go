package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/lightningnetwork/sling/config"
	"github.com/lightningnetwork/sling/plugin"
)

// configOptions declares every §6 Config option in getmanifest form.
// All of them are dynamic: §6 notes "each dynamic at runtime unless
// noted", and none are noted otherwise.
func configOptions() []plugin.Option {
	return []plugin.Option{
		{Name: "sling-" + config.KeyRefreshAliasMapInterval, Type: "int", Default: 3600, Dynamic: true,
			Description: "Interval in seconds between refreshing the local scid-alias map."},
		{Name: "sling-" + config.KeyResetLiquidityInterval, Type: "int", Default: 360, Dynamic: true,
			Description: "Interval in seconds between decaying learned liquidity back toward unknown."},
		{Name: "sling-" + config.KeyDepleteUpToPercent, Type: "string", Default: "0.2", Dynamic: true,
			Description: "Fraction of a candidate channel's capacity that must remain after a rebalance."},
		{Name: "sling-" + config.KeyDepleteUpToAmount, Type: "int", Default: 2_000_000_000, Dynamic: true,
			Description: "Absolute msat floor that must remain on a candidate channel's other side."},
		{Name: "sling-" + config.KeyMaxHops, Type: "int", Default: 8, Dynamic: true,
			Description: "Maximum route length a rebalance path may use."},
		{Name: "sling-" + config.KeyCandidatesMinAge, Type: "int", Default: 0, Dynamic: true,
			Description: "Minimum channel age, in blocks, for candidate eligibility."},
		{Name: "sling-" + config.KeyParallelJobs, Type: "int", Default: 1, Dynamic: true,
			Description: "Default number of parallel slots for a job that doesn't set its own."},
		{Name: "sling-" + config.KeyTimeoutPay, Type: "int", Default: 120, Dynamic: true,
			Description: "Seconds to wait for a rebalance payment before treating it as stuck."},
		{Name: "sling-" + config.KeyMaxHTLCCount, Type: "int", Default: 5, Dynamic: true,
			Description: "Maximum pending HTLCs a channel may carry before it's skipped."},
		{Name: "sling-" + config.KeyStatsDeleteFailuresAge, Type: "int", Default: 30, Dynamic: true,
			Description: "Max age in days of kept failure records, 0 disables."},
		{Name: "sling-" + config.KeyStatsDeleteFailuresSize, Type: "int", Default: 10_000, Dynamic: true,
			Description: "Max count of kept failure records, 0 disables."},
		{Name: "sling-" + config.KeyStatsDeleteSuccessesAge, Type: "int", Default: 30, Dynamic: true,
			Description: "Max age in days of kept success records, 0 disables."},
		{Name: "sling-" + config.KeyStatsDeleteSuccessesSize, Type: "int", Default: 10_000, Dynamic: true,
			Description: "Max count of kept success records, 0 disables."},
		{Name: "sling-" + config.KeyInformLayers, Type: "string", Default: "xpay", Dynamic: true,
			Description: "Space-separated list of inform layers to push constrained-liquidity hints to."},
		{Name: "sling-" + config.KeyAutoGo, Type: "bool", Default: false, Dynamic: true,
			Description: "Start every configured job automatically on plugin startup."},
	}
}

// slingOptionPrefix is prepended to every §6 config key when declaring
// it as a plugin option, so it doesn't collide with another plugin's
// option namespace (original_source/src/main.rs's OPT_* constants do
// the same).
const slingOptionPrefix = "sling-"

// stripSlingPrefix turns the host's "sling-foo" option keys back into
// package config's own unprefixed key names.
func stripSlingPrefix(opts map[string]string) map[string]string {
	out := make(map[string]string, len(opts))
	for k, v := range opts {
		out[strings.TrimPrefix(k, slingOptionPrefix)] = v
	}
	return out
}

// snapshotOptions renders cfg back into the raw option strings
// config.Load expects, so applySetConfig can rebuild a full Config
// from one changed key plus the rest of the last-known values.
func snapshotOptions(cfg *config.Config) map[string]string {
	return map[string]string{
		config.KeyRefreshAliasMapInterval:  strconv.FormatInt(int64(cfg.RefreshAliasMapInterval.Seconds()), 10),
		config.KeyResetLiquidityInterval:   strconv.FormatInt(int64(cfg.ResetLiquidityInterval.Seconds()), 10),
		config.KeyDepleteUpToPercent:       strconv.FormatFloat(cfg.DepleteUpToPercent, 'f', -1, 64),
		config.KeyDepleteUpToAmount:        strconv.FormatUint(cfg.DepleteUpToAmountMsat, 10),
		config.KeyMaxHops:                  strconv.FormatUint(uint64(cfg.MaxHops), 10),
		config.KeyCandidatesMinAge:         strconv.FormatUint(uint64(cfg.CandidatesMinAge), 10),
		config.KeyParallelJobs:             strconv.FormatUint(uint64(cfg.ParallelJobs), 10),
		config.KeyTimeoutPay:               strconv.FormatInt(int64(cfg.TimeoutPay.Seconds()), 10),
		config.KeyMaxHTLCCount:             strconv.Itoa(cfg.MaxHTLCCount),
		config.KeyStatsDeleteFailuresAge:   strconv.FormatInt(int64(cfg.StatsDeleteFailuresAge.Hours()/24), 10),
		config.KeyStatsDeleteFailuresSize:  strconv.Itoa(cfg.StatsDeleteFailuresSize),
		config.KeyStatsDeleteSuccessesAge:  strconv.FormatInt(int64(cfg.StatsDeleteSuccessesAge.Hours()/24), 10),
		config.KeyStatsDeleteSuccessesSize: strconv.Itoa(cfg.StatsDeleteSuccessesSize),
		config.KeyInformLayers:             strings.Join(cfg.InformLayers, " "),
		config.KeyAutoGo:                   fmt.Sprint(cfg.AutoGo),
	}
}

// parseMajorMinor extracts the first two dot-separated numeric
// components of a version string, stripping a leading "v" (§9
// "version string parsing").
func parseMajorMinor(s string) [2]int {
	s = strings.TrimPrefix(s, "v")
	parts := strings.SplitN(s, ".", 3)
	var out [2]int
	for i := 0; i < 2 && i < len(parts); i++ {
		n, err := strconv.Atoi(parts[i])
		if err != nil {
			return [2]int{}
		}
		out[i] = n
	}
	return out
}
