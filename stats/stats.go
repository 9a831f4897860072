// Package stats implements the `-stats [scid] [json]` RPC surface
// named in §6: turning the per-channel success/failure logs package
// persist keeps into the table and JSON renderings an operator reads.
// Grounded on the teacher's htlcswitch.go, which formats the same
// msat/sat amounts through btcutil.Amount for its own debug summaries.
package stats

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/btcsuite/btcutil"

	"github.com/lightningnetwork/sling/persist"
	"github.com/lightningnetwork/sling/scid"
)

// Summary is one channel's aggregated rebalance history, the unit the
// `-stats` call returns one of per known job (or filters to a single
// scid, per §6).
type Summary struct {
	SCID scid.ID `json:"scid"`

	SuccessCount       int     `json:"success_count"`
	SuccessAmountMsat  uint64  `json:"success_amount_msat"`
	AvgEffectivePPM    float64 `json:"avg_effective_ppm"`
	LastSuccess        *time.Time `json:"last_success,omitempty"`

	FailureCount int        `json:"failure_count"`
	LastFailure  *time.Time `json:"last_failure,omitempty"`
}

// Build aggregates the persisted logs for every scid in ids (in
// order), reading through store.
func Build(store *persist.RecordStore, ids []scid.ID) ([]Summary, error) {
	out := make([]Summary, 0, len(ids))
	for _, id := range ids {
		s, err := buildOne(store, id)
		if err != nil {
			return nil, fmt.Errorf("stats: %s: %w", id, err)
		}
		out = append(out, s)
	}
	return out, nil
}

func buildOne(store *persist.RecordStore, id scid.ID) (Summary, error) {
	successes, err := store.ReadSuccesses(id)
	if err != nil {
		return Summary{}, err
	}
	failures, err := store.ReadFailures(id)
	if err != nil {
		return Summary{}, err
	}

	s := Summary{SCID: id, SuccessCount: len(successes), FailureCount: len(failures)}

	var ppmTotal float64
	for i, rec := range successes {
		s.SuccessAmountMsat += rec.AmountMsat
		ppmTotal += float64(rec.EffectivePPM)
		if i == len(successes)-1 {
			at := rec.CompletedAt
			s.LastSuccess = &at
		}
	}
	if len(successes) > 0 {
		s.AvgEffectivePPM = ppmTotal / float64(len(successes))
	}
	if n := len(failures); n > 0 {
		at := failures[n-1].Timestamp
		s.LastFailure = &at
	}
	return s, nil
}

// FormatJSON writes summaries as a JSON array, the `-stats ... json`
// form.
func FormatJSON(w io.Writer, summaries []Summary) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(summaries)
}

// FormatTable writes summaries as an aligned, human-readable table
// (the TOTAL column truncates msats to whole sats and prints them via
// btcutil.Amount, which renders in BTC) — the default `-stats` form.
func FormatTable(w io.Writer, summaries []Summary) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SCID\tSUCCESSES\tFAILURES\tTOTAL\tAVG PPM\tLAST ACTIVITY")

	for _, s := range summaries {
		sats := btcutil.Amount(s.SuccessAmountMsat / 1000)
		last := lastActivity(s)
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%.0f\t%s\n",
			s.SCID, s.SuccessCount, s.FailureCount, sats, s.AvgEffectivePPM, last)
	}
	return tw.Flush()
}

func lastActivity(s Summary) string {
	var last time.Time
	switch {
	case s.LastSuccess != nil && s.LastFailure != nil:
		last = *s.LastSuccess
		if s.LastFailure.After(last) {
			last = *s.LastFailure
		}
	case s.LastSuccess != nil:
		last = *s.LastSuccess
	case s.LastFailure != nil:
		last = *s.LastFailure
	default:
		return "never"
	}
	return last.Format(time.RFC3339)
}

// PruneConfigFrom adapts the §6 config keys into persist.PruneConfig,
// the glue the scheduler's daily stats-prune job (§4.I) applies to
// every known scid's logs.
func PruneConfigFrom(successMaxAge time.Duration, successMaxSize int, failureMaxAge time.Duration, failureMaxSize int) persist.PruneConfig {
	return persist.PruneConfig{
		SuccessesMaxAge:  successMaxAge,
		SuccessesMaxSize: successMaxSize,
		FailuresMaxAge:   failureMaxAge,
		FailuresMaxSize:  failureMaxSize,
	}
}
