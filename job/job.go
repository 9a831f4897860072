// Package job holds the Job configuration type that drives one
// channel's rebalancing (§3 "Job") and the pure predicates over it
// that the candidate selector, path finder, and rebalance task share.
package job

import (
	"fmt"
	"strings"

	"github.com/lightningnetwork/sling/scid"
)

// SatDirection is whether a job pulls liquidity toward us or pushes
// it away, on the named channel.
type SatDirection int

const (
	// Pull increases to_us_msat on the job's channel.
	Pull SatDirection = iota
	// Push decreases to_us_msat on the job's channel.
	Push
)

func (d SatDirection) String() string {
	if d == Push {
		return "push"
	}
	return "pull"
}

// ParseSatDirection accepts "pull"/"push" (case-insensitive).
func ParseSatDirection(s string) (SatDirection, error) {
	switch strings.ToLower(s) {
	case "pull":
		return Pull, nil
	case "push":
		return Push, nil
	default:
		return 0, fmt.Errorf("job: invalid direction %q", s)
	}
}

const (
	// DefaultMaxHops is applied when a job doesn't set MaxHops.
	DefaultMaxHops = 8
	// DefaultTarget is the to_us-fraction balance point.
	DefaultTarget = 0.5
	// minHopsAllowed is the lowest maxhops a job may configure.
	minHopsAllowed = 2
)

// Job is one channel's rebalancing configuration (§3).
type Job struct {
	SatDirection SatDirection
	AmountMsat   uint64
	MaxPPM       uint32
	OutPPM       *uint64
	MaxHops      uint8
	Candidates   map[scid.ID]struct{}
	Target       *float64

	DepleteUpToPercent    float64
	DepleteUpToAmountMsat uint64
	ParallelJobs          uint16
	OnceAmountMsat        *uint64
}

// Validate checks the invariants from §3 plus the "at least one of
// outppm/candidates" rule original_source/src/parse.rs enforces (not
// stated in §3, supplemented here since nothing in the Non-goals
// excludes job validation).
func (j *Job) Validate() error {
	if j.AmountMsat == 0 {
		return fmt.Errorf("job: amount must be > 0")
	}
	hops := j.MaxHops
	if hops == 0 {
		hops = DefaultMaxHops
	}
	if hops < minHopsAllowed {
		return fmt.Errorf("job: maxhops must be >= %d", minHopsAllowed)
	}
	if j.DepleteUpToPercent < 0 || j.DepleteUpToPercent >= 1 {
		return fmt.Errorf("job: depleteuptopercent must be in [0,1)")
	}
	if j.ParallelJobs == 0 {
		return fmt.Errorf("job: paralleljobs must be >= 1")
	}
	if j.Target != nil && (*j.Target < 0 || *j.Target > 1) {
		return fmt.Errorf("job: target must be in [0,1]")
	}
	if j.OutPPM == nil && len(j.Candidates) == 0 {
		return fmt.Errorf("job: at least one of outppm and candidates must be set")
	}
	if j.OnceAmountMsat != nil && *j.OnceAmountMsat%j.AmountMsat != 0 {
		return fmt.Errorf("job: onceamount must be a multiple of amount")
	}
	return nil
}

// EffectiveMaxHops returns MaxHops or DefaultMaxHops.
func (j *Job) EffectiveMaxHops() uint8 {
	if j.MaxHops == 0 {
		return DefaultMaxHops
	}
	return j.MaxHops
}

// EffectiveTarget returns Target or DefaultTarget.
func (j *Job) EffectiveTarget() float64 {
	if j.Target == nil {
		return DefaultTarget
	}
	return *j.Target
}

// IsBalanced reports whether the job's channel has already reached
// its target to-us fraction, so the rebalance task should idle
// (§4.F step 2).
func (j *Job) IsBalanced(toUsMsat, totalMsat uint64) bool {
	if totalMsat == 0 {
		return true
	}
	frac := float64(toUsMsat) / float64(totalMsat)
	target := j.EffectiveTarget()

	if j.SatDirection == Pull {
		return frac >= target
	}
	return frac <= target
}

// LiquidityTarget computes the minimum spendable/receivable threshold
// a candidate's "other side" channel must clear (§4.D step 9).
func (j *Job) LiquidityTarget(totalMsat uint64) uint64 {
	byPercent := j.DepleteUpToPercent * float64(totalMsat)
	byAmount := float64(j.DepleteUpToAmountMsat)

	capped := byPercent
	if byAmount < capped {
		capped = byAmount
	}

	floor := float64(j.AmountMsat + 10_000_000)
	if floor > capped {
		return uint64(floor)
	}
	return uint64(capped)
}
