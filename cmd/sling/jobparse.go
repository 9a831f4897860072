package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/lightningnetwork/sling/job"
	"github.com/lightningnetwork/sling/scid"
)

// parseJobArgs decodes one `sling-job`/`sling-once` call into a Job,
// matching original_source/src/main.rs's positional argument order:
// "scid direction amount maxppm [outppm] [target] [maxhops]
// [candidates] [depleteuptopercent] [depleteuptoamount] [paralleljobs]"
// for a regular job, with "onceamount" inserted after maxppm (and
// target dropped) for a one-shot job.
func parseJobArgs(pr *paramReader, once bool) (scid.ID, job.Job, error) {
	scidStr, ok := pr.str("scid", 0)
	if !ok {
		return 0, job.Job{}, fmt.Errorf("job: missing scid")
	}
	ownSCID, err := scid.Parse(scidStr)
	if err != nil {
		return 0, job.Job{}, fmt.Errorf("job: %w", err)
	}

	dirStr, ok := pr.str("direction", 1)
	if !ok {
		return 0, job.Job{}, fmt.Errorf("job: missing direction")
	}
	dir, err := job.ParseSatDirection(dirStr)
	if err != nil {
		return 0, job.Job{}, fmt.Errorf("job: %w", err)
	}

	amountStr, ok := pr.str("amount", 2)
	if !ok {
		return 0, job.Job{}, fmt.Errorf("job: missing amount")
	}
	amount, err := strconv.ParseUint(amountStr, 10, 64)
	if err != nil {
		return 0, job.Job{}, fmt.Errorf("job: amount: %w", err)
	}

	maxppmStr, ok := pr.str("maxppm", 3)
	if !ok {
		return 0, job.Job{}, fmt.Errorf("job: missing maxppm")
	}
	maxppm, err := strconv.ParseUint(maxppmStr, 10, 32)
	if err != nil {
		return 0, job.Job{}, fmt.Errorf("job: maxppm: %w", err)
	}

	j := job.Job{
		SatDirection: dir,
		AmountMsat:   amount,
		MaxPPM:       uint32(maxppm),
		ParallelJobs: 1,
	}

	outIdx, maxHopsIdx, candIdx, percentIdx, amountCapIdx, parallelIdx := 4, 6, 7, 8, 9, 10
	if once {
		onceStr, ok := pr.str("onceamount", 4)
		if !ok {
			return 0, job.Job{}, fmt.Errorf("once: missing onceamount")
		}
		onceAmt, err := strconv.ParseUint(onceStr, 10, 64)
		if err != nil {
			return 0, job.Job{}, fmt.Errorf("once: onceamount: %w", err)
		}
		j.OnceAmountMsat = &onceAmt
		outIdx = 5
	} else if targetStr, ok := pr.str("target", 5); ok {
		target, err := strconv.ParseFloat(targetStr, 64)
		if err != nil {
			return 0, job.Job{}, fmt.Errorf("job: target: %w", err)
		}
		j.Target = &target
	}

	if outStr, ok := pr.str("outppm", outIdx); ok {
		outppm, err := strconv.ParseUint(outStr, 10, 64)
		if err != nil {
			return 0, job.Job{}, fmt.Errorf("job: outppm: %w", err)
		}
		j.OutPPM = &outppm
	}
	if maxHopsStr, ok := pr.str("maxhops", maxHopsIdx); ok {
		maxHops, err := strconv.ParseUint(maxHopsStr, 10, 8)
		if err != nil {
			return 0, job.Job{}, fmt.Errorf("job: maxhops: %w", err)
		}
		j.MaxHops = uint8(maxHops)
	}
	if candStr, ok := pr.str("candidates", candIdx); ok {
		ids, err := parseCandidateList(candStr)
		if err != nil {
			return 0, job.Job{}, err
		}
		j.Candidates = ids
	}
	if percentStr, ok := pr.str("depleteuptopercent", percentIdx); ok {
		percent, err := strconv.ParseFloat(percentStr, 64)
		if err != nil {
			return 0, job.Job{}, fmt.Errorf("job: depleteuptopercent: %w", err)
		}
		j.DepleteUpToPercent = percent
	}
	if amtStr, ok := pr.str("depleteuptoamount", amountCapIdx); ok {
		amt, err := strconv.ParseUint(amtStr, 10, 64)
		if err != nil {
			return 0, job.Job{}, fmt.Errorf("job: depleteuptoamount: %w", err)
		}
		j.DepleteUpToAmountMsat = amt
	}
	if parStr, ok := pr.str("paralleljobs", parallelIdx); ok {
		par, err := strconv.ParseUint(parStr, 10, 16)
		if err != nil {
			return 0, job.Job{}, fmt.Errorf("job: paralleljobs: %w", err)
		}
		j.ParallelJobs = uint16(par)
	}

	if err := j.Validate(); err != nil {
		return 0, job.Job{}, err
	}
	return ownSCID, j, nil
}

// parseCandidateList splits a comma- or space-separated scid list, the
// form `-k candidates=...` hands the plugin.
func parseCandidateList(s string) (map[scid.ID]struct{}, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' })
	out := make(map[scid.ID]struct{}, len(fields))
	for _, f := range fields {
		id, err := scid.Parse(f)
		if err != nil {
			return nil, fmt.Errorf("job: candidates: %w", err)
		}
		out[id] = struct{}{}
	}
	return out, nil
}
