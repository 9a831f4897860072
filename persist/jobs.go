// Package persist implements the JSON-file persistence named in §6:
// the job list, the two exceptions lists, and the per-channel
// success/failure logs. The liquidity snapshot is already owned by
// graph.Oracle (§4.C); this package covers everything else.
//
// Every writer here follows the same atomic-rename pattern
// graph.Oracle.Save uses: marshal to a temp file, then os.Rename over
// the real path, so a crash mid-write never leaves a half-written
// jobs.json behind.
package persist

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/btcsuite/btclog"

	"github.com/lightningnetwork/sling/job"
	"github.com/lightningnetwork/sling/logsub"
	"github.com/lightningnetwork/sling/scid"
)

var log btclog.Logger = logsub.Logger("SLNG")

// jobWire is job.Job's on-disk shape: Candidates as a readable scid
// string array instead of a map, matching how excepts.json stores
// scids (§6).
type jobWire struct {
	SatDirection          string   `json:"sat_direction"`
	AmountMsat            uint64   `json:"amount_msat"`
	MaxPPM                uint32   `json:"maxppm"`
	OutPPM                *uint64  `json:"outppm,omitempty"`
	MaxHops               uint8    `json:"maxhops"`
	Candidates            []string `json:"candidates,omitempty"`
	Target                *float64 `json:"target,omitempty"`
	DepleteUpToPercent    float64  `json:"depleteuptopercent"`
	DepleteUpToAmountMsat uint64   `json:"depleteuptoamount"`
	ParallelJobs          uint16   `json:"paralleljobs"`
	OnceAmountMsat        *uint64  `json:"onceamount,omitempty"`
}

func toWire(j job.Job) jobWire {
	w := jobWire{
		SatDirection:          j.SatDirection.String(),
		AmountMsat:            j.AmountMsat,
		MaxPPM:                j.MaxPPM,
		OutPPM:                j.OutPPM,
		MaxHops:               j.MaxHops,
		Target:                j.Target,
		DepleteUpToPercent:    j.DepleteUpToPercent,
		DepleteUpToAmountMsat: j.DepleteUpToAmountMsat,
		ParallelJobs:          j.ParallelJobs,
		OnceAmountMsat:        j.OnceAmountMsat,
	}
	for id := range j.Candidates {
		w.Candidates = append(w.Candidates, id.String())
	}
	return w
}

func fromWire(w jobWire) (job.Job, error) {
	dir, err := job.ParseSatDirection(w.SatDirection)
	if err != nil {
		return job.Job{}, err
	}
	j := job.Job{
		SatDirection:          dir,
		AmountMsat:            w.AmountMsat,
		MaxPPM:                w.MaxPPM,
		OutPPM:                w.OutPPM,
		MaxHops:               w.MaxHops,
		Target:                w.Target,
		DepleteUpToPercent:    w.DepleteUpToPercent,
		DepleteUpToAmountMsat: w.DepleteUpToAmountMsat,
		ParallelJobs:          w.ParallelJobs,
		OnceAmountMsat:        w.OnceAmountMsat,
	}
	for _, raw := range w.Candidates {
		id, err := scid.Parse(raw)
		if err != nil {
			return job.Job{}, err
		}
		if j.Candidates == nil {
			j.Candidates = make(map[scid.ID]struct{})
		}
		j.Candidates[id] = struct{}{}
	}
	return j, nil
}

// JobStore is the scid -> Job map persisted to jobs.json (§6), read
// once at startup and flushed on every mutating CLI call plus on
// shutdown (§4.I's JobPersister hook).
type JobStore struct {
	mu   sync.Mutex
	path string
	jobs map[scid.ID]job.Job
}

// NewJobStore returns a JobStore backed by path, empty until Load is
// called.
func NewJobStore(path string) *JobStore {
	return &JobStore{path: path, jobs: make(map[scid.ID]job.Job)}
}

// Load populates the store from path. A missing file starts empty; a
// malformed file is logged and also starts empty, matching
// graph.Oracle.Load's "never fail startup over a bad snapshot" rule.
func (s *JobStore) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var raw map[string]jobWire
	if err := json.Unmarshal(data, &raw); err != nil {
		log.Warnf("jobs file %s has unexpected schema, starting empty: %v", s.path, err)
		return nil
	}

	jobs := make(map[scid.ID]job.Job, len(raw))
	for key, w := range raw {
		id, err := scid.Parse(key)
		if err != nil {
			log.Warnf("jobs file %s: skipping malformed scid %q: %v", s.path, key, err)
			continue
		}
		j, err := fromWire(w)
		if err != nil {
			log.Warnf("jobs file %s: skipping job %q: %v", s.path, key, err)
			continue
		}
		jobs[id] = j
	}

	s.mu.Lock()
	s.jobs = jobs
	s.mu.Unlock()
	return nil
}

// Set installs or replaces the job configured for ownSCID (the -job
// CLI call).
func (s *JobStore) Set(ownSCID scid.ID, j job.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[ownSCID] = j
}

// Delete removes ownSCID's job, if any (the -deletejob CLI call).
func (s *JobStore) Delete(ownSCID scid.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, ownSCID)
}

// Get returns ownSCID's configured job, if any.
func (s *JobStore) Get(ownSCID scid.ID) (job.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[ownSCID]
	return j, ok
}

// All returns a value copy of the full job set, for the -jobsettings
// listing and for the scheduler to hand out to the task registry.
func (s *JobStore) All() map[scid.ID]job.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[scid.ID]job.Job, len(s.jobs))
	for id, j := range s.jobs {
		out[id] = j
	}
	return out
}

// Flush writes the current job set to path atomically, implementing
// scheduler.JobPersister.
func (s *JobStore) Flush() error {
	s.mu.Lock()
	raw := make(map[string]jobWire, len(s.jobs))
	for id, j := range s.jobs {
		raw[id.String()] = toWire(j)
	}
	s.mu.Unlock()

	return writeAtomic(s.path, raw)
}

// writeAtomic marshals v and writes it to path via a temp-file
// rename, the same crash-safe pattern graph.Oracle.Save uses.
func writeAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
