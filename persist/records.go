// RecordStore appends every completed or failed rebalance attempt to a
// per-channel, newline-delimited JSON log (§6's "<scid>_successes.json"
// / "<scid>_failures.json"), implementing rebalance.Recorder. It also
// prunes those logs by age or count, the body of the scheduler's daily
// stats-prune job and of the `-stats` CLI read path (§6 config keys
// stats-delete-*-age/size).
package persist

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/lightningnetwork/sling/rebalance"
	"github.com/lightningnetwork/sling/scid"
)

// RecordStore is the directory every per-channel success/failure log
// lives under.
type RecordStore struct {
	dir string
}

// NewRecordStore returns a RecordStore rooted at dir.
func NewRecordStore(dir string) *RecordStore {
	return &RecordStore{dir: dir}
}

func (s *RecordStore) successPath(id scid.ID) string {
	return filepath.Join(s.dir, id.String()+"_successes.json")
}

func (s *RecordStore) failurePath(id scid.ID) string {
	return filepath.Join(s.dir, id.String()+"_failures.json")
}

// DeleteLogs removes ownSCID's success and failure logs entirely, the
// body of `-deletejob`'s optional delete_stats flag.
func (s *RecordStore) DeleteLogs(ownSCID scid.ID) error {
	for _, path := range []string{s.successPath(ownSCID), s.failurePath(ownSCID)} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// RecordSuccess implements rebalance.Recorder.
func (s *RecordStore) RecordSuccess(ownSCID scid.ID, rec rebalance.SuccessReb) {
	if err := appendLine(s.successPath(ownSCID), rec); err != nil {
		log.Errorf("recording success for %s: %v", ownSCID, err)
	}
}

// RecordFailure implements rebalance.Recorder.
func (s *RecordStore) RecordFailure(ownSCID scid.ID, rec rebalance.FailureReb) {
	if err := appendLine(s.failurePath(ownSCID), rec); err != nil {
		log.Errorf("recording failure for %s: %v", ownSCID, err)
	}
}

func appendLine(path string, v any) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = f.Write(data)
	return err
}

// ReadSuccesses returns every success record logged for ownSCID,
// oldest first, for the `-stats` CLI surface.
func (s *RecordStore) ReadSuccesses(ownSCID scid.ID) ([]rebalance.SuccessReb, error) {
	var out []rebalance.SuccessReb
	err := readLines(s.successPath(ownSCID), func(line []byte) error {
		var rec rebalance.SuccessReb
		if err := json.Unmarshal(line, &rec); err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

// ReadFailures returns every failure record logged for ownSCID, oldest
// first.
func (s *RecordStore) ReadFailures(ownSCID scid.ID) ([]rebalance.FailureReb, error) {
	var out []rebalance.FailureReb
	err := readLines(s.failurePath(ownSCID), func(line []byte) error {
		var rec rebalance.FailureReb
		if err := json.Unmarshal(line, &rec); err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

func readLines(path string, fn func(line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	return sc.Err()
}

// PruneConfig bounds how long and how many entries a per-channel log
// retains, matching §6's stats-delete-*-age/size config keys. A zero
// field means that bound doesn't apply.
type PruneConfig struct {
	SuccessesMaxAge  time.Duration
	SuccessesMaxSize int
	FailuresMaxAge   time.Duration
	FailuresMaxSize  int
}

// PruneAll walks every *_successes.json / *_failures.json file under
// the store's directory and rewrites it with old or over-the-cap
// entries dropped. Matches the scheduler's §4.I daily stats-prune job.
func (s *RecordStore) PruneAll(now time.Time, cfg PruneConfig) error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		path := filepath.Join(s.dir, name)

		switch {
		case hasSuffix(name, "_successes.json"):
			if err := pruneFile(path, now, cfg.SuccessesMaxAge, cfg.SuccessesMaxSize, successTimestamp); err != nil {
				log.Warnf("pruning %s: %v", path, err)
			}
		case hasSuffix(name, "_failures.json"):
			if err := pruneFile(path, now, cfg.FailuresMaxAge, cfg.FailuresMaxSize, failureTimestamp); err != nil {
				log.Warnf("pruning %s: %v", path, err)
			}
		}
	}
	return nil
}

func successTimestamp(line []byte) (time.Time, bool) {
	var rec rebalance.SuccessReb
	if err := json.Unmarshal(line, &rec); err != nil {
		return time.Time{}, false
	}
	return rec.CompletedAt, true
}

func failureTimestamp(line []byte) (time.Time, bool) {
	var rec rebalance.FailureReb
	if err := json.Unmarshal(line, &rec); err != nil {
		return time.Time{}, false
	}
	return rec.Timestamp, true
}

func pruneFile(path string, now time.Time, maxAge time.Duration, maxSize int, tsOf func([]byte) (time.Time, bool)) error {
	var lines [][]byte
	err := readLines(path, func(line []byte) error {
		cp := make([]byte, len(line))
		copy(cp, line)
		lines = append(lines, cp)
		return nil
	})
	if err != nil {
		return err
	}

	type entry struct {
		line []byte
		at   time.Time
	}
	kept := make([]entry, 0, len(lines))
	for _, line := range lines {
		at, ok := tsOf(line)
		if !ok {
			continue
		}
		if maxAge > 0 && now.Sub(at) > maxAge {
			continue
		}
		kept = append(kept, entry{line: line, at: at})
	}

	sort.Slice(kept, func(i, j int) bool { return kept[i].at.Before(kept[j].at) })
	if maxSize > 0 && len(kept) > maxSize {
		kept = kept[len(kept)-maxSize:]
	}

	if len(kept) == len(lines) {
		return nil
	}

	out := make([]byte, 0, 256*len(kept))
	for _, e := range kept {
		out = append(out, e.line...)
		out = append(out, '\n')
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}
