// Package gossipsrc is the external collaborator that supplies raw
// gossip_store bytes to the stateless decoder in package gossip (§4.A,
// §7 "Gossip store"). It owns the file handle, the startup version
// check, and the buffer/cursor dance that lets an incomplete trailing
// record be re-read whole once more bytes land on disk.
package gossipsrc

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/btcsuite/btclog"
	"github.com/lightningnetwork/sling/gossip"
	"github.com/lightningnetwork/sling/graph"
	"github.com/lightningnetwork/sling/logsub"
)

var log btclog.Logger = logsub.Logger("GSIP")

// chunkSize is the fixed-size read buffer size (§4.A: "~1 MiB").
const chunkSize = 1024 * 1024

// Source tails a CLN gossip_store file, feeding newly appended bytes
// through the decoder and applying the resulting events to a graph.
type Source struct {
	path      string
	file      *os.File
	isStartup bool
	buf       []byte
}

// Open opens the gossip_store file at path. The version byte is
// checked on the first Tick call, matching the decoder's own
// "is_startup" contract.
func Open(path string) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("gossipsrc: open %s: %w", path, err)
	}
	return &Source{
		path:      path,
		file:      f,
		isStartup: true,
		buf:       make([]byte, chunkSize),
	}, nil
}

// Close releases the underlying file handle.
func (s *Source) Close() error {
	return s.file.Close()
}

// Tick drains every complete record currently available in the file,
// applying events to g, and returns how many records were applied.
// It is safe to call repeatedly as the host appends to the store; an
// incomplete trailing record is left for the next call by seeking the
// file back to its start (§4.A).
func (s *Source) Tick(g *graph.Graph, now time.Time) (int, error) {
	if s.isStartup {
		var v [1]byte
		if _, err := io.ReadFull(s.file, v[:]); err != nil {
			return 0, fmt.Errorf("gossipsrc: reading version byte: %w", err)
		}
		if err := gossip.CheckVersion(v[0]); err != nil {
			return 0, err
		}
		s.isStartup = false
	}

	applied := 0
	for {
		n, err := s.file.Read(s.buf)
		if n == 0 {
			if err != nil && err != io.EOF {
				return applied, fmt.Errorf("gossipsrc: reading %s: %w", s.path, err)
			}
			return applied, nil
		}

		events, consumed := gossip.ParseChunk(s.buf[:n])
		gossip.Apply(events, g, now)
		applied += len(events)

		if consumed < n {
			if _, err := s.file.Seek(int64(consumed-n), io.SeekCurrent); err != nil {
				return applied, fmt.Errorf("gossipsrc: rewinding %s: %w", s.path, err)
			}
			// A short read this pass means the straddling record's
			// remainder hasn't been written yet; wait for the next tick.
			if n < len(s.buf) {
				return applied, nil
			}
			continue
		}

		if n < len(s.buf) {
			return applied, nil
		}
	}
}
