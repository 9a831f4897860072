package gossip

import (
	"time"

	"github.com/btcsuite/btclog"
	"github.com/lightningnetwork/sling/graph"
	"github.com/lightningnetwork/sling/logsub"
)

var log btclog.Logger = logsub.Logger("GSIP")

// Apply ingests a batch of decoded events into g. It is the glue
// between the stateless decoder and the graph store, and is itself
// side-effect free beyond mutating g (no I/O), so it can be called
// identically regardless of how the byte stream was chunked (P3).
func Apply(events []Event, g *graph.Graph, now time.Time) {
	for _, ev := range events {
		switch ev.Kind {
		case EventAnnouncement:
			g.UpsertAnnouncement(ev.Ann, now)
		case EventUpdate:
			g.UpsertUpdate(ev.SCID, ev.Upd, now)
		case EventDelete:
			g.Remove(ev.SCID)
		}
	}
}
