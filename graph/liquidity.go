package graph

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"golang.org/x/time/rate"

	"github.com/lightningnetwork/sling/scid"
)

// InformLayer is an external subsystem learned liquidity constraints
// can be published to (§4.C, §9 "inform layer"). Implementations are
// best-effort: the oracle swallows their errors.
type InformLayer interface {
	Name() string
	InformConstrained(ctx context.Context, key scid.Key, amountMsat uint64) error
}

// liquiditySnapshot is the persisted form of an edge's learned
// liquidity, keyed by its (scid,dir) string form (§6 liquidity.json).
type liquiditySnapshot struct {
	LiquidityMsat uint64 `json:"liquidity_msat"`
	LiquidityAge  uint64 `json:"liquidity_age"`
}

// Oracle wraps a Graph with persistence of the learned-liquidity map
// and best-effort publishing to inform layers (§4.C). It owns no
// locking of its own beyond what Graph already provides.
type Oracle struct {
	graph  *Graph
	layers []InformLayer
	limiter *rate.Limiter
}

// NewOracle returns an Oracle fronting g. informRate bounds how often
// a constrained-amount hint is pushed to the configured inform layers:
// one limiter (burst 1) is shared by every edge, and a hint that finds
// it exhausted is dropped rather than queued.
func NewOracle(g *Graph, layers []InformLayer, informRate rate.Limit) *Oracle {
	return &Oracle{
		graph:   g,
		layers:  layers,
		limiter: rate.NewLimiter(informRate, 1),
	}
}

// Load populates the graph's learned-liquidity values from a
// previously persisted snapshot file. A missing file or any decode
// error is logged and treated as "start empty" per the Persisted
// liquidity format design note — never fails plugin startup.
func (o *Oracle) Load(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warnf("liquidity snapshot %s unreadable, starting empty: %v", path, err)
		}
		return
	}

	var raw map[string]liquiditySnapshot
	if err := json.Unmarshal(data, &raw); err != nil {
		log.Warnf("liquidity snapshot %s has unexpected schema, starting empty: %v", path, err)
		return
	}

	o.graph.mu.Lock()
	defer o.graph.mu.Unlock()

	for k, snap := range raw {
		key, err := parseLiquidityKey(k)
		if err != nil {
			continue
		}
		pair, ok := o.graph.edges[key.SCID]
		if !ok {
			continue
		}
		e := pair[key.Dir]
		e.LiquidityMsat = snap.LiquidityMsat
		e.LiquidityAge = snap.LiquidityAge
	}
}

// Save writes the graph's current learned-liquidity map to path as
// stable JSON, atomically via a temp-file rename.
func (o *Oracle) Save(path string) error {
	o.graph.mu.Lock()
	raw := make(map[string]liquiditySnapshot, len(o.graph.edges)*2)
	for id, pair := range o.graph.edges {
		for dir, e := range pair {
			key := scid.Key{SCID: id, Dir: scid.Direction(dir)}
			raw[key.String()] = liquiditySnapshot{
				LiquidityMsat: e.LiquidityMsat,
				LiquidityAge:  e.LiquidityAge,
			}
		}
	}
	o.graph.mu.Unlock()

	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Inform publishes a "constrained" hint for key to every configured
// inform layer, rate limited and best-effort (§4.F mid-route error
// handling, §9 version gating is applied by the caller before adding
// layers to o.layers).
func (o *Oracle) Inform(ctx context.Context, key scid.Key, amountMsat uint64) {
	if len(o.layers) == 0 {
		return
	}
	if !o.limiter.Allow() {
		return
	}
	for _, l := range o.layers {
		if err := l.InformConstrained(ctx, key, amountMsat); err != nil {
			log.Debugf("inform layer %s: %v", l.Name(), err)
		}
	}
}

func parseLiquidityKey(raw string) (scid.Key, error) {
	// Mirrors scid.Key.String(): "<scid>/<dir>".
	var idStr string
	var dir scid.Direction
	for i := len(raw) - 1; i >= 0; i-- {
		if raw[i] == '/' {
			idStr = raw[:i]
			if raw[i+1:] == "1" {
				dir = scid.DirOne
			}
			break
		}
	}
	id, err := scid.Parse(idStr)
	if err != nil {
		return scid.Key{}, err
	}
	return scid.Key{SCID: id, Dir: dir}, nil
}
