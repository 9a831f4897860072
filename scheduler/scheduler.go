// Package scheduler runs the independent periodic jobs named in §4.I
// (component I): refreshing the cached channel/alias/graph views the
// rebalance tasks read, aging out temp-bans and bad-forwarder records,
// and flushing persisted state on shutdown. Grounded on the teacher's
// chanfitness/health-check supervisor shape, generalized from a single
// health-check loop to a small fleet of independently-paced jobs
// supervised by golang.org/x/sync/errgroup (used the same way
// ethereum-go-ethereum and gocryptotrader supervise their own
// background job sets).
package scheduler

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btclog"
	"golang.org/x/sync/errgroup"

	"github.com/lightningnetwork/sling/bans"
	"github.com/lightningnetwork/sling/chanalias"
	"github.com/lightningnetwork/sling/chancache"
	"github.com/lightningnetwork/sling/graph"
	"github.com/lightningnetwork/sling/htlcsettle"
	"github.com/lightningnetwork/sling/logsub"
	"github.com/lightningnetwork/sling/rpc"
)

var log btclog.Logger = logsub.Logger("SCHD")

const (
	// refreshChannelsInterval is fixed, not configurable (§4.I).
	refreshChannelsInterval = 5 * time.Second
	// clearTempBansInterval is fixed, not configurable (§4.I); it runs
	// well inside the 600 s temp-ban ttl so nothing lingers long past
	// expiry.
	clearTempBansInterval = 100 * time.Second
	// refreshGraphInterval is the default §4.B full-graph reconcile
	// cadence; §6's Config table does not expose it for tuning.
	refreshGraphInterval = 600 * time.Second

	// badFwdNodeTTL mirrors the temp-ban window: a peer that misrouted
	// one HTLC is excluded from Push jobs for the same cooldown a
	// misbehaving channel would be.
	badFwdNodeTTL = 600 * time.Second

	// informLayerMinVersion is the lowest CLN feature version that
	// supports reading liquidity hints back from an inform layer like
	// askrene (§9 "version gating").
	informLayerMinVersion = "24.11"
)

// JobPersister flushes the in-memory job set to disk; implemented by
// package persist. Kept as an interface here so scheduler never
// imports persist directly, matching the rest of the codebase's
// dependency-injection style.
type JobPersister interface {
	Flush() error
}

// Config bundles every collaborator and cadence the scheduler needs
// (§4.I, §5's shared-resource list).
type Config struct {
	RPC         rpc.NodeRPC
	Graph       *graph.Graph
	Oracle      *graph.Oracle
	Channels    *chancache.Cache
	Aliases     *chanalias.Map
	TempBans    *bans.Store
	BadFwdNodes *htlcsettle.BadFwdNodes
	Jobs        JobPersister

	// RefreshAliasMapInterval is §6's refresh-aliasmap-interval.
	RefreshAliasMapInterval time.Duration
	// ResetLiquidityInterval is §6's reset-liquidity-interval.
	ResetLiquidityInterval time.Duration
	// PruneStatsInterval defaults to once a day (§4.I).
	PruneStatsInterval time.Duration

	// LiquidityPath is where the shutdown hook persists the learned
	// liquidity snapshot (§6 liquidity.json).
	LiquidityPath string

	// PruneStats prunes the success/failure logs by the configured
	// age/size caps; implemented by package persist. May be nil.
	PruneStats func(now time.Time)

	// ReadInformLayers pulls liquidity hints back from any configured
	// inform layer (e.g. askrene). Only invoked when the host's
	// reported version clears informLayerMinVersion. May be nil.
	ReadInformLayers func(ctx context.Context) error

	Now func() time.Time
}

func (c *Config) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Scheduler owns the goroutine fleet started by Run.
type Scheduler struct {
	cfg Config
}

// New returns a Scheduler applying cfg's defaults where zero.
func New(cfg Config) *Scheduler {
	if cfg.RefreshAliasMapInterval <= 0 {
		cfg.RefreshAliasMapInterval = 3600 * time.Second
	}
	if cfg.ResetLiquidityInterval <= 0 {
		cfg.ResetLiquidityInterval = 360 * time.Second
	}
	if cfg.PruneStatsInterval <= 0 {
		cfg.PruneStatsInterval = 24 * time.Hour
	}
	return &Scheduler{cfg: cfg}
}

// Run starts every periodic job and blocks until ctx is cancelled, at
// which point it runs the shutdown hook and returns.
func (s *Scheduler) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runEvery(gctx, refreshChannelsInterval, s.refreshChannels)
	})
	g.Go(func() error {
		return runEvery(gctx, s.cfg.RefreshAliasMapInterval, s.refreshAliasMap)
	})
	g.Go(func() error {
		return runEvery(gctx, refreshGraphInterval, s.refreshGraph)
	})
	g.Go(func() error {
		return runEvery(gctx, s.cfg.ResetLiquidityInterval, s.resetLiquidity)
	})
	g.Go(func() error {
		return runEvery(gctx, clearTempBansInterval, s.clearTempBans)
	})
	if s.cfg.PruneStats != nil {
		g.Go(func() error {
			return runEvery(gctx, s.cfg.PruneStatsInterval, func(now time.Time) {
				s.cfg.PruneStats(now)
			})
		})
	}
	if s.cfg.ReadInformLayers != nil {
		g.Go(func() error {
			return s.informLayerLoop(gctx)
		})
	}

	<-gctx.Done()
	_ = g.Wait()

	s.shutdown()
	return nil
}

// runEvery calls fn on a fixed cadence until ctx is cancelled. fn
// errors are the job's own concern to log; runEvery never propagates
// them, so one job's failure never tears down its siblings.
func runEvery(ctx context.Context, interval time.Duration, fn func(now time.Time)) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-t.C:
			fn(now)
		}
	}
}

func (s *Scheduler) refreshChannels(_ time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), refreshChannelsInterval)
	defer cancel()

	rows, err := s.cfg.RPC.ListPeerChannels(ctx)
	if err != nil {
		log.Errorf("refresh channel listing: %v", err)
		return
	}
	s.cfg.Channels.Set(rows)
}

func (s *Scheduler) refreshAliasMap(_ time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RefreshAliasMapInterval)
	defer cancel()

	rows, err := s.cfg.RPC.ListPeerChannels(ctx)
	if err != nil {
		log.Errorf("refresh alias map: %v", err)
		return
	}
	for _, r := range rows {
		if r.AliasLocal != nil {
			s.cfg.Aliases.Set(r.SCID, *r.AliasLocal)
		}
	}
}

func (s *Scheduler) refreshGraph(now time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), refreshGraphInterval)
	defer cancel()

	rows, err := s.cfg.RPC.ListChannels(ctx)
	if err != nil {
		log.Errorf("refresh graph listing: %v", err)
		return
	}
	s.cfg.Graph.Reconcile(buildReconcileListing(rows), now)
}

// resetLiquidity runs the age-gated 6h decay (§4.B): only edges whose
// liquidity_age is stale are reset to htlc_max/2, so a learned bound
// survives until it actually goes stale rather than being wiped every
// reset-liquidity-interval tick.
func (s *Scheduler) resetLiquidity(now time.Time) {
	s.cfg.Graph.Decay(now)
}

func (s *Scheduler) clearTempBans(now time.Time) {
	pruned := s.cfg.TempBans.Prune(now)
	s.cfg.BadFwdNodes.Prune(now.Add(-badFwdNodeTTL))
	if pruned > 0 {
		log.Debugf("pruned %d expired temp-bans", pruned)
	}
}

func (s *Scheduler) informLayerLoop(ctx context.Context) error {
	version, err := s.hostVersion(ctx)
	if err != nil {
		log.Warnf("inform-layer read disabled: could not determine host version: %v", err)
		return nil
	}
	if !versionAtLeast(version, informLayerMinVersion) {
		log.Infof("inform-layer read disabled: host version %s < %s", version, informLayerMinVersion)
		return nil
	}
	return runEvery(ctx, refreshGraphInterval, func(time.Time) {
		if err := s.cfg.ReadInformLayers(ctx); err != nil {
			log.Debugf("inform-layer read: %v", err)
		}
	})
}

func (s *Scheduler) hostVersion(ctx context.Context) (string, error) {
	info, err := s.cfg.RPC.GetInfo(ctx)
	if err != nil {
		return "", err
	}
	return info.Version, nil
}

// shutdown implements §4.I's "flush liquidity + graph + job list" hook.
// The live graph itself is never persisted (§6's persisted-state list
// names only liquidity.json, jobs.json, and the two excepts files); it
// is rebuilt from gossip and a full reconcile on the next startup.
func (s *Scheduler) shutdown() {
	now := s.cfg.now()
	if s.cfg.LiquidityPath != "" {
		if err := s.cfg.Oracle.Save(s.cfg.LiquidityPath); err != nil {
			log.Errorf("shutdown: saving liquidity snapshot: %v", err)
		}
	}
	if s.cfg.Jobs != nil {
		if err := s.cfg.Jobs.Flush(); err != nil {
			log.Errorf("shutdown: flushing job list: %v", err)
		}
	}
	log.Infof("scheduler stopped at %s", now.Format(time.RFC3339))
}

// buildReconcileListing groups the per-direction rows list_channels
// returns into the paired graph.ChannelListing entries Reconcile wants,
// inferring each row's direction from its (source, destination) order
// the same way the graph package's own newEdge does (I4/P4).
func buildReconcileListing(rows []rpc.ChannelListing) []graph.ChannelListing {
	type pair struct {
		ann graph.Announcement
		upd [2]*graph.PolicyUpdate
	}
	grouped := make(map[string]*pair)
	order := make([]string, 0, len(rows)/2)

	for _, r := range rows {
		key := r.SCID.String()
		p, ok := grouped[key]
		if !ok {
			p = &pair{}
			grouped[key] = p
			order = append(order, key)
		}

		dir := graph.DirectionOf(r.Source, r.Destination)
		if p.ann.CapacityMsat == 0 {
			nodeA, nodeB := r.Source, r.Destination
			if dir != 0 {
				nodeA, nodeB = r.Destination, r.Source
			}
			p.ann = graph.Announcement{SCID: r.SCID, NodeA: nodeA, NodeB: nodeB, CapacityMsat: r.CapacityMsat}
		}
		p.upd[dir] = &graph.PolicyUpdate{
			Direction:   dir,
			BaseFeeMsat: r.BaseFeeMsat,
			FeePPM:      r.FeePPM,
			CLTVDelta:   r.CLTVDelta,
			HTLCMinMsat: r.HTLCMinMsat,
			HTLCMaxMsat: r.HTLCMaxMsat,
			Active:      r.Active,
			LastUpdate:  r.LastUpdate,
		}
	}

	out := make([]graph.ChannelListing, 0, len(order))
	for _, key := range order {
		p := grouped[key]
		if p.upd[0] == nil || p.upd[1] == nil {
			continue
		}
		out = append(out, graph.ChannelListing{Ann: p.ann, Upd: [2]graph.PolicyUpdate{*p.upd[0], *p.upd[1]}})
	}
	return out
}

// versionAtLeast compares CLN's "MAJOR.MINOR[.rest]" version strings
// numerically on the first two components; any parse failure is
// treated as "not new enough" so a malformed string never wrongly
// enables a version-gated feature.
func versionAtLeast(version, min string) bool {
	v := parseMajorMinor(version)
	m := parseMajorMinor(min)
	if v[0] != m[0] {
		return v[0] > m[0]
	}
	return v[1] >= m[1]
}

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
