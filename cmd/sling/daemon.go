package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/lightningnetwork/sling/bans"
	"github.com/lightningnetwork/sling/chanalias"
	"github.com/lightningnetwork/sling/chancache"
	"github.com/lightningnetwork/sling/config"
	"github.com/lightningnetwork/sling/gossipsrc"
	"github.com/lightningnetwork/sling/graph"
	"github.com/lightningnetwork/sling/htlcsettle"
	"github.com/lightningnetwork/sling/job"
	"github.com/lightningnetwork/sling/persist"
	"github.com/lightningnetwork/sling/plugin"
	"github.com/lightningnetwork/sling/rebalance"
	"github.com/lightningnetwork/sling/rpc"
	"github.com/lightningnetwork/sling/scheduler"
	"github.com/lightningnetwork/sling/scid"
	"github.com/lightningnetwork/sling/stats"
	"github.com/lightningnetwork/sling/taskregistry"
)

// informLayerMinVersion mirrors package scheduler's own gate: askrene
// inform-channel calls only fire when the host clears this version
// (§9 "version gating").
const informLayerMinVersion = "24.11"

// dataDirName is the per-plugin directory CLN's lightning-dir holds
// sling's persisted state under (§6 "Persisted state").
const dataDirName = "sling"

// gossipStoreName is CLN's append-only gossip file, read relative to
// lightning-dir (§4.A).
const gossipStoreName = "gossip_store"

// daemon bundles every collaborator the plugin surface drives. It is
// zero-valued until the host's init RPC call arrives and populates it
// via start.
type daemon struct {
	mu sync.Mutex

	cfg      *config.Config
	dataDir  string
	rpc      rpc.NodeRPC
	graph    *graph.Graph
	oracle   *graph.Oracle
	channels *chancache.Cache
	aliases  *chanalias.Map
	tempBans *bans.Store
	badFwd   *htlcsettle.BadFwdNodes
	pending  *htlcsettle.Table
	registry *taskregistry.Registry

	jobs    *persist.JobStore
	excepts *persist.ExceptStore
	records *persist.RecordStore

	sched     *scheduler.Scheduler
	gossipSrc *gossipsrc.Source

	myPubKey    graph.PubKey
	blockHeight atomic.Uint32

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	tasks map[taskregistry.Identifier]context.CancelFunc
}

func newDaemon() *daemon {
	return &daemon{}
}

// runPlugin registers the full plugin surface and blocks in the
// stdio request loop until the host closes stdin.
func (d *daemon) runPlugin(in io.Reader, out io.Writer) error {
	p := plugin.New("sling")

	for _, o := range configOptions() {
		p.Option(o)
	}

	p.OnInit(d.start)
	p.OnSetConfig(d.applySetConfig)
	p.OnHTLCAccepted(d.handleHTLCAccepted)
	p.Subscribe("block_added", d.handleBlockAdded)
	p.Subscribe("shutdown", func(json.RawMessage) { d.stop() })

	d.registerRPCMethods(p)

	return p.Run(in, out)
}

// start implements plugin.InitFunc: it turns the host's option values
// and directories into a fully wired daemon and kicks off the
// scheduler, gossip tailing, and any autogo jobs (§9 "Config — invalid
// option at startup -> disable plugin with a human message": any error
// returned here disables the plugin instead of panicking).
func (d *daemon) start(opts map[string]string, lightningDir, rpcFile string) error {
	cfg, err := config.Load(stripSlingPrefix(opts))
	if err != nil {
		return err
	}

	dataDir := filepath.Join(lightningDir, dataDirName)
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	rpcPath := rpcFile
	if !filepath.IsAbs(rpcPath) {
		rpcPath = filepath.Join(lightningDir, rpcFile)
	}
	client, err := rpc.Dial(rpcPath)
	if err != nil {
		return fmt.Errorf("dialing host rpc: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	info, err := client.GetInfo(ctx)
	if err != nil {
		return fmt.Errorf("get_info: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.cfg = cfg
	d.dataDir = dataDir
	d.rpc = client
	d.myPubKey = info.MyPubKey
	d.blockHeight.Store(info.BlockHeight)

	d.graph = graph.New()

	var layers []graph.InformLayer
	if versionAtLeast(info.Version, informLayerMinVersion) {
		for _, name := range cfg.InformLayers {
			layers = append(layers, askreneLayer{rpc: client, name: name})
		}
	} else {
		log.Infof("host version %s below %s, inform-layers disabled", info.Version, informLayerMinVersion)
	}
	d.oracle = graph.NewOracle(d.graph, layers, rate.Limit(1))
	d.oracle.Load(filepath.Join(dataDir, "liquidity.json"))

	d.channels = chancache.New()
	d.aliases = chanalias.New()
	d.tempBans = bans.New(bans.DefaultTTL)
	d.badFwd = htlcsettle.NewBadFwdNodes()
	d.pending = htlcsettle.NewTable()
	d.registry = taskregistry.New()
	d.tasks = make(map[taskregistry.Identifier]context.CancelFunc)

	d.jobs = persist.NewJobStore(filepath.Join(dataDir, "jobs.json"))
	if err := d.jobs.Load(); err != nil {
		return fmt.Errorf("loading jobs: %w", err)
	}
	d.excepts = persist.NewExceptStore(
		filepath.Join(dataDir, "excepts.json"),
		filepath.Join(dataDir, "excepts_peers.json"),
	)
	if err := d.excepts.Load(); err != nil {
		return fmt.Errorf("loading excepts: %w", err)
	}
	d.records = persist.NewRecordStore(dataDir)

	rows, err := client.ListPeerChannels(ctx)
	if err != nil {
		return fmt.Errorf("initial list_peer_channels: %w", err)
	}
	d.channels.Set(rows)
	for _, r := range rows {
		if r.AliasLocal != nil {
			d.aliases.Set(r.SCID, *r.AliasLocal)
		}
	}

	src, err := gossipsrc.Open(filepath.Join(lightningDir, gossipStoreName))
	if err != nil {
		return fmt.Errorf("opening gossip store: %w", err)
	}
	d.gossipSrc = src
	if _, err := src.Tick(d.graph, time.Now()); err != nil {
		return fmt.Errorf("initial gossip read: %w", err)
	}

	d.sched = scheduler.New(scheduler.Config{
		RPC:                     client,
		Graph:                   d.graph,
		Oracle:                  d.oracle,
		Channels:                d.channels,
		Aliases:                 d.aliases,
		TempBans:                d.tempBans,
		BadFwdNodes:             d.badFwd,
		Jobs:                    d.jobs,
		RefreshAliasMapInterval: cfg.RefreshAliasMapInterval,
		ResetLiquidityInterval:  cfg.ResetLiquidityInterval,
		LiquidityPath:           filepath.Join(dataDir, "liquidity.json"),
		PruneStats: func(now time.Time) {
			prune := stats.PruneConfigFrom(
				cfg.StatsDeleteSuccessesAge, cfg.StatsDeleteSuccessesSize,
				cfg.StatsDeleteFailuresAge, cfg.StatsDeleteFailuresSize,
			)
			if err := d.records.PruneAll(now, prune); err != nil {
				log.Errorf("pruning stats logs: %v", err)
			}
		},
	})

	d.ctx, d.cancel = context.WithCancel(context.Background())

	d.wg.Add(2)
	go func() {
		defer d.wg.Done()
		if err := d.sched.Run(d.ctx); err != nil {
			log.Errorf("scheduler: %v", err)
		}
	}()
	go d.gossipLoop()

	if cfg.AutoGo {
		for ownSCID := range d.jobs.All() {
			d.startJobLocked(ownSCID)
		}
	}

	log.Infof("sling initialized, pubkey=%x, data dir=%s", d.myPubKey[:], dataDir)
	return nil
}

// applySetConfig implements plugin.SetConfigFunc: a dynamic option
// changed after startup, so the whole Config is rebuilt against the
// daemon's last-known option snapshot plus this one change. Since CLN
// hands over one key at a time, re-Load only needs the single changed
// key; every other key keeps its already-validated value by reading it
// back off the live Config.
func (d *daemon) applySetConfig(name, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cfg == nil {
		return fmt.Errorf("setconfig %s: plugin not yet initialized", name)
	}

	opts := snapshotOptions(d.cfg)
	opts[strings.TrimPrefix(name, slingOptionPrefix)] = value
	cfg, err := config.Load(opts)
	if err != nil {
		return err
	}
	d.cfg = cfg
	return nil
}

func (d *daemon) gossipLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := d.gossipSrc.Tick(d.graph, now); err != nil {
				log.Errorf("gossip tick: %v", err)
			}
		}
	}
}

// stop implements the "shutdown" subscription: cancel every running
// task and the scheduler, then wait for them to unwind. The scheduler
// itself owns flushing liquidity.json and jobs.json (§4.I).
func (d *daemon) stop() {
	d.mu.Lock()
	cancel := d.cancel
	src := d.gossipSrc
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	d.wg.Wait()
	if src != nil {
		_ = src.Close()
	}
	log.Infof("sling shutdown complete")
}

func (d *daemon) handleBlockAdded(params json.RawMessage) {
	var req struct {
		Block struct {
			Height uint32 `json:"height"`
		} `json:"block"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		log.Errorf("block_added: decoding params: %v", err)
		return
	}
	d.blockHeight.Store(req.Block.Height)
}

// handleHTLCAccepted implements the htlc_accepted hook: decode the
// incoming scid and payment_hash CLN hands over and hand them to the
// pending-pays table (§4.H). Anything that fails to decode, or isn't
// one of ours, is let through untouched.
func (d *daemon) handleHTLCAccepted(params json.RawMessage) plugin.HTLCResponse {
	var req struct {
		Htlc struct {
			ShortChannelID string `json:"short_channel_id"`
			PaymentHash    string `json:"payment_hash"`
		} `json:"htlc"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		log.Errorf("htlc_accepted: decoding params: %v", err)
		return plugin.HTLCResponse{Result: "continue"}
	}
	if req.Htlc.ShortChannelID == "" || req.Htlc.PaymentHash == "" {
		return plugin.HTLCResponse{Result: "continue"}
	}

	htlcSCID, err := scid.Parse(req.Htlc.ShortChannelID)
	if err != nil {
		log.Errorf("htlc_accepted: scid %q: %v", req.Htlc.ShortChannelID, err)
		return plugin.HTLCResponse{Result: "continue"}
	}

	resp := d.pending.Handle(htlcSCID, req.Htlc.PaymentHash, d.resolvePeer, d.badFwd, time.Now())
	switch resp.Outcome {
	case htlcsettle.OutcomeResolve:
		return plugin.HTLCResponse{Result: "resolve", PaymentKey: resp.PreimageHex}
	case htlcsettle.OutcomeFail:
		return plugin.HTLCResponse{Result: "fail", FailureMessage: "1007"}
	default:
		return plugin.HTLCResponse{Result: "continue"}
	}
}

// globalExcepts implements rebalance.Deps.GlobalExcepts: the union of
// manually excepted channels and every channel belonging to a manually
// excepted peer, both directions (§4.D step 3).
func (d *daemon) globalExcepts() map[scid.Key]struct{} {
	out := make(map[scid.Key]struct{})
	for id := range d.excepts.Chans() {
		out[scid.Key{SCID: id, Dir: scid.DirZero}] = struct{}{}
		out[scid.Key{SCID: id, Dir: scid.DirOne}] = struct{}{}
	}
	peers := d.excepts.Peers()
	if len(peers) == 0 {
		return out
	}
	for _, r := range d.channels.Get() {
		if _, banned := peers[r.Peer]; banned {
			out[scid.Key{SCID: r.SCID, Dir: scid.DirZero}] = struct{}{}
			out[scid.Key{SCID: r.SCID, Dir: scid.DirOne}] = struct{}{}
		}
	}
	return out
}

// resolvePeer implements htlcsettle.PeerResolver against the current
// channel snapshot, matching either a channel's real or aliased scid.
func (d *daemon) resolvePeer(id scid.ID) (graph.PubKey, bool) {
	for _, r := range d.channels.Get() {
		if d.aliases.Matches(r.SCID, id) {
			return r.Peer, true
		}
	}
	return graph.PubKey{}, false
}

// startJobLocked starts every slot a job configures that isn't already
// running. Caller holds d.mu.
func (d *daemon) startJobLocked(ownSCID scid.ID) {
	j, ok := d.jobs.Get(ownSCID)
	if !ok {
		return
	}

	for slot := uint16(0); slot < j.ParallelJobs; slot++ {
		id := taskregistry.Identifier{ChanID: ownSCID, Slot: slot}
		if _, running := d.tasks[id]; running {
			continue
		}
		d.launchTaskLocked(id, j)
	}
}

// launchTaskLocked builds and runs one rebalance.Task. Caller holds
// d.mu.
func (d *daemon) launchTaskLocked(id taskregistry.Identifier, j job.Job) {
	jCopy := j
	task := &rebalance.Task{
		ID:  id,
		Job: &jCopy,
		Deps: rebalance.Deps{
			RPC:                    d.rpc,
			Graph:                  d.graph,
			Oracle:                 d.oracle,
			Registry:               d.registry,
			TempBans:               d.tempBans,
			BadFwdNodes:            d.badFwd,
			Pending:                d.pending,
			Aliases:                d.aliases,
			Recorder:               d.records,
			MyPubKey:               d.myPubKey,
			PeerChannels:           d.channels.Get,
			BlockHeight:            d.blockHeight.Load,
			GlobalExcepts:          d.globalExcepts,
			CandidatesMinAgeBlocks: d.cfg.CandidatesMinAge,
			MaxHTLCCount:           d.cfg.MaxHTLCCount,
			TimeoutPaySeconds:      secondsOf(d.cfg.TimeoutPay),
		},
	}

	taskCtx, cancel := context.WithCancel(d.ctx)
	d.tasks[id] = cancel
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		task.Run(taskCtx)
		d.mu.Lock()
		delete(d.tasks, id)
		d.registry.RemoveSlot(id)
		d.mu.Unlock()
	}()
}

// stopJob requests cooperative shutdown of every running slot for
// ownSCID, optionally blocking until each has reported active=false
// (§6 "-stop waits until all matched slots' active=false").
func (d *daemon) stopJob(ownSCID scid.ID, wait time.Duration) bool {
	for _, slot := range d.registry.Slots(ownSCID) {
		d.registry.Stop(taskregistry.Identifier{ChanID: ownSCID, Slot: slot})
	}
	if wait <= 0 {
		return true
	}

	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		if d.allStopped(ownSCID) {
			return true
		}
		time.Sleep(200 * time.Millisecond)
	}
	return d.allStopped(ownSCID)
}

func (d *daemon) allStopped(ownSCID scid.ID) bool {
	for _, slot := range d.registry.Slots(ownSCID) {
		st, ok := d.registry.GetTask(taskregistry.Identifier{ChanID: ownSCID, Slot: slot})
		if ok && st.Active {
			return false
		}
	}
	return true
}

func secondsOf(d time.Duration) uint16 {
	secs := int64(d / time.Second)
	if secs < 0 {
		return 0
	}
	if secs > 65535 {
		return 65535
	}
	return uint16(secs)
}

// askreneLayer adapts the host RPC's AskreneInformChannel call into a
// graph.InformLayer, one per configured inform-layers name (§6
// "inform-layers", §4.C).
type askreneLayer struct {
	rpc  rpc.NodeRPC
	name string
}

func (a askreneLayer) Name() string { return a.name }

func (a askreneLayer) InformConstrained(ctx context.Context, key scid.Key, amountMsat uint64) error {
	return a.rpc.AskreneInformChannel(ctx, key, amountMsat, a.name)
}

// versionAtLeast compares CLN's "MAJOR.MINOR[.rest]" version strings
// numerically on the first two components (§9 "version gating"); a
// parse failure is treated as "not new enough" so a malformed version
// string never wrongly enables a gated feature.
func versionAtLeast(version, min string) bool {
	v := parseMajorMinor(version)
	m := parseMajorMinor(min)
	if v[0] != m[0] {
		return v[0] > m[0]
	}
	return v[1] >= m[1]
}
