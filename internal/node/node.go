// Package node is the glue layer of spec.md §2: it owns the propose tick,
// the sync tick, the discovery tick, and the PoSe agent tick, and wires
// the gossip server's HTTP listener to the rest of the engine. Nothing in
// this package carries consensus or PoSe logic itself — it only schedules
// the internal/chain, internal/bft, internal/p2p, and internal/pose
// collaborators already built for that.
//
// Grounded on core/high_availability.go's start/stop ticker loops and
// cmd/cli/mining_node.go's SIGTERM-driven shutdown.
package node

import (
	"context"
	"fmt"
	"math/big"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"coc-node/internal/bft"
	"coc-node/internal/chain"
	"coc-node/internal/config"
	"coc-node/internal/eventbus"
	"coc-node/internal/forkchoice"
	"coc-node/internal/governance"
	"coc-node/internal/metrics"
	"coc-node/internal/p2p"
	"coc-node/internal/p2p/discovery"
	"coc-node/internal/p2p/noncetracker"
	"coc-node/internal/pose"
	"coc-node/internal/signer"
	"coc-node/internal/types"
)

var log = logrus.WithField("component", "node")

// Node bundles every long-lived collaborator a running process needs and
// schedules their periodic ticks (spec.md §2's control-flow summary).
type Node struct {
	cfg   config.Config
	sign  *signer.Signer
	gov   *governance.Set
	bus   *eventbus.Bus
	engine *chain.Engine
	bftC  *bft.Coordinator
	disc  *discovery.Discovery
	nonces *noncetracker.Tracker
	coll  *metrics.Collectors
	srv   *p2p.Server
	client *p2p.Client
	agent *pose.Agent
	http  *http.Server

	stop chan struct{}
	wg   sync.WaitGroup
}

// Deps bundles the constructed collaborators Start needs. Building each of
// these (opening the store, trie, signer key, etc.) is cmd/node's job;
// Node only schedules their ticks.
type Deps struct {
	Config    config.Config
	Signer    *signer.Signer
	Gov       *governance.Set
	Bus       *eventbus.Bus
	Engine    *chain.Engine
	BFT       *bft.Coordinator
	Discovery *discovery.Discovery
	Nonces    *noncetracker.Tracker
	Metrics   *metrics.Collectors
	MetricsHandler http.Handler
	Server    *p2p.Server
	Client    *p2p.Client
	Agent     *pose.Agent
}

// New assembles a Node from already-constructed collaborators.
func New(d Deps) *Node {
	mux := http.NewServeMux()
	mux.Handle("/", d.Server.Router())
	if d.MetricsHandler != nil {
		mux.Handle("/metrics", d.MetricsHandler)
	}
	return &Node{
		cfg: d.Config, sign: d.Signer, gov: d.Gov, bus: d.Bus, engine: d.Engine,
		bftC: d.BFT, disc: d.Discovery, nonces: d.Nonces, coll: d.Metrics,
		srv: d.Server, client: d.Client, agent: d.Agent,
		http: &http.Server{Handler: mux},
		stop: make(chan struct{}),
	}
}

// Start launches the HTTP listener and every periodic tick as background
// goroutines. It returns once the listener is bound, not once the node
// stops; call Stop (or cancel ctx) to shut down.
func (n *Node) Start(ctx context.Context, httpAddr string) error {
	if httpAddr == "" {
		httpAddr = "0.0.0.0:26600"
	}
	n.http.Addr = httpAddr
	ln, err := listen(n.http.Addr)
	if err != nil {
		return fmt.Errorf("node: listen %s: %w", n.http.Addr, err)
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("node: http server exited")
		}
	}()

	n.runTick(ctx, "propose", n.cfg.BlockInterval(), n.proposeTick)
	n.runTick(ctx, "sync", n.cfg.SyncInterval(), n.syncTick)
	n.runTick(ctx, "discovery", time.Duration(n.cfg.DiscoveryIntervalMs)*time.Millisecond, n.discoveryTick)
	if n.agent != nil {
		n.runTick(ctx, "pose", n.cfg.AgentInterval(), n.poseTick)
	}
	log.WithField("addr", n.http.Addr).Info("node: started")
	return nil
}

// Stop signals every tick loop to exit and closes the HTTP listener.
func (n *Node) Stop(ctx context.Context) error {
	close(n.stop)
	err := n.http.Shutdown(ctx)
	n.wg.Wait()
	return err
}

func (n *Node) runTick(ctx context.Context, name string, interval time.Duration, fn func(context.Context)) {
	if interval <= 0 {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				func() {
					defer func() {
						if r := recover(); r != nil {
							log.WithField("tick", name).WithField("panic", r).Error("node: tick panic recovered")
						}
					}()
					fn(ctx)
				}()
			case <-n.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// proposeTick implements spec.md §4.4/§4.5's block production path: if
// this node is the expected proposer for the next height, build and apply
// the block, broadcast it, and hand it to the coordinator's two-phase round
// when a BFT coordinator is attached. When it is not this node's turn, the
// tick does nothing.
func (n *Node) proposeTick(ctx context.Context) {
	block, err := n.engine.ProposeNextBlock()
	if err != nil {
		log.WithError(err).Debug("node: propose tick: propose failed")
		return
	}
	if block == nil {
		return
	}
	n.srv.BroadcastBlock(block)
	if n.bftC != nil {
		n.bftC.StartRound(block)
	}
}

// syncTick implements spec.md §4.9's height-lag recovery: sample a few
// known peers, and when they report a materially higher height than our
// own, pull either an incremental chain-snapshot tail or a full state
// snapshot depending on how far behind we are.
func (n *Node) syncTick(ctx context.Context) {
	peers := n.disc.Peers()
	if len(peers) == 0 {
		return
	}
	tip := n.engine.Tip()
	localHeight := uint64(0)
	if tip != nil {
		localHeight = tip.Number
	}

	sample := peers
	if len(sample) > 3 {
		idx := rand.Perm(len(sample))[:3]
		picked := make([]discovery.Peer, 0, 3)
		for _, i := range idx {
			picked = append(picked, sample[i])
		}
		sample = picked
	}

	localTip := forkchoice.Tip{Height: localHeight}
	if tip != nil {
		localTip.BftFinalized = tip.BftFinalized
		localTip.CumulativeWeight = tip.CumulativeWeight
		localTip.Hash = tip.Hash
	}

	var best discovery.Peer
	var bestHeight uint64
	for _, p := range sample {
		info, err := n.client.FetchNodeInfo(ctx, p)
		if err != nil {
			continue
		}
		if info.Height == localHeight && info.Height > 0 {
			n.considerCompetingTip(localTip, p, info)
		}
		if info.Height > bestHeight {
			bestHeight = info.Height
			best = p
		}
	}
	if bestHeight <= localHeight {
		return
	}

	const snapshotFastPathGap = 64
	if bestHeight-localHeight > snapshotFastPathGap {
		n.fastSyncFrom(ctx, best)
		return
	}

	blocks, err := n.client.FetchChainSnapshot(ctx, best, int(bestHeight-localHeight))
	if err != nil {
		log.WithError(err).WithField("peer", best.ID).Warn("node: sync tick: chain snapshot fetch failed")
		return
	}
	if err := n.engine.MaybeAdoptSnapshot(blocks); err != nil {
		log.WithError(err).WithField("peer", best.ID).Debug("node: sync tick: snapshot not adoptable")
	}
}

func (n *Node) fastSyncFrom(ctx context.Context, peer discovery.Peer) {
	snap, err := n.client.FetchStateSnapshot(ctx, peer)
	if err != nil {
		log.WithError(err).WithField("peer", peer.ID).Warn("node: sync tick: state snapshot fetch failed")
		return
	}
	if _, err := n.engine.ImportState(snap, snap.StateRoot); err != nil {
		log.WithError(err).WithField("peer", peer.ID).Warn("node: sync tick: state snapshot import failed")
		return
	}
	blocks, err := n.client.FetchChainSnapshot(ctx, peer, 1)
	if err != nil {
		return
	}
	if err := n.engine.ImportSnapSyncBlocks(blocks); err != nil {
		log.WithError(err).WithField("peer", peer.ID).Debug("node: sync tick: tail import failed")
	}
}

// considerCompetingTip runs the deterministic fork-choice comparison
// (spec.md §4.6) against a peer reporting a tip at our own height but
// potentially a different hash. The engine does not support rewinding to
// a competing fork, so a dominant remote tip is only logged; it informs
// operators a reorg would be warranted, it does not trigger one.
func (n *Node) considerCompetingTip(local forkchoice.Tip, peer discovery.Peer, info p2p.NodeHeight) {
	if info.TipHash == "" || info.TipHash == local.Hash.Hex() {
		return
	}
	remoteHash, err := types.HashFromHex(info.TipHash)
	if err != nil {
		return
	}
	weight, ok := new(big.Int).SetString(info.CumulativeWeight, 10)
	if !ok {
		weight = big.NewInt(0)
	}
	remote := forkchoice.Tip{
		BftFinalized: info.BftFinalized, Height: info.Height,
		CumulativeWeight: weight, Hash: remoteHash,
	}
	if decision := forkchoice.ShouldSwitchFork(local, remote); decision != nil && decision.Switch {
		log.WithField("peer", peer.ID).WithField("reason", decision.Reason).
			Warn("node: sync tick: peer tip dominates local tip at same height, reorg not implemented")
	}
}

func (n *Node) discoveryTick(ctx context.Context) {
	n.disc.Tick()
}

func (n *Node) poseTick(ctx context.Context) {
	n.agent.Tick(ctx, time.Now())
}

// FinalizeBFT adapts bft.Coordinator's onFinalize callback to the engine
// (spec.md §4.5 step 3: "applies the finalized block locally").
func FinalizeBFT(engine *chain.Engine) func(block *types.ChainBlock) {
	return engine.FinalizeBFT
}

func listen(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}
