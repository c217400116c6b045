// Command node is the coc-node process manager launches: a cobra root
// with start/init-genesis/import-snapshot/export-snapshot subcommands
// (spec.md §6's "external process manager" contract — working dir =
// nodeDir, PID file, TERM to stop).
//
// Grounded on cmd/cli/mining_node.go's minerInit/minerStart/minerStop
// cobra shape and godotenv+viper bootstrap.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"coc-node/internal/bft"
	"coc-node/internal/chain"
	"coc-node/internal/config"
	"coc-node/internal/eventbus"
	"coc-node/internal/governance"
	"coc-node/internal/metrics"
	"coc-node/internal/node"
	"coc-node/internal/p2p"
	"coc-node/internal/p2p/discovery"
	"coc-node/internal/p2p/noncetracker"
	"coc-node/internal/pose"
	"coc-node/internal/signer"
	"coc-node/internal/snapshot"
	"coc-node/internal/storage"
	"coc-node/internal/trie"
	"coc-node/internal/types"
)

var log = logrus.WithField("component", "cmd")

var nodeDir string

func main() {
	root := &cobra.Command{
		Use:   "node",
		Short: "coc-node: a permissioned EVM-compatible chain node",
	}
	root.PersistentFlags().StringVar(&nodeDir, "node-dir", "./node", "per-node working directory (spec.md §6 nodeDir)")

	root.AddCommand(startCmd(), initGenesisCmd(), importSnapshotCmd(), exportSnapshotCmd())

	if err := root.Execute(); err != nil {
		log.WithError(err).Fatal("node: command failed")
	}
}

// nodeConfigFile is the on-disk shape of <nodeDir>/node-config.json
// (spec.md §6), a superset of internal/config.Config carrying the
// genesis/governance/PoSe wiring that is this process's job, not the
// chain engine's.
type nodeConfigFile struct {
	config.Config

	GenesisAccounts      []genesisAccount `json:"genesis_accounts"`
	GovernanceEnabled    bool             `json:"governance_enabled"`
	Validators           []govValidator   `json:"validators"`
	LocalValidatorID     string           `json:"local_validator_id"`
	StaticValidators     []string         `json:"static_validators"`
	HTTPAddr             string           `json:"http_addr"`
	PoSeEnabled          bool             `json:"pose_enabled"`
	PoSeTargets          []string         `json:"pose_targets"`
	PoSeTargetBaseURLs   map[string]string `json:"pose_target_base_urls"`
	PoSeManagerGRPCAddr  string           `json:"pose_manager_grpc_addr"`
}

type genesisAccount struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
}

type govValidator struct {
	ID    string `json:"id"`
	Address string `json:"address"`
	Stake string `json:"stake"`
}

func defaultNodeConfig() nodeConfigFile {
	return nodeConfigFile{Config: config.Defaults()}
}

func loadNodeConfig(dir string) (*nodeConfigFile, error) {
	raw, err := os.ReadFile(filepath.Join(dir, "node-config.json"))
	if err != nil {
		return nil, fmt.Errorf("cmd: read node-config.json: %w", err)
	}
	cfg := defaultNodeConfig()
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("cmd: parse node-config.json: %w", err)
	}
	return &cfg, nil
}

func loadNodeKey(dir string) (*signer.Signer, error) {
	raw, err := os.ReadFile(filepath.Join(dir, "node-key"))
	if err != nil {
		return nil, fmt.Errorf("cmd: read node-key: %w", err)
	}
	hexKey := string(raw)
	for len(hexKey) > 0 && (hexKey[len(hexKey)-1] == '\n' || hexKey[len(hexKey)-1] == '\r') {
		hexKey = hexKey[:len(hexKey)-1]
	}
	if len(hexKey) >= 2 && hexKey[:2] == "0x" {
		hexKey = hexKey[2:]
	}
	priv, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("cmd: decode node-key: %w", err)
	}
	return signer.New(priv)
}

func initGenesisCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init-genesis",
		Short: "create a fresh nodeDir: node-key, node-config.json, empty chain/",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(nodeDir); err == nil && !force {
				return fmt.Errorf("cmd: %s already exists, pass --force to overwrite node-config.json/node-key", nodeDir)
			}
			if err := os.MkdirAll(filepath.Join(nodeDir, "logs"), 0755); err != nil {
				return err
			}

			var raw [32]byte
			if _, err := rand.Read(raw[:]); err != nil {
				return fmt.Errorf("cmd: generate key: %w", err)
			}
			sign, err := signer.New(raw[:])
			if err != nil {
				return err
			}
			keyHex := "0x" + hex.EncodeToString(raw[:])
			if err := os.WriteFile(filepath.Join(nodeDir, "node-key"), []byte(keyHex), 0600); err != nil {
				return fmt.Errorf("cmd: write node-key: %w", err)
			}

			cfg := defaultNodeConfig()
			cfg.DataDir = filepath.Join(nodeDir, "chain")
			cfg.HTTPAddr = "0.0.0.0:26600"
			cfg.LocalValidatorID = sign.NodeID().Hex()
			cfg.GenesisAccounts = []genesisAccount{{Address: sign.NodeID().Hex(), Balance: "1000000000000000000000"}}

			out, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return err
			}
			if err := os.WriteFile(filepath.Join(nodeDir, "node-config.json"), out, 0644); err != nil {
				return fmt.Errorf("cmd: write node-config.json: %w", err)
			}

			cmd.Printf("initialized %s, node id %s\n", nodeDir, sign.NodeID().Hex())
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing nodeDir's config/key")
	return cmd
}

// buildEngine wires storage/trie/eventbus/governance/chain from a loaded
// nodeConfigFile, shared by start/import-snapshot/export-snapshot.
func buildEngine(cfg *nodeConfigFile, sign *signer.Signer) (*chain.Engine, *governance.Set, *eventbus.Bus, error) {
	store, err := storage.Open(cfg.DataDir)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("cmd: open storage: %w", err)
	}
	t := trie.New()
	bus := eventbus.New()

	var gov *governance.Set
	if cfg.GovernanceEnabled {
		gov = governance.New(governance.Config{})
		for _, v := range cfg.Validators {
			addr, err := types.AddressFromHex(v.Address)
			if err != nil {
				return nil, nil, nil, fmt.Errorf("cmd: validator %s address: %w", v.ID, err)
			}
			stake, ok := new(big.Int).SetString(v.Stake, 10)
			if !ok {
				return nil, nil, nil, fmt.Errorf("cmd: validator %s stake %q invalid", v.ID, v.Stake)
			}
			if err := gov.AddValidator(&types.Validator{ID: v.ID, Address: addr, Stake: stake, Active: true}); err != nil {
				return nil, nil, nil, fmt.Errorf("cmd: add validator %s: %w", v.ID, err)
			}
		}
	}

	genesisAccounts := make([]chain.PrefundAccount, 0, len(cfg.GenesisAccounts))
	for _, ga := range cfg.GenesisAccounts {
		addr, err := types.AddressFromHex(ga.Address)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("cmd: genesis account %s: %w", ga.Address, err)
		}
		bal, ok := new(big.Int).SetString(ga.Balance, 10)
		if !ok {
			return nil, nil, nil, fmt.Errorf("cmd: genesis account %s balance %q invalid", ga.Address, ga.Balance)
		}
		genesisAccounts = append(genesisAccounts, chain.PrefundAccount{Address: addr, Balance: bal})
	}

	staticValidators := make([]types.Address, 0, len(cfg.StaticValidators))
	for _, v := range cfg.StaticValidators {
		addr, err := types.AddressFromHex(v)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("cmd: static validator %s: %w", v, err)
		}
		staticValidators = append(staticValidators, addr)
	}

	engine := chain.New(chain.Config{
		ChainID:              cfg.ChainID,
		MaxTxPerBlock:        cfg.MaxTxPerBlock,
		MinGasPrice:          big.NewInt(cfg.MinGasPriceWei),
		FinalityDepth:        uint64(cfg.FinalityDepth),
		SignatureEnforcement: cfg.SignatureEnforcement,
		GenesisAccounts:      genesisAccounts,
		StaticValidators:     staticValidators,
		LocalValidatorID:     cfg.LocalValidatorID,
	}, store, t, bus, sign, gov, nil)

	if err := engine.Init(); err != nil {
		return nil, nil, nil, fmt.Errorf("cmd: engine init: %w", err)
	}
	return engine, gov, bus, nil
}

func startCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "run the node: propose/sync/discovery/PoSe ticks and the gossip HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = godotenv.Load(filepath.Join(nodeDir, ".env"))
			cfg, err := loadNodeConfig(nodeDir)
			if err != nil {
				return err
			}
			sign, err := loadNodeKey(nodeDir)
			if err != nil {
				return err
			}

			engine, gov, bus, err := buildEngine(cfg, sign)
			if err != nil {
				return err
			}

			coll, reg := metrics.New()

			nonces, err := noncetracker.Open(noncetracker.Config{
				TTL:         time.Duration(cfg.AuthNonceTTLMs) * time.Millisecond,
				MaxItems:    cfg.AuthNonceMax,
				JournalPath: filepath.Join(nodeDir, "nonce-registry.log"),
			})
			if err != nil {
				return fmt.Errorf("cmd: open nonce tracker: %w", err)
			}

			httpClient := p2p.NewClient()

			bootstrap := make([]discovery.Peer, 0, len(cfg.BootstrapPeers))
			for i, url := range cfg.BootstrapPeers {
				bootstrap = append(bootstrap, discovery.Peer{ID: fmt.Sprintf("bootstrap-%d", i), URL: url})
			}
			disc := discovery.New(discovery.Config{
				MaxPeers:           cfg.MaxPeers,
				MaxPeersPerIP:      cfg.MaxPeersPerIP,
				DiscoveryInterval:  time.Duration(cfg.DiscoveryIntervalMs) * time.Millisecond,
				RejectPrivateHosts: true,
				BootstrapPeers:     bootstrap,
				SelfID:             sign.NodeID().Hex(),
			}, nil, httpClient.FetchPeers)

			// srv is captured by emitPrepare/emitCommit before it exists: the
			// BFT coordinator must be built before the gossip server (which
			// needs the coordinator for inbound vote handling), yet its vote
			// emission needs the server to broadcast through. The closures
			// below resolve srv at call time, once the var is assigned.
			var bftC *bft.Coordinator
			var srv *p2p.Server
			if gov != nil {
				emitPrepare := func(height uint64, hash types.Hash) {
					if srv != nil {
						srv.BroadcastBftVote("prepare", height, hash)
					}
				}
				emitCommit := func(height uint64, hash types.Hash) {
					if srv != nil {
						srv.BroadcastBftVote("commit", height, hash)
					}
				}
				bftC = bft.New(bft.Config{}, sign.NodeID().Hex(), cfg.LocalValidatorID != "",
					gov.StakeOf, gov.TotalActiveStake, gov, node.FinalizeBFT(engine), emitPrepare, emitCommit)
			}

			srv = p2p.New(p2p.Config{
				SelfID:               sign.NodeID().Hex(),
				AuthMode:             cfg.P2PInboundAuthMode,
				RateLimitWindow:      time.Duration(cfg.RateLimitWindowMs) * time.Millisecond,
				RateLimitMax:         cfg.RateLimitMax,
				BroadcastConcurrency: cfg.BroadcastConcurrency,
			}, engine, bftC, disc, sign, nonces, coll)

			if cfg.ListenAddr != "" {
				hub, err := p2p.NewPubSubHub(cfg.ListenAddr)
				if err != nil {
					log.WithError(err).Warn("cmd: pubsub hub unavailable, /p2p/pubsub-message will acknowledge without publishing")
				} else {
					srv.AttachPubSub(hub)
					defer hub.Close()
				}
			}

			var agent *pose.Agent
			if cfg.PoSeEnabled {
				agent, err = buildPoseAgent(cfg, sign, nonces)
				if err != nil {
					return err
				}
			}

			n := node.New(node.Deps{
				Config: cfg.Config, Signer: sign, Gov: gov, Bus: bus, Engine: engine,
				BFT: bftC, Discovery: disc, Nonces: nonces, Metrics: coll,
				MetricsHandler: metrics.Handler(reg), Server: srv, Client: httpClient, Agent: agent,
			})

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			if err := n.Start(ctx, cfg.HTTPAddr); err != nil {
				return err
			}

			if err := writePIDFile(nodeDir); err != nil {
				log.WithError(err).Warn("cmd: failed to write PID file")
			}
			defer removePIDFile(nodeDir)

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			<-sig
			cmd.Println("node: shutting down")
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer stopCancel()
			return n.Stop(stopCtx)
		},
	}
	return cmd
}

func buildPoseAgent(cfg *nodeConfigFile, sign *signer.Signer, nonces *noncetracker.Tracker) (*pose.Agent, error) {
	quota := pose.NewChallengeQuota(pose.QuotaConfig{})
	journal, err := pose.OpenJournal(filepath.Join(nodeDir, "pending-receipts.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("cmd: open pose journal: %w", err)
	}
	evidence, err := pose.OpenEvidenceLog(filepath.Join(nodeDir, "evidence-agent.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("cmd: open evidence log: %w", err)
	}

	baseURLs := cfg.PoSeTargetBaseURLs
	targetClient := pose.NewHTTPTargetClient(func(t pose.Target) string { return baseURLs[t.NodeID] })

	var submitter pose.BatchSubmitter
	if cfg.PoSeManagerGRPCAddr != "" {
		submitter, err = pose.DialBatchSubmitter(cfg.PoSeManagerGRPCAddr, "")
		if err != nil {
			return nil, fmt.Errorf("cmd: dial pose manager: %w", err)
		}
	}

	targets := make([]pose.Target, 0, len(cfg.PoSeTargets))
	for _, id := range cfg.PoSeTargets {
		targets = append(targets, pose.Target{NodeID: id})
	}

	l1Source := func(ctx context.Context) (uint64, error) { return 0, fmt.Errorf("cmd: l1 height source not configured") }
	regSource := func(ctx context.Context) (bool, error) { return true, nil }
	chSched := func(epochID uint64, nodeID string, setSize int) bool {
		if setSize <= 0 {
			return false
		}
		return epochID%uint64(setSize) == 0
	}
	agSched := chSched

	agent := pose.NewAgent(pose.AgentConfig{
		EpochDuration:     time.Duration(cfg.AgentIntervalMs) * time.Millisecond * 60,
		BatchSize:         cfg.AgentBatchSize,
		SampleSize:        cfg.AgentSampleSize,
		ChallengerSetSize: 1,
		AggregatorSetSize: 1,
	}, sign, quota, journal, evidence, nonces, targetClient, l1Source, regSource, chSched, agSched, submitter, targets)

	rootSource := pose.NewHTTPStorageRootSource(func(t pose.Target) string { return baseURLs[t.NodeID] })
	agent.SetStorageRootSource(rootSource.Resolve)
	return agent, nil
}

func importSnapshotCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "import-snapshot",
		Short: "import a state snapshot JSON file into nodeDir's chain store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadNodeConfig(nodeDir)
			if err != nil {
				return err
			}
			sign, err := loadNodeKey(nodeDir)
			if err != nil {
				return err
			}
			raw, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("cmd: read snapshot file: %w", err)
			}
			snap, err := snapshot.Unmarshal(raw)
			if err != nil {
				return fmt.Errorf("cmd: parse snapshot: %w", err)
			}
			engine, _, _, err := buildEngine(cfg, sign)
			if err != nil {
				return err
			}
			root, err := engine.ImportState(snap, snap.StateRoot)
			if err != nil {
				return fmt.Errorf("cmd: import state: %w", err)
			}
			cmd.Printf("imported snapshot at height %d, root %s\n", snap.BlockHeight, root.Hex())
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "file", "", "path to the snapshot JSON file (required)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func exportSnapshotCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "export-snapshot",
		Short: "export nodeDir's current chain state to a snapshot JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadNodeConfig(nodeDir)
			if err != nil {
				return err
			}
			sign, err := loadNodeKey(nodeDir)
			if err != nil {
				return err
			}
			engine, _, _, err := buildEngine(cfg, sign)
			if err != nil {
				return err
			}
			snap, err := engine.ExportState()
			if err != nil {
				return fmt.Errorf("cmd: export state: %w", err)
			}
			raw, err := snap.Marshal()
			if err != nil {
				return err
			}
			if err := os.WriteFile(path, raw, 0644); err != nil {
				return fmt.Errorf("cmd: write snapshot file: %w", err)
			}
			cmd.Printf("exported snapshot at height %d to %s\n", snap.BlockHeight, path)
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "file", "", "path to write the snapshot JSON file (required)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func pidFilePath(dir string) string {
	return filepath.Join(dir, "coc-node.pid")
}

func writePIDFile(dir string) error {
	return os.WriteFile(pidFilePath(dir), []byte(strconv.Itoa(os.Getpid())), 0644)
}

func removePIDFile(dir string) {
	_ = os.Remove(pidFilePath(dir))
}
