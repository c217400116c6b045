// Package config loads the node's environment configuration (spec.md §6
// options table) via viper + yaml, mirroring pkg/config/config.go's
// Load/LoadFromEnv shape and field-tagging convention, retargeted from the
// teacher's VM/consensus-type fields to this spec's option set.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"coc-node/pkg/utils"
)

// Config is the unified node configuration (spec.md §6).
type Config struct {
	DataDir string `mapstructure:"data_dir" json:"data_dir"`

	BlockIntervalMs int `mapstructure:"block_interval_ms" json:"block_interval_ms"`
	SyncIntervalMs  int `mapstructure:"sync_interval_ms" json:"sync_interval_ms"`
	FinalityDepth   int `mapstructure:"finality_depth" json:"finality_depth"`
	MaxTxPerBlock   int `mapstructure:"max_tx_per_block" json:"max_tx_per_block"`
	MinGasPriceWei  int64 `mapstructure:"min_gas_price_wei" json:"min_gas_price_wei"`
	ChainID         int64 `mapstructure:"chain_id" json:"chain_id"`

	SignatureEnforcement string `mapstructure:"signature_enforcement" json:"signature_enforcement"`
	P2PInboundAuthMode   string `mapstructure:"p2p_inbound_auth_mode" json:"p2p_inbound_auth_mode"`

	RateLimitWindowMs int `mapstructure:"rate_limit_window_ms" json:"rate_limit_window_ms"`
	RateLimitMax      int `mapstructure:"rate_limit_max" json:"rate_limit_max"`

	BroadcastConcurrency int `mapstructure:"broadcast_concurrency" json:"broadcast_concurrency"`
	MaxPeers             int `mapstructure:"max_peers" json:"max_peers"`
	MaxPeersPerIP        int `mapstructure:"max_peers_per_ip" json:"max_peers_per_ip"`

	AuthNonceTTLMs int `mapstructure:"auth_nonce_ttl_ms" json:"auth_nonce_ttl_ms"`
	AuthNonceMax   int `mapstructure:"auth_nonce_max" json:"auth_nonce_max"`

	AgentIntervalMs int `mapstructure:"agent_interval_ms" json:"agent_interval_ms"`
	AgentBatchSize  int `mapstructure:"agent_batch_size" json:"agent_batch_size"`
	AgentSampleSize int `mapstructure:"agent_sample_size" json:"agent_sample_size"`

	ListenAddr     string   `mapstructure:"listen_addr" json:"listen_addr"`
	BootstrapPeers []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`
	DiscoveryIntervalMs int `mapstructure:"discovery_interval_ms" json:"discovery_interval_ms"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// Defaults mirrors the Default column of spec.md §6's options table.
func Defaults() Config {
	return Config{
		DataDir:              "./data",
		BlockIntervalMs:      3000,
		SyncIntervalMs:       5000,
		FinalityDepth:        3,
		MaxTxPerBlock:        50,
		MinGasPriceWei:       1,
		ChainID:              18780,
		SignatureEnforcement: "enforce",
		P2PInboundAuthMode:   "enforce",
		RateLimitWindowMs:    60000,
		RateLimitMax:         240,
		BroadcastConcurrency: 5,
		MaxPeers:             50,
		MaxPeersPerIP:        3,
		AuthNonceTTLMs:       86400000,
		AuthNonceMax:         100000,
		AgentIntervalMs:      60000,
		AgentBatchSize:       5,
		AgentSampleSize:      2,
		ListenAddr:           "/ip4/0.0.0.0/tcp/0",
		DiscoveryIntervalMs:  30000,
	}
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv,
// matching the teacher's package-level AppConfig convention.
var AppConfig = Defaults()

// Load reads a YAML config file (if present) and lets COC_-prefixed
// environment variables override its values. An environment variable only
// takes effect for a key that appears in a loaded YAML file; a key absent
// from every file keeps its Defaults() value. env selects an optional overlay file
// (e.g. "devnet", "testnet"); pass "" to load only the base file.
func Load(configDir, env string) (*Config, error) {
	cfg := Defaults()
	v := viper.New()
	v.SetConfigName("default")
	v.AddConfigPath(configDir)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, utils.Wrap(err, "load config")
		}
	} else if env != "" {
		v.SetConfigName(env)
		if err := v.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}
	v.SetEnvPrefix("COC")
	v.AutomaticEnv()
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	AppConfig = cfg
	return &cfg, nil
}

// LoadFromEnv loads configuration using the COC_ENV environment variable,
// matching the teacher's SYNN_ENV convention.
func LoadFromEnv(configDir string) (*Config, error) {
	return Load(configDir, utils.EnvOrDefault("COC_ENV", ""))
}

func (c Config) BlockInterval() time.Duration { return time.Duration(c.BlockIntervalMs) * time.Millisecond }
func (c Config) SyncInterval() time.Duration  { return time.Duration(c.SyncIntervalMs) * time.Millisecond }
func (c Config) AgentInterval() time.Duration { return time.Duration(c.AgentIntervalMs) * time.Millisecond }
