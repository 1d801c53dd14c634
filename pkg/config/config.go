package config

// Package config provides a reusable loader for the core's configuration
// files and environment variables. It is versioned so that applications can
// depend on a stable API contract.
//
// Version: v0.1.0

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/fabstir/llm-core/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config is the process-wide typed configuration (SPEC_FULL.md §3): network
// endpoints, storage paths, logging, and default session parameters.
type Config struct {
	Network struct {
		RegistryURL       string   `mapstructure:"registry_url" json:"registry_url"`
		BootstrapPeers    []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`
		DHTRendezvous     string   `mapstructure:"dht_rendezvous" json:"dht_rendezvous"`
		ListenAddr        string   `mapstructure:"listen_addr" json:"listen_addr"`
		DiscoveryTag      string   `mapstructure:"discovery_tag" json:"discovery_tag"`
		DiscoveryCacheTTL int      `mapstructure:"discovery_cache_ttl_seconds" json:"discovery_cache_ttl_seconds"`
	} `mapstructure:"network" json:"network"`

	Storage struct {
		RootDir string `mapstructure:"root_dir" json:"root_dir"`
	} `mapstructure:"storage" json:"storage"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`

	Session struct {
		ProofInterval       uint64 `mapstructure:"proof_interval" json:"proof_interval"`
		MinCheckpointTokens uint64 `mapstructure:"min_checkpoint_tokens" json:"min_checkpoint_tokens"`
		TransportOpenTimeoutMs  int `mapstructure:"transport_open_timeout_ms" json:"transport_open_timeout_ms"`
		PromptTimeoutMs         int `mapstructure:"prompt_timeout_ms" json:"prompt_timeout_ms"`
		ContractCallTimeoutMs   int `mapstructure:"contract_call_timeout_ms" json:"contract_call_timeout_ms"`
		ConfirmationDepth       int `mapstructure:"confirmation_depth" json:"confirmation_depth"`
	} `mapstructure:"session" json:"session"`

	Gateway struct {
		ListenAddr string `mapstructure:"listen_addr" json:"listen_addr"`
	} `mapstructure:"gateway" json:"gateway"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and returned.
//
// The function uses the provided environment name to merge additional config
// files. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.AutomaticEnv() // picks up from .env

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the LLMCORE_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("LLMCORE_ENV", ""))
}
