// Package config provides a reusable loader for latticenet node
// configuration files and environment variables. It is versioned so that
// applications can depend on a stable API contract.
//
// Version: v0.1.0
package config

import (
	"fmt"

	"github.com/spf13/viper"

	"latticenet/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// ValidatorSpec is one entry in the entity's validator set, loaded from
// config rather than hardcoded — spec.md §3/§4.5 treats the validator set
// and share weights as part of an entity's ConsensusConfig.
type ValidatorSpec struct {
	SignerID string `mapstructure:"signer_id" json:"signer_id"`
	Share    int64  `mapstructure:"share" json:"share"`
	// PublicKey is the validator's hex-encoded compressed SEC1 public key,
	// used to verify the proposals and precommits it signs (spec §7).
	PublicKey string `mapstructure:"public_key" json:"public_key"`
}

// Config is the unified configuration for a latticenet node host.
type Config struct {
	Node struct {
		EntityID   string `mapstructure:"entity_id" json:"entity_id"`
		SignerID   string `mapstructure:"signer_id" json:"signer_id"`
		IsProposer bool   `mapstructure:"is_proposer" json:"is_proposer"`
		// SigningKey is this node's hex-encoded secp256k1 private scalar,
		// used to sign proposals and precommits it originates (spec §7). A
		// node started without one can follow consensus but never produce a
		// signature its peers will accept.
		SigningKey string `mapstructure:"signing_key" json:"signing_key"`
	} `mapstructure:"node" json:"node"`

	Consensus struct {
		Mode       string          `mapstructure:"mode" json:"mode"`
		Threshold  int64           `mapstructure:"threshold" json:"threshold"`
		ProposerID string          `mapstructure:"proposer_id" json:"proposer_id"`
		Validators []ValidatorSpec `mapstructure:"validators" json:"validators"`
	} `mapstructure:"consensus" json:"consensus"`

	Persistence struct {
		LogPath      string `mapstructure:"log_path" json:"log_path"`
		SnapshotPath string `mapstructure:"snapshot_path" json:"snapshot_path"`
	} `mapstructure:"persistence" json:"persistence"`

	Routing struct {
		Alpha     float64 `mapstructure:"alpha" json:"alpha"`
		TopK      int     `mapstructure:"top_k" json:"top_k"`
		CacheSize int     `mapstructure:"cache_size" json:"cache_size"`
	} `mapstructure:"routing" json:"routing"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment-specific
// overrides. The resulting configuration is stored in AppConfig and
// returned.
//
// The function uses the provided environment name to merge additional
// config files. If env is empty, only the default configuration is
// loaded.
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

	viper.AutomaticEnv() // picks up matching process environment variables

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the LATTICENET_ENV environment
// variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("LATTICENET_ENV", ""))
}
