// Package config reads diamondctl settings from the environment and
// workflow plans from YAML, JSON or CUE files.
package config

import (
	"fmt"
	"time"

	"github.com/roach88/diamondctl/internal/checkpoint"
	"github.com/roach88/diamondctl/internal/deploy/evm"
	"github.com/roach88/diamondctl/internal/output"
	"github.com/roach88/diamondctl/internal/store"
)

// Environment variables read by FromEnv.
const (
	EnvRPCURL        = "RPC_URL"
	EnvPrivateKey    = "PRIVATE_KEY"
	EnvChainID       = "CHAIN_ID"
	EnvArtifactsDir  = "DIAMOND_ARTIFACTS_DIR"
	EnvPollInterval  = "DIAMOND_POLL_INTERVAL"
	EnvNetwork       = "DIAMOND_NETWORK"
	EnvCheckpointDir = "DIAMOND_CHECKPOINT_DIR"
	EnvStore         = "DIAMOND_STORE"
	EnvDatabaseURL   = "DATABASE_URL"
	EnvDBPingTimeout = "DIAMOND_DB_PING_TIMEOUT"
	EnvMinIOEndpoint = "DIAMOND_MINIO_ENDPOINT"
	EnvMinIOAccess   = "DIAMOND_MINIO_ACCESS_KEY"
	EnvMinIOSecret   = "DIAMOND_MINIO_SECRET_KEY"
	EnvMinIOUseSSL   = "DIAMOND_MINIO_USE_SSL"
	EnvMinIORegion   = "DIAMOND_MINIO_REGION"
)

// Store kinds accepted by Settings.Store.
const (
	StoreFile     = "file"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// DefaultCheckpointDir is where the file store keeps checkpoints.
const DefaultCheckpointDir = checkpoint.DefaultDir

// Settings are the process-level settings. Flags override them.
type Settings struct {
	RPCURL       string
	PrivateKey   string
	ChainID      int
	ArtifactsDir string
	PollInterval time.Duration

	Network       string
	CheckpointDir string

	// Store selects the checkpoint store: file, sqlite or postgres. For
	// sqlite DatabaseURL is a file path, for postgres a connection URL.
	Store         string
	DatabaseURL   string
	DBPingTimeout time.Duration

	MinIO output.MinIOConfig
}

// FromEnv reads Settings from the environment.
func FromEnv() (Settings, error) {
	s := Settings{
		RPCURL:        String(EnvRPCURL, "http://127.0.0.1:8545"),
		PrivateKey:    String(EnvPrivateKey, ""),
		ArtifactsDir:  String(EnvArtifactsDir, "artifacts"),
		Network:       String(EnvNetwork, ""),
		CheckpointDir: String(EnvCheckpointDir, DefaultCheckpointDir),
		Store:         String(EnvStore, StoreFile),
		DatabaseURL:   String(EnvDatabaseURL, ""),
		MinIO: output.MinIOConfig{
			Endpoint:  String(EnvMinIOEndpoint, ""),
			AccessKey: String(EnvMinIOAccess, ""),
			SecretKey: String(EnvMinIOSecret, ""),
			Region:    String(EnvMinIORegion, ""),
		},
	}

	var err error
	if s.ChainID, err = Int(EnvChainID, 31337); err != nil {
		return Settings{}, err
	}
	if s.PollInterval, err = Duration(EnvPollInterval, time.Second); err != nil {
		return Settings{}, err
	}
	if s.DBPingTimeout, err = Duration(EnvDBPingTimeout, 5*time.Second); err != nil {
		return Settings{}, err
	}
	if s.MinIO.UseSSL, err = Bool(EnvMinIOUseSSL, true); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate checks the store selection.
func (s Settings) Validate() error {
	switch s.Store {
	case StoreFile:
		if s.CheckpointDir == "" {
			return fmt.Errorf("config: checkpoint directory is required for the file store")
		}
	case StoreSQLite, StorePostgres:
		if s.DatabaseURL == "" {
			return fmt.Errorf("config: %s is required for the %s store", EnvDatabaseURL, s.Store)
		}
	default:
		return fmt.Errorf("config: unknown store %q (want file, sqlite or postgres)", s.Store)
	}
	return nil
}

// Backend returns the JSON-RPC backend configuration.
func (s Settings) Backend() evm.Config {
	return evm.Config{
		RPCURL:       s.RPCURL,
		ChainID:      int64(s.ChainID),
		ArtifactsDir: s.ArtifactsDir,
		PollInterval: s.PollInterval,
	}
}

// Postgres returns the connection settings for the postgres store.
func (s Settings) Postgres() store.PostgresConfig {
	cfg := store.DefaultPostgresConfig(s.DatabaseURL)
	if s.DBPingTimeout > 0 {
		cfg.PingTimeout = s.DBPingTimeout
	}
	return cfg
}

// ObjectStorage reports whether MinIO output is configured.
func (s Settings) ObjectStorage() bool {
	return s.MinIO.Endpoint != ""
}
