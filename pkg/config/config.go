// Package config holds the settings shared by the three binaries.
// Defaults follow the protocol constants; the environment overrides
// them and command-line flags override both.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/avfleet/handoff/pkg/model"
)

// Config is the recognized option set.
type Config struct {
	// RegionEndpoints are the participant base URLs used by the
	// coordinator, health monitor and query router.
	RegionEndpoints map[model.Region]string

	HealthPollInterval time.Duration
	PrepareDeadline    time.Duration
	CommitDeadline     time.Duration
	RecoveryGrace      time.Duration

	ReplicatorMode string

	GlobalStoreURI string
	PHXStoreURI    string
	LAStoreURI     string

	// RegionDatabase and GlobalDatabase name the document databases
	// inside the stores.
	RegionDatabase string
	GlobalDatabase string
}

// Default returns the documented defaults.
func Default() *Config {
	return &Config{
		RegionEndpoints: map[model.Region]string{
			model.RegionPHX: "http://localhost:8001",
			model.RegionLA:  "http://localhost:8002",
		},
		HealthPollInterval: 5 * time.Second,
		PrepareDeadline:    5 * time.Second,
		CommitDeadline:     10 * time.Second,
		RecoveryGrace:      30 * time.Second,
		ReplicatorMode:     "initial+stream",
		GlobalStoreURI:     "mongodb://localhost:27023/?replicaSet=rs-global",
		PHXStoreURI:        "mongodb://localhost:27017/?replicaSet=rs-phoenix",
		LAStoreURI:         "mongodb://localhost:27020/?replicaSet=rs-la",
		RegionDatabase:     "av_fleet",
		GlobalDatabase:     "av_fleet_global",
	}
}

// FromEnv layers environment overrides onto the defaults.
func FromEnv() *Config {
	cfg := Default()
	if v := os.Getenv("MONGO_URI_PHX"); v != "" {
		cfg.PHXStoreURI = v
	}
	if v := os.Getenv("MONGO_URI_LA"); v != "" {
		cfg.LAStoreURI = v
	}
	if v := os.Getenv("MONGO_URI_GLOBAL"); v != "" {
		cfg.GlobalStoreURI = v
	}
	if v := os.Getenv("REGION_ENDPOINT_PHX"); v != "" {
		cfg.RegionEndpoints[model.RegionPHX] = v
	}
	if v := os.Getenv("REGION_ENDPOINT_LA"); v != "" {
		cfg.RegionEndpoints[model.RegionLA] = v
	}
	if v := os.Getenv("REPLICATOR_MODE"); v != "" {
		cfg.ReplicatorMode = v
	}
	cfg.HealthPollInterval = envSeconds("HEALTH_POLL_INTERVAL_SECONDS", cfg.HealthPollInterval)
	cfg.RecoveryGrace = envSeconds("RECOVERY_GRACE_SECONDS", cfg.RecoveryGrace)
	cfg.PrepareDeadline = envMillis("PREPARE_DEADLINE_MS", cfg.PrepareDeadline)
	cfg.CommitDeadline = envMillis("COMMIT_DEADLINE_MS", cfg.CommitDeadline)
	return cfg
}

// StoreURI returns the regional store URI for region.
func (c *Config) StoreURI(region model.Region) string {
	if region == model.RegionLA {
		return c.LAStoreURI
	}
	return c.PHXStoreURI
}

func envSeconds(name string, fallback time.Duration) time.Duration {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return fallback
}

func envMillis(name string, fallback time.Duration) time.Duration {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Millisecond
		}
	}
	return fallback
}
