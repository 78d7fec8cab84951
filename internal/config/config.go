// Package config loads the daemon's configuration surface: flags
// override environment variables, which override defaults.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/txpipe/dolos/internal/cardano"
	"github.com/txpipe/dolos/internal/domain"
)

// Config is the fully resolved configuration surface for cmd/dolosd.
type Config struct {
	StoragePath string

	Caches domain.CacheSizes

	MaxWALHistory uint64

	// StopEpoch is sync.stop_epoch; nil means unset.
	StopEpoch *uint64
	BatchSize int

	GenesisPaths cardano.Paths
	// ForceProtocolVersionAtEpoch0 is chain.force_protocol_version_at_epoch_0;
	// zero means unset.
	ForceProtocolVersionAtEpoch0 uint32

	UpstreamAddr       string
	UpstreamCompressed bool

	MetricsAddr string
}

// Load parses flags (env-backed defaults) into a Config. A ".env"
// file in the working directory is loaded first if present.
func Load(args []string) (*Config, error) {
	_ = godotenv.Load()

	fs := flag.NewFlagSet("dolosd", flag.ContinueOnError)

	storagePath := fs.String("storage.path", getEnvOrDefault("STORAGE_PATH", "./data"), "root directory for the four sub-stores")
	stateCache := fs.Int("storage.state_cache", getEnvIntOrDefault("STORAGE_STATE_CACHE", 0), "state store cache size in bytes")
	archiveCache := fs.Int("storage.archive_cache", getEnvIntOrDefault("STORAGE_ARCHIVE_CACHE", 0), "archive store cache size in bytes")
	indexCache := fs.Int("storage.index_cache", getEnvIntOrDefault("STORAGE_INDEX_CACHE", 0), "index store cache size in bytes")
	walCache := fs.Int("storage.wal_cache", getEnvIntOrDefault("STORAGE_WAL_CACHE", 0), "wal store cache size in bytes")
	maxWALHistory := fs.Uint64("storage.max_wal_history", getEnvUint64OrDefault("STORAGE_MAX_WAL_HISTORY", 0), "wal history to retain, in slots behind the wal tip, before pruning (0 = unbounded)")

	stopEpoch := fs.Int64("sync.stop_epoch", getEnvInt64OrDefault("SYNC_STOP_EPOCH", -1), "forced halt at start of given epoch (-1 = unset)")
	batchSize := fs.Int("sync.batch_size", getEnvIntOrDefault("SYNC_BATCH_SIZE", 100), "max blocks per roll batch")

	byronPath := fs.String("chain.genesis.byron_path", getEnvOrDefault("GENESIS_BYRON_PATH", ""), "byron genesis path")
	shelleyPath := fs.String("chain.genesis.shelley_path", getEnvOrDefault("GENESIS_SHELLEY_PATH", ""), "shelley genesis path (required)")
	alonzoPath := fs.String("chain.genesis.alonzo_path", getEnvOrDefault("GENESIS_ALONZO_PATH", ""), "alonzo genesis path")
	conwayPath := fs.String("chain.genesis.conway_path", getEnvOrDefault("GENESIS_CONWAY_PATH", ""), "conway genesis path")
	forceProtocol := fs.Int("chain.force_protocol_version_at_epoch_0", getEnvIntOrDefault("CHAIN_FORCE_PROTOCOL_VERSION_AT_EPOCH_0", 0), "protocol major to force at epoch 0 (0 = unset)")

	upstreamAddr := fs.String("upstream.addr", getEnvOrDefault("UPSTREAM_ADDR", "127.0.0.1:9090"), "reference websocket upstream address")
	upstreamCompressed := fs.Bool("upstream.compressed", getEnvBoolOrDefault("UPSTREAM_COMPRESSED", false), "upstream frames are zstd-compressed")

	metricsAddr := fs.String("metrics.addr", getEnvOrDefault("METRICS_ADDR", ":2112"), "prometheus /metrics listen address")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *shelleyPath == "" {
		return nil, fmt.Errorf("config: chain.genesis.shelley_path is required")
	}

	var sp *uint64
	if *stopEpoch >= 0 {
		v := uint64(*stopEpoch)
		sp = &v
	}

	return &Config{
		StoragePath: *storagePath,
		Caches: domain.CacheSizes{
			State: *stateCache, Archive: *archiveCache, Index: *indexCache, WAL: *walCache,
		},
		MaxWALHistory: *maxWALHistory,
		StopEpoch:     sp,
		BatchSize:     *batchSize,
		GenesisPaths: cardano.Paths{
			Byron: *byronPath, Shelley: *shelleyPath, Alonzo: *alonzoPath, Conway: *conwayPath,
		},
		ForceProtocolVersionAtEpoch0: uint32(*forceProtocol),
		UpstreamAddr:                 *upstreamAddr,
		UpstreamCompressed:           *upstreamCompressed,
		MetricsAddr:                  *metricsAddr,
	}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvInt64OrDefault(key string, defaultValue int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvUint64OrDefault(key string, defaultValue uint64) uint64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseUint(v, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}
