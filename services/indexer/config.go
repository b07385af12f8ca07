// Package indexer follows a Substrate chain over WebSocket RPC and
// materializes its blocks into Postgres. The ingestion pipeline subscribes to
// head updates, backfills gaps concurrently, and commits blocks in strict
// height order.
package indexer

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/polkaview/indexer/infrastructure/chain"
)

// Config holds the indexer configuration. All variables use the INDEXER_
// prefix.
type Config struct {
	// PostgreSQL direct connection
	PostgresHost     string
	PostgresPort     int
	PostgresDB       string
	PostgresUser     string
	PostgresPassword string
	PostgresSSLMode  string

	// Chain RPC endpoints. LocalNodeURL, when set, is prepended to the list;
	// the latency-weighted router then naturally prefers it.
	RPCEndpoints []string
	LocalNodeURL string

	// Pipeline settings
	InflightWindow    int
	StartHeight       uint32
	FailedLookback    uint32
	ExpectedBlockTime time.Duration

	// Extension settings
	ExtensionsDir string

	// Timeouts
	RPCCallTimeout time.Duration
	FetchTimeout   time.Duration
	StopTimeout    time.Duration

	// API settings
	ListenAddr string

	// ConsistencySweepSpec is a cron expression for the periodic repair scan
	// (empty disables it).
	ConsistencySweepSpec string
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		PostgresPort:         5432,
		PostgresDB:           "indexer",
		PostgresUser:         "postgres",
		PostgresSSLMode:      "disable",
		InflightWindow:       32,
		StartHeight:          0,
		FailedLookback:       100,
		ExpectedBlockTime:    6 * time.Second,
		RPCCallTimeout:       15 * time.Second,
		FetchTimeout:         30 * time.Second,
		StopTimeout:          30 * time.Second,
		ListenAddr:           ":8080",
		ConsistencySweepSpec: "@hourly",
	}
}

// LoadFromEnv loads configuration from environment variables.
func LoadFromEnv() (*Config, error) {
	cfg := DefaultConfig()

	if host := os.Getenv("INDEXER_POSTGRES_HOST"); host != "" {
		cfg.PostgresHost = host
	}
	if port := os.Getenv("INDEXER_POSTGRES_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.PostgresPort = p
		}
	}
	if db := os.Getenv("INDEXER_POSTGRES_DB"); db != "" {
		cfg.PostgresDB = db
	}
	if user := os.Getenv("INDEXER_POSTGRES_USER"); user != "" {
		cfg.PostgresUser = user
	}
	if pass := os.Getenv("INDEXER_POSTGRES_PASSWORD"); pass != "" {
		cfg.PostgresPassword = pass
	}
	if ssl := os.Getenv("INDEXER_POSTGRES_SSLMODE"); ssl != "" {
		cfg.PostgresSSLMode = ssl
	}

	cfg.RPCEndpoints = chain.ParseEndpoints(os.Getenv("INDEXER_RPC_ENDPOINTS"))
	cfg.LocalNodeURL = strings.TrimSpace(os.Getenv("INDEXER_LOCAL_NODE_URL"))

	if window := os.Getenv("INDEXER_INFLIGHT_WINDOW"); window != "" {
		if w, err := strconv.Atoi(window); err == nil {
			cfg.InflightWindow = w
		}
	}
	if start := os.Getenv("INDEXER_START_HEIGHT"); start != "" {
		if s, err := strconv.ParseUint(start, 10, 32); err == nil {
			cfg.StartHeight = uint32(s)
		}
	}
	if lookback := os.Getenv("INDEXER_FAILED_LOOKBACK"); lookback != "" {
		if l, err := strconv.ParseUint(lookback, 10, 32); err == nil {
			cfg.FailedLookback = uint32(l)
		}
	}
	if blockTime := os.Getenv("INDEXER_BLOCK_TIME"); blockTime != "" {
		if d, err := time.ParseDuration(blockTime); err == nil {
			cfg.ExpectedBlockTime = d
		}
	}

	if dir := os.Getenv("INDEXER_EXTENSIONS_DIR"); dir != "" {
		cfg.ExtensionsDir = dir
	}
	if addr := os.Getenv("INDEXER_LISTEN_ADDR"); addr != "" {
		cfg.ListenAddr = addr
	}
	if spec := os.Getenv("INDEXER_CONSISTENCY_SWEEP"); spec != "" {
		cfg.ConsistencySweepSpec = spec
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.PostgresHost == "" {
		return fmt.Errorf("INDEXER_POSTGRES_HOST required")
	}
	if c.PostgresPassword == "" {
		return fmt.Errorf("INDEXER_POSTGRES_PASSWORD required")
	}
	if len(c.AllEndpoints()) == 0 {
		return fmt.Errorf("at least one RPC endpoint required (INDEXER_RPC_ENDPOINTS)")
	}
	if c.InflightWindow < 1 || c.InflightWindow > 1024 {
		return fmt.Errorf("inflight window must be between 1 and 1024")
	}
	if c.ExpectedBlockTime <= 0 {
		return fmt.Errorf("expected block time must be positive")
	}
	return nil
}

// AllEndpoints returns the endpoint list with the local node, when
// configured, in first position.
func (c *Config) AllEndpoints() []string {
	if c.LocalNodeURL == "" {
		return c.RPCEndpoints
	}
	out := make([]string, 0, len(c.RPCEndpoints)+1)
	out = append(out, c.LocalNodeURL)
	for _, ep := range c.RPCEndpoints {
		if ep != c.LocalNodeURL {
			out = append(out, ep)
		}
	}
	return out
}

// GetPostgresDSN returns the PostgreSQL connection string.
func (c *Config) GetPostgresDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.PostgresHost, c.PostgresPort, c.PostgresDB,
		c.PostgresUser, c.PostgresPassword, c.PostgresSSLMode,
	)
}
