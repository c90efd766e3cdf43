// Package config handles loading and validating the relay's configuration
// from a relay.json file.
//
// The configuration file is a JSON object covering the firehose log's disk
// and retention bounds, the crawler and publisher worker pools, the identity
// cache's TTLs, the host table's PostgreSQL connection, and the admin API's
// shared secret.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"time"
)

// Config holds all relay configuration loaded from relay.json. The file is
// read once at startup; changes require a restart.
type Config struct {
	// ListenAddr is the HTTP listen address for the admin API and the
	// downstream subscribeRepos endpoint (default ":3000").
	ListenAddr string `json:"listenAddr"`

	// MetricsAddr is accepted in the file but not read by the relay: the
	// Prometheus handler is served only on ListenAddr at /metrics, and no
	// separate metrics listener is started.
	MetricsAddr string `json:"metricsAddr,omitempty"`

	// AdminKey is a bcrypt hash of the shared secret used to authenticate
	// management API calls (see auth.HashAdminKey). Clients send the
	// plaintext secret as "Authorization: Bearer <secret>"; the relay never
	// stores the plaintext itself.
	AdminKey string `json:"adminKey"`

	// JWTSecret is the HMAC key used to sign and verify admin JWTs minted
	// as an alternative to presenting AdminKey on every request. Distinct
	// from AdminKey so rotating one doesn't invalidate the other.
	JWTSecret string `json:"jwtSecret"`

	// Firehose log (C1).
	DBPath            string        `json:"dbPath"`
	DiskSize          int64         `json:"diskSize"`
	TrimHighWaterMark float64       `json:"trimHighWaterMark,omitempty"`
	TTL               time.Duration `json:"ttlSeconds,omitempty"`
	FsyncInterval     time.Duration `json:"fsyncInterval,omitempty"`

	// Shared channel capacity between crawler and validator (C3 -> C4).
	ChannelCapacity int `json:"channelCapacity"`

	// Crawler pool (C3).
	WorkersCrawlers int           `json:"workersCrawlers"`
	IdleTimeout     time.Duration `json:"idleTimeout,omitempty"`
	HostsInterval   time.Duration `json:"hostsInterval,omitempty"`

	// Publisher pool (C5).
	WorkersPublishers int `json:"workersPublishers"`
	MaxLag            int `json:"maxLag,omitempty"`

	// Identity resolver (C2).
	PLCDirectory string        `json:"plcDirectory"`
	StaleTTL     time.Duration `json:"staleTtl,omitempty"`
	MaxTTL       time.Duration `json:"maxTtl,omitempty"`
	MaxEntries   int           `json:"maxEntries,omitempty"`

	// Host table (PostgreSQL).
	DBConn string `json:"dbConn"`
	DBName string `json:"dbName"`
	DBUser string `json:"dbUser"`
	DBPass string `json:"dbPass"`
}

// Load reads and parses configuration from the given file path, applying
// defaults for anything left unset, then validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	// ttlSeconds is a count of seconds; json decodes a bare number into a
	// time.Duration as nanoseconds.
	cfg.TTL *= time.Second

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":3000"
	}
	if c.DBPath == "" {
		c.DBPath = "relay.db"
	}
	if c.DiskSize == 0 {
		c.DiskSize = 320 << 30 // 320 GiB, matches the upstream default retention budget.
	}
	if c.TrimHighWaterMark == 0 {
		c.TrimHighWaterMark = 0.9
	}
	if c.TTL == 0 {
		c.TTL = 24 * time.Hour
	}
	if c.ChannelCapacity == 0 {
		c.ChannelCapacity = 1 << 16
	}
	if c.WorkersCrawlers == 0 {
		c.WorkersCrawlers = 4
	}
	if c.WorkersPublishers == 0 {
		c.WorkersPublishers = 4
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.HostsInterval == 0 {
		c.HostsInterval = time.Hour
	}
	if c.MaxLag == 0 {
		c.MaxLag = 1 << 14
	}
	if c.PLCDirectory == "" {
		c.PLCDirectory = "https://plc.directory"
	}
	if c.StaleTTL == 0 {
		c.StaleTTL = time.Hour
	}
	if c.MaxTTL == 0 {
		c.MaxTTL = 72 * time.Hour
	}
	if c.MaxEntries == 0 {
		c.MaxEntries = 1 << 20
	}
}

// validate checks that all required fields are present.
func (c *Config) validate() error {
	switch {
	case c.AdminKey == "":
		return fmt.Errorf("config: adminKey is required")
	case c.JWTSecret == "":
		return fmt.Errorf("config: jwtSecret is required")
	case c.DBConn == "":
		return fmt.Errorf("config: dbConn is required")
	case c.DBName == "":
		return fmt.Errorf("config: dbName is required")
	case c.DBUser == "":
		return fmt.Errorf("config: dbUser is required")
	case c.DBPass == "":
		return fmt.Errorf("config: dbPass is required")
	case c.TrimHighWaterMark <= 0 || c.TrimHighWaterMark > 1:
		return fmt.Errorf("config: trimHighWaterMark must be in (0, 1]")
	}
	return nil
}

// ConnString builds a PostgreSQL connection URI for the host table from the
// config fields.
func (c *Config) ConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable",
		url.QueryEscape(c.DBUser),
		url.QueryEscape(c.DBPass),
		c.DBConn,
		url.QueryEscape(c.DBName),
	)
}
