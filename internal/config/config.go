// Parkfabric - Distributed Parking Management Fabric
// Copyright 2026 Parkfabric Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/parkfabric/parkfabric

// Package config loads layered configuration for central and edge nodes
// using Koanf v2: built-in defaults, then an optional YAML file, then
// environment variables. The peer list is part of the central config and is
// written back to the YAML file when operators add or remove peers.
package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists where the central config file is searched, in
// order. The first file found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/parkfabric/config.yaml",
	"/etc/parkfabric/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "PARKFABRIC_CONFIG"

// Config is the central node configuration.
type Config struct {
	Central  CentralConfig  `koanf:"central"`
	Server   ServerConfig   `koanf:"server"`
	Database DatabaseConfig `koanf:"database"`
	Fees     FeesConfig     `koanf:"fees"`
	Gossip   GossipConfig   `koanf:"gossip"`
	Peers    []PeerConfig   `koanf:"peers"`
	Registry RegistryConfig `koanf:"registry"`
	API      APIConfig      `koanf:"api"`
	Logging  LoggingConfig  `koanf:"logging"`

	// path is the file this config was loaded from; peer mutations are
	// persisted there.
	path string
	mu   sync.Mutex
}

// CentralConfig identifies this central in the fabric.
type CentralConfig struct {
	// ID is the central identifier embedded in every event_id this node
	// generates. Must be unique across the fabric.
	ID string `koanf:"id"`

	// AdvertiseHost and AdvertisePort are what peers use to reach this
	// node; reported by /api/p2p/info. Leave AdvertiseHost empty or "auto"
	// to discover the LAN address at advertise time.
	AdvertiseHost string `koanf:"advertise_host"`
	AdvertisePort int    `koanf:"advertise_port"`
}

// AdvertiseAddr returns the host peers should dial. An unset, "auto", or
// loopback advertise_host is replaced with this node's LAN address, so the
// identity handed out during the add-peer handshake is routable from the
// remote side.
func (c CentralConfig) AdvertiseAddr() string {
	switch c.AdvertiseHost {
	case "", "auto", "localhost", "127.0.0.1":
		return localIP()
	}
	return c.AdvertiseHost
}

// localIP discovers the outbound LAN address. Nothing is sent: connecting
// the UDP socket only asks the routing table which local address it would
// use.
func localIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer func() { _ = conn.Close() }()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "127.0.0.1"
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port"`
	Timeout time.Duration `koanf:"timeout"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	Path        string        `koanf:"path"`
	BusyTimeout time.Duration `koanf:"busy_timeout"`
}

// FeesConfig holds the fee schedule source and defaults.
type FeesConfig struct {
	// BaseHours is the free period; a stay at or under it costs nothing.
	BaseHours float64 `koanf:"base_hours"`

	// PerHour is charged for every started hour beyond the free period.
	PerHour float64 `koanf:"per_hour"`

	// SourceURL optionally points at a remote fee schedule; FilePath is the
	// local JSON fallback and the target of fee updates.
	SourceURL string        `koanf:"source_url"`
	FilePath  string        `koanf:"file_path"`
	CacheTTL  time.Duration `koanf:"cache_ttl"`
}

// GossipConfig tunes the peer channels.
type GossipConfig struct {
	PingInterval   time.Duration `koanf:"ping_interval"`
	PingTimeout    time.Duration `koanf:"ping_timeout"`
	ReconnectDelay time.Duration `koanf:"reconnect_delay"`
	DialTimeout    time.Duration `koanf:"dial_timeout"`

	// SyncOnConnect requests a backfill from a peer right after the channel
	// comes up.
	SyncOnConnect bool `koanf:"sync_on_connect"`
}

// PeerConfig describes one remote central.
type PeerConfig struct {
	ID   string `koanf:"id"`
	Host string `koanf:"host"`
	Port int    `koanf:"port"`
}

// URL returns the peer's base HTTP URL.
func (p PeerConfig) URL() string {
	return fmt.Sprintf("http://%s:%d", p.Host, p.Port)
}

// RegistryConfig tunes camera liveness tracking.
type RegistryConfig struct {
	// HeartbeatTimeout marks a camera offline when no heartbeat arrives
	// within it.
	HeartbeatTimeout time.Duration `koanf:"heartbeat_timeout"`

	// BroadcastInterval drives the periodic camera status push to
	// /ws/cameras clients.
	BroadcastInterval time.Duration `koanf:"broadcast_interval"`
}

// APIConfig holds HTTP surface settings.
type APIConfig struct {
	DefaultPageSize int           `koanf:"default_page_size"`
	MaxPageSize     int           `koanf:"max_page_size"`
	RateLimitReqs   int           `koanf:"rate_limit_requests"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
	CORSOrigins     []string      `koanf:"cors_origins"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// defaultConfig returns a Config with production defaults. Defaults load
// first, then the config file, then environment variables.
func defaultConfig() *Config {
	return &Config{
		Central: CentralConfig{
			ID:            "central-1",
			AdvertiseHost: "",
			AdvertisePort: 8000,
		},
		Server: ServerConfig{
			Host:    "0.0.0.0",
			Port:    8000,
			Timeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Path:        "data/central.db",
			BusyTimeout: 5 * time.Second,
		},
		Fees: FeesConfig{
			BaseHours: 0.5,
			PerHour:   25000,
			SourceURL: "",
			FilePath:  "data/parking_fees.json",
			CacheTTL:  60 * time.Second,
		},
		Gossip: GossipConfig{
			PingInterval:   30 * time.Second,
			PingTimeout:    10 * time.Second,
			ReconnectDelay: 10 * time.Second,
			DialTimeout:    5 * time.Second,
			SyncOnConnect:  true,
		},
		Registry: RegistryConfig{
			HeartbeatTimeout:  60 * time.Second,
			BroadcastInterval: 10 * time.Second,
		},
		API: APIConfig{
			DefaultPageSize: 100,
			MaxPageSize:     1000,
			RateLimitReqs:   300,
			RateLimitWindow: time.Minute,
			CORSOrigins:     []string{"*"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Load reads the central configuration with layered sources:
// defaults, then the YAML file (if present), then environment variables.
func Load() (*Config, error) {
	k := koanf.New(".")

	defaults := defaultConfig()
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	path := findConfigFile()
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.path = path

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// Validate checks invariants the rest of the system relies on.
func (c *Config) Validate() error {
	if c.Central.ID == "" {
		return fmt.Errorf("central.id must not be empty")
	}
	if strings.Contains(c.Central.ID, "_") {
		// event_id fields are underscore-separated; an underscore in the
		// central id would corrupt timestamp parsing on peers.
		return fmt.Errorf("central.id must not contain underscores: %q", c.Central.ID)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path must not be empty")
	}
	if c.Fees.BaseHours < 0 || c.Fees.PerHour < 0 {
		return fmt.Errorf("fee values must not be negative")
	}
	seen := make(map[string]bool, len(c.Peers))
	for _, p := range c.Peers {
		if p.ID == "" || p.Host == "" || p.Port <= 0 {
			return fmt.Errorf("peer entry incomplete: %+v", p)
		}
		if p.ID == c.Central.ID {
			return fmt.Errorf("peer id equals own central id: %s", p.ID)
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate peer id: %s", p.ID)
		}
		seen[p.ID] = true
	}
	return nil
}

// AddPeer appends a peer and persists the config file. Adding an already
// known peer updates its address.
func (c *Config) AddPeer(peer PeerConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if peer.ID == "" || peer.Host == "" || peer.Port <= 0 {
		return fmt.Errorf("peer entry incomplete: %+v", peer)
	}
	if peer.ID == c.Central.ID {
		return fmt.Errorf("cannot add self as peer")
	}

	replaced := false
	for i, p := range c.Peers {
		if p.ID == peer.ID {
			c.Peers[i] = peer
			replaced = true
			break
		}
	}
	if !replaced {
		c.Peers = append(c.Peers, peer)
	}
	return c.saveLocked()
}

// RemovePeer deletes a peer and persists the config file. Removing an
// unknown peer is a no-op.
func (c *Config) RemovePeer(peerID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.Peers[:0]
	for _, p := range c.Peers {
		if p.ID != peerID {
			kept = append(kept, p)
		}
	}
	c.Peers = kept
	return c.saveLocked()
}

// PeerByID returns the configured peer with the given id.
func (c *Config) PeerByID(peerID string) (PeerConfig, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.Peers {
		if p.ID == peerID {
			return p, true
		}
	}
	return PeerConfig{}, false
}

// PeerList returns a copy of the configured peers.
func (c *Config) PeerList() []PeerConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PeerConfig, len(c.Peers))
	copy(out, c.Peers)
	return out
}

// SetPath overrides where peer mutations are persisted. Used by tests and by
// callers that construct configs programmatically.
func (c *Config) SetPath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.path = path
}

func (c *Config) saveLocked() error {
	if c.path == "" {
		// Nothing to persist against; in-memory configs stay in memory.
		return nil
	}

	k := koanf.New(".")
	if err := k.Load(structs.Provider(c, "koanf"), nil); err != nil {
		return fmt.Errorf("serialize config: %w", err)
	}
	out, err := yaml.Parser().Marshal(k.Raw())
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return os.Rename(tmp, c.path)
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envTransform maps environment variable names to koanf config paths.
// Unmapped variables are skipped so stray environment noise cannot leak
// into the configuration.
func envTransform(key string) string {
	mappings := map[string]string{
		"CENTRAL_ID":             "central.id",
		"CENTRAL_ADVERTISE_HOST": "central.advertise_host",
		"CENTRAL_ADVERTISE_PORT": "central.advertise_port",

		"HTTP_HOST":    "server.host",
		"HTTP_PORT":    "server.port",
		"HTTP_TIMEOUT": "server.timeout",

		"DB_PATH":         "database.path",
		"DB_BUSY_TIMEOUT": "database.busy_timeout",

		"FEE_BASE_HOURS": "fees.base_hours",
		"FEE_PER_HOUR":   "fees.per_hour",
		"PARKING_API_URL": "fees.source_url",
		"PARKING_FEE_FILE": "fees.file_path",

		"GOSSIP_PING_INTERVAL":   "gossip.ping_interval",
		"GOSSIP_PING_TIMEOUT":    "gossip.ping_timeout",
		"GOSSIP_RECONNECT_DELAY": "gossip.reconnect_delay",
		"GOSSIP_DIAL_TIMEOUT":    "gossip.dial_timeout",
		"GOSSIP_SYNC_ON_CONNECT": "gossip.sync_on_connect",

		"CAMERA_HEARTBEAT_TIMEOUT":  "registry.heartbeat_timeout",
		"CAMERA_BROADCAST_INTERVAL": "registry.broadcast_interval",

		"API_DEFAULT_PAGE_SIZE": "api.default_page_size",
		"API_MAX_PAGE_SIZE":     "api.max_page_size",
		"RATE_LIMIT_REQUESTS":   "api.rate_limit_requests",
		"RATE_LIMIT_WINDOW":     "api.rate_limit_window",

		"LOG_LEVEL":  "logging.level",
		"LOG_FORMAT": "logging.format",
		"LOG_CALLER": "logging.caller",
	}
	if mapped, ok := mappings[key]; ok {
		return mapped
	}
	return ""
}
