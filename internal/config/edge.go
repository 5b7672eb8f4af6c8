// Parkfabric - Distributed Parking Management Fabric
// Copyright 2026 Parkfabric Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/parkfabric/parkfabric

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EdgeConfigPathEnvVar overrides the edge config file path.
const EdgeConfigPathEnvVar = "PARKFABRIC_EDGE_CONFIG"

// edgeConfigPaths lists where the edge config file is searched, in order.
var edgeConfigPaths = []string{
	"edge.yaml",
	"edge.yml",
	"/etc/parkfabric/edge.yaml",
}

// EdgeConfig is the edge node configuration.
type EdgeConfig struct {
	Edge    EdgeNodeConfig `koanf:"edge"`
	Central CentralLink    `koanf:"central"`
	Tracker TrackerConfig  `koanf:"tracker"`
	Outbox  OutboxConfig   `koanf:"outbox"`
	Cameras []CameraConfig `koanf:"cameras"`
	Logging LoggingConfig  `koanf:"logging"`
}

// EdgeNodeConfig identifies this edge device.
type EdgeNodeConfig struct {
	ID   string `koanf:"id"`
	Name string `koanf:"name"`

	// Listen is the local address where the OCR process delivers
	// observations. Loopback by default; the edge API is device-local.
	Listen string `koanf:"listen"`
}

// CentralLink describes how the edge reaches its central.
type CentralLink struct {
	// URL is the central's base HTTP URL, e.g. http://192.168.1.100:8000.
	URL string `koanf:"url"`

	// HeartbeatInterval drives periodic liveness reports.
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`

	// ReconnectDelay is the fixed wait before re-dialing the WebSocket
	// channel after a failure.
	ReconnectDelay time.Duration `koanf:"reconnect_delay"`

	// RequestTimeout bounds HTTP fallback calls.
	RequestTimeout time.Duration `koanf:"request_timeout"`
}

// TrackerConfig tunes plate vote resolution.
type TrackerConfig struct {
	Window              time.Duration `koanf:"window"`
	MinVotes            int           `koanf:"min_votes"`
	SimilarityThreshold float64       `koanf:"similarity_threshold"`
	DedupInterval       time.Duration `koanf:"dedup_interval"`
}

// OutboxConfig tunes the local delivery queue.
type OutboxConfig struct {
	Path          string        `koanf:"path"`
	BatchLimit    int           `koanf:"batch_limit"`
	MaxRetries    int           `koanf:"max_retries"`
	FlushInterval time.Duration `koanf:"flush_interval"`
}

// CameraConfig describes one camera attached to this edge.
type CameraConfig struct {
	ID   string `koanf:"id"`
	Name string `koanf:"name"`
	// Type is ENTRY, EXIT, or PARKING_LOT.
	Type string `koanf:"type"`
	// Capacity applies to PARKING_LOT cameras only.
	Capacity int `koanf:"capacity"`
}

func defaultEdgeConfig() *EdgeConfig {
	return &EdgeConfig{
		Edge: EdgeNodeConfig{
			ID:     "edge-1",
			Name:   "",
			Listen: "127.0.0.1:8100",
		},
		Central: CentralLink{
			URL:               "http://127.0.0.1:8000",
			HeartbeatInterval: 30 * time.Second,
			ReconnectDelay:    10 * time.Second,
			RequestTimeout:    10 * time.Second,
		},
		Tracker: TrackerConfig{
			Window:              1500 * time.Millisecond,
			MinVotes:            2,
			SimilarityThreshold: 0.85,
			DedupInterval:       15 * time.Second,
		},
		Outbox: OutboxConfig{
			Path:          "data/edge.db",
			BatchLimit:    50,
			MaxRetries:    5,
			FlushInterval: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadEdge reads the edge configuration with the same layering as Load.
func LoadEdge() (*EdgeConfig, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultEdgeConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	path := findEdgeConfigFile()
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", edgeEnvTransform), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &EdgeConfig{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// Validate checks edge config invariants.
func (c *EdgeConfig) Validate() error {
	if c.Edge.ID == "" {
		return fmt.Errorf("edge.id must not be empty")
	}
	if c.Central.URL == "" {
		return fmt.Errorf("central.url must not be empty")
	}
	if c.Outbox.BatchLimit <= 0 {
		return fmt.Errorf("outbox.batch_limit must be positive")
	}
	if c.Outbox.MaxRetries <= 0 {
		return fmt.Errorf("outbox.max_retries must be positive")
	}
	for _, cam := range c.Cameras {
		switch cam.Type {
		case "ENTRY", "EXIT", "PARKING_LOT":
		default:
			return fmt.Errorf("camera %s has unknown type %q", cam.ID, cam.Type)
		}
	}
	return nil
}

func findEdgeConfigFile() string {
	if envPath := os.Getenv(EdgeConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range edgeConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

func edgeEnvTransform(key string) string {
	mappings := map[string]string{
		"EDGE_ID":                 "edge.id",
		"EDGE_NAME":               "edge.name",
		"EDGE_LISTEN":             "edge.listen",
		"CENTRAL_SERVER_URL":      "central.url",
		"EDGE_HEARTBEAT_INTERVAL": "central.heartbeat_interval",
		"EDGE_RECONNECT_DELAY":    "central.reconnect_delay",
		"EDGE_REQUEST_TIMEOUT":    "central.request_timeout",
		"OUTBOX_PATH":             "outbox.path",
		"OUTBOX_BATCH_LIMIT":      "outbox.batch_limit",
		"OUTBOX_MAX_RETRIES":      "outbox.max_retries",
		"OUTBOX_FLUSH_INTERVAL":   "outbox.flush_interval",
		"LOG_LEVEL":               "logging.level",
		"LOG_FORMAT":              "logging.format",
	}
	if mapped, ok := mappings[key]; ok {
		return mapped
	}
	return ""
}
