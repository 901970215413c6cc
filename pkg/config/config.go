// Package config builds BrokerConfig and AgentConfig values at process
// entry and hands them by value into constructors — no global singleton
// config. Source format is YAML, with environment-variable overrides
// layered on top for selected scalar fields, named by a process prefix plus
// the upper-cased yaml key (e.g. EVENTBUS_MAX_INFLIGHT=1000 overrides
// max_inflight). Map fields and nested paths are not overridable.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// BrokerConfig is the EventBus process configuration surface.
type BrokerConfig struct {
	ListenPort        int               `yaml:"listen_port"`
	MaxInflight       int               `yaml:"max_inflight"`
	OverloadMode      bool              `yaml:"overload_mode"`
	MaxEnvelopeBytes  int               `yaml:"max_envelope_bytes"`
	DedupCacheSize    int               `yaml:"dedup_cache_size"`
	CNAllowlist       map[string]string `yaml:"cn_allowlist"`    // CN -> agent-id
	AgentKeyMapHex    map[string]string `yaml:"agent_key_map"`   // agent-id -> hex ed25519 public key
	CACertPath        string            `yaml:"ca_cert_path"`
	ServerCertPath    string            `yaml:"server_cert_path"`
	ServerKeyPath     string            `yaml:"server_key_path"`
	EventStoreDSN     string            `yaml:"event_store_dsn"`
	MetricsListenAddr string            `yaml:"metrics_listen_addr"`
}

// DefaultBrokerConfig returns the broker's baseline operating defaults.
func DefaultBrokerConfig() BrokerConfig {
	return BrokerConfig{
		ListenPort:        50051,
		MaxInflight:       500,
		OverloadMode:      false,
		MaxEnvelopeBytes:  128 * 1024,
		DedupCacheSize:    100000,
		MetricsListenAddr: ":9100",
	}
}

// PublishMode selects the agent-side delivery strategy.
type PublishMode string

const (
	ModeDirectFirst PublishMode = "direct-first"
	ModeWALFirst    PublishMode = "wal-first"
)

// AgentConfig is the publisher runtime's configuration surface.
type AgentConfig struct {
	BusAddress        string      `yaml:"bus_address"`
	ClientCertPath    string      `yaml:"client_cert_path"`
	ClientKeyPath     string      `yaml:"client_key_path"`
	CACertPath        string      `yaml:"ca_cert_path"`
	WALPath           string      `yaml:"wal_path"`
	MaxBacklogBytes   int64       `yaml:"max_backlog_bytes"`
	RetryMaxMs        int         `yaml:"retry_max_ms"`
	PublishDeadlineMs int         `yaml:"publish_deadline_ms"`
	Mode              PublishMode `yaml:"mode"`
	SendRatePerSec    float64     `yaml:"send_rate_per_sec"`
	AgentID           string      `yaml:"agent_id"`
	PrivateKeyHex     string      `yaml:"private_key_hex"`
	MetricsListenAddr string      `yaml:"metrics_listen_addr"`
	// ReadinessThreshold is the fraction of MaxBacklogBytes above which the
	// agent reports not-ready, default 0.5.
	ReadinessThreshold float64 `yaml:"readiness_threshold"`
}

// DefaultAgentConfig returns the agent's baseline operating defaults.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		MaxBacklogBytes:    64 * 1024 * 1024,
		RetryMaxMs:         30000,
		PublishDeadlineMs:  5000,
		Mode:               ModeDirectFirst,
		SendRatePerSec:     0,
		ReadinessThreshold: 0.5,
		MetricsListenAddr:  ":9101",
	}
}

// LoadBroker reads a YAML file into DefaultBrokerConfig and applies
// EVENTBUS_-prefixed environment overrides.
func LoadBroker(path string) (BrokerConfig, error) {
	cfg := DefaultBrokerConfig()
	if path != "" {
		if err := loadYAML(path, &cfg); err != nil {
			return BrokerConfig{}, err
		}
	}
	if err := applyEnvOverrides(&cfg, "EVENTBUS_"); err != nil {
		return BrokerConfig{}, err
	}
	return cfg, nil
}

// LoadAgent reads a YAML file into DefaultAgentConfig and applies
// AGENT_-prefixed environment overrides.
func LoadAgent(path string) (AgentConfig, error) {
	cfg := DefaultAgentConfig()
	if path != "" {
		if err := loadYAML(path, &cfg); err != nil {
			return AgentConfig{}, err
		}
	}
	if err := applyEnvOverrides(&cfg, "AGENT_"); err != nil {
		return AgentConfig{}, err
	}
	return cfg, nil
}

func loadYAML(path string, out any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, out); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// applyEnvOverrides scans the process environment for PREFIX+FIELD keys
// (using the yaml tag upper-cased) and assigns scalar fields. Only the
// scalar (non-map) fields actually exposed as env-overridable are handled.
func applyEnvOverrides(cfg any, prefix string) error {
	switch c := cfg.(type) {
	case *BrokerConfig:
		if v, ok := lookupInt(prefix + "LISTEN_PORT"); ok {
			c.ListenPort = v
		}
		if v, ok := lookupInt(prefix + "MAX_INFLIGHT"); ok {
			c.MaxInflight = v
		}
		if v, ok := lookupBool(prefix + "OVERLOAD_MODE"); ok {
			c.OverloadMode = v
		}
		if v, ok := lookupInt(prefix + "MAX_ENVELOPE_BYTES"); ok {
			c.MaxEnvelopeBytes = v
		}
		if v, ok := lookupInt(prefix + "DEDUP_CACHE_SIZE"); ok {
			c.DedupCacheSize = v
		}
		if v, ok := os.LookupEnv(prefix + "EVENT_STORE_DSN"); ok {
			c.EventStoreDSN = v
		}
	case *AgentConfig:
		if v, ok := os.LookupEnv(prefix + "BUS_ADDRESS"); ok {
			c.BusAddress = v
		}
		if v, ok := os.LookupEnv(prefix + "WAL_PATH"); ok {
			c.WALPath = v
		}
		if v, ok := lookupInt64(prefix + "MAX_BACKLOG_BYTES"); ok {
			c.MaxBacklogBytes = v
		}
		if v, ok := lookupInt(prefix + "RETRY_MAX_MS"); ok {
			c.RetryMaxMs = v
		}
		if v, ok := lookupInt(prefix + "PUBLISH_DEADLINE_MS"); ok {
			c.PublishDeadlineMs = v
		}
		if v, ok := os.LookupEnv(prefix + "MODE"); ok {
			c.Mode = PublishMode(strings.TrimSpace(v))
		}
		if v, ok := lookupFloat(prefix + "SEND_RATE_PER_SEC"); ok {
			c.SendRatePerSec = v
		}
	}
	return nil
}

func lookupInt(key string) (int, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	return n, err == nil
}

func lookupInt64(key string) (int64, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	return n, err == nil
}

func lookupFloat(key string) (float64, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	return n, err == nil
}

func lookupBool(key string) (bool, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return false, false
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	return b, err == nil
}
