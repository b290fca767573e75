// Package config loads the hub configuration. The environment is the
// primary source (COVE_* variables, suiting container and appliance
// deployments); an optional HCL file supplies defaults the environment
// overrides. Configuration is read-only after Load.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"

	"github.com/seawatts/cove/internal/brand"
)

// Config is the full daemon configuration.
type Config struct {
	HubID      string
	HubName    string
	HubVersion string

	ListenHost string
	ListenPort int

	RemoteStoreURL string
	RemoteStoreKey string

	DiscoveryEnabled  bool
	DiscoveryInterval time.Duration

	TelemetryInterval   time.Duration
	CommandPollInterval time.Duration

	// AdapterTimeouts overrides the per-protocol command timeout.
	AdapterTimeouts map[string]time.Duration

	LogLevel string
	LogJSON  bool
	DataDir  string
}

// fileConfig mirrors Config for HCL decoding; durations are strings.
type fileConfig struct {
	HubID      string `hcl:"hub_id,optional"`
	HubName    string `hcl:"hub_name,optional"`
	HubVersion string `hcl:"hub_version,optional"`

	ListenHost string `hcl:"listen_host,optional"`
	ListenPort int    `hcl:"listen_port,optional"`

	RemoteStoreURL string `hcl:"remote_store_url,optional"`
	RemoteStoreKey string `hcl:"remote_store_key,optional"`

	DiscoveryEnabled   *bool `hcl:"discovery_enabled,optional"`
	DiscoveryIntervalS int   `hcl:"discovery_interval_s,optional"`

	TelemetryIntervalS   int `hcl:"telemetry_interval_s,optional"`
	CommandPollIntervalS int `hcl:"command_poll_interval_s,optional"`

	AdapterTimeouts map[string]string `hcl:"adapter_timeouts,optional"`

	LogLevel string `hcl:"log_level,optional"`
	LogJSON  *bool  `hcl:"log_json,optional"`
	DataDir  string `hcl:"data_dir,optional"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		HubName:             brand.Name + " Hub",
		HubVersion:          brand.Version,
		ListenHost:          "0.0.0.0",
		ListenPort:          3100,
		DiscoveryEnabled:    true,
		DiscoveryInterval:   30 * time.Second,
		TelemetryInterval:   30 * time.Second,
		CommandPollInterval: 2 * time.Second,
		AdapterTimeouts:     map[string]time.Duration{},
		LogLevel:            "info",
		DataDir:             brand.DefaultDataDir,
	}
}

// Load builds the configuration from defaults, an optional HCL file, and
// the environment, in that precedence order.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := cfg.applyFile(path); err != nil {
				return nil, err
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LocalOnly reports whether the daemon runs without a remote store: no
// heartbeat, no command consumer, events stay on the local bus.
func (c *Config) LocalOnly() bool {
	return c.RemoteStoreURL == ""
}

// ListenAddr returns the host:port bind for the HTTP surface.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.ListenHost, strconv.Itoa(c.ListenPort))
}

// AdapterTimeout returns the command timeout for a protocol, falling back
// to def when no override is configured.
func (c *Config) AdapterTimeout(protocol string, def time.Duration) time.Duration {
	if d, ok := c.AdapterTimeouts[protocol]; ok {
		return d
	}
	return def
}

func (c *Config) applyFile(path string) error {
	var fc fileConfig
	if err := hclsimple.DecodeFile(path, nil, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if fc.HubID != "" {
		c.HubID = fc.HubID
	}
	if fc.HubName != "" {
		c.HubName = fc.HubName
	}
	if fc.HubVersion != "" {
		c.HubVersion = fc.HubVersion
	}
	if fc.ListenHost != "" {
		c.ListenHost = fc.ListenHost
	}
	if fc.ListenPort != 0 {
		c.ListenPort = fc.ListenPort
	}
	if fc.RemoteStoreURL != "" {
		c.RemoteStoreURL = fc.RemoteStoreURL
	}
	if fc.RemoteStoreKey != "" {
		c.RemoteStoreKey = fc.RemoteStoreKey
	}
	if fc.DiscoveryEnabled != nil {
		c.DiscoveryEnabled = *fc.DiscoveryEnabled
	}
	if fc.DiscoveryIntervalS > 0 {
		c.DiscoveryInterval = time.Duration(fc.DiscoveryIntervalS) * time.Second
	}
	if fc.TelemetryIntervalS > 0 {
		c.TelemetryInterval = time.Duration(fc.TelemetryIntervalS) * time.Second
	}
	if fc.CommandPollIntervalS > 0 {
		c.CommandPollInterval = time.Duration(fc.CommandPollIntervalS) * time.Second
	}
	for proto, s := range fc.AdapterTimeouts {
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("adapter_timeouts[%s]: %w", proto, err)
		}
		c.AdapterTimeouts[proto] = d
	}
	if fc.LogLevel != "" {
		c.LogLevel = fc.LogLevel
	}
	if fc.LogJSON != nil {
		c.LogJSON = *fc.LogJSON
	}
	if fc.DataDir != "" {
		c.DataDir = fc.DataDir
	}
	return nil
}

func (c *Config) applyEnv() error {
	get := func(key string) string {
		return os.Getenv(brand.ConfigEnvPrefix + key)
	}

	if v := get("HUB_ID"); v != "" {
		c.HubID = v
	}
	if v := get("HUB_NAME"); v != "" {
		c.HubName = v
	}
	if v := get("HUB_VERSION"); v != "" {
		c.HubVersion = v
	}
	if v := get("LISTEN_HOST"); v != "" {
		c.ListenHost = v
	}
	if v := get("LISTEN_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sLISTEN_PORT: %w", brand.ConfigEnvPrefix, err)
		}
		c.ListenPort = p
	}
	if v := get("REMOTE_STORE_URL"); v != "" {
		c.RemoteStoreURL = v
	}
	if v := get("REMOTE_STORE_KEY"); v != "" {
		c.RemoteStoreKey = v
	}
	if v := get("DISCOVERY_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sDISCOVERY_ENABLED: %w", brand.ConfigEnvPrefix, err)
		}
		c.DiscoveryEnabled = b
	}
	if v := get("DISCOVERY_INTERVAL_S"); v != "" {
		s, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sDISCOVERY_INTERVAL_S: %w", brand.ConfigEnvPrefix, err)
		}
		c.DiscoveryInterval = time.Duration(s) * time.Second
	}
	if v := get("TELEMETRY_INTERVAL_S"); v != "" {
		s, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sTELEMETRY_INTERVAL_S: %w", brand.ConfigEnvPrefix, err)
		}
		c.TelemetryInterval = time.Duration(s) * time.Second
	}
	if v := get("COMMAND_POLL_INTERVAL_S"); v != "" {
		s, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sCOMMAND_POLL_INTERVAL_S: %w", brand.ConfigEnvPrefix, err)
		}
		c.CommandPollInterval = time.Duration(s) * time.Second
	}
	if v := get("ADAPTER_TIMEOUTS"); v != "" {
		// Comma-separated protocol=duration pairs: "esphome=10s,hue=30s"
		for _, pair := range strings.Split(v, ",") {
			k, d, found := strings.Cut(strings.TrimSpace(pair), "=")
			if !found {
				return fmt.Errorf("%sADAPTER_TIMEOUTS: malformed pair %q", brand.ConfigEnvPrefix, pair)
			}
			dur, err := time.ParseDuration(d)
			if err != nil {
				return fmt.Errorf("%sADAPTER_TIMEOUTS[%s]: %w", brand.ConfigEnvPrefix, k, err)
			}
			c.AdapterTimeouts[k] = dur
		}
	}
	if v := get("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := get("LOG_JSON"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sLOG_JSON: %w", brand.ConfigEnvPrefix, err)
		}
		c.LogJSON = b
	}
	if v := get("DATA_DIR"); v != "" {
		c.DataDir = v
	}
	return nil
}

func (c *Config) validate() error {
	if c.ListenPort < 1 || c.ListenPort > 65535 {
		return fmt.Errorf("listen_port out of range: %d", c.ListenPort)
	}
	if c.RemoteStoreURL != "" && c.RemoteStoreKey == "" {
		return fmt.Errorf("remote_store_url set without remote_store_key")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level: %q", c.LogLevel)
	}
	return nil
}
