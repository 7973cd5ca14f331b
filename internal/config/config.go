// Package config loads and persists the daemon's YAML configuration,
// adapted from the teacher's ConfigManager but scoped to a single tunnel
// definition plus the allow-lan/split-tunnel/DNS settings the state
// machine's SharedTunnelStateValues needs.
package config

import (
	"fmt"
	"log"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// TunnelConfig describes the one tunnel this daemon manages — the
// equivalent of the teacher's TunnelConfig, narrowed from "N tunnels with
// per-rule routing" to the single active tunnel a client-side VPN state
// machine governs.
type TunnelConfig struct {
	Protocol   string           `yaml:"protocol"` // "wireguard" or "openvpn"
	ConfigFile string           `yaml:"config_file"`
	LocalProxy *LocalProxyConfig `yaml:"local_proxy,omitempty"`
}

// LocalProxyConfig mirrors tunnelworker.LocalProxyConfig at the YAML
// boundary so the config package doesn't need to import tunnelworker.
type LocalProxyConfig struct {
	Scheme   string `yaml:"scheme"`
	Server   string `yaml:"server"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
}

// DNSConfig holds the servers to force while the tunnel is up; empty means
// derive DNS from the tunnel's own gateway addresses.
type DNSConfig struct {
	Servers []string `yaml:"servers,omitempty"`
}

// Config is the top-level daemon configuration.
type Config struct {
	Tunnel        TunnelConfig `yaml:"tunnel"`
	AllowLAN      bool         `yaml:"allow_lan"`
	DNS           DNSConfig    `yaml:"dns,omitempty"`
	ExcludedApps  []string     `yaml:"excluded_apps,omitempty"`
	AllowedEndpoint string     `yaml:"allowed_endpoint,omitempty"`
	LogLevel      string       `yaml:"log_level,omitempty"`
}

// Manager handles loading and saving the daemon config; it does not watch
// the file for changes.
type Manager struct {
	mu       sync.RWMutex
	config   Config
	filePath string
}

func NewManager(filePath string) *Manager {
	return &Manager{filePath: filePath}
}

func defaultConfig() Config {
	return Config{
		Tunnel:   TunnelConfig{Protocol: "wireguard"},
		LogLevel: "info",
	}
}

// Load reads and parses the configuration from disk, then runs it through
// migrate to apply any schema-version upgrades. If the file doesn't exist,
// a default config is written and loaded instead.
func (m *Manager) Load() error {
	data, err := os.ReadFile(m.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("[Config] %s not found, writing default config", m.filePath)
			m.mu.Lock()
			m.config = defaultConfig()
			m.mu.Unlock()
			if saveErr := m.Save(); saveErr != nil {
				return fmt.Errorf("[Config] write default: %w", saveErr)
			}
			return nil
		}
		return fmt.Errorf("[Config] read %s: %w", m.filePath, err)
	}

	migrated, err := migrate(data)
	if err != nil {
		return fmt.Errorf("[Config] migrate: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(migrated, &cfg); err != nil {
		return fmt.Errorf("[Config] parse: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return fmt.Errorf("[Config] validate: %w", err)
	}

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}

func (m *Manager) Save() error {
	m.mu.RLock()
	data, err := yaml.Marshal(&versionedConfig{SchemaVersion: currentSchemaVersion, Config: m.config})
	m.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("[Config] marshal: %w", err)
	}
	if err := os.WriteFile(m.filePath, data, 0600); err != nil {
		return fmt.Errorf("[Config] write %s: %w", m.filePath, err)
	}
	return nil
}

func (m *Manager) Get() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

func (c Config) validate() error {
	switch c.Tunnel.Protocol {
	case "wireguard", "openvpn":
	default:
		return fmt.Errorf("unknown tunnel protocol %q", c.Tunnel.Protocol)
	}
	if c.Tunnel.Protocol != "" && c.Tunnel.ConfigFile == "" && c.Tunnel.LocalProxy == nil {
		return fmt.Errorf("tunnel.config_file is required")
	}
	return nil
}
