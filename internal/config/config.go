// Package config loads the server configuration: a yaml file, then TRP_*
// environment overrides, then defaults for whatever is still unset.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server       string `yaml:"server"`
	Listen       string `yaml:"listen"`
	DefaultWorld string `yaml:"default_world"`

	ArrivalWindowMs      int  `yaml:"arrival_window_ms"`
	GateLockExpirationMs int  `yaml:"gate_lock_expiration_ms"`
	UseGatePermissions   bool `yaml:"use_gate_permissions"`
	Debug                bool `yaml:"debug"`
	// Sandbox exposes endpoints that drive the in-memory host.
	Sandbox bool `yaml:"sandbox"`

	ChatFormat string     `yaml:"chat_format"`
	Peers      []PeerSpec `yaml:"peers,omitempty"`

	GatesFile       string `yaml:"gates_file"`
	PermissionsFile string `yaml:"permissions_file"`

	Economy EconomySpec `yaml:"economy"`

	JournalPath string `yaml:"journal_path"`
	EnvlogDir   string `yaml:"envlog_dir"`
	// EnvlogSegmentBytes caps the uncompressed size of one envelope log
	// segment.
	EnvlogSegmentBytes int64 `yaml:"envlog_segment_bytes"`
}

type PeerSpec struct {
	Name             string `yaml:"name"`
	URL              string `yaml:"url,omitempty"`
	Key              string `yaml:"key"`
	ReconnectAddress string `yaml:"reconnect_address,omitempty"`
	SendAllChat      bool   `yaml:"send_all_chat"`
	ReceiveAllChat   bool   `yaml:"receive_all_chat"`
	Compress         bool   `yaml:"compress"`
}

type EconomySpec struct {
	Currency       string             `yaml:"currency,omitempty"`
	OpeningBalance float64            `yaml:"opening_balance"`
	Balances       map[string]float64 `yaml:"balances,omitempty"`
}

// Overrides are the environment variables honoured on top of the file.
type Overrides struct {
	Server               *string `env:"TRP_SERVER"`
	Listen               *string `env:"TRP_LISTEN"`
	DefaultWorld         *string `env:"TRP_DEFAULT_WORLD"`
	ArrivalWindowMs      *int    `env:"TRP_ARRIVAL_WINDOW_MS"`
	GateLockExpirationMs *int    `env:"TRP_GATE_LOCK_EXPIRATION_MS"`
	UseGatePermissions   *bool   `env:"TRP_USE_GATE_PERMISSIONS"`
	Debug                *bool   `env:"TRP_DEBUG"`
	Sandbox              *bool   `env:"TRP_SANDBOX"`
	ChatFormat           *string `env:"TRP_CHAT_FORMAT"`
	GatesFile            *string `env:"TRP_GATES_FILE"`
	PermissionsFile      *string `env:"TRP_PERMISSIONS_FILE"`
	JournalPath          *string `env:"TRP_JOURNAL_PATH"`
	EnvlogDir            *string `env:"TRP_ENVLOG_DIR"`
	// PeerKeys is name=key pairs, e.g. TRP_PEER_KEYS=beta:s3cret,gamma:other.
	PeerKeys map[string]string `env:"TRP_PEER_KEYS"`
}

func Load(path string) (Config, error) {
	return load(path, nil)
}

// LoadWithEnv is Load with an explicit environment instead of os.Environ.
func LoadWithEnv(path string, environ map[string]string) (Config, error) {
	if environ == nil {
		environ = map[string]string{}
	}
	return load(path, environ)
}

func load(path string, environ map[string]string) (Config, error) {
	cfg := defaults()
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("transporter.yaml: %w", err)
		}
	}
	var o Overrides
	opts := env.Options{Environment: environ}
	if err := env.ParseWithOptions(&o, opts); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Apply(o); err != nil {
		return cfg, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("transporter.yaml: %w", err)
	}
	return cfg, nil
}

func defaults() Config {
	return Config{
		Listen:               ":8470",
		DefaultWorld:         "world",
		ArrivalWindowMs:      20000,
		GateLockExpirationMs: 2000,
		UseGatePermissions:   true,
		ChatFormat:           "<%player%@%server%> %message%",
		Economy:              EconomySpec{OpeningBalance: 0},
	}
}

func (c *Config) Apply(o Overrides) error {
	setString(&c.Server, o.Server)
	setString(&c.Listen, o.Listen)
	setString(&c.DefaultWorld, o.DefaultWorld)
	setString(&c.ChatFormat, o.ChatFormat)
	setString(&c.GatesFile, o.GatesFile)
	setString(&c.PermissionsFile, o.PermissionsFile)
	setString(&c.JournalPath, o.JournalPath)
	setString(&c.EnvlogDir, o.EnvlogDir)
	if o.ArrivalWindowMs != nil {
		c.ArrivalWindowMs = *o.ArrivalWindowMs
	}
	if o.GateLockExpirationMs != nil {
		c.GateLockExpirationMs = *o.GateLockExpirationMs
	}
	if o.UseGatePermissions != nil {
		c.UseGatePermissions = *o.UseGatePermissions
	}
	if o.Debug != nil {
		c.Debug = *o.Debug
	}
	if o.Sandbox != nil {
		c.Sandbox = *o.Sandbox
	}
	for name, key := range o.PeerKeys {
		found := false
		for i := range c.Peers {
			if c.Peers[i].Name == name {
				c.Peers[i].Key = key
				found = true
			}
		}
		if !found {
			return fmt.Errorf("TRP_PEER_KEYS: unknown peer %q", name)
		}
	}
	return nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func (c *Config) Normalize() {
	if c == nil {
		return
	}
	c.Server = strings.TrimSpace(c.Server)
	c.Listen = strings.TrimSpace(c.Listen)
	c.DefaultWorld = strings.TrimSpace(c.DefaultWorld)
	if c.DefaultWorld == "" {
		c.DefaultWorld = "world"
	}
	if c.ArrivalWindowMs <= 0 {
		c.ArrivalWindowMs = 20000
	}
	if c.GateLockExpirationMs <= 0 {
		c.GateLockExpirationMs = 2000
	}
	if strings.TrimSpace(c.ChatFormat) == "" {
		c.ChatFormat = "<%player%@%server%> %message%"
	}
	if c.EnvlogSegmentBytes <= 0 {
		c.EnvlogSegmentBytes = 32 << 20
	}
	for i := range c.Peers {
		p := &c.Peers[i]
		p.Name = strings.TrimSpace(p.Name)
		p.URL = strings.TrimSpace(p.URL)
		p.ReconnectAddress = strings.TrimSpace(p.ReconnectAddress)
	}
}

func (c Config) Validate() error {
	if c.Server == "" {
		return fmt.Errorf("server name is required")
	}
	if strings.Contains(c.Server, ".") {
		return fmt.Errorf("server name %q must not contain '.'", c.Server)
	}
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	seen := map[string]bool{}
	for i, p := range c.Peers {
		if p.Name == "" {
			return fmt.Errorf("peers[%d]: name is required", i)
		}
		if strings.Contains(p.Name, ".") {
			return fmt.Errorf("peers[%d]: name %q must not contain '.'", i, p.Name)
		}
		if p.Name == c.Server {
			return fmt.Errorf("peers[%d]: %q is this server", i, p.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate peer: %s", p.Name)
		}
		seen[p.Name] = true
		if p.Key == "" {
			return fmt.Errorf("peers[%d]: key is required", i)
		}
		if p.URL != "" && !strings.HasPrefix(p.URL, "ws://") && !strings.HasPrefix(p.URL, "wss://") {
			return fmt.Errorf("peers[%d]: url must be ws:// or wss://", i)
		}
	}
	if c.Economy.OpeningBalance < 0 {
		return fmt.Errorf("economy.opening_balance must be >= 0")
	}
	for name, b := range c.Economy.Balances {
		if b < 0 {
			return fmt.Errorf("economy.balances[%s] must be >= 0", name)
		}
	}
	return nil
}

func (c Config) ArrivalWindow() time.Duration {
	return time.Duration(c.ArrivalWindowMs) * time.Millisecond
}

func (c Config) GateLockExpiration() time.Duration {
	return time.Duration(c.GateLockExpirationMs) * time.Millisecond
}
