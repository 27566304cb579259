// Package oracle answers the allow/deny and money questions a transfer
// asks: player permissions, gate-to-gate permissions, admission bans, and
// travel fees.
package oracle

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

var ErrDenied = errors.New("permission denied")

type PermissionsConfig struct {
	// Default applies to players without an entry of their own.
	Default []string            `yaml:"default"`
	Players map[string][]string `yaml:"players,omitempty"`
	// GateDefault applies to gates without an entry of their own. Keys of
	// Gates are world.gate.
	GateDefault []string            `yaml:"gate_default"`
	Gates       map[string][]string `yaml:"gates,omitempty"`
	Banned      []string            `yaml:"banned,omitempty"`
}

func LoadPermissions(path string) (PermissionsConfig, error) {
	cfg := PermissionsConfig{}
	if strings.TrimSpace(path) == "" {
		cfg.Normalize()
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("permissions.yaml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("permissions.yaml: %w", err)
	}
	return cfg, nil
}

// Normalize grants everything when no default is given.
func (c *PermissionsConfig) Normalize() {
	if c.Default == nil {
		c.Default = []string{"*"}
	}
	if c.GateDefault == nil {
		c.GateDefault = []string{"*"}
	}
}

func (c PermissionsConfig) Validate() error {
	check := func(owner string, perms []string) error {
		for _, p := range perms {
			if strings.TrimSpace(p) == "" {
				return fmt.Errorf("%s has an empty permission", owner)
			}
			if i := strings.Index(p, "*"); i >= 0 && i != len(p)-1 {
				return fmt.Errorf("%s permission %q: '*' only allowed at the end", owner, p)
			}
		}
		return nil
	}
	if err := check("default", c.Default); err != nil {
		return err
	}
	if err := check("gate_default", c.GateDefault); err != nil {
		return err
	}
	for name, perms := range c.Players {
		if err := check("player "+name, perms); err != nil {
			return err
		}
	}
	for name, perms := range c.Gates {
		if strings.Count(name, ".") != 1 {
			return fmt.Errorf("gate key %q must be world.gate", name)
		}
		if err := check("gate "+name, perms); err != nil {
			return err
		}
	}
	return nil
}

// Permissions is a static grant table with trailing-wildcard matching:
// "trp.use.*" grants "trp.use.hub".
type Permissions struct {
	mu      sync.RWMutex
	cfg     PermissionsConfig
	players map[string][]string
	gates   map[string][]string
	banned  map[string]struct{}
}

func NewPermissions(cfg PermissionsConfig) *Permissions {
	cfg.Normalize()
	p := &Permissions{
		cfg:     cfg,
		players: map[string][]string{},
		gates:   map[string][]string{},
		banned:  map[string]struct{}{},
	}
	for name, perms := range cfg.Players {
		p.players[strings.ToLower(name)] = perms
	}
	for name, perms := range cfg.Gates {
		p.gates[name] = perms
	}
	for _, name := range cfg.Banned {
		p.banned[strings.ToLower(name)] = struct{}{}
	}
	return p
}

func granted(grants []string, perm string) bool {
	for _, g := range grants {
		if g == perm {
			return true
		}
		if strings.HasSuffix(g, "*") && strings.HasPrefix(perm, strings.TrimSuffix(g, "*")) {
			return true
		}
	}
	return false
}

func (p *Permissions) Require(player, perm string) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	grants, ok := p.players[strings.ToLower(player)]
	if !ok {
		grants = p.cfg.Default
	}
	if !granted(grants, perm) {
		return fmt.Errorf("%w: %s lacks %s", ErrDenied, player, perm)
	}
	return nil
}

func (p *Permissions) RequireGate(world, gate, perm string) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	key := world + "." + gate
	grants, ok := p.gates[key]
	if !ok {
		grants = p.cfg.GateDefault
	}
	if !granted(grants, perm) {
		return fmt.Errorf("%w: gate %s lacks %s", ErrDenied, key, perm)
	}
	return nil
}

// Connect admits or refuses a player arriving from a peer.
func (p *Permissions) Connect(player string) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if _, ok := p.banned[strings.ToLower(player)]; ok {
		return fmt.Errorf("player '%s' is banned", player)
	}
	return nil
}

// Ban refuses future connections from player.
func (p *Permissions) Ban(player string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.banned[strings.ToLower(player)] = struct{}{}
}
