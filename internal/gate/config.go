package gate

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/SakuraServer/Transporter/internal/entitystate"
)

type Config struct {
	Local  []LocalSpec  `yaml:"local"`
	Remote []RemoteSpec `yaml:"remote,omitempty"`
}

type LocalSpec struct {
	Name        string `yaml:"name"`
	World       string `yaml:"world"`
	Direction   string `yaml:"direction"`
	Destination string `yaml:"destination,omitempty"`
	// Open defaults to true.
	Open *bool `yaml:"open,omitempty"`

	SendInventory    *bool `yaml:"send_inventory,omitempty"`
	ReceiveInventory *bool `yaml:"receive_inventory,omitempty"`
	DeleteInventory  bool  `yaml:"delete_inventory"`

	RequirePin       bool     `yaml:"require_pin"`
	RequireValidPin  *bool    `yaml:"require_valid_pin,omitempty"`
	InvalidPinDamage int      `yaml:"invalid_pin_damage"`
	Pins             []string `yaml:"pins,omitempty"`

	Costs CostSpec `yaml:"costs"`

	BannedItems   []int       `yaml:"banned_items,omitempty"`
	RemovedItems  []int       `yaml:"removed_items,omitempty"`
	ReplacedItems map[int]int `yaml:"replaced_items,omitempty"`

	Spawn         [][3]float64 `yaml:"spawn"`
	Center        *[3]float64  `yaml:"center,omitempty"`
	ChatProximity float64      `yaml:"chat_proximity"`

	TeleportFormat *string `yaml:"teleport_format,omitempty"`
}

// CostSpec prices a hop by how far it goes: same world, another world of
// this server, or another server.
type CostSpec struct {
	SendLocal     float64 `yaml:"send_local"`
	SendWorld     float64 `yaml:"send_world"`
	SendServer    float64 `yaml:"send_server"`
	ReceiveLocal  float64 `yaml:"receive_local"`
	ReceiveWorld  float64 `yaml:"receive_world"`
	ReceiveServer float64 `yaml:"receive_server"`
}

type RemoteSpec struct {
	Server string `yaml:"server"`
	World  string `yaml:"world"`
	Name   string `yaml:"name"`
}

const DefaultTeleportFormat = "teleported to '%toGate%'"

func Load(path string) (Config, error) {
	var cfg Config
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("gates.yaml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("gates.yaml: %w", err)
	}
	return cfg, nil
}

func boolRef(v bool) *bool { return &v }

func (c *Config) Normalize() {
	if c == nil {
		return
	}
	for i := range c.Local {
		g := &c.Local[i]
		g.Name = strings.TrimSpace(g.Name)
		g.World = strings.TrimSpace(g.World)
		g.Direction = strings.ToUpper(strings.TrimSpace(g.Direction))
		g.Destination = strings.TrimSpace(g.Destination)
		if g.Open == nil {
			g.Open = boolRef(true)
		}
		if g.SendInventory == nil {
			g.SendInventory = boolRef(true)
		}
		if g.ReceiveInventory == nil {
			g.ReceiveInventory = boolRef(true)
		}
		if g.RequireValidPin == nil {
			g.RequireValidPin = boolRef(true)
		}
		if g.TeleportFormat == nil {
			f := DefaultTeleportFormat
			g.TeleportFormat = &f
		}
		if g.ChatProximity < 0 {
			g.ChatProximity = 0
		}
	}
	for i := range c.Remote {
		r := &c.Remote[i]
		r.Server = strings.TrimSpace(r.Server)
		r.World = strings.TrimSpace(r.World)
		r.Name = strings.TrimSpace(r.Name)
	}
}

func (c Config) Validate() error {
	seen := map[string]bool{}
	for i, g := range c.Local {
		if g.Name == "" || g.World == "" {
			return fmt.Errorf("local[%d] missing name/world", i)
		}
		if strings.Contains(g.Name, ".") {
			return fmt.Errorf("gate name %q must not contain '.'", g.Name)
		}
		full := g.World + "." + g.Name
		if seen[full] {
			return fmt.Errorf("duplicate gate: %s", full)
		}
		seen[full] = true
		if _, err := entitystate.ParseFacing(g.Direction); err != nil {
			return fmt.Errorf("gate %s direction %q must be NORTH/EAST/SOUTH/WEST", full, g.Direction)
		}
		if g.InvalidPinDamage < 0 {
			return fmt.Errorf("gate %s invalid_pin_damage must be >= 0", full)
		}
		for _, cost := range []float64{g.Costs.SendLocal, g.Costs.SendWorld, g.Costs.SendServer, g.Costs.ReceiveLocal, g.Costs.ReceiveWorld, g.Costs.ReceiveServer} {
			if cost < 0 {
				return fmt.Errorf("gate %s costs must be >= 0", full)
			}
		}
	}
	for i, r := range c.Remote {
		if r.Server == "" || r.World == "" || r.Name == "" {
			return fmt.Errorf("remote[%d] missing server/world/name", i)
		}
		full := r.Server + "." + r.World + "." + r.Name
		if seen[full] {
			return fmt.Errorf("duplicate gate: %s", full)
		}
		seen[full] = true
	}
	for _, g := range c.Local {
		if g.Destination != "" && !seen[g.Destination] {
			return fmt.Errorf("gate %s.%s destination %q not found", g.World, g.Name, g.Destination)
		}
	}
	return nil
}
