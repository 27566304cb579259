// Package gate holds the configured portals of this server and the remote
// gates of its peers.
package gate

import (
	"fmt"
	"math"
	"sync"

	"github.com/SakuraServer/Transporter/internal/entitystate"
	"github.com/SakuraServer/Transporter/internal/transfer"
)

// Remote is a gate owned by a peer server. Its costs are charged by the
// peer, so locally they are zero.
type Remote struct {
	server string
	world  string
	name   string
}

func NewRemote(spec RemoteSpec) *Remote {
	return &Remote{server: spec.Server, world: spec.World, name: spec.Name}
}

func (g *Remote) Name() string                           { return g.name }
func (g *Remote) FullName() string                       { return g.server + "." + g.world + "." + g.name }
func (g *Remote) WorldName() string                      { return g.world }
func (g *Remote) ServerName() string                     { return g.server }
func (g *Remote) Local() bool                            { return false }
func (g *Remote) SendCost(transfer.Gate) float64         { return 0 }
func (g *Remote) ReceiveCost(from transfer.Gate) float64 { return 0 }

type Local struct {
	spec      LocalSpec
	direction entitystate.Facing
	registry  *Registry
	pins      map[string]struct{}
	banned    map[int]struct{}
	removed   map[int]struct{}
	anchors   []entitystate.Vec3
	center    entitystate.Vec3

	mu       sync.Mutex
	attached transfer.Gate
}

func newLocal(spec LocalSpec, r *Registry) (*Local, error) {
	dir, err := entitystate.ParseFacing(spec.Direction)
	if err != nil {
		return nil, err
	}
	g := &Local{
		spec:      spec,
		direction: dir,
		registry:  r,
		pins:      map[string]struct{}{},
		banned:    map[int]struct{}{},
		removed:   map[int]struct{}{},
	}
	for _, p := range spec.Pins {
		g.pins[p] = struct{}{}
	}
	for _, t := range spec.BannedItems {
		g.banned[t] = struct{}{}
	}
	for _, t := range spec.RemovedItems {
		g.removed[t] = struct{}{}
	}
	for _, s := range spec.Spawn {
		g.anchors = append(g.anchors, entitystate.Vec3{X: s[0], Y: s[1], Z: s[2]})
	}
	switch {
	case spec.Center != nil:
		g.center = entitystate.Vec3{X: spec.Center[0], Y: spec.Center[1], Z: spec.Center[2]}
	case len(g.anchors) > 0:
		g.center = g.anchors[0]
	}
	return g, nil
}

func (g *Local) Name() string       { return g.spec.Name }
func (g *Local) FullName() string   { return g.spec.World + "." + g.spec.Name }
func (g *Local) WorldName() string  { return g.spec.World }
func (g *Local) ServerName() string { return "" }
func (g *Local) Local() bool        { return true }
func (g *Local) Open() bool         { return *g.spec.Open }

func (g *Local) Direction() entitystate.Facing { return g.direction }

func (g *Local) SendCost(to transfer.Gate) float64 {
	switch {
	case to == nil:
		return 0
	case !to.Local():
		return g.spec.Costs.SendServer
	case to.WorldName() != g.spec.World:
		return g.spec.Costs.SendWorld
	}
	return g.spec.Costs.SendLocal
}

func (g *Local) ReceiveCost(from transfer.Gate) float64 {
	switch {
	case from == nil:
		return 0
	case !from.Local():
		return g.spec.Costs.ReceiveServer
	case from.WorldName() != g.spec.World:
		return g.spec.Costs.ReceiveWorld
	}
	return g.spec.Costs.ReceiveLocal
}

// Destination resolves the configured destination, falling back to the
// gate that last arrived here.
func (g *Local) Destination() (transfer.Gate, error) {
	if !g.Open() {
		return nil, fmt.Errorf("gate '%s' is closed", g.Name())
	}
	if g.spec.Destination != "" {
		to := g.registry.Gate(g.spec.Destination)
		if to == nil {
			return nil, fmt.Errorf("unknown destination gate '%s'", g.spec.Destination)
		}
		return to, nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.attached == nil {
		return nil, fmt.Errorf("gate '%s' has no destination", g.Name())
	}
	return g.attached, nil
}

// Attach links the gate back to the gate a traveler arrived from.
func (g *Local) Attach(from transfer.Gate) {
	if from == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.attached = from
}

func (g *Local) Attached() transfer.Gate {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.attached
}

func (g *Local) SendInventory() bool    { return *g.spec.SendInventory }
func (g *Local) ReceiveInventory() bool { return *g.spec.ReceiveInventory }
func (g *Local) DeleteInventory() bool  { return g.spec.DeleteInventory }
func (g *Local) RequirePin() bool       { return g.spec.RequirePin }
func (g *Local) RequireValidPin() bool  { return *g.spec.RequireValidPin }
func (g *Local) InvalidPinDamage() int  { return g.spec.InvalidPinDamage }
func (g *Local) TeleportFormat() string { return *g.spec.TeleportFormat }

func (g *Local) HasPin(pin string) bool {
	_, ok := g.pins[pin]
	return ok
}

func (g *Local) AcceptableInventory(items []entitystate.Item) bool {
	for _, it := range items {
		if it.Empty() {
			continue
		}
		if _, ok := g.banned[it.Type]; ok {
			return false
		}
	}
	return true
}

func (g *Local) FilterInventory(items []entitystate.Item) ([]entitystate.Item, bool) {
	out := entitystate.CopySlots(items)
	changed := false
	for i, it := range out {
		if it.Empty() {
			continue
		}
		if _, ok := g.removed[it.Type]; ok {
			out[i] = entitystate.Item{}
			changed = true
			continue
		}
		if to, ok := g.spec.ReplacedItems[it.Type]; ok && to != it.Type {
			out[i].Type = to
			changed = true
		}
	}
	return out, changed
}

func (g *Local) SpawnAnchors() []entitystate.Vec3 {
	return append([]entitystate.Vec3(nil), g.anchors...)
}

// InChatProximity reports whether loc is close enough to hear chat through
// the gate. A zero proximity disables it.
func (g *Local) InChatProximity(loc transfer.Location) bool {
	if g.spec.ChatProximity <= 0 || loc.World != g.spec.World {
		return false
	}
	p := loc.Pose.Pos
	dx, dy, dz := p.X-g.center.X, p.Y-g.center.Y, p.Z-g.center.Z
	return math.Sqrt(dx*dx+dy*dy+dz*dz) <= g.spec.ChatProximity
}

var (
	_ transfer.LocalGate = (*Local)(nil)
	_ transfer.Gate      = (*Remote)(nil)
)
