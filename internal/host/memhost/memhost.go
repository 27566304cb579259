// Package memhost is a headless in-memory game host: worlds made of sparse
// blocks, online players, and vehicles. The sandbox server and the tests
// run transfers against it.
package memhost

import (
	"fmt"
	"sort"
	"sync"

	"github.com/SakuraServer/Transporter/internal/entitystate"
	"github.com/SakuraServer/Transporter/internal/transfer"
)

type World struct {
	name   string
	spawn  transfer.Location
	blocks map[[3]int]transfer.Material
}

func (w *World) Name() string { return w.name }

func (w *World) SetBlock(x, y, z int, m transfer.Material) {
	w.blocks[[3]int{x, y, z}] = m
}

type Host struct {
	mu           sync.Mutex
	defaultWorld string
	worlds       map[string]*World
	players      map[string]*Player
	entities     map[int]transfer.Entity
	nextID       int
	strikes      []transfer.Location

	// RefuseTeleport makes every placement fail.
	RefuseTeleport bool
	// FailSpawn makes every vehicle spawn fail.
	FailSpawn bool
}

func New(defaultWorld string) *Host {
	h := &Host{
		defaultWorld: defaultWorld,
		worlds:       map[string]*World{},
		players:      map[string]*Player{},
		entities:     map[int]transfer.Entity{},
		nextID:       100,
	}
	h.AddWorld(defaultWorld, entitystate.Vec3{X: 0.5, Y: 64, Z: 0.5})
	return h
}

func (h *Host) AddWorld(name string, spawn entitystate.Vec3) *World {
	h.mu.Lock()
	defer h.mu.Unlock()
	if w, ok := h.worlds[name]; ok {
		return w
	}
	w := &World{
		name:   name,
		spawn:  transfer.Location{World: name, Pose: entitystate.Pose{Pos: spawn}},
		blocks: map[[3]int]transfer.Material{},
	}
	h.worlds[name] = w
	return w
}

func (h *Host) World(name string) *World {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.worlds[name]
}

func (h *Host) allocID() int {
	h.nextID++
	return h.nextID
}

// Join brings a player online at loc.
func (h *Host) Join(name, address string, loc transfer.Location) *Player {
	h.mu.Lock()
	defer h.mu.Unlock()
	p := &Player{
		name:        name,
		displayName: name,
		address:     address,
		health:      20,
		air:         300,
		armor:       make([]entitystate.Item, 4),
	}
	p.base = base{host: h, id: h.allocID(), kind: entitystate.KindPlayer, loc: loc, inventory: make([]entitystate.Item, 36)}
	p.online = true
	h.players[name] = p
	h.entities[p.id] = p
	return p
}

// Disconnect takes a player offline.
func (h *Host) Disconnect(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p, ok := h.players[name]; ok {
		p.mu.Lock()
		p.online = false
		p.mu.Unlock()
		delete(h.players, name)
		delete(h.entities, p.id)
	}
}

// AddVehicle places a vehicle of kind at loc.
func (h *Host) AddVehicle(kind entitystate.Kind, loc transfer.Location) *Vehicle {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.addVehicleLocked(kind, loc)
}

func (h *Host) addVehicleLocked(kind entitystate.Kind, loc transfer.Location) *Vehicle {
	v := &Vehicle{}
	v.base = base{host: h, id: h.allocID(), kind: kind, loc: loc}
	if kind.Info().HasInventory {
		v.inventory = make([]entitystate.Item, 27)
	}
	h.entities[v.id] = v
	return v
}

// Entity returns a live entity by id.
func (h *Host) Entity(id int) transfer.Entity {
	h.mu.Lock()
	defer h.mu.Unlock()
	if e, ok := h.entities[id]; ok {
		return e
	}
	return nil
}

// Vehicles lists live vehicles ordered by id.
func (h *Host) Vehicles() []*Vehicle {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*Vehicle
	for _, e := range h.entities {
		if v, ok := e.(*Vehicle); ok {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (h *Host) Strikes() []transfer.Location {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]transfer.Location(nil), h.strikes...)
}

func (h *Host) forget(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.entities, id)
}

func (h *Host) Player(name string) transfer.Player {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p, ok := h.players[name]; ok {
		return p
	}
	return nil
}

// OnlinePlayer is Player with the concrete type.
func (h *Host) OnlinePlayer(name string) *Player {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.players[name]
}

// Players lists online players ordered by name.
func (h *Host) Players() []*Player {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Player, 0, len(h.players))
	for _, p := range h.players {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// OnlinePlayers is Players as host-facing values.
func (h *Host) OnlinePlayers() []transfer.Player {
	ps := h.Players()
	out := make([]transfer.Player, len(ps))
	for i, p := range ps {
		out[i] = p
	}
	return out
}

func (h *Host) WorldExists(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.worlds[name]
	return ok
}

func (h *Host) DefaultWorld() string { return h.defaultWorld }

func (h *Host) SpawnLocation(world string) transfer.Location {
	h.mu.Lock()
	defer h.mu.Unlock()
	if w, ok := h.worlds[world]; ok {
		return w.spawn
	}
	return h.worlds[h.defaultWorld].spawn
}

func (h *Host) Spawn(kind entitystate.Kind, at transfer.Location) (transfer.Entity, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.FailSpawn {
		return nil, fmt.Errorf("spawn disabled")
	}
	if !kind.Info().Vehicle {
		return nil, fmt.Errorf("can't spawn %s", kind)
	}
	if _, ok := h.worlds[at.World]; !ok {
		return nil, fmt.Errorf("unknown world %q", at.World)
	}
	return h.addVehicleLocked(kind, at), nil
}

func (h *Host) BlockAt(world string, x, y, z int) transfer.Material {
	h.mu.Lock()
	defer h.mu.Unlock()
	w, ok := h.worlds[world]
	if !ok {
		return transfer.MaterialAir
	}
	if m, ok := w.blocks[[3]int{x, y, z}]; ok {
		return m
	}
	return transfer.MaterialAir
}

func (h *Host) Lightning(at transfer.Location) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.strikes = append(h.strikes, at)
}

func (h *Host) canPlace(loc transfer.Location) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.RefuseTeleport {
		return false
	}
	_, ok := h.worlds[loc.World]
	return ok
}

var (
	_ transfer.Host   = (*Host)(nil)
	_ transfer.Player = (*Player)(nil)
	_ transfer.Entity = (*Vehicle)(nil)
)
