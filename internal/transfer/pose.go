package transfer

import (
	"github.com/SakuraServer/Transporter/internal/entitystate"
	"github.com/SakuraServer/Transporter/internal/protocol"
)

// Materials a traveler may keep moving into after placement.
const (
	MaterialAir              Material = "AIR"
	MaterialWater            Material = "WATER"
	MaterialStationaryWater  Material = "STATIONARY_WATER"
	MaterialLava             Material = "LAVA"
	MaterialStationaryLava   Material = "STATIONARY_LAVA"
	MaterialWeb              Material = "WEB"
	MaterialTorch            Material = "TORCH"
	MaterialRedstoneTorchOff Material = "REDSTONE_TORCH_OFF"
	MaterialRedstoneTorchOn  Material = "REDSTONE_TORCH_ON"
	MaterialSignPost         Material = "SIGN_POST"
	MaterialRails            Material = "RAILS"
)

var passable = map[Material]struct{}{
	MaterialAir:              {},
	MaterialWater:            {},
	MaterialStationaryWater:  {},
	MaterialLava:             {},
	MaterialStationaryLava:   {},
	MaterialWeb:              {},
	MaterialTorch:            {},
	MaterialRedstoneTorchOff: {},
	MaterialRedstoneTorchOn:  {},
	MaterialSignPost:         {},
	MaterialRails:            {},
}

func Passable(m Material) bool {
	_, ok := passable[m]
	return ok
}

// quarterTurns is the clockwise rotation taking from onto to.
func quarterTurns(from, to entitystate.Facing) int {
	if !from.Valid() || !to.Valid() {
		return 0
	}
	return ((to.Quarter()-from.Quarter())%4 + 4) % 4
}

func rotateYaw(yaw float32, turns int) float32 {
	out := yaw + float32(90*turns)
	for out >= 360 {
		out -= 360
	}
	for out < 0 {
		out += 360
	}
	return out
}

// rotateVelocity turns v about the vertical axis by whole quarter turns,
// exactly, in the same sense as yaw.
func rotateVelocity(v entitystate.Vec3, turns int) entitystate.Vec3 {
	switch turns % 4 {
	case 1:
		return entitystate.Vec3{X: -v.Z, Y: v.Y, Z: v.X}
	case 2:
		return entitystate.Vec3{X: -v.X, Y: v.Y, Z: -v.Z}
	case 3:
		return entitystate.Vec3{X: v.Z, Y: v.Y, Z: -v.X}
	}
	return v
}

// prepareDestination computes where and how the traveler lands.
func (r *Reservation) prepareDestination() (Arrival, error) {
	s := r.svc
	from := r.state.Pose
	arrival := Arrival{
		Velocity:  r.state.Velocity,
		Inventory: entitystate.CopySlots(r.state.Inventory),
		Armor:     entitystate.CopySlots(r.state.Armor),
	}

	if to := r.to.local; to != nil {
		anchors := to.SpawnAnchors()
		if len(anchors) == 0 {
			return Arrival{}, protocol.Errorf(protocol.ErrPlacement, "gate '%s' has no spawn blocks", to.FullName())
		}
		a := anchors[s.rand.Intn(len(anchors))]
		turns := quarterTurns(r.from.direction, to.Direction())
		arrival.Location = Location{
			World: to.WorldName(),
			Pose: entitystate.Pose{
				Pos:   entitystate.Vec3{X: a.X + 0.5, Y: a.Y, Z: a.Z + 0.5},
				Yaw:   rotateYaw(from.Yaw, turns),
				Pitch: from.Pitch,
			},
		}
		arrival.Velocity = rotateVelocity(arrival.Velocity, turns)

		var invFiltered, armorFiltered bool
		if arrival.Inventory != nil {
			arrival.Inventory, invFiltered = to.FilterInventory(arrival.Inventory)
		}
		if arrival.Armor != nil {
			arrival.Armor, armorFiltered = to.FilterInventory(arrival.Armor)
		}
		arrival.Filtered = invFiltered || armorFiltered
	} else {
		world := r.to.world
		if world == "" {
			world = s.host.DefaultWorld()
		}
		if r.to.pos == nil {
			arrival.Location = s.host.SpawnLocation(world)
			arrival.Location.World = world
		} else {
			arrival.Location = Location{World: world, Pose: entitystate.Pose{Pos: *r.to.pos}}
		}
		arrival.Location.Pose.Yaw = from.Yaw
		arrival.Location.Pose.Pitch = from.Pitch
	}

	next := arrival.Location.Pose.Pos.Add(arrival.Velocity)
	x, y, z := next.Block()
	if !Passable(s.host.BlockAt(arrival.Location.World, x, y, z)) {
		s.debugf("zeroing velocity to avoid block")
		arrival.Velocity = entitystate.Vec3{}
	}
	s.debugf("destination location: %s %s", arrival.Location.World, arrival.Location.Pose.Pos)
	s.debugf("destination velocity: %s", arrival.Velocity)
	return arrival, nil
}

// prepareTraveler finds or spawns the traveling entity and applies the
// carried state to it.
func (r *Reservation) prepareTraveler(arrival Arrival) error {
	s := r.svc
	kind := r.state.Kind
	info := kind.Info()
	if r.player == nil && r.PlayerName() != "" {
		r.player = s.host.Player(r.PlayerName())
		if r.player == nil {
			return protocol.Errorf(protocol.ErrPlacement, "player '%s' not found", r.PlayerName())
		}
	}
	if r.entity == nil {
		if !info.Vehicle {
			if r.player == nil {
				return protocol.Errorf(protocol.ErrPlacement, "no player for %s", kind)
			}
			r.entity = r.player
		} else {
			e, err := s.host.Spawn(kind, arrival.Location)
			if err != nil {
				return protocol.Wrap(protocol.ErrPlacement, err, "spawn %s failed", kind)
			}
			r.entity = e
			r.created = true
		}
	}
	if r.player != nil {
		r.player.SetHealth(r.state.Vitals.Health)
		r.player.SetRemainingAir(r.state.Vitals.RemainingAir)
		if kind == entitystate.KindPlayer {
			r.player.SetHeldItemSlot(r.state.Vitals.HeldItemSlot)
		}
	}
	r.entity.SetFireTicks(r.state.Vitals.FireTicks)
	r.entity.SetVelocity(arrival.Velocity)
	if info.HasInventory && arrival.Inventory != nil {
		// A player keeps what already fills slots the traveler left empty.
		// Storage carts and filtered slots are overwritten as they arrive.
		for slot, it := range arrival.Inventory {
			if kind == entitystate.KindPlayer && it.Empty() && (slot >= len(r.state.Inventory) || r.state.Inventory[slot].Empty()) {
				continue
			}
			r.entity.SetItem(slot, it)
		}
	}
	if info.HasArmor && arrival.Armor != nil && r.player != nil {
		r.player.SetArmor(entitystate.CopySlots(arrival.Armor))
	}
	if info.CarriesPassenger && r.player != nil && r.entity.Passenger() != r.player {
		r.entity.SetPassenger(r.player)
	}
	return nil
}
