package entitystate

// PlayerIdentity identifies the human traveler or rider.
type PlayerIdentity struct {
	Name          string
	Pin           string
	ClientAddress string
}

type Vitals struct {
	Health       int
	RemainingAir int
	FireTicks    int
	HeldItemSlot int
}

// Snapshot is the transferable state of a traveler, captured once. Use the
// With* helpers to derive variants; never mutate the slices in place.
type Snapshot struct {
	Kind     Kind
	EntityID int
	Player   *PlayerIdentity
	Vitals   Vitals
	// Inventory and Armor are nil when not carried; empty slots are zero Items.
	Inventory []Item
	Armor     []Item
	Pose      Pose
	Velocity  Vec3
}

// Clone returns a deep copy.
func (s Snapshot) Clone() Snapshot {
	out := s
	if s.Player != nil {
		p := *s.Player
		out.Player = &p
	}
	out.Inventory = CopySlots(s.Inventory)
	out.Armor = CopySlots(s.Armor)
	return out
}

// WithoutInventory drops inventory and armor.
func (s Snapshot) WithoutInventory() Snapshot {
	out := s.Clone()
	out.Inventory = nil
	out.Armor = nil
	return out
}

// WithSlots replaces inventory and armor with copies of the given slots.
func (s Snapshot) WithSlots(inventory, armor []Item) Snapshot {
	out := s.Clone()
	out.Inventory = CopySlots(inventory)
	out.Armor = CopySlots(armor)
	return out
}

func (s Snapshot) PlayerName() string {
	if s.Player == nil {
		return ""
	}
	return s.Player.Name
}
