package transfer

import (
	"time"

	"github.com/SakuraServer/Transporter/internal/entitystate"
	"github.com/SakuraServer/Transporter/internal/protocol"
)

// Location is a pose inside a named world.
type Location struct {
	World string
	Pose  entitystate.Pose
}

// Material names a block type of the host world.
type Material string

// Entity is a live traveler owned by the host engine.
type Entity interface {
	ID() int
	Kind() entitystate.Kind
	Location() Location
	Velocity() entitystate.Vec3
	SetVelocity(entitystate.Vec3)
	FireTicks() int
	SetFireTicks(int)
	// Teleport places the entity; false means the host refused.
	Teleport(Location) bool
	Remove()
	// Passenger returns the riding player, or nil.
	Passenger() Player
	SetPassenger(Player)
	Inventory() []entitystate.Item
	SetItem(slot int, it entitystate.Item)
}

type Player interface {
	Entity
	Name() string
	DisplayName() string
	Address() string
	Health() int
	SetHealth(int)
	RemainingAir() int
	SetRemainingAir(int)
	HeldItemSlot() int
	SetHeldItemSlot(int)
	Armor() []entitystate.Item
	SetArmor([]entitystate.Item)
	ClearInventory()
	Save()
	Pin() string
	SetPin(string)
	Message(string)
	Damage(int)
	Kick(reason string)
}

// Host is the game engine of this process.
type Host interface {
	// Player returns the online player with that name, or nil.
	Player(name string) Player
	WorldExists(name string) bool
	DefaultWorld() string
	SpawnLocation(world string) Location
	Spawn(kind entitystate.Kind, at Location) (Entity, error)
	BlockAt(world string, x, y, z int) Material
	Lightning(at Location)
}

// Gate is a transfer endpoint. Local gates live in a world of this
// process; remote gates are owned by a peer.
type Gate interface {
	Name() string
	// FullName is world.gate for local gates and server.world.gate for remote ones.
	FullName() string
	WorldName() string
	ServerName() string
	Local() bool
	SendCost(to Gate) float64
	ReceiveCost(from Gate) float64
}

type LocalGate interface {
	Gate
	Direction() entitystate.Facing
	Destination() (Gate, error)
	SendInventory() bool
	ReceiveInventory() bool
	DeleteInventory() bool
	RequirePin() bool
	RequireValidPin() bool
	HasPin(pin string) bool
	InvalidPinDamage() int
	AcceptableInventory(items []entitystate.Item) bool
	// FilterInventory returns a filtered copy and whether anything changed.
	FilterInventory(items []entitystate.Item) ([]entitystate.Item, bool)
	SpawnAnchors() []entitystate.Vec3
	Attach(from Gate)
	TeleportFormat() string
}

type Gates interface {
	// Gate returns the gate with that full name, or nil.
	Gate(fullName string) Gate
}

// Permissions is a pass/fail oracle; a nil error grants.
type Permissions interface {
	Require(player, perm string) error
	RequireGate(world, gate, perm string) error
	Connect(player string) error
}

type Economy interface {
	RequireFunds(player string, amount float64) error
	DeductFunds(player string, amount float64) error
	Format(amount float64) string
}

// Peer is another server reachable through the transport. Sends enqueue
// and never wait on the network.
type Peer interface {
	Name() string
	Connected() bool
	SendReservation(env protocol.Envelope) error
	SendAck(ack protocol.AckMsg) error
	// ReconnectAddress is host[:port] for a client redirect or proxy/target
	// for a proxy redirect. Empty when unknown.
	ReconnectAddress(clientAddress string) string
}

type Peers interface {
	// Peer returns the named peer, or nil.
	Peer(name string) Peer
}

// Outcome is one terminal result recorded in the journal.
type Outcome struct {
	Trace       string
	LocalID     int64
	RemoteID    int64
	Direction   string
	Traveler    string
	Destination string
	Result      string
	Reason      string
	At          time.Time
}

type Journal interface {
	Record(Outcome)
}
