package transfer

import (
	"errors"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/SakuraServer/Transporter/internal/entitystate"
	"github.com/SakuraServer/Transporter/internal/protocol"
)

var (
	ErrLocked        = errors.New("traveler is gate locked")
	ErrMissingHost   = errors.New("missing host")
	ErrMissingGates  = errors.New("missing gate registry")
	ErrMissingOracle = errors.New("missing permission or economy oracle")
)

type Config struct {
	ServerName         string
	ArrivalWindow      time.Duration
	LockExpiration     time.Duration
	UseGatePermissions bool
	Debug              bool
}

type Deps struct {
	Host        Host
	Gates       Gates
	Peers       Peers
	Permissions Permissions
	Economy     Economy
	Scheduler   Scheduler
	Clock       Clock
	Journal     Journal
	Logger      *log.Logger
	Rand        *rand.Rand
}

// Service owns the reservation registry and lock table of one process and
// drives every reservation transition. All methods except the read-only
// views are expected to run on the scheduler's loop.
type Service struct {
	cfg Config

	host    Host
	gates   Gates
	peers   Peers
	perms   Permissions
	economy Economy
	sched   Scheduler
	clock   Clock
	journal Journal
	log     *log.Logger
	rand    *rand.Rand

	registry *Registry
	locks    *LockTable
}

func NewService(cfg Config, deps Deps) (*Service, error) {
	if deps.Host == nil {
		return nil, ErrMissingHost
	}
	if deps.Gates == nil {
		return nil, ErrMissingGates
	}
	if deps.Permissions == nil || deps.Economy == nil {
		return nil, ErrMissingOracle
	}
	if deps.Scheduler == nil {
		return nil, fmt.Errorf("missing scheduler")
	}
	if cfg.ArrivalWindow <= 0 {
		cfg.ArrivalWindow = 20 * time.Second
	}
	if cfg.LockExpiration <= 0 {
		cfg.LockExpiration = 2 * time.Second
	}
	if deps.Clock == nil {
		deps.Clock = SystemClock
	}
	if deps.Logger == nil {
		deps.Logger = log.Default()
	}
	if deps.Rand == nil {
		deps.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if deps.Peers == nil {
		deps.Peers = noPeers{}
	}
	return &Service{
		cfg:      cfg,
		host:     deps.Host,
		gates:    deps.Gates,
		peers:    deps.Peers,
		perms:    deps.Permissions,
		economy:  deps.Economy,
		sched:    deps.Scheduler,
		clock:    deps.Clock,
		journal:  deps.Journal,
		log:      deps.Logger,
		rand:     deps.Rand,
		registry: NewRegistry(),
		locks:    NewLockTable(deps.Clock, cfg.LockExpiration),
	}, nil
}

type noPeers struct{}

func (noPeers) Peer(string) Peer { return nil }

func (s *Service) Registry() *Registry { return s.registry }

func (s *Service) Locks() *LockTable { return s.locks }

func (s *Service) debugf(format string, args ...any) {
	if s.cfg.Debug {
		s.log.Printf("debug: "+format, args...)
	}
}

func (s *Service) warnf(format string, args ...any) {
	s.log.Printf("warning: "+format, args...)
}

func (s *Service) severef(err error, format string, args ...any) {
	s.log.Printf("severe: "+format+": %v", append(args, err)...)
}

func (s *Service) record(r *Reservation, result, reason string) {
	if s.journal == nil {
		return
	}
	s.journal.Record(Outcome{
		Trace:       r.trace,
		LocalID:     r.localID,
		RemoteID:    r.remoteID,
		Direction:   r.direction(),
		Traveler:    r.Traveler(),
		Destination: r.Destination(),
		Result:      result,
		Reason:      reason,
		At:          s.clock.Now(),
	})
}

func (s *Service) lock(e Entity) {
	if e == nil {
		return
	}
	until := s.locks.Lock(e.ID())
	s.debugf("added gate lock for entity %d until %s", e.ID(), until.Format(time.RFC3339Nano))
}

// Locked reports whether the traveler, or the player riding it, is locked.
func (s *Service) Locked(e Entity) bool {
	if e == nil {
		return false
	}
	if s.locks.Locked(e.ID()) {
		return true
	}
	if p := e.Passenger(); p != nil && s.locks.Locked(p.ID()) {
		return true
	}
	return false
}

// EntityMoved clears an expired lock for id and reports whether it is
// still locked.
func (s *Service) EntityMoved(id int) bool {
	return s.locks.Locked(id)
}

func (s *Service) newReservation() *Reservation {
	return &Reservation{
		svc:     s,
		localID: s.registry.NextID(),
		trace:   uuid.NewString(),
	}
}

// capture snapshots a traveler. A player riding a vehicle contributes its
// identity and vitals; everything else comes from the vehicle.
func capture(traveler Entity) (entitystate.Snapshot, Player, error) {
	if traveler == nil {
		return entitystate.Snapshot{}, nil, protocol.Errorf(protocol.ErrValidation, "no traveler")
	}
	if p, ok := traveler.(Player); ok && traveler.Kind() == entitystate.KindPlayer {
		return capturePlayer(p), p, nil
	}
	kind := traveler.Kind()
	info := kind.Info()
	if !kind.Valid() || !info.Vehicle {
		return entitystate.Snapshot{}, nil, protocol.Errorf(protocol.ErrValidation, "can't create state for %s", kind)
	}
	var snap entitystate.Snapshot
	rider := traveler.Passenger()
	if rider != nil {
		snap = capturePlayer(rider)
	}
	loc := traveler.Location()
	snap.Kind = kind
	snap.EntityID = traveler.ID()
	snap.Vitals.FireTicks = traveler.FireTicks()
	snap.Vitals.HeldItemSlot = 0
	snap.Pose = loc.Pose
	snap.Velocity = traveler.Velocity()
	snap.Armor = nil
	snap.Inventory = nil
	if info.HasInventory {
		snap.Inventory = entitystate.CopySlots(traveler.Inventory())
	}
	return snap, rider, nil
}

func capturePlayer(p Player) entitystate.Snapshot {
	loc := p.Location()
	return entitystate.Snapshot{
		Kind:     entitystate.KindPlayer,
		EntityID: p.ID(),
		Player: &entitystate.PlayerIdentity{
			Name:          p.Name(),
			Pin:           p.Pin(),
			ClientAddress: p.Address(),
		},
		Vitals: entitystate.Vitals{
			Health:       p.Health(),
			RemainingAir: p.RemainingAir(),
			FireTicks:    p.FireTicks(),
			HeldItemSlot: p.HeldItemSlot(),
		},
		Inventory: entitystate.CopySlots(p.Inventory()),
		Armor:     entitystate.CopySlots(p.Armor()),
		Pose:      loc.Pose,
		Velocity:  p.Velocity(),
	}
}

func (s *Service) resolveTo(r *Reservation, to Gate) error {
	r.to.gate = to
	r.to.gateName = to.FullName()
	if to.Local() {
		lg, ok := to.(LocalGate)
		if !ok {
			return protocol.Errorf(protocol.ErrValidation, "gate '%s' is not a local gate", to.FullName())
		}
		r.to.local = lg
		r.to.world = lg.WorldName()
		r.to.direction = lg.Direction()
		if !r.from.direction.Valid() {
			r.from.direction = r.to.direction
		}
		return nil
	}
	peer := s.peers.Peer(to.ServerName())
	if peer == nil {
		return protocol.Errorf(protocol.ErrValidation, "unknown server '%s'", to.ServerName())
	}
	r.to.server = peer
	return nil
}

// FromGate starts a transfer for a player or vehicle entering a local gate.
func (s *Service) FromGate(traveler Entity, from LocalGate) (*Reservation, error) {
	snap, player, err := capture(traveler)
	if err != nil {
		return nil, err
	}
	r := s.newReservation()
	r.entity = traveler
	r.player = player
	r.from.gate = from
	r.from.local = from
	r.from.gateName = from.FullName()
	r.from.direction = from.Direction()
	r.from.world = from.WorldName()

	to, err := from.Destination()
	if err != nil {
		return nil, protocol.Errorf(protocol.ErrValidation, "%s", err.Error())
	}
	if err := s.resolveTo(r, to); err != nil {
		return nil, err
	}
	if !from.SendInventory() || (r.to.local != nil && !r.to.local.ReceiveInventory()) {
		snap = snap.WithoutInventory()
	}
	r.state = snap
	return r, nil
}

// ToGate starts a transfer of a player directly to a gate.
func (s *Service) ToGate(player Player, to Gate) (*Reservation, error) {
	snap, _, err := capture(player)
	if err != nil {
		return nil, err
	}
	r := s.newReservation()
	r.entity = player
	r.player = player
	if err := s.resolveTo(r, to); err != nil {
		return nil, err
	}
	if r.to.local != nil && !r.to.local.ReceiveInventory() {
		snap = snap.WithoutInventory()
	}
	r.state = snap
	return r, nil
}

// ToLocation moves a player to a location on this process.
func (s *Service) ToLocation(player Player, loc Location) (*Reservation, error) {
	snap, _, err := capture(player)
	if err != nil {
		return nil, err
	}
	r := s.newReservation()
	r.entity = player
	r.player = player
	r.state = snap
	pos := loc.Pose.Pos
	r.to.pos = &pos
	r.to.world = loc.World
	return r, nil
}

// ToServer sends a player to a peer. Empty world means the peer's default
// world; nil pos means that world's spawn.
func (s *Service) ToServer(player Player, server, world string, pos *entitystate.Vec3) (*Reservation, error) {
	snap, _, err := capture(player)
	if err != nil {
		return nil, err
	}
	peer := s.peers.Peer(server)
	if peer == nil {
		return nil, protocol.Errorf(protocol.ErrValidation, "unknown server '%s'", server)
	}
	r := s.newReservation()
	r.entity = player
	r.player = player
	r.state = snap
	r.to.server = peer
	r.to.world = world
	if pos != nil {
		p := *pos
		r.to.pos = &p
	}
	return r, nil
}

// EnterGate is the portal hook: it ignores locked travelers, then builds
// and departs a reservation. Failures are reported to a human traveler.
func (s *Service) EnterGate(traveler Entity, gate LocalGate) error {
	if s.Locked(traveler) {
		return ErrLocked
	}
	r, err := s.FromGate(traveler, gate)
	if err == nil {
		err = r.Depart()
	}
	if err != nil {
		s.tell(traveler, protocol.ReasonOf(err))
	}
	return err
}

func (s *Service) tell(traveler Entity, msg string) {
	if p, ok := traveler.(Player); ok {
		p.Message(msg)
		return
	}
	if traveler != nil {
		if p := traveler.Passenger(); p != nil {
			p.Message(msg)
		}
	}
}

// Receive handles a reservation envelope sent by a peer.
func (s *Service) Receive(from Peer, env protocol.Envelope) {
	r, err := s.decodeReservation(from, env)
	if err != nil {
		id, idErr := env.Int("id")
		if idErr != nil {
			s.warnf("dropping malformed reservation from %s: %v", from.Name(), err)
			return
		}
		s.debugf("reservation %d from %s denied: %v", id, from.Name(), err)
		if sendErr := from.SendAck(protocol.DeniedAck(id, protocol.ReasonOf(err))); sendErr != nil {
			s.severef(sendErr, "send reservation denial to %s failed", from.Name())
		}
		return
	}
	r.receive()
}

func (s *Service) decodeReservation(from Peer, env protocol.Envelope) (*Reservation, error) {
	remoteID, err := env.Int("id")
	if err != nil {
		return nil, err
	}
	snap, err := entitystate.Decode(env)
	if err != nil {
		return nil, err
	}
	r := &Reservation{
		svc:      s,
		localID:  s.registry.NextID(),
		remoteID: remoteID,
		state:    snap,
	}
	r.from.server = from
	if trace, ok, _ := env.OptString("trace"); ok && trace != "" {
		r.trace = trace
	} else {
		r.trace = uuid.NewString()
	}
	if name := snap.PlayerName(); name != "" {
		r.player = s.host.Player(name)
	}

	if env.Has("toX") {
		var pos entitystate.Vec3
		if pos.X, err = env.Float("toX"); err != nil {
			return nil, err
		}
		if pos.Y, err = env.Float("toY"); err != nil {
			return nil, err
		}
		if pos.Z, err = env.Float("toZ"); err != nil {
			return nil, err
		}
		r.to.pos = &pos
	}
	if world, ok, err := env.OptString("toWorldName"); err != nil {
		return nil, err
	} else if ok {
		if !s.host.WorldExists(world) {
			return nil, protocol.Errorf(protocol.ErrProtocol, "unknown world '%s'", world)
		}
		r.to.world = world
	}

	if name, ok, err := env.OptString("fromGate"); err != nil {
		return nil, err
	} else if ok {
		full := from.Name() + "." + name
		g := s.gates.Gate(full)
		if g == nil {
			return nil, protocol.Errorf(protocol.ErrProtocol, "unknown fromGate '%s'", full)
		}
		if g.Local() {
			return nil, protocol.Errorf(protocol.ErrProtocol, "fromGate '%s' is not a remote gate", full)
		}
		tag, err := env.String("fromGateDirection")
		if err != nil {
			return nil, err
		}
		dir, err := entitystate.ParseFacing(tag)
		if err != nil {
			return nil, protocol.Errorf(protocol.ErrProtocol, "unknown fromGateDirection '%s'", tag)
		}
		r.from.gate = g
		r.from.gateName = full
		r.from.direction = dir
	}

	if name, ok, err := env.OptString("toGate"); err != nil {
		return nil, err
	} else if ok {
		if i := strings.Index(name, "."); i >= 0 {
			name = name[i+1:]
		}
		g := s.gates.Gate(name)
		if g == nil {
			return nil, protocol.Errorf(protocol.ErrProtocol, "unknown toGate '%s'", name)
		}
		lg, isLocal := g.(LocalGate)
		if !g.Local() || !isLocal {
			return nil, protocol.Errorf(protocol.ErrProtocol, "toGate '%s' is not a local gate", name)
		}
		r.to.gate = g
		r.to.gateName = name
		r.to.local = lg
		r.to.direction = lg.Direction()
		r.to.world = lg.WorldName()
		if !r.from.direction.Valid() {
			r.from.direction = r.to.direction
		}
	}
	return r, nil
}

// HandleAck applies an acknowledgement from a peer to the reservation it
// addresses. Acks for reservations no longer registered are ignored.
func (s *Service) HandleAck(from Peer, ack protocol.AckMsg) {
	tag, reason, err := protocol.ParseStatus(ack.Status)
	if err != nil {
		s.warnf("ack from %s: %v", from.Name(), err)
		return
	}
	if ack.Sender {
		if tag != protocol.StatusTimeout {
			s.warnf("ack %s from %s addressed to an inbound reservation", tag, from.Name())
			return
		}
		r := s.registry.Inbound(from.Name(), ack.ID)
		if r == nil {
			r = s.registry.Unpark(from.Name(), ack.ID)
		}
		if r == nil {
			s.debugf("timeout from %s for unknown reservation %d", from.Name(), ack.ID)
			return
		}
		r.abandoned()
		return
	}
	r := s.registry.Get(ack.ID)
	if r == nil {
		s.debugf("ack %s from %s for unknown reservation %d", tag, from.Name(), ack.ID)
		return
	}
	if r.to.server == nil || r.to.server.Name() != from.Name() {
		s.warnf("ack %s for reservation %d came from %s, not its destination", tag, ack.ID, from.Name())
		return
	}
	switch tag {
	case protocol.StatusApproved:
		r.approved()
	case protocol.StatusDenied:
		r.denied(reason)
	case protocol.StatusArrived:
		r.arrived()
	case protocol.StatusTimeout:
		r.timedOut()
	}
}

// PlayerJoined completes a pending inbound reservation when its player
// connects. It reports whether a reservation was waiting.
func (s *Service) PlayerJoined(name string) (bool, error) {
	r := s.registry.ByPlayer(name)
	if r == nil || r.from.server == nil || r.Phase() != PhaseApproved {
		return false, nil
	}
	r.player = s.host.Player(name)
	return true, r.arriveFromPeer()
}

// ReservationView is a read-only summary for the admin API.
type ReservationView struct {
	LocalID     int64  `json:"local_id"`
	RemoteID    int64  `json:"remote_id,omitempty"`
	Trace       string `json:"trace"`
	Direction   string `json:"direction"`
	Phase       string `json:"phase"`
	Traveler    string `json:"traveler"`
	Destination string `json:"destination"`
}

func (s *Service) Reservations() []ReservationView {
	list := s.registry.List()
	out := make([]ReservationView, 0, len(list))
	for _, r := range list {
		out = append(out, ReservationView{
			LocalID:     r.localID,
			RemoteID:    r.remoteID,
			Trace:       r.trace,
			Direction:   r.direction(),
			Phase:       r.Phase().String(),
			Traveler:    r.Traveler(),
			Destination: r.Destination(),
		})
	}
	return out
}
