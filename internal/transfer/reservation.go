package transfer

import (
	"strings"
	"sync/atomic"

	"github.com/SakuraServer/Transporter/internal/entitystate"
	"github.com/SakuraServer/Transporter/internal/protocol"
)

type Phase int32

const (
	PhaseCreated Phase = iota
	PhaseDeparting
	PhaseLocalArrived
	PhaseAwaitingApproval
	PhaseApproved
	PhaseArriving
	PhaseArrived
	PhaseDenied
	PhaseTimedOut
	PhaseValidationFailed
	PhaseFailed
)

var phaseNames = [...]string{
	PhaseCreated:          "created",
	PhaseDeparting:        "departing",
	PhaseLocalArrived:     "local_arrived",
	PhaseAwaitingApproval: "awaiting_approval",
	PhaseApproved:         "approved",
	PhaseArriving:         "arriving",
	PhaseArrived:          "arrived",
	PhaseDenied:           "denied",
	PhaseTimedOut:         "timed_out",
	PhaseValidationFailed: "validation_failed",
	PhaseFailed:           "failed",
}

func (p Phase) String() string {
	if p >= 0 && int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return "unknown"
}

// Terminal reports whether no further transition can happen.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseLocalArrived, PhaseArrived, PhaseDenied, PhaseTimedOut, PhaseValidationFailed, PhaseFailed:
		return true
	}
	return false
}

// Journal result tags.
const (
	ResultArrived          = "arrived"
	ResultDenied           = "denied"
	ResultTimeout          = "timeout"
	ResultTransportFailed  = "transport_failed"
	ResultPlacementFailed  = "placement_failed"
	ResultValidationFailed = "validation_failed"
	ResultEvicted          = "evicted"
)

type endpoint struct {
	gate      Gate
	gateName  string
	local     LocalGate
	direction entitystate.Facing
	world     string
	server    Peer
	pos       *entitystate.Vec3
}

// Arrival is the placement computed once on the arrival side.
type Arrival struct {
	Location  Location
	Velocity  entitystate.Vec3
	Inventory []entitystate.Item
	Armor     []entitystate.Item
	Filtered  bool
}

// Reservation is one in-flight transfer. state is the immutable snapshot
// captured at departure, or decoded from the peer's envelope on arrival.
type Reservation struct {
	svc      *Service
	localID  int64
	remoteID int64
	trace    string
	phase    atomic.Int32

	state  entitystate.Snapshot
	entity Entity
	player Player

	from endpoint
	to   endpoint

	created bool
	arrival *Arrival
}

func (r *Reservation) LocalID() int64  { return r.localID }
func (r *Reservation) RemoteID() int64 { return r.remoteID }
func (r *Reservation) Trace() string   { return r.trace }

func (r *Reservation) Phase() Phase { return Phase(r.phase.Load()) }

func (r *Reservation) setPhase(p Phase) { r.phase.Store(int32(p)) }

// Snapshot returns a copy of the traveler state carried by r.
func (r *Reservation) Snapshot() entitystate.Snapshot { return r.state.Clone() }

// Arrival returns the placement once r has arrived on this side.
func (r *Reservation) Arrival() (Arrival, bool) {
	if r.arrival == nil {
		return Arrival{}, false
	}
	return *r.arrival, true
}

func (r *Reservation) PlayerName() string { return r.state.PlayerName() }

func (r *Reservation) direction() string {
	switch {
	case r.from.server != nil:
		return "in"
	case r.to.server != nil:
		return "out"
	}
	return "local"
}

// Encode builds the envelope sent to the destination peer.
func (r *Reservation) Encode() (protocol.Envelope, error) {
	env, err := entitystate.Encode(r.state)
	if err != nil {
		return nil, err
	}
	env["id"] = r.localID
	env["trace"] = r.trace
	if r.from.gateName != "" {
		env["fromGate"] = r.from.gateName
	}
	if r.from.direction.Valid() && r.from.gateName != "" {
		env["fromGateDirection"] = r.from.direction.String()
	}
	if r.to.gateName != "" {
		env["toGate"] = r.to.gateName
	}
	if r.to.world != "" {
		env["toWorldName"] = r.to.world
	}
	if r.to.pos != nil {
		env["toX"] = r.to.pos.X
		env["toY"] = r.to.pos.Y
		env["toZ"] = r.to.pos.Z
	}
	return env, nil
}

// fail deregisters r after a synchronous failure and returns err.
func (r *Reservation) fail(err error) error {
	s := r.svc
	s.registry.Remove(r)
	result := ResultDenied
	phase := PhaseDenied
	switch protocol.CodeOf(err) {
	case protocol.ErrValidation, protocol.ErrProtocol:
		result, phase = ResultValidationFailed, PhaseValidationFailed
	case protocol.ErrTransport:
		result, phase = ResultTransportFailed, PhaseFailed
	case protocol.ErrPlacement:
		result, phase = ResultPlacementFailed, PhaseFailed
	}
	r.setPhase(phase)
	s.record(r, result, protocol.ReasonOf(err))
	return err
}

// Depart runs on the sending side when the transfer starts.
func (r *Reservation) Depart() error {
	s := r.svc
	if r.Phase() != PhaseCreated {
		return protocol.Errorf(protocol.ErrValidation, "reservation %d already departed", r.localID)
	}
	r.setPhase(PhaseDeparting)
	evicted, ok := s.registry.Put(r)
	if !ok {
		r.setPhase(PhaseValidationFailed)
		return protocol.Errorf(protocol.ErrValidation, "duplicate reservation id %d", r.localID)
	}
	s.evicted(evicted, r)
	s.lock(r.entity)
	if r.player != nil && Entity(r.player) != r.entity {
		s.lock(r.player)
	}

	if err := r.checkDeparture(); err != nil {
		return r.fail(err)
	}

	if r.to.server == nil {
		if err := r.checkArrival(); err != nil {
			return r.fail(err)
		}
		if err := r.arrive(); err != nil {
			return err
		}
		r.completeDeparture()
		return nil
	}

	env, err := r.Encode()
	if err != nil {
		return r.fail(err)
	}
	s.debugf("sending reservation for %s to %s...", r.Traveler(), r.Destination())
	if err := r.to.server.SendReservation(env); err != nil {
		s.severef(err, "reservation send for %s to %s failed", r.Traveler(), r.Destination())
		return r.fail(protocol.Wrap(protocol.ErrTransport, err, "teleport %s to %s failed", r.Traveler(), r.Destination()))
	}
	r.setPhase(PhaseAwaitingApproval)
	task := s.sched.After(s.cfg.ArrivalWindow, func() {
		if !s.registry.Remove(r) {
			return
		}
		r.setPhase(PhaseTimedOut)
		s.warnf("reservation for %s to %s timed out", r.Traveler(), r.Destination())
		s.record(r, ResultTimeout, "no response within arrival window")
		if err := r.to.server.SendAck(protocol.SenderTimeoutAck(r.localID)); err != nil {
			s.severef(err, "send reservation timeout for %s to %s to %s failed", r.Traveler(), r.Destination(), r.to.server.Name())
		}
	})
	s.registry.Arm(r, task)
	return nil
}

// receive runs on the arrival side for a freshly decoded reservation.
func (r *Reservation) receive() {
	s := r.svc
	from := r.from.server
	s.debugf("received reservation for %s to %s from %s...", r.Traveler(), r.Destination(), from.Name())

	if err := r.admit(); err != nil {
		r.deny(err)
		return
	}
	if err := r.checkArrival(); err != nil {
		r.deny(err)
		return
	}
	evicted, ok := s.registry.Put(r)
	if !ok {
		r.deny(protocol.Errorf(protocol.ErrInternal, "duplicate reservation id %d", r.localID))
		return
	}
	s.evicted(evicted, r)
	if err := from.SendAck(protocol.NewAck(r.remoteID, protocol.StatusApproved)); err != nil {
		s.severef(err, "send reservation approval for %s to %s to %s failed", r.Traveler(), r.Destination(), from.Name())
		r.fail(protocol.Wrap(protocol.ErrTransport, err, "approval send failed"))
		return
	}
	r.setPhase(PhaseApproved)
	s.debugf("reservation for %s to %s approved", r.Traveler(), r.Destination())

	if r.state.Player == nil {
		s.sched.Run(func() {
			if r.Phase() != PhaseApproved {
				return
			}
			if err := r.arriveFromPeer(); err != nil {
				s.warnf("reservation arrival for %s to %s from %s failed: %v", r.Traveler(), r.Destination(), from.Name(), err)
			}
		})
		return
	}
	task := s.sched.After(s.cfg.ArrivalWindow, func() {
		if !s.registry.Remove(r) {
			return
		}
		r.setPhase(PhaseTimedOut)
		s.warnf("reservation for %s to %s timed out", r.Traveler(), r.Destination())
		s.record(r, ResultTimeout, "traveler never arrived")
		if err := from.SendAck(protocol.NewAck(r.remoteID, protocol.StatusTimeout)); err != nil {
			s.severef(err, "send reservation timeout for %s to %s to %s failed", r.Traveler(), r.Destination(), from.Name())
		}
	})
	s.registry.Arm(r, task)
}

func (s *Service) evicted(old, by *Reservation) {
	if old == nil {
		return
	}
	old.setPhase(PhaseFailed)
	s.warnf("reservation %d for player '%s' replaced by %d", old.localID, by.PlayerName(), by.localID)
	s.record(old, ResultEvicted, "replaced by a newer reservation")
}

func (r *Reservation) admit() error {
	name := r.PlayerName()
	if name == "" {
		return nil
	}
	if err := r.svc.perms.Connect(name); err != nil {
		return protocol.Errorf(protocol.ErrPrecondition, "%s", err.Error())
	}
	return nil
}

// deny answers the sending peer with a denial. r was never registered.
func (r *Reservation) deny(err error) {
	s := r.svc
	from := r.from.server
	reason := protocol.ReasonOf(err)
	s.debugf("reservation for %s to %s denied: %s", r.Traveler(), r.Destination(), reason)
	r.setPhase(PhaseDenied)
	s.record(r, ResultDenied, reason)
	if sendErr := from.SendAck(protocol.DeniedAck(r.remoteID, reason)); sendErr != nil {
		s.severef(sendErr, "send reservation denial for %s to %s to %s failed", r.Traveler(), r.Destination(), from.Name())
	}
}

// arriveFromPeer arrives an inbound reservation and turns a failure into a
// denial for the sender.
func (r *Reservation) arriveFromPeer() error {
	err := r.arrive()
	if err != nil {
		if sendErr := r.from.server.SendAck(protocol.DeniedAck(r.remoteID, protocol.ReasonOf(err))); sendErr != nil {
			r.svc.severef(sendErr, "send arrival failure for %s to %s failed", r.Traveler(), r.from.server.Name())
		}
	}
	return err
}

// arrive materializes the traveler on this side.
func (r *Reservation) arrive() error {
	s := r.svc
	s.registry.Remove(r)
	r.setPhase(PhaseArriving)

	if r.to.local != nil {
		r.to.local.Attach(r.from.gate)
	}
	arrival, err := r.prepareDestination()
	if err != nil {
		return r.fail(err)
	}
	if err := r.prepareTraveler(arrival); err != nil {
		r.rollback()
		return r.fail(err)
	}
	s.lock(r.entity)
	if r.player != nil && Entity(r.player) != r.entity {
		s.lock(r.player)
	}
	if r.player != nil && r.state.Player != nil && r.state.Player.Pin != "" {
		r.player.SetPin(r.state.Player.Pin)
	}
	if !r.entity.Teleport(arrival.Location) {
		r.rollback()
		return r.fail(protocol.Errorf(protocol.ErrPlacement, "teleport %s to %s failed", r.Traveler(), r.Destination()))
	}
	r.arrival = &arrival
	s.debugf("%s arrived at %s", r.Traveler(), r.Destination())

	r.completeArrival()

	if r.from.server == nil {
		r.setPhase(PhaseLocalArrived)
		s.record(r, ResultArrived, "")
		return nil
	}
	r.setPhase(PhaseArrived)
	s.record(r, ResultArrived, "")
	if r.created && r.player == nil {
		peer, id := r.from.server.Name(), r.remoteID
		s.registry.Park(r, s.sched.After(s.cfg.ArrivalWindow, func() {
			s.registry.Unpark(peer, id)
		}))
	}
	if err := r.from.server.SendAck(protocol.NewAck(r.remoteID, protocol.StatusArrived)); err != nil {
		s.severef(err, "send reservation arrival for %s to %s to %s failed", r.Traveler(), r.Destination(), r.from.server.Name())
	}
	return nil
}

// abandoned runs on the arrival side when the sender timed out first. A
// vehicle already spawned for the transfer is removed again.
func (r *Reservation) abandoned() {
	s := r.svc
	s.registry.Remove(r)
	if r.Phase() == PhaseArrived {
		if !r.created {
			return
		}
		s.warnf("removing %s at %s, sender %s gave up on it", r.Traveler(), r.Destination(), r.from.server.Name())
		r.rollback()
	}
	r.setPhase(PhaseTimedOut)
	s.warnf("reservation for %s to %s timed out on %s", r.Traveler(), r.Destination(), r.from.server.Name())
	s.record(r, ResultTimeout, "sender gave up waiting")
}

// rollback destroys an entity spawned for this transfer. Pre-existing
// entities are left alone.
func (r *Reservation) rollback() {
	if r.created && r.entity != nil {
		r.entity.Remove()
		r.entity = nil
		r.created = false
	}
}

// approved runs on the sending side once the peer accepted the reservation.
func (r *Reservation) approved() {
	s := r.svc
	if r.Phase() != PhaseAwaitingApproval {
		s.debugf("ignoring duplicate approval for reservation %d", r.localID)
		return
	}
	r.setPhase(PhaseApproved)
	s.debugf("reservation to send %s to %s was approved", r.Traveler(), r.Destination())

	if r.player != nil {
		r.completeDeparture()
		addr := r.to.server.ReconnectAddress(r.player.Address())
		if addr == "" {
			s.warnf("reconnect address for '%s' is empty", r.to.server.Name())
		} else if proxy, target, ok := strings.Cut(addr, "/"); ok {
			s.debugf("sending player '%s' to '%s,%s' via proxy reconnect", r.player.Name(), proxy, target)
			r.player.Kick("[Redirect] please reconnect to: " + proxy + "," + target)
		} else {
			s.debugf("sending player '%s' to '%s' via client reconnect", r.player.Name(), addr)
			r.player.Kick("[Redirect] please reconnect to: " + addr)
		}
	}
	if r.entity != nil && r.entity != Entity(r.player) {
		r.entity.Remove()
	}
}

// denied runs on the sending side when the peer refused the reservation.
func (r *Reservation) denied(reason string) {
	s := r.svc
	s.registry.Remove(r)
	r.setPhase(PhaseDenied)
	s.record(r, ResultDenied, reason)
	if r.player == nil {
		s.warnf("reservation to send %s to %s was denied: %s", r.Traveler(), r.Destination(), reason)
		return
	}
	player := r.player
	s.sched.Run(func() { player.Message(reason) })
}

// arrived runs on the sending side when the peer placed the traveler.
func (r *Reservation) arrived() {
	s := r.svc
	s.registry.Remove(r)
	r.setPhase(PhaseArrived)
	s.record(r, ResultArrived, "")
	s.debugf("reservation to send %s to %s was completed", r.Traveler(), r.Destination())

	if r.to.server != nil && r.player != nil && r.from.local != nil && r.from.local.DeleteInventory() {
		r.player.ClearInventory()
		r.player.Save()
	}
}

// timedOut runs on the sending side when the peer gave up waiting.
func (r *Reservation) timedOut() {
	s := r.svc
	s.registry.Remove(r)
	r.setPhase(PhaseTimedOut)
	s.record(r, ResultTimeout, "traveler never arrived")
	s.warnf("reservation to send %s to %s timed out", r.Traveler(), r.Destination())
}
