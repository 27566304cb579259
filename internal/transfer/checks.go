package transfer

import (
	"strings"

	"github.com/SakuraServer/Transporter/internal/protocol"
)

func precondition(format string, args ...any) error {
	return protocol.Errorf(protocol.ErrPrecondition, format, args...)
}

// checkDeparture validates leaving through a managed local gate.
func (r *Reservation) checkDeparture() error {
	s := r.svc
	from := r.from.local
	if from == nil {
		return nil
	}
	if name := r.PlayerName(); name != "" {
		if err := s.perms.Require(name, "trp.use."+from.Name()); err != nil {
			return precondition("not permitted to use this gate")
		}
		if from.RequirePin() {
			pin := r.state.Player.Pin
			if pin == "" {
				return precondition("this gate requires a pin")
			}
			if !from.HasPin(pin) {
				return precondition("this gate rejected your pin")
			}
		}
		cost := from.SendCost(r.to.gate)
		if cost > 0 {
			if err := s.economy.RequireFunds(name, cost); err != nil {
				return precondition("this gate requires %s", s.economy.Format(cost))
			}
		}
		if r.to.gate != nil {
			cost += r.to.gate.ReceiveCost(from)
			if cost > 0 {
				if err := s.economy.RequireFunds(name, cost); err != nil {
					return precondition("total travel cost requires %s", s.economy.Format(cost))
				}
			}
		}
	}
	if r.to.gate != nil && s.cfg.UseGatePermissions {
		if err := s.perms.RequireGate(from.WorldName(), from.Name(), "trp.send."+r.to.gate.FullName()); err != nil {
			return precondition("this gate is not permitted to send to the remote gate")
		}
	}
	return nil
}

// checkArrival validates landing at a managed local gate.
func (r *Reservation) checkArrival() error {
	s := r.svc
	to := r.to.local
	if to == nil {
		return nil
	}
	if name := r.PlayerName(); name != "" {
		if err := s.perms.Require(name, "trp.use."+to.Name()); err != nil {
			return precondition("not permitted to use the remote gate")
		}
		if to.RequirePin() {
			pin := r.state.Player.Pin
			if pin == "" {
				return precondition("remote gate requires a pin")
			}
			if !to.HasPin(pin) && to.RequireValidPin() {
				return precondition("remote gate rejected your pin")
			}
		}
		if r.from.server != nil {
			// The departure side already checked its own share.
			cost := to.ReceiveCost(r.from.gate)
			if cost > 0 {
				if err := s.economy.RequireFunds(name, cost); err != nil {
					return precondition("remote gate requires %s", s.economy.Format(cost))
				}
			}
		}
	}
	if !to.AcceptableInventory(r.state.Inventory) || !to.AcceptableInventory(r.state.Armor) {
		return precondition("remote gate won't allow some inventory items")
	}
	if r.from.gate != nil && s.cfg.UseGatePermissions {
		if err := s.perms.RequireGate(to.WorldName(), to.Name(), "trp.receive."+r.from.gate.FullName()); err != nil {
			return precondition("the remote gate is not permitted to receive from this gate")
		}
	}
	return nil
}

func (r *Reservation) travelCost() float64 {
	from := r.from.local
	cost := from.SendCost(r.to.gate)
	if r.to.gate != nil {
		cost += r.to.gate.ReceiveCost(from)
	}
	return cost
}

// completeDeparture charges the traveler once the move is committed.
func (r *Reservation) completeDeparture() {
	s := r.svc
	if r.from.local == nil {
		return
	}
	if r.entity != nil {
		s.host.Lightning(r.entity.Location())
	}
	if r.player == nil {
		return
	}
	cost := r.travelCost()
	if cost <= 0 {
		return
	}
	if err := s.economy.DeductFunds(r.player.Name(), cost); err != nil {
		s.warnf("unable to debit travel costs for %s: %v", r.Traveler(), err)
		return
	}
	r.player.Message("debited " + s.economy.Format(cost) + " for travel costs")
}

// completeArrival runs the arrival gate's effects after placement.
func (r *Reservation) completeArrival() {
	s := r.svc
	to := r.to.local
	if to == nil {
		return
	}
	s.host.Lightning(r.arrival.Location)

	if p := r.player; p != nil {
		if msg := r.teleportMessage(); msg != "" {
			p.Message(msg)
		}
		pin := ""
		if r.state.Player != nil {
			pin = r.state.Player.Pin
		}
		if to.RequirePin() && !to.HasPin(pin) && !to.RequireValidPin() && to.InvalidPinDamage() > 0 {
			p.Message("invalid pin")
			p.Damage(to.InvalidPinDamage())
		}
		if r.from.server != nil {
			// The departure side already deducted its own share.
			cost := to.ReceiveCost(r.from.gate)
			if cost > 0 {
				if err := s.economy.DeductFunds(p.Name(), cost); err != nil {
					s.warnf("unable to debit travel costs for %s: %v", r.Traveler(), err)
				} else {
					p.Message("debited " + s.economy.Format(cost) + " for travel costs")
				}
			}
		}
	}
	if r.arrival.Filtered {
		if r.player == nil {
			s.debugf("some inventory items were filtered by the arrival gate")
		} else {
			r.player.Message("some inventory items were filtered by the arrival gate")
		}
	}
}

func (r *Reservation) teleportMessage() string {
	to := r.to.local
	format := to.TeleportFormat()
	if format == "" {
		return ""
	}
	fromGate, fromWorld := "", ""
	if r.from.gate != nil {
		fromGate = r.from.gate.Name()
		fromWorld = r.from.gate.WorldName()
	}
	fromServer := "local"
	if r.from.server != nil {
		fromServer = r.from.server.Name()
	}
	return strings.NewReplacer(
		"%player%", r.player.DisplayName(),
		"%toGate%", to.Name(),
		"%toWorld%", to.WorldName(),
		"%fromGate%", fromGate,
		"%fromWorld%", fromWorld,
		"%fromServer%", fromServer,
	).Replace(format)
}
