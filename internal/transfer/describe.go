package transfer

import (
	"fmt"

	"github.com/SakuraServer/Transporter/internal/entitystate"
)

// Traveler describes who is moving, for logs and player messages.
func (r *Reservation) Traveler() string {
	name := r.PlayerName()
	if r.state.Kind == entitystate.KindPlayer {
		return fmt.Sprintf("player '%s'", name)
	}
	if name == "" {
		return r.state.Kind.String()
	}
	return fmt.Sprintf("player '%s' as a passenger on a %s", name, r.state.Kind)
}

// Destination describes where the traveler is headed.
func (r *Reservation) Destination() string {
	if r.to.gateName != "" {
		return "'" + r.to.gateName + "'"
	}
	var dst string
	switch {
	case r.to.server != nil:
		dst = fmt.Sprintf("server '%s'", r.to.server.Name())
	case r.to.world != "":
		dst = fmt.Sprintf("world '%s'", r.to.world)
	default:
		dst = "unknown"
	}
	if r.to.pos != nil {
		x, y, z := r.to.pos.Block()
		dst += fmt.Sprintf(" @ %d,%d,%d", x, y, z)
	}
	return dst
}
