package entitystate

import (
	"fmt"

	"github.com/SakuraServer/Transporter/internal/protocol"
)

type Vec3 struct {
	X, Y, Z float64
}

func (v Vec3) Add(o Vec3) Vec3 { return Vec3{X: v.X + o.X, Y: v.Y + o.Y, Z: v.Z + o.Z} }

func (v Vec3) IsZero() bool { return v.X == 0 && v.Y == 0 && v.Z == 0 }

// Block returns the integer cell containing v.
func (v Vec3) Block() (x, y, z int) {
	return floor(v.X), floor(v.Y), floor(v.Z)
}

func floor(f float64) int {
	i := int(f)
	if f < 0 && float64(i) != f {
		i--
	}
	return i
}

func (v Vec3) String() string { return fmt.Sprintf("%g,%g,%g", v.X, v.Y, v.Z) }

// Pose is a position with orientation, in degrees.
type Pose struct {
	Pos   Vec3
	Yaw   float32
	Pitch float32
}

// Facing is a cardinal direction. Yaw follows the host convention:
// south is 0 and angles grow clockwise seen from above.
type Facing int

const (
	FacingSouth Facing = iota + 1
	FacingWest
	FacingNorth
	FacingEast
)

var facingTags = map[Facing]string{
	FacingSouth: "SOUTH",
	FacingWest:  "WEST",
	FacingNorth: "NORTH",
	FacingEast:  "EAST",
}

func (f Facing) String() string {
	if s, ok := facingTags[f]; ok {
		return s
	}
	return "UNKNOWN"
}

func (f Facing) Valid() bool {
	_, ok := facingTags[f]
	return ok
}

// Quarter returns the number of clockwise quarter turns from south.
func (f Facing) Quarter() int { return int(f - FacingSouth) }

func (f Facing) Yaw() float32 { return float32(90 * f.Quarter()) }

func ParseFacing(tag string) (Facing, error) {
	for f, s := range facingTags {
		if s == tag {
			return f, nil
		}
	}
	return 0, protocol.Errorf(protocol.ErrProtocol, "unknown facing '%s'", tag)
}
