package entitystate

import "github.com/SakuraServer/Transporter/internal/protocol"

// Wire field names shared with the reservation envelope.
const (
	FieldEntityType    = "entityType"
	FieldEntityID      = "entityId"
	FieldPlayerName    = "playerName"
	FieldPlayerPin     = "playerPin"
	FieldClientAddress = "clientAddress"
	FieldInventory     = "inventory"
	FieldArmor         = "armor"
	FieldHealth        = "health"
	FieldRemainingAir  = "remainingAir"
	FieldFireTicks     = "fireTicks"
	FieldHeldItemSlot  = "heldItemSlot"
)

// Encode writes the fields of s that apply to its kind into a new envelope.
func Encode(s Snapshot) (protocol.Envelope, error) {
	env := protocol.Envelope{}
	if err := EncodeInto(env, s); err != nil {
		return nil, err
	}
	return env, nil
}

// EncodeInto writes s into an existing envelope.
func EncodeInto(env protocol.Envelope, s Snapshot) error {
	info, ok := kinds[s.Kind]
	if !ok {
		return protocol.Errorf(protocol.ErrValidation, "can't encode state for entity kind %d", int(s.Kind))
	}
	if s.Kind == KindPlayer && s.Player == nil {
		return protocol.Errorf(protocol.ErrValidation, "player snapshot without identity")
	}
	env[FieldEntityType] = info.Tag
	env[FieldEntityID] = s.EntityID
	env["fromX"] = s.Pose.Pos.X
	env["fromY"] = s.Pose.Pos.Y
	env["fromZ"] = s.Pose.Pos.Z
	env["fromPitch"] = float64(s.Pose.Pitch)
	env["fromYaw"] = float64(s.Pose.Yaw)
	env["velX"] = s.Velocity.X
	env["velY"] = s.Velocity.Y
	env["velZ"] = s.Velocity.Z
	env[FieldFireTicks] = s.Vitals.FireTicks

	if p := s.Player; p != nil {
		env[FieldPlayerName] = p.Name
		if p.Pin != "" {
			env[FieldPlayerPin] = p.Pin
		}
		if p.ClientAddress != "" {
			env[FieldClientAddress] = p.ClientAddress
		}
		env[FieldHealth] = s.Vitals.Health
		env[FieldRemainingAir] = s.Vitals.RemainingAir
	}
	if s.Kind == KindPlayer {
		env[FieldHeldItemSlot] = s.Vitals.HeldItemSlot
	}
	if info.HasInventory && s.Inventory != nil {
		env[FieldInventory] = encodeSlots(s.Inventory)
	}
	if info.HasArmor && s.Armor != nil {
		env[FieldArmor] = encodeSlots(s.Armor)
	}
	return nil
}

// Decode reads a snapshot back out of env. Missing required fields and
// unknown tags are ErrProtocol; nothing is defaulted.
func Decode(env protocol.Envelope) (Snapshot, error) {
	tag, err := env.String(FieldEntityType)
	if err != nil {
		return Snapshot{}, err
	}
	kind, err := ParseKind(tag)
	if err != nil {
		return Snapshot{}, err
	}
	info := kind.Info()
	s := Snapshot{Kind: kind}

	id, err := env.Int(FieldEntityID)
	if err != nil {
		return Snapshot{}, err
	}
	s.EntityID = int(id)

	floats := []struct {
		key string
		dst *float64
	}{
		{"fromX", &s.Pose.Pos.X},
		{"fromY", &s.Pose.Pos.Y},
		{"fromZ", &s.Pose.Pos.Z},
		{"velX", &s.Velocity.X},
		{"velY", &s.Velocity.Y},
		{"velZ", &s.Velocity.Z},
	}
	for _, f := range floats {
		if *f.dst, err = env.Float(f.key); err != nil {
			return Snapshot{}, err
		}
	}
	pitch, err := env.Float("fromPitch")
	if err != nil {
		return Snapshot{}, err
	}
	yaw, err := env.Float("fromYaw")
	if err != nil {
		return Snapshot{}, err
	}
	s.Pose.Pitch = float32(pitch)
	s.Pose.Yaw = float32(yaw)

	fire, err := env.Int(FieldFireTicks)
	if err != nil {
		return Snapshot{}, err
	}
	s.Vitals.FireTicks = int(fire)

	name, hasName, err := env.OptString(FieldPlayerName)
	if err != nil {
		return Snapshot{}, err
	}
	if kind == KindPlayer && !hasName {
		return Snapshot{}, protocol.Errorf(protocol.ErrProtocol, "missing field %q", FieldPlayerName)
	}
	if hasName {
		p := &PlayerIdentity{Name: name}
		if p.Pin, _, err = env.OptString(FieldPlayerPin); err != nil {
			return Snapshot{}, err
		}
		if p.ClientAddress, _, err = env.OptString(FieldClientAddress); err != nil {
			return Snapshot{}, err
		}
		s.Player = p
		health, err := env.Int(FieldHealth)
		if err != nil {
			return Snapshot{}, err
		}
		air, err := env.Int(FieldRemainingAir)
		if err != nil {
			return Snapshot{}, err
		}
		s.Vitals.Health = int(health)
		s.Vitals.RemainingAir = int(air)
	}
	if kind == KindPlayer {
		held, err := env.Int(FieldHeldItemSlot)
		if err != nil {
			return Snapshot{}, err
		}
		s.Vitals.HeldItemSlot = int(held)
	}
	if info.HasInventory {
		if s.Inventory, err = decodeSlots(env, FieldInventory); err != nil {
			return Snapshot{}, err
		}
	}
	if info.HasArmor {
		if s.Armor, err = decodeSlots(env, FieldArmor); err != nil {
			return Snapshot{}, err
		}
	}
	return s, nil
}
