package entitystate

import "github.com/SakuraServer/Transporter/internal/protocol"

// Kind is the closed set of entities that can travel.
type Kind int

const (
	KindPlayer Kind = iota + 1
	KindCart
	KindPoweredCart
	KindStorageCart
	KindBoat
)

// KindInfo is the per-kind behaviour table. Everything that differs
// between kinds is looked up here instead of switched on at call sites.
type KindInfo struct {
	Tag string
	// Vehicle kinds are spawned fresh on arrival.
	Vehicle bool
	// HasInventory kinds carry inventory slots across.
	HasInventory bool
	// HasArmor kinds carry armor slots across.
	HasArmor bool
	// CarriesPassenger kinds keep a riding player mounted on arrival.
	CarriesPassenger bool
}

var kinds = map[Kind]KindInfo{
	KindPlayer:      {Tag: "PLAYER", HasInventory: true, HasArmor: true},
	KindCart:        {Tag: "MINECART", Vehicle: true, CarriesPassenger: true},
	KindPoweredCart: {Tag: "POWERED_MINECART", Vehicle: true},
	KindStorageCart: {Tag: "STORAGE_MINECART", Vehicle: true, HasInventory: true},
	KindBoat:        {Tag: "BOAT", Vehicle: true, CarriesPassenger: true},
}

var kindByTag = func() map[string]Kind {
	out := make(map[string]Kind, len(kinds))
	for k, info := range kinds {
		out[info.Tag] = k
	}
	return out
}()

func (k Kind) Info() KindInfo { return kinds[k] }

func (k Kind) Valid() bool {
	_, ok := kinds[k]
	return ok
}

func (k Kind) String() string {
	if info, ok := kinds[k]; ok {
		return info.Tag
	}
	return "UNKNOWN"
}

func ParseKind(tag string) (Kind, error) {
	k, ok := kindByTag[tag]
	if !ok {
		return 0, protocol.Errorf(protocol.ErrProtocol, "unknown entityType '%s'", tag)
	}
	return k, nil
}

// Kinds lists every kind in declaration order.
func Kinds() []Kind {
	return []Kind{KindPlayer, KindCart, KindPoweredCart, KindStorageCart, KindBoat}
}
