package entitystate

import "github.com/SakuraServer/Transporter/internal/protocol"

// Item is one inventory slot. The zero value is an empty slot.
type Item struct {
	Type       int
	Amount     int
	Durability int
	Data       int
	HasData    bool
}

// Empty reports whether the slot holds nothing. A zero quantity is empty.
func (it Item) Empty() bool { return it.Type <= 0 || it.Amount <= 0 }

// CopySlots returns an independent copy of slots, preserving nil.
func CopySlots(slots []Item) []Item {
	if slots == nil {
		return nil
	}
	out := make([]Item, len(slots))
	copy(out, slots)
	return out
}

func encodeSlots(slots []Item) []any {
	out := make([]any, len(slots))
	for i, it := range slots {
		if it.Empty() {
			continue
		}
		out[i] = encodeItem(it)
	}
	return out
}

func encodeItem(it Item) protocol.Envelope {
	m := protocol.Envelope{
		"type":       it.Type,
		"amount":     it.Amount,
		"durability": it.Durability,
	}
	if it.HasData {
		m["data"] = it.Data
	}
	return m
}

func decodeSlots(env protocol.Envelope, key string) ([]Item, error) {
	list, ok, err := env.List(key)
	if err != nil || !ok {
		return nil, err
	}
	out := make([]Item, len(list))
	for i, m := range list {
		if m == nil {
			continue
		}
		it, err := decodeItem(m)
		if err != nil {
			return nil, protocol.Wrap(protocol.ErrProtocol, err, "%s[%d]", key, i)
		}
		if !it.Empty() {
			out[i] = it
		}
	}
	return out, nil
}

func decodeItem(m protocol.Envelope) (Item, error) {
	typ, err := m.Int("type")
	if err != nil {
		return Item{}, err
	}
	amount, err := m.Int("amount")
	if err != nil {
		return Item{}, err
	}
	durability, err := m.Int("durability")
	if err != nil {
		return Item{}, err
	}
	it := Item{Type: int(typ), Amount: int(amount), Durability: int(durability)}
	data, ok, err := m.OptInt("data")
	if err != nil {
		return Item{}, err
	}
	if ok {
		if data < 0 || data > 255 {
			return Item{}, protocol.Errorf(protocol.ErrProtocol, "item data %d out of byte range", data)
		}
		it.Data = int(data)
		it.HasData = true
	}
	return it, nil
}
