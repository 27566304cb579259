package memhost

import (
	"sync"

	"github.com/SakuraServer/Transporter/internal/entitystate"
	"github.com/SakuraServer/Transporter/internal/transfer"
)

type base struct {
	mu        sync.Mutex
	host      *Host
	id        int
	kind      entitystate.Kind
	loc       transfer.Location
	vel       entitystate.Vec3
	fire      int
	passenger *Player
	inventory []entitystate.Item
	removed   bool
}

func (b *base) ID() int                { return b.id }
func (b *base) Kind() entitystate.Kind { return b.kind }

func (b *base) Location() transfer.Location {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.loc
}

func (b *base) Velocity() entitystate.Vec3 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.vel
}

func (b *base) SetVelocity(v entitystate.Vec3) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.vel = v
}

func (b *base) FireTicks() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fire
}

func (b *base) SetFireTicks(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fire = n
}

func (b *base) Teleport(loc transfer.Location) bool {
	if !b.host.canPlace(loc) {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.removed {
		return false
	}
	b.loc = loc
	return true
}

func (b *base) Remove() {
	b.mu.Lock()
	b.removed = true
	b.mu.Unlock()
	b.host.forget(b.id)
}

func (b *base) Removed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.removed
}

func (b *base) Passenger() transfer.Player {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.passenger == nil {
		return nil
	}
	return b.passenger
}

func (b *base) SetPassenger(p transfer.Player) {
	mp, _ := p.(*Player)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.passenger = mp
}

func (b *base) Inventory() []entitystate.Item {
	b.mu.Lock()
	defer b.mu.Unlock()
	return entitystate.CopySlots(b.inventory)
}

func (b *base) SetItem(slot int, it entitystate.Item) {
	if slot < 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.inventory) <= slot {
		b.inventory = append(b.inventory, entitystate.Item{})
	}
	b.inventory[slot] = it
}

type Vehicle struct {
	base
}

type Player struct {
	base
	name        string
	displayName string
	address     string
	health      int
	air         int
	held        int
	armor       []entitystate.Item
	pin         string
	online      bool
	messages    []string
	damage      int
	kicked      string
	saves       int
}

func (p *Player) Name() string    { return p.name }
func (p *Player) Address() string { return p.address }

func (p *Player) DisplayName() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.displayName
}

func (p *Player) SetDisplayName(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.displayName = name
}

func (p *Player) Health() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.health
}

func (p *Player) SetHealth(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.health = n
}

func (p *Player) RemainingAir() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.air
}

func (p *Player) SetRemainingAir(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.air = n
}

func (p *Player) HeldItemSlot() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.held
}

func (p *Player) SetHeldItemSlot(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.held = n
}

func (p *Player) Armor() []entitystate.Item {
	p.mu.Lock()
	defer p.mu.Unlock()
	return entitystate.CopySlots(p.armor)
}

func (p *Player) SetArmor(items []entitystate.Item) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.armor = entitystate.CopySlots(items)
}

func (p *Player) ClearInventory() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.inventory {
		p.inventory[i] = entitystate.Item{}
	}
	for i := range p.armor {
		p.armor[i] = entitystate.Item{}
	}
}

func (p *Player) Save() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saves++
}

func (p *Player) Saves() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.saves
}

func (p *Player) Pin() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pin
}

func (p *Player) SetPin(pin string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pin = pin
}

func (p *Player) Message(msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, msg)
}

func (p *Player) Messages() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.messages...)
}

func (p *Player) Damage(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.damage += n
	p.health -= n
	if p.health < 0 {
		p.health = 0
	}
}

func (p *Player) DamageTaken() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.damage
}

func (p *Player) Kick(reason string) {
	p.mu.Lock()
	p.kicked = reason
	p.mu.Unlock()
	p.host.Disconnect(p.name)
}

func (p *Player) Kicked() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.kicked
}

func (p *Player) Online() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online
}

// Mount seats p in v.
func (p *Player) Mount(v *Vehicle) {
	v.SetPassenger(p)
}
