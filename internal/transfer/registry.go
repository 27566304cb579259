package transfer

import (
	"sort"
	"sync"
)

// Registry holds the live reservations of this process keyed by local id,
// together with the handle of the one delayed task armed for each. Inbound
// cargo that already arrived is parked separately, keyed by sending peer and
// remote id, until the sender can no longer give up on it.
type Registry struct {
	mu      sync.Mutex
	nextID  int64
	entries map[int64]*registryEntry
	landed  map[inboundKey]*registryEntry
}

type inboundKey struct {
	peer string
	id   int64
}

type registryEntry struct {
	r    *Reservation
	task Task
}

func NewRegistry() *Registry {
	return &Registry{entries: map[int64]*registryEntry{}, landed: map[inboundKey]*registryEntry{}}
}

// NextID hands out process-unique, increasing reservation ids.
func (g *Registry) NextID() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextID++
	return g.nextID
}

// Put inserts r. It fails when the id is already present. A reservation
// already registered for the same player name is evicted and returned.
func (g *Registry) Put(r *Reservation) (evicted *Reservation, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, dup := g.entries[r.localID]; dup {
		return nil, false
	}
	if name := r.PlayerName(); name != "" {
		for id, e := range g.entries {
			if e.r.PlayerName() == name {
				if e.task != nil {
					e.task.Cancel()
				}
				delete(g.entries, id)
				evicted = e.r
				break
			}
		}
	}
	g.entries[r.localID] = &registryEntry{r: r}
	return evicted, true
}

// Remove deletes r and cancels its task. Removing an absent reservation is
// a no-op that reports false.
func (g *Registry) Remove(r *Reservation) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.entries[r.localID]
	if !ok || e.r != r {
		return false
	}
	if e.task != nil {
		e.task.Cancel()
	}
	delete(g.entries, r.localID)
	return true
}

// Arm stores the delayed task for r. When r is no longer registered the
// task is cancelled immediately and Arm reports false.
func (g *Registry) Arm(r *Reservation, task Task) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.entries[r.localID]
	if !ok || e.r != r {
		task.Cancel()
		return false
	}
	if e.task != nil {
		e.task.Cancel()
	}
	e.task = task
	return true
}

func (g *Registry) Get(id int64) *Reservation {
	g.mu.Lock()
	defer g.mu.Unlock()
	if e, ok := g.entries[id]; ok {
		return e.r
	}
	return nil
}

// Inbound finds the live reservation received from peer under the peer's
// local id.
func (g *Registry) Inbound(peer string, remoteID int64) *Reservation {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, e := range g.entries {
		if e.r.remoteID == remoteID && e.r.from.server != nil && e.r.from.server.Name() == peer {
			return e.r
		}
	}
	return nil
}

// Park keeps an arrived inbound reservation reachable by Unpark until task
// fires or it is unparked.
func (g *Registry) Park(r *Reservation, task Task) {
	if r.from.server == nil {
		task.Cancel()
		return
	}
	key := inboundKey{peer: r.from.server.Name(), id: r.remoteID}
	g.mu.Lock()
	defer g.mu.Unlock()
	if old, ok := g.landed[key]; ok && old.task != nil {
		old.task.Cancel()
	}
	g.landed[key] = &registryEntry{r: r, task: task}
}

// Unpark removes and returns the parked reservation received from peer
// under remoteID, cancelling its task.
func (g *Registry) Unpark(peer string, remoteID int64) *Reservation {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := inboundKey{peer: peer, id: remoteID}
	e, ok := g.landed[key]
	if !ok {
		return nil
	}
	if e.task != nil {
		e.task.Cancel()
	}
	delete(g.landed, key)
	return e.r
}

func (g *Registry) ByPlayer(name string) *Reservation {
	if name == "" {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, e := range g.entries {
		if e.r.PlayerName() == name {
			return e.r
		}
	}
	return nil
}

func (g *Registry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}

// List returns the registered reservations ordered by id.
func (g *Registry) List() []*Reservation {
	g.mu.Lock()
	out := make([]*Reservation, 0, len(g.entries))
	for _, e := range g.entries {
		out = append(out, e.r)
	}
	g.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].localID < out[j].localID })
	return out
}
