package transfer_test

import (
	"io"
	"log"
	"math/rand"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/SakuraServer/Transporter/internal/entitystate"
	"github.com/SakuraServer/Transporter/internal/gate"
	"github.com/SakuraServer/Transporter/internal/host/memhost"
	"github.com/SakuraServer/Transporter/internal/oracle"
	"github.com/SakuraServer/Transporter/internal/protocol"
	"github.com/SakuraServer/Transporter/internal/transfer"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// manualScheduler queues work until the test drains it; delayed tasks fire
// when the clock is advanced past their deadline.
type manualScheduler struct {
	clock  *fakeClock
	queue  []func()
	timers []*manualTask
}

type manualTask struct {
	at        time.Time
	fn        func()
	done      bool
	cancelled bool
}

func (t *manualTask) Cancel() bool {
	if t.done {
		return false
	}
	t.done = true
	t.cancelled = true
	return true
}

func (s *manualScheduler) Run(fn func()) { s.queue = append(s.queue, fn) }

func (s *manualScheduler) After(d time.Duration, fn func()) transfer.Task {
	t := &manualTask{at: s.clock.Now().Add(d), fn: fn}
	s.timers = append(s.timers, t)
	return t
}

func (s *manualScheduler) Drain() {
	for len(s.queue) > 0 {
		fn := s.queue[0]
		s.queue = s.queue[1:]
		fn()
	}
}

func (s *manualScheduler) Advance(d time.Duration) {
	s.clock.Advance(d)
	now := s.clock.Now()
	due := []*manualTask{}
	for _, t := range s.timers {
		if !t.done && !now.Before(t.at) {
			due = append(due, t)
		}
	}
	sort.SliceStable(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		if t.done {
			continue
		}
		t.done = true
		t.fn()
	}
	s.Drain()
}

func (s *manualScheduler) Pending() int {
	n := 0
	for _, t := range s.timers {
		if !t.done {
			n++
		}
	}
	return n
}

type fakePeer struct {
	name         string
	connected    bool
	reconnect    string
	sendErr      error
	reservations []protocol.Envelope
	acks         []protocol.AckMsg
}

func (p *fakePeer) Name() string    { return p.name }
func (p *fakePeer) Connected() bool { return p.connected }

func (p *fakePeer) SendReservation(env protocol.Envelope) error {
	if p.sendErr != nil {
		return p.sendErr
	}
	p.reservations = append(p.reservations, env)
	return nil
}

func (p *fakePeer) SendAck(ack protocol.AckMsg) error {
	if p.sendErr != nil {
		return p.sendErr
	}
	p.acks = append(p.acks, ack)
	return nil
}

func (p *fakePeer) ReconnectAddress(string) string { return p.reconnect }

type fakePeers map[string]*fakePeer

func (m fakePeers) Peer(name string) transfer.Peer {
	if p, ok := m[name]; ok {
		return p
	}
	return nil
}

type recordingJournal struct {
	outcomes []transfer.Outcome
}

func (j *recordingJournal) Record(o transfer.Outcome) { j.outcomes = append(j.outcomes, o) }

func (j *recordingJournal) results() []string {
	out := make([]string, 0, len(j.outcomes))
	for _, o := range j.outcomes {
		out = append(out, o.Result)
	}
	return out
}

type harness struct {
	t       *testing.T
	clock   *fakeClock
	sched   *manualScheduler
	host    *memhost.Host
	gates   *gate.Registry
	perms   *oracle.Permissions
	ledger  *oracle.Ledger
	journal *recordingJournal
	beta    *fakePeer
	svc     *transfer.Service
}

func boolp(v bool) *bool { return &v }

// testGates mirrors a two-world server "alpha" peered with "beta".
func testGates() gate.Config {
	return gate.Config{
		Local: []gate.LocalSpec{
			{
				Name: "hub", World: "world", Direction: "NORTH", Destination: "nether.outpost",
				Costs: gate.CostSpec{SendWorld: 10},
				Spawn: [][3]float64{{10, 64, 10}},
			},
			{
				Name: "outpost", World: "nether", Direction: "EAST",
				Costs:         gate.CostSpec{ReceiveWorld: 5},
				RemovedItems:  []int{46},
				ReplacedItems: map[int]int{17: 5},
				Spawn:         [][3]float64{{0, 70, 0}},
			},
			{
				Name: "portal", World: "world", Direction: "SOUTH", Destination: "beta.world.arrival",
				RequirePin: true, Pins: []string{"1234"},
				Costs:           gate.CostSpec{SendServer: 2.5},
				DeleteInventory: true,
				Spawn:           [][3]float64{{-20, 64, 0}},
			},
			{
				Name: "landing", World: "world", Direction: "WEST",
				RequirePin: true, RequireValidPin: boolp(false), InvalidPinDamage: 4, Pins: []string{"1234"},
				BannedItems: []int{327},
				Costs:       gate.CostSpec{ReceiveServer: 1},
				Spawn:       [][3]float64{{-40, 64, 0}},
			},
			{
				Name: "void", World: "world", Direction: "EAST",
			},
			{
				Name: "quiet", World: "world", Direction: "NORTH", Destination: "nether.outpost",
				SendInventory: boolp(false),
				Spawn:         [][3]float64{{30, 64, 30}},
			},
		},
		Remote: []gate.RemoteSpec{{Server: "beta", World: "world", Name: "arrival"}},
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := testGates()
	cfg.Normalize()
	require.NoError(t, cfg.Validate())
	gates, err := gate.NewRegistry(cfg)
	require.NoError(t, err)

	clock := &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	h := &harness{
		t:       t,
		clock:   clock,
		sched:   &manualScheduler{clock: clock},
		host:    memhost.New("world"),
		gates:   gates,
		perms:   oracle.NewPermissions(oracle.PermissionsConfig{}),
		ledger:  oracle.NewLedger(nil, 0, ""),
		journal: &recordingJournal{},
		beta:    &fakePeer{name: "beta", connected: true, reconnect: "beta.example:25565"},
	}
	h.host.AddWorld("nether", entitystate.Vec3{X: 0.5, Y: 70, Z: 0.5})
	svc, err := transfer.NewService(transfer.Config{
		ServerName:         "alpha",
		ArrivalWindow:      20 * time.Second,
		LockExpiration:     2 * time.Second,
		UseGatePermissions: true,
	}, transfer.Deps{
		Host:        h.host,
		Gates:       gates,
		Peers:       fakePeers{"beta": h.beta},
		Permissions: h.perms,
		Economy:     h.ledger,
		Scheduler:   h.sched,
		Clock:       clock,
		Journal:     h.journal,
		Logger:      log.New(io.Discard, "", 0),
		Rand:        rand.New(rand.NewSource(1)),
	})
	require.NoError(t, err)
	h.svc = svc
	return h
}

func (h *harness) gate(full string) *gate.Local {
	g := h.gates.LocalGate(full)
	require.NotNil(h.t, g, full)
	return g
}

func at(world string, x, y, z float64) transfer.Location {
	return transfer.Location{World: world, Pose: entitystate.Pose{Pos: entitystate.Vec3{X: x, Y: y, Z: z}}}
}

func (h *harness) join(name string, funds float64) *memhost.Player {
	p := h.host.Join(name, "10.0.0.7", at("world", 10, 64, 8))
	if funds > 0 {
		h.ledger.Deposit(name, funds)
	}
	return p
}

// inbound builds the envelope beta would send for a player heading to
// world.landing through its arrival gate.
func inboundPlayer(id int64, name, pin string) protocol.Envelope {
	snap := entitystate.Snapshot{
		Kind:     entitystate.KindPlayer,
		EntityID: 900,
		Player:   &entitystate.PlayerIdentity{Name: name, Pin: pin, ClientAddress: "10.0.0.9"},
		Vitals:   entitystate.Vitals{Health: 15, RemainingAir: 280, FireTicks: 3, HeldItemSlot: 2},
		Inventory: []entitystate.Item{
			{Type: 1, Amount: 64},
			{},
			{Type: 276, Amount: 1, Durability: 7},
		},
		Armor:    []entitystate.Item{{}, {}, {Type: 307, Amount: 1}, {}},
		Pose:     entitystate.Pose{Yaw: 180, Pitch: 12},
		Velocity: entitystate.Vec3{},
	}
	env, err := entitystate.Encode(snap)
	if err != nil {
		panic(err)
	}
	env["id"] = id
	env["fromGate"] = "world.arrival"
	env["fromGateDirection"] = "NORTH"
	env["toGate"] = "alpha.world.landing"
	return env
}

func inboundCart(id int64) protocol.Envelope {
	snap := entitystate.Snapshot{
		Kind:     entitystate.KindCart,
		EntityID: 901,
		Vitals:   entitystate.Vitals{FireTicks: 0},
		Pose:     entitystate.Pose{Yaw: 180},
		Velocity: entitystate.Vec3{X: 0, Y: 0, Z: -0.4},
	}
	env, err := entitystate.Encode(snap)
	if err != nil {
		panic(err)
	}
	env["id"] = id
	env["fromGate"] = "world.arrival"
	env["fromGateDirection"] = "NORTH"
	env["toGate"] = "alpha.world.landing"
	return env
}

func lastAck(t *testing.T, p *fakePeer) (string, string, int64) {
	t.Helper()
	require.NotEmpty(t, p.acks)
	ack := p.acks[len(p.acks)-1]
	tag, reason, err := protocol.ParseStatus(ack.Status)
	require.NoError(t, err)
	return tag, reason, ack.ID
}
