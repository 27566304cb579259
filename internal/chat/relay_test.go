package chat

import (
	"errors"
	"io"
	"log"
	"reflect"
	"testing"

	"github.com/SakuraServer/Transporter/internal/entitystate"
	"github.com/SakuraServer/Transporter/internal/gate"
	"github.com/SakuraServer/Transporter/internal/host/memhost"
	"github.com/SakuraServer/Transporter/internal/protocol"
	"github.com/SakuraServer/Transporter/internal/transfer"
)

type fakePeer struct {
	name       string
	sendAll    bool
	receiveAll bool
	err        error
	sent       []protocol.ChatMsg
}

func (p *fakePeer) Name() string         { return p.name }
func (p *fakePeer) SendAllChat() bool    { return p.sendAll }
func (p *fakePeer) ReceiveAllChat() bool { return p.receiveAll }
func (p *fakePeer) SendChat(msg protocol.ChatMsg) error {
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, msg)
	return nil
}

func closed() *bool { v := false; return &v }

func testRegistry(t *testing.T) *gate.Registry {
	t.Helper()
	cfg := gate.Config{
		Local: []gate.LocalSpec{
			{Name: "near", World: "world", Direction: "north", Destination: "beta.world.arrival", Center: &[3]float64{0, 64, 0}, ChatProximity: 10},
			{Name: "near2", World: "world", Direction: "south", Destination: "beta.world.arrival", Center: &[3]float64{2, 64, 0}, ChatProximity: 10},
			{Name: "far", World: "world", Direction: "east", Destination: "gamma.world.dock", Center: &[3]float64{100, 64, 0}, ChatProximity: 10},
			{Name: "shut", World: "world", Direction: "west", Destination: "gamma.world.dock", Open: closed(), Center: &[3]float64{0, 64, 0}, ChatProximity: 10},
			{Name: "lobby", World: "world", Direction: "north", Center: &[3]float64{0, 64, 0}, ChatProximity: 5},
		},
		Remote: []gate.RemoteSpec{
			{Server: "beta", World: "world", Name: "arrival"},
			{Server: "gamma", World: "world", Name: "dock"},
		},
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	reg, err := gate.NewRegistry(cfg)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return reg
}

func at(x, z float64) transfer.Location {
	return transfer.Location{World: "world", Pose: entitystate.Pose{Pos: entitystate.Vec3{X: x, Y: 64, Z: z}}}
}

func TestRelay_SendThroughNearbyGates(t *testing.T) {
	beta := &fakePeer{name: "beta"}
	gamma := &fakePeer{name: "gamma"}
	delta := &fakePeer{name: "delta", sendAll: true}
	host := memhost.New("world")
	r := NewRelay(Options{
		Gates:  testRegistry(t),
		Peers:  []Peer{beta, gamma, delta},
		Roster: host,
		Logger: log.New(io.Discard, "", 0),
	})

	alice := host.Join("alice", "10.0.0.1:5000", at(1, 1))
	alice.SetDisplayName("Alice")
	sent := r.Send(alice, "hello")
	if !reflect.DeepEqual(sent, []string{"beta", "delta"}) {
		t.Fatalf("sent to %v", sent)
	}
	if len(beta.sent) != 1 {
		t.Fatalf("beta got %d messages", len(beta.sent))
	}
	msg := beta.sent[0]
	if msg.Player != "alice" || msg.DisplayName != "Alice" || msg.World != "world" || msg.Message != "hello" {
		t.Fatalf("beta message: %+v", msg)
	}
	if !reflect.DeepEqual(msg.ToGates, []string{"world.arrival"}) {
		t.Fatalf("to gates: %v", msg.ToGates)
	}
	if len(delta.sent) != 1 || delta.sent[0].ToGates != nil {
		t.Fatalf("delta message: %+v", delta.sent)
	}
	if len(gamma.sent) != 0 {
		t.Fatalf("closed or distant gates must not relay: %+v", gamma.sent)
	}

	bob := host.Join("bob", "10.0.0.2:5000", at(100, 3))
	if sent := r.Send(bob, "far away"); !reflect.DeepEqual(sent, []string{"delta", "gamma"}) {
		t.Fatalf("sent to %v", sent)
	}
}

func TestRelay_SendFailureIsSkipped(t *testing.T) {
	beta := &fakePeer{name: "beta", err: errors.New("peer not connected")}
	host := memhost.New("world")
	r := NewRelay(Options{Gates: testRegistry(t), Peers: []Peer{beta}, Roster: host, Logger: log.New(io.Discard, "", 0)})
	if sent := r.Send(host.Join("alice", "", at(0, 0)), "hi"); len(sent) != 0 {
		t.Fatalf("sent to %v", sent)
	}
}

func TestRelay_ReceiveNearListedGates(t *testing.T) {
	host := memhost.New("world")
	r := NewRelay(Options{Gates: testRegistry(t), Roster: host, Format: "[%server%/%world%] %player%: %message%"})

	near := host.Join("near", "", at(1, 0))
	away := host.Join("away", "", at(50, 0))
	nether := host.Join("nether", "", transfer.Location{World: "nether"})

	n := r.Receive(&fakePeer{name: "beta"}, protocol.ChatMsg{
		Player:  "carol",
		World:   "overworld",
		Message: "anyone there?",
		ToGates: []string{"world.lobby", "world.near", "world.missing"},
	})
	if n != 1 {
		t.Fatalf("recipients: got %d want 1", n)
	}
	want := "[beta/overworld] carol: anyone there?"
	if got := near.Messages(); !reflect.DeepEqual(got, []string{want}) {
		t.Fatalf("near messages: %v", got)
	}
	if len(away.Messages()) != 0 || len(nether.Messages()) != 0 {
		t.Fatalf("out of range players received chat")
	}
}

func TestRelay_ReceiveAllChat(t *testing.T) {
	host := memhost.New("world")
	r := NewRelay(Options{Gates: testRegistry(t), Roster: host})
	a := host.Join("a", "", at(500, 500))
	b := host.Join("b", "", transfer.Location{World: "nether"})

	n := r.Receive(&fakePeer{name: "delta", receiveAll: true}, protocol.ChatMsg{Player: "dave", DisplayName: "Dave", Message: "hi all"})
	if n != 2 {
		t.Fatalf("recipients: got %d want 2", n)
	}
	for _, p := range []*memhost.Player{a, b} {
		if got := p.Messages(); len(got) != 1 || got[0] != "<Dave@delta> hi all" {
			t.Fatalf("%s messages: %v", p.Name(), got)
		}
	}
}
