// Package chat relays player chat to peer servers through nearby gates.
package chat

import (
	"log"
	"sort"
	"strings"

	"github.com/SakuraServer/Transporter/internal/gate"
	"github.com/SakuraServer/Transporter/internal/protocol"
	"github.com/SakuraServer/Transporter/internal/transfer"
)

const DefaultFormat = "<%player%@%server%> %message%"

type Peer interface {
	Name() string
	SendAllChat() bool
	ReceiveAllChat() bool
	SendChat(msg protocol.ChatMsg) error
}

type Roster interface {
	OnlinePlayers() []transfer.Player
}

type Options struct {
	Format string
	Gates  *gate.Registry
	Peers  []Peer
	Roster Roster
	Logger *log.Logger
}

type Relay struct {
	format string
	gates  *gate.Registry
	peers  map[string]Peer
	roster Roster
	log    *log.Logger
}

func NewRelay(opts Options) *Relay {
	if opts.Format == "" {
		opts.Format = DefaultFormat
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	r := &Relay{
		format: opts.Format,
		gates:  opts.Gates,
		peers:  make(map[string]Peer, len(opts.Peers)),
		roster: opts.Roster,
		log:    opts.Logger,
	}
	for _, p := range opts.Peers {
		r.peers[p.Name()] = p
	}
	return r
}

// Send forwards a local chat line. It returns the names of the peers the
// line was handed to.
func (r *Relay) Send(speaker transfer.Player, message string) []string {
	targets := map[string][]string{}
	for name, p := range r.peers {
		if p.SendAllChat() {
			targets[name] = nil
		}
	}

	loc := speaker.Location()
	for _, g := range r.gates.Locals() {
		if !g.Open() || !g.InChatProximity(loc) {
			continue
		}
		dst, err := g.Destination()
		if err != nil || dst.Local() {
			continue
		}
		if _, ok := r.peers[dst.ServerName()]; !ok {
			continue
		}
		targets[dst.ServerName()] = append(targets[dst.ServerName()], dst.WorldName()+"."+dst.Name())
	}

	sent := make([]string, 0, len(targets))
	for name, toGates := range targets {
		msg := protocol.ChatMsg{
			Player:      speaker.Name(),
			DisplayName: speaker.DisplayName(),
			World:       loc.World,
			Message:     message,
			ToGates:     dedupe(toGates),
		}
		if err := r.peers[name].SendChat(msg); err != nil {
			r.log.Printf("warning: relay chat to '%s': %v", name, err)
			continue
		}
		sent = append(sent, name)
	}
	sort.Strings(sent)
	return sent
}

// Receive delivers a chat line from a peer to the local players that can
// hear it. It returns the number of recipients.
func (r *Relay) Receive(from Peer, msg protocol.ChatMsg) int {
	var listeners []transfer.Player
	players := r.roster.OnlinePlayers()
	if from.ReceiveAllChat() {
		listeners = players
	} else {
		seen := map[string]bool{}
		for _, name := range msg.ToGates {
			g := r.gates.LocalGate(name)
			if g == nil {
				continue
			}
			for _, p := range players {
				if !seen[p.Name()] && g.InChatProximity(p.Location()) {
					seen[p.Name()] = true
					listeners = append(listeners, p)
				}
			}
		}
	}
	if len(listeners) == 0 {
		return 0
	}
	line := r.Format(from.Name(), msg)
	for _, p := range listeners {
		p.Message(line)
	}
	return len(listeners)
}

func (r *Relay) Format(server string, msg protocol.ChatMsg) string {
	player := msg.DisplayName
	if player == "" {
		player = msg.Player
	}
	return strings.NewReplacer(
		"%player%", player,
		"%server%", server,
		"%world%", msg.World,
		"%message%", msg.Message,
	).Replace(r.format)
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	sort.Strings(in)
	out := in[:1]
	for _, s := range in[1:] {
		if s != out[len(out)-1] {
			out = append(out, s)
		}
	}
	return out
}
