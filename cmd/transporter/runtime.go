package main

import (
	"fmt"
	"io"
	"log"
	"math/rand"
	"time"

	"github.com/SakuraServer/Transporter/internal/chat"
	"github.com/SakuraServer/Transporter/internal/config"
	"github.com/SakuraServer/Transporter/internal/entitystate"
	"github.com/SakuraServer/Transporter/internal/gate"
	"github.com/SakuraServer/Transporter/internal/host/memhost"
	"github.com/SakuraServer/Transporter/internal/oracle"
	"github.com/SakuraServer/Transporter/internal/persistence/envlog"
	"github.com/SakuraServer/Transporter/internal/persistence/journal"
	"github.com/SakuraServer/Transporter/internal/protocol"
	"github.com/SakuraServer/Transporter/internal/transfer"
	"github.com/SakuraServer/Transporter/internal/transport/peer"
)

type loggers struct {
	main    *log.Logger
	peer    *log.Logger
	journal *log.Logger
}

func newLoggers(w io.Writer) loggers {
	flags := log.LstdFlags | log.Lmicroseconds
	return loggers{
		main:    log.New(w, "[transporter] ", flags),
		peer:    log.New(w, "[peer] ", flags),
		journal: log.New(w, "[journal] ", flags),
	}
}

type runtime struct {
	cfg config.Config
	log *log.Logger

	host    *memhost.Host
	gates   *gate.Registry
	perms   *oracle.Permissions
	ledger  *oracle.Ledger
	loop    *transfer.Loop
	svc     *transfer.Service
	hub     *peer.Hub
	relay   *chat.Relay
	journal *journal.SQLiteJournal
	envlog  *envlog.EnvelopeLogger
}

func newRuntime(cfg config.Config, logs loggers) (*runtime, error) {
	gcfg, err := gate.Load(cfg.GatesFile)
	if err != nil {
		return nil, fmt.Errorf("load gates: %w", err)
	}
	gates, err := gate.NewRegistry(gcfg)
	if err != nil {
		return nil, fmt.Errorf("gate registry: %w", err)
	}
	pcfg, err := oracle.LoadPermissions(cfg.PermissionsFile)
	if err != nil {
		return nil, fmt.Errorf("load permissions: %w", err)
	}

	rt := &runtime{
		cfg:    cfg,
		log:    logs.main,
		host:   memhost.New(cfg.DefaultWorld),
		gates:  gates,
		perms:  oracle.NewPermissions(pcfg),
		ledger: oracle.NewLedger(cfg.Economy.Balances, cfg.Economy.OpeningBalance, cfg.Economy.Currency),
		loop:   transfer.NewLoop(1024),
	}
	for _, w := range gates.Worlds() {
		if !rt.host.WorldExists(w) {
			rt.host.AddWorld(w, entitystate.Vec3{X: 0.5, Y: 64, Z: 0.5})
		}
	}

	var j transfer.Journal
	if cfg.JournalPath != "" {
		rt.journal, err = journal.OpenSQLite(cfg.JournalPath, logs.journal)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("open journal: %w", err)
		}
		j = rt.journal
	}
	var tap peer.Tap
	if cfg.EnvlogDir != "" {
		rt.envlog = envlog.NewEnvelopeLogger(cfg.EnvlogDir, cfg.EnvlogSegmentBytes, logs.peer)
		tap = rt.envlog
	}

	specs := make([]peer.Spec, 0, len(cfg.Peers))
	for _, p := range cfg.Peers {
		specs = append(specs, peer.Spec{
			Name:             p.Name,
			URL:              p.URL,
			Key:              p.Key,
			ReconnectAddress: p.ReconnectAddress,
			SendAllChat:      p.SendAllChat,
			ReceiveAllChat:   p.ReceiveAllChat,
			Compress:         p.Compress,
		})
	}
	rt.hub, err = peer.NewHub(cfg.Server, specs, dispatcher{rt: rt}, tap, peer.Options{}, logs.peer)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("peer hub: %w", err)
	}

	rt.svc, err = transfer.NewService(transfer.Config{
		ServerName:         cfg.Server,
		ArrivalWindow:      cfg.ArrivalWindow(),
		LockExpiration:     cfg.GateLockExpiration(),
		UseGatePermissions: cfg.UseGatePermissions,
		Debug:              cfg.Debug,
	}, transfer.Deps{
		Host:        rt.host,
		Gates:       gates,
		Peers:       rt.hub,
		Permissions: rt.perms,
		Economy:     rt.ledger,
		Scheduler:   rt.loop,
		Journal:     j,
		Logger:      logs.main,
		Rand:        rand.New(rand.NewSource(time.Now().UnixNano())),
	})
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("transfer service: %w", err)
	}

	chatPeers := make([]chat.Peer, 0, len(cfg.Peers))
	for _, p := range rt.hub.Peers() {
		chatPeers = append(chatPeers, p)
	}
	rt.relay = chat.NewRelay(chat.Options{
		Format: cfg.ChatFormat,
		Gates:  gates,
		Peers:  chatPeers,
		Roster: rt.host,
		Logger: logs.main,
	})
	return rt, nil
}

func (rt *runtime) Start() { rt.hub.Start() }

func (rt *runtime) Close() {
	if rt.hub != nil {
		rt.hub.Close()
	}
	if rt.loop != nil {
		rt.loop.Close()
	}
	if rt.journal != nil {
		if err := rt.journal.Close(); err != nil {
			rt.log.Printf("warning: close journal: %v", err)
		}
	}
	if rt.envlog != nil {
		if err := rt.envlog.Close(); err != nil {
			rt.log.Printf("warning: close envelope log: %v", err)
		}
	}
}

// dispatcher moves inbound peer traffic onto the transfer loop.
type dispatcher struct {
	rt *runtime
}

func (d dispatcher) HandleReservation(from *peer.Peer, env protocol.Envelope) {
	d.rt.loop.Run(func() { d.rt.svc.Receive(from, env) })
}

func (d dispatcher) HandleAck(from *peer.Peer, ack protocol.AckMsg) {
	d.rt.loop.Run(func() { d.rt.svc.HandleAck(from, ack) })
}

func (d dispatcher) HandleChat(from *peer.Peer, msg protocol.ChatMsg) {
	d.rt.loop.Run(func() { d.rt.relay.Receive(from, msg) })
}

var _ peer.Handler = dispatcher{}
