package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/SakuraServer/Transporter/internal/entitystate"
	"github.com/SakuraServer/Transporter/internal/protocol"
	"github.com/SakuraServer/Transporter/internal/transfer"
	"github.com/SakuraServer/Transporter/internal/transport/peer"
)

func (rt *runtime) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", rt.handleMetrics)
	mux.HandleFunc("/v1/peer", rt.hub.Handler())

	mux.HandleFunc("/admin/v1/reservations", rt.localOnly(rt.handleReservations))
	mux.HandleFunc("/admin/v1/transfers", rt.localOnly(rt.handleTransfers))
	mux.HandleFunc("/admin/v1/peers", rt.localOnly(rt.handlePeers))

	if rt.cfg.Sandbox {
		mux.HandleFunc("/admin/v1/sandbox/players", rt.localOnly(rt.handlePlayers))
		mux.HandleFunc("/admin/v1/sandbox/join", rt.localOnly(rt.post(rt.handleJoin)))
		mux.HandleFunc("/admin/v1/sandbox/leave", rt.localOnly(rt.post(rt.handleLeave)))
		mux.HandleFunc("/admin/v1/sandbox/enter", rt.localOnly(rt.post(rt.handleEnter)))
		mux.HandleFunc("/admin/v1/sandbox/goto", rt.localOnly(rt.post(rt.handleGoto)))
		mux.HandleFunc("/admin/v1/sandbox/send", rt.localOnly(rt.post(rt.handleSend)))
		mux.HandleFunc("/admin/v1/sandbox/chat", rt.localOnly(rt.post(rt.handleChat)))
	}
	return mux
}

func (rt *runtime) localOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		h(rw, r)
	}
}

func (rt *runtime) post(h http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h(rw, r)
	}
}

func writeJSONResponse(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func writeError(rw http.ResponseWriter, status int, err error) {
	resp := map[string]any{"ok": false, "error": protocol.ReasonOf(err)}
	if code := protocol.CodeOf(err); code != "" {
		resp["code"] = code
	}
	writeJSONResponse(rw, status, resp)
}

func (rt *runtime) handleReservations(rw http.ResponseWriter, r *http.Request) {
	var views []transfer.ReservationView
	rt.loop.Do(func() { views = rt.svc.Reservations() })
	writeJSONResponse(rw, http.StatusOK, map[string]any{"server": rt.cfg.Server, "reservations": views})
}

func (rt *runtime) handleTransfers(rw http.ResponseWriter, r *http.Request) {
	if rt.journal == nil {
		writeError(rw, http.StatusServiceUnavailable, fmt.Errorf("journal disabled"))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	var (
		rows []transfer.Outcome
		err  error
	)
	if trace := strings.TrimSpace(r.URL.Query().Get("trace")); trace != "" {
		rows, err = rt.journal.Trace(ctx, trace)
	} else {
		rows, err = rt.journal.Recent(ctx, limit)
	}
	if err != nil {
		writeError(rw, http.StatusInternalServerError, err)
		return
	}
	writeJSONResponse(rw, http.StatusOK, map[string]any{"transfers": rows, "stats": rt.journal.Stats()})
}

func (rt *runtime) handlePeers(rw http.ResponseWriter, r *http.Request) {
	peers := rt.hub.Peers()
	views := make([]peer.View, 0, len(peers))
	for _, p := range peers {
		views = append(views, p.View())
	}
	writeJSONResponse(rw, http.StatusOK, map[string]any{"server": rt.cfg.Server, "peers": views})
}

func (rt *runtime) handleMetrics(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "text/plain; version=0.0.4")

	var pending int
	rt.loop.Do(func() { pending = len(rt.svc.Reservations()) })
	fmt.Fprintf(rw, "# HELP transporter_reservations Live reservations in the registry.\n")
	fmt.Fprintf(rw, "# TYPE transporter_reservations gauge\n")
	fmt.Fprintf(rw, "transporter_reservations{server=%q} %d\n", rt.cfg.Server, pending)
	fmt.Fprintf(rw, "# HELP transporter_loop_queue_depth Callbacks waiting on the transfer loop.\n")
	fmt.Fprintf(rw, "# TYPE transporter_loop_queue_depth gauge\n")
	fmt.Fprintf(rw, "transporter_loop_queue_depth{server=%q} %d\n", rt.cfg.Server, rt.loop.Pending())

	fmt.Fprintf(rw, "# HELP transporter_peer_connected Peer link state (1 connected).\n")
	fmt.Fprintf(rw, "# TYPE transporter_peer_connected gauge\n")
	for _, p := range rt.hub.Peers() {
		v := 0
		if p.Connected() {
			v = 1
		}
		fmt.Fprintf(rw, "transporter_peer_connected{server=%q,peer=%q} %d\n", rt.cfg.Server, p.Name(), v)
	}

	if rt.journal == nil {
		return
	}
	st := rt.journal.Stats()
	fmt.Fprintf(rw, "# HELP transporter_journal_queue_depth Journal writer backlog.\n")
	fmt.Fprintf(rw, "# TYPE transporter_journal_queue_depth gauge\n")
	fmt.Fprintf(rw, "transporter_journal_queue_depth{server=%q} %d\n", rt.cfg.Server, st.QueueDepth)
	fmt.Fprintf(rw, "# HELP transporter_journal_dropped_total Outcomes dropped on a full journal queue.\n")
	fmt.Fprintf(rw, "# TYPE transporter_journal_dropped_total counter\n")
	fmt.Fprintf(rw, "transporter_journal_dropped_total{server=%q} %d\n", rt.cfg.Server, st.DropTotal)

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	counts, err := rt.journal.Counts(ctx)
	if err != nil {
		return
	}
	fmt.Fprintf(rw, "# HELP transporter_transfers_total Terminal transfer outcomes by result.\n")
	fmt.Fprintf(rw, "# TYPE transporter_transfers_total counter\n")
	for _, result := range []string{
		transfer.ResultArrived,
		transfer.ResultDenied,
		transfer.ResultTimeout,
		transfer.ResultTransportFailed,
		transfer.ResultPlacementFailed,
		transfer.ResultValidationFailed,
		transfer.ResultEvicted,
	} {
		fmt.Fprintf(rw, "transporter_transfers_total{server=%q,result=%q} %d\n", rt.cfg.Server, result, counts[result])
	}
}

type playerView struct {
	Name     string           `json:"name"`
	World    string           `json:"world"`
	Pos      entitystate.Vec3 `json:"pos"`
	Health   int              `json:"health"`
	Messages []string         `json:"messages,omitempty"`
	Kicked   string           `json:"kicked,omitempty"`
}

func (rt *runtime) handlePlayers(rw http.ResponseWriter, r *http.Request) {
	var out []playerView
	rt.loop.Do(func() {
		for _, p := range rt.host.Players() {
			loc := p.Location()
			out = append(out, playerView{
				Name:     p.Name(),
				World:    loc.World,
				Pos:      loc.Pose.Pos,
				Health:   p.Health(),
				Messages: p.Messages(),
				Kicked:   p.Kicked(),
			})
		}
	})
	writeJSONResponse(rw, http.StatusOK, map[string]any{"players": out})
}

type sandboxReq struct {
	Player  string  `json:"player"`
	Address string  `json:"address,omitempty"`
	World   string  `json:"world,omitempty"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Z       float64 `json:"z"`
	Gate    string  `json:"gate,omitempty"`
	Server  string  `json:"server,omitempty"`
	HasPos  bool    `json:"has_pos,omitempty"`
	Message string  `json:"message,omitempty"`
	Pin     string  `json:"pin,omitempty"`
}

func decodeSandbox(rw http.ResponseWriter, r *http.Request) (sandboxReq, bool) {
	var req sandboxReq
	if err := json.NewDecoder(http.MaxBytesReader(rw, r.Body, 64*1024)).Decode(&req); err != nil {
		writeError(rw, http.StatusBadRequest, protocol.Wrap(protocol.ErrProtoBadRequest, err, "bad json"))
		return req, false
	}
	req.Player = strings.TrimSpace(req.Player)
	if req.Player == "" {
		writeError(rw, http.StatusBadRequest, protocol.Errorf(protocol.ErrProtoBadRequest, "missing player"))
		return req, false
	}
	return req, true
}

func notOnline(rw http.ResponseWriter, name string) {
	writeError(rw, http.StatusNotFound, protocol.Errorf(protocol.ErrProtoBadRequest, "player '%s' is not online", name))
}

// handleJoin connects a player, completing a pending inbound reservation for
// that name if there is one.
func (rt *runtime) handleJoin(rw http.ResponseWriter, r *http.Request) {
	req, ok := decodeSandbox(rw, r)
	if !ok {
		return
	}
	if err := rt.perms.Connect(req.Player); err != nil {
		writeError(rw, http.StatusForbidden, err)
		return
	}
	world := req.World
	if world == "" {
		world = rt.host.DefaultWorld()
	}
	loc := rt.host.SpawnLocation(world)
	if req.HasPos {
		loc.Pose.Pos = entitystate.Vec3{X: req.X, Y: req.Y, Z: req.Z}
	}

	var (
		arrived bool
		err     error
	)
	rt.loop.Do(func() {
		p := rt.host.Join(req.Player, req.Address, loc)
		if req.Pin != "" {
			p.SetPin(req.Pin)
		}
		arrived, err = rt.svc.PlayerJoined(req.Player)
	})
	if err != nil {
		writeError(rw, http.StatusConflict, err)
		return
	}
	writeJSONResponse(rw, http.StatusOK, map[string]any{"ok": true, "arrived": arrived})
}

func (rt *runtime) handleLeave(rw http.ResponseWriter, r *http.Request) {
	req, ok := decodeSandbox(rw, r)
	if !ok {
		return
	}
	rt.loop.Do(func() { rt.host.Disconnect(req.Player) })
	writeJSONResponse(rw, http.StatusOK, map[string]any{"ok": true})
}

// handleEnter walks a player into a local gate.
func (rt *runtime) handleEnter(rw http.ResponseWriter, r *http.Request) {
	req, ok := decodeSandbox(rw, r)
	if !ok {
		return
	}
	g := rt.gates.LocalGate(req.Gate)
	if g == nil {
		writeError(rw, http.StatusNotFound, protocol.Errorf(protocol.ErrProtoBadRequest, "unknown local gate '%s'", req.Gate))
		return
	}
	var err error
	found := true
	rt.loop.Do(func() {
		p := rt.host.Player(req.Player)
		if p == nil {
			found = false
			return
		}
		err = rt.svc.EnterGate(p, g)
	})
	rt.reply(rw, found, req.Player, err)
}

// handleGoto teleports a player straight to any gate.
func (rt *runtime) handleGoto(rw http.ResponseWriter, r *http.Request) {
	req, ok := decodeSandbox(rw, r)
	if !ok {
		return
	}
	g := rt.gates.Gate(req.Gate)
	if g == nil {
		writeError(rw, http.StatusNotFound, protocol.Errorf(protocol.ErrProtoBadRequest, "unknown gate '%s'", req.Gate))
		return
	}
	var err error
	found := true
	rt.loop.Do(func() {
		p := rt.host.Player(req.Player)
		if p == nil {
			found = false
			return
		}
		var res *transfer.Reservation
		if res, err = rt.svc.ToGate(p, g); err == nil {
			err = res.Depart()
		}
	})
	rt.reply(rw, found, req.Player, err)
}

// handleSend moves a player to a peer server.
func (rt *runtime) handleSend(rw http.ResponseWriter, r *http.Request) {
	req, ok := decodeSandbox(rw, r)
	if !ok {
		return
	}
	var pos *entitystate.Vec3
	if req.HasPos {
		pos = &entitystate.Vec3{X: req.X, Y: req.Y, Z: req.Z}
	}
	var err error
	found := true
	rt.loop.Do(func() {
		p := rt.host.Player(req.Player)
		if p == nil {
			found = false
			return
		}
		var res *transfer.Reservation
		if res, err = rt.svc.ToServer(p, req.Server, req.World, pos); err == nil {
			err = res.Depart()
		}
	})
	rt.reply(rw, found, req.Player, err)
}

func (rt *runtime) handleChat(rw http.ResponseWriter, r *http.Request) {
	req, ok := decodeSandbox(rw, r)
	if !ok {
		return
	}
	var sent []string
	found := true
	rt.loop.Do(func() {
		p := rt.host.Player(req.Player)
		if p == nil {
			found = false
			return
		}
		sent = rt.relay.Send(p, req.Message)
	})
	if !found {
		notOnline(rw, req.Player)
		return
	}
	writeJSONResponse(rw, http.StatusOK, map[string]any{"ok": true, "peers": sent})
}

func (rt *runtime) reply(rw http.ResponseWriter, found bool, player string, err error) {
	switch {
	case !found:
		notOnline(rw, player)
	case err != nil:
		writeError(rw, http.StatusConflict, err)
	default:
		writeJSONResponse(rw, http.StatusOK, map[string]any{"ok": true})
	}
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
