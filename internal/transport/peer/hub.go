// Package peer links Transporter servers over websockets. Every pair of
// servers shares one link; either side may dial. When both do, the link
// dialed by the lexically smaller server name is kept. Inbound messages are
// handed to a Handler, outbound sends only enqueue.
package peer

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zstd"

	"github.com/SakuraServer/Transporter/internal/protocol"
	"github.com/SakuraServer/Transporter/internal/transfer"
)

var (
	ErrNotConnected  = errors.New("peer not connected")
	ErrQueueFull     = errors.New("peer send queue full")
	ErrClosed        = errors.New("peer hub closed")
	ErrDuplicateLink = errors.New("peer already linked")
)

type Spec struct {
	Name string
	// URL is dialed when set; otherwise the peer is expected to dial us.
	URL string
	// Key is the shared secret both sides present in HELLO.
	Key string
	// ReconnectAddress is host[:port] for client redirects or proxy/target
	// for proxy redirects.
	ReconnectAddress string
	SendAllChat      bool
	ReceiveAllChat   bool
	Compress         bool
}

type Handler interface {
	HandleReservation(from *Peer, env protocol.Envelope)
	HandleAck(from *Peer, ack protocol.AckMsg)
	HandleChat(from *Peer, msg protocol.ChatMsg)
}

// Tap sees every frame crossing a link, decompressed.
type Tap interface {
	Log(direction, peer, msgType string, raw []byte)
}

type Options struct {
	QueueSize    int
	PingInterval time.Duration
	ReadTimeout  time.Duration
	MaxBackoff   time.Duration
}

type Hub struct {
	self    string
	log     *log.Logger
	handler Handler
	tap     Tap
	opts    Options

	upgrader websocket.Upgrader
	enc      *zstd.Encoder
	dec      *zstd.Decoder

	mu    sync.RWMutex
	peers map[string]*Peer

	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func NewHub(self string, specs []Spec, handler Handler, tap Tap, opts Options, logger *log.Logger) (*Hub, error) {
	if logger == nil {
		logger = log.Default()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 20 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 60 * time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 5 * time.Second
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	h := &Hub{
		self:    self,
		log:     logger,
		handler: handler,
		tap:     tap,
		opts:    opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		enc:   enc,
		dec:   dec,
		peers: map[string]*Peer{},
		stop:  make(chan struct{}),
	}
	for _, s := range specs {
		h.peers[s.Name] = &Peer{spec: s, hub: h}
	}
	return h, nil
}

// Start launches the redial loop of every peer with a URL.
func (h *Hub) Start() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, p := range h.peers {
		if p.spec.URL == "" {
			continue
		}
		h.wg.Add(1)
		go p.dialLoop()
	}
}

func (h *Hub) Close() {
	h.once.Do(func() {
		close(h.stop)
		h.mu.RLock()
		for _, p := range h.peers {
			p.drop()
		}
		h.mu.RUnlock()
		h.wg.Wait()
		h.dec.Close()
	})
}

func (h *Hub) closed() bool {
	select {
	case <-h.stop:
		return true
	default:
		return false
	}
}

// Peer returns the named peer, or nil.
func (h *Hub) Peer(name string) transfer.Peer {
	if p := h.Get(name); p != nil {
		return p
	}
	return nil
}

func (h *Hub) Get(name string) *Peer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.peers[name]
}

// Peers lists configured peers ordered by name.
func (h *Hub) Peers() []*Peer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Peer, 0, len(h.peers))
	for _, p := range h.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].spec.Name < out[j].spec.Name })
	return out
}

// Handler accepts inbound peer links.
func (h *Hub) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if h.closed() {
			http.Error(rw, "shutting down", http.StatusServiceUnavailable)
			return
		}
		conn, err := h.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		p, compress, ok := h.accept(conn)
		if !ok {
			_ = conn.Close()
			return
		}
		h.wg.Add(1)
		defer h.wg.Done()
		p.serve(conn, compress, p.spec.Name)
	}
}

func (h *Hub) accept(conn *websocket.Conn) (*Peer, bool, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil, false, false
	}
	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		rejectConn(conn, "expected HELLO")
		return nil, false, false
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		rejectConn(conn, "malformed HELLO")
		return nil, false, false
	}
	if hello.ProtocolVersion != protocol.Version {
		rejectConn(conn, "bad protocol_version")
		return nil, false, false
	}
	p := h.Get(hello.Server)
	if p == nil {
		h.log.Printf("warning: rejected link from unknown server %q", hello.Server)
		rejectConn(conn, "unknown server")
		return nil, false, false
	}
	if hello.Key != p.spec.Key {
		h.log.Printf("warning: rejected link from %s: bad key", hello.Server)
		rejectConn(conn, "bad key")
		return nil, false, false
	}
	if p.holdsPreferred() && p.preferredDialer() != hello.Server {
		h.log.Printf("keeping existing link to %s, refusing its dial", hello.Server)
		rejectConn(conn, "already linked")
		return nil, false, false
	}
	compress := hello.Compress && p.spec.Compress
	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		Server:          h.self,
		Compress:        compress,
	}
	if err := writeJSON(conn, welcome); err != nil {
		return nil, false, false
	}
	return p, compress, true
}

func rejectConn(conn *websocket.Conn, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), time.Now().Add(time.Second))
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}

// hostOf returns the host[:port] of a ws URL.
func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Host
}

var (
	_ transfer.Peer  = (*Peer)(nil)
	_ transfer.Peers = (*Hub)(nil)
)
