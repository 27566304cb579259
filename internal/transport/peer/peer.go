package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/SakuraServer/Transporter/internal/protocol"
)

// Peer is one configured remote server.
type Peer struct {
	spec Spec
	hub  *Hub

	mu          sync.Mutex
	link        *link
	lastErr     string
	connectedAt time.Time
	ups         int
}

type link struct {
	conn     *websocket.Conn
	out      chan []byte
	compress bool
	dialer   string
	cancel   context.CancelFunc
}

func (p *Peer) Name() string { return p.spec.Name }

func (p *Peer) SendAllChat() bool    { return p.spec.SendAllChat }
func (p *Peer) ReceiveAllChat() bool { return p.spec.ReceiveAllChat }

func (p *Peer) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.link != nil
}

// View is the admin summary of a peer.
type View struct {
	Name        string    `json:"name"`
	Connected   bool      `json:"connected"`
	Dials       bool      `json:"dials"`
	Compress    bool      `json:"compress"`
	DialedBy    string    `json:"dialed_by,omitempty"`
	ConnectedAt time.Time `json:"connected_at,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	Links       int       `json:"links"`
}

func (p *Peer) View() View {
	p.mu.Lock()
	defer p.mu.Unlock()
	v := View{
		Name:      p.spec.Name,
		Connected: p.link != nil,
		Dials:     p.spec.URL != "",
		LastError: p.lastErr,
		Links:     p.ups,
	}
	if p.link != nil {
		v.Compress = p.link.compress
		v.DialedBy = p.link.dialer
		v.ConnectedAt = p.connectedAt
	}
	return v
}

// ReconnectAddress tells a redirected client where to go. It falls back
// to the host of the peer's URL.
func (p *Peer) ReconnectAddress(clientAddress string) string {
	if addr := strings.TrimSpace(p.spec.ReconnectAddress); addr != "" {
		return addr
	}
	if p.spec.URL != "" {
		return hostOf(p.spec.URL)
	}
	return ""
}

func (p *Peer) SendReservation(env protocol.Envelope) error {
	return p.sendJSON(protocol.TypeReservation, protocol.ReservationMsg{
		Type:            protocol.TypeReservation,
		ProtocolVersion: protocol.Version,
		Reservation:     env,
	})
}

func (p *Peer) SendAck(ack protocol.AckMsg) error {
	ack.Type = protocol.TypeAck
	ack.ProtocolVersion = protocol.Version
	return p.sendJSON(protocol.TypeAck, ack)
}

func (p *Peer) SendChat(msg protocol.ChatMsg) error {
	msg.Type = protocol.TypeChat
	msg.ProtocolVersion = protocol.Version
	return p.sendJSON(protocol.TypeChat, msg)
}

func (p *Peer) sendJSON(msgType string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	p.mu.Lock()
	l := p.link
	p.mu.Unlock()
	if l == nil {
		return fmt.Errorf("%w: %s", ErrNotConnected, p.spec.Name)
	}
	select {
	case l.out <- b:
	default:
		return fmt.Errorf("%w: %s", ErrQueueFull, p.spec.Name)
	}
	if p.hub.tap != nil {
		p.hub.tap.Log("out", p.spec.Name, msgType, b)
	}
	return nil
}

// preferredDialer names the server whose dial is kept when both servers
// dial each other.
func (p *Peer) preferredDialer() string {
	if p.spec.Name < p.hub.self {
		return p.spec.Name
	}
	return p.hub.self
}

func (p *Peer) preferred(l *link) bool { return l.dialer == p.preferredDialer() }

// holdsPreferred reports whether the active link is the preferred one.
func (p *Peer) holdsPreferred() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.link != nil && p.preferred(p.link)
}

// attach makes l the active link, closing any previous one and moving its
// unsent frames onto l. A preferred link is never replaced by one that is
// not; attach then reports false.
func (p *Peer) attach(l *link) bool {
	p.mu.Lock()
	old := p.link
	if old != nil && p.preferred(old) && !p.preferred(l) {
		p.mu.Unlock()
		return false
	}
	p.link = l
	p.lastErr = ""
	p.connectedAt = time.Now()
	p.ups++
	p.mu.Unlock()
	if old != nil {
		old.cancel()
		_ = old.conn.Close()
		p.handover(old, l)
	}
	p.hub.log.Printf("link to %s up (compress=%v, dialed by %s)", p.spec.Name, l.compress, l.dialer)
	return true
}

func (p *Peer) handover(old, l *link) {
	for {
		select {
		case b := <-old.out:
			select {
			case l.out <- b:
			default:
				p.hub.log.Printf("warning: dropped a queued frame for %s during link handover", p.spec.Name)
			}
		default:
			return
		}
	}
}

func (p *Peer) detach(l *link, err error) {
	p.mu.Lock()
	if p.link != l {
		p.mu.Unlock()
		return
	}
	p.link = nil
	if err != nil {
		p.lastErr = err.Error()
	}
	p.mu.Unlock()
	p.hub.log.Printf("link to %s down: %v", p.spec.Name, err)
}

func (p *Peer) drop() {
	p.mu.Lock()
	l := p.link
	p.mu.Unlock()
	if l != nil {
		l.cancel()
		_ = l.conn.Close()
	}
}

// serve owns conn until it fails: one writer goroutine drains the send
// queue while this goroutine reads. dialer names the server that opened
// the connection.
func (p *Peer) serve(conn *websocket.Conn, compress bool, dialer string) error {
	h := p.hub
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer conn.Close()
	l := &link{conn: conn, out: make(chan []byte, h.opts.QueueSize), compress: compress, dialer: dialer, cancel: cancel}
	if !p.attach(l) {
		rejectConn(conn, "already linked")
		return fmt.Errorf("%w: %s", ErrDuplicateLink, p.spec.Name)
	}

	go func() {
		ping := time.NewTicker(h.opts.PingInterval)
		defer ping.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					cancel()
					_ = conn.Close()
					return
				}
			case b := <-l.out:
				frameType := websocket.TextMessage
				if compress {
					frameType = websocket.BinaryMessage
					b = h.enc.EncodeAll(b, nil)
				}
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(frameType, b); err != nil {
					cancel()
					_ = conn.Close()
					return
				}
			}
		}
	}()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))
	})
	var err error
	for {
		_ = conn.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))
		var frameType int
		var msg []byte
		frameType, msg, err = conn.ReadMessage()
		if err != nil {
			break
		}
		if frameType == websocket.BinaryMessage {
			msg, err = h.dec.DecodeAll(msg, nil)
			if err != nil {
				h.log.Printf("warning: undecodable frame from %s: %v", p.spec.Name, err)
				continue
			}
		}
		p.dispatch(msg)
	}
	cancel()
	p.detach(l, err)
	return err
}

func (p *Peer) dispatch(msg []byte) {
	h := p.hub
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		h.log.Printf("warning: malformed message from %s: %v", p.spec.Name, err)
		return
	}
	if h.tap != nil {
		h.tap.Log("in", p.spec.Name, base.Type, msg)
	}
	if base.ProtocolVersion != protocol.Version {
		h.log.Printf("warning: %s message from %s has protocol_version %q", base.Type, p.spec.Name, base.ProtocolVersion)
		return
	}
	switch base.Type {
	case protocol.TypeReservation:
		env, err := protocol.DecodeReservation(msg)
		if err != nil {
			p.denyUnreadable(msg, err)
			return
		}
		h.handler.HandleReservation(p, env)
	case protocol.TypeAck:
		var ack protocol.AckMsg
		if err := json.Unmarshal(msg, &ack); err != nil {
			h.log.Printf("warning: malformed ACK from %s: %v", p.spec.Name, err)
			return
		}
		h.handler.HandleAck(p, ack)
	case protocol.TypeChat:
		var chat protocol.ChatMsg
		if err := json.Unmarshal(msg, &chat); err != nil {
			h.log.Printf("warning: malformed CHAT from %s: %v", p.spec.Name, err)
			return
		}
		h.handler.HandleChat(p, chat)
	default:
		h.log.Printf("warning: unexpected %q message from %s", base.Type, p.spec.Name)
	}
}

// denyUnreadable answers a reservation that failed validation when its id
// can still be read.
func (p *Peer) denyUnreadable(msg []byte, cause error) {
	var head struct {
		Reservation struct {
			ID int64 `json:"id"`
		} `json:"reservation"`
	}
	if err := json.Unmarshal(msg, &head); err != nil || head.Reservation.ID <= 0 {
		p.hub.log.Printf("warning: dropping unreadable reservation from %s: %v", p.spec.Name, cause)
		return
	}
	if err := p.SendAck(protocol.DeniedAck(head.Reservation.ID, protocol.ReasonOf(cause))); err != nil {
		p.hub.log.Printf("severe: send reservation denial to %s failed: %v", p.spec.Name, err)
	}
}

func (p *Peer) dialLoop() {
	h := p.hub
	defer h.wg.Done()
	backoff := 200 * time.Millisecond
	for {
		if h.closed() {
			return
		}
		if p.holdsPreferred() {
			// The peer's own dial won the tie; stand by while it lasts.
			select {
			case <-h.stop:
				return
			case <-time.After(h.opts.MaxBackoff):
			}
			continue
		}
		linked, err := p.dialOnce()
		if h.closed() {
			return
		}
		if linked {
			backoff = 200 * time.Millisecond
		}
		if err != nil {
			p.mu.Lock()
			p.lastErr = err.Error()
			p.mu.Unlock()
		}
		select {
		case <-h.stop:
			return
		case <-time.After(backoff):
		}
		if backoff < h.opts.MaxBackoff {
			backoff *= 2
			if backoff > h.opts.MaxBackoff {
				backoff = h.opts.MaxBackoff
			}
		}
	}
}

// dialOnce reports whether the handshake completed before the link failed.
func (p *Peer) dialOnce() (bool, error) {
	h := p.hub
	d := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := d.Dial(p.spec.URL, http.Header{})
	if err != nil {
		return false, err
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		Server:          h.self,
		Key:             p.spec.Key,
		Compress:        p.spec.Compress,
	}
	if err := writeJSON(conn, hello); err != nil {
		_ = conn.Close()
		return false, err
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return false, err
	}
	var welcome protocol.WelcomeMsg
	if err := json.Unmarshal(msg, &welcome); err != nil || welcome.Type != protocol.TypeWelcome {
		_ = conn.Close()
		return false, fmt.Errorf("expected WELCOME from %s", p.spec.Name)
	}
	if welcome.Server != p.spec.Name {
		_ = conn.Close()
		return false, fmt.Errorf("dialed %s but %q answered", p.spec.Name, welcome.Server)
	}
	err = p.serve(conn, welcome.Compress, h.self)
	return !errors.Is(err, ErrDuplicateLink), err
}
