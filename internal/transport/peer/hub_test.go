package peer

import (
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SakuraServer/Transporter/internal/entitystate"
	"github.com/SakuraServer/Transporter/internal/protocol"
)

type recorder struct {
	reservations chan protocol.Envelope
	acks         chan protocol.AckMsg
	chats        chan protocol.ChatMsg
}

func newRecorder() *recorder {
	return &recorder{
		reservations: make(chan protocol.Envelope, 8),
		acks:         make(chan protocol.AckMsg, 8),
		chats:        make(chan protocol.ChatMsg, 8),
	}
}

func (r *recorder) HandleReservation(_ *Peer, env protocol.Envelope) { r.reservations <- env }
func (r *recorder) HandleAck(_ *Peer, ack protocol.AckMsg)           { r.acks <- ack }
func (r *recorder) HandleChat(_ *Peer, msg protocol.ChatMsg)         { r.chats <- msg }

type tapLog struct {
	mu    sync.Mutex
	lines []string
}

func (t *tapLog) Log(direction, peer, msgType string, raw []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, direction+" "+peer+" "+msgType)
}

func (t *tapLog) has(line string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, l := range t.lines {
		if l == line {
			return true
		}
	}
	return false
}

var quiet = log.New(io.Discard, "", 0)

type pair struct {
	alpha, beta       *Hub
	alphaRec, betaRec *recorder
	alphaTap          *tapLog
}

// linkPair starts alpha listening and beta dialing it.
func linkPair(t *testing.T, compress bool, betaKey string) *pair {
	t.Helper()
	p := &pair{alphaRec: newRecorder(), betaRec: newRecorder(), alphaTap: &tapLog{}}
	var err error
	p.alpha, err = NewHub("alpha", []Spec{{Name: "beta", Key: "s3cret", Compress: compress}}, p.alphaRec, p.alphaTap, Options{}, quiet)
	require.NoError(t, err)
	srv := httptest.NewServer(p.alpha.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(p.alpha.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/peer"
	p.beta, err = NewHub("beta", []Spec{{Name: "alpha", URL: url, Key: betaKey, Compress: compress}}, p.betaRec, nil, Options{MaxBackoff: 100 * time.Millisecond}, quiet)
	require.NoError(t, err)
	t.Cleanup(p.beta.Close)
	p.beta.Start()
	return p
}

func sampleEnvelope(t *testing.T, id int64) protocol.Envelope {
	t.Helper()
	env, err := entitystate.Encode(entitystate.Snapshot{
		Kind:      entitystate.KindPlayer,
		EntityID:  3,
		Player:    &entitystate.PlayerIdentity{Name: "alice"},
		Vitals:    entitystate.Vitals{Health: 20, RemainingAir: 300},
		Inventory: []entitystate.Item{{Type: 1, Amount: 2}, {}},
		Armor:     make([]entitystate.Item, 4),
		Pose:      entitystate.Pose{Pos: entitystate.Vec3{X: 1, Y: 2, Z: 3}, Yaw: 90},
	})
	require.NoError(t, err)
	env["id"] = id
	return env
}

func waitConnected(t *testing.T, p *pair) {
	t.Helper()
	require.Eventually(t, func() bool {
		return p.alpha.Get("beta").Connected() && p.beta.Get("alpha").Connected()
	}, 5*time.Second, 10*time.Millisecond)
}

func TestLink_RoundTrip(t *testing.T) {
	for _, compress := range []bool{false, true} {
		name := "text"
		if compress {
			name = "zstd"
		}
		t.Run(name, func(t *testing.T) {
			p := linkPair(t, compress, "s3cret")
			waitConnected(t, p)
			assert.Equal(t, compress, p.alpha.Get("beta").View().Compress)
			assert.Equal(t, compress, p.beta.Get("alpha").View().Compress)

			require.NoError(t, p.beta.Get("alpha").SendReservation(sampleEnvelope(t, 42)))
			select {
			case env := <-p.alphaRec.reservations:
				id, err := env.Int("id")
				require.NoError(t, err)
				assert.EqualValues(t, 42, id)
				snap, err := entitystate.Decode(env)
				require.NoError(t, err)
				assert.Equal(t, "alice", snap.PlayerName())
				assert.Equal(t, 2, snap.Inventory[0].Amount)
			case <-time.After(5 * time.Second):
				t.Fatalf("reservation never arrived")
			}

			require.NoError(t, p.alpha.Get("beta").SendAck(protocol.NewAck(42, protocol.StatusApproved)))
			select {
			case ack := <-p.betaRec.acks:
				assert.EqualValues(t, 42, ack.ID)
				assert.Equal(t, protocol.StatusApproved, ack.Status)
			case <-time.After(5 * time.Second):
				t.Fatalf("ack never arrived")
			}

			require.NoError(t, p.beta.Get("alpha").SendChat(protocol.ChatMsg{Player: "alice", Message: "hi", ToGates: []string{"world.hub"}}))
			select {
			case msg := <-p.alphaRec.chats:
				assert.Equal(t, "hi", msg.Message)
				assert.Equal(t, []string{"world.hub"}, msg.ToGates)
			case <-time.After(5 * time.Second):
				t.Fatalf("chat never arrived")
			}

			assert.True(t, p.alphaTap.has("in beta RESERVATION"))
			assert.True(t, p.alphaTap.has("out beta ACK"))
		})
	}
}

func TestLink_InvalidReservationIsDenied(t *testing.T) {
	p := linkPair(t, false, "s3cret")
	waitConnected(t, p)

	require.NoError(t, p.beta.Get("alpha").SendReservation(protocol.Envelope{"id": 7, "entityType": "PLAYER"}))
	select {
	case ack := <-p.betaRec.acks:
		assert.EqualValues(t, 7, ack.ID)
		tag, reason, err := protocol.ParseStatus(ack.Status)
		require.NoError(t, err)
		assert.Equal(t, protocol.StatusDenied, tag)
		assert.Equal(t, "invalid reservation envelope", reason)
	case <-time.After(5 * time.Second):
		t.Fatalf("denial never arrived")
	}
	assert.Empty(t, p.alphaRec.reservations)
}

func TestLink_BadKeyRejected(t *testing.T) {
	p := linkPair(t, false, "wrong")
	require.Eventually(t, func() bool {
		return p.beta.Get("alpha").View().LastError != ""
	}, 5*time.Second, 10*time.Millisecond)
	assert.False(t, p.alpha.Get("beta").Connected())
	assert.False(t, p.beta.Get("alpha").Connected())
}

func TestSend_WithoutLink(t *testing.T) {
	h, err := NewHub("alpha", []Spec{{Name: "beta"}}, newRecorder(), nil, Options{}, quiet)
	require.NoError(t, err)
	defer h.Close()

	err = h.Get("beta").SendAck(protocol.NewAck(1, protocol.StatusArrived))
	assert.True(t, errors.Is(err, ErrNotConnected), "got %v", err)
	assert.Nil(t, h.Peer("gamma"))
	assert.NotNil(t, h.Peer("beta"))
}

func TestReconnectAddress(t *testing.T) {
	h, err := NewHub("alpha", []Spec{
		{Name: "beta", URL: "ws://beta.example:9000/v1/peer"},
		{Name: "gamma", ReconnectAddress: "proxy.example/gamma"},
		{Name: "delta"},
	}, newRecorder(), nil, Options{}, quiet)
	require.NoError(t, err)
	defer h.Close()

	assert.Equal(t, "beta.example:9000", h.Get("beta").ReconnectAddress("10.0.0.1"))
	assert.Equal(t, "proxy.example/gamma", h.Get("gamma").ReconnectAddress("10.0.0.1"))
	assert.Equal(t, "", h.Get("delta").ReconnectAddress("10.0.0.1"))

	names := []string{}
	for _, p := range h.Peers() {
		names = append(names, p.Name())
	}
	assert.Equal(t, []string{"beta", "delta", "gamma"}, names)
}

// dualDial starts alpha and beta each listening and each dialing the other.
func dualDial(t *testing.T) *pair {
	t.Helper()
	p := &pair{alphaRec: newRecorder(), betaRec: newRecorder(), alphaTap: &tapLog{}}
	alphaSrv := httptest.NewUnstartedServer(nil)
	betaSrv := httptest.NewUnstartedServer(nil)
	wsURL := func(srv *httptest.Server) string { return "ws://" + srv.Listener.Addr().String() + "/v1/peer" }

	opts := Options{MaxBackoff: 100 * time.Millisecond}
	var err error
	p.alpha, err = NewHub("alpha", []Spec{{Name: "beta", URL: wsURL(betaSrv), Key: "s3cret"}}, p.alphaRec, p.alphaTap, opts, quiet)
	require.NoError(t, err)
	p.beta, err = NewHub("beta", []Spec{{Name: "alpha", URL: wsURL(alphaSrv), Key: "s3cret"}}, p.betaRec, nil, opts, quiet)
	require.NoError(t, err)
	alphaSrv.Config.Handler = p.alpha.Handler()
	betaSrv.Config.Handler = p.beta.Handler()
	alphaSrv.Start()
	betaSrv.Start()
	t.Cleanup(alphaSrv.Close)
	t.Cleanup(betaSrv.Close)
	t.Cleanup(p.alpha.Close)
	t.Cleanup(p.beta.Close)
	p.alpha.Start()
	p.beta.Start()
	return p
}

func TestLink_DualDialSettlesOnOneLink(t *testing.T) {
	p := dualDial(t)
	require.Eventually(t, func() bool {
		a, b := p.alpha.Get("beta").View(), p.beta.Get("alpha").View()
		return a.Connected && b.Connected && a.DialedBy == "alpha" && b.DialedBy == "alpha"
	}, 5*time.Second, 10*time.Millisecond)

	ups := p.alpha.Get("beta").View().Links + p.beta.Get("alpha").View().Links
	time.Sleep(time.Second)
	a, b := p.alpha.Get("beta").View(), p.beta.Get("alpha").View()
	assert.True(t, a.Connected)
	assert.True(t, b.Connected)
	assert.Equal(t, ups, a.Links+b.Links, "link kept flapping")

	for i := int64(1); i <= 5; i++ {
		require.NoError(t, p.beta.Get("alpha").SendReservation(sampleEnvelope(t, i)))
	}
	for i := int64(1); i <= 5; i++ {
		select {
		case env := <-p.alphaRec.reservations:
			id, err := env.Int("id")
			require.NoError(t, err)
			assert.Equal(t, i, id)
		case <-time.After(5 * time.Second):
			t.Fatalf("reservation %d never arrived", i)
		}
	}
}

func TestAttach_PreferredLinkKeepsQueuedFrames(t *testing.T) {
	h, err := NewHub("alpha", []Spec{{Name: "beta"}}, newRecorder(), nil, Options{}, quiet)
	require.NoError(t, err)
	defer h.Close()
	pb := h.Get("beta")

	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()
	dial := func() *websocket.Conn {
		conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
		require.NoError(t, err)
		t.Cleanup(func() { conn.Close() })
		return conn
	}

	inbound := &link{conn: dial(), out: make(chan []byte, 4), dialer: "beta", cancel: func() {}}
	require.True(t, pb.attach(inbound))
	require.NoError(t, pb.SendAck(protocol.NewAck(9, protocol.StatusArrived)))

	dialed := &link{conn: dial(), out: make(chan []byte, 4), dialer: "alpha", cancel: func() {}}
	require.True(t, pb.attach(dialed), "preferred link replaces the other")
	require.Len(t, dialed.out, 1, "queued frame moved to the new link")
	assert.Contains(t, string(<-dialed.out), `"id":9`)

	again := &link{conn: dial(), out: make(chan []byte, 4), dialer: "beta", cancel: func() {}}
	assert.False(t, pb.attach(again))
	assert.Equal(t, "alpha", pb.View().DialedBy)
	assert.Equal(t, 2, pb.View().Links)
}
