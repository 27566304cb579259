package protocol_test

import (
	"encoding/json"
	"testing"

	"github.com/SakuraServer/Transporter/internal/protocol"
)

func TestDecodeReservation_ValidSample(t *testing.T) {
	msg := []byte(`{
	  "type":"RESERVATION",
	  "protocol_version":"1.0",
	  "reservation":{
	    "id":7,
	    "entityType":"STORAGE_MINECART",
	    "entityId":42,
	    "fromX":1.5,"fromY":64,"fromZ":-3.25,"fromPitch":0,"fromYaw":90,
	    "velX":0.4,"velY":0,"velZ":0,
	    "fireTicks":0,
	    "inventory":[{"type":1,"amount":64,"durability":0},null,{"type":35,"amount":2,"durability":0,"data":14}],
	    "fromGate":"world.hub",
	    "fromGateDirection":"NORTH",
	    "toGate":"beta.world.lobby"
	  }
	}`)
	env, err := protocol.DecodeReservation(msg)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	id, err := env.Int("id")
	if err != nil || id != 7 {
		t.Fatalf("id: got %d err=%v", id, err)
	}
	inv, ok, err := env.List("inventory")
	if err != nil || !ok || len(inv) != 3 {
		t.Fatalf("inventory: ok=%v len=%d err=%v", ok, len(inv), err)
	}
	if inv[1] != nil {
		t.Fatalf("expected explicit empty slot at index 1, got %#v", inv[1])
	}
}

func TestDecodeReservation_RejectsSchemaViolations(t *testing.T) {
	cases := map[string]string{
		"missing id":           `{"type":"RESERVATION","reservation":{"entityType":"BOAT","entityId":1,"fromX":0,"fromY":0,"fromZ":0,"fromPitch":0,"fromYaw":0,"velX":0,"velY":0,"velZ":0,"fireTicks":0}}`,
		"string entity id":     `{"type":"RESERVATION","reservation":{"id":1,"entityType":"BOAT","entityId":"1","fromX":0,"fromY":0,"fromZ":0,"fromPitch":0,"fromYaw":0,"velX":0,"velY":0,"velZ":0,"fireTicks":0}}`,
		"partial destination":  `{"type":"RESERVATION","reservation":{"id":1,"entityType":"BOAT","entityId":1,"fromX":0,"fromY":0,"fromZ":0,"fromPitch":0,"fromYaw":0,"velX":0,"velY":0,"velZ":0,"fireTicks":0,"toX":4}}`,
		"item without amount":  `{"type":"RESERVATION","reservation":{"id":1,"entityType":"PLAYER","entityId":1,"fromX":0,"fromY":0,"fromZ":0,"fromPitch":0,"fromYaw":0,"velX":0,"velY":0,"velZ":0,"fireTicks":0,"inventory":[{"type":1,"durability":0}]}}`,
		"wrong message type":   `{"type":"ACK","reservation":{}}`,
		"not json":             `{"type":`,
		"envelope not present": `{"type":"RESERVATION"}`,
	}
	for name, raw := range cases {
		_, err := protocol.DecodeReservation([]byte(raw))
		if err == nil {
			t.Fatalf("%s: expected error", name)
		}
		if code := protocol.CodeOf(err); code != protocol.ErrProtocol {
			t.Fatalf("%s: code=%q want %q (%v)", name, code, protocol.ErrProtocol, err)
		}
	}
}

func TestEnvelopeGettersAcceptLocalAndDecodedNumbers(t *testing.T) {
	local := protocol.Envelope{"id": int64(9), "x": 1.25, "n": 3}
	b, err := json.Marshal(local)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded protocol.Envelope
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, env := range []protocol.Envelope{local, decoded} {
		if id, err := env.Int("id"); err != nil || id != 9 {
			t.Fatalf("id: %d %v", id, err)
		}
		if x, err := env.Float("x"); err != nil || x != 1.25 {
			t.Fatalf("x: %v %v", x, err)
		}
		if n, err := env.Float("n"); err != nil || n != 3 {
			t.Fatalf("n: %v %v", n, err)
		}
	}
	if _, err := decoded.Int("x"); err == nil {
		t.Fatalf("expected fractional value to be rejected as integer")
	}
	if _, err := decoded.String("missing"); protocol.CodeOf(err) != protocol.ErrProtocol {
		t.Fatalf("expected protocol error for missing field, got %v", err)
	}
}

func TestParseStatus(t *testing.T) {
	tag, reason, err := protocol.ParseStatus(protocol.DeniedAck(3, "remote gate rejected your pin").Status)
	if err != nil || tag != protocol.StatusDenied || reason != "remote gate rejected your pin" {
		t.Fatalf("denied: tag=%q reason=%q err=%v", tag, reason, err)
	}
	for _, s := range []string{protocol.StatusApproved, protocol.StatusArrived, protocol.StatusTimeout} {
		if tag, _, err := protocol.ParseStatus(s); err != nil || tag != s {
			t.Fatalf("%s: tag=%q err=%v", s, tag, err)
		}
	}
	if _, _, err := protocol.ParseStatus("lost"); err == nil {
		t.Fatalf("expected unknown status to fail")
	}
}
