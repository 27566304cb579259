package protocol

import "strings"

// HELLO (dialing peer -> accepting peer)
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Server          string `json:"server"`
	Key             string `json:"key,omitempty"`
	Compress        bool   `json:"compress,omitempty"`
}

// WELCOME (accepting peer -> dialing peer)
type WelcomeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Server          string `json:"server"`
	Compress        bool   `json:"compress,omitempty"`
}

// RESERVATION (departure -> arrival)
type ReservationMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	Reservation     Envelope `json:"reservation"`
}

// ACK (arrival -> departure). ID is the departure side's local id. A
// departure side that gives up first sends a timeout with Sender set, still
// addressed by its own local id.
type AckMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ID              int64  `json:"id"`
	Status          string `json:"status"`
	Sender          bool   `json:"sender,omitempty"`
}

// CHAT (either direction)
type ChatMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	Player          string   `json:"player"`
	DisplayName     string   `json:"display_name,omitempty"`
	World           string   `json:"world,omitempty"`
	Message         string   `json:"message"`
	ToGates         []string `json:"to_gates,omitempty"`
}

// Ack status tags.
const (
	StatusApproved = "approved"
	StatusDenied   = "denied"
	StatusArrived  = "arrived"
	StatusTimeout  = "timeout"
)

func NewAck(id int64, status string) AckMsg {
	return AckMsg{Type: TypeAck, ProtocolVersion: Version, ID: id, Status: status}
}

// SenderTimeoutAck tells the arrival side that the departure side's
// reservation id expired.
func SenderTimeoutAck(id int64) AckMsg {
	ack := NewAck(id, StatusTimeout)
	ack.Sender = true
	return ack
}

func DeniedAck(id int64, reason string) AckMsg {
	return NewAck(id, StatusDenied+":"+reason)
}

// ParseStatus splits an ack status into its tag and, for denials, the reason.
func ParseStatus(s string) (tag string, reason string, err error) {
	switch s {
	case StatusApproved, StatusArrived, StatusTimeout:
		return s, "", nil
	case StatusDenied:
		return StatusDenied, "", nil
	}
	if rest, ok := strings.CutPrefix(s, StatusDenied+":"); ok {
		return StatusDenied, rest, nil
	}
	return "", "", Errorf(ErrProtocol, "unknown ack status %q", s)
}
