package protocol

import (
	_ "embed"
	"encoding/json"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/reservation.schema.json
var reservationSchemaJSON string

const reservationSchemaURL = "https://transporter.local/schemas/reservation.schema.json"

var (
	reservationSchemaOnce sync.Once
	reservationSchema     *jsonschema.Schema
	reservationSchemaErr  error
)

func compiledReservationSchema() (*jsonschema.Schema, error) {
	reservationSchemaOnce.Do(func() {
		reservationSchema, reservationSchemaErr = jsonschema.CompileString(reservationSchemaURL, reservationSchemaJSON)
	})
	return reservationSchema, reservationSchemaErr
}

// DecodeReservation parses a RESERVATION message and validates its envelope
// against the reservation schema. Failures are ErrProtocol.
func DecodeReservation(b []byte) (Envelope, error) {
	var raw struct {
		Type            string          `json:"type"`
		ProtocolVersion string          `json:"protocol_version"`
		Reservation     json.RawMessage `json:"reservation"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, Wrap(ErrProtocol, err, "malformed reservation message")
	}
	if raw.Type != TypeReservation {
		return nil, Errorf(ErrProtocol, "unexpected message type %q", raw.Type)
	}
	if len(raw.Reservation) == 0 {
		return nil, Errorf(ErrProtocol, "reservation message without envelope")
	}
	return ValidateEnvelope(raw.Reservation)
}

// ValidateEnvelope checks a raw JSON reservation envelope.
func ValidateEnvelope(b []byte) (Envelope, error) {
	schema, err := compiledReservationSchema()
	if err != nil {
		return nil, Wrap(ErrInternal, err, "compile reservation schema")
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, Wrap(ErrProtocol, err, "malformed reservation envelope")
	}
	if err := schema.Validate(doc); err != nil {
		return nil, Wrap(ErrProtocol, err, "invalid reservation envelope")
	}
	m, ok := doc.(map[string]any)
	if !ok {
		return nil, Errorf(ErrProtocol, "reservation envelope is not an object")
	}
	return Envelope(m), nil
}
