package realtime

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Event names on the wire.
const (
	EventJoinOrder       = "joinOrder"
	EventLeaveOrder      = "leaveOrder"
	EventIdentify        = "identify"
	EventOrderUpdate     = "order:update"
	EventShipperLocation = "shipper:location"
)

// Envelope frames every message in both directions.
type Envelope struct {
	Event string          `json:"event"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Identity associates a connection with a user for server-side routing.
type Identity struct {
	UserID string `json:"userId"`
	Role   string `json:"role,omitempty"`
}

// OrderUpdate is pushed when an order changes state.
type OrderUpdate struct {
	OrderID   string `json:"orderId"`
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	UpdatedAt string `json:"updatedAt,omitempty"`
}

// ShipperLocation is pushed when the shipper assigned to an order moves.
type ShipperLocation struct {
	OrderID   string  `json:"orderId"`
	ShipperID string  `json:"shipperId,omitempty"`
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lng"`
	Heading   float64 `json:"heading,omitempty"`
}

// EncodeEnvelope frames data under event with a fresh message id.
func EncodeEnvelope(event string, data any) ([]byte, error) {
	envelope := Envelope{Event: event, ID: uuid.NewString()}
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("realtime.encode.%s: %w", event, err)
		}
		envelope.Data = encoded
	}
	return json.Marshal(envelope)
}

// DecodeEnvelope parses a frame.
func DecodeEnvelope(frame []byte) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(frame, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("realtime.decode: %w", err)
	}
	if envelope.Event == "" {
		return Envelope{}, fmt.Errorf("realtime.decode: %w", errEmptyEventName)
	}
	return envelope, nil
}
