package protocol

import (
	"encoding/json"

	"github.com/cockroachdb/errors"
)

// Packet is the unified WS message envelope.
type Packet struct {
	Seq     uint64          `json:"seq"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewPacket marshals payload into a Packet of the given type. Seq is left
// zero; the transport stamps it on send.
func NewPacket(event string, payload interface{}) (*Packet, error) {
	pkt := &Packet{Type: event}
	if payload == nil {
		return pkt, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s payload", event)
	}
	pkt.Payload = raw
	return pkt, nil
}

// Decode unmarshals the packet payload into v. An empty payload leaves v untouched.
func (p *Packet) Decode(v interface{}) error {
	if len(p.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(p.Payload, v); err != nil {
		return Anomaly("malformed %s payload: %v", p.Type, err)
	}
	return nil
}

// Synthetic reports whether the event is produced locally by the connection
// layer rather than received from the server.
func Synthetic(event string) bool {
	switch event {
	case EventConnect, EventDisconnect, EventReconnectFailed:
		return true
	}
	return false
}
