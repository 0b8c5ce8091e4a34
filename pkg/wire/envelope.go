// Package wire defines the envelope protocol spoken between the broker and
// the browser extension over a persistent WebSocket channel.
//
// The broker validates only the envelope frame. Command payloads and response
// data are opaque json.RawMessage blobs interpreted by the extension alone.
package wire

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
)

// Envelope types
const (
	// TypeCommand is a broker → extension command
	TypeCommand = "command"
	// TypeResponse is an extension → broker reply to a command
	TypeResponse = "response"
	// TypeEvent is an unsolicited extension → broker notification
	TypeEvent = "event"
	// TypeHello is the first message an extension sends after dialing in
	TypeHello = "hello"
	// TypeHelloAck is the broker's handshake reply
	TypeHelloAck = "helloAck"
	// TypePing is the broker's periodic liveness probe
	TypePing = "ping"
	// TypePong is the extension's liveness reply
	TypePong = "pong"
	// TypePortListRequest asks the broker for all active broker ports
	TypePortListRequest = "portListRequest"
	// TypePortListResponse carries the active broker ports
	TypePortListResponse = "portListResponse"
)

// Envelope is one framed message on the broker↔extension channel. The Type
// discriminator decides which fields are meaningful; unused fields are elided
// from the JSON encoding.
type Envelope struct {
	Type      string `json:"type"`
	WireID    int64  `json:"wireId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`

	// Command fields
	Name    string          `json:"name,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	TabID   int             `json:"tabId,omitempty"`

	// Response fields
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`

	// Handshake / discovery fields
	Wants      string `json:"wants,omitempty"`
	InstanceID string `json:"instanceId,omitempty"`
	Port       int    `json:"port,omitempty"`
	Ports      []int  `json:"ports,omitempty"`

	// Ping fields
	Timestamp int64 `json:"timestamp,omitempty"`
}

// ResponseData is the portion of a response body the broker itself consumes.
// The tabId a response carries is authoritative: it becomes the session's new
// last-focused tab.
type ResponseData struct {
	TabID int `json:"tabId,omitempty"`
}

// ResponseTabID extracts the authoritative tab id from a response envelope.
// Returns 0 if the response carries none.
func (e *Envelope) ResponseTabID() int {
	if e.Type != TypeResponse || len(e.Data) == 0 {
		return 0
	}
	var data ResponseData
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return 0
	}
	return data.TabID
}

// Encode serializes an envelope to its JSON wire form.
func Encode(e *Envelope) ([]byte, error) {
	if e.Type == "" {
		return nil, fmt.Errorf("envelope has no type")
	}
	return json.Marshal(e)
}

// Decode parses an envelope from its JSON wire form. Only the frame is
// validated; payloads stay opaque. Extensions report command failures in the
// bare form {wireId, error} with no discriminator; such frames decode as
// responses.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}
	if e.Type == "" {
		if e.WireID != 0 && e.Error != "" {
			e.Type = TypeResponse
			return &e, nil
		}
		return nil, fmt.Errorf("envelope has no type")
	}
	return &e, nil
}

// IDGenerator hands out process-local monotonic wire ids. Ids are unique per
// broker process; they need not survive restarts. Each connection and the
// sessions multiplexed on it share one generator so a response can never be
// routed to the wrong waiter.
type IDGenerator struct {
	id atomic.Int64
}

// Next returns the next wire id.
func (g *IDGenerator) Next() int64 {
	return g.id.Add(1)
}

// NewCommand builds a command envelope for the given session.
// A tabID of 0 means the extension chooses the target tab.
func NewCommand(wireID int64, sessionID, name string, payload json.RawMessage, tabID int) *Envelope {
	return &Envelope{
		Type:      TypeCommand,
		WireID:    wireID,
		SessionID: sessionID,
		Name:      name,
		Payload:   payload,
		TabID:     tabID,
	}
}

// NewHelloAck builds the broker's handshake reply.
func NewHelloAck(instanceID string, port int) *Envelope {
	return &Envelope{Type: TypeHelloAck, InstanceID: instanceID, Port: port}
}

// NewPing builds a liveness probe carrying the given unix-milli timestamp.
func NewPing(timestamp int64) *Envelope {
	return &Envelope{Type: TypePing, Timestamp: timestamp}
}

// NewPortListResponse builds a discovery reply listing active broker ports.
func NewPortListResponse(ports []int) *Envelope {
	return &Envelope{Type: TypePortListResponse, Ports: ports}
}
