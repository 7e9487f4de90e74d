// Package protocol defines the JSON wire frames exchanged over the
// management WebSocket. Three frame shapes exist:
//
//	Request:  {"type":"req",  "id":"...", "method":"...", "params":{...}}
//	Response: {"type":"res",  "id":"...", "ok":true, "payload":{...}}
//	          {"type":"res",  "id":"...", "ok":false, "error":"..."}
//	Event:    {"type":"event","event":"...", "payload":{...}}
//
// Events are server→client and fire-and-forget.
package protocol

import "encoding/json"

// ProtocolVersion is bumped on breaking wire changes.
const ProtocolVersion = 1

// Frame types.
const (
	TypeRequest  = "req"
	TypeResponse = "res"
	TypeEvent    = "event"
)

// RequestFrame is a client→server RPC invocation.
type RequestFrame struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ResponseFrame answers exactly one RequestFrame, matched by ID.
type ResponseFrame struct {
	Type    string      `json:"type"`
	ID      string      `json:"id"`
	OK      bool        `json:"ok"`
	Payload interface{} `json:"payload,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// EventFrame is a server→client broadcast.
type EventFrame struct {
	Type    string      `json:"type"`
	Event   string      `json:"event"`
	Payload interface{} `json:"payload,omitempty"`
}

// NewResponse builds a successful response for a request ID.
func NewResponse(id string, payload interface{}) *ResponseFrame {
	return &ResponseFrame{Type: TypeResponse, ID: id, OK: true, Payload: payload}
}

// NewErrorResponse builds a failed response for a request ID.
func NewErrorResponse(id string, errMsg string) *ResponseFrame {
	return &ResponseFrame{Type: TypeResponse, ID: id, OK: false, Error: errMsg}
}

// NewEvent builds an event frame.
func NewEvent(event string, payload interface{}) *EventFrame {
	return &EventFrame{Type: TypeEvent, Event: event, Payload: payload}
}
