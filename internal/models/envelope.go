package models

import "encoding/json"

// Command is the message pattern routed by backend services. The shape is
// fixed by the boundary contract: every controller invokes the gateway with
// a {cmd: string} pattern.
type Command struct {
	Cmd string `json:"cmd"`
}

// RequestEnvelope is the unit published to a service request topic. Data is
// carried verbatim; the gateway never interprets business payloads.
type RequestEnvelope struct {
	ID      string          `json:"id"`
	Pattern Command         `json:"pattern"`
	Data    json.RawMessage `json:"data,omitempty"`
	ReplyTo string          `json:"reply_to,omitempty"`
}

// ReplyEnvelope is the unit consumed from a service reply topic. A reply
// carries either a Response payload or an Err payload, correlated to the
// originating request by ID. Err is loosely structured and is parsed exactly
// once, at the gateway boundary.
type ReplyEnvelope struct {
	ID       string          `json:"id"`
	Response json.RawMessage `json:"response,omitempty"`
	Err      json.RawMessage `json:"err,omitempty"`
}

// IsError reports whether the reply encodes a remote failure.
func (r ReplyEnvelope) IsError() bool {
	return len(r.Err) > 0 && string(r.Err) != "null"
}
