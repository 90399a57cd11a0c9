// Package message defines the two messages exchanged between client and server.
//
// A Request travels client → server and a Response travels back. Both get
// serialized by the codec layer and wrapped in a length-prefixed frame by the
// protocol layer before they hit the TCP stream.
package message

import "encoding/json"

// HeartbeatID is the reserved request id of the client's idle ping.
// A Request carrying it is never registered as a pending call and the server
// drops it without replying.
const HeartbeatID = "BEAT_PING_PONG"

// Request carries one method invocation.
//
//   - ClassName + Version identify the target service (see registry.ServiceKey).
//   - ParameterTypes are the declared Go type names, e.g. "int" or "*calc.Args".
//   - Parameters are the JSON-encoded argument values, one per parameter type.
type Request struct {
	RequestID      string            `json:"requestId"`
	ClassName      string            `json:"className"`
	MethodName     string            `json:"methodName"`
	ParameterTypes []string          `json:"parameterTypes,omitempty"`
	Parameters     []json.RawMessage `json:"parameters,omitempty"`
	Version        string            `json:"version"`
}

// Heartbeat returns the idle ping request.
func Heartbeat() *Request {
	return &Request{RequestID: HeartbeatID}
}

// IsHeartbeat reports whether r is the idle ping.
func (r *Request) IsHeartbeat() bool {
	return r.RequestID == HeartbeatID
}

// Response carries the outcome of one Request, keyed by the same RequestID.
// Error and Result are mutually exclusive; both empty means the server had no
// implementation for the requested service.
type Response struct {
	RequestID string          `json:"requestId"`
	Error     string          `json:"error,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
}

// IsError reports whether the remote invocation failed.
func (r *Response) IsError() bool {
	return r.Error != ""
}
