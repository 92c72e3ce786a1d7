// Package protocol defines the wire envelopes exchanged with the SO Platform
// Connector. Requests are open attribute maps serialized as one JSON object
// per text message; responses are JSON objects carrying at minimum a status
// field, plus optional message, session, type, data and errorCode fields.
package protocol

import (
	"encoding/json"
)

// Response status values.
const (
	StatusOK    = "OK"    // Command succeeded
	StatusError = "ERROR" // Command failed, message has the reason
	StatusLogin = "LOGIN" // Session expired, re-login and retry
)

// Command names intercepted locally. These must go through the streaming
// entry points, never the generic command path.
const (
	CmdFile   = "file"
	CmdStream = "stream"
	CmdReport = "report"
	CmdUpload = "upload"
)

// Attributes is the open key/value map of a command request. Values are
// heterogeneous; the wire format demands it.
type Attributes map[string]any

// Encode serializes the attributes as one JSON text message.
func (a Attributes) Encode() ([]byte, error) {
	return json.Marshal(map[string]any(a))
}

// Response is a parsed server envelope. It stays an open map because the
// payload fields are command-specific; typed accessors cover the fields the
// client itself interprets.
type Response map[string]any

// Parse decodes one complete text message into a Response.
func Parse(data []byte) (Response, error) {
	var r Response
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return r, nil
}

// String returns the named field as a string, or "" when absent or not a
// string.
func (r Response) String(key string) string {
	s, _ := r[key].(string)
	return s
}

// Number returns the named field as a number. JSON numbers decode as
// float64; locally synthesized envelopes may hold native ints.
func (r Response) Number(key string) (float64, bool) {
	switch n := r[key].(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

// Status returns the envelope status (OK, ERROR or LOGIN).
func (r Response) Status() string { return r.String("status") }

// OK reports whether the envelope status is OK.
func (r Response) OK() bool { return r.Status() == StatusOK }

// Message returns the server-supplied message, if any.
func (r Response) Message() string { return r.String("message") }

// SessionToken returns the session token issued with this envelope, if any.
func (r Response) SessionToken() string { return r.String("session") }

// MimeType returns the declared content type of a streaming reply.
func (r Response) MimeType() string { return r.String("type") }

// Data returns the opaque business payload. The client never interprets it.
func (r Response) Data() any { return r["data"] }

// ErrorCode returns the numeric error code, if present.
func (r Response) ErrorCode() (int, bool) {
	n, ok := r.Number("errorCode")
	return int(n), ok
}

// Fault is a numeric error code paired with its message.
type Fault struct {
	Code    int
	Message string
}

// Fault extracts the fault from the envelope, or nil when the envelope
// carries no error code or no message.
func (r Response) Fault() *Fault {
	code, ok := r.ErrorCode()
	if !ok {
		return nil
	}
	message := r.Message()
	if message == "" {
		return nil
	}
	return &Fault{Code: code, Message: message}
}
