// Package transport provides the message-oriented transport used to reach the
// SO Platform Connector. It abstracts the underlying connection mechanism and
// delivers inbound traffic through callbacks, paced by explicit receive
// credits.
package transport

import (
	"net/http"
)

// Close codes sent to the peer when tearing down a connection.
const (
	CloseNormal       = 1000 // Clean shutdown (logout)
	CloseSendFailed   = 4100 // Outbound transfer failed mid-stream
	CloseReconnecting = 4102 // Superseded by a new connection
)

// Events receives inbound transport callbacks. Callbacks are invoked on
// goroutines owned by the connection; implementations must return promptly.
type Events interface {
	// OnText delivers a text fragment. The final flag marks the last
	// fragment of one logical message.
	OnText(data []byte, final bool)

	// OnBinary delivers a binary fragment. The final flag marks the last
	// fragment of one logical payload.
	OnBinary(data []byte, final bool)

	// OnClose reports that the peer closed the connection.
	OnClose(code int, reason string)

	// OnError reports a connection-level failure. The connection is
	// unusable afterwards.
	OnError(err error)
}

// Conn is a live connection handle. All methods are safe for concurrent use.
// Inbound fragments are delivered only while receive credits are outstanding;
// each delivered fragment consumes one credit.
type Conn interface {
	// SendText transmits a text fragment, final marking the end of the
	// logical message.
	SendText(data []byte, final bool) error

	// SendBinary transmits a binary fragment, final marking the end of the
	// logical payload.
	SendBinary(data []byte, final bool) error

	// Request grants n receive credits to the connection.
	Request(n int)

	// Ping sends a transport-level keepalive probe.
	Ping() error

	// Close performs an orderly shutdown with the given close code.
	Close(code int, reason string) error

	// Abort tears the connection down immediately.
	Abort()
}

// Dialer opens connections. Dial blocks until the connection is established
// or fails; callers needing an asynchronous connect run it on their own
// goroutine. The returned Conn delivers its traffic to events.
type Dialer interface {
	Dial(uri string, header http.Header, events Events) (Conn, error)
}
