package transport

import (
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Connection tuning.
const (
	// HandshakeTimeout bounds a connect attempt. Generous on purpose: the
	// platform may sit behind slow corporate proxies.
	HandshakeTimeout = 10 * time.Minute

	// WriteWait bounds a single outbound frame or control message.
	WriteWait = 30 * time.Second

	// ReadChunkSize is the fragment size surfaced to OnBinary for large
	// inbound payloads.
	ReadChunkSize = 64 * 1024

	// creditBacklog caps granted-but-unconsumed receive credits.
	creditBacklog = 1024
)

// ErrConnClosed is returned by send operations on a closed connection.
var ErrConnClosed = errors.New("transport closed")

// WebSocketDialer opens WebSocket connections. The zero value is ready to
// use with default timeouts.
type WebSocketDialer struct {
	// HandshakeTimeout overrides the default connect bound when positive.
	HandshakeTimeout time.Duration
}

// Dial establishes a WebSocket connection to uri and starts its credit-gated
// read loop. Inbound traffic is delivered to events.
func (d *WebSocketDialer) Dial(uri string, header http.Header, events Events) (Conn, error) {
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = HandshakeTimeout
	}
	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	ws, resp, err := dialer.Dial(uri, header)
	if err != nil {
		return nil, err
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	c := &wsConn{
		ws:      ws,
		events:  events,
		credits: make(chan struct{}, creditBacklog),
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// wsConn implements Conn on top of a gorilla websocket connection. Inbound
// messages are read only while credits are outstanding, so the peer's frames
// back up in the kernel instead of this process when the consumer is slow.
type wsConn struct {
	ws     *websocket.Conn
	events Events

	// writeMu serializes all writes, including the pending fragment writer.
	writeMu sync.Mutex
	pending io.WriteCloser // open outbound message, nil between payloads

	credits   chan struct{}
	closeOnce sync.Once
	closed    chan struct{}
}

// SendText transmits a text fragment.
func (c *wsConn) SendText(data []byte, final bool) error {
	return c.writeFragment(websocket.TextMessage, data, final)
}

// SendBinary transmits a binary fragment. Non-final fragments are written
// into one open message; the final fragment closes it.
func (c *wsConn) SendBinary(data []byte, final bool) error {
	return c.writeFragment(websocket.BinaryMessage, data, final)
}

func (c *wsConn) writeFragment(messageType int, data []byte, final bool) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.isClosed() {
		return ErrConnClosed
	}
	c.ws.SetWriteDeadline(time.Now().Add(WriteWait))
	if c.pending == nil {
		if final {
			// Whole message in one fragment, the common case.
			return c.ws.WriteMessage(messageType, data)
		}
		w, err := c.ws.NextWriter(messageType)
		if err != nil {
			return err
		}
		c.pending = w
	}
	if len(data) > 0 {
		if _, err := c.pending.Write(data); err != nil {
			return err
		}
	}
	if final {
		err := c.pending.Close()
		c.pending = nil
		return err
	}
	return nil
}

// Request grants n receive credits. Credits beyond the backlog cap are
// dropped; the read loop can never owe more deliveries than the cap.
func (c *wsConn) Request(n int) {
	for i := 0; i < n; i++ {
		select {
		case c.credits <- struct{}{}:
		default:
			return
		}
	}
}

// Ping sends a transport-level keepalive probe.
func (c *wsConn) Ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.isClosed() {
		return ErrConnClosed
	}
	return c.ws.WriteControl(websocket.PingMessage, []byte{1}, time.Now().Add(WriteWait))
}

// Close performs an orderly shutdown, notifying the peer with code and
// reason before dropping the connection.
func (c *wsConn) Close(code int, reason string) error {
	c.markClosed()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(WriteWait))
	return c.ws.Close()
}

// Abort tears the connection down without a closing handshake.
func (c *wsConn) Abort() {
	c.markClosed()
	c.ws.Close()
}

func (c *wsConn) markClosed() {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
}

func (c *wsConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// awaitCredit blocks until a receive credit is available. Returns false when
// the connection is closed.
func (c *wsConn) awaitCredit() bool {
	select {
	case <-c.credits:
		return true
	case <-c.closed:
		return false
	}
}

// readLoop delivers inbound messages, one fragment per credit. Text messages
// arrive reassembled and are delivered whole; binary messages are surfaced in
// bounded chunks so a large download is never held in memory here.
func (c *wsConn) readLoop() {
	defer c.markClosed()
	for {
		if !c.awaitCredit() {
			return
		}
		messageType, r, err := c.ws.NextReader()
		if err != nil {
			c.dispatchReadError(err)
			return
		}
		switch messageType {
		case websocket.TextMessage:
			data, err := io.ReadAll(r)
			if err != nil {
				c.dispatchReadError(err)
				return
			}
			c.events.OnText(data, true)
		case websocket.BinaryMessage:
			if !c.deliverBinary(r) {
				return
			}
		}
	}
}

// deliverBinary streams one inbound binary message as credit-paced
// fragments, ending with an empty final fragment. Returns false when the
// connection died mid-message.
func (c *wsConn) deliverBinary(r io.Reader) bool {
	buf := make([]byte, ReadChunkSize)
	first := true
	for {
		if !first && !c.awaitCredit() {
			return false
		}
		first = false
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			c.events.OnBinary(chunk, false)
			continue
		}
		if err == io.EOF {
			c.events.OnBinary(nil, true)
			return true
		}
		if err != nil {
			c.dispatchReadError(err)
			return false
		}
	}
}

// dispatchReadError translates a read failure into OnClose or OnError.
// Failures caused by a local Close/Abort are suppressed.
func (c *wsConn) dispatchReadError(err error) {
	if c.isClosed() {
		return
	}
	c.markClosed()
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		c.events.OnClose(closeErr.Code, closeErr.Text)
		return
	}
	c.events.OnError(err)
}
