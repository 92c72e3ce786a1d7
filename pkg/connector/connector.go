// Package connector implements the client for the SO Platform Connector. One
// long-lived connection carries synchronous JSON command exchanges,
// server-to-client binary downloads and client-to-server binary uploads; the
// client bridges the callback-driven transport into a synchronous call API
// while keeping exactly one request in flight at a time.
package connector

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"soconnect/pkg/transport"
)

// KeepAlivePeriod is the idle interval after which the client pings the
// server. The platform drops connections idle for much longer than this.
const KeepAlivePeriod = 29 * time.Second

// Config describes a platform endpoint and the identity presented to it.
type Config struct {
	// Host is where the platform is hosted.
	Host string

	// Application is the application name, typically the database name.
	Application string

	// APIKey, when set, is presented as a bearer token on connect and
	// replaces the password during login.
	APIKey string

	// DeviceWidth and DeviceHeight are viewport hints sent on login.
	// Values of 1 or less fall back to 1024x768.
	DeviceWidth  int
	DeviceHeight int

	// Insecure selects ws:// instead of wss://.
	Insecure bool

	// Dialer overrides the transport used to reach the platform. Defaults
	// to the WebSocket dialer.
	Dialer transport.Dialer

	// KeepAlive overrides the keepalive period. Defaults to
	// KeepAlivePeriod.
	KeepAlive time.Duration
}

// Client is a connection to one platform application. Public methods are safe
// for concurrent use; each call that talks to the network blocks its caller
// until the exchange completes. After Logout or Close the instance must not
// be reused.
type Client struct {
	uri          string
	header       http.Header
	dialer       transport.Dialer
	apiKey       string
	deviceWidth  int
	deviceHeight int
	keepAlive    time.Duration

	// mu guards all connection and session state below.
	mu          sync.Mutex
	conn        transport.Conn
	connID      uuid.UUID     // identity of the current connect cycle
	connectDone chan struct{} // non-nil while a connect is pending
	lastErr     error
	responses   [][]byte      // complete text messages awaiting readResponse
	textBuf     []byte        // partial text message being reassembled
	textSignal  chan struct{} // one-shot wakeup for the current readResponse
	apiVersion  int
	username    string
	password    string
	session     string
	otpEmail    string
	lastCommand time.Time
	active      *bufferedStream // the one live download buffer, if any
	streamDone  chan struct{}   // closed when active detaches

	// postMu admits one wire exchange at a time.
	postMu sync.Mutex

	// streamMu serializes download starts.
	streamMu sync.Mutex

	stopKeepAlive chan struct{}
	stopOnce      sync.Once
}

// New creates a client and starts connecting to the configured endpoint
// asynchronously. Use Err to wait for and inspect the connect outcome, then
// one of the login methods.
func New(cfg Config) *Client {
	scheme := "wss"
	if cfg.Insecure {
		scheme = "ws"
	}
	width, height := cfg.DeviceWidth, cfg.DeviceHeight
	if width <= 1 {
		width = 1024
	}
	if height <= 1 {
		height = 768
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &transport.WebSocketDialer{}
	}
	keepAlive := cfg.KeepAlive
	if keepAlive <= 0 {
		keepAlive = KeepAlivePeriod
	}
	header := http.Header{}
	if strings.TrimSpace(cfg.APIKey) != "" {
		header.Set("Authorization", "Bearer "+cfg.APIKey)
	}
	c := &Client{
		uri:           fmt.Sprintf("%s://%s/%s/CONNECTORWS", scheme, cfg.Host, cfg.Application),
		header:        header,
		dialer:        dialer,
		apiKey:        strings.TrimSpace(cfg.APIKey),
		deviceWidth:   width,
		deviceHeight:  height,
		keepAlive:     keepAlive,
		apiVersion:    1,
		stopKeepAlive: make(chan struct{}),
	}
	c.Reconnect()
	go c.keepAliveLoop()
	return c
}

// SetAPIVersion selects the protocol version sent on login.
func (c *Client) SetAPIVersion(version int) {
	c.mu.Lock()
	c.apiVersion = version
	c.mu.Unlock()
}

// Reconnect discards the current connection, if any, and asynchronously
// establishes a new one. Queued responses and any active download are
// dropped. The client re-logs in transparently on the next command if the
// server demands it.
func (c *Client) Reconnect() {
	c.mu.Lock()
	if c.connectDone != nil {
		// Connect already in progress.
		c.mu.Unlock()
		return
	}
	old := c.conn
	c.conn = nil
	c.responses = nil
	c.textBuf = nil
	if c.active != nil {
		c.active.markClosed()
		c.detachStreamLocked()
	}
	c.lastErr = nil
	done := make(chan struct{})
	c.connectDone = done
	id := uuid.New()
	c.connID = id
	signal := c.textSignal
	c.mu.Unlock()

	// Abort any exchange stuck waiting for the old connection's response.
	notify(signal)
	if old != nil {
		old.Close(transport.CloseReconnecting, "Reconnecting")
	}

	go func() {
		conn, err := c.dialer.Dial(c.uri, c.header, &connEvents{client: c, id: id})
		c.mu.Lock()
		if err != nil {
			c.lastErr = err
		} else if c.connID == id {
			c.conn = conn
		} else {
			// Superseded while dialing.
			go conn.Abort()
		}
		c.connectDone = nil
		c.mu.Unlock()
		close(done)
		if err != nil {
			log.Debug().Err(err).Str("uri", c.uri).Msg("Connect failed")
		}
	}()
}

// Err blocks until any pending connect resolves, then returns the last
// captured connection error, or nil when the connection is healthy.
func (c *Client) Err() error {
	c.mu.Lock()
	done := c.connectDone
	c.mu.Unlock()
	if done != nil {
		<-done
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *Client) connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// touch stamps the last-activity time used by the keepalive.
func (c *Client) touch() {
	c.mu.Lock()
	c.lastCommand = time.Now()
	c.mu.Unlock()
}

// requestNext grants one receive credit to the live connection, if any.
func (c *Client) requestNext() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Request(1)
	}
}

// dropConn tears down a connection after a send failure and clears the
// handle if it is still current.
func (c *Client) dropConn(conn transport.Conn) {
	conn.Close(transport.CloseSendFailed, "Error")
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
}

// detachStreamLocked releases the active download slot. Caller holds c.mu.
func (c *Client) detachStreamLocked() {
	c.active = nil
	if c.streamDone != nil {
		close(c.streamDone)
		c.streamDone = nil
	}
}

// keepAliveLoop pings the server whenever no command has been sent within
// the keepalive period, preventing idle disconnects without flooding the
// server during active use.
func (c *Client) keepAliveLoop() {
	ticker := time.NewTicker(c.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopKeepAlive:
			return
		case <-ticker.C:
			c.mu.Lock()
			conn := c.conn
			idle := time.Since(c.lastCommand) >= c.keepAlive
			c.mu.Unlock()
			if conn == nil || !idle {
				continue
			}
			if err := conn.Ping(); err != nil {
				log.Debug().Err(err).Msg("Keepalive ping failed")
			}
			c.Command("ping", nil)
		}
	}
}

// connEvents routes transport callbacks to the client. The connect-cycle id
// lets the client ignore stale callbacks from a superseded connection.
type connEvents struct {
	client *Client
	id     uuid.UUID
}

func (e *connEvents) OnText(data []byte, final bool) {
	e.client.onText(e.id, data, final)
}

func (e *connEvents) OnBinary(data []byte, final bool) {
	e.client.onBinary(e.id, data, final)
}

func (e *connEvents) OnClose(code int, reason string) {
	e.client.onConnDown(e.id, fmt.Errorf("connection closed, reason: %d %s", code, reason))
}

func (e *connEvents) OnError(err error) {
	e.client.onConnDown(e.id, err)
}

// onText reassembles text fragments into complete messages and queues them
// for readResponse. Intermediate fragments immediately request the next one
// to keep the transport delivering.
func (c *Client) onText(id uuid.UUID, data []byte, final bool) {
	c.mu.Lock()
	if id != c.connID {
		c.mu.Unlock()
		return
	}
	if !final {
		c.textBuf = append(c.textBuf, data...)
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			conn.Request(1)
		}
		return
	}
	var message []byte
	if len(c.textBuf) > 0 {
		message = append(c.textBuf, data...)
		c.textBuf = nil
	} else {
		message = append([]byte(nil), data...)
	}
	c.responses = append(c.responses, message)
	signal := c.textSignal
	c.mu.Unlock()
	notify(signal)
}

// onBinary routes a binary fragment to the active download buffer. The final
// fragment completes and detaches the buffer, releasing the next streaming
// call. Stray fragments with no buffer attached are discarded and
// re-credited so the transfer drains.
func (c *Client) onBinary(id uuid.UUID, data []byte, final bool) {
	c.mu.Lock()
	if id != c.connID {
		c.mu.Unlock()
		return
	}
	buf := c.active
	conn := c.conn
	if buf == nil {
		c.mu.Unlock()
		if conn != nil {
			conn.Request(1)
		}
		return
	}
	if final {
		c.detachStreamLocked()
		c.mu.Unlock()
		buf.finish(data)
		return
	}
	c.mu.Unlock()
	if discarded := buf.push(data); discarded && conn != nil {
		// Consumer abandoned the stream; keep draining to its end.
		conn.Request(1)
	}
}

// onConnDown captures the connection error, clears the handle and releases
// anything blocked on a response or an active download.
func (c *Client) onConnDown(id uuid.UUID, err error) {
	c.mu.Lock()
	if id != c.connID {
		c.mu.Unlock()
		return
	}
	log.Debug().Err(err).Msg("Connection lost")
	c.lastErr = err
	c.conn = nil
	signal := c.textSignal
	buf := c.active
	if buf != nil {
		c.detachStreamLocked()
	}
	c.mu.Unlock()
	notify(signal)
	if buf != nil {
		buf.finish(nil)
	}
}

// notify raises a one-shot signal without blocking.
func notify(signal chan struct{}) {
	if signal == nil {
		return
	}
	select {
	case signal <- struct{}{}:
	default:
	}
}
