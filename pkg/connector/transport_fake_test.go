package connector_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"soconnect/pkg/transport"
)

// fakeMsg is one scripted inbound fragment.
type fakeMsg struct {
	data   []byte
	final  bool
	binary bool
}

func textMsg(s string) fakeMsg { return fakeMsg{data: []byte(s), final: true} }

func textFrag(s string, final bool) fakeMsg { return fakeMsg{data: []byte(s), final: final} }

func binFrag(b []byte, final bool) fakeMsg {
	return fakeMsg{data: append([]byte(nil), b...), final: final, binary: true}
}

// fakeConn is a scripted transport connection. Inbound fragments queue up and
// are delivered by a dedicated goroutine, one per receive credit, mirroring
// the real transport's pull discipline.
type fakeConn struct {
	events transport.Events

	scriptText   func(sent map[string]any) []fakeMsg
	scriptBinary func(data []byte, final bool) []fakeMsg

	mu           sync.Mutex
	cond         *sync.Cond
	queue        []fakeMsg
	credits      int
	closed       bool
	closeCode    int
	pings        int
	sentTexts    []map[string]any
	sentBins     [][]byte
	sentFinals   []bool
	deliveredBin int
}

func newFakeConn(events transport.Events) *fakeConn {
	c := &fakeConn{events: events}
	c.cond = sync.NewCond(&c.mu)
	go c.deliverLoop()
	return c
}

func (c *fakeConn) deliverLoop() {
	for {
		c.mu.Lock()
		for !c.closed && (c.credits == 0 || len(c.queue) == 0) {
			c.cond.Wait()
		}
		if c.closed {
			c.mu.Unlock()
			return
		}
		msg := c.queue[0]
		c.queue = c.queue[1:]
		c.credits--
		if msg.binary {
			c.deliveredBin++
		}
		c.mu.Unlock()
		if msg.binary {
			c.events.OnBinary(msg.data, msg.final)
		} else {
			c.events.OnText(msg.data, msg.final)
		}
	}
}

func (c *fakeConn) SendText(data []byte, final bool) error {
	var sent map[string]any
	if err := json.Unmarshal(data, &sent); err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("send on closed connection")
	}
	c.sentTexts = append(c.sentTexts, sent)
	script := c.scriptText
	c.mu.Unlock()
	if script != nil {
		c.enqueue(script(sent)...)
	}
	return nil
}

func (c *fakeConn) SendBinary(data []byte, final bool) error {
	chunk := append([]byte(nil), data...)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("send on closed connection")
	}
	c.sentBins = append(c.sentBins, chunk)
	c.sentFinals = append(c.sentFinals, final)
	script := c.scriptBinary
	c.mu.Unlock()
	if script != nil {
		c.enqueue(script(chunk, final)...)
	}
	return nil
}

func (c *fakeConn) enqueue(msgs ...fakeMsg) {
	if len(msgs) == 0 {
		return
	}
	c.mu.Lock()
	c.queue = append(c.queue, msgs...)
	c.mu.Unlock()
	c.cond.Broadcast()
}

func (c *fakeConn) Request(n int) {
	c.mu.Lock()
	c.credits += n
	c.mu.Unlock()
	c.cond.Broadcast()
}

func (c *fakeConn) Ping() error {
	c.mu.Lock()
	c.pings++
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close(code int, reason string) error {
	c.mu.Lock()
	c.closed = true
	c.closeCode = code
	c.mu.Unlock()
	c.cond.Broadcast()
	return nil
}

func (c *fakeConn) Abort() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cond.Broadcast()
}

// fail simulates the connection dying under the client.
func (c *fakeConn) fail(err error) {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cond.Broadcast()
	c.events.OnError(err)
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) texts() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]map[string]any(nil), c.sentTexts...)
}

func (c *fakeConn) binaries() ([][]byte, []bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.sentBins...), append([]bool(nil), c.sentFinals...)
}

func (c *fakeConn) deliveredBinary() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deliveredBin
}

func (c *fakeConn) pingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pings
}

// fakeDialer hands out fakeConns wired to a shared script.
type fakeDialer struct {
	mu           sync.Mutex
	dialErr      error
	dials        int
	headers      []http.Header
	conns        []*fakeConn
	scriptText   func(sent map[string]any) []fakeMsg
	scriptBinary func(data []byte, final bool) []fakeMsg

	// gate, when set, stalls Dial until the channel is closed.
	gate chan struct{}
}

func (d *fakeDialer) Dial(uri string, header http.Header, events transport.Events) (transport.Conn, error) {
	if d.gate != nil {
		<-d.gate
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	d.headers = append(d.headers, header)
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	c := newFakeConn(events)
	c.scriptText = d.scriptText
	c.scriptBinary = d.scriptBinary
	d.conns = append(d.conns, c)
	return c, nil
}

// conn returns the most recently dialed connection.
func (d *fakeDialer) conn() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) setDialErr(err error) {
	d.mu.Lock()
	d.dialErr = err
	d.mu.Unlock()
}
