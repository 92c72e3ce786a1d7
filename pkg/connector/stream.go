package connector

import (
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"soconnect/pkg/protocol"
)

// UploadChunkSize is the fragment size used for binary uploads.
const UploadChunkSize = 64 * 1024

// fragmentWait bounds one wait for the next download fragment before the
// reader re-checks the completion and connection state.
const fragmentWait = time.Second

// Data is the result of a download: the binary content as a stream together
// with its declared content type. The stream must be closed once the data is
// read or abandoned; closing early discards the remainder.
type Data struct {
	io.ReadCloser

	// MimeType is the content type declared by the server.
	MimeType string
}

// Stream retrieves the binary content registered under name. The name is
// usually obtained from a previous command's response.
func (c *Client) Stream(name string) (*Data, error) {
	return c.download(protocol.CmdStream, name, nil)
}

// File retrieves the content of the named file on the platform.
func (c *Client) File(name string) (*Data, error) {
	return c.download(protocol.CmdFile, name, nil)
}

// Report runs the named report logic and retrieves its output. The
// parameters map may be nil.
func (c *Client) Report(logic string, parameters protocol.Attributes) (*Data, error) {
	var attributes protocol.Attributes
	switch {
	case parameters == nil:
		attributes = protocol.Attributes{"parameters": protocol.Attributes{}}
	case parameters["parameters"] != nil:
		attributes = parameters
	default:
		attributes = protocol.Attributes{"parameters": parameters}
	}
	return c.download(protocol.CmdReport, logic, attributes)
}

// download issues a streaming command and attaches a fresh buffer as the
// payload conduit. Only one download may be active per client; later callers
// wait for the active one to finish or be closed. The buffer is created and
// attached before the request goes out so the first binary fragment always
// finds it.
func (c *Client) download(command, name string, attributes protocol.Attributes) (*Data, error) {
	if attributes == nil {
		attributes = protocol.Attributes{}
	}
	if strings.TrimSpace(name) != "" {
		attributes[command] = name
	}
	c.streamMu.Lock()
	defer c.streamMu.Unlock()
	for {
		c.mu.Lock()
		if c.active == nil {
			break
		}
		done := c.streamDone
		c.mu.Unlock()
		<-done
	}
	buf := newBufferedStream(c)
	c.active = buf
	done := make(chan struct{})
	c.streamDone = done
	c.mu.Unlock()

	c.postMu.Lock()
	r := c.execLocked(command, attributes, false, false, false)
	c.postMu.Unlock()
	if r.Status() == protocol.StatusError {
		// A connection drop while awaiting the response detaches the buffer
		// from the callback side and closes the slot channel there; only
		// detach (and close) here when that has not already happened.
		c.mu.Lock()
		if c.active == buf {
			c.detachStreamLocked()
		}
		c.mu.Unlock()
		return nil, errors.New(r.Message())
	}
	c.requestNext()
	return &Data{ReadCloser: buf, MimeType: r.MimeType()}, nil
}

// Upload sends binary content to the server. The mime type is not verified
// server-side and must be correct. A non-empty streamNameOrID overwrites the
// existing content with that name or ID. On OK the response carries the id
// of the stored content. The data source is closed on all exit paths when it
// implements io.Closer.
func (c *Client) Upload(mimeType string, data io.Reader, streamNameOrID string) protocol.Response {
	defer func() {
		if closer, ok := data.(io.Closer); ok {
			closer.Close()
		}
	}()
	attributes := protocol.Attributes{"type": mimeType}
	if strings.TrimSpace(streamNameOrID) != "" {
		attributes["stream"] = streamNameOrID
	}
	c.postMu.Lock()
	defer c.postMu.Unlock()
	r := c.execLocked(protocol.CmdUpload, attributes, true, false, false)
	if !r.OK() {
		return r
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return protocol.NewError(protocol.ErrConnectionClosed, "Connection closed")
	}
	buf := make([]byte, UploadChunkSize)
	for {
		n, err := data.Read(buf)
		if n > 0 {
			c.touch()
			if sendErr := conn.SendBinary(buf[:n], false); sendErr != nil {
				c.dropConn(conn)
				return protocol.NewError(protocol.ErrTransport, sendErr.Error())
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			c.dropConn(conn)
			return protocol.NewError(protocol.ErrTransport, err.Error())
		}
	}
	c.touch()
	if sendErr := conn.SendBinary(nil, true); sendErr != nil {
		c.dropConn(conn)
		return protocol.NewError(protocol.ErrTransport, sendErr.Error())
	}
	// The server acknowledges the complete payload with one text response.
	return c.readResponse()
}

// bufferedStream is the single-producer/single-consumer conduit between the
// transport's binary callbacks and the download consumer. Fragments queue in
// arrival order; the consumer pulls them lazily, and each dequeued fragment
// grants the transport one more receive credit. That pull-based pacing keeps
// at most a couple of fragments buffered regardless of payload size.
type bufferedStream struct {
	client *Client

	mu        sync.Mutex
	chunks    [][]byte
	current   []byte
	completed bool // server sent its last fragment
	closed    bool // consumer abandoned the stream
	fragment  chan struct{}
}

func newBufferedStream(c *Client) *bufferedStream {
	return &bufferedStream{
		client:   c,
		fragment: make(chan struct{}, 1),
	}
}

// push queues an arriving fragment. Reports true when the fragment was
// discarded because the consumer already closed the stream.
func (s *bufferedStream) push(data []byte) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		notify(s.fragment)
		return true
	}
	if len(data) > 0 {
		s.chunks = append(s.chunks, data)
	}
	s.mu.Unlock()
	notify(s.fragment)
	return false
}

// finish appends the final fragment, if any, and marks the stream complete.
func (s *bufferedStream) finish(data []byte) {
	s.mu.Lock()
	if !s.closed && len(data) > 0 {
		s.chunks = append(s.chunks, data)
	}
	s.completed = true
	s.mu.Unlock()
	notify(s.fragment)
}

// Read blocks until a fragment is available, the server marks completion, or
// the stream is closed. Reading after completion and exhaustion yields EOF.
func (s *bufferedStream) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return 0, io.EOF
		}
		if len(s.current) == 0 {
			if len(s.chunks) > 0 {
				s.current = s.chunks[0]
				s.chunks = s.chunks[1:]
				needCredit := !s.completed
				s.mu.Unlock()
				if needCredit {
					s.client.requestNext()
				}
				continue
			}
			completed := s.completed
			s.mu.Unlock()
			if completed || !s.client.connected() {
				return 0, io.EOF
			}
			// Timed wait so a silently dead connection is re-checked.
			select {
			case <-s.fragment:
			case <-time.After(fragmentWait):
			}
			continue
		}
		n := copy(p, s.current)
		s.current = s.current[n:]
		s.mu.Unlock()
		return n, nil
	}
}

// Close abandons the stream: buffered fragments are discarded and all
// further reads report EOF. The transfer keeps draining in the background
// until the server's final fragment detaches it, so the next download never
// sees a stale fragment.
func (s *bufferedStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.chunks = nil
	s.current = nil
	restartDrain := !s.completed
	s.mu.Unlock()
	if restartDrain {
		// There may be no credit outstanding; grant one so the remaining
		// fragments flow and the final one releases the download slot.
		s.client.requestNext()
	}
	return nil
}

// markClosed closes the buffer without touching the connection. Used when
// the connection itself is being discarded.
func (s *bufferedStream) markClosed() {
	s.mu.Lock()
	s.closed = true
	s.chunks = nil
	s.current = nil
	s.mu.Unlock()
	notify(s.fragment)
}
