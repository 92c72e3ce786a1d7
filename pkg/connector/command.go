package connector

import (
	"time"

	"soconnect/pkg/protocol"
)

// Command sends a command with the given attributes and returns the server's
// response. The session and command fields are injected automatically; the
// attributes need only carry the command-specific parameters. Local failures
// are returned as synthesized ERROR envelopes carrying a stable error code,
// so callers see one uniform result shape.
func (c *Client) Command(command string, attributes protocol.Attributes) protocol.Response {
	c.postMu.Lock()
	defer c.postMu.Unlock()
	return c.execLocked(command, attributes, true, false, false)
}

// CommandPreserveState is Command with the continue flag set, asking the
// server to preserve the connector logic's state across calls.
func (c *Client) CommandPreserveState(command string, attributes protocol.Attributes) protocol.Response {
	c.postMu.Lock()
	defer c.postMu.Unlock()
	return c.execLocked(command, attributes, true, true, false)
}

// execLocked validates, decorates and posts one command, and absorbs the
// server's session-renewal handshake. Caller holds postMu.
//
// A LOGIN status means the server invalidated the session but is willing to
// resume it: the new token is captured, the cached credentials re-login, and
// the original command is resubmitted exactly once. Command-name validation
// is skipped on the retry since it already passed. A second consecutive
// LOGIN surfaces as a re-login failure rather than recursing.
func (c *Client) execLocked(command string, attributes protocol.Attributes, checkCommand, preserveServerState, retried bool) protocol.Response {
	if attributes == nil {
		attributes = protocol.Attributes{}
	}
	sessionRequired := true
	if command == "register" || command == "otp" {
		if action, ok := attributes["action"].(string); ok {
			sessionRequired = action != "init"
		}
	}
	c.mu.Lock()
	username, password, session := c.username, c.password, c.session
	down := c.conn == nil && c.connectDone == nil
	c.mu.Unlock()
	if sessionRequired && (username == "" || session == "") {
		return protocol.NewError(protocol.ErrNotLoggedIn, "Not logged in")
	}
	if down {
		return protocol.NewError(protocol.ErrNotConnected, protocol.NotConnected)
	}
	if checkCommand {
		switch command {
		case protocol.CmdFile, protocol.CmdStream:
			// Streaming commands must go through Stream/File/Report.
			return protocol.NewError(protocol.ErrInvalidCommand, "Invalid command")
		}
	}
	if sessionRequired {
		attributes["session"] = session
	}
	attributes["command"] = command
	if preserveServerState {
		attributes["continue"] = true
	}
	r := c.postLocked(attributes)
	if r.Status() == protocol.StatusLogin {
		if retried {
			return protocol.NewError(protocol.ErrReloginFailed,
				"Can't re-login. Reason: server demanded login again")
		}
		c.mu.Lock()
		c.session = r.SessionToken()
		user := c.username
		c.username = ""
		c.mu.Unlock()
		if err := c.loginLocked(user, password); err != nil {
			return protocol.NewError(protocol.ErrReloginFailed, "Can't re-login. Reason: "+err.Error())
		}
		return c.execLocked(command, attributes, false, preserveServerState, true)
	}
	return r
}

// postLocked serializes the attributes as one text message, sends it and
// returns the next full response. It blocks until any pending connect
// resolves. Caller holds postMu.
func (c *Client) postLocked(attributes protocol.Attributes) protocol.Response {
	c.mu.Lock()
	done := c.connectDone
	c.mu.Unlock()
	if done != nil {
		<-done
	}
	c.mu.Lock()
	conn := c.conn
	c.lastCommand = time.Now()
	c.mu.Unlock()
	if conn == nil {
		return protocol.NewError(protocol.ErrConnectionClosed, "Connection closed")
	}
	payload, err := attributes.Encode()
	if err != nil {
		return protocol.NewError(protocol.ErrTransport, err.Error())
	}
	if err := conn.SendText(payload, true); err != nil {
		return protocol.NewError(protocol.ErrTransport, err.Error())
	}
	return c.readResponse()
}

// readResponse issues one receive credit and waits for the next complete
// text message. A connection drop while waiting yields a connection-closed
// error carrying the captured transport error when one exists.
func (c *Client) readResponse() protocol.Response {
	c.mu.Lock()
	signal := make(chan struct{}, 1)
	c.textSignal = signal
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return protocol.NewError(protocol.ErrNotConnected, protocol.NotConnected)
	}
	conn.Request(1)
	for {
		c.mu.Lock()
		if len(c.responses) > 0 {
			message := c.responses[0]
			c.responses = c.responses[1:]
			c.mu.Unlock()
			r, err := protocol.Parse(message)
			if err != nil {
				return protocol.NewError(protocol.ErrInvalidResponse, "Invalid response")
			}
			return r
		}
		down := c.conn == nil
		lastErr := c.lastErr
		c.mu.Unlock()
		if down {
			if lastErr != nil {
				return protocol.NewError(protocol.ErrConnectionClosed, lastErr.Error())
			}
			return protocol.NewError(protocol.ErrNotConnected, protocol.NotConnected)
		}
		<-signal
	}
}
